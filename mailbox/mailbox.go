// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mailbox implements the Mailbox Handler (spec §4.8): it decodes
// an operation word out of a shared-memory Region, dispatches to the
// underlying erst.Store, writes back a status code, and clears the
// doorbell's busy signal. Shaped like dbm wrapping lldb.Allocator: a thin
// protocol skin over the storage engine's own exported operations.
package mailbox

import (
	"github.com/pkg/errors"

	"github.com/cznic-erst/erst"
	"github.com/cznic-erst/erst/internal/obslog"
)

var mailboxLog = obslog.New("mailbox")

// Operation is the mailbox's operation word (spec §6.2).
type Operation uint32

// Operation values.
const (
	OpInvalid Operation = iota
	OpBeginRead
	OpBeginWrite
	OpBeginClear
	OpDummyWrite
	OpEnd
	OpExecute
	OpCheckBusy
	OpGetStatus
)

// Status is the ACPI-defined result code written back through the
// mailbox (spec §6.4), before being shifted into Region.Status.
type Status uint32

// Status values, per spec §6.4.
const (
	StatusSuccess Status = iota
	StatusNotEnoughSpace
	StatusHardwareNotAvailable
	StatusFailed
	StatusRecordStoreEmpty
	StatusRecordNotFound
	StatusInitSuccess
)

// statusShift is the fixed bit offset the status code is written at
// within Region.Status (spec §6.2: "shifted left by a fixed bit offset").
const statusShift = 16

// Region is the fixed-layout mailbox structure in shared memory (spec
// §6.2). AddressRange describes the separate error-log buffer used as
// payload scratch.
type Region struct {
	Operation    Operation
	Status       uint32
	RecordOffset uint64
	RecordID     uint64
	RecordCount  uint32
	Timings      uint64
	AddressRange AddressRange
}

// AddressRange describes the error-log scratch buffer backing a Region.
type AddressRange struct {
	PhysicalBase uint64
	Length       uint64
	Attributes   uint64
}

// Doorbell is the MMIO interlock pair of spec §6.3: the caller sets it
// before raising the handler, spins on Status until it reads idle, and the
// handler clears it on the way out.
type Doorbell interface {
	Set()
	Clear()
	Busy() bool
}

// Handler is the Mailbox Handler. buffer is the separate error-log buffer
// addressed by Region.AddressRange, used for payload marshalling.
type Handler struct {
	store  *erst.Store
	bell   Doorbell
	region *Region
	buffer []byte
}

// NewHandler returns a Handler driving store through region/buffer, with
// bell as the busy-bit interlock.
func NewHandler(store *erst.Store, bell Doorbell, region *Region, buffer []byte) *Handler {
	return &Handler{store: store, bell: bell, region: region, buffer: buffer}
}

var errStoreEmpty = errors.New("mailbox: record store empty")

// Doorbell runs one full mailbox transaction: re-init if needed, dispatch,
// status translation, busy-bit clear (spec §4.8).
func (h *Handler) Doorbell() {
	defer h.bell.Clear()

	if err := h.store.InitError(); err != nil {
		mailboxLog.WithError(err).Error("short-circuiting: store not initialized")
		h.writeStatus(statusFor(err))
		return
	}

	if h.store.NeedsReinit() {
		savedOp, savedID, savedOffset := h.region.Operation, h.region.RecordID, h.region.RecordOffset
		if err := h.store.Reinit(); err != nil {
			h.writeStatus(statusFor(err))
			return
		}

		h.region.Operation, h.region.RecordID, h.region.RecordOffset = savedOp, savedID, savedOffset
	}

	// Snapshot caller inputs before dispatch, to resist concurrent
	// tampering with the shared region (spec §4.8 step 3).
	op := h.region.Operation
	id := h.region.RecordID
	offset := h.region.RecordOffset

	var err error
	switch op {
	case OpBeginWrite, OpDummyWrite:
		err = h.dispatchWrite(id, offset, op == OpDummyWrite)
	case OpBeginRead:
		err = h.dispatchRead(id, offset)
	case OpBeginClear:
		err = h.dispatchClear(id)
	default:
		err = errors.Errorf("mailbox: unsupported operation %d", op)
	}

	h.region.RecordCount = uint32(h.store.Count())
	h.writeStatus(statusFor(err))
}

func (h *Handler) dispatchWrite(mailboxID, offset uint64, dummy bool) error {
	const op = "mailbox.dispatchWrite"
	if offset+erst.HeaderSize > uint64(len(h.buffer)) {
		return errors.Errorf("%s: record_offset %d out of bounds", op, offset)
	}

	length := erst.RecordLength(h.buffer[offset : offset+erst.HeaderSize])
	if offset+uint64(length) > uint64(len(h.buffer)) || length < erst.HeaderSize {
		return errors.Errorf("%s: record_length %d out of bounds", op, length)
	}

	// Copy the record into a private pool buffer before handing it to the
	// Store, rather than operating on the shared caller buffer directly
	// (spec §4.2, §4.8).
	buf, release, err := h.store.BorrowBuffer(int(length))
	if err != nil {
		return err
	}
	defer release()

	copy(buf, h.buffer[offset:offset+uint64(length)])
	actualID := erst.RecordID(buf)
	payload := buf[erst.HeaderSize:]

	committed, err := h.store.Write(actualID, payload, dummy)
	if err != nil {
		return err
	}

	if !dummy && mailboxID == erst.RecordIDInvalid {
		h.region.RecordID = committed
	}

	return nil
}

func (h *Handler) dispatchRead(id, offset uint64) error {
	const op = "mailbox.dispatchRead"
	if h.store.Count() == 0 {
		return errStoreEmpty
	}

	if offset+erst.HeaderSize > uint64(len(h.buffer)) {
		return errors.Errorf("%s: record_offset %d out of bounds", op, offset)
	}

	payload, cursor, err := h.store.Read(id)
	if err != nil {
		if erst.KindOf(err) == erst.KindNotFound {
			h.region.RecordID = h.store.FirstRecordID()
		}

		return err
	}

	lookup := id
	if id == erst.RecordIDFirst {
		lookup = h.store.FirstRecordID()
	}

	total := erst.HeaderSize + len(payload)
	if offset+uint64(total) > uint64(len(h.buffer)) {
		return errors.Errorf("%s: record of length %d does not fit remaining buffer", op, total)
	}

	// Assemble the outgoing record in a private pool buffer, then copy the
	// finished record into the shared caller buffer in one shot (spec
	// §4.2, §4.8).
	buf, release, err := h.store.BorrowBuffer(total)
	if err != nil {
		return err
	}
	defer release()

	erst.PutHeader(buf, lookup, uint32(total), erst.StatusValid)
	copy(buf[erst.HeaderSize:], payload)
	copy(h.buffer[offset:offset+uint64(total)], buf)

	h.region.RecordID = cursor
	return nil
}

func (h *Handler) dispatchClear(id uint64) error {
	if err := h.store.Clear(id); err != nil {
		return err
	}

	if h.store.Count() == 0 {
		h.region.RecordID = erst.RecordIDInvalid
	} else {
		h.region.RecordID = h.store.FirstRecordID()
	}

	return nil
}

func (h *Handler) writeStatus(st Status) {
	h.region.Status = uint32(st) << statusShift
}

func statusFor(err error) Status {
	if err == nil {
		return StatusSuccess
	}

	if errors.Is(err, errStoreEmpty) {
		return StatusRecordStoreEmpty
	}

	switch erst.KindOf(err) {
	case erst.KindNotFound:
		return StatusRecordNotFound
	case erst.KindOutOfResources:
		return StatusNotEnoughSpace
	case erst.KindDeviceError, erst.KindCompromisedData, erst.KindIncompatibleVersion, erst.KindNoMedia:
		return StatusHardwareNotAvailable
	default:
		return StatusFailed
	}
}
