// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package erst

import "testing"

func TestPutHeaderRoundTrip(t *testing.T) {
	b := make([]byte, HeaderSize)
	PutHeader(b, 0x1234, 512, StatusValid)

	if g, e := RecordID(b), uint64(0x1234); g != e {
		t.Fatalf("RecordID: got %#x, want %#x", g, e)
	}

	if g, e := RecordLength(b), uint32(512); g != e {
		t.Fatalf("RecordLength: got %d, want %d", g, e)
	}

	if g, e := RecordStatus(b), StatusValid; g != e {
		t.Fatalf("RecordStatus: got %s, want %s", g, e)
	}

	if err := ValidateHeader(b); err != nil {
		t.Fatal(err)
	}
}

func TestValidateHeaderRejectsBadMagic(t *testing.T) {
	b := make([]byte, HeaderSize)
	PutHeader(b, 1, HeaderSize, StatusValid)
	b[0] ^= 0xFF
	if err := ValidateHeader(b); KindOf(err) != KindIncompatibleVersion {
		t.Fatalf("got %v, want IncompatibleVersion", err)
	}
}

func TestValidateHeaderRejectsReservedID(t *testing.T) {
	for _, id := range []uint64{RecordIDFirst, RecordIDInvalid} {
		b := make([]byte, HeaderSize)
		PutHeader(b, id, HeaderSize, StatusValid)
		if err := ValidateHeader(b); KindOf(err) != KindCompromisedData {
			t.Fatalf("id %#x: got %v, want CompromisedData", id, err)
		}
	}
}

func TestValidateHeaderAllowsReservedIDOnNonCommittedStatus(t *testing.T) {
	b := make([]byte, HeaderSize)
	PutHeader(b, RecordIDInvalid, HeaderSize, StatusIncoming)
	if err := ValidateHeader(b); err != nil {
		t.Fatalf("INCOMING with reserved id should validate: %v", err)
	}
}

func TestValidateHeaderRejectsBadStatus(t *testing.T) {
	b := make([]byte, HeaderSize)
	PutHeader(b, 1, HeaderSize, StatusValid)
	b[StatusByteOffset] = 0x55
	if err := ValidateHeader(b); KindOf(err) != KindCompromisedData {
		t.Fatalf("got %v, want CompromisedData", err)
	}
}

func TestValidateRecordChecksIDAndLength(t *testing.T) {
	b := make([]byte, HeaderSize)
	PutHeader(b, 7, HeaderSize, StatusValid)

	if err := ValidateRecord(b, 7, HeaderSize); err != nil {
		t.Fatal(err)
	}

	if err := ValidateRecord(b, 8, HeaderSize); KindOf(err) != KindCompromisedData {
		t.Fatalf("wrong id: got %v, want CompromisedData", err)
	}

	if err := ValidateRecord(b, 7, HeaderSize+1); KindOf(err) != KindCompromisedData {
		t.Fatalf("wrong length: got %v, want CompromisedData", err)
	}
}

func TestStatusOnlyEverClearsBits(t *testing.T) {
	// FREE(0xFF) -> INCOMING(0xFE) -> VALID(0xF0) -> OUTGOING(0xE0) ->
	// DELETED(0x80) -> INVALID(0x00): every step clears bits, never sets.
	order := []Status{StatusFree, StatusIncoming, StatusValid, StatusOutgoing, StatusDeleted, StatusInvalid}
	for i := 1; i < len(order); i++ {
		prev, cur := byte(order[i-1]), byte(order[i])
		if prev&cur != cur {
			t.Fatalf("%s -> %s is not a bit-clear-only transition", order[i-1], order[i])
		}
	}
}
