// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package erst

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newRecoveryTestStore(t *testing.T, numBlocks int) (*Store, *MemDevice) {
	t.Helper()
	vb := int64(MinVirtualBlockSize)
	dev := NewMemDevice(vb*int64(numBlocks), vb)
	s, err := New(dev, Partition{Base: 0, Size: vb * int64(numBlocks)}, Config{})
	require.NoError(t, err)
	return s, dev
}

func firstRecordOffset(s *Store) int64 {
	for _, b := range s.BlockInfo() {
		if b.ValidEntries > 0 {
			return b.Base
		}
	}

	return 0
}

// TestRecoveryResolvesLoneOutgoing covers spec §8 scenario 4: a crash right
// after step 5 leaves a lone OUTGOING record with no corresponding INCOMING.
// Recovery must relocate it back to a plain VALID copy.
func TestRecoveryResolvesLoneOutgoing(t *testing.T) {
	s, dev := newRecoveryTestStore(t, 3)
	payload := []byte("persisted error record")
	_, err := s.Write(0x42, payload, false)
	require.NoError(t, err)

	off := firstRecordOffset(s)
	dev.Poke(off+StatusByteOffset, []byte{byte(StatusOutgoing)})

	require.NoError(t, s.Reinit())
	require.False(t, s.NeedsReinit())

	got, _, err := s.Read(0x42)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// TestRecoveryInvalidatesLoneIncoming covers spec §8 scenario 5: a crash
// right after step 3, before the body or any OUTGOING exists. The INCOMING
// record never became visible and must be invalidated, not completed.
func TestRecoveryInvalidatesLoneIncoming(t *testing.T) {
	s, dev := newRecoveryTestStore(t, 3)
	_, err := s.Write(0x7, make([]byte, 64), false)
	require.NoError(t, err)

	off := firstRecordOffset(s)
	dev.Poke(off+StatusByteOffset, []byte{byte(StatusIncoming)})

	require.NoError(t, s.Reinit())

	_, _, err = s.Read(0x7)
	require.Equal(t, KindNotFound, KindOf(err))

	_, err = s.Write(0x7, make([]byte, 64), false)
	require.NoError(t, err, "the id must be usable again after invalidation")
}

// TestRecoveryMergesCompatibleOutgoingIntoIncoming covers the compatible
// half of spec §4.7's copy_outgoing_to_incoming: an OUTGOING record and an
// INCOMING record that is a bit-superset of it, of the same or greater
// length, trailing block all-1s, must merge into a single VALID record carrying the OUTGOING's id
// and content.
func TestRecoveryMergesCompatibleOutgoingIntoIncoming(t *testing.T) {
	s, dev := newRecoveryTestStore(t, 3)
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = 0xAB
	}

	_, err := s.Write(0x100, payload, false)
	require.NoError(t, err)

	off := firstRecordOffset(s)
	dev.Poke(off+StatusByteOffset, []byte{byte(StatusOutgoing)})

	// An INCOMING header that is a strict bit-superset of the OUTGOING
	// one (same id, same length, status with fewer bits cleared) placed right
	// after it, with nothing but 0xFF beyond.
	outLen := HeaderSize + len(payload)
	incomingOffset := off + int64(outLen)
	header := make([]byte, HeaderSize)
	PutHeader(header, 0x100, uint32(outLen), StatusIncoming)
	dev.Poke(incomingOffset, header)

	require.NoError(t, s.Reinit())

	got, _, err := s.Read(0x100)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, 1, s.Count())
}

// TestRecoveryInvalidatesIncompatibleIncoming covers spec §8 scenario 6: the
// INCOMING does not satisfy the compatibility rule (different, non-subset
// id here), so it must be invalidated rather than merged, leaving the
// OUTGOING for the ordinary relocate step.
func TestRecoveryInvalidatesIncompatibleIncoming(t *testing.T) {
	s, dev := newRecoveryTestStore(t, 3)
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = 0xAB
	}

	_, err := s.Write(0x5000, payload, false)
	require.NoError(t, err)

	off := firstRecordOffset(s)
	dev.Poke(off+StatusByteOffset, []byte{byte(StatusOutgoing)})

	trailing := off + int64(HeaderSize+len(payload))
	header := make([]byte, HeaderSize)
	PutHeader(header, 0x5001, uint32(HeaderSize), StatusIncoming)
	dev.Poke(trailing, header)

	require.NoError(t, s.Reinit())

	got, _, err := s.Read(0x5000)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	_, _, err = s.Read(0x5001)
	require.Equal(t, KindNotFound, KindOf(err))
}

// TestRecoveryReclaimsInvalidatedTail covers the block-level effect of
// tagging a corrupt FREE tail INVALID: collect_block_info must mark the
// block for reclaim so the next init's reconcile step erases it.
func TestRecoveryReclaimsInvalidatedTail(t *testing.T) {
	s, dev := newRecoveryTestStore(t, 3)
	_, err := s.Write(0x9, make([]byte, 64), false)
	require.NoError(t, err)

	// Corrupt a byte in the free tail of the block so it is no longer
	// all-1s without being a well-formed record header either.
	off := firstRecordOffset(s)
	tail := off + int64(HeaderSize+64)
	dev.Poke(tail, []byte{0x42})

	require.NoError(t, s.Reinit())

	got, _, err := s.Read(0x9)
	require.NoError(t, err)
	require.Len(t, got, 64)
}

func TestRecordsCompatibleRejectsShorterIncoming(t *testing.T) {
	out := make([]byte, HeaderSize+16)
	PutHeader(out, 0x1, uint32(len(out)), StatusOutgoing)
	inc := make([]byte, HeaderSize)
	PutHeader(inc, 0x1, uint32(len(inc)), StatusIncoming)

	require.False(t, recordsCompatible(inc, out, nil))
}

func TestRecordsCompatibleRejectsNonSubsetID(t *testing.T) {
	out := make([]byte, HeaderSize)
	PutHeader(out, 0b0101, uint32(len(out)), StatusOutgoing)
	inc := make([]byte, HeaderSize)
	PutHeader(inc, 0b0100, uint32(len(inc)), StatusIncoming)

	require.False(t, recordsCompatible(inc, out, nil))
}

func TestRecordsCompatibleRejectsDirtyTail(t *testing.T) {
	out := make([]byte, HeaderSize)
	PutHeader(out, 0x1, uint32(len(out)), StatusOutgoing)
	inc := make([]byte, HeaderSize)
	PutHeader(inc, 0x1, uint32(len(inc)), StatusIncoming)

	require.True(t, recordsCompatible(inc, out, []byte{0xFF, 0xFF}))
	require.False(t, recordsCompatible(inc, out, []byte{0xFF, 0x7F}))
}
