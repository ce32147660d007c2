// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The Write Engine (spec §4.6): the ordered write protocol that adds,
// replaces, or relocates a record, plus the reclaim/relocate operations
// the Block Manager and Recovery Engine delegate to it so the crash-safe
// sequence is written exactly once.

package erst

import (
	"github.com/cznic-erst/erst/internal/metrics"
	"github.com/cznic-erst/erst/internal/obslog"
)

var writeLog = obslog.New("write")

// WriteEngine executes write_record and the reclaim/relocate operations
// built on top of it (spec §4.4, §4.6, §4.7).
type WriteEngine struct {
	flash    Flash
	blocks   *BlockManager
	tracker  *Tracker
	pool     *Pool
	unsynced *int
}

// NewWriteEngine returns a WriteEngine. unsynced is the Store's
// unsynced_spinor_changes counter (spec §3); the engine increments it
// before the first flash mutation of a write and decrements it once that
// write has landed a self-consistent state (spec §4.6 last paragraph). pool
// supplies the RECORD-family scratch buffers relocate/reclaim stage a
// record's body in while moving it (spec §4.2).
func NewWriteEngine(flash Flash, blocks *BlockManager, tracker *Tracker, pool *Pool, unsynced *int) *WriteEngine {
	return &WriteEngine{flash: flash, blocks: blocks, tracker: tracker, pool: pool, unsynced: unsynced}
}

func (w *WriteEngine) beginUnsynced() { *w.unsynced++ }
func (w *WriteEngine) endUnsynced()   { *w.unsynced-- }

// WriteRecord executes the write protocol of spec §4.6. body is the
// complete record (header + payload) with record_id and record_length
// already encoded; oldIdx is the Tracker index of the record being
// replaced, or -1 for a fresh record. dummy performs steps 1-2 only and
// immediately undoes the allocation, verifying space without side effects.
//
// Once step 3 has written to flash, a later failure is returned without
// unwinding RAM state: unsynced_spinor_changes stays nonzero, and the next
// init's Recovery Engine resolves the divergence (spec §7).
func (w *WriteEngine) WriteRecord(body []byte, oldIdx int, dummy bool) (newIdx int, err error) {
	const op = "WriteEngine.WriteRecord"

	// Step 1: stamp persistence-info status and validate.
	body[persistInfoStatusOffset] = byte(StatusIncoming)
	if err := ValidateHeader(body); err != nil {
		return -1, err
	}

	id := RecordID(body)
	length := RecordLength(body)

	// Step 2: allocate.
	offset, blockIdx, err := w.allocateSpace(int64(length), dummy)
	if err != nil {
		return -1, err
	}

	newIdx, err = w.tracker.AllocateNew(CperInfo{RecordID: id, RecordLength: length, RecordOffset: offset})
	if err != nil {
		w.blocks.UndoAllocate(blockIdx, int64(length))
		return -1, err
	}

	if dummy {
		w.tracker.Deallocate(newIdx)
		w.blocks.UndoAllocate(blockIdx, int64(length))
		return -1, nil
	}

	if err := w.tracker.SetIncoming(newIdx); err != nil {
		w.tracker.Deallocate(newIdx)
		w.blocks.UndoAllocate(blockIdx, int64(length))
		return -1, err
	}

	w.beginUnsynced()
	writeLog.WithField("record_id", id).WithField("offset", offset).Debug("write: incoming")

	// Step 3: write INCOMING status.
	if err := WriteStatus(w.flash, offset, StatusIncoming); err != nil {
		return -1, errDeviceError(op, offset, err)
	}

	// Step 4: write the body.
	if err := w.flash.Write(offset, body); err != nil {
		return -1, errDeviceError(op, offset, err)
	}

	replacing := oldIdx >= 0
	var old CperInfo
	if replacing {
		old = w.tracker.Entry(oldIdx)

		// Step 5: write OUTGOING into the old record's status.
		if err := w.tracker.SetOutgoing(oldIdx); err != nil {
			return -1, err
		}

		if err := WriteStatus(w.flash, old.RecordOffset, StatusOutgoing); err != nil {
			return -1, errDeviceError(op, old.RecordOffset, err)
		}
	}

	// Step 6: write VALID into the new record's status.
	if err := WriteStatus(w.flash, offset, StatusValid); err != nil {
		return -1, errDeviceError(op, offset, err)
	}
	w.tracker.ClearIncoming()

	if !replacing {
		w.endUnsynced()
		writeLog.WithField("record_id", id).Debug("write: committed")
		return newIdx, nil
	}

	// Step 7: write DELETED into the old record's status, free its slot,
	// and fold the new entry into its place.
	if err := WriteStatus(w.flash, old.RecordOffset, StatusDeleted); err != nil {
		return -1, errDeviceError(op, old.RecordOffset, err)
	}
	w.tracker.ClearOutgoing()
	w.blocks.FreeRecord(old.RecordOffset, int64(old.RecordLength))

	if err := w.tracker.Deallocate(oldIdx); err != nil {
		return -1, err
	}
	newIdx = adjustIndex(newIdx, oldIdx)

	w.endUnsynced()
	writeLog.WithField("record_id", id).Debug("write: committed (replace)")
	return newIdx, nil
}

// allocateSpace finds free space for length bytes, reclaiming blocks as
// needed (spec §4.4 step 4).
func (w *WriteEngine) allocateSpace(length int64, dummy bool) (offset int64, blockIdx int, err error) {
	const op = "WriteEngine.allocateSpace"
	const maxReclaims = 8 // bounded: each reclaim strictly frees a whole block

	for attempt := 0; attempt < maxReclaims; attempt++ {
		outgoingLive := w.tracker.OutgoingIndex() >= 0
		off, candidate, ferr := w.blocks.FindFreeSpace(length, dummy, outgoingLive)
		if ferr == nil {
			return off, w.blocks.BlockOf(off), nil
		}

		if candidate < 0 {
			return 0, 0, ferr
		}

		if err := w.ReclaimBlock(candidate); err != nil {
			return 0, 0, err
		}
	}

	return 0, 0, errOutOfResources(op)
}

// ReclaimBlock implements spec §4.4's reclaim_block: mark the block so it
// can no longer receive placements, relocate any live OUTGOING record
// first, then relocate every tracked record still inside the block, and
// finally erase it.
func (w *WriteEngine) ReclaimBlock(bi int) error {
	w.blocks.MarkForReclaim(bi)

	if w.tracker.OutgoingIndex() >= 0 {
		if err := w.RelocateOutgoing(); err != nil {
			return err
		}
	}

	base := w.blocks.Block(bi).Base
	top := base + w.flash.VirtualBlockSize()
	for {
		idx, ok := w.firstRecordIn(base, top)
		if !ok {
			break
		}

		if err := w.relocateRecord(idx); err != nil {
			return err
		}
	}

	metrics.BlocksReclaimed.Inc()
	writeLog.WithField("block", bi).Debug("reclaimed")
	return w.blocks.EraseBlock(bi)
}

func (w *WriteEngine) firstRecordIn(lo, hi int64) (int, bool) {
	for i := 0; i < w.tracker.Len(); i++ {
		if i == w.tracker.IncomingIndex() || i == w.tracker.OutgoingIndex() {
			continue
		}

		e := w.tracker.Entry(i)
		if e.RecordOffset >= lo && e.RecordOffset < hi {
			return i, true
		}
	}

	return -1, false
}

func (w *WriteEngine) relocateRecord(idx int) error {
	const op = "WriteEngine.relocateRecord"
	e := w.tracker.Entry(idx)

	name, body, err := w.pool.GetRecord(int(e.RecordLength))
	if err != nil {
		return err
	}
	defer w.pool.Put(name)

	if err := w.flash.ReadInto(e.RecordOffset, body); err != nil {
		return errDeviceError(op, e.RecordOffset, err)
	}

	if _, err := w.WriteRecord(body, idx, false); err != nil {
		return err
	}

	metrics.RecordsRelocated.Inc()
	return nil
}

// RelocateOutgoing implements spec §4.7's relocate_outgoing: move the
// tracker's live OUTGOING record to a fresh location as a plain VALID
// copy, DELETE'ing the original. It is a no-op if no OUTGOING exists.
func (w *WriteEngine) RelocateOutgoing() error {
	const op = "WriteEngine.RelocateOutgoing"
	idx := w.tracker.OutgoingIndex()
	if idx < 0 {
		return nil
	}

	e := w.tracker.Entry(idx)
	name, body, err := w.pool.GetRecord(int(e.RecordLength))
	if err != nil {
		return err
	}
	defer w.pool.Put(name)

	if err := w.flash.ReadInto(e.RecordOffset, body); err != nil {
		return errDeviceError(op, e.RecordOffset, err)
	}

	w.tracker.ClearOutgoing()
	_, err = w.WriteRecord(body, idx, false)
	return err
}
