// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The Recovery Engine (spec §4.7): the full-partition scan that rebuilds
// the in-RAM index from flash at init (or whenever desync is detected),
// plus the cross-record reconciliation of a crash-interrupted write.

package erst

import (
	"github.com/pkg/errors"

	"github.com/cznic-erst/erst/internal/obslog"
)

var recoveryLog = obslog.New("recovery")

// RecoveryEngine rebuilds BlockManager and Tracker state from flash and
// resolves any crash-interrupted write left behind.
type RecoveryEngine struct {
	flash   Flash
	blocks  *BlockManager
	tracker *Tracker
	write   *WriteEngine
	pool    *Pool
}

// NewRecoveryEngine returns a RecoveryEngine over the given components. pool
// supplies the RECORD-family scratch buffers copy_outgoing_to_incoming
// stages the candidate merge in (spec §4.2, §4.7).
func NewRecoveryEngine(flash Flash, blocks *BlockManager, tracker *Tracker, write *WriteEngine, pool *Pool) *RecoveryEngine {
	return &RecoveryEngine{flash: flash, blocks: blocks, tracker: tracker, write: write, pool: pool}
}

// Run performs collect_block_info followed by cross-record reconciliation
// (spec §4.7). It is invoked at init and whenever unsynced_spinor_changes
// is nonzero or an INCOMING/OUTGOING is left over on mailbox entry.
func (r *RecoveryEngine) Run() error {
	if err := r.collectBlockInfo(); err != nil {
		return errors.Wrap(err, "recovery: collect_block_info")
	}

	if err := r.reconcile(); err != nil {
		return errors.Wrap(err, "recovery: reconcile")
	}

	return nil
}

// collectBlockInfo scans every block from offset 0, classifying each
// on-flash record and rebuilding BlockInfo and CperInfo[] (spec §4.7).
func (r *RecoveryEngine) collectBlockInfo() error {
	r.tracker.entries = r.tracker.entries[:0]
	r.tracker.incoming = -1
	r.tracker.outgoing = -1

	vb := r.flash.VirtualBlockSize()
	for bi := 0; bi < len(r.blocks.blocks); bi++ {
		base := r.blocks.blocks[bi].Base
		r.blocks.blocks[bi] = BlockInfo{Base: base}
		if err := r.scanBlock(bi, base, vb); err != nil {
			return err
		}

		b := &r.blocks.blocks[bi]
		holdsPending := r.blockHoldsPendingEntry(bi)
		if !holdsPending && b.EntryCount() == 0 && (b.UsedSize != 0 || b.ReclaimMarked()) {
			if err := r.blocks.EraseBlock(bi); err != nil {
				return err
			}
		}
	}

	return nil
}

// blockHoldsPendingEntry reports whether the tracker's live INCOMING or
// OUTGOING entry sits in block bi. Such a block is left untouched here even
// if it otherwise looks dead (zero live entries): reconcile resolves the
// pending entry first and only then decides whether to reclaim the block,
// which the immediate post-scan erase in collectBlockInfo would otherwise
// preempt.
func (r *RecoveryEngine) blockHoldsPendingEntry(bi int) bool {
	if idx := r.tracker.IncomingIndex(); idx >= 0 {
		if r.blocks.BlockOf(r.tracker.Entry(idx).RecordOffset) == bi {
			return true
		}
	}

	if idx := r.tracker.OutgoingIndex(); idx >= 0 {
		if r.blocks.BlockOf(r.tracker.Entry(idx).RecordOffset) == bi {
			return true
		}
	}

	return false
}

func (r *RecoveryEngine) scanBlock(bi int, base, vbSize int64) error {
	const op = "RecoveryEngine.scanBlock"
	pos := int64(0)

	for pos+HeaderSize <= vbSize {
		header, err := r.flash.Read(base+pos, HeaderSize)
		if err != nil {
			return errDeviceError(op, base+pos, err)
		}

		status := Status(header[persistInfoStatusOffset])
		switch status {
		case StatusFree:
			rest, err := r.flash.Read(base+pos, vbSize-pos)
			if err != nil {
				return errDeviceError(op, base+pos, err)
			}

			if !allOnes(rest) {
				recoveryLog.WithField("block", bi).Warn("FREE tail is not all-1s, tagging INVALID")
				r.chargeRemainder(bi, pos, vbSize)
			}

			return nil

		case StatusIncoming:
			length := RecordLength(header)
			if length < HeaderSize || pos+int64(length) > vbSize {
				r.chargeRemainder(bi, pos, vbSize)
				return nil
			}

			idx, err := r.tracker.AllocateNew(CperInfo{
				RecordID:     RecordID(header),
				RecordLength: length,
				RecordOffset: base + pos,
			})
			if err != nil {
				return err
			}

			if err := r.tracker.SetIncoming(idx); err != nil {
				recoveryLog.WithField("block", bi).Warn("second INCOMING found during scan, invalidating")
				r.tracker.Deallocate(idx)
				r.chargeRemainder(bi, pos, vbSize)
				return nil
			}

			// The slot is charged as used now, whether the record
			// survives as a merge target or is invalidated during
			// reconcile: both outcomes account for it via a used_size
			// adjustment or a wasted_size charge against this base.
			r.blocks.blocks[bi].UsedSize += int64(length)
			return nil

		case StatusValid, StatusOutgoing, StatusDeleted:
			length := RecordLength(header)
			if length < HeaderSize || pos+int64(length) > vbSize {
				r.chargeRemainder(bi, pos, vbSize)
				return nil
			}

			if err := ValidateHeader(header); err != nil {
				recoveryLog.WithField("block", bi).WithError(err).Warn("corrupt record header, tagging INVALID")
				r.chargeRemainder(bi, pos, vbSize)
				return nil
			}

			r.blocks.blocks[bi].UsedSize += int64(length)

			switch status {
			case StatusValid:
				idx, err := r.tracker.AllocateNew(CperInfo{RecordID: RecordID(header), RecordLength: length, RecordOffset: base + pos})
				if err != nil {
					return err
				}
				_ = idx
				r.blocks.blocks[bi].ValidEntries++

			case StatusOutgoing:
				idx, err := r.tracker.AllocateNew(CperInfo{RecordID: RecordID(header), RecordLength: length, RecordOffset: base + pos})
				if err != nil {
					return err
				}

				if err := r.tracker.SetOutgoing(idx); err != nil {
					recoveryLog.WithField("block", bi).Warn("second OUTGOING found during scan, deleting the later one")
					r.tracker.Deallocate(idx)
					r.blocks.ChargeDeleted(base+pos, int64(length))
				} else {
					r.blocks.blocks[bi].ValidEntries++
				}

			case StatusDeleted:
				r.blocks.ChargeDeleted(base+pos, int64(length))
			}

			pos += int64(length)

		case StatusInvalid:
			r.chargeRemainder(bi, pos, vbSize)
			return nil

		default:
			r.chargeRemainder(bi, pos, vbSize)
			return nil
		}
	}

	return nil
}

func (r *RecoveryEngine) chargeRemainder(bi int, pos, vbSize int64) {
	remainder := vbSize - pos
	r.blocks.blocks[bi].UsedSize += remainder
	r.blocks.blocks[bi].WastedSize += remainder
	r.blocks.MarkForReclaim(bi)
}

func allOnes(b []byte) bool {
	for _, c := range b {
		if c != 0xFF {
			return false
		}
	}

	return true
}

// reconcile resolves any crash-interrupted write left on flash after
// collectBlockInfo (spec §4.7 "cross-record reconciliation").
func (r *RecoveryEngine) reconcile() error {
	if ogIdx := r.tracker.OutgoingIndex(); ogIdx >= 0 {
		og := r.tracker.Entry(ogIdx)

		if _, ok := r.tracker.Find(og.RecordID); ok {
			if err := WriteStatus(r.flash, og.RecordOffset, StatusDeleted); err != nil {
				return errDeviceError("RecoveryEngine.reconcile", og.RecordOffset, err)
			}

			r.blocks.FreeRecord(og.RecordOffset, int64(og.RecordLength))
			r.tracker.ClearOutgoing()
			if err := r.tracker.Deallocate(ogIdx); err != nil {
				return err
			}
		} else if r.tracker.IncomingIndex() >= 0 {
			if err := r.mergeOutgoingIntoIncoming(); err != nil {
				return err
			}
		}
	}

	if r.tracker.IncomingIndex() >= 0 {
		if err := r.invalidateIncoming(); err != nil {
			return err
		}
	}

	if r.tracker.OutgoingIndex() >= 0 {
		if err := r.write.RelocateOutgoing(); err != nil {
			return err
		}
	}

	for i := range r.blocks.blocks {
		if r.blocks.blocks[i].ReclaimMarked() {
			if err := r.write.ReclaimBlock(i); err != nil {
				return err
			}
		}
	}

	return nil
}

// invalidateIncoming writes INVALID over the tracker's live INCOMING
// entry, charges its bytes as wasted, marks its block for reclaim, and
// frees its tracker slot. No-op if there is no INCOMING.
func (r *RecoveryEngine) invalidateIncoming() error {
	idx := r.tracker.IncomingIndex()
	if idx < 0 {
		return nil
	}

	e := r.tracker.Entry(idx)
	if err := WriteStatus(r.flash, e.RecordOffset, StatusInvalid); err != nil {
		return errDeviceError("RecoveryEngine.invalidateIncoming", e.RecordOffset, err)
	}

	r.blocks.ChargeDeleted(e.RecordOffset, int64(e.RecordLength))
	r.blocks.MarkForReclaim(r.blocks.BlockOf(e.RecordOffset))
	r.tracker.ClearIncoming()
	return r.tracker.Deallocate(idx)
}

// mergeOutgoingIntoIncoming attempts spec §4.7's copy_outgoing_to_incoming:
// if the live INCOMING and OUTGOING records satisfy the compatibility
// rule, the OUTGOING's content is re-written into the INCOMING's location
// as VALID and the OUTGOING is DELETED. Otherwise the INCOMING is
// invalidated, leaving the OUTGOING for relocate_outgoing.
func (r *RecoveryEngine) mergeOutgoingIntoIncoming() error {
	const op = "RecoveryEngine.mergeOutgoingIntoIncoming"
	incIdx := r.tracker.IncomingIndex()
	ogIdx := r.tracker.OutgoingIndex()
	inc := r.tracker.Entry(incIdx)
	og := r.tracker.Entry(ogIdx)

	incName, incBody, err := r.pool.GetRecord(int(inc.RecordLength))
	if err != nil {
		return err
	}
	defer r.pool.Put(incName)

	if err := r.flash.ReadInto(inc.RecordOffset, incBody); err != nil {
		return errDeviceError(op, inc.RecordOffset, err)
	}

	ogName, ogBody, err := r.pool.GetRecord(int(og.RecordLength))
	if err != nil {
		return err
	}
	defer r.pool.Put(ogName)

	if err := r.flash.ReadInto(og.RecordOffset, ogBody); err != nil {
		return errDeviceError(op, og.RecordOffset, err)
	}

	bi := r.blocks.BlockOf(inc.RecordOffset)
	base := r.blocks.blocks[bi].Base
	vb := r.flash.VirtualBlockSize()
	tailStart := inc.RecordOffset + int64(inc.RecordLength)
	tailName, tail, err := r.pool.GetRecord(int(base + vb - tailStart))
	if err != nil {
		return err
	}
	defer r.pool.Put(tailName)

	if err := r.flash.ReadInto(tailStart, tail); err != nil {
		return errDeviceError(op, tailStart, err)
	}

	if !recordsCompatible(incBody, ogBody, tail) {
		recoveryLog.WithField("incoming_id", inc.RecordID).WithField("outgoing_id", og.RecordID).
			Warn("incompatible INCOMING/OUTGOING, invalidating INCOMING")
		return r.invalidateIncoming()
	}

	mergedName, merged, err := r.pool.GetRecord(len(ogBody))
	if err != nil {
		return err
	}
	defer r.pool.Put(mergedName)

	copy(merged, ogBody)
	merged[persistInfoStatusOffset] = byte(StatusValid)
	if err := r.flash.Write(inc.RecordOffset, merged); err != nil {
		return errDeviceError(op, inc.RecordOffset, err)
	}

	if err := WriteStatus(r.flash, og.RecordOffset, StatusDeleted); err != nil {
		return errDeviceError(op, og.RecordOffset, err)
	}

	r.blocks.blocks[bi].UsedSize -= int64(inc.RecordLength) - int64(og.RecordLength)
	r.blocks.FreeRecord(og.RecordOffset, int64(og.RecordLength))

	// The scan left this slot's ValidEntries uncharged while it was still
	// a pending INCOMING (see scanBlock); now that it has resolved into a
	// permanent VALID record, count it.
	r.blocks.blocks[bi].ValidEntries++

	r.tracker.ClearIncoming()
	r.tracker.ClearOutgoing()
	r.tracker.Replace(incIdx, CperInfo{RecordID: RecordID(ogBody), RecordLength: RecordLength(ogBody), RecordOffset: inc.RecordOffset})
	return r.tracker.Deallocate(ogIdx)
}

// recordsCompatible implements spec §4.7's bitwise compatibility rule for
// completing an OUTGOING→INCOMING merge.
func recordsCompatible(incomingBody, outgoingBody, blockTail []byte) bool {
	if RecordLength(incomingBody) < RecordLength(outgoingBody) {
		return false
	}

	incID := RecordID(incomingBody)
	outID := RecordID(outgoingBody)
	if incID&outID != outID {
		return false
	}

	n := len(outgoingBody)
	if len(incomingBody) < n {
		return false
	}

	for i := 0; i < n; i++ {
		if outgoingBody[i]&incomingBody[i] != outgoingBody[i] {
			return false
		}
	}

	for _, b := range blockTail {
		if b != 0xFF {
			return false
		}
	}

	return true
}
