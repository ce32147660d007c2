// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The Block Manager (spec §4.4): per-virtual-block accounting and the
// placement policy used to find space for a new or relocated record.
// Generalized from lldb/falloc.go's byte-granular doubly-linked free list
// to this spec's block-granular single-pass scan, since a virtual block is
// reclaimed as a whole rather than joined/split at arbitrary offsets.

package erst

import (
	"sort"

	"github.com/cznic/sortutil"
)

// BlockInfo is the per-virtual-block accounting record (spec §3).
// ValidEntries < 0 means the block is marked for reclaim; its magnitude is
// the true live entry count (spec §3 invariant, BlockInfo), except that a
// marked block with no live entries holds -1 (see MarkForReclaim).
type BlockInfo struct {
	Base         int64
	UsedSize     int64
	WastedSize   int64
	ValidEntries int32
}

// ReclaimMarked reports whether the block is marked for reclaim.
func (b BlockInfo) ReclaimMarked() bool { return b.ValidEntries < 0 }

// EntryCount returns the magnitude of ValidEntries: the live entry count
// regardless of reclaim marking, except that a reclaim-marked block with no
// live entries reports 1.
func (b BlockInfo) EntryCount() int32 {
	if b.ValidEntries < 0 {
		return -b.ValidEntries
	}

	return b.ValidEntries
}

// BlockManager owns the BlockInfo table and the free-space placement
// policy (spec §4.4).
type BlockManager struct {
	flash      Flash
	blocks     []BlockInfo
	mostRecent int
}

// NewBlockManager returns a BlockManager for a freshly-erased partition:
// every block starts empty.
func NewBlockManager(flash Flash) *BlockManager {
	n := flash.NumBlocks()
	vb := flash.VirtualBlockSize()
	blocks := make([]BlockInfo, n)
	for i := range blocks {
		blocks[i] = BlockInfo{Base: int64(i) * vb}
	}

	return &BlockManager{flash: flash, blocks: blocks}
}

// Blocks returns the live BlockInfo table. Callers must not retain the
// returned slice across a reclaim.
func (bm *BlockManager) Blocks() []BlockInfo { return bm.blocks }

// Block returns a copy of the BlockInfo at index i.
func (bm *BlockManager) Block(i int) BlockInfo { return bm.blocks[i] }

// BlockOf returns the index of the block containing the given
// partition-relative offset.
func (bm *BlockManager) BlockOf(offset int64) int {
	vb := bm.flash.VirtualBlockSize()
	return int(offset / vb)
}

// MostRecentBlock returns the search-start heuristic index (spec §3).
func (bm *BlockManager) MostRecentBlock() int { return bm.mostRecent }

// SetRaw replaces a BlockInfo wholesale - used only by the Recovery Engine
// while rebuilding the table from a flash scan.
func (bm *BlockManager) SetRaw(i int, info BlockInfo) { bm.blocks[i] = info }

// FindFreeSpace implements the placement policy of spec §4.4. outgoingLive
// reports whether the Tracker currently has a live OUTGOING entry (a
// reclaim cannot be started while one exists, per spec §4.4 step 4).
// Reclaim itself is performed by the caller (WriteEngine.ReclaimBlock): this
// method returns an OutOfResources error with the reclaim candidate's block
// index as its second result (-1 when there is none) so the caller knows to
// reclaim and retry, rather than recursing here and coupling the Block
// Manager to the Write Engine. A record longer than a virtual block fits
// nowhere and fails OutOfResources with no candidate.
func (bm *BlockManager) FindFreeSpace(length int64, dummy, outgoingLive bool) (offset int64, reclaimCandidate int, err error) {
	const op = "BlockManager.FindFreeSpace"
	n := len(bm.blocks)
	vb := bm.flash.VirtualBlockSize()

	if length > vb {
		return 0, -1, errOutOfResources(op)
	}

	// Step 1: prefer an in-use block with enough trailing free space.
	for i := 0; i < n; i++ {
		bi := (bm.mostRecent + i) % n
		b := &bm.blocks[bi]
		if b.ValidEntries > 0 && vb-b.UsedSize >= length {
			return bm.place(bi, length), -1, nil
		}
	}

	// Step 2: find the fully-empty blocks, the in-progress-reclaim count,
	// and the most-wasted reclaimable block (whether still holding live
	// entries or entirely DELETED).
	var emptyBlocks []int64
	reclaimingCount := 0
	bestWasted := -1
	for i := 0; i < n; i++ {
		bi := (bm.mostRecent + i) % n
		b := &bm.blocks[bi]
		switch {
		case b.ValidEntries < 0:
			reclaimingCount++
		case b.ValidEntries == 0 && b.UsedSize == 0:
			emptyBlocks = append(emptyBlocks, int64(bi))
		case (b.ValidEntries == 0 && b.UsedSize > 0) || (b.ValidEntries > 0 && b.WastedSize > 0):
			if bestWasted < 0 || b.WastedSize > bm.blocks[bestWasted].WastedSize {
				bestWasted = bi
			}
		}
	}

	if len(emptyBlocks) > 0 {
		sort.Sort(sortutil.Int64Slice(emptyBlocks))
	}

	switch {
	case len(emptyBlocks) > 0 && len(emptyBlocks)+reclaimingCount > 1:
		// Step 3: more than one empty-or-reclaiming block exists - spend
		// one of the empty ones freely.
		bi := int(emptyBlocks[0])
		return bm.place(bi, length), -1, nil
	case len(emptyBlocks) == 1 && bestWasted < 0:
		// The only empty block left and nothing else to reclaim: use it.
		bi := int(emptyBlocks[0])
		return bm.place(bi, length), -1, nil
	case bestWasted >= 0:
		// Step 4: reclaim the most-wasted block and let the caller retry.
		if dummy || outgoingLive {
			return 0, -1, errOutOfResources(op)
		}

		return 0, bestWasted, errOutOfResources(op)
	default:
		return 0, -1, errOutOfResources(op)
	}
}

func (bm *BlockManager) place(bi int, length int64) int64 {
	b := &bm.blocks[bi]
	off := b.Base + b.UsedSize
	b.UsedSize += length
	b.ValidEntries++
	bm.mostRecent = bi
	return off
}

// UndoAllocate reverses the pre-debit a failed flash write made in place
// (spec §4.4).
func (bm *BlockManager) UndoAllocate(bi int, length int64) {
	b := &bm.blocks[bi]
	b.UsedSize -= length
	b.ValidEntries--
}

// MarkForReclaim negates ValidEntries, preventing further placements into
// the block (spec §4.4 ReclaimBlock step 1).
func (bm *BlockManager) MarkForReclaim(bi int) {
	b := &bm.blocks[bi]
	if b.ValidEntries > 0 {
		b.ValidEntries = -b.ValidEntries
	} else if b.ValidEntries == 0 {
		b.ValidEntries = -1 // an INVALID-tail-only block with no live entries
	}
}

// ChargeDeleted adds length to the WastedSize of the block containing
// offset - used_size was already debited for the record when it was
// allocated, so a DELETE only ever grows wasted_size (spec §3 invariant 6).
// Use this for a record that was never counted in ValidEntries (a DELETED
// record found by a scan, or a duplicate discarded before it was tracked);
// FreeRecord is for a record the Tracker is actively dropping.
func (bm *BlockManager) ChargeDeleted(offset, length int64) {
	bm.blocks[bm.BlockOf(offset)].WastedSize += length
}

// FreeRecord accounts the deletion of a live, tracked record: its bytes
// move from used to wasted, and it no longer counts toward the block's
// live entry count, matching the original driver's ErstFreeRecord
// (WastedSize += len; if (ValidEntries > 0) ValidEntries--). A
// reclaim-marked block's ValidEntries is negative; its magnitude is still
// the true live count, so freeing a record there moves it toward zero
// from the other side.
func (bm *BlockManager) FreeRecord(offset, length int64) {
	b := &bm.blocks[bm.BlockOf(offset)]
	b.WastedSize += length
	switch {
	case b.ValidEntries > 0:
		b.ValidEntries--
	case b.ValidEntries < 0:
		b.ValidEntries++
	}
}

// EraseBlock erases the underlying sectors and zeroes the in-RAM counters
// (spec §4.4).
func (bm *BlockManager) EraseBlock(bi int) error {
	b := &bm.blocks[bi]
	if err := bm.flash.Erase(b.Base, bm.flash.VirtualBlockSize()); err != nil {
		return err
	}

	*b = BlockInfo{Base: b.Base}
	return nil
}
