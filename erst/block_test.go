// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package erst

import "testing"

func newTestBlockManager(t *testing.T, numBlocks int, vb int64) *BlockManager {
	t.Helper()
	dev := NewMemDevice(vb*int64(numBlocks), vb)
	a, err := NewAdapter(dev, Partition{Base: 0, Size: vb * int64(numBlocks)})
	if err != nil {
		t.Fatal(err)
	}

	return NewBlockManager(a)
}

func TestFindFreeSpacePrefersTrailingSpaceInUseBlock(t *testing.T) {
	bm := newTestBlockManager(t, 4, MinVirtualBlockSize)

	off, _, err := bm.FindFreeSpace(1024, false, false)
	if err != nil {
		t.Fatal(err)
	}

	if off != 0 {
		t.Fatalf("first placement: got offset %d, want 0", off)
	}

	off2, _, err := bm.FindFreeSpace(1024, false, false)
	if err != nil {
		t.Fatal(err)
	}

	if off2 != 1024 {
		t.Fatalf("second placement should pack after the first: got %d, want 1024", off2)
	}
}

func TestFindFreeSpaceFailsOutOfResourcesWhenNothingFits(t *testing.T) {
	bm := newTestBlockManager(t, 2, MinVirtualBlockSize)

	// Consume both blocks entirely.
	for i := 0; i < 2; i++ {
		if _, _, err := bm.FindFreeSpace(MinVirtualBlockSize, false, false); err != nil {
			t.Fatal(err)
		}
	}

	_, candidate, err := bm.FindFreeSpace(1, false, false)
	if KindOf(err) != KindOutOfResources {
		t.Fatalf("got %v, want OutOfResources", err)
	}

	if candidate >= 0 {
		t.Fatalf("no wasted space exists yet; should not suggest a reclaim candidate")
	}
}

func TestFindFreeSpaceNeverReclaimsDuringDummy(t *testing.T) {
	bm := newTestBlockManager(t, 2, MinVirtualBlockSize)
	bm.blocks[0].ValidEntries = 1
	bm.blocks[0].UsedSize = MinVirtualBlockSize
	bm.blocks[0].WastedSize = MinVirtualBlockSize / 2
	bm.blocks[1].ValidEntries = 1
	bm.blocks[1].UsedSize = MinVirtualBlockSize
	bm.blocks[1].WastedSize = MinVirtualBlockSize / 2

	_, candidate, err := bm.FindFreeSpace(1024, true, false)
	if KindOf(err) != KindOutOfResources {
		t.Fatalf("got %v, want OutOfResources", err)
	}

	if candidate >= 0 {
		t.Fatalf("dummy ops must never trigger a reclaim: got candidate %d", candidate)
	}
}

func TestUndoAllocateReversesPlacement(t *testing.T) {
	bm := newTestBlockManager(t, 2, MinVirtualBlockSize)
	off, _, err := bm.FindFreeSpace(2048, false, false)
	if err != nil {
		t.Fatal(err)
	}

	bi := bm.BlockOf(off)

	before := bm.Block(bi)
	bm.UndoAllocate(bi, 2048)
	after := bm.Block(bi)

	if after.UsedSize != before.UsedSize-2048 {
		t.Fatalf("UsedSize not reversed: before %d, after %d", before.UsedSize, after.UsedSize)
	}

	if after.ValidEntries != before.ValidEntries-1 {
		t.Fatalf("ValidEntries not reversed: before %d, after %d", before.ValidEntries, after.ValidEntries)
	}

	_ = off
}

func TestEraseBlockResetsAccounting(t *testing.T) {
	bm := newTestBlockManager(t, 2, MinVirtualBlockSize)
	bm.blocks[0].ValidEntries = 3
	bm.blocks[0].UsedSize = 4096
	bm.blocks[0].WastedSize = 1024

	if err := bm.EraseBlock(0); err != nil {
		t.Fatal(err)
	}

	b := bm.Block(0)
	if b.ValidEntries != 0 || b.UsedSize != 0 || b.WastedSize != 0 {
		t.Fatalf("EraseBlock left stale accounting: %+v", b)
	}
}
