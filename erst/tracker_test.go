// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package erst

import "testing"

func TestTrackerAllocateFindDeallocate(t *testing.T) {
	tr := NewTracker(4)

	var idx [3]int
	for i := range idx {
		var err error
		idx[i], err = tr.AllocateNew(CperInfo{RecordID: uint64(i + 1), RecordLength: 10, RecordOffset: int64(i) * 100})
		if err != nil {
			t.Fatal(err)
		}
	}

	if got, ok := tr.Find(2); !ok || got != idx[1] {
		t.Fatalf("Find(2): got (%d, %v)", got, ok)
	}

	if err := tr.Deallocate(idx[0]); err != nil {
		t.Fatal(err)
	}

	if tr.Len() != 2 {
		t.Fatalf("Len after Deallocate: got %d, want 2", tr.Len())
	}

	// Order of survivors must be preserved.
	if e := tr.Entry(0); e.RecordID != 2 {
		t.Fatalf("surviving order broken: entry 0 has id %d, want 2", e.RecordID)
	}

	if e := tr.Entry(1); e.RecordID != 3 {
		t.Fatalf("surviving order broken: entry 1 has id %d, want 3", e.RecordID)
	}
}

func TestTrackerAtMostOneIncomingOutgoing(t *testing.T) {
	tr := NewTracker(4)
	a, _ := tr.AllocateNew(CperInfo{RecordID: 1})
	b, _ := tr.AllocateNew(CperInfo{RecordID: 2})

	if err := tr.SetIncoming(a); err != nil {
		t.Fatal(err)
	}

	if err := tr.SetIncoming(b); KindOf(err) != KindUnsupported {
		t.Fatalf("second SetIncoming: got %v, want Unsupported", err)
	}

	if err := tr.SetOutgoing(b); err != nil {
		t.Fatal(err)
	}

	if err := tr.SetOutgoing(a); KindOf(err) != KindUnsupported {
		t.Fatalf("second SetOutgoing: got %v, want Unsupported", err)
	}
}

func TestTrackerFindSkipsIncomingAndOutgoing(t *testing.T) {
	tr := NewTracker(4)
	a, _ := tr.AllocateNew(CperInfo{RecordID: 1})
	b, _ := tr.AllocateNew(CperInfo{RecordID: 2})
	tr.SetIncoming(a)
	tr.SetOutgoing(b)

	if _, ok := tr.Find(1); ok {
		t.Fatal("Find found the INCOMING entry")
	}

	if _, ok := tr.Find(2); ok {
		t.Fatal("Find found the OUTGOING entry")
	}

	if tr.Count() != 0 {
		t.Fatalf("Count: got %d, want 0", tr.Count())
	}
}

func TestTrackerDeallocateAdjustsIncomingOutgoing(t *testing.T) {
	tr := NewTracker(4)
	tr.AllocateNew(CperInfo{RecordID: 1})
	b, _ := tr.AllocateNew(CperInfo{RecordID: 2})
	c, _ := tr.AllocateNew(CperInfo{RecordID: 3})
	tr.SetOutgoing(c)

	if err := tr.Deallocate(0); err != nil {
		t.Fatal(err)
	}

	if g, e := tr.OutgoingIndex(), c-1; g != e {
		t.Fatalf("OutgoingIndex after Deallocate: got %d, want %d", g, e)
	}

	if e := tr.Entry(b - 1); e.RecordID != 2 {
		t.Fatalf("entry shifted incorrectly: %+v", e)
	}
}

func TestTrackerNextRecordIDWrapsAndReportsInvalid(t *testing.T) {
	tr := NewTracker(4)
	if got := tr.NextRecordID(RecordIDFirst); got != RecordIDInvalid {
		t.Fatalf("empty tracker: got %#x, want Invalid", got)
	}

	tr.AllocateNew(CperInfo{RecordID: 10})
	tr.AllocateNew(CperInfo{RecordID: 20})
	tr.AllocateNew(CperInfo{RecordID: 30})

	if got := tr.NextRecordID(RecordIDFirst); got != 10 {
		t.Fatalf("first: got %#x, want 10", got)
	}

	if got := tr.NextRecordID(10); got != 20 {
		t.Fatalf("after 10: got %#x, want 20", got)
	}

	if got := tr.NextRecordID(30); got != 10 {
		t.Fatalf("wrap after last: got %#x, want 10", got)
	}
}

func TestTrackerAllocateNewFailsAtCapacity(t *testing.T) {
	tr := NewTracker(1)
	if _, err := tr.AllocateNew(CperInfo{RecordID: 1}); err != nil {
		t.Fatal(err)
	}

	if _, err := tr.AllocateNew(CperInfo{RecordID: 2}); KindOf(err) != KindOutOfResources {
		t.Fatalf("got %v, want OutOfResources", err)
	}
}
