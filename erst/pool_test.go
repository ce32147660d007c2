// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package erst

import "testing"

func TestPoolAtMostOneLiveAllocation(t *testing.T) {
	p := NewPool(HeaderSize, 4096, trackingEntrySize, 8, 32)

	b, err := p.Get(PoolCperHeader, HeaderSize)
	if err != nil {
		t.Fatal(err)
	}

	if len(b) != HeaderSize {
		t.Fatalf("got %d bytes, want %d", len(b), HeaderSize)
	}

	if _, err := p.Get(PoolCperHeader, HeaderSize); KindOf(err) != KindUnsupported {
		t.Fatalf("second Get: got %v, want Unsupported", err)
	}

	p.Put(PoolCperHeader)

	if _, err := p.Get(PoolCperHeader, HeaderSize); err != nil {
		t.Fatalf("Get after Put: %v", err)
	}
}

func TestPoolRecordFamilyRoundRobin(t *testing.T) {
	p := NewPool(HeaderSize, 4096, trackingEntrySize, 8, 32)

	seen := map[PoolName]bool{}
	for i := 0; i < recordPoolSlots; i++ {
		name, _, err := p.GetRecord(128)
		if err != nil {
			t.Fatal(err)
		}

		if seen[name] {
			t.Fatalf("slot %s allocated twice before any Put", name)
		}

		seen[name] = true
	}

	if _, _, err := p.GetRecord(128); KindOf(err) != KindOutOfResources {
		t.Fatalf("fifth GetRecord: got %v, want OutOfResources", err)
	}
}
