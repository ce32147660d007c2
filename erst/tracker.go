// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The Record Tracker (spec §4.5): the in-RAM CperInfo[] index plus the
// at-most-one INCOMING/OUTGOING arena indices. Per spec §9 bullet 2, the
// "pointers" are arena indices into the entries slice, not raw pointers,
// since Deallocate moves entries.

package erst

// CperInfo is one in-RAM tracking tuple (spec §3).
type CperInfo struct {
	RecordID     uint64
	RecordLength uint32
	RecordOffset int64 // offset within the partition
}

// Tracker is the Record Tracker (spec §4.5).
type Tracker struct {
	entries  []CperInfo
	capacity int
	incoming int // index into entries, or -1
	outgoing int // index into entries, or -1
}

// NewTracker returns an empty Tracker with the given capacity, derived at
// init from num_blocks*block_size/sizeof(tracking_entry) (spec §4.5).
func NewTracker(capacity int) *Tracker {
	return &Tracker{
		entries:  make([]CperInfo, 0, capacity),
		capacity: capacity,
		incoming: -1,
		outgoing: -1,
	}
}

// Capacity returns the maximum number of entries the Tracker can hold.
func (t *Tracker) Capacity() int { return t.capacity }

// Len returns the total number of tracked entries, including any
// INCOMING/OUTGOING slot.
func (t *Tracker) Len() int { return len(t.entries) }

// Entry returns the entry at idx.
func (t *Tracker) Entry(idx int) CperInfo { return t.entries[idx] }

// IncomingIndex returns the index of the in-flight INCOMING entry, or -1.
func (t *Tracker) IncomingIndex() int { return t.incoming }

// OutgoingIndex returns the index of the in-flight OUTGOING entry, or -1.
func (t *Tracker) OutgoingIndex() int { return t.outgoing }

// SetIncoming marks idx as the tracker's INCOMING entry. Refuses to
// replace an already-set INCOMING (spec §3 invariant 4 / §4.3).
func (t *Tracker) SetIncoming(idx int) error {
	if t.incoming >= 0 {
		return errUnsupported("Tracker.SetIncoming")
	}

	t.incoming = idx
	return nil
}

// ClearIncoming clears the INCOMING marker without touching the entry.
func (t *Tracker) ClearIncoming() { t.incoming = -1 }

// SetOutgoing marks idx as the tracker's OUTGOING entry. Refuses to
// replace an already-set OUTGOING (spec §3 invariant 4 / §4.3).
func (t *Tracker) SetOutgoing(idx int) error {
	if t.outgoing >= 0 {
		return errUnsupported("Tracker.SetOutgoing")
	}

	t.outgoing = idx
	return nil
}

// ClearOutgoing clears the OUTGOING marker without touching the entry.
func (t *Tracker) ClearOutgoing() { t.outgoing = -1 }

// visible returns the indices of entries eligible to be found/iterated
// externally: everything except the live INCOMING/OUTGOING slots.
func (t *Tracker) visible() []int {
	idx := make([]int, 0, len(t.entries))
	for i := range t.entries {
		if i == t.incoming || i == t.outgoing {
			continue
		}

		idx = append(idx, i)
	}

	return idx
}

// Count returns the number of externally-visible (committed) records.
func (t *Tracker) Count() int { return len(t.visible()) }

// Find returns the index of the entry with the given id, explicitly
// skipping the INCOMING and OUTGOING slots (spec §4.5).
func (t *Tracker) Find(id uint64) (int, bool) {
	for _, i := range t.visible() {
		if t.entries[i].RecordID == id {
			return i, true
		}
	}

	return -1, false
}

// AllocateNew appends info and returns its index, or OutOfResources if the
// Tracker is at capacity (spec §4.5).
func (t *Tracker) AllocateNew(info CperInfo) (int, error) {
	if len(t.entries) >= t.capacity {
		return -1, errOutOfResources("Tracker.AllocateNew")
	}

	t.entries = append(t.entries, info)
	return len(t.entries) - 1, nil
}

// Deallocate removes the entry at idx, preserving the relative order of
// the surviving entries, and adjusts the INCOMING/OUTGOING arena indices
// (spec §4.5).
func (t *Tracker) Deallocate(idx int) error {
	if idx < 0 || idx >= len(t.entries) {
		return errInvalidParameter("Tracker.Deallocate", -1)
	}

	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	t.incoming = adjustIndex(t.incoming, idx)
	t.outgoing = adjustIndex(t.outgoing, idx)
	return nil
}

// Replace overwrites the entry at idx in place - used by the Write Engine
// when a replace-write reclaims the old entry's slot for the new record
// (spec §4.6 step 7).
func (t *Tracker) Replace(idx int, info CperInfo) {
	t.entries[idx] = info
}

func adjustIndex(p, removed int) int {
	switch {
	case p < 0:
		return p
	case p == removed:
		return -1
	case p > removed:
		return p - 1
	default:
		return p
	}
}

// NextRecordID returns the id of the visible entry after the one with
// current, wrapping to the first visible entry; RecordIDInvalid if the
// store holds no visible entries (spec §4.5).
func (t *Tracker) NextRecordID(current uint64) uint64 {
	vis := t.visible()
	if len(vis) == 0 {
		return RecordIDInvalid
	}

	if current == RecordIDFirst {
		return t.entries[vis[0]].RecordID
	}

	for i, idx := range vis {
		if t.entries[idx].RecordID == current {
			return t.entries[vis[(i+1)%len(vis)]].RecordID
		}
	}

	return t.entries[vis[0]].RecordID
}

// FirstRecordID returns the id of the first visible entry, or
// RecordIDInvalid if none exist.
func (t *Tracker) FirstRecordID() uint64 {
	vis := t.visible()
	if len(vis) == 0 {
		return RecordIDInvalid
	}

	return t.entries[vis[0]].RecordID
}
