// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Store wires the Flash Adapter, Shadow Cache, Pool Allocator, Block
// Manager, Record Tracker, Write Engine and Recovery Engine into the
// single handle the Mailbox Handler drives. Modeled on dbm.DB/dbm.Options:
// one exported handle type, one Options-style Config, a single Big Kernel
// Lock serializing every operation (matching this spec's single-threaded
// cooperative scheduling, spec §5).

package erst

import (
	"sync"

	"github.com/cznic-erst/erst/internal/metrics"
	"github.com/cznic-erst/erst/internal/obslog"
)

var storeLog = obslog.New("store")

// trackingEntrySize is sizeof(tracking_entry) used to size the Record
// Tracker and the BLOCK_INFO/RECORD_INFO pools (spec §4.5): an 8-byte id,
// a 4-byte length, and an 8-byte offset, rounded up to a machine word.
const trackingEntrySize = 24

// Config amends Store construction. The zero Config is the normal,
// fully-cached configuration.
type Config struct {
	// DisableShadowCache skips the in-RAM partition mirror (spec §4.1).
	// Tests exercising the pass-through path set this; production
	// configurations leave it false.
	DisableShadowCache bool
}

// Store is the handle the Mailbox Handler drives. All state is protected
// by bkl: the spec's single-threaded cooperative scheduling model (§5)
// means contention is never expected, but the lock documents and enforces
// the "one operation runs to completion before the next starts" rule.
type Store struct {
	bkl sync.Mutex

	flash           Flash
	blocks          *BlockManager
	tracker         *Tracker
	pool            *Pool
	write           *WriteEngine
	recovery        *RecoveryEngine
	unsyncedChanges int
	initErr         error
}

// New validates the partition, builds the component stack, and runs the
// Recovery Engine once to establish initial state (spec §4.7 "runs at
// init"). An invalid partition returns a nil Store. Otherwise a non-nil
// Store is returned even when recovery fails; InitError reports the
// failure, and the Mailbox Handler short-circuits every operation while it
// is set (spec §7). The Store's own operations do not check it.
func New(dev Device, part Partition, cfg Config) (*Store, error) {
	metrics.Register()

	adapter, err := NewAdapter(dev, part)
	if err != nil {
		return nil, err
	}

	var flash Flash = adapter
	if !cfg.DisableShadowCache {
		flash = NewShadowCache(adapter)
	}

	capacity := int(int64(adapter.NumBlocks()) * adapter.VirtualBlockSize() / trackingEntrySize)

	blocks := NewBlockManager(flash)
	tracker := NewTracker(capacity)
	pool := NewPool(HeaderSize, int(adapter.VirtualBlockSize()), trackingEntrySize, adapter.NumBlocks(), capacity)

	s := &Store{flash: flash, blocks: blocks, tracker: tracker, pool: pool}
	s.write = NewWriteEngine(flash, blocks, tracker, pool, &s.unsyncedChanges)
	s.recovery = NewRecoveryEngine(flash, blocks, tracker, s.write, pool)

	storeLog.WithField("blocks", adapter.NumBlocks()).WithField("block_size", adapter.VirtualBlockSize()).Info("initializing")
	if err := s.recovery.Run(); err != nil {
		s.initErr = err
		storeLog.WithError(err).Error("init recovery failed")
		return s, err
	}

	return s, nil
}

// InitError returns the error from the most recent init/Reinit, or nil.
func (s *Store) InitError() error {
	s.bkl.Lock()
	defer s.bkl.Unlock()
	return s.initErr
}

// NeedsReinit reports whether unsynced_spinor_changes is nonzero or an
// INCOMING/OUTGOING is left over - the condition the Mailbox Handler
// checks on every doorbell before dispatch (spec §4.8 step 2).
func (s *Store) NeedsReinit() bool {
	s.bkl.Lock()
	defer s.bkl.Unlock()
	return s.needsReinitLocked()
}

func (s *Store) needsReinitLocked() bool {
	return s.unsyncedChanges != 0 || s.tracker.IncomingIndex() >= 0 || s.tracker.OutgoingIndex() >= 0
}

// Reinit forces a full Recovery Engine pass, first re-pulling the shadow
// cache's mirror from flash as init does.
func (s *Store) Reinit() error {
	s.bkl.Lock()
	defer s.bkl.Unlock()
	return s.reinitLocked()
}

func (s *Store) reinitLocked() error {
	storeLog.Warn("re-init triggered")
	if sc, ok := s.flash.(*ShadowCache); ok {
		b, err := sc.Adapter.Read(0, sc.Size())
		if err != nil {
			shadowLog.WithError(err).Warn("shadow cache disabled: partition re-read failed")
		}

		sc.mirror = b
	}

	err := s.recovery.Run()
	s.initErr = err
	return err
}

// EnsureSynced runs Reinit iff NeedsReinit or a prior init left InitError
// set. Unlike the Mailbox Handler's entry sequence (spec §4.8 steps 1-2),
// which short-circuits while InitError is set, it retries init then.
func (s *Store) EnsureSynced() error {
	s.bkl.Lock()
	defer s.bkl.Unlock()

	if s.initErr == nil && !s.needsReinitLocked() {
		return nil
	}

	return s.reinitLocked()
}

// Count returns the number of committed (VALID) records.
func (s *Store) Count() int {
	s.bkl.Lock()
	defer s.bkl.Unlock()
	return s.tracker.Count()
}

// FirstRecordID returns the id of the first committed record in insertion
// order, or RecordIDInvalid if the store is empty.
func (s *Store) FirstRecordID() uint64 {
	s.bkl.Lock()
	defer s.bkl.Unlock()
	return s.tracker.FirstRecordID()
}

// NextRecordID returns the id following current in insertion order,
// wrapping to the first (spec §4.5).
func (s *Store) NextRecordID(current uint64) uint64 {
	s.bkl.Lock()
	defer s.bkl.Unlock()
	return s.tracker.NextRecordID(current)
}

// BorrowBuffer lends a RECORD-family pool buffer of length n to the caller
// (spec §4.2), for marshalling a record into or out of an external shared
// buffer without an ad-hoc allocation. release must be called exactly once
// when the caller is done with buf.
func (s *Store) BorrowBuffer(n int) (buf []byte, release func(), err error) {
	s.bkl.Lock()
	defer s.bkl.Unlock()

	name, buf, err := s.pool.GetRecord(n)
	if err != nil {
		return nil, nil, err
	}

	return buf, func() { s.pool.Put(name) }, nil
}

// Write executes the write protocol of spec §4.6 for a record with the
// given id and payload. An existing record with the same id is replaced.
// dummy performs the allocation check only, with no flash side effects.
// The id actually committed is returned - it never differs from id except
// that callers are expected to resolve RecordIDFirst before calling Write.
func (s *Store) Write(id uint64, payload []byte, dummy bool) (committedID uint64, err error) {
	const op = "Store.Write"
	s.bkl.Lock()
	defer s.bkl.Unlock()

	if id == RecordIDFirst || id == RecordIDInvalid {
		return 0, errInvalidParameter(op, int64(id))
	}

	oldIdx := -1
	if idx, ok := s.tracker.Find(id); ok {
		oldIdx = idx
	}

	length := HeaderSize + len(payload)
	if int64(length) > s.flash.VirtualBlockSize() {
		return 0, errOutOfResources(op)
	}

	name, body, err := s.pool.GetRecord(length)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(name)

	PutHeader(body, id, uint32(length), StatusIncoming)
	copy(body[HeaderSize:], payload)

	newIdx, err := s.write.WriteRecord(body, oldIdx, dummy)
	if err != nil {
		return 0, err
	}

	if dummy {
		return id, nil
	}

	return s.tracker.Entry(newIdx).RecordID, nil
}

// Read returns the payload of the record with the given id (RecordIDFirst
// substitutes the first committed id), plus the id Read's caller should
// use as its next cursor (spec §4.8 READ).
func (s *Store) Read(id uint64) (payload []byte, cursor uint64, err error) {
	const op = "Store.Read"
	s.bkl.Lock()
	defer s.bkl.Unlock()

	if s.tracker.Count() == 0 {
		return nil, RecordIDInvalid, errNotFound(op)
	}

	lookup := id
	if id == RecordIDFirst {
		lookup = s.tracker.FirstRecordID()
	}

	idx, ok := s.tracker.Find(lookup)
	if !ok {
		return nil, s.tracker.FirstRecordID(), errNotFound(op)
	}

	e := s.tracker.Entry(idx)
	body, err := s.flash.Read(e.RecordOffset, int64(e.RecordLength))
	if err != nil {
		return nil, 0, err
	}

	return body[HeaderSize:], s.tracker.NextRecordID(e.RecordID), nil
}

// Clear removes the record with the given id (spec §4.8 CLEAR).
func (s *Store) Clear(id uint64) error {
	const op = "Store.Clear"
	s.bkl.Lock()
	defer s.bkl.Unlock()

	if id == RecordIDFirst || id == RecordIDInvalid {
		return errInvalidParameter(op, int64(id))
	}

	idx, ok := s.tracker.Find(id)
	if !ok {
		return errNotFound(op)
	}

	e := s.tracker.Entry(idx)
	s.unsyncedChanges++
	defer func() { s.unsyncedChanges-- }()

	if err := WriteStatus(s.flash, e.RecordOffset, StatusDeleted); err != nil {
		return errDeviceError(op, e.RecordOffset, err)
	}

	s.blocks.FreeRecord(e.RecordOffset, int64(e.RecordLength))
	return s.tracker.Deallocate(idx)
}

// BlockInfo returns a snapshot of the per-block accounting table, for
// diagnostics and tests.
func (s *Store) BlockInfo() []BlockInfo {
	s.bkl.Lock()
	defer s.bkl.Unlock()
	out := make([]BlockInfo, len(s.blocks.blocks))
	copy(out, s.blocks.blocks)
	return out
}
