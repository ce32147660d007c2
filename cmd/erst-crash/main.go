// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command erst-crash exercises the store's crash-recovery scenarios
// against a simulated NOR device. Unlike dbm/crash/main.go, which kills
// and respawns an OS process to get a real crash, this store's "device"
// is in-RAM (there is no real flash to lose power to), so crashes are
// injected directly: a record's status byte is poked to a mid-sequence
// value and the store is forced through Reinit, standing in for the
// power-loss-then-reboot cycle the original hardware would see.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/cznic-erst/erst"
)

const (
	blockSize   = 64 * 1024
	numBlocks   = 8
	bufferSize  = 16 * 1024
	deviceBytes = blockSize * numBlocks
)

var scenario = flag.String("scenario", "all", "scenario to run: 1-6 or all")

func main() {
	log.SetFlags(log.Lshortfile)
	flag.Parse()

	scenarios := map[string]func() error{
		"1": scenarioFillReadClear,
		"2": scenarioOutOfSpace,
		"3": scenarioDummyWrite,
		"4": scenarioOutgoingOnlyCrash,
		"5": scenarioIncomingWithoutOutgoingCrash,
		"6": scenarioOutgoingIncompatibleIncoming,
	}

	if *scenario != "all" {
		run(*scenario, scenarios[*scenario])
		return
	}

	for _, name := range []string{"1", "2", "3", "4", "5", "6"} {
		run(name, scenarios[name])
	}
}

func run(name string, f func() error) {
	if f == nil {
		log.Fatalf("scenario %s: unknown", name)
	}

	if err := f(); err != nil {
		log.Fatalf("scenario %s: FAILED: %s", name, err)
	}

	log.Printf("scenario %s: ok", name)
}

func newStore() (*erst.Store, *erst.MemDevice, error) {
	dev := erst.NewMemDevice(deviceBytes, blockSize)
	s, err := erst.New(dev, erst.Partition{Base: 0, Size: deviceBytes}, erst.Config{})
	return s, dev, err
}

var fillSizes = []int{4096, 1024, 2048, 4096, 512, 128, 156, 24, 245, 256, 3096, 1, 78, 129, 527}

func scenarioFillReadClear() error {
	s, _, err := newStore()
	if err != nil {
		return err
	}

	ids := make([]uint64, 0, len(fillSizes))
	for i, n := range fillSizes {
		id := uint64(0x1000 + i)
		payload := make([]byte, n)
		for j := range payload {
			payload[j] = byte(i)
		}

		if _, err := s.Write(id, payload, false); err != nil {
			return fmt.Errorf("write %d: %w", id, err)
		}

		ids = append(ids, id)
	}

	for i, id := range ids {
		got, _, err := s.Read(id)
		if err != nil {
			return fmt.Errorf("read %d: %w", id, err)
		}

		if len(got) != fillSizes[i] {
			return fmt.Errorf("read %d: length mismatch: got %d want %d", id, len(got), fillSizes[i])
		}

		for _, b := range got {
			if b != byte(i) {
				return fmt.Errorf("read %d: payload mismatch", id)
			}
		}
	}

	count := s.Count()
	for _, id := range ids {
		if err := s.Clear(id); err != nil {
			return fmt.Errorf("clear %d: %w", id, err)
		}

		if next := s.Count(); next != count-1 {
			return fmt.Errorf("clear %d: count did not decrement monotonically: got %d want %d", id, next, count-1)
		}

		count--
	}

	return nil
}

func scenarioOutOfSpace() error {
	s, _, err := newStore()
	if err != nil {
		return err
	}

	// Fill to near capacity with block-sized records.
	var i int
	for {
		id := uint64(0x2000 + i)
		if _, err := s.Write(id, make([]byte, blockSize-erst.HeaderSize), false); err != nil {
			break
		}

		i++
		if i > numBlocks+1 {
			return fmt.Errorf("store accepted more records than blocks allow")
		}
	}

	before := s.Count()
	if _, err := s.Write(0x2FFF, make([]byte, blockSize), false); err == nil {
		return fmt.Errorf("oversized write unexpectedly succeeded")
	} else if erst.KindOf(err) != erst.KindOutOfResources {
		return fmt.Errorf("unexpected error kind: %s", erst.KindOf(err))
	}

	if after := s.Count(); after != before {
		return fmt.Errorf("record_count changed after a failed write: %d -> %d", before, after)
	}

	return nil
}

func scenarioDummyWrite() error {
	s, _, err := newStore()
	if err != nil {
		return err
	}

	if _, err := s.Write(0x1, nil, true); err != nil {
		return fmt.Errorf("dummy write: %w", err)
	}

	if _, _, err := s.Read(0x1); erst.KindOf(err) != erst.KindNotFound {
		return fmt.Errorf("dummy write left a visible record")
	}

	return nil
}

func scenarioOutgoingOnlyCrash() error {
	s, dev, err := newStore()
	if err != nil {
		return err
	}

	id := uint64(0x3000)
	payload := make([]byte, 256)
	if _, err := s.Write(id, payload, false); err != nil {
		return err
	}

	offset := recordOffset(s, id)
	dev.Poke(offset+erst.StatusByteOffset, []byte{byte(erst.StatusOutgoing)})

	if err := s.Reinit(); err != nil {
		return fmt.Errorf("reinit: %w", err)
	}

	got, _, err := s.Read(id)
	if err != nil {
		return fmt.Errorf("read after outgoing-only crash: %w", err)
	}

	if len(got) != len(payload) {
		return fmt.Errorf("payload length mismatch after recovery")
	}

	return nil
}

func scenarioIncomingWithoutOutgoingCrash() error {
	s, dev, err := newStore()
	if err != nil {
		return err
	}

	id := uint64(0x4000)
	if _, err := s.Write(id, make([]byte, 128), false); err != nil {
		return err
	}

	offset := recordOffset(s, id)
	dev.Poke(offset+erst.StatusByteOffset, []byte{byte(erst.StatusIncoming)})

	if err := s.Reinit(); err != nil {
		return fmt.Errorf("reinit: %w", err)
	}

	if _, _, err := s.Read(id); erst.KindOf(err) != erst.KindNotFound {
		return fmt.Errorf("expected NotFound after invalidated INCOMING, got %v", err)
	}

	if _, err := s.Write(id, make([]byte, 128), false); err != nil {
		return fmt.Errorf("rewrite after invalidation: %w", err)
	}

	return nil
}

func scenarioOutgoingIncompatibleIncoming() error {
	s, dev, err := newStore()
	if err != nil {
		return err
	}

	id := uint64(0x5000)
	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = 0xAB
	}

	if _, err := s.Write(id, payload, false); err != nil {
		return err
	}

	offset := recordOffset(s, id)
	dev.Poke(offset+erst.StatusByteOffset, []byte{byte(erst.StatusOutgoing)})

	// A trailing INCOMING header with a different, incompatible id right
	// after the OUTGOING record's bytes.
	trailing := offset + int64(erst.HeaderSize+len(payload))
	header := make([]byte, erst.HeaderSize)
	erst.PutHeader(header, id+1, uint32(erst.HeaderSize), erst.StatusIncoming)
	dev.Poke(trailing, header)

	if err := s.Reinit(); err != nil {
		return fmt.Errorf("reinit: %w", err)
	}

	got, _, err := s.Read(id)
	if err != nil {
		return fmt.Errorf("read after incompatible-incoming crash: %w", err)
	}

	for i, b := range got {
		if b != 0xAB {
			return fmt.Errorf("payload corrupted at byte %d", i)
		}
	}

	if _, _, err := s.Read(id + 1); erst.KindOf(err) != erst.KindNotFound {
		return fmt.Errorf("incompatible INCOMING was not invalidated")
	}

	return nil
}

// recordOffset returns the offset of the sole record written so far: these
// crash scenarios each write exactly one record into an empty store, which
// always lands at the base of the first in-use block.
func recordOffset(s *erst.Store, id uint64) int64 {
	for _, b := range s.BlockInfo() {
		if b.ValidEntries > 0 {
			return b.Base
		}
	}

	return 0
}
