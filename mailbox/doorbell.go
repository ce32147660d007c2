// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mailbox

import "sync/atomic"

// MemDoorbell is an in-process Doorbell for tests and the crash-injection
// harness, standing in for the real MMIO SET/CLEAR/STATUS register triple
// of spec §6.3.
type MemDoorbell struct {
	busy int32
}

// Set raises the busy bit, as the caller does before invoking the handler.
func (d *MemDoorbell) Set() { atomic.StoreInt32(&d.busy, 1) }

// Clear lowers the busy bit, as the handler does on the way out.
func (d *MemDoorbell) Clear() { atomic.StoreInt32(&d.busy, 0) }

// Busy reports the current busy bit.
func (d *MemDoorbell) Busy() bool { return atomic.LoadInt32(&d.busy) != 0 }

var _ Doorbell = (*MemDoorbell)(nil)
