// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The Flash Adapter: a thin, bounds-checked wrapper around a raw block
// device, plus the single timing-instrumentation crossing point the
// original driver scattered inline (spec §9 Design Notes).

package erst

import (
	"time"

	"github.com/cznic/mathutil"

	"github.com/cznic-erst/erst/internal/metrics"
)

// Device is a raw, sector-addressed block device: bits erase to all-1s and
// can only be cleared 1→0 between erases. It owns no partition concept -
// the Adapter is what interprets offsets relative to a partition within
// the device.
type Device interface {
	// SectorSize is the device's physical erase/program granularity.
	SectorSize() int64

	// Capacity is the total addressable size of the device, in bytes.
	Capacity() int64

	// ReadAt reads len(b) bytes starting at off.
	ReadAt(off int64, b []byte) error

	// WriteAt writes b at off. A device that cannot honor a requested
	// 0→1 bit transition MUST return an error rather than silently set
	// the bit.
	WriteAt(off int64, b []byte) error

	// EraseAt erases n bytes at off, both multiples of SectorSize,
	// setting every bit in the range to 1.
	EraseAt(off, n int64) error
}

// MinVirtualBlockSize is the floor for the virtual block size (spec §3).
const MinVirtualBlockSize = 16 * 1024

// Partition describes the region of a Device this store owns.
type Partition struct {
	Base int64 // byte offset into the device
	Size int64 // byte length, must be a whole number of virtual blocks
}

// Adapter implements the Flash Adapter (spec §4.1): a Device plus partition
// math, bounds checking and the on_flash_io_begin/end hook.
type Adapter struct {
	dev    Device
	part   Partition
	vbSize int64
	nBlock int
}

// NewAdapter validates the partition against spec §3's alignment rules and
// returns an Adapter, or an *Error of KindInvalidParameter.
func NewAdapter(dev Device, part Partition) (*Adapter, error) {
	const op = "Adapter.New"

	ss := dev.SectorSize()
	if ss <= 0 {
		return nil, errInvalidParameter(op, -1)
	}

	if part.Base < 0 || part.Size <= 0 || part.Base+part.Size > dev.Capacity() {
		return nil, errInvalidParameter(op, part.Base)
	}

	if part.Base%ss != 0 || part.Size%ss != 0 {
		return nil, errInvalidParameter(op, part.Base)
	}

	vb := mathutil.MaxInt64(MinVirtualBlockSize, ss)
	if vb%ss != 0 {
		return nil, errInvalidParameter(op, vb)
	}

	if part.Size%vb != 0 {
		return nil, errInvalidParameter(op, part.Size)
	}

	nBlock := part.Size / vb
	if nBlock < 2 {
		return nil, errInvalidParameter(op, nBlock)
	}

	return &Adapter{dev: dev, part: part, vbSize: vb, nBlock: int(nBlock)}, nil
}

// VirtualBlockSize returns max(16KiB, device sector size).
func (a *Adapter) VirtualBlockSize() int64 { return a.vbSize }

// NumBlocks returns the number of virtual blocks in the partition.
func (a *Adapter) NumBlocks() int { return a.nBlock }

// Size returns the partition size in bytes.
func (a *Adapter) Size() int64 { return a.part.Size }

// SectorSize returns the underlying device's physical sector size.
func (a *Adapter) SectorSize() int64 { return a.dev.SectorSize() }

func (a *Adapter) observe(op string, start time.Time, err error) {
	metrics.FlashIOLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FlashIOErrors.WithLabelValues(op).Inc()
	}
}

// Read reads n bytes at the partition-relative offset off.
func (a *Adapter) Read(off, n int64) (b []byte, err error) {
	const op = "Adapter.Read"
	if off < 0 || n < 0 || off+n > a.part.Size {
		return nil, errInvalidParameter(op, off)
	}

	start := time.Now()
	defer func() { a.observe("read", start, err) }()

	b = make([]byte, n)
	if err = a.dev.ReadAt(a.part.Base+off, b); err != nil {
		return nil, errDeviceError(op, off, err)
	}

	return b, nil
}

// ReadInto reads len(buf) bytes at the partition-relative offset off
// directly into buf, for callers staging the read in a pre-allocated Pool
// buffer instead of taking a fresh allocation (spec §4.2).
func (a *Adapter) ReadInto(off int64, buf []byte) (err error) {
	const op = "Adapter.ReadInto"
	n := int64(len(buf))
	if off < 0 || n < 0 || off+n > a.part.Size {
		return errInvalidParameter(op, off)
	}

	start := time.Now()
	defer func() { a.observe("read", start, err) }()

	if err = a.dev.ReadAt(a.part.Base+off, buf); err != nil {
		return errDeviceError(op, off, err)
	}

	return nil
}

// Write writes b at the partition-relative offset off.
func (a *Adapter) Write(off int64, b []byte) (err error) {
	const op = "Adapter.Write"
	if off < 0 || int64(len(b)) > a.part.Size-off || off > a.part.Size {
		return errInvalidParameter(op, off)
	}

	start := time.Now()
	defer func() { a.observe("write", start, err) }()

	if err = a.dev.WriteAt(a.part.Base+off, b); err != nil {
		return errDeviceError(op, off, err)
	}

	return nil
}

// Erase erases n bytes at the partition-relative offset off. off and n
// must be multiples of the device's physical sector size (spec §4.1).
func (a *Adapter) Erase(off, n int64) (err error) {
	const op = "Adapter.Erase"
	ss := a.SectorSize()
	if off < 0 || n <= 0 || off+n > a.part.Size || off%ss != 0 || n%ss != 0 {
		return errInvalidParameter(op, off)
	}

	start := time.Now()
	defer func() { a.observe("erase", start, err) }()

	if err = a.dev.EraseAt(a.part.Base+off, n); err != nil {
		return errDeviceError(op, off, err)
	}

	return nil
}

// Flash is the interface the rest of the store programs against - whatever
// sits between it and the raw Device, be that the Adapter itself or a
// ShadowCache wrapping it.
type Flash interface {
	Read(off, n int64) ([]byte, error)
	ReadInto(off int64, buf []byte) error
	Write(off int64, b []byte) error
	Erase(off, n int64) error
	VirtualBlockSize() int64
	NumBlocks() int
	Size() int64
	SectorSize() int64
}

var _ Flash = (*Adapter)(nil)
