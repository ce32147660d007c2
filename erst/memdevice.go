// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// A memory backed Device, for tests and for the cmd/erst-crash harness.
// Modeled on lldb.MemFiler, but fixed-capacity and erased-to-1 like a real
// NOR part instead of growing on write.

package erst

// MemDevice is an in-RAM Device that emulates NOR-like erase/program
// semantics: every byte starts (and is reset by Erase to) 0xFF, and WriteAt
// refuses any 0→1 bit transition.
type MemDevice struct {
	sectorSize int64
	data       []byte
}

// NewMemDevice returns a MemDevice of the given capacity and sector size,
// fully erased (all bits set).
func NewMemDevice(capacity, sectorSize int64) *MemDevice {
	d := &MemDevice{sectorSize: sectorSize, data: make([]byte, capacity)}
	for i := range d.data {
		d.data[i] = 0xFF
	}

	return d
}

// SectorSize implements Device.
func (d *MemDevice) SectorSize() int64 { return d.sectorSize }

// Capacity implements Device.
func (d *MemDevice) Capacity() int64 { return int64(len(d.data)) }

// ReadAt implements Device.
func (d *MemDevice) ReadAt(off int64, b []byte) error {
	if off < 0 || off+int64(len(b)) > int64(len(d.data)) {
		return errInvalidParameter("MemDevice.ReadAt", off)
	}

	copy(b, d.data[off:off+int64(len(b))])
	return nil
}

// WriteAt implements Device. It rejects any attempt to set a bit that is
// currently 0 back to 1 - exactly the class of error real NOR hardware
// reports back as a program failure.
func (d *MemDevice) WriteAt(off int64, b []byte) error {
	if off < 0 || off+int64(len(b)) > int64(len(d.data)) {
		return errInvalidParameter("MemDevice.WriteAt", off)
	}

	for i, nb := range b {
		cur := d.data[off+int64(i)]
		if nb&cur != nb {
			return newErr(KindDeviceError, "MemDevice.WriteAt", off+int64(i), nil)
		}
	}

	copy(d.data[off:off+int64(len(b))], b)
	return nil
}

// EraseAt implements Device.
func (d *MemDevice) EraseAt(off, n int64) error {
	if off < 0 || n < 0 || off+n > int64(len(d.data)) || off%d.sectorSize != 0 || n%d.sectorSize != 0 {
		return errInvalidParameter("MemDevice.EraseAt", off)
	}

	for i := off; i < off+n; i++ {
		d.data[i] = 0xFF
	}

	return nil
}

// Poke writes b at off bypassing the bit-clear-only and bounds checks -
// used only by tests to inject crash states (spec §8 scenarios 4-6).
func (d *MemDevice) Poke(off int64, b []byte) {
	copy(d.data[off:], b)
}
