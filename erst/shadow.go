// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The optional in-RAM mirror of a partition (spec §4.1 last paragraph).
// Shaped like lldb.InnerFiler: a Fler wrapping a Fler, here RAM-backed
// instead of offset-translating.

package erst

import "github.com/cznic-erst/erst/internal/obslog"

var shadowLog = obslog.New("shadow")

// ShadowCache wraps an Adapter with an in-RAM mirror. Reads are served from
// RAM; writes update RAM before flash, and erases update RAM once the flash
// erase has succeeded. If the initial pull of
// the partition into RAM fails (allocation failure or a read error), the
// cache is absent and every call passes straight through to the Adapter -
// this is not a fatal condition, per spec §4.1.
type ShadowCache struct {
	*Adapter
	mirror []byte // nil when the cache is absent
}

// NewShadowCache attempts to build a ShadowCache over a. It always returns
// a usable Flash even if the RAM pull fails; check Active to see which mode
// it ended up in.
func NewShadowCache(a *Adapter) *ShadowCache {
	c := &ShadowCache{Adapter: a}

	b, err := a.Read(0, a.Size())
	if err != nil {
		shadowLog.WithError(err).Warn("shadow cache disabled: initial partition read failed")
		return c
	}

	c.mirror = b
	return c
}

// Active reports whether the RAM mirror is in use.
func (c *ShadowCache) Active() bool { return c.mirror != nil }

// Read implements Flash.
func (c *ShadowCache) Read(off, n int64) ([]byte, error) {
	if c.mirror == nil {
		return c.Adapter.Read(off, n)
	}

	if off < 0 || n < 0 || off+n > int64(len(c.mirror)) {
		return nil, errInvalidParameter("ShadowCache.Read", off)
	}

	b := make([]byte, n)
	copy(b, c.mirror[off:off+n])
	return b, nil
}

// ReadInto implements Flash.
func (c *ShadowCache) ReadInto(off int64, buf []byte) error {
	if c.mirror == nil {
		return c.Adapter.ReadInto(off, buf)
	}

	n := int64(len(buf))
	if off < 0 || n < 0 || off+n > int64(len(c.mirror)) {
		return errInvalidParameter("ShadowCache.ReadInto", off)
	}

	copy(buf, c.mirror[off:off+n])
	return nil
}

// Write implements Flash. The mirror is updated before the underlying
// flash write (spec §4.1: "updates RAM before flash").
func (c *ShadowCache) Write(off int64, b []byte) error {
	if c.mirror != nil {
		copy(c.mirror[off:], b)
	}

	return c.Adapter.Write(off, b)
}

// Erase implements Flash.
func (c *ShadowCache) Erase(off, n int64) error {
	if err := c.Adapter.Erase(off, n); err != nil {
		return err
	}

	if c.mirror != nil {
		for i := off; i < off+n; i++ {
			c.mirror[i] = 0xFF
		}
	}

	return nil
}
