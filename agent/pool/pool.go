// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/feedmux/agent/structs"
)

const (
	defaultMinSize = 256
	defaultMaxSize = 1 << 20
	defaultMaxIdle = 64
)

// Owner tags every lease so that all buffers of a channel can be reclaimed
// together when it is torn down.
type Owner string

// idleSlab is a backing array waiting in a size class free list.
type idleSlab struct {
	buf   []byte
	since time.Time
}

type sizeClass struct {
	size int
	free []idleSlab
}

// BufferPool leases fixed capacity byte buffers. Buffers are grouped into
// power of two size classes between MinSize and MaxSize. At most MaxLeased
// buffers may be out at once; beyond that Lease reports a retryable
// ErrNoResources. Only lease bookkeeping is locked; the contents of a leased
// buffer belong to its holder alone.
type BufferPool struct {
	// MinSize is the capacity of the smallest size class.
	MinSize int

	// MaxSize is the capacity of the largest size class. Larger requests
	// fail with ErrBufferTooLarge.
	MaxSize int

	// MaxLeased limits the number of simultaneously leased buffers. Zero
	// means unlimited.
	MaxLeased int

	// MaxIdle is the number of released slabs kept per size class.
	MaxIdle int

	// MaxIdleTime is how long a released slab is kept before the reaper
	// drops it. Reaping is disabled when zero.
	MaxIdleTime time.Duration

	Logger hclog.Logger

	sync.Mutex

	classes []*sizeClass

	// leased tracks every outstanding buffer and owners indexes them by
	// owner for Reclaim.
	leased map[*Buffer]struct{}
	owners map[Owner]map[*Buffer]struct{}

	reclaimed uint64

	// Used to indicate the pool is shutdown
	shutdown   bool
	shutdownCh chan struct{}

	// once initializes the internal data structures and slab reaping on
	// first use.
	once sync.Once
}

// Stats is a point in time view of the pool.
type Stats struct {
	Leased    int
	Idle      int
	Owners    int
	Reclaimed uint64
}

// init configures the initial data structures. It should be called
// by p.once.Do(p.init) in all public methods.
func (p *BufferPool) init() {
	if p.MinSize <= 0 {
		p.MinSize = defaultMinSize
	}
	if p.MaxSize <= 0 {
		p.MaxSize = defaultMaxSize
	}
	if p.MaxSize < p.MinSize {
		p.MaxSize = p.MinSize
	}
	if p.MaxIdle <= 0 {
		p.MaxIdle = defaultMaxIdle
	}
	if p.Logger == nil {
		p.Logger = hclog.NewNullLogger()
	}
	for size := p.MinSize; ; size *= 2 {
		if size >= p.MaxSize {
			p.classes = append(p.classes, &sizeClass{size: p.MaxSize})
			break
		}
		p.classes = append(p.classes, &sizeClass{size: size})
	}
	p.leased = make(map[*Buffer]struct{})
	p.owners = make(map[Owner]map[*Buffer]struct{})
	p.shutdownCh = make(chan struct{})
	if p.MaxIdleTime > 0 {
		go p.reap()
	}
}

// Shutdown stops the reaper and drops every idle slab. Outstanding leases
// stay valid until released.
func (p *BufferPool) Shutdown() error {
	p.once.Do(p.init)

	p.Lock()
	defer p.Unlock()

	for _, c := range p.classes {
		c.free = nil
	}
	if p.shutdown {
		return nil
	}
	p.shutdown = true
	close(p.shutdownCh)
	return nil
}

// classFor returns the smallest size class holding size bytes.
func (p *BufferPool) classFor(size int) (int, *sizeClass) {
	for i, c := range p.classes {
		if c.size >= size {
			return i, c
		}
	}
	return -1, nil
}

// Lease returns a buffer with capacity of at least size bytes owned by
// owner.
func (p *BufferPool) Lease(owner Owner, size int) (*Buffer, error) {
	p.once.Do(p.init)

	if size < 0 {
		return nil, fmt.Errorf("%w: negative buffer size %d", structs.ErrInvalidArgument, size)
	}
	if size > p.MaxSize {
		return nil, fmt.Errorf("%w: %d > %d", structs.ErrBufferTooLarge, size, p.MaxSize)
	}
	idx, class := p.classFor(size)

	p.Lock()
	if p.MaxLeased > 0 && len(p.leased) >= p.MaxLeased {
		p.Unlock()
		metrics.IncrCounter([]string{"pool", "exhausted"}, 1)
		return nil, structs.ErrNoResources
	}

	var slab []byte
	if n := len(class.free); n > 0 {
		slab = class.free[n-1].buf
		class.free[n-1] = idleSlab{}
		class.free = class.free[:n-1]
	} else {
		slab = make([]byte, class.size)
	}

	b := &Buffer{
		pool:      p,
		owner:     owner,
		data:      slab,
		class:     idx,
		requested: size,
	}
	p.leased[b] = struct{}{}
	byOwner, ok := p.owners[owner]
	if !ok {
		byOwner = make(map[*Buffer]struct{})
		p.owners[owner] = byOwner
	}
	byOwner[b] = struct{}{}
	leased := len(p.leased)
	p.Unlock()

	metrics.SetGauge([]string{"pool", "leased"}, float32(leased))
	return b, nil
}

// Release returns a buffer to the pool. The buffer must not be used
// afterwards; a second release returns ErrNotLeased.
func (p *BufferPool) Release(b *Buffer) error {
	p.once.Do(p.init)

	if b == nil {
		return fmt.Errorf("%w: nil buffer", structs.ErrInvalidArgument)
	}

	p.Lock()
	if _, ok := p.leased[b]; !ok {
		p.Unlock()
		return structs.ErrNotLeased
	}
	p.forgetLocked(b)

	slab := b.data
	b.data = nil
	b.n = 0
	if class := p.classes[b.class]; !p.shutdown && len(class.free) < p.MaxIdle && slab != nil {
		class.free = append(class.free, idleSlab{buf: slab[:cap(slab)], since: time.Now()})
	}
	leased := len(p.leased)
	p.Unlock()

	metrics.SetGauge([]string{"pool", "leased"}, float32(leased))
	return nil
}

// Reclaim forcibly takes back every buffer leased to owner and returns how
// many there were. Reclaimed slabs are not recycled because their former
// holders may still reference them.
func (p *BufferPool) Reclaim(owner Owner) int {
	p.once.Do(p.init)

	p.Lock()
	byOwner := p.owners[owner]
	n := len(byOwner)
	for b := range byOwner {
		p.forgetLocked(b)
		b.data = nil
		b.n = 0
		b.reclaimed = true
	}
	p.reclaimed += uint64(n)
	leased := len(p.leased)
	p.Unlock()

	if n > 0 {
		p.Logger.Debug("reclaimed leased buffers", "owner", owner, "count", n)
		metrics.IncrCounter([]string{"pool", "reclaimed"}, float32(n))
		metrics.SetGauge([]string{"pool", "leased"}, float32(leased))
	}
	return n
}

// forgetLocked drops the lease bookkeeping for b. The pool lock must be
// held.
func (p *BufferPool) forgetLocked(b *Buffer) {
	delete(p.leased, b)
	if byOwner, ok := p.owners[b.owner]; ok {
		delete(byOwner, b)
		if len(byOwner) == 0 {
			delete(p.owners, b.owner)
		}
	}
}

// Leased returns the number of buffers currently leased to owner.
func (p *BufferPool) Leased(owner Owner) int {
	p.once.Do(p.init)

	p.Lock()
	defer p.Unlock()
	return len(p.owners[owner])
}

func (p *BufferPool) Stats() Stats {
	p.once.Do(p.init)

	p.Lock()
	defer p.Unlock()
	s := Stats{
		Leased:    len(p.leased),
		Owners:    len(p.owners),
		Reclaimed: p.reclaimed,
	}
	for _, c := range p.classes {
		s.Idle += len(c.free)
	}
	return s
}

// reap is used to drop slabs idle for longer than MaxIdleTime.
func (p *BufferPool) reap() {
	for {
		// Sleep for a while
		select {
		case <-p.shutdownCh:
			return
		case <-time.After(time.Second):
		}
		p.reapIdle(time.Now())
	}
}

func (p *BufferPool) reapIdle(now time.Time) int {
	p.Lock()
	defer p.Unlock()

	var dropped int
	for _, c := range p.classes {
		kept := c.free[:0]
		for _, s := range c.free {
			// Skip recently released slabs
			if now.Sub(s.since) < p.MaxIdleTime {
				kept = append(kept, s)
				continue
			}
			dropped++
		}
		for i := len(kept); i < len(c.free); i++ {
			c.free[i] = idleSlab{}
		}
		c.free = kept
	}
	return dropped
}
