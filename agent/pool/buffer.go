// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pool

import (
	"fmt"

	"github.com/hashicorp/feedmux/agent/structs"
)

// Buffer is a leased, fixed capacity byte buffer. A Buffer is detached from
// its backing array when released or reclaimed, so a stale reference can no
// longer read or write memory that has been handed to someone else.
type Buffer struct {
	pool      *BufferPool
	owner     Owner
	data      []byte
	n         int
	class     int
	requested int
	reclaimed bool
}

// Owner returns the owner tag the buffer was leased under.
func (b *Buffer) Owner() Owner {
	return b.owner
}

// Leased reports whether the buffer still has a backing array.
func (b *Buffer) Leased() bool {
	return b.data != nil
}

// Reclaimed reports whether the pool took the buffer back from its owner.
func (b *Buffer) Reclaimed() bool {
	return b.reclaimed
}

// Requested is the size passed to Lease.
func (b *Buffer) Requested() int {
	return b.requested
}

func (b *Buffer) Cap() int {
	return len(b.data)
}

func (b *Buffer) Len() int {
	return b.n
}

// Bytes returns the written portion of the buffer.
func (b *Buffer) Bytes() []byte {
	if b.data == nil {
		return nil
	}
	return b.data[:b.n]
}

// Data returns the whole backing array for in place encoding; follow it
// with SetLen.
func (b *Buffer) Data() []byte {
	return b.data
}

func (b *Buffer) SetLen(n int) error {
	if b.data == nil {
		return structs.ErrNotLeased
	}
	if n < 0 || n > len(b.data) {
		return fmt.Errorf("%w: length %d outside [0,%d]", structs.ErrInvalidArgument, n, len(b.data))
	}
	b.n = n
	return nil
}

// Write appends p. It never writes partially: if p does not fit, nothing is
// written.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.data == nil {
		return 0, structs.ErrNotLeased
	}
	if b.n+len(p) > len(b.data) {
		return 0, fmt.Errorf("%w: %d bytes do not fit in %d remaining",
			structs.ErrMessageTooLarge, len(p), len(b.data)-b.n)
	}
	copy(b.data[b.n:], p)
	b.n += len(p)
	return len(p), nil
}

// Release is shorthand for returning the buffer to the pool it came from.
func (b *Buffer) Release() error {
	return b.pool.Release(b)
}

func (b *Buffer) Reset() {
	b.n = 0
}
