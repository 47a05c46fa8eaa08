// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package cache holds the latest payload of watchlist streams so that
// applications can read an item's image without keeping it themselves.
//
// The cache is a collaborator of the reactor: refresh payloads replace the
// stored image and update payloads are applied on top of it. How an update
// merges into an image is domain specific; the default keeps the latest
// payload.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"

	"github.com/hashicorp/feedmux/agent/structs"
)

// DefaultSize is the number of streams an LRU store keeps when no size is
// configured.
const DefaultSize = 4096

// Store is implemented by payload caches.
type Store interface {
	// Apply records payload for streamID. Refresh payloads replace the
	// stored image; update payloads are merged.
	Apply(streamID int32, payload []byte, refresh bool) error

	// Retrieve returns the stored image or an error satisfying
	// structs.IsErrNotFound.
	Retrieve(streamID int32) ([]byte, error)

	// Remove forgets a stream.
	Remove(streamID int32)
}

// MergeFunc applies an update on top of an image and returns the new
// image. It must not modify either argument.
type MergeFunc func(image, update []byte) ([]byte, error)

// Replace is the default MergeFunc.
func Replace(_, update []byte) ([]byte, error) {
	return update, nil
}

type Options struct {
	// Size is the maximum number of streams kept.
	Size int

	// ExpiryTime drops images that were not refreshed or updated for
	// this long. Zero keeps them until evicted.
	ExpiryTime time.Duration

	Merge MergeFunc
	Clock clock.Clock
}

type entry struct {
	image   []byte
	updated time.Time
}

// LRU is a Store keeping the most recently applied streams.
type LRU struct {
	lock    sync.Mutex
	entries *lru.Cache
	opts    Options
}

var _ Store = (*LRU)(nil)

func NewLRU(opts Options) (*LRU, error) {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Merge == nil {
		opts.Merge = Replace
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	entries, err := lru.NewWithEvict(opts.Size, func(_, _ interface{}) {
		metrics.IncrCounter([]string{"cache", "evicted"}, 1)
	})
	if err != nil {
		return nil, err
	}
	return &LRU{entries: entries, opts: opts}, nil
}

func (c *LRU) Apply(streamID int32, payload []byte, refresh bool) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	now := c.opts.Clock.Now()
	if refresh {
		c.entries.Add(streamID, &entry{image: append([]byte(nil), payload...), updated: now})
		return nil
	}

	raw, ok := c.entries.Get(streamID)
	if !ok || c.expired(raw.(*entry), now) {
		metrics.IncrCounter([]string{"cache", "orphan_update"}, 1)
		return fmt.Errorf("%w: no image for stream %d", structs.ErrNotFound, streamID)
	}
	e := raw.(*entry)
	image, err := c.opts.Merge(e.image, payload)
	if err != nil {
		return fmt.Errorf("failed to apply update to stream %d: %w", streamID, err)
	}
	c.entries.Add(streamID, &entry{image: append([]byte(nil), image...), updated: now})
	return nil
}

func (c *LRU) Retrieve(streamID int32) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	raw, ok := c.entries.Get(streamID)
	if !ok {
		metrics.IncrCounter([]string{"cache", "miss"}, 1)
		return nil, structs.ErrNotFound
	}
	e := raw.(*entry)
	if c.expired(e, c.opts.Clock.Now()) {
		c.entries.Remove(streamID)
		metrics.IncrCounter([]string{"cache", "expired"}, 1)
		return nil, structs.ErrNotFound
	}
	metrics.IncrCounter([]string{"cache", "hit"}, 1)
	return append([]byte(nil), e.image...), nil
}

func (c *LRU) Remove(streamID int32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries.Remove(streamID)
}

// Len returns the number of stored images, expired ones included.
func (c *LRU) Len() int {
	return c.entries.Len()
}

func (c *LRU) expired(e *entry, now time.Time) bool {
	return c.opts.ExpiryTime > 0 && now.Sub(e.updated) >= c.opts.ExpiryTime
}
