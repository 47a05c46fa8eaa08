// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package reactor drives every channel of an application from a single
// dispatch goroutine. It connects consumer channels and reconnects them
// according to their endpoint preferences, accepts provider channels, and
// forwards inbound stream messages to the watchlist and tunnel stream
// managers.
//
// All methods except Post and Wakeup must be called from the goroutine that
// calls Dispatch, including from inside callbacks. Callbacks run on that
// goroutine.
package reactor

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"

	"github.com/hashicorp/feedmux/agent/channel"
	"github.com/hashicorp/feedmux/agent/pool"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/transport"
	"github.com/hashicorp/feedmux/agent/tunnel"
	"github.com/hashicorp/feedmux/agent/watchlist"
	"github.com/hashicorp/feedmux/logging"
)

const (
	DefaultPostQueueSize  = 1024
	DefaultEventQueueSize = 1024

	// maxEventsPerPass bounds the events one Dispatch call drains after it
	// stopped blocking, so timers still run under constant load.
	maxEventsPerPass = 256

	defaultWarningRate  = rate.Limit(1)
	defaultWarningBurst = 10
)

// Options configure a Reactor.
type Options struct {
	// Pool is shared by every channel. A pool is created when nil and shut
	// down with the reactor.
	Pool *pool.BufferPool

	// Dialer opens consumer transports. Defaults to a transport.NetDialer.
	Dialer transport.Dialer

	Clock  clock.Clock
	Logger hclog.Logger

	// ProtocolVersion and Component are offered in every handshake.
	ProtocolVersion string
	Component       string

	// PostQueueSize bounds the functions waiting to run on the dispatch
	// goroutine.
	PostQueueSize int

	// EventQueueSize bounds the inbound events posted by channel
	// goroutines before they block.
	EventQueueSize int

	// SessionStoreSize is the number of provider guaranteed tunnel sessions
	// kept for consumers that reconnect.
	SessionStoreSize int

	// WarningRate and WarningBurst limit warning events per handle.
	WarningRate  rate.Limit
	WarningBurst int
}

type dialResult struct {
	h    *ChannelHandle
	ch   *channel.Channel
	conn net.Conn
	err  error
}

type accepted struct {
	l    *Listener
	conn net.Conn
}

type deferredDelivery struct {
	h *ChannelHandle
	d watchlist.Delivery
}

// Reactor owns a set of channel handles.
type Reactor struct {
	opts     Options
	logger   hclog.Logger
	clock    clock.Clock
	pool     *pool.BufferPool
	ownPool  bool
	dialer   transport.Dialer
	sessions *tunnel.SessionStore

	events  chan channel.Event
	dials   chan dialResult
	accepts chan accepted
	posts   chan func()
	wakeCh  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handles   map[string]*ChannelHandle
	channels  map[*channel.Channel]*ChannelHandle
	listeners map[*Listener]struct{}

	// deferred holds deliveries produced by Submit, handed to callbacks on
	// the next Dispatch rather than re-entrantly.
	deferred []deferredDelivery

	shutdown atomic.Bool
}

// New returns a Reactor without any channel.
func New(opts Options) (*Reactor, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PostQueueSize <= 0 {
		opts.PostQueueSize = DefaultPostQueueSize
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = DefaultEventQueueSize
	}
	if opts.WarningRate <= 0 {
		opts.WarningRate = defaultWarningRate
	}
	if opts.WarningBurst <= 0 {
		opts.WarningBurst = defaultWarningBurst
	}
	logger := opts.Logger.Named(logging.Reactor)

	r := &Reactor{
		opts:      opts,
		logger:    logger,
		clock:     opts.Clock,
		pool:      opts.Pool,
		dialer:    opts.Dialer,
		events:    make(chan channel.Event, opts.EventQueueSize),
		dials:     make(chan dialResult),
		accepts:   make(chan accepted),
		posts:     make(chan func(), opts.PostQueueSize),
		wakeCh:    make(chan struct{}, 1),
		handles:   make(map[string]*ChannelHandle),
		channels:  make(map[*channel.Channel]*ChannelHandle),
		listeners: make(map[*Listener]struct{}),
	}
	if r.pool == nil {
		r.pool = &pool.BufferPool{Logger: opts.Logger.Named(logging.Pool)}
		r.ownPool = true
	}
	if r.dialer == nil {
		r.dialer = &transport.NetDialer{Logger: opts.Logger}
	}
	sessions, err := tunnel.NewSessionStore(opts.SessionStoreSize)
	if err != nil {
		return nil, err
	}
	r.sessions = sessions
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Pool returns the buffer pool shared by the reactor's channels.
func (r *Reactor) Pool() *pool.BufferPool {
	return r.pool
}

// Handles returns every live handle ordered by id.
func (r *Reactor) Handles() []*ChannelHandle {
	out := make([]*ChannelHandle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Dispatch runs timers, then waits up to maxBlock for inbound events,
// completed connection attempts and posted functions, and processes what is
// ready. It returns the number of events processed, which is zero when
// nothing happened before the timeout.
func (r *Reactor) Dispatch(maxBlock time.Duration) (int, error) {
	if r.shutdown.Load() {
		return 0, structs.ErrShutdown
	}
	defer metrics.MeasureSince([]string{"reactor", "dispatch"}, time.Now())

	n := r.drainDeferred()
	n += r.runTimers()
	if n == 0 {
		wait := maxBlock
		if next := r.nextDeadline(); !next.IsZero() {
			if until := next.Sub(r.clock.Now()); until < wait {
				wait = until
			}
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case ev := <-r.events:
				r.handleEvent(ev)
				n++
			case res := <-r.dials:
				r.handleDial(res)
				n++
			case a := <-r.accepts:
				r.handleAccept(a)
				n++
			case fn := <-r.posts:
				fn()
				n++
			case <-r.wakeCh:
			case <-timer.C:
			}
			timer.Stop()
		}
		if r.shutdown.Load() {
			return n, nil
		}
		n += r.runTimers()
	}

	n += r.drainReady()
	if r.shutdown.Load() {
		return n, nil
	}
	n += r.drainDeferred()
	r.flush()

	metrics.SetGauge([]string{"reactor", "channels"}, float32(len(r.handles)))
	return n, nil
}

// drainReady processes what is ready without blocking.
func (r *Reactor) drainReady() int {
	n := 0
	for n < maxEventsPerPass && !r.shutdown.Load() {
		select {
		case ev := <-r.events:
			r.handleEvent(ev)
		case res := <-r.dials:
			r.handleDial(res)
		case a := <-r.accepts:
			r.handleAccept(a)
		case fn := <-r.posts:
			fn()
		default:
			return n
		}
		n++
	}
	return n
}

func (r *Reactor) drainDeferred() int {
	n := 0
	for len(r.deferred) > 0 && !r.shutdown.Load() {
		d := r.deferred[0]
		r.deferred = r.deferred[1:]
		if d.h.closed || d.h.down {
			continue
		}
		r.deliver(d.h, d.d)
		n++
	}
	r.deferred = nil
	return n
}

// runTimers drives keepalives, reconnects and endpoint fallback. It
// returns the number of timers that fired.
func (r *Reactor) runTimers() int {
	now := r.clock.Now()
	n := 0
	for _, h := range r.Handles() {
		if h.ch != nil {
			if err := h.ch.Tick(now); err != nil {
				r.channelFailed(h, err)
				n++
				continue
			}
		}
		if h.router == nil || h.down || h.closed {
			continue
		}
		switch {
		case !h.reconnectAt.IsZero() && !now.Before(h.reconnectAt):
			h.reconnectAt = time.Time{}
			r.connect(h)
			n++
		case h.router.FallbackDue(now):
			r.logger.Info("endpoint override expired", "channel", h.id)
			r.fallback(h)
			n++
		case !h.detectAt.IsZero() && !now.Before(h.detectAt):
			h.detectAt = time.Time{}
			if !h.router.OnPreferred() && !h.router.Overridden() {
				r.logger.Info("preferred host detection fired", "channel", h.id)
				r.fallback(h)
				n++
			}
		}
	}
	return n
}

func (r *Reactor) nextDeadline() time.Time {
	var next time.Time
	earliest := func(t time.Time) {
		if !t.IsZero() && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, h := range r.handles {
		if h.ch != nil {
			earliest(h.ch.NextDeadline())
		}
		earliest(h.reconnectAt)
		earliest(h.detectAt)
		if h.router != nil {
			earliest(h.router.FallbackAt())
		}
	}
	return next
}

// flush retries pending requests and tunnel traffic once per pass.
func (r *Reactor) flush() {
	for _, h := range r.Handles() {
		if h.ch == nil || !h.ch.Active() {
			continue
		}
		if h.watchlist != nil && h.watchlist.Pending() > 0 {
			if err := h.watchlist.Flush(); err != nil && !structs.IsErrNoResources(err) {
				r.warn(h, fmt.Errorf("failed to flush requests: %w", err))
			}
		}
		if err := h.tunnels.Flush(); err != nil && !structs.IsErrNoResources(err) {
			r.warn(h, fmt.Errorf("failed to flush tunnel streams: %w", err))
		}
	}
}

// Post queues fn to run on the dispatch goroutine. It may be called from
// any goroutine. A full queue returns ErrNoResources.
func (r *Reactor) Post(fn func()) error {
	if fn == nil {
		return fmt.Errorf("%w: nil function", structs.ErrInvalidArgument)
	}
	if r.shutdown.Load() {
		return structs.ErrShutdown
	}
	select {
	case r.posts <- fn:
		return nil
	default:
		metrics.IncrCounter([]string{"reactor", "post_rejected"}, 1)
		return fmt.Errorf("%w: post queue full", structs.ErrNoResources)
	}
}

// Wakeup makes a blocked Dispatch return. It may be called from any
// goroutine.
func (r *Reactor) Wakeup() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Shutdown closes every listener and channel and waits for the reactor's
// goroutines. Dispatch returns ErrShutdown afterwards.
func (r *Reactor) Shutdown() error {
	if r.shutdown.Swap(true) {
		return nil
	}
	r.logger.Info("shutting down", "channels", len(r.handles))

	var result error
	for l := range r.listeners {
		if err := l.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, h := range r.Handles() {
		if err := r.CloseChannel(h); err != nil {
			result = multierror.Append(result, fmt.Errorf("channel %s: %w", h.id, err))
		}
	}
	r.cancel()
	r.wg.Wait()
	r.deferred = nil

	if r.ownPool {
		if err := r.pool.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (r *Reactor) emit(h *ChannelHandle, t EventType, err error) {
	if h.opts.OnEvent == nil {
		return
	}
	h.opts.OnEvent(ChannelEvent{Type: t, Handle: h, Endpoint: h.endpoint, State: h.State(), Err: err})
}

// warn reports a problem that did not take the channel down. Warnings are
// rate limited per handle.
func (r *Reactor) warn(h *ChannelHandle, err error) {
	if !h.warnings.AllowN(r.clock.Now(), 1) {
		metrics.IncrCounter([]string{"reactor", "warnings_dropped"}, 1)
		return
	}
	r.logger.Warn("channel warning", "channel", h.id, "error", err)
	r.emit(h, EventWarning, err)
}
