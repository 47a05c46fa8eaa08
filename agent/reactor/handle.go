// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package reactor

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/hashicorp/feedmux/agent/cache"
	"github.com/hashicorp/feedmux/agent/channel"
	"github.com/hashicorp/feedmux/agent/router"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/tunnel"
	"github.com/hashicorp/feedmux/agent/watchlist"
)

const (
	DefaultReconnectMinDelay = time.Second
	DefaultReconnectMaxDelay = 30 * time.Second

	// UnlimitedReconnects disables the reconnect attempt limit.
	UnlimitedReconnects = -1
)

// ChannelOptions describe a consumer channel.
type ChannelOptions struct {
	Endpoints     []router.Endpoint
	PreferredHost router.PreferredHostOptions

	PingInterval time.Duration

	// ReconnectMinDelay is the first reconnect delay. Each further failed
	// attempt doubles it up to ReconnectMaxDelay.
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	// ReconnectAttemptLimit is the number of failed attempts after which
	// the handle is reported down. UnlimitedReconnects never gives up and
	// zero never reconnects.
	ReconnectAttemptLimit int

	WriteQueueSize int

	// Cache stores the latest image of every item stream when set.
	Cache cache.Store

	OnEvent   ChannelEventFunc
	OnMessage MessageFunc

	// UserSpec is handed back unchanged through the handle.
	UserSpec interface{}
}

// SubmitOptions apply to one submitted message.
type SubmitOptions struct {
	// OnMessage receives the messages of this request's stream instead of
	// the channel's default callback.
	OnMessage MessageFunc
}

// ChannelHandle is the application's view of a consumer channel across
// reconnections, or of one accepted provider connection.
type ChannelHandle struct {
	r    *Reactor
	id   string
	role structs.Role
	opts ChannelOptions

	router    *router.Manager
	watchlist *watchlist.Watchlist
	tunnels   *tunnel.Manager
	listener  *Listener

	// ch is the channel of the current connection attempt, nil while
	// waiting to reconnect.
	ch         *channel.Channel
	generation int
	endpoint   router.Endpoint
	dialCancel context.CancelFunc

	nextStreamID int32
	nextCallerID int32
	callbacks    map[int32]MessageFunc

	backoff     *backoff.Backoff
	attempts    int
	reconnectAt time.Time
	detectAt    time.Time
	fallingBack bool

	warnings *rate.Limiter

	down   bool
	closed bool
}

func (h *ChannelHandle) ID() string                { return h.id }
func (h *ChannelHandle) Role() structs.Role        { return h.role }
func (h *ChannelHandle) Endpoint() router.Endpoint { return h.endpoint }
func (h *ChannelHandle) UserSpec() interface{}     { return h.opts.UserSpec }

// State returns the state of the current channel. A handle waiting to
// reconnect, or one that is down, reports CLOSED.
func (h *ChannelHandle) State() channel.State {
	if h.ch == nil {
		return channel.StateClosed
	}
	return h.ch.State()
}

// PingInterval returns the negotiated ping interval of the current channel.
func (h *ChannelHandle) PingInterval() time.Duration {
	if h.ch == nil {
		return 0
	}
	return h.ch.PingInterval()
}

// Endpoints returns the endpoint list of a consumer handle.
func (h *ChannelHandle) Endpoints() []router.Endpoint {
	if h.router == nil {
		return nil
	}
	return h.router.Endpoints()
}

// Retrieve returns the cached image of a caller's item stream.
func (h *ChannelHandle) Retrieve(callerID int32) ([]byte, error) {
	if h.opts.Cache == nil {
		return nil, fmt.Errorf("%w: no cache configured on channel %s", structs.ErrInvalidArgument, h.id)
	}
	return h.opts.Cache.Retrieve(callerID)
}

// Stream describes the watchlist stream behind a caller stream id.
func (h *ChannelHandle) Stream(callerID int32) (watchlist.StreamInfo, bool) {
	if h.watchlist == nil {
		return watchlist.StreamInfo{}, false
	}
	return h.watchlist.Stream(callerID)
}

// TunnelStream returns a tunnel stream of the handle by id.
func (h *ChannelHandle) TunnelStream(id int32) (*tunnel.Stream, bool) {
	return h.tunnels.Stream(id)
}

func (h *ChannelHandle) allocStreamID() int32 {
	h.nextStreamID++
	return h.nextStreamID
}

// allocCallerID numbers requests submitted without a stream id. Reactor
// assigned caller ids are negative so they never collide with the
// application's own.
func (h *ChannelHandle) allocCallerID() int32 {
	h.nextCallerID--
	return h.nextCallerID
}

// handleSender points the stream managers at whichever channel is current.
type handleSender struct {
	h *ChannelHandle
}

func (s handleSender) Write(msg structs.Message) error {
	if s.h.ch == nil {
		return structs.ErrChannelNotActive
	}
	return s.h.ch.Write(msg)
}

func (s handleSender) Active() bool {
	return s.h.ch != nil && s.h.ch.Active()
}
