// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package reactor

import (
	"context"
	"fmt"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/hashicorp/feedmux/agent/channel"
	"github.com/hashicorp/feedmux/agent/pool"
	"github.com/hashicorp/feedmux/agent/router"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/transport"
	"github.com/hashicorp/feedmux/agent/tunnel"
	"github.com/hashicorp/feedmux/agent/watchlist"
)

// Connect creates a consumer channel handle and starts connecting it to the
// preferred endpoint, or the first one. Connection failures are reported as
// channel events and retried according to the reconnect options. An
// endpoint address that cannot be used at all fails with a
// *structs.ConnectionError.
func (r *Reactor) Connect(opts ChannelOptions) (*ChannelHandle, error) {
	if r.shutdown.Load() {
		return nil, structs.ErrShutdown
	}
	for _, ep := range opts.Endpoints {
		if err := transport.ValidateAddress(ep.Address); err != nil {
			return nil, err
		}
	}
	if opts.ReconnectMinDelay <= 0 {
		opts.ReconnectMinDelay = DefaultReconnectMinDelay
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if opts.ReconnectMaxDelay < opts.ReconnectMinDelay {
		opts.ReconnectMaxDelay = opts.ReconnectMinDelay
	}
	if opts.ReconnectAttemptLimit < UnlimitedReconnects {
		return nil, fmt.Errorf("%w: reconnect attempt limit %d", structs.ErrInvalidArgument, opts.ReconnectAttemptLimit)
	}

	rm, err := router.New(opts.Endpoints, opts.PreferredHost, r.opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", structs.ErrInvalidArgument, err)
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}

	h := r.newHandle(id, structs.RoleConsumer, opts)
	h.router = rm
	h.backoff = &backoff.Backoff{
		Min:    opts.ReconnectMinDelay,
		Max:    opts.ReconnectMaxDelay,
		Factor: 2,
		Jitter: false,
	}
	h.watchlist, err = watchlist.New(watchlist.Config{
		Sender: handleSender{h},
		NextID: h.allocStreamID,
		Logger: r.opts.Logger.With("channel", id),
	})
	if err != nil {
		return nil, err
	}
	h.tunnels, err = tunnel.NewManager(tunnel.Config{
		Role:   structs.RoleConsumer,
		Sender: handleSender{h},
		NextID: h.allocStreamID,
		Pool:   r.pool,
		Owner:  pool.Owner(id),
		Logger: r.opts.Logger.With("channel", id),
	})
	if err != nil {
		return nil, err
	}

	r.handles[id] = h
	r.logger.Info("channel created", "channel", id, "endpoints", len(opts.Endpoints))
	r.connect(h)
	return h, nil
}

func (r *Reactor) newHandle(id string, role structs.Role, opts ChannelOptions) *ChannelHandle {
	return &ChannelHandle{
		r:         r,
		id:        id,
		role:      role,
		opts:      opts,
		callbacks: make(map[int32]MessageFunc),
		warnings:  rate.NewLimiter(r.opts.WarningRate, r.opts.WarningBurst),
	}
}

// connect starts an attempt on the router's current endpoint.
func (r *Reactor) connect(h *ChannelHandle) {
	ep := h.router.Current()
	h.generation++
	ch, err := channel.New(channel.Config{
		ID:              fmt.Sprintf("%s/%d", h.id, h.generation),
		Role:            structs.RoleConsumer,
		Address:         ep.Address,
		ProtocolVersion: r.opts.ProtocolVersion,
		PingInterval:    h.opts.PingInterval,
		WriteQueueSize:  h.opts.WriteQueueSize,
		Component:       r.opts.Component,
		Pool:            r.pool,
		Clock:           r.clock,
		Logger:          r.opts.Logger,
	}, r.events)
	if err != nil {
		r.handleDown(h, err)
		return
	}
	if err := ch.StartConnecting(); err != nil {
		r.handleDown(h, err)
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	h.ch = ch
	h.endpoint = ep
	h.dialCancel = cancel
	r.channels[ch] = h

	r.logger.Debug("connecting", "channel", h.id, "endpoint", ep, "attempt", h.attempts+1)
	r.emit(h, EventConnecting, nil)

	r.wg.Add(1)
	go r.dial(ctx, h, ch, ep)
}

func (r *Reactor) dial(ctx context.Context, h *ChannelHandle, ch *channel.Channel, ep router.Endpoint) {
	defer r.wg.Done()

	conn, err := r.dialer.Dial(ctx, ep.Transport, ep.Address)
	select {
	case r.dials <- dialResult{h: h, ch: ch, conn: conn, err: err}:
	case <-r.ctx.Done():
		if conn != nil {
			conn.Close()
		}
	}
}

func (r *Reactor) handleDial(res dialResult) {
	h := res.h
	if h.ch != res.ch {
		// The attempt was abandoned.
		if res.conn != nil {
			res.conn.Close()
		}
		return
	}
	if h.dialCancel != nil {
		h.dialCancel()
		h.dialCancel = nil
	}
	if res.err != nil {
		r.channelFailed(h, res.err)
		return
	}
	if err := res.ch.HandleTransportUp(res.conn); err != nil {
		r.channelFailed(h, err)
	}
}

func (r *Reactor) handleEvent(ev channel.Event) {
	h, ok := r.channels[ev.Channel]
	if !ok || h.ch != ev.Channel {
		return
	}
	if ev.Err != nil {
		r.channelFailed(h, ev.Err)
		return
	}

	wasActive := h.ch.Active()
	msg, err := h.ch.HandleMessage(ev.Msg)
	if err != nil {
		r.channelFailed(h, err)
		return
	}
	if !wasActive && h.ch.Active() {
		r.channelUp(h)
	}
	if msg != nil {
		r.route(h, msg)
	}
}

func (r *Reactor) channelUp(h *ChannelHandle) {
	h.attempts = 0
	h.reconnectAt = time.Time{}
	if h.backoff != nil {
		h.backoff.Reset()
	}
	r.logger.Info("channel up",
		"channel", h.id,
		"endpoint", h.endpoint,
		"ping_interval", h.ch.PingInterval(),
	)
	r.emit(h, EventUp, nil)
	if h.fallingBack {
		h.fallingBack = false
		metrics.IncrCounter([]string{"reactor", "fallbacks"}, 1)
		r.emit(h, EventFallbackComplete, nil)
	}
	if h.ch == nil || !h.ch.Active() {
		return
	}

	if h.watchlist != nil {
		if err := h.watchlist.OnChannelActive(); err != nil && !structs.IsErrNoResources(err) {
			r.warn(h, fmt.Errorf("failed to replay requests: %w", err))
		}
	}
	if err := h.tunnels.OnChannelActive(); err != nil && !structs.IsErrNoResources(err) {
		r.warn(h, fmt.Errorf("failed to reopen tunnel streams: %w", err))
	}
	r.scheduleDetection(h)
}

func (r *Reactor) scheduleDetection(h *ChannelHandle) {
	h.detectAt = time.Time{}
	if h.router == nil || h.router.OnPreferred() || h.router.Overridden() {
		return
	}
	h.detectAt = h.router.NextDetection(r.clock.Now())
}

// closeChannel tears down the current channel of h, if any, and tells the
// stream managers.
func (r *Reactor) closeChannel(h *ChannelHandle, reason error) {
	if h.dialCancel != nil {
		h.dialCancel()
		h.dialCancel = nil
	}
	if ch := h.ch; ch != nil {
		delete(r.channels, ch)
		h.ch = nil
		ch.Close(reason)
	}
	h.detectAt = time.Time{}
	if h.watchlist != nil {
		h.watchlist.OnChannelDown()
	}
	if h.tunnels != nil {
		h.tunnels.OnChannelDown()
	}
}

// channelFailed handles the involuntary loss of a channel.
func (r *Reactor) channelFailed(h *ChannelHandle, err error) {
	if structs.IsErrPingTimeout(err) {
		metrics.IncrCounter([]string{"reactor", "ping_timeouts"}, 1)
	}
	r.closeChannel(h, err)
	h.fallingBack = false

	if h.role == structs.RoleProvider {
		r.handleDown(h, err)
		return
	}

	h.attempts++
	limit := h.opts.ReconnectAttemptLimit
	if limit != UnlimitedReconnects && h.attempts > limit {
		r.logger.Error("reconnect attempt limit reached", "channel", h.id, "attempts", h.attempts, "error", err)
		r.handleDown(h, err)
		return
	}

	delay := h.backoff.Duration()
	next := h.router.NotifyFailed()
	h.reconnectAt = r.clock.Now().Add(delay)
	metrics.IncrCounter([]string{"reactor", "reconnects"}, 1)
	r.logger.Warn("channel down, reconnecting",
		"channel", h.id,
		"endpoint", h.endpoint,
		"next_endpoint", next,
		"delay", delay,
		"error", err,
	)
	r.emit(h, EventDownReconnecting, err)
}

// handleDown reports the handle down for good and closes its streams.
func (r *Reactor) handleDown(h *ChannelHandle, err error) {
	if h.down {
		return
	}
	h.down = true
	r.closeChannel(h, err)
	h.reconnectAt = time.Time{}
	r.emit(h, EventDown, err)

	r.closeStreams(h, structs.StreamStatus{
		Stream: structs.StreamStateClosed,
		Data:   structs.DataStateSuspect,
		Text:   "channel down",
	})
	r.removeHandle(h)
}

// closeStreams tells every caller stream and tunnel stream of h that it is
// closed.
func (r *Reactor) closeStreams(h *ChannelHandle, status structs.StreamStatus) {
	if h.tunnels != nil {
		h.tunnels.Shutdown()
	}
	if h.watchlist == nil {
		return
	}
	wl := h.watchlist
	h.watchlist = nil
	for _, callerID := range wl.CallerIDs() {
		info, _ := wl.Stream(callerID)
		cb := h.callbacks[callerID]
		if cb == nil {
			cb = h.opts.OnMessage
		}
		if h.opts.Cache != nil {
			h.opts.Cache.Remove(callerID)
		}
		if cb != nil {
			cb(h, &structs.Status{StreamID: callerID, Domain: info.Domain, Status: status})
		}
	}
	h.callbacks = make(map[int32]MessageFunc)
}

func (r *Reactor) removeHandle(h *ChannelHandle) {
	delete(r.handles, h.id)
	if h.listener != nil {
		delete(h.listener.handles, h)
	}
}

// fallback moves h back to its preferred endpoint. A connected handle is
// closed voluntarily and reconnected at once; otherwise the next attempt
// goes there.
func (r *Reactor) fallback(h *ChannelHandle) {
	target := h.router.Fallback()
	if h.ch == nil || !h.ch.Active() {
		return
	}
	if target == h.endpoint {
		r.scheduleDetection(h)
		return
	}
	r.logger.Info("falling back to preferred endpoint", "channel", h.id, "from", h.endpoint, "to", target)
	r.emit(h, EventFallbackStarting, nil)
	h.fallingBack = true
	r.moveTo(h)
}

// moveTo reconnects h to the router's current endpoint without counting an
// attempt or backing off.
func (r *Reactor) moveTo(h *ChannelHandle) {
	fallingBack := h.fallingBack
	r.closeChannel(h, structs.ErrVoluntaryFailover)
	h.fallingBack = fallingBack
	h.reconnectAt = time.Time{}
	r.emit(h, EventDownReconnecting, nil)
	r.connect(h)
}

// SwitchEndpoint moves a consumer handle to the endpoint at index. The
// override lasts until the preferred host fallback interval expires or
// FallbackPreferredHost is called.
func (r *Reactor) SwitchEndpoint(h *ChannelHandle, index int) error {
	if err := r.checkConsumer(h); err != nil {
		return err
	}
	ep, err := h.router.Override(index, r.clock.Now())
	if err != nil {
		return err
	}
	if h.ch == nil {
		r.logger.Debug("endpoint override recorded for next attempt", "channel", h.id, "endpoint", ep)
		return nil
	}
	if ep == h.endpoint {
		return nil
	}
	r.logger.Info("switching endpoint", "channel", h.id, "from", h.endpoint, "to", ep)
	r.moveTo(h)
	return nil
}

// FallbackPreferredHost moves a consumer handle to its preferred endpoint
// now, without waiting for detection.
func (r *Reactor) FallbackPreferredHost(h *ChannelHandle) error {
	if err := r.checkConsumer(h); err != nil {
		return err
	}
	if !h.router.Preferences().Enabled {
		return fmt.Errorf("%w: preferred host is not enabled on channel %s", structs.ErrInvalidArgument, h.id)
	}
	r.fallback(h)
	return nil
}

// Reconfigure replaces the endpoint list and preferences of a consumer
// handle. The channel only moves when its current endpoint is gone, or when
// the new preferences make detection due.
func (r *Reactor) Reconfigure(h *ChannelHandle, endpoints []router.Endpoint, prefs router.PreferredHostOptions) error {
	if err := r.checkConsumer(h); err != nil {
		return err
	}
	for _, ep := range endpoints {
		if err := transport.ValidateAddress(ep.Address); err != nil {
			return err
		}
	}
	moved, err := h.router.Reconfigure(endpoints, prefs)
	if err != nil {
		return fmt.Errorf("%w: %v", structs.ErrInvalidArgument, err)
	}
	h.opts.Endpoints = endpoints
	h.opts.PreferredHost = prefs
	r.logger.Info("endpoints reconfigured", "channel", h.id, "endpoints", len(endpoints), "moved", moved)

	if moved && h.ch != nil {
		r.moveTo(h)
		return nil
	}
	if h.ch != nil && h.ch.Active() {
		r.scheduleDetection(h)
	}
	return nil
}

// CloseChannel closes a handle for good. Its streams are closed without
// notifying the provider, and no further events are raised.
func (r *Reactor) CloseChannel(h *ChannelHandle) error {
	if h == nil || h.r != r {
		return fmt.Errorf("%w: handle does not belong to this reactor", structs.ErrInvalidArgument)
	}
	if h.closed || h.down {
		return nil
	}
	h.closed = true
	if h.tunnels != nil {
		h.tunnels.Shutdown()
	}
	r.closeChannel(h, nil)
	h.reconnectAt = time.Time{}
	if h.opts.Cache != nil && h.watchlist != nil {
		for _, callerID := range h.watchlist.CallerIDs() {
			h.opts.Cache.Remove(callerID)
		}
	}
	r.removeHandle(h)
	r.logger.Info("channel closed by application", "channel", h.id)
	return nil
}

func (r *Reactor) checkConsumer(h *ChannelHandle) error {
	if h == nil || h.r != r {
		return fmt.Errorf("%w: handle does not belong to this reactor", structs.ErrInvalidArgument)
	}
	if h.closed || h.down {
		return structs.ErrChannelClosed
	}
	if h.router == nil {
		return fmt.Errorf("%w: channel %s is not a consumer", structs.ErrInvalidArgument, h.id)
	}
	return nil
}
