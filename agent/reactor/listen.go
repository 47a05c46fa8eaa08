// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package reactor

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/feedmux/agent/channel"
	"github.com/hashicorp/feedmux/agent/pool"
	"github.com/hashicorp/feedmux/agent/router"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/transport"
	"github.com/hashicorp/feedmux/agent/tunnel"
	"github.com/hashicorp/feedmux/logging"
	"github.com/hashicorp/feedmux/tlsutil"
)

// ListenOptions describe a provider listener. Every accepted connection
// becomes a provider handle.
type ListenOptions struct {
	Address   string
	Transport transport.Kind
	TLS       *tlsutil.Configurator

	// WebSocketPath is the HTTP path websocket upgrades are served on.
	WebSocketPath string

	// Listener is used instead of opening Address when set.
	Listener net.Listener

	PingInterval   time.Duration
	WriteQueueSize int

	// Tunnels is the class of service offered per tunnel stream domain.
	Tunnels map[structs.DomainType]structs.ClassOfService

	// AcceptTunnel decides on tunnel streams that negotiated successfully
	// and supplies their callbacks.
	AcceptTunnel tunnel.AcceptFunc

	OnEvent   ChannelEventFunc
	OnMessage MessageFunc
	UserSpec  interface{}
}

// Listener accepts provider connections.
type Listener struct {
	r       *Reactor
	opts    ListenOptions
	ln      net.Listener
	handles map[*ChannelHandle]struct{}
	closed  bool
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Handles returns the provider handles accepted by this listener.
func (l *Listener) Handles() []*ChannelHandle {
	out := make([]*ChannelHandle, 0, len(l.handles))
	for _, h := range l.r.Handles() {
		if _, ok := l.handles[h]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Close stops accepting. Accepted channels stay up.
func (l *Listener) Close() error {
	delete(l.r.listeners, l)
	return l.close()
}

func (l *Listener) close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.ln.Close()
}

// Listen starts accepting provider connections.
func (r *Reactor) Listen(opts ListenOptions) (*Listener, error) {
	if r.shutdown.Load() {
		return nil, structs.ErrShutdown
	}
	ln := opts.Listener
	if ln == nil {
		var err error
		ln, err = transport.Listen(opts.Transport, opts.Address, opts.TLS, opts.WebSocketPath, r.opts.Logger)
		if err != nil {
			return nil, &structs.ConnectionError{Address: opts.Address, Err: err}
		}
	}

	l := &Listener{
		r:       r,
		opts:    opts,
		ln:      ln,
		handles: make(map[*ChannelHandle]struct{}),
	}
	r.listeners[l] = struct{}{}
	r.logger.Named(logging.Listener).Info("listening", "address", ln.Addr(), "transport", opts.Transport)

	r.wg.Add(1)
	go r.acceptLoop(l)
	return l, nil
}

func (r *Reactor) acceptLoop(l *Listener) {
	defer r.wg.Done()
	logger := r.logger.Named(logging.Listener)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && r.ctx.Err() == nil {
				logger.Error("failed to accept connection", "address", l.ln.Addr(), "error", err)
			}
			return
		}
		select {
		case r.accepts <- accepted{l: l, conn: conn}:
		case <-r.ctx.Done():
			conn.Close()
			return
		}
	}
}

func (r *Reactor) handleAccept(a accepted) {
	l := a.l
	if l.closed {
		a.conn.Close()
		return
	}
	if err := r.accept(l, a.conn); err != nil {
		r.logger.Named(logging.Listener).Error("failed to accept connection",
			"remote", a.conn.RemoteAddr(),
			"error", err,
		)
		a.conn.Close()
	}
}

func (r *Reactor) accept(l *Listener, conn net.Conn) error {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return err
	}
	remote := conn.RemoteAddr().String()
	h := r.newHandle(id, structs.RoleProvider, ChannelOptions{
		PingInterval:   l.opts.PingInterval,
		WriteQueueSize: l.opts.WriteQueueSize,
		OnEvent:        l.opts.OnEvent,
		OnMessage:      l.opts.OnMessage,
		UserSpec:       l.opts.UserSpec,
	})
	h.listener = l
	h.endpoint = router.Endpoint{Address: remote, Transport: l.opts.Transport}
	h.tunnels, err = tunnel.NewManager(tunnel.Config{
		Role:      structs.RoleProvider,
		Sender:    handleSender{h},
		Pool:      r.pool,
		Owner:     pool.Owner(id),
		Supported: l.opts.Tunnels,
		Accept:    l.opts.AcceptTunnel,
		Sessions:  r.sessions,
		Logger:    r.opts.Logger.With("channel", id),
	})
	if err != nil {
		return err
	}

	ch, err := channel.New(channel.Config{
		ID:              id,
		Role:            structs.RoleProvider,
		Address:         remote,
		ProtocolVersion: r.opts.ProtocolVersion,
		PingInterval:    l.opts.PingInterval,
		WriteQueueSize:  l.opts.WriteQueueSize,
		Component:       r.opts.Component,
		Pool:            r.pool,
		Clock:           r.clock,
		Logger:          r.opts.Logger,
	}, r.events)
	if err != nil {
		return err
	}
	if err := ch.Accept(conn); err != nil {
		return fmt.Errorf("failed to start channel: %w", err)
	}

	h.ch = ch
	r.channels[ch] = h
	r.handles[id] = h
	l.handles[h] = struct{}{}
	metrics.IncrCounter([]string{"reactor", "accepted"}, 1)
	r.logger.Debug("connection accepted", "channel", id, "remote", remote)
	r.emit(h, EventConnecting, nil)
	return nil
}
