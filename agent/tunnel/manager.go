// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tunnel implements tunnel streams: point to point message streams
// with a negotiated class of service, fragmentation, flow control and
// optionally guaranteed delivery, carried on a channel next to the
// watchlist streams.
package tunnel

import (
	"fmt"
	"sort"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/feedmux/agent/pool"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/logging"
)

// Sender is the channel tunnel messages are written to.
type Sender interface {
	Write(msg structs.Message) error
	Active() bool
}

// AcceptFunc decides whether a provider accepts an open request after the
// class of service was negotiated. The returned options supply the
// stream's callbacks.
type AcceptFunc func(open *structs.TunnelOpen) (Options, bool)

type Config struct {
	Role   structs.Role
	Sender Sender

	// NextID allocates stream ids for consumer streams. It is shared with
	// the watchlist of the same channel.
	NextID func() int32

	Pool *pool.BufferPool

	// Owner prefixes the pool owner tag of every stream.
	Owner pool.Owner

	// Supported is the class of service a provider offers per domain.
	// Open requests for other domains are refused.
	Supported map[structs.DomainType]structs.ClassOfService

	// Accept is consulted by providers. A nil Accept takes every stream
	// that negotiated successfully.
	Accept AcceptFunc

	// Sessions parks provider guaranteed streams across channels.
	Sessions *SessionStore

	Logger hclog.Logger
}

// Manager owns the tunnel streams of one channel. It is not safe for
// concurrent use.
type Manager struct {
	role     structs.Role
	sender   Sender
	nextID   func() int32
	pool     *pool.BufferPool
	owner    pool.Owner
	accept   AcceptFunc
	sessions *SessionStore
	logger   hclog.Logger

	supported map[structs.DomainType]structs.ClassOfService
	streams   map[int32]*Stream
}

func NewManager(config Config) (*Manager, error) {
	if config.Sender == nil || config.Pool == nil {
		return nil, fmt.Errorf("%w: tunnel manager requires a sender and a buffer pool", structs.ErrInvalidArgument)
	}
	if config.Role == 0 {
		config.Role = structs.RoleConsumer
	}
	if config.Role == structs.RoleConsumer && config.NextID == nil {
		return nil, fmt.Errorf("%w: consumer tunnel manager requires an id allocator", structs.ErrInvalidArgument)
	}
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	return &Manager{
		role:      config.Role,
		sender:    config.Sender,
		nextID:    config.NextID,
		pool:      config.Pool,
		owner:     config.Owner,
		accept:    config.Accept,
		sessions:  config.Sessions,
		logger:    config.Logger.Named(logging.Tunnel),
		supported: config.Supported,
		streams:   make(map[int32]*Stream),
	}, nil
}

func (m *Manager) newStream(id int32, opts Options) *Stream {
	return &Stream{
		m:      m,
		id:     id,
		opts:   opts,
		role:   m.role,
		owner:  pool.Owner(fmt.Sprintf("%s/tunnel/%d", m.owner, id)),
		leased: make(map[*pool.Buffer]int),
	}
}

// Open requests a consumer tunnel stream. The stream is REQUESTED until the
// provider accepts or refuses it; the request is sent once the channel is
// active.
func (m *Manager) Open(opts Options) (*Stream, error) {
	if m.role != structs.RoleConsumer {
		return nil, fmt.Errorf("%w: only consumers open tunnel streams", structs.ErrInvalidArgument)
	}
	if opts.Domain == 0 {
		return nil, fmt.Errorf("%w: tunnel stream domain is required", structs.ErrInvalidArgument)
	}
	opts.ClassOfService.Finalize()
	if opts.Filter == 0 {
		opts.Filter = opts.ClassOfService.Filter()
	}
	if err := ValidateFilter(opts.Filter); err != nil {
		return nil, err
	}

	s := m.newStream(m.nextID(), opts)
	s.filter = opts.Filter
	s.cos = opts.ClassOfService
	s.state = StateRequested
	if err := m.sendOpen(s, false); err != nil {
		return nil, err
	}
	m.streams[s.id] = s
	return s, nil
}

func (m *Manager) sendOpen(s *Stream, resume bool) error {
	if !m.sender.Active() {
		s.needOpen = true
		return nil
	}
	err := m.sender.Write(&structs.TunnelOpen{
		StreamID:       s.id,
		Domain:         s.opts.Domain,
		ServiceID:      s.opts.ServiceID,
		Name:           s.opts.Name,
		Filter:         s.filter,
		ClassOfService: s.opts.ClassOfService,
		Resume:         resume,
	})
	if err != nil {
		return err
	}
	s.needOpen = false
	m.logger.Debug("tunnel stream requested", "stream_id", s.id, "name", s.opts.Name, "resume", resume)
	return nil
}

// Stream returns an open or pending stream by id.
func (m *Manager) Stream(id int32) (*Stream, bool) {
	s, ok := m.streams[id]
	return s, ok
}

// Len returns the number of streams.
func (m *Manager) Len() int {
	return len(m.streams)
}

func (m *Manager) sorted() []*Stream {
	out := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// OnMessage handles an inbound tunnel message. Messages for unknown streams
// are dropped.
func (m *Manager) OnMessage(msg structs.Message) error {
	if open, ok := msg.(*structs.TunnelOpen); ok {
		return m.onOpen(open)
	}

	id := structs.StreamIDOf(msg)
	s, ok := m.streams[id]
	if !ok {
		m.logger.Debug("dropping message for unknown tunnel stream", "stream_id", id, "type", msg.Type())
		return nil
	}

	switch v := msg.(type) {
	case *structs.TunnelAccept:
		return m.onAccept(s, v)
	case *structs.TunnelStatus:
		m.onStatus(s, v)
	case *structs.TunnelClose:
		return m.onClose(s, v)
	case *structs.TunnelData:
		s.onData(v)
	case *structs.TunnelAck:
		return s.onAck(v)
	default:
		return fmt.Errorf("%w: %s is not a tunnel message", structs.ErrInvalidArgument, msg.Type())
	}
	return nil
}

func (m *Manager) reject(open *structs.TunnelOpen, status structs.StreamStatus, cos *structs.ClassOfService) error {
	return m.sender.Write(&structs.TunnelStatus{
		StreamID:       open.StreamID,
		Domain:         open.Domain,
		Status:         status,
		ClassOfService: cos,
	})
}

// onOpen negotiates a consumer's open request in a single round trip.
func (m *Manager) onOpen(open *structs.TunnelOpen) error {
	if m.role != structs.RoleProvider {
		m.logger.Warn("consumer received a tunnel open request", "stream_id", open.StreamID)
		return nil
	}
	if _, ok := m.streams[open.StreamID]; ok {
		return m.reject(open, structs.StreamStatus{
			Stream: structs.StreamStateClosed,
			Data:   structs.DataStateSuspect,
			Code:   structs.StatusCodeAlreadyOpen,
			Text:   "stream id already open",
		}, nil)
	}
	supported, ok := m.supported[open.Domain]
	if !ok {
		return m.reject(open, structs.StreamStatus{
			Stream: structs.StreamStateClosed,
			Data:   structs.DataStateSuspect,
			Code:   structs.StatusCodeNotFound,
			Text:   fmt.Sprintf("no tunnel streams for domain %s", open.Domain),
		}, nil)
	}
	supported.Finalize()

	cos, err := Negotiate(open.ClassOfService, open.Filter, supported)
	if err != nil {
		metrics.IncrCounter([]string{"tunnel", "redirected"}, 1)
		m.logger.Info("redirecting tunnel stream", "stream_id", open.StreamID, "name", open.Name, "error", err)
		return m.reject(open, structs.StreamStatus{
			Stream: structs.StreamStateRedirected,
			Data:   structs.DataStateSuspect,
			Code:   structs.StatusCodeUsageError,
			Text:   err.Error(),
		}, &supported)
	}

	var opts Options
	if m.accept != nil {
		if opts, ok = m.accept(open); !ok {
			return m.reject(open, structs.StreamStatus{
				Stream: structs.StreamStateClosed,
				Data:   structs.DataStateSuspect,
				Code:   structs.StatusCodeNotEntitled,
				Text:   "tunnel stream refused",
			}, nil)
		}
	}
	opts.Name = open.Name
	opts.Domain = open.Domain
	opts.ServiceID = open.ServiceID
	opts.ClassOfService = cos
	opts.Filter = open.Filter

	s := m.newStream(open.StreamID, opts)
	s.filter = open.Filter
	s.cos = cos
	s.peerRecvWindow = open.ClassOfService.FlowControl.RecvWindowSize
	if s.Guaranteed() && m.sessions != nil {
		// Only a reopen carries on a parked session. A fresh stream with
		// the same identity starts its message ids over.
		if !open.Resume {
			m.sessions.forget(s.key())
		} else if sess, ok := m.sessions.resume(s.key()); ok {
			s.restore(sess)
			m.logger.Debug("resumed guaranteed tunnel session", "stream_id", s.id, "name", s.opts.Name,
				"delivered", sess.delivered, "unacked", len(sess.unacked))
		}
	}

	if err := m.sender.Write(&structs.TunnelAccept{StreamID: s.id, Domain: s.opts.Domain, ClassOfService: cos}); err != nil {
		if s.Guaranteed() && m.sessions != nil {
			m.sessions.park(s.key(), s.park())
		}
		return err
	}
	s.state = StateOpen
	m.streams[s.id] = s
	metrics.IncrCounter([]string{"tunnel", "opened"}, 1)
	m.logger.Debug("tunnel stream accepted", "stream_id", s.id, "name", s.opts.Name, "cos", cos)

	m.notify(s, StatusEvent{State: StateOpen, Status: structs.StreamStatus{Stream: structs.StreamStateOpen, Data: structs.DataStateOK}})
	s.retransmit()
	return s.pump()
}

func (m *Manager) onAccept(s *Stream, accept *structs.TunnelAccept) error {
	if s.state != StateRequested {
		m.logger.Warn("unexpected tunnel accept", "stream_id", s.id, "state", s.state)
		return nil
	}
	cos := accept.ClassOfService
	cos.Finalize()

	// Windows stay our own; the provider's receive window caps our sends.
	own := s.opts.ClassOfService.FlowControl
	s.peerRecvWindow = cos.FlowControl.RecvWindowSize
	cos.FlowControl.RecvWindowSize = own.RecvWindowSize
	cos.FlowControl.SendWindowSize = own.SendWindowSize
	s.cos = cos
	s.state = StateOpen
	s.opened = true
	metrics.IncrCounter([]string{"tunnel", "opened"}, 1)
	m.logger.Debug("tunnel stream open", "stream_id", s.id, "name", s.opts.Name, "cos", cos)

	m.notify(s, StatusEvent{State: StateOpen, Status: structs.StreamStatus{Stream: structs.StreamStateOpen, Data: structs.DataStateOK}})
	s.retransmit()
	return s.pump()
}

func (m *Manager) onStatus(s *Stream, status *structs.TunnelStatus) {
	ev := StatusEvent{Status: status.Status, ClassOfService: status.ClassOfService}
	switch {
	case status.Status.Terminal():
		ev.State = StateClosed
	case status.Status.Recoverable():
		ev.State = StateClosedRecover
	default:
		ev.State = s.state
		m.notify(s, ev)
		return
	}
	if status.Status.Stream == structs.StreamStateRedirected {
		m.logger.Warn("tunnel stream redirected", "stream_id", s.id, "name", s.opts.Name, "reason", status.Status.Text)
	}
	s.reclaim()
	m.finalize(s, ev)
}

func (m *Manager) onClose(s *Stream, c *structs.TunnelClose) error {
	var err error
	if !c.Confirm && !s.closing {
		err = m.sender.Write(&structs.TunnelClose{StreamID: s.id, Domain: s.opts.Domain, Confirm: true})
	}
	if s.role == structs.RoleProvider && m.sessions != nil {
		m.sessions.forget(s.key())
	}
	s.reclaim()
	m.finalize(s, StatusEvent{
		State:  StateClosed,
		Status: structs.StreamStatus{Stream: structs.StreamStateClosed, Data: structs.DataStateSuspect, Text: "stream closed"},
	})
	return err
}

// finalize removes a stream and reports its last state.
func (m *Manager) finalize(s *Stream, ev StatusEvent) {
	s.state = ev.State
	s.closing = false
	delete(m.streams, s.id)
	metrics.IncrCounter([]string{"tunnel", "closed"}, 1)
	m.logger.Debug("tunnel stream closed", "stream_id", s.id, "name", s.opts.Name, "state", ev.State)
	m.notify(s, ev)
}

func (m *Manager) notify(s *Stream, ev StatusEvent) {
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(s, ev)
	}
}

// Flush sends pending acknowledgements and any fragments the windows now
// allow. It runs at the end of every dispatch pass.
func (m *Manager) Flush() error {
	if !m.sender.Active() {
		return nil
	}
	var result error
	for _, s := range m.sorted() {
		if err := s.flushAck(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stream %d: %w", s.id, err))
			continue
		}
		if err := s.pump(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stream %d: %w", s.id, err))
		}
	}
	return result
}

// OnChannelDown handles the loss of the channel. Consumer guaranteed
// streams wait to be reopened; provider guaranteed streams are parked in
// the session store. Every other stream is closed as recoverable.
func (m *Manager) OnChannelDown() {
	for _, s := range m.sorted() {
		if s.closing {
			s.reclaim()
			m.finalize(s, StatusEvent{
				State:  StateClosed,
				Status: structs.StreamStatus{Stream: structs.StreamStateClosed, Data: structs.DataStateSuspect, Text: "stream closed"},
			})
			continue
		}
		if s.Guaranteed() && s.role == structs.RoleConsumer {
			s.resetSequence()
			s.state = StateRequested
			s.needOpen = true
			continue
		}
		if s.Guaranteed() && m.sessions != nil {
			m.sessions.park(s.key(), s.park())
		}
		s.reclaim()
		m.finalize(s, StatusEvent{
			State: StateClosedRecover,
			Status: structs.StreamStatus{
				Stream: structs.StreamStateClosedRecover,
				Data:   structs.DataStateSuspect,
				Text:   "channel down",
			},
		})
	}
}

// OnChannelActive reopens the guaranteed streams that waited for a channel
// and sends open requests made while it was down.
func (m *Manager) OnChannelActive() error {
	var result error
	for _, s := range m.sorted() {
		if !s.needOpen {
			continue
		}
		resume := s.opened || s.delivered > 0 || s.nextMsgID > 0
		if err := m.sendOpen(s, resume); err != nil {
			result = multierror.Append(result, fmt.Errorf("stream %d: %w", s.id, err))
		}
	}
	return result
}

// Shutdown closes every stream locally without notifying the peer.
func (m *Manager) Shutdown() {
	for _, s := range m.sorted() {
		s.reclaim()
		m.finalize(s, StatusEvent{
			State:  StateClosed,
			Status: structs.StreamStatus{Stream: structs.StreamStateClosed, Data: structs.DataStateSuspect, Text: "channel closed"},
		})
	}
}
