// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package consume

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"

	"github.com/hashicorp/feedmux/agent/config"
	"github.com/hashicorp/feedmux/agent/reactor"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/tunnel"
)

const (
	loginStreamID  int32 = 1
	sourceStreamID int32 = 2
	firstItemID    int32 = 10
)

// session is the consumer side of one run. Apart from reload, which goes
// through Post, it is only touched on the dispatch goroutine.
type session struct {
	ui     cli.Ui
	r      *reactor.Reactor
	h      *reactor.ChannelHandle
	logger hclog.Logger

	labels map[int32]string
	view   []string
	batch  bool

	tunnel  *config.TunnelConfig
	stream  *tunnel.Stream
	pending [][]byte

	down error
}

func (s *session) open(rt *config.RuntimeConfig, service string, items []item, tunnelName string, send []string) error {
	if tunnelName != "" {
		t, ok := rt.Tunnel(tunnelName)
		if !ok {
			return fmt.Errorf("no tunnel named %q in the configuration", tunnelName)
		}
		s.tunnel = &t
		for _, m := range send {
			s.pending = append(s.pending, []byte(m))
		}
	}

	c, err := rt.NewCache()
	if err != nil {
		return err
	}
	h, err := s.r.Connect(reactor.ChannelOptions{
		Endpoints:             rt.Endpoints,
		PreferredHost:         rt.PreferredHost,
		PingInterval:          rt.PingInterval,
		ReconnectMinDelay:     rt.ReconnectMinDelay,
		ReconnectMaxDelay:     rt.ReconnectMaxDelay,
		ReconnectAttemptLimit: rt.ReconnectAttemptLimit,
		WriteQueueSize:        rt.WriteQueueSize,
		Cache:                 c,
		OnEvent:               s.onEvent,
		OnMessage:             s.onMessage,
	})
	if err != nil {
		return err
	}
	s.h = h

	login := &structs.Request{
		StreamID:  loginStreamID,
		Domain:    structs.DomainLogin,
		Key:       structs.MsgKey{Name: rt.LoginUser},
		Streaming: true,
	}
	if err := s.submit(login, "login:"+rt.LoginUser); err != nil {
		return err
	}
	source := &structs.Request{
		StreamID:  sourceStreamID,
		Domain:    structs.DomainSource,
		Key:       structs.MsgKey{Name: service},
		Streaming: true,
	}
	if err := s.submit(source, "source"); err != nil {
		return err
	}
	if s.batch {
		return s.submitBatches(items)
	}
	for i, it := range items {
		req := &structs.Request{
			StreamID:  firstItemID + int32(i),
			Domain:    it.domain,
			Key:       structs.MsgKey{Name: it.name},
			Streaming: true,
			View:      s.view,
		}
		if err := s.submit(req, it.String()); err != nil {
			return err
		}
	}
	return nil
}

// submitBatches sends one batch request per domain, in the order the
// domains first appear. Each batch is followed by the ids of its items.
func (s *session) submitBatches(items []item) error {
	var domains []structs.DomainType
	byDomain := make(map[structs.DomainType][]item)
	for _, it := range items {
		if _, ok := byDomain[it.domain]; !ok {
			domains = append(domains, it.domain)
		}
		byDomain[it.domain] = append(byDomain[it.domain], it)
	}

	id := firstItemID
	for _, d := range domains {
		batch := byDomain[d]
		req := &structs.Request{
			StreamID:  id,
			Domain:    d,
			Streaming: true,
			View:      s.view,
		}
		for i, it := range batch {
			req.ItemList = append(req.ItemList, it.name)
			s.labels[id+int32(i)+1] = it.String()
		}
		if err := s.submit(req, "batch:"+d.String()); err != nil {
			return err
		}
		id += int32(len(batch)) + 1
	}
	return nil
}

func (s *session) submit(req *structs.Request, label string) error {
	if err := s.r.Submit(s.h, req, nil); err != nil {
		return fmt.Errorf("failed to request %s: %w", label, err)
	}
	s.labels[req.StreamID] = label
	return nil
}

func (s *session) onEvent(ev reactor.ChannelEvent) {
	switch ev.Type {
	case reactor.EventUp:
		s.ui.Info(fmt.Sprintf("Channel up on %s", ev.Endpoint.Address))
		s.openTunnel()
	case reactor.EventDownReconnecting:
		s.ui.Warn(fmt.Sprintf("Channel down on %s, reconnecting: %v", ev.Endpoint.Address, ev.Err))
	case reactor.EventDown:
		s.ui.Error(fmt.Sprintf("Channel down: %v", ev.Err))
		s.down = fmt.Errorf("channel is down: %w", ev.Err)
		if ev.Err == nil {
			s.down = errors.New("channel is down")
		}
	case reactor.EventFallbackStarting, reactor.EventFallbackComplete:
		s.ui.Info(fmt.Sprintf("%s: %s", ev.Type, ev.Endpoint.Address))
	case reactor.EventWarning:
		s.ui.Warn(fmt.Sprintf("Warning: %v", ev.Err))
	default:
		s.logger.Debug("channel event", "type", ev.Type, "endpoint", ev.Endpoint.Address)
	}
}

func (s *session) onMessage(_ *reactor.ChannelHandle, msg structs.Message) {
	id := structs.StreamIDOf(msg)
	label, ok := s.labels[id]
	if !ok {
		label = fmt.Sprintf("stream(%d)", id)
	}
	switch m := msg.(type) {
	case *structs.Refresh:
		s.ui.Output(fmt.Sprintf("refresh %s state=%s/%s complete=%t: %s",
			label, m.Status.Stream, m.Status.Data, m.Complete, m.Payload))
	case *structs.Update:
		s.ui.Output(fmt.Sprintf("update %s seq=%d: %s", label, m.SeqNum, m.Payload))
	case *structs.Status:
		s.ui.Output(fmt.Sprintf("status %s state=%s/%s %s",
			label, m.Status.Stream, m.Status.Data, m.Status.Text))
		if m.Status.Stream == structs.StreamStateClosed {
			delete(s.labels, id)
		}
	default:
		s.logger.Trace("ignoring message", "type", msg.Type(), "stream", id)
	}
}

func (s *session) openTunnel() {
	if s.tunnel == nil || s.stream != nil {
		return
	}
	st, err := s.r.OpenTunnelStream(s.h, tunnel.Options{
		Name:           s.tunnel.Name,
		Domain:         s.tunnel.Domain,
		ServiceID:      s.tunnel.ServiceID,
		ClassOfService: s.tunnel.ClassOfService,
		OnStatus:       s.onTunnelStatus,
		OnMessage:      s.onTunnelMessage,
		OnAck:          s.onTunnelAck,
	})
	if err != nil {
		s.ui.Error(fmt.Sprintf("Failed to open tunnel %q: %v", s.tunnel.Name, err))
		return
	}
	s.stream = st
}

func (s *session) onTunnelStatus(st *tunnel.Stream, ev tunnel.StatusEvent) {
	s.ui.Info(fmt.Sprintf("Tunnel %s %s %s", st.Name(), ev.State, ev.Status.Text))
	if ev.State == tunnel.StateClosed {
		s.stream = nil
		s.tunnel = nil
	}
}

func (s *session) onTunnelMessage(st *tunnel.Stream, msg tunnel.Message) error {
	s.ui.Output(fmt.Sprintf("tunnel %s message %d: %s", st.Name(), msg.MsgID, msg.Payload))
	return nil
}

func (s *session) onTunnelAck(st *tunnel.Stream, ack structs.MsgAck) {
	if ack.Nack {
		s.ui.Warn(fmt.Sprintf("Tunnel %s message %d rejected: %s", st.Name(), ack.MsgID, ack.Text))
	}
}

// afterDispatch sends queued tunnel messages as the window allows and ends
// the run once the channel is down for good.
func (s *session) afterDispatch() error {
	if s.down != nil {
		return s.down
	}
	for s.stream != nil && s.stream.State() == tunnel.StateOpen && len(s.pending) > 0 {
		payload := s.pending[0]
		buf, err := s.stream.GetBuffer(len(payload))
		if errors.Is(err, structs.ErrWindowExhausted) {
			return nil
		}
		if err != nil {
			s.ui.Error(fmt.Sprintf("Dropping tunnel message: %v", err))
			s.pending = s.pending[1:]
			continue
		}
		if _, err := buf.Write(payload); err != nil {
			s.stream.ReleaseBuffer(buf)
			return err
		}
		if err := s.stream.Submit(buf); err != nil {
			s.ui.Error(fmt.Sprintf("Failed to send tunnel message: %v", err))
		}
		s.pending = s.pending[1:]
	}
	return nil
}
