// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package provide

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/feedmux/agent/reactor"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/tunnel"
)

// itemStream is an open item stream of one consumer.
type itemStream struct {
	domain structs.DomainType
	name   string
	seq    uint32
}

// provider answers consumer streams. It is only used on the dispatch
// goroutine.
type provider struct {
	r       *reactor.Reactor
	service string
	images  map[string]string
	logger  hclog.Logger

	interval   time.Duration
	nextUpdate time.Time

	streams map[*reactor.ChannelHandle]map[int32]*itemStream
}

func newProvider(r *reactor.Reactor, service string, images map[string]string, interval time.Duration, logger hclog.Logger) *provider {
	return &provider{
		r:        r,
		service:  service,
		images:   images,
		logger:   logger,
		interval: interval,
		streams:  make(map[*reactor.ChannelHandle]map[int32]*itemStream),
	}
}

func (p *provider) onEvent(ev reactor.ChannelEvent) {
	switch ev.Type {
	case reactor.EventUp:
		p.logger.Info("consumer connected", "remote", ev.Endpoint.Address)
	case reactor.EventDown:
		p.logger.Info("consumer disconnected", "remote", ev.Endpoint.Address, "error", ev.Err)
		delete(p.streams, ev.Handle)
	}
}

func (p *provider) onMessage(h *reactor.ChannelHandle, msg structs.Message) {
	switch m := msg.(type) {
	case *structs.Request:
		if err := p.answer(h, m); err != nil {
			p.logger.Error("failed to answer request", "stream", m.StreamID, "domain", m.Domain, "error", err)
		}
	case *structs.Close:
		if open, ok := p.streams[h]; ok {
			delete(open, m.StreamID)
		}
	default:
		p.logger.Trace("ignoring message", "type", msg.Type())
	}
}

func (p *provider) answer(h *reactor.ChannelHandle, req *structs.Request) error {
	var payload string
	switch req.Domain {
	case structs.DomainLogin:
		p.logger.Info("login accepted", "user", req.Key.Name, "remote", h.Endpoint().Address)
		payload = fmt.Sprintf("user:%s", req.Key.Name)
	case structs.DomainSource:
		payload = fmt.Sprintf("service:%s", p.service)
	default:
		if req.Key.Name == "" {
			return p.r.Submit(h, &structs.Status{
				StreamID: req.StreamID,
				Domain:   req.Domain,
				Status: structs.StreamStatus{
					Stream: structs.StreamStateClosed,
					Data:   structs.DataStateSuspect,
					Text:   "item name is required",
				},
			}, nil)
		}
		payload = applyView(p.image(req.Key.Name), req.View)
	}

	state := structs.StreamStateOpen
	if !req.Streaming {
		state = structs.StreamStateNonStreaming
	}
	refresh := &structs.Refresh{
		StreamID:  req.StreamID,
		Domain:    req.Domain,
		Key:       req.Key,
		Status:    structs.StreamStatus{Stream: state, Data: structs.DataStateOK},
		Solicited: true,
		Complete:  true,
		Payload:   []byte(payload),
	}
	if err := p.r.Submit(h, refresh, nil); err != nil {
		return err
	}

	switch req.Domain {
	case structs.DomainLogin, structs.DomainSource:
		return nil
	}
	if !req.Streaming {
		return nil
	}
	open, ok := p.streams[h]
	if !ok {
		open = make(map[int32]*itemStream)
		p.streams[h] = open
	}
	open[req.StreamID] = &itemStream{domain: req.Domain, name: req.Key.Name}
	return nil
}

func (p *provider) image(name string) string {
	if img, ok := p.images[name]; ok {
		return img
	}
	return "image:" + name
}

// applyView keeps the fields of image named in view. Images are space
// separated name:value fields; an empty view keeps all of them.
func applyView(image string, view []string) string {
	if len(view) == 0 {
		return image
	}
	want := make(map[string]bool, len(view))
	for _, f := range view {
		want[f] = true
	}
	var kept []string
	for _, field := range strings.Fields(image) {
		name, _, _ := strings.Cut(field, ":")
		if want[name] {
			kept = append(kept, field)
		}
	}
	return strings.Join(kept, " ")
}

// acceptTunnel echoes every message of an accepted tunnel stream.
func (p *provider) acceptTunnel(open *structs.TunnelOpen) (tunnel.Options, bool) {
	p.logger.Info("tunnel stream accepted", "name", open.Name, "domain", open.Domain)
	return tunnel.Options{OnMessage: echo}, true
}

func echo(s *tunnel.Stream, msg tunnel.Message) error {
	buf, err := s.GetBuffer(len(msg.Payload))
	if err != nil {
		return err
	}
	if _, err := buf.Write(msg.Payload); err != nil {
		s.ReleaseBuffer(buf)
		return err
	}
	return s.Submit(buf)
}

// afterDispatch sends the periodic updates.
func (p *provider) afterDispatch() error {
	if p.interval <= 0 {
		return nil
	}
	now := time.Now()
	if now.Before(p.nextUpdate) {
		return nil
	}
	p.nextUpdate = now.Add(p.interval)

	for h, open := range p.streams {
		ids := make([]int32, 0, len(open))
		for id := range open {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			s := open[id]
			s.seq++
			err := p.r.Submit(h, &structs.Update{
				StreamID: id,
				Domain:   s.domain,
				SeqNum:   s.seq,
				Payload:  []byte(fmt.Sprintf("update:%s:%d", s.name, s.seq)),
			}, nil)
			if err != nil {
				p.logger.Warn("failed to send update", "stream", id, "error", err)
				delete(p.streams, h)
				break
			}
		}
	}
	return nil
}
