// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package reactor

import (
	"fmt"

	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/tunnel"
	"github.com/hashicorp/feedmux/agent/watchlist"
)

// Submit sends a message on a handle.
//
// On consumers msg is a Request or a Close. Requests are recorded in the
// watchlist and replayed after reconnection; a Request with a zero stream
// id is assigned one, written back into msg. Messages of the request's
// stream go to opts.OnMessage when set, else to the channel's OnMessage.
//
// On providers any login, directory or item message is written as is.
func (r *Reactor) Submit(h *ChannelHandle, msg structs.Message, opts *SubmitOptions) error {
	if h == nil || h.r != r || msg == nil {
		return fmt.Errorf("%w: handle and message are required", structs.ErrInvalidArgument)
	}
	if h.closed || h.down {
		return structs.ErrChannelClosed
	}

	if h.role == structs.RoleProvider {
		switch structs.KindOf(msg) {
		case structs.KindSession, structs.KindTunnel:
			return fmt.Errorf("%w: %s cannot be submitted", structs.ErrInvalidArgument, msg.Type())
		}
		if h.ch == nil {
			return structs.ErrChannelClosed
		}
		return h.ch.Write(msg)
	}

	switch m := msg.(type) {
	case *structs.Request:
		if m.StreamID == 0 {
			if len(m.ItemList) > 0 {
				return fmt.Errorf("%w: batch requests need a stream id", structs.ErrInvalidArgument)
			}
			m.StreamID = h.allocCallerID()
		}
		deliveries, err := h.watchlist.Submit(m.StreamID, m)
		if err != nil {
			return err
		}
		if opts != nil && opts.OnMessage != nil {
			// Batch items are numbered after the batch stream.
			for i := 0; i <= len(m.ItemList); i++ {
				h.callbacks[m.StreamID+int32(i)] = opts.OnMessage
			}
		}
		for _, d := range deliveries {
			r.deferred = append(r.deferred, deferredDelivery{h: h, d: d})
		}
		return nil

	case *structs.Close:
		err := h.watchlist.Close(m.StreamID)
		delete(h.callbacks, m.StreamID)
		if h.opts.Cache != nil {
			h.opts.Cache.Remove(m.StreamID)
		}
		return err

	default:
		return fmt.Errorf("%w: consumers submit requests and closes, not %s", structs.ErrInvalidArgument, msg.Type())
	}
}

// OpenTunnelStream requests a tunnel stream on a consumer handle. The
// stream reports its progress through opts.OnStatus.
func (r *Reactor) OpenTunnelStream(h *ChannelHandle, opts tunnel.Options) (*tunnel.Stream, error) {
	if err := r.checkConsumer(h); err != nil {
		return nil, err
	}
	return h.tunnels.Open(opts)
}

// route hands a forwarded stream message to its manager.
func (r *Reactor) route(h *ChannelHandle, msg structs.Message) {
	if structs.KindOf(msg) == structs.KindTunnel {
		if err := h.tunnels.OnMessage(msg); err != nil {
			r.warn(h, fmt.Errorf("tunnel stream %d: %w", structs.StreamIDOf(msg), err))
		}
		return
	}

	if h.role == structs.RoleProvider {
		if h.opts.OnMessage != nil {
			h.opts.OnMessage(h, msg)
		}
		return
	}

	deliveries, err := h.watchlist.OnMessage(msg)
	if err != nil {
		r.warn(h, fmt.Errorf("stream %d: %w", structs.StreamIDOf(msg), err))
		return
	}
	for _, d := range deliveries {
		if h.closed || h.down {
			return
		}
		r.deliver(h, d)
	}
}

// deliver updates the cache and calls the caller stream's callback. The
// callback of a stream that just closed is forgotten.
func (r *Reactor) deliver(h *ChannelHandle, d watchlist.Delivery) {
	if c := h.opts.Cache; c != nil {
		var err error
		switch m := d.Msg.(type) {
		case *structs.Refresh:
			err = c.Apply(d.CallerID, m.Payload, true)
		case *structs.Update:
			err = c.Apply(d.CallerID, m.Payload, false)
		}
		if err != nil && !structs.IsErrNotFound(err) {
			r.warn(h, err)
		}
	}

	cb := h.callbacks[d.CallerID]
	if cb == nil {
		cb = h.opts.OnMessage
	}
	if h.watchlist != nil {
		if _, open := h.watchlist.WireID(d.CallerID); !open {
			delete(h.callbacks, d.CallerID)
			if h.opts.Cache != nil {
				h.opts.Cache.Remove(d.CallerID)
			}
		}
	}
	if cb != nil {
		cb(h, d.Msg)
	}
}
