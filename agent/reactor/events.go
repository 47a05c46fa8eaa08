// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package reactor

import (
	"fmt"

	"github.com/hashicorp/feedmux/agent/channel"
	"github.com/hashicorp/feedmux/agent/router"
	"github.com/hashicorp/feedmux/agent/structs"
)

// EventType classifies channel events.
type EventType int

const (
	// EventConnecting is raised when a connection attempt starts.
	EventConnecting EventType = iota + 1

	// EventUp is raised when the handshake completed and streams flow.
	EventUp

	// EventDownReconnecting is raised when the channel was lost and a
	// reconnection is scheduled. Err is nil for voluntary moves to another
	// endpoint.
	EventDownReconnecting

	// EventDown is terminal: the handle will not reconnect and its streams
	// are closed.
	EventDown

	EventFallbackStarting
	EventFallbackComplete

	// EventWarning reports a problem that did not take the channel down.
	EventWarning
)

func (t EventType) String() string {
	switch t {
	case EventConnecting:
		return "connecting"
	case EventUp:
		return "up"
	case EventDownReconnecting:
		return "down_reconnecting"
	case EventDown:
		return "down"
	case EventFallbackStarting:
		return "fallback_starting"
	case EventFallbackComplete:
		return "fallback_complete"
	case EventWarning:
		return "warning"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// ChannelEvent is delivered to the channel event callback of a handle.
type ChannelEvent struct {
	Type     EventType
	Handle   *ChannelHandle
	Endpoint router.Endpoint
	State    channel.State
	Err      error
}

// ChannelEventFunc receives channel events on the dispatch goroutine.
type ChannelEventFunc func(ev ChannelEvent)

// MessageFunc receives login, directory and item messages on the dispatch
// goroutine. On consumers the stream id is the caller's stream id.
type MessageFunc func(h *ChannelHandle, msg structs.Message)
