// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
	"strings"
)

const (
	errNoResources        = "No resources available, retry after dispatch"
	errWindowExhausted    = "Tunnel stream send window exhausted, retry after dispatch"
	errInvalidArgument    = "Invalid argument"
	errChannelClosed      = "Channel is closed"
	errChannelNotActive   = "Channel is not active"
	errStreamNotOpen      = "Stream is not open"
	errStreamNotFound     = "Stream not found"
	errStreamIDInUse      = "Stream id already in use"
	errMessageTooLarge    = "Message exceeds the negotiated maximum size"
	errUnknownMessageType = "Unknown message type"
	errFrameTooLarge      = "Frame exceeds the maximum frame size"
	errShutdown           = "Reactor is shut down"
	errPingTimeout        = "Ping timeout, no inbound traffic"
	errVoluntaryFailover  = "Voluntary failover to the preferred endpoint"
	errProtocolVersion    = "Incompatible protocol version"
	errNotLeased          = "Buffer is not leased"
	errBufferTooLarge     = "Requested buffer exceeds the largest pool size class"
	errNotFound           = "Not found in cache"
	errCosNegotiation     = "Class of service negotiation failed"
)

var (
	ErrNoResources        = errors.New(errNoResources)
	ErrWindowExhausted    = errors.New(errWindowExhausted)
	ErrInvalidArgument    = errors.New(errInvalidArgument)
	ErrChannelClosed      = errors.New(errChannelClosed)
	ErrChannelNotActive   = errors.New(errChannelNotActive)
	ErrStreamNotOpen      = errors.New(errStreamNotOpen)
	ErrStreamNotFound     = errors.New(errStreamNotFound)
	ErrStreamIDInUse      = errors.New(errStreamIDInUse)
	ErrMessageTooLarge    = errors.New(errMessageTooLarge)
	ErrUnknownMessageType = errors.New(errUnknownMessageType)
	ErrFrameTooLarge      = errors.New(errFrameTooLarge)
	ErrShutdown           = errors.New(errShutdown)
	ErrPingTimeout        = errors.New(errPingTimeout)
	ErrVoluntaryFailover  = errors.New(errVoluntaryFailover)
	ErrProtocolVersion    = errors.New(errProtocolVersion)
	ErrNotLeased          = errors.New(errNotLeased)
	ErrBufferTooLarge     = errors.New(errBufferTooLarge)
	ErrNotFound           = errors.New(errNotFound)
	ErrCosNegotiation     = errors.New(errCosNegotiation)
)

// ConnectionError is returned when a transport cannot even be created for an
// endpoint, for example because the address does not parse. It is never
// retried internally.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %q failed: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsErrNoResources reports whether err is a retryable backpressure condition:
// buffer pool exhaustion, a full write queue or an exhausted tunnel send
// window.
func IsErrNoResources(err error) bool {
	return err != nil && (strings.Contains(err.Error(), errNoResources) ||
		strings.Contains(err.Error(), errWindowExhausted))
}

func IsErrInvalidArgument(err error) bool {
	return err != nil && strings.Contains(err.Error(), errInvalidArgument)
}

func IsErrChannelClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), errChannelClosed)
}

func IsErrStreamNotOpen(err error) bool {
	return err != nil && strings.Contains(err.Error(), errStreamNotOpen)
}

func IsErrNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), errNotFound)
}

func IsErrPingTimeout(err error) bool {
	return err != nil && strings.Contains(err.Error(), errPingTimeout)
}

func IsErrVoluntaryFailover(err error) bool {
	return err != nil && strings.Contains(err.Error(), errVoluntaryFailover)
}

func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
