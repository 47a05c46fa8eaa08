// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"strconv"
	"strings"
)

// DomainType identifies the message model a stream carries.
type DomainType uint8

const (
	DomainLogin         DomainType = 1
	DomainSource        DomainType = 4
	DomainDictionary    DomainType = 5
	DomainMarketPrice   DomainType = 6
	DomainMarketByOrder DomainType = 7
	DomainMarketByPrice DomainType = 8
	DomainSymbolList    DomainType = 10
	DomainSystem        DomainType = 127
)

func (d DomainType) String() string {
	switch d {
	case DomainLogin:
		return "login"
	case DomainSource:
		return "source"
	case DomainDictionary:
		return "dictionary"
	case DomainMarketPrice:
		return "market_price"
	case DomainMarketByOrder:
		return "market_by_order"
	case DomainMarketByPrice:
		return "market_by_price"
	case DomainSymbolList:
		return "symbol_list"
	case DomainSystem:
		return "system"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// ParseDomainType accepts a domain name as printed by String or a number.
func ParseDomainType(s string) (DomainType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := DomainLogin; d <= DomainSystem; d++ {
		if !strings.HasPrefix(d.String(), "domain(") && d.String() == name {
			return d, nil
		}
	}
	n, err := strconv.ParseUint(name, 10, 8)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid domain %q", s)
	}
	return DomainType(n), nil
}

// StreamState is the wire level state carried in refresh and status
// messages.
type StreamState uint8

const (
	StreamStateUnspecified   StreamState = 0
	StreamStateOpen          StreamState = 1
	StreamStateNonStreaming  StreamState = 2
	StreamStateClosedRecover StreamState = 3
	StreamStateClosed        StreamState = 4
	StreamStateRedirected    StreamState = 5
)

func (s StreamState) String() string {
	switch s {
	case StreamStateUnspecified:
		return "unspecified"
	case StreamStateOpen:
		return "open"
	case StreamStateNonStreaming:
		return "non_streaming"
	case StreamStateClosedRecover:
		return "closed_recover"
	case StreamStateClosed:
		return "closed"
	case StreamStateRedirected:
		return "redirected"
	default:
		return fmt.Sprintf("stream_state(%d)", uint8(s))
	}
}

type DataState uint8

const (
	DataStateNoChange DataState = 0
	DataStateOK       DataState = 1
	DataStateSuspect  DataState = 2
)

func (s DataState) String() string {
	switch s {
	case DataStateNoChange:
		return "no_change"
	case DataStateOK:
		return "ok"
	case DataStateSuspect:
		return "suspect"
	default:
		return fmt.Sprintf("data_state(%d)", uint8(s))
	}
}

type StatusCode uint8

const (
	StatusCodeNone StatusCode = iota
	StatusCodeNotFound
	StatusCodeTimeout
	StatusCodeNotEntitled
	StatusCodeInvalidArgument
	StatusCodeUsageError
	StatusCodeAlreadyOpen
	StatusCodeNonUpdatingItem
	StatusCodeUnableToRequestAsBatch
	StatusCodeSourceUnknown
	StatusCodeNotOpen
	StatusCodeNoResources
)

// StreamStatus is the state triple attached to refresh and status messages.
type StreamStatus struct {
	Stream StreamState
	Data   DataState
	Code   StatusCode
	Text   string
}

// Recoverable reports whether the stream may be re-requested.
func (s StreamStatus) Recoverable() bool {
	return s.Stream == StreamStateClosedRecover
}

// Terminal reports whether the stream is finished and must not be
// re-requested.
func (s StreamStatus) Terminal() bool {
	return s.Stream == StreamStateClosed || s.Stream == StreamStateRedirected
}

// Kind classifies messages for the components that own them. Session
// messages belong to the physical channel, tunnel messages to the tunnel
// stream manager and the rest to the watchlist.
type Kind uint8

const (
	KindSession Kind = iota
	KindLogin
	KindDirectory
	KindItem
	KindTunnel
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindLogin:
		return "login"
	case KindDirectory:
		return "directory"
	case KindItem:
		return "item"
	case KindTunnel:
		return "tunnel"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// KindForDomain maps a domain of a request/response stream to its kind.
func KindForDomain(d DomainType) Kind {
	switch d {
	case DomainLogin:
		return KindLogin
	case DomainSource:
		return KindDirectory
	default:
		return KindItem
	}
}

// Role is the side of the connection a channel plays.
type Role uint8

const (
	RoleConsumer Role = 1
	RoleProvider Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleConsumer:
		return "consumer"
	case RoleProvider:
		return "provider"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}
