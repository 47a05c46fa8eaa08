// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"time"
)

// MessageType is the one byte preamble written in front of every encoded
// message body.
type MessageType uint8

const (
	HelloType MessageType = iota + 1
	HelloAckType
	PingType
	RequestType
	RefreshType
	UpdateType
	StatusType
	CloseType
	TunnelOpenType
	TunnelAcceptType
	TunnelStatusType
	TunnelCloseType
	TunnelDataType
	TunnelAckType
)

var messageTypeNames = map[MessageType]string{
	HelloType:        "Hello",
	HelloAckType:     "HelloAck",
	PingType:         "Ping",
	RequestType:      "Request",
	RefreshType:      "Refresh",
	UpdateType:       "Update",
	StatusType:       "Status",
	CloseType:        "Close",
	TunnelOpenType:   "TunnelOpen",
	TunnelAcceptType: "TunnelAccept",
	TunnelStatusType: "TunnelStatus",
	TunnelCloseType:  "TunnelClose",
	TunnelDataType:   "TunnelData",
	TunnelAckType:    "TunnelAck",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Message is implemented by every record that can travel on a channel. The
// set of implementations is closed; components switch on the concrete type.
type Message interface {
	Type() MessageType
}

// Hello opens the session handshake from the consumer side.
type Hello struct {
	ProtocolVersion string
	PingInterval    time.Duration
	Role            Role
	Component       string
}

// HelloAck completes the handshake. A non-empty Error refuses the session.
type HelloAck struct {
	ProtocolVersion string
	PingInterval    time.Duration
	Component       string
	Error           string
}

type Ping struct{}

// MsgKey identifies the item a request/response stream is about.
type MsgKey struct {
	ServiceID  uint16
	Name       string
	NameType   uint8
	Filter     uint32
	Identifier int32
}

// Request opens, or reissues, a login, directory or item stream.
//
// An item request with an ItemList is a batch: it opens one stream per
// name, numbered after StreamID, and StreamID itself only receives the
// batch's acknowledgement. View names the fields the consumer wants in
// refreshes and updates; an empty view asks for every field.
type Request struct {
	StreamID  int32
	Domain    DomainType
	Key       MsgKey
	Streaming bool
	Private   bool
	ItemList  []string
	View      []string
	Payload   []byte
}

type Refresh struct {
	StreamID  int32
	Domain    DomainType
	Key       MsgKey
	Status    StreamStatus
	Solicited bool
	Complete  bool
	SeqNum    uint32
	Payload   []byte
}

type Update struct {
	StreamID int32
	Domain   DomainType
	SeqNum   uint32
	Payload  []byte
}

type Status struct {
	StreamID int32
	Domain   DomainType
	Status   StreamStatus
}

type Close struct {
	StreamID int32
	Domain   DomainType
}

// TunnelOpen is the consumer's request to open a tunnel stream. Filter
// names the class of service facets the consumer insists on.
type TunnelOpen struct {
	StreamID       int32
	Domain         DomainType
	ServiceID      uint16
	Name           string
	Filter         CosFilter
	ClassOfService ClassOfService
	Resume         bool
}

// TunnelAccept carries the provider's class of service for an accepted
// stream.
type TunnelAccept struct {
	StreamID       int32
	Domain         DomainType
	ClassOfService ClassOfService
}

// TunnelStatus rejects or reports on a tunnel stream. A REDIRECTED reject
// carries the class of service the provider expects.
type TunnelStatus struct {
	StreamID       int32
	Domain         DomainType
	Status         StreamStatus
	ClassOfService *ClassOfService
}

// TunnelClose asks the counterpart to close a stream. Confirm is set on the
// reply.
type TunnelClose struct {
	StreamID int32
	Domain   DomainType
	Confirm  bool
}

// TunnelData is one fragment of an application message. Seq numbers every
// fragment of the stream; MsgID, FragNum and FragTotal place it within its
// message and Complete marks the last fragment.
type TunnelData struct {
	StreamID     int32
	Domain       DomainType
	Seq          uint32
	MsgID        uint64
	FragNum      uint16
	FragTotal    uint16
	TotalLen     uint32
	Complete     bool
	AckRequested bool
	Payload      []byte
}

// MsgAck acknowledges, or refuses, one complete application message.
type MsgAck struct {
	MsgID uint64
	Nack  bool
	Text  string
}

// TunnelAck acknowledges every fragment up to and including Seq and carries
// any message level acknowledgements.
type TunnelAck struct {
	StreamID   int32
	Domain     DomainType
	Seq        uint32
	RecvWindow int
	MsgAcks    []MsgAck
}

func (*Hello) Type() MessageType        { return HelloType }
func (*HelloAck) Type() MessageType     { return HelloAckType }
func (*Ping) Type() MessageType         { return PingType }
func (*Request) Type() MessageType      { return RequestType }
func (*Refresh) Type() MessageType      { return RefreshType }
func (*Update) Type() MessageType       { return UpdateType }
func (*Status) Type() MessageType       { return StatusType }
func (*Close) Type() MessageType        { return CloseType }
func (*TunnelOpen) Type() MessageType   { return TunnelOpenType }
func (*TunnelAccept) Type() MessageType { return TunnelAcceptType }
func (*TunnelStatus) Type() MessageType { return TunnelStatusType }
func (*TunnelClose) Type() MessageType  { return TunnelCloseType }
func (*TunnelData) Type() MessageType   { return TunnelDataType }
func (*TunnelAck) Type() MessageType    { return TunnelAckType }

// newMessage returns an empty record for a message type.
func newMessage(t MessageType) (Message, error) {
	switch t {
	case HelloType:
		return &Hello{}, nil
	case HelloAckType:
		return &HelloAck{}, nil
	case PingType:
		return &Ping{}, nil
	case RequestType:
		return &Request{}, nil
	case RefreshType:
		return &Refresh{}, nil
	case UpdateType:
		return &Update{}, nil
	case StatusType:
		return &Status{}, nil
	case CloseType:
		return &Close{}, nil
	case TunnelOpenType:
		return &TunnelOpen{}, nil
	case TunnelAcceptType:
		return &TunnelAccept{}, nil
	case TunnelStatusType:
		return &TunnelStatus{}, nil
	case TunnelCloseType:
		return &TunnelClose{}, nil
	case TunnelDataType:
		return &TunnelData{}, nil
	case TunnelAckType:
		return &TunnelAck{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint8(t))
	}
}

// StreamIDOf returns the stream a message belongs to, or 0 for session
// messages.
func StreamIDOf(msg Message) int32 {
	switch m := msg.(type) {
	case *Request:
		return m.StreamID
	case *Refresh:
		return m.StreamID
	case *Update:
		return m.StreamID
	case *Status:
		return m.StreamID
	case *Close:
		return m.StreamID
	case *TunnelOpen:
		return m.StreamID
	case *TunnelAccept:
		return m.StreamID
	case *TunnelStatus:
		return m.StreamID
	case *TunnelClose:
		return m.StreamID
	case *TunnelData:
		return m.StreamID
	case *TunnelAck:
		return m.StreamID
	default:
		return 0
	}
}

// DomainOf returns the domain of a stream message, or 0 for session
// messages.
func DomainOf(msg Message) DomainType {
	switch m := msg.(type) {
	case *Request:
		return m.Domain
	case *Refresh:
		return m.Domain
	case *Update:
		return m.Domain
	case *Status:
		return m.Domain
	case *Close:
		return m.Domain
	case *TunnelOpen:
		return m.Domain
	case *TunnelAccept:
		return m.Domain
	case *TunnelStatus:
		return m.Domain
	case *TunnelClose:
		return m.Domain
	case *TunnelData:
		return m.Domain
	case *TunnelAck:
		return m.Domain
	default:
		return 0
	}
}

// WithStreamID returns a shallow copy of a request/response message
// addressed to a different stream. Payload slices are shared.
func WithStreamID(msg Message, id int32) Message {
	switch m := msg.(type) {
	case *Request:
		c := *m
		c.StreamID = id
		return &c
	case *Refresh:
		c := *m
		c.StreamID = id
		return &c
	case *Update:
		c := *m
		c.StreamID = id
		return &c
	case *Status:
		c := *m
		c.StreamID = id
		return &c
	case *Close:
		c := *m
		c.StreamID = id
		return &c
	default:
		return msg
	}
}

// KindOf classifies a message for dispatch.
func KindOf(msg Message) Kind {
	switch msg.(type) {
	case *Hello, *HelloAck, *Ping:
		return KindSession
	case *TunnelOpen, *TunnelAccept, *TunnelStatus, *TunnelClose, *TunnelData, *TunnelAck:
		return KindTunnel
	default:
		return KindForDomain(DomainOf(msg))
	}
}
