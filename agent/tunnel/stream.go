// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tunnel

import (
	"fmt"

	"github.com/armon/go-metrics"

	"github.com/hashicorp/feedmux/agent/pool"
	"github.com/hashicorp/feedmux/agent/structs"
)

// State of a tunnel stream.
type State int

const (
	StateRequested State = iota + 1
	StateOpen
	StateClosedRecover
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateOpen:
		return "open"
	case StateClosedRecover:
		return "closed_recover"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("tunnel_state(%d)", int(s))
	}
}

// StatusEvent reports a state change of a stream. ClassOfService is set
// when the provider redirected the stream and carries what it expects.
type StatusEvent struct {
	State          State
	Status         structs.StreamStatus
	ClassOfService *structs.ClassOfService
}

// Message is one reassembled application message.
type Message struct {
	MsgID   uint64
	Payload []byte
}

type (
	StatusFunc  func(s *Stream, ev StatusEvent)
	MessageFunc func(s *Stream, msg Message) error
	AckFunc     func(s *Stream, ack structs.MsgAck)
)

// Options describe a tunnel stream. On the provider side they are returned
// by the accept callback and only the callbacks are used.
type Options struct {
	Name      string
	Domain    structs.DomainType
	ServiceID uint16

	ClassOfService structs.ClassOfService

	// Filter names the facets the provider must match. Zero means every
	// facet that differs from best effort.
	Filter structs.CosFilter

	OnStatus  StatusFunc
	OnMessage MessageFunc
	OnAck     AckFunc
}

// assembly collects the fragments of one inbound message.
type assembly struct {
	msgID uint64
	next  uint16
	total uint32
	buf   []byte
}

// Stream is one tunnel stream. All methods must be called from the dispatch
// goroutine that owns the manager.
type Stream struct {
	m      *Manager
	id     int32
	opts   Options
	role   structs.Role
	owner  pool.Owner
	filter structs.CosFilter
	cos    structs.ClassOfService
	state  State

	closing  bool
	needOpen bool

	// opened is set once the stream was accepted; later opens resume it.
	opened bool

	// send side
	leased         map[*pool.Buffer]int
	reserved       int
	queue          []*structs.TunnelData
	nextSeq        uint32
	ackedSeq       uint32
	peerRecvWindow int
	nextMsgID      uint64
	unacked        []retained

	// receive side
	recvSeq    uint32
	ackDue     bool
	msgAcks    []structs.MsgAck
	assembling *assembly
	delivered  uint64
}

func (s *Stream) ID() int32                              { return s.id }
func (s *Stream) Name() string                           { return s.opts.Name }
func (s *Stream) Domain() structs.DomainType             { return s.opts.Domain }
func (s *Stream) ServiceID() uint16                      { return s.opts.ServiceID }
func (s *Stream) Role() structs.Role                     { return s.role }
func (s *Stream) State() State                           { return s.state }
func (s *Stream) ClassOfService() structs.ClassOfService { return s.cos }

// Guaranteed reports whether messages survive channel loss.
func (s *Stream) Guaranteed() bool {
	return s.cos.Guarantee.Type == structs.GuaranteePersistentQueue
}

// Leased returns the number of buffers leased through GetBuffer and not yet
// submitted or released.
func (s *Stream) Leased() int { return len(s.leased) }

// InFlight returns the number of fragments sent and not acknowledged.
func (s *Stream) InFlight() int { return int(s.nextSeq - s.ackedSeq) }

// Unacked returns the number of guaranteed messages awaiting their
// acknowledgement.
func (s *Stream) Unacked() int { return len(s.unacked) }

// Window returns the effective send window in fragments.
func (s *Stream) Window() int {
	w := s.cos.FlowControl.SendWindowSize
	if s.cos.FlowControl.Type == structs.FlowControlBidirectional &&
		s.peerRecvWindow > 0 && s.peerRecvWindow < w {
		w = s.peerRecvWindow
	}
	return w
}

// maxFragments is the most fragments one message may span: the send
// window, and never more than the peer is able to receive.
func (s *Stream) maxFragments() int {
	w := s.Window()
	if s.peerRecvWindow > 0 && s.peerRecvWindow < w {
		w = s.peerRecvWindow
	}
	return w
}

// seqAfter compares fragment sequence numbers in serial number
// arithmetic, so numbering survives wrapping past 2^32.
func seqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

func (s *Stream) key() string {
	return sessionKey(s.opts.Domain, s.opts.ServiceID, s.opts.Name)
}

func (s *Stream) fragments(size int) int {
	fragSize := s.cos.Common.MaxMsgSize
	if size <= 0 {
		return 1
	}
	return (size + fragSize - 1) / fragSize
}

// committed counts the window already spoken for.
func (s *Stream) committed() int {
	return s.InFlight() + len(s.queue) + s.reserved
}

// GetBuffer leases a buffer for a message of size bytes. While the stream
// waits for its accept, or when the remaining send window cannot hold the
// message, the retryable ErrWindowExhausted is returned.
func (s *Stream) GetBuffer(size int) (*pool.Buffer, error) {
	switch {
	case s.closing, s.state == StateClosed, s.state == StateClosedRecover:
		return nil, structs.ErrStreamNotOpen
	case size <= 0:
		return nil, fmt.Errorf("%w: buffer size must be positive", structs.ErrInvalidArgument)
	case s.state == StateRequested:
		return nil, structs.ErrWindowExhausted
	}

	need := s.fragments(size)
	if need > s.maxFragments() {
		return nil, fmt.Errorf("%w: %d bytes need %d fragments, window is %d",
			structs.ErrMessageTooLarge, size, need, s.maxFragments())
	}
	if s.committed()+need > s.Window() {
		metrics.IncrCounter([]string{"tunnel", "window_exhausted"}, 1)
		return nil, structs.ErrWindowExhausted
	}
	buf, err := s.m.pool.Lease(s.owner, size)
	if err != nil {
		return nil, err
	}
	s.leased[buf] = need
	s.reserved += need
	return buf, nil
}

// ReleaseBuffer returns an unsent buffer and frees its window reservation.
func (s *Stream) ReleaseBuffer(buf *pool.Buffer) error {
	need, ok := s.leased[buf]
	if !ok {
		return fmt.Errorf("%w: buffer was not leased by stream %d", structs.ErrInvalidArgument, s.id)
	}
	delete(s.leased, buf)
	s.reserved -= need
	return s.m.pool.Release(buf)
}

// Submit fragments the contents of buf and sends it. The buffer is released
// whether or not the submit succeeds.
func (s *Stream) Submit(buf *pool.Buffer) error {
	need, ok := s.leased[buf]
	if !ok {
		return fmt.Errorf("%w: buffer was not leased by stream %d", structs.ErrInvalidArgument, s.id)
	}
	payload := append([]byte(nil), buf.Bytes()...)
	requested := buf.Requested()
	delete(s.leased, buf)
	s.reserved -= need
	if err := s.m.pool.Release(buf); err != nil {
		return err
	}

	switch {
	case s.closing || s.state != StateOpen:
		return structs.ErrStreamNotOpen
	case len(payload) == 0:
		return fmt.Errorf("%w: empty message", structs.ErrInvalidArgument)
	case len(payload) > requested:
		return fmt.Errorf("%w: wrote %d bytes into a %d byte buffer", structs.ErrMessageTooLarge, len(payload), requested)
	}

	s.nextMsgID++
	msgID := s.nextMsgID
	if s.Guaranteed() {
		s.unacked = append(s.unacked, retained{msgID: msgID, payload: payload})
	}
	s.enqueue(msgID, payload)
	return s.pump()
}

// enqueue splits a message into fragments. Sequence numbers are assigned
// when a fragment is written.
func (s *Stream) enqueue(msgID uint64, payload []byte) {
	fragSize := s.cos.Common.MaxMsgSize
	total := s.fragments(len(payload))
	for i := 0; i < total; i++ {
		end := (i + 1) * fragSize
		if end > len(payload) {
			end = len(payload)
		}
		s.queue = append(s.queue, &structs.TunnelData{
			StreamID:     s.id,
			Domain:       s.opts.Domain,
			MsgID:        msgID,
			FragNum:      uint16(i + 1),
			FragTotal:    uint16(total),
			TotalLen:     uint32(len(payload)),
			Complete:     i == total-1,
			AckRequested: s.Guaranteed(),
			Payload:      payload[i*fragSize : end],
		})
	}
}

// pump writes queued fragments while the window allows. Backpressure from
// the channel leaves the rest queued for the next pass.
func (s *Stream) pump() error {
	for len(s.queue) > 0 && s.state == StateOpen && s.m.sender.Active() {
		if s.InFlight() >= s.Window() {
			return nil
		}
		d := s.queue[0]
		d.Seq = s.nextSeq + 1
		if err := s.m.sender.Write(d); err != nil {
			if structs.IsErrNoResources(err) {
				return nil
			}
			return err
		}
		s.nextSeq++
		s.queue[0] = nil
		s.queue = s.queue[1:]
	}
	return nil
}

// retransmit queues every unacknowledged guaranteed message again.
func (s *Stream) retransmit() {
	for _, r := range s.unacked {
		s.enqueue(r.msgID, r.payload)
	}
	if len(s.unacked) > 0 {
		metrics.IncrCounter([]string{"tunnel", "retransmitted"}, float32(len(s.unacked)))
		s.m.logger.Debug("retransmitting unacknowledged messages", "stream_id", s.id, "count", len(s.unacked))
	}
}

// resetSequence starts a fresh fragment numbering for a new channel.
func (s *Stream) resetSequence() {
	s.queue = nil
	s.nextSeq = 0
	s.ackedSeq = 0
	s.peerRecvWindow = 0
	s.recvSeq = 0
	s.ackDue = false
	s.msgAcks = nil
	s.assembling = nil
}

// Close sends a close request when the stream is open and completes when
// the provider confirms. Without a channel it completes at once. Leased
// buffers are reclaimed. Closing again is a no-op.
func (s *Stream) Close() error {
	if s.closing || s.state == StateClosed || s.state == StateClosedRecover {
		return nil
	}
	s.reclaim()
	if s.role == structs.RoleProvider && s.m.sessions != nil {
		s.m.sessions.forget(s.key())
	}

	if s.state == StateOpen && s.m.sender.Active() {
		err := s.m.sender.Write(&structs.TunnelClose{StreamID: s.id, Domain: s.opts.Domain})
		if err == nil {
			s.closing = true
			return nil
		}
		s.m.logger.Debug("failed to send tunnel close, closing locally", "stream_id", s.id, "error", err)
	}
	s.m.finalize(s, StatusEvent{
		State:  StateClosed,
		Status: structs.StreamStatus{Stream: structs.StreamStateClosed, Data: structs.DataStateSuspect, Text: "stream closed"},
	})
	return nil
}

// reclaim drops every leased buffer and queued fragment.
func (s *Stream) reclaim() {
	s.m.pool.Reclaim(s.owner)
	s.leased = make(map[*pool.Buffer]int)
	s.reserved = 0
	s.queue = nil
}

func (s *Stream) onData(d *structs.TunnelData) {
	if s.state != StateOpen {
		return
	}
	if !seqAfter(d.Seq, s.recvSeq) {
		metrics.IncrCounter([]string{"tunnel", "duplicate_fragments"}, 1)
		s.ackDue = true
		return
	}
	if s.cos.DataIntegrity.Type == structs.DataIntegrityReliable && d.Seq != s.recvSeq+1 {
		s.m.logger.Warn("dropping out of order fragment", "stream_id", s.id, "seq", d.Seq, "expected", s.recvSeq+1)
		return
	}
	s.recvSeq = d.Seq
	s.ackDue = true

	a := s.assembling
	switch {
	case d.FragNum == 1:
		if err := s.checkFirstFragment(d); err != nil {
			metrics.IncrCounter([]string{"tunnel", "invalid_fragments"}, 1)
			s.m.logger.Warn("dropping message", "stream_id", s.id, "msg_id", d.MsgID, "error", err)
			s.assembling = nil
			return
		}
		a = &assembly{msgID: d.MsgID, next: 1, total: d.TotalLen, buf: make([]byte, 0, d.TotalLen)}
		s.assembling = a
	case a == nil || a.msgID != d.MsgID || a.next != d.FragNum:
		s.m.logger.Warn("dropping fragment of unknown message", "stream_id", s.id, "msg_id", d.MsgID, "frag", d.FragNum)
		s.assembling = nil
		return
	}
	if len(a.buf)+len(d.Payload) > int(a.total) {
		s.m.logger.Warn("fragment overruns message length", "stream_id", s.id, "msg_id", d.MsgID)
		s.assembling = nil
		return
	}
	a.buf = append(a.buf, d.Payload...)
	a.next++
	if !d.Complete {
		return
	}
	s.assembling = nil
	if len(a.buf) != int(a.total) {
		s.m.logger.Warn("reassembled message is short", "stream_id", s.id, "msg_id", d.MsgID,
			"have", len(a.buf), "want", a.total)
		return
	}
	s.deliver(a.msgID, a.buf, d.AckRequested)
}

// checkFirstFragment bounds the message a first fragment announces before
// its reassembly buffer is allocated.
func (s *Stream) checkFirstFragment(d *structs.TunnelData) error {
	window := s.cos.FlowControl.RecvWindowSize
	switch {
	case d.FragTotal == 0:
		return fmt.Errorf("%w: fragment total is zero", structs.ErrInvalidArgument)
	case int(d.FragTotal) > window:
		return fmt.Errorf("%w: %d fragments exceed the receive window of %d",
			structs.ErrMessageTooLarge, d.FragTotal, window)
	case int64(d.TotalLen) > int64(s.cos.Common.MaxMsgSize)*int64(d.FragTotal):
		return fmt.Errorf("%w: %d bytes in %d fragments of at most %d bytes",
			structs.ErrMessageTooLarge, d.TotalLen, d.FragTotal, s.cos.Common.MaxMsgSize)
	}
	return nil
}

func (s *Stream) deliver(msgID uint64, payload []byte, ackRequested bool) {
	if s.Guaranteed() && msgID <= s.delivered {
		metrics.IncrCounter([]string{"tunnel", "duplicate_messages"}, 1)
		s.m.logger.Trace("suppressing redelivered message", "stream_id", s.id, "msg_id", msgID)
		if ackRequested {
			s.msgAcks = append(s.msgAcks, structs.MsgAck{MsgID: msgID})
		}
		return
	}
	if msgID > s.delivered {
		s.delivered = msgID
	}

	var err error
	if s.opts.OnMessage != nil {
		err = s.opts.OnMessage(s, Message{MsgID: msgID, Payload: payload})
	}
	if !ackRequested {
		return
	}
	ack := structs.MsgAck{MsgID: msgID}
	if err != nil {
		ack.Nack = true
		ack.Text = err.Error()
	}
	s.msgAcks = append(s.msgAcks, ack)
}

func (s *Stream) onAck(a *structs.TunnelAck) error {
	if seqAfter(a.Seq, s.nextSeq) {
		s.m.logger.Warn("ignoring acknowledgement beyond sent sequence", "stream_id", s.id, "seq", a.Seq, "sent", s.nextSeq)
	} else if seqAfter(a.Seq, s.ackedSeq) {
		s.ackedSeq = a.Seq
	}
	if a.RecvWindow > 0 {
		s.peerRecvWindow = a.RecvWindow
	}

	for _, ma := range a.MsgAcks {
		found := false
		for i, r := range s.unacked {
			if r.msgID == ma.MsgID {
				s.unacked = append(s.unacked[:i], s.unacked[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			continue
		}
		if s.opts.OnAck != nil {
			s.opts.OnAck(s, ma)
		}
	}
	return s.pump()
}

// flushAck acknowledges everything received since the last pass.
func (s *Stream) flushAck() error {
	if !s.ackDue || s.state != StateOpen {
		return nil
	}
	err := s.m.sender.Write(&structs.TunnelAck{
		StreamID:   s.id,
		Domain:     s.opts.Domain,
		Seq:        s.recvSeq,
		RecvWindow: s.cos.FlowControl.RecvWindowSize,
		MsgAcks:    s.msgAcks,
	})
	if err != nil {
		return err
	}
	s.ackDue = false
	s.msgAcks = nil
	return nil
}

func (s *Stream) park() *session {
	return &session{delivered: s.delivered, nextMsgID: s.nextMsgID, unacked: s.unacked}
}

func (s *Stream) restore(sess *session) {
	s.delivered = sess.delivered
	s.nextMsgID = sess.nextMsgID
	s.unacked = sess.unacked
}
