// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package channel implements one physical connection: the session handshake,
// keepalive pings and the reader/writer goroutines that move frames between
// the transport and the dispatch goroutine.
//
// Every method of Channel must be called from the dispatch goroutine. The
// reader and writer goroutines never touch channel state; they only post
// Events.
package channel

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/armon/go-metrics"
	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-version"

	"github.com/hashicorp/feedmux/agent/pool"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/logging"
)

const (
	// DefaultProtocolVersion is offered in the handshake when none is
	// configured. Only the major version has to match the peer's.
	DefaultProtocolVersion = "14.1"

	DefaultPingInterval = 60 * time.Second

	defaultWriteQueueSize = 256
	readBufferSize        = 64 * 1024

	// lingerTimeout bounds how long Close waits to flush a refusal.
	lingerTimeout = time.Second
)

// State is the lifecycle state of a channel. A channel only ever moves
// forward; CLOSED is terminal.
type State int

const (
	StateInactive State = iota
	StateConnecting
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is posted by the reader and writer goroutines. Exactly one of Msg
// and Err is set. An Err means the transport is gone.
type Event struct {
	Channel *Channel
	Msg     structs.Message
	Err     error
}

// Config describes a channel.
type Config struct {
	// ID uniquely names the channel. It is also the pool owner tag of every
	// buffer the channel leases.
	ID string

	Role structs.Role

	// Address is the remote address, used for logging.
	Address string

	ProtocolVersion string

	// PingInterval is the interval offered in the handshake. The
	// negotiated value is the smaller of both sides.
	PingInterval time.Duration

	// WriteQueueSize bounds the number of frames waiting for the writer.
	WriteQueueSize int

	// Component identifies the application in the handshake.
	Component string

	Pool   *pool.BufferPool
	Clock  clock.Clock
	Logger hclog.Logger
}

type outbound struct {
	buf  *pool.Buffer
	data []byte
}

// Channel is one physical connection.
type Channel struct {
	config Config
	logger hclog.Logger
	owner  pool.Owner
	local  *version.Version

	state State
	conn  net.Conn
	err   error

	pingInterval    time.Duration
	protocolVersion string

	connectingSince time.Time
	lastSend        time.Time
	lastRecv        time.Time

	// linger makes Close flush queued writes first. It is set when the
	// handshake is refused so the peer learns why.
	linger bool

	events     chan<- Event
	writeCh    chan outbound
	doneCh     chan struct{}
	flushCh    chan struct{}
	writerDone chan struct{}
	wg         sync.WaitGroup
}

// New returns an INACTIVE channel. Inbound traffic and transport failures
// are posted to events.
func New(config Config, events chan<- Event) (*Channel, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("%w: channel id is required", structs.ErrInvalidArgument)
	}
	if config.Pool == nil {
		return nil, fmt.Errorf("%w: buffer pool is required", structs.ErrInvalidArgument)
	}
	if config.ProtocolVersion == "" {
		config.ProtocolVersion = DefaultProtocolVersion
	}
	local, err := version.NewVersion(config.ProtocolVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: protocol version %q: %v", structs.ErrInvalidArgument, config.ProtocolVersion, err)
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.WriteQueueSize <= 0 {
		config.WriteQueueSize = defaultWriteQueueSize
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	if config.Role == 0 {
		config.Role = structs.RoleConsumer
	}

	return &Channel{
		config: config,
		logger: config.Logger.Named(logging.Channel).With("channel", config.ID, "address", config.Address),
		owner:  pool.Owner(config.ID),
		local:  local,
		state:  StateInactive,

		pingInterval:    config.PingInterval,
		protocolVersion: config.ProtocolVersion,

		events:     events,
		writeCh:    make(chan outbound, config.WriteQueueSize),
		doneCh:     make(chan struct{}),
		flushCh:    make(chan struct{}),
		writerDone: make(chan struct{}),
	}, nil
}

func (c *Channel) ID() string            { return c.config.ID }
func (c *Channel) Owner() pool.Owner     { return c.owner }
func (c *Channel) Role() structs.Role    { return c.config.Role }
func (c *Channel) Address() string       { return c.config.Address }
func (c *Channel) State() State          { return c.state }
func (c *Channel) LastSend() time.Time   { return c.lastSend }
func (c *Channel) LastRecv() time.Time   { return c.lastRecv }
func (c *Channel) Done() <-chan struct{} { return c.doneCh }

// Active is a shorthand used by stream managers.
func (c *Channel) Active() bool { return c.state == StateActive }

// Err returns the reason the channel closed, or nil.
func (c *Channel) Err() error { return c.err }

// PingInterval is the negotiated interval once ACTIVE, the offered one
// before.
func (c *Channel) PingInterval() time.Duration { return c.pingInterval }

// ProtocolVersion is the negotiated version once ACTIVE.
func (c *Channel) ProtocolVersion() string { return c.protocolVersion }

// StartConnecting marks the channel CONNECTING while the transport is being
// dialed.
func (c *Channel) StartConnecting() error {
	if c.state != StateInactive {
		return fmt.Errorf("%w: cannot connect a channel in state %s", structs.ErrInvalidArgument, c.state)
	}
	c.state = StateConnecting
	c.connectingSince = c.config.Clock.Now()
	return nil
}

// HandleTransportUp takes ownership of a dialed connection and starts the
// handshake.
func (c *Channel) HandleTransportUp(conn net.Conn) error {
	if c.state != StateConnecting || c.conn != nil {
		conn.Close()
		return fmt.Errorf("%w: transport up in state %s", structs.ErrInvalidArgument, c.state)
	}
	c.start(conn)
	return c.Write(&structs.Hello{
		ProtocolVersion: c.config.ProtocolVersion,
		PingInterval:    c.config.PingInterval,
		Role:            c.config.Role,
		Component:       c.config.Component,
	})
}

// Accept takes ownership of an accepted connection on the provider side and
// waits for the consumer's Hello.
func (c *Channel) Accept(conn net.Conn) error {
	if c.state != StateInactive {
		conn.Close()
		return fmt.Errorf("%w: accept in state %s", structs.ErrInvalidArgument, c.state)
	}
	c.state = StateConnecting
	c.start(conn)
	return nil
}

func (c *Channel) start(conn net.Conn) {
	now := c.config.Clock.Now()
	c.conn = conn
	c.connectingSince = now
	c.lastRecv = now
	c.lastSend = now

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn)
}

// HandleMessage processes session messages and returns the message when it
// belongs to a stream and should be forwarded, or nil when it was consumed
// here. An error means the channel must be closed.
func (c *Channel) HandleMessage(msg structs.Message) (structs.Message, error) {
	if c.state == StateClosed {
		return nil, structs.ErrChannelClosed
	}
	c.lastRecv = c.config.Clock.Now()

	switch m := msg.(type) {
	case *structs.Ping:
		return nil, nil

	case *structs.Hello:
		return nil, c.handleHello(m)

	case *structs.HelloAck:
		return nil, c.handleHelloAck(m)
	}

	if c.state != StateActive {
		return nil, fmt.Errorf("%w: %s received before handshake completed", structs.ErrChannelNotActive, msg.Type())
	}
	return msg, nil
}

func (c *Channel) handleHello(m *structs.Hello) error {
	if c.config.Role != structs.RoleProvider || c.state != StateConnecting {
		return fmt.Errorf("unexpected hello in state %s", c.state)
	}

	refuse := func(err error) error {
		c.linger = true
		c.Write(&structs.HelloAck{
			ProtocolVersion: c.config.ProtocolVersion,
			Component:       c.config.Component,
			Error:           err.Error(),
		})
		return err
	}
	if m.Role != structs.RoleConsumer {
		return refuse(fmt.Errorf("%w: peer role %s", structs.ErrProtocolVersion, m.Role))
	}
	negotiated, err := c.negotiateVersion(m.ProtocolVersion)
	if err != nil {
		return refuse(err)
	}

	c.protocolVersion = negotiated
	if m.PingInterval > 0 && m.PingInterval < c.pingInterval {
		c.pingInterval = m.PingInterval
	}
	if err := c.Write(&structs.HelloAck{
		ProtocolVersion: c.protocolVersion,
		PingInterval:    c.pingInterval,
		Component:       c.config.Component,
	}); err != nil {
		return err
	}
	c.activate(m.Component)
	return nil
}

func (c *Channel) handleHelloAck(m *structs.HelloAck) error {
	if c.config.Role != structs.RoleConsumer || c.state != StateConnecting {
		return fmt.Errorf("unexpected hello ack in state %s", c.state)
	}
	if m.Error != "" {
		return fmt.Errorf("%w: refused by provider: %s", structs.ErrProtocolVersion, m.Error)
	}
	negotiated, err := c.negotiateVersion(m.ProtocolVersion)
	if err != nil {
		return err
	}
	c.protocolVersion = negotiated
	if m.PingInterval > 0 && m.PingInterval < c.pingInterval {
		c.pingInterval = m.PingInterval
	}
	c.activate(m.Component)
	return nil
}

// negotiateVersion accepts any peer version with the same major version and
// settles on the lower of the two.
func (c *Channel) negotiateVersion(peer string) (string, error) {
	pv, err := version.NewVersion(peer)
	if err != nil {
		return "", fmt.Errorf("%w: peer version %q: %v", structs.ErrProtocolVersion, peer, err)
	}
	if pv.Segments()[0] != c.local.Segments()[0] {
		return "", fmt.Errorf("%w: peer %s is incompatible with %s", structs.ErrProtocolVersion, pv, c.local)
	}
	if pv.LessThan(c.local) {
		return pv.Original(), nil
	}
	return c.local.Original(), nil
}

func (c *Channel) activate(peerComponent string) {
	c.state = StateActive
	c.logger.Debug("channel active",
		"protocol_version", c.protocolVersion,
		"ping_interval", c.pingInterval,
		"peer", peerComponent,
	)
}

// Tick runs the keepalive. It sends a ping when nothing was written for a
// ping interval and fails with ErrPingTimeout when nothing was received for
// two. The same timeout bounds the handshake.
func (c *Channel) Tick(now time.Time) error {
	timeout := 2 * c.pingInterval
	switch c.state {
	case StateConnecting:
		if c.conn != nil && now.Sub(c.connectingSince) >= timeout {
			metrics.IncrCounter([]string{"channel", "handshake_timeout"}, 1)
			return fmt.Errorf("%w: handshake not completed within %s", structs.ErrPingTimeout, timeout)
		}
	case StateActive:
		if now.Sub(c.lastRecv) >= timeout {
			metrics.IncrCounter([]string{"channel", "ping_timeout"}, 1)
			return fmt.Errorf("%w: nothing received for %s", structs.ErrPingTimeout, now.Sub(c.lastRecv))
		}
		if now.Sub(c.lastSend) >= c.pingInterval {
			err := c.Write(&structs.Ping{})
			if err != nil && !structs.IsErrNoResources(err) {
				return err
			}
		}
	}
	return nil
}

// NextDeadline returns when Tick next has work to do, or zero.
func (c *Channel) NextDeadline() time.Time {
	timeout := 2 * c.pingInterval
	switch c.state {
	case StateConnecting:
		if c.conn != nil {
			return c.connectingSince.Add(timeout)
		}
	case StateActive:
		ping := c.lastSend.Add(c.pingInterval)
		dead := c.lastRecv.Add(timeout)
		if ping.Before(dead) {
			return ping
		}
		return dead
	}
	return time.Time{}
}

// Write encodes msg into a leased buffer and queues it for the writer.
// Before the handshake completes only session messages may be written. A
// full write queue or an exhausted pool returns ErrNoResources.
func (c *Channel) Write(msg structs.Message) error {
	switch c.state {
	case StateClosed:
		return structs.ErrChannelClosed
	case StateInactive:
		return structs.ErrChannelNotActive
	case StateConnecting:
		if c.conn == nil || structs.KindOf(msg) != structs.KindSession {
			return structs.ErrChannelNotActive
		}
	}

	body, err := structs.Encode(msg)
	if err != nil {
		return err
	}
	buf, err := c.config.Pool.Lease(c.owner, structs.EncodedFrameSize(body))
	if err != nil {
		return err
	}
	n, err := structs.PutFrame(buf.Data(), body)
	if err == nil {
		err = buf.SetLen(n)
	}
	if err != nil {
		c.config.Pool.Release(buf)
		return err
	}

	select {
	case c.writeCh <- outbound{buf: buf, data: buf.Bytes()}:
	default:
		c.config.Pool.Release(buf)
		return fmt.Errorf("%w: write queue full", structs.ErrNoResources)
	}
	c.lastSend = c.config.Clock.Now()
	return nil
}

// Close moves the channel to CLOSED, drops queued writes and reclaims every
// buffer leased under the channel. Closing twice is a no-op.
func (c *Channel) Close(reason error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.err = reason
	if c.linger && c.conn != nil {
		c.conn.SetWriteDeadline(time.Now().Add(lingerTimeout))
		close(c.flushCh)
		<-c.writerDone
	}
	close(c.doneCh)
	if c.conn != nil {
		c.conn.Close()
	}
	c.wg.Wait()

	n := c.config.Pool.Reclaim(c.owner)
	if reason != nil && !structs.IsErrVoluntaryFailover(reason) {
		c.logger.Warn("channel closed", "error", reason, "reclaimed", n)
	} else {
		c.logger.Debug("channel closed", "reclaimed", n)
	}
}

func (c *Channel) post(ev Event) {
	ev.Channel = c
	select {
	case c.events <- ev:
	case <-c.doneCh:
	}
}

func (c *Channel) readLoop(conn net.Conn) {
	defer c.wg.Done()

	r := bufio.NewReaderSize(conn, readBufferSize)
	var scratch []byte
	for {
		frame, err := structs.ReadFrame(r, scratch)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.post(Event{Err: err})
			}
			return
		}
		scratch = frame[:0]

		msg, err := structs.Decode(frame)
		if err != nil {
			c.post(Event{Err: err})
			return
		}
		c.post(Event{Msg: msg})
	}
}

func (c *Channel) writeLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.writerDone)

	write := func(out outbound) error {
		_, err := conn.Write(out.data)
		// The buffer may already have been reclaimed by Close.
		c.config.Pool.Release(out.buf)
		return err
	}
	for {
		select {
		case out := <-c.writeCh:
			if err := write(out); err != nil {
				c.post(Event{Err: err})
				return
			}
		case <-c.flushCh:
			for {
				select {
				case out := <-c.writeCh:
					if write(out) != nil {
						return
					}
				default:
					return
				}
			}
		case <-c.doneCh:
			return
		}
	}
}
