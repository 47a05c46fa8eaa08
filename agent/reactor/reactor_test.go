// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package reactor

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hashicorp/feedmux/agent/cache"
	"github.com/hashicorp/feedmux/agent/channel"
	"github.com/hashicorp/feedmux/agent/router"
	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/agent/transport"
	"github.com/hashicorp/feedmux/agent/tunnel"
	"github.com/hashicorp/feedmux/sdk/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// provider answers every request with a complete refresh carrying
// "image:<name>" and records what it was asked for.
type provider struct {
	r        *Reactor
	requests []string
}

func (p *provider) onMessage(h *ChannelHandle, msg structs.Message) {
	switch m := msg.(type) {
	case *structs.Request:
		p.requests = append(p.requests, fmt.Sprintf("%s:%s", m.Domain, m.Key.Name))
		p.r.Submit(h, &structs.Refresh{
			StreamID:  m.StreamID,
			Domain:    m.Domain,
			Key:       m.Key,
			Status:    structs.StreamStatus{Stream: structs.StreamStateOpen, Data: structs.DataStateOK},
			Solicited: true,
			Complete:  true,
			Payload:   []byte("image:" + m.Key.Name),
		}, nil)
	case *structs.Close:
		p.requests = append(p.requests, fmt.Sprintf("close:%d", m.StreamID))
	}
}

// consumer records channel events and messages per caller stream.
type consumer struct {
	events []ChannelEvent
	msgs   map[int32][]structs.Message
}

func (c *consumer) onEvent(ev ChannelEvent) { c.events = append(c.events, ev) }

func (c *consumer) onMessage(_ *ChannelHandle, msg structs.Message) {
	id := structs.StreamIDOf(msg)
	c.msgs[id] = append(c.msgs[id], msg)
}

func (c *consumer) types() []EventType {
	out := make([]EventType, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Type)
	}
	return out
}

func (c *consumer) count(t EventType) int {
	n := 0
	for _, ev := range c.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (c *consumer) reset() { c.events = nil }

type harness struct {
	t        *testing.T
	clock    *clock.Mock
	network  *transport.InmemNetwork
	provider *Reactor
	consumer *Reactor

	prov *provider
	cons *consumer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mock := clock.NewMock()
	network := transport.NewInmemNetwork()
	logger := testutil.Logger(t)

	p, err := New(Options{Clock: mock, Dialer: network, Logger: logger.Named("provider"), Component: "test-provider"})
	require.NoError(t, err)
	c, err := New(Options{Clock: mock, Dialer: network, Logger: logger.Named("consumer"), Component: "test-consumer"})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Shutdown())
		require.NoError(t, p.Shutdown())
	})

	return &harness{
		t:        t,
		clock:    mock,
		network:  network,
		provider: p,
		consumer: c,
		prov:     &provider{r: p},
		cons:     &consumer{msgs: make(map[int32][]structs.Message)},
	}
}

func (h *harness) listen(addr string, opts ListenOptions) *Listener {
	h.t.Helper()
	ln, err := h.network.Listen(addr)
	require.NoError(h.t, err)
	opts.Listener = ln
	if opts.OnMessage == nil {
		opts.OnMessage = h.prov.onMessage
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Hour
	}
	l, err := h.provider.Listen(opts)
	require.NoError(h.t, err)
	return l
}

func (h *harness) connect(opts ChannelOptions) *ChannelHandle {
	h.t.Helper()
	opts.OnEvent = h.cons.onEvent
	opts.OnMessage = h.cons.onMessage
	if opts.PingInterval == 0 {
		opts.PingInterval = time.Hour
	}
	ch, err := h.consumer.Connect(opts)
	require.NoError(h.t, err)
	return ch
}

// run dispatches both reactors until cond holds.
func (h *harness) run(cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("condition not reached, consumer events: %v", h.cons.types())
		}
		_, err := h.provider.Dispatch(time.Millisecond)
		require.NoError(h.t, err)
		_, err = h.consumer.Dispatch(time.Millisecond)
		require.NoError(h.t, err)
	}
}

// settle dispatches a few more passes so that anything unexpected would
// show up.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 20; i++ {
		_, err := h.provider.Dispatch(time.Millisecond)
		require.NoError(h.t, err)
		_, err = h.consumer.Dispatch(time.Millisecond)
		require.NoError(h.t, err)
	}
}

func (h *harness) active(ch *ChannelHandle) func() bool {
	return func() bool { return ch.State() == channel.StateActive }
}

func request(id int32, domain structs.DomainType, name string) *structs.Request {
	return &structs.Request{StreamID: id, Domain: domain, Key: structs.MsgKey{Name: name}, Streaming: true}
}

func (h *harness) subscribe(ch *ChannelHandle) {
	h.t.Helper()
	for _, req := range []*structs.Request{
		request(1, structs.DomainLogin, "user"),
		request(2, structs.DomainSource, ""),
		request(10, structs.DomainMarketPrice, "A"),
		request(11, structs.DomainMarketPrice, "A"),
		request(12, structs.DomainMarketPrice, "B"),
	} {
		require.NoError(h.t, h.consumer.Submit(ch, req, nil))
	}
}

func TestReactor_ConnectAndAggregate(t *testing.T) {
	h := newHarness(t)
	h.listen("provider:14002", ListenOptions{})
	ch := h.connect(ChannelOptions{Endpoints: []router.Endpoint{{Address: "provider:14002"}}})

	h.run(h.active(ch))
	require.Equal(t, []EventType{EventConnecting, EventUp}, h.cons.types())
	require.Equal(t, time.Hour, ch.PingInterval())

	h.subscribe(ch)
	h.run(func() bool {
		return len(h.cons.msgs[10]) == 1 && len(h.cons.msgs[11]) == 1 && len(h.cons.msgs[12]) == 1
	})
	h.settle()

	// The login goes first and the duplicate item is asked for once.
	require.Equal(t, []string{"login:user", "source:", "market_price:A", "market_price:B"}, h.prov.requests)

	for _, id := range []int32{10, 11} {
		refresh := h.cons.msgs[id][0].(*structs.Refresh)
		require.Equal(t, id, refresh.StreamID)
		require.Equal(t, "image:A", string(refresh.Payload))
	}
	info, ok := ch.Stream(11)
	require.True(t, ok)
	require.Equal(t, 2, info.Listeners)
}

func TestReactor_ReplayAfterReconnect(t *testing.T) {
	h := newHarness(t)
	h.listen("provider:14002", ListenOptions{})
	ch := h.connect(ChannelOptions{
		Endpoints:             []router.Endpoint{{Address: "provider:14002"}},
		ReconnectAttemptLimit: UnlimitedReconnects,
	})
	h.run(h.active(ch))
	h.subscribe(ch)
	h.run(func() bool { return len(h.cons.msgs[12]) == 1 })

	h.prov.requests = nil
	h.cons.reset()
	require.Equal(t, 1, h.network.Sever("provider:14002"))

	h.run(func() bool { return h.cons.count(EventDownReconnecting) == 1 })
	require.Error(t, h.cons.events[0].Err)
	require.Equal(t, channel.StateClosed, ch.State())

	h.clock.Add(DefaultReconnectMinDelay)
	h.run(func() bool { return len(h.prov.requests) == 4 })
	h.settle()

	require.Equal(t, []EventType{EventDownReconnecting, EventConnecting, EventUp}, h.cons.types())
	require.Equal(t, []string{"login:user", "source:", "market_price:A", "market_price:B"}, h.prov.requests)

	// Loss of the channel is invisible to item streams.
	for _, msg := range h.cons.msgs[10] {
		require.IsType(t, &structs.Refresh{}, msg)
	}
}

func TestReactor_ReconnectBackoffAndLimit(t *testing.T) {
	h := newHarness(t)
	ch := h.connect(ChannelOptions{
		Endpoints:             []router.Endpoint{{Address: "nowhere:1"}},
		ReconnectMinDelay:     time.Second,
		ReconnectMaxDelay:     4 * time.Second,
		ReconnectAttemptLimit: 3,
	})
	require.NoError(t, h.consumer.Submit(ch, request(1, structs.DomainLogin, "user"), nil))

	var delays []time.Duration
	for i := 1; i <= 3; i++ {
		h.run(func() bool { return h.cons.count(EventDownReconnecting) == i })
		delay := ch.reconnectAt.Sub(h.clock.Now())
		delays = append(delays, delay)
		h.clock.Add(delay)
	}
	h.run(func() bool { return h.cons.count(EventDown) == 1 })

	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
	require.Equal(t, 4, h.network.Dials("nowhere:1"))
	require.Equal(t, []EventType{
		EventConnecting, EventDownReconnecting,
		EventConnecting, EventDownReconnecting,
		EventConnecting, EventDownReconnecting,
		EventConnecting, EventDown,
	}, h.cons.types())
	require.Empty(t, h.consumer.Handles())

	// The recorded login is closed for good.
	require.Len(t, h.cons.msgs[1], 1)
	status := h.cons.msgs[1][0].(*structs.Status)
	require.Equal(t, structs.StreamStateClosed, status.Status.Stream)
	require.Equal(t, structs.DomainLogin, status.Domain)

	err := h.consumer.Submit(ch, request(2, structs.DomainSource, ""), nil)
	require.True(t, structs.IsErrChannelClosed(err))
}

func TestReactor_PreferredHostDetection(t *testing.T) {
	h := newHarness(t)
	h.listen("a:1", ListenOptions{})
	h.listen("b:1", ListenOptions{})
	h.network.SetDown("a:1", true)

	ch := h.connect(ChannelOptions{
		Endpoints: []router.Endpoint{{Name: "a", Address: "a:1"}, {Name: "b", Address: "b:1"}},
		PreferredHost: router.PreferredHostOptions{
			Enabled:           true,
			Index:             0,
			DetectionInterval: 5 * time.Minute,
		},
		ReconnectAttemptLimit: UnlimitedReconnects,
	})
	h.run(func() bool { return h.cons.count(EventDownReconnecting) == 1 })
	h.clock.Add(DefaultReconnectMinDelay)
	h.run(h.active(ch))
	require.Equal(t, "b:1", ch.Endpoint().Address)

	h.network.SetDown("a:1", false)
	h.cons.reset()
	h.clock.Add(5 * time.Minute)
	h.run(func() bool { return h.cons.count(EventFallbackComplete) == 1 })

	require.Equal(t, []EventType{
		EventFallbackStarting,
		EventDownReconnecting,
		EventConnecting,
		EventUp,
		EventFallbackComplete,
	}, h.cons.types())
	require.NoError(t, h.cons.events[1].Err)
	require.Equal(t, "b:1", h.cons.events[1].Endpoint.Address)
	require.Equal(t, "a:1", ch.Endpoint().Address)
	require.True(t, h.active(ch)())
}

func TestReactor_SwitchEndpointFallsBack(t *testing.T) {
	h := newHarness(t)
	h.listen("a:1", ListenOptions{})
	h.listen("b:1", ListenOptions{})

	ch := h.connect(ChannelOptions{
		Endpoints: []router.Endpoint{{Address: "a:1"}, {Address: "b:1"}},
		PreferredHost: router.PreferredHostOptions{
			Enabled:          true,
			FallbackInterval: time.Minute,
		},
	})
	h.run(h.active(ch))
	require.Equal(t, "a:1", ch.Endpoint().Address)

	h.cons.reset()
	require.NoError(t, h.consumer.SwitchEndpoint(ch, 1))
	h.run(h.active(ch))
	require.Equal(t, "b:1", ch.Endpoint().Address)
	require.Equal(t, []EventType{EventDownReconnecting, EventConnecting, EventUp}, h.cons.types())
	require.NoError(t, h.cons.events[0].Err)

	h.cons.reset()
	h.clock.Add(time.Minute)
	h.run(func() bool { return h.cons.count(EventFallbackComplete) == 1 })
	require.Equal(t, "a:1", ch.Endpoint().Address)

	err := h.consumer.SwitchEndpoint(ch, 5)
	require.Error(t, err)
}

func TestReactor_FallbackPreferredHostRequiresPreferences(t *testing.T) {
	h := newHarness(t)
	h.listen("a:1", ListenOptions{})
	ch := h.connect(ChannelOptions{Endpoints: []router.Endpoint{{Address: "a:1"}}})

	err := h.consumer.FallbackPreferredHost(ch)
	require.True(t, structs.IsErrInvalidArgument(err))
}

func TestReactor_Reconfigure(t *testing.T) {
	h := newHarness(t)
	h.listen("a:1", ListenOptions{})
	h.listen("b:1", ListenOptions{})
	ch := h.connect(ChannelOptions{Endpoints: []router.Endpoint{{Address: "a:1"}}})
	h.run(h.active(ch))

	// The current endpoint is still listed, so the channel stays.
	h.cons.reset()
	require.NoError(t, h.consumer.Reconfigure(ch, []router.Endpoint{{Address: "b:1"}, {Address: "a:1"}}, router.PreferredHostOptions{}))
	h.settle()
	require.Empty(t, h.cons.types())
	require.Len(t, ch.Endpoints(), 2)

	require.NoError(t, h.consumer.Reconfigure(ch, []router.Endpoint{{Address: "b:1"}}, router.PreferredHostOptions{}))
	h.run(h.active(ch))
	require.Equal(t, "b:1", ch.Endpoint().Address)
	require.NoError(t, h.cons.events[0].Err)

	err := h.consumer.Reconfigure(ch, nil, router.PreferredHostOptions{})
	require.True(t, structs.IsErrInvalidArgument(err))
}

func TestReactor_PingTimeout(t *testing.T) {
	h := newHarness(t)
	h.listen("provider:14002", ListenOptions{PingInterval: 10 * time.Second})
	ch := h.connect(ChannelOptions{
		Endpoints:             []router.Endpoint{{Address: "provider:14002"}},
		PingInterval:          10 * time.Second,
		ReconnectAttemptLimit: UnlimitedReconnects,
	})
	h.run(h.active(ch))
	require.Equal(t, 10*time.Second, ch.PingInterval())

	h.cons.reset()
	h.clock.Add(21 * time.Second)
	h.run(func() bool { return h.cons.count(EventDownReconnecting) == 1 })
	require.True(t, structs.IsErrPingTimeout(h.cons.events[0].Err))
}

func TestReactor_Cache(t *testing.T) {
	h := newHarness(t)
	h.listen("provider:14002", ListenOptions{})
	store, err := cache.NewLRU(cache.Options{})
	require.NoError(t, err)
	ch := h.connect(ChannelOptions{Endpoints: []router.Endpoint{{Address: "provider:14002"}}, Cache: store})
	h.run(h.active(ch))
	h.subscribe(ch)
	h.run(func() bool { return len(h.cons.msgs[12]) == 1 })

	image, err := ch.Retrieve(10)
	require.NoError(t, err)
	require.Equal(t, "image:A", string(image))

	require.NoError(t, h.consumer.Submit(ch, &structs.Close{StreamID: 10, Domain: structs.DomainMarketPrice}, nil))
	_, err = ch.Retrieve(10)
	require.True(t, structs.IsErrNotFound(err))

	// Caller 11 still listens, so the wire stream stays open until it
	// leaves too.
	h.settle()
	require.NotContains(t, h.prov.requests, "close:3")
	wire, ok := ch.Stream(11)
	require.True(t, ok)
	require.NoError(t, h.consumer.Submit(ch, &structs.Close{StreamID: 11, Domain: structs.DomainMarketPrice}, nil))
	h.run(func() bool { return len(h.prov.requests) == 5 })
	require.Equal(t, fmt.Sprintf("close:%d", wire.WireID), h.prov.requests[4])
}

func TestReactor_SubmitOptionsCallback(t *testing.T) {
	h := newHarness(t)
	h.listen("provider:14002", ListenOptions{})
	ch := h.connect(ChannelOptions{Endpoints: []router.Endpoint{{Address: "provider:14002"}}})
	h.run(h.active(ch))

	var got []structs.Message
	onItem := func(_ *ChannelHandle, msg structs.Message) { got = append(got, msg) }

	require.NoError(t, h.consumer.Submit(ch, request(1, structs.DomainLogin, "user"), nil))
	req := request(0, structs.DomainMarketPrice, "C")
	require.NoError(t, h.consumer.Submit(ch, req, &SubmitOptions{OnMessage: onItem}))
	require.Less(t, req.StreamID, int32(0))

	h.run(func() bool { return len(got) == 1 })
	require.Equal(t, req.StreamID, structs.StreamIDOf(got[0]))
	require.Empty(t, h.cons.msgs[req.StreamID])

	// A second caller attaching to the open stream gets the last refresh.
	require.NoError(t, h.consumer.Submit(ch, request(20, structs.DomainMarketPrice, "C"), nil))
	h.run(func() bool { return len(h.cons.msgs[20]) == 1 })
	require.True(t, h.cons.msgs[20][0].(*structs.Refresh).Solicited)

	err := h.consumer.Submit(ch, &structs.Refresh{StreamID: 1}, nil)
	require.True(t, structs.IsErrInvalidArgument(err))
}

func TestReactor_BatchRequest(t *testing.T) {
	h := newHarness(t)
	h.listen("provider:14002", ListenOptions{})
	ch := h.connect(ChannelOptions{Endpoints: []router.Endpoint{{Address: "provider:14002"}}})
	h.run(h.active(ch))

	got := make(map[int32][]structs.Message)
	onItem := func(_ *ChannelHandle, msg structs.Message) {
		id := structs.StreamIDOf(msg)
		got[id] = append(got[id], msg)
	}

	require.NoError(t, h.consumer.Submit(ch, request(1, structs.DomainLogin, "user"), nil))
	batch := &structs.Request{Domain: structs.DomainMarketPrice, ItemList: []string{"A", "B"}, Streaming: true}
	err := h.consumer.Submit(ch, batch, nil)
	require.True(t, structs.IsErrInvalidArgument(err))

	batch.StreamID = 30
	require.NoError(t, h.consumer.Submit(ch, batch, &SubmitOptions{OnMessage: onItem}))
	h.run(func() bool { return len(got[31]) == 1 && len(got[32]) == 1 })

	require.Len(t, got[30], 1)
	require.Equal(t, structs.StreamStateClosed, got[30][0].(*structs.Status).Status.Stream)
	require.Equal(t, "image:A", string(got[31][0].(*structs.Refresh).Payload))
	require.Equal(t, "image:B", string(got[32][0].(*structs.Refresh).Payload))
	require.Equal(t, []string{"login:user", "market_price:A", "market_price:B"}, h.prov.requests)
	require.Empty(t, h.cons.msgs[30])
}

func TestReactor_TunnelStream(t *testing.T) {
	h := newHarness(t)

	var cos structs.ClassOfService
	cos.FlowControl.Type = structs.FlowControlBidirectional
	cos.DataIntegrity.Type = structs.DataIntegrityReliable
	cos.Finalize()

	// The provider echoes every message back.
	echo := func(s *tunnel.Stream, msg tunnel.Message) error {
		buf, err := s.GetBuffer(len(msg.Payload))
		if err != nil {
			return err
		}
		copy(buf.Data(), msg.Payload)
		if err := buf.SetLen(len(msg.Payload)); err != nil {
			return err
		}
		return s.Submit(buf)
	}
	h.listen("provider:14002", ListenOptions{
		Tunnels: map[structs.DomainType]structs.ClassOfService{structs.DomainSystem: cos},
		AcceptTunnel: func(*structs.TunnelOpen) (tunnel.Options, bool) {
			return tunnel.Options{OnMessage: echo}, true
		},
	})
	ch := h.connect(ChannelOptions{Endpoints: []router.Endpoint{{Address: "provider:14002"}}})

	var states []tunnel.State
	var received []string
	s, err := h.consumer.OpenTunnelStream(ch, tunnel.Options{
		Name:           "echo",
		Domain:         structs.DomainSystem,
		ServiceID:      1,
		ClassOfService: cos,
		OnStatus:       func(_ *tunnel.Stream, ev tunnel.StatusEvent) { states = append(states, ev.State) },
		OnMessage: func(_ *tunnel.Stream, msg tunnel.Message) error {
			received = append(received, string(msg.Payload))
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, tunnel.StateRequested, s.State())

	h.run(func() bool { return s.State() == tunnel.StateOpen })
	got, ok := ch.TunnelStream(s.ID())
	require.True(t, ok)
	require.Same(t, s, got)

	for _, text := range []string{"hello", "world"} {
		buf, err := s.GetBuffer(len(text))
		require.NoError(t, err)
		copy(buf.Data(), text)
		require.NoError(t, buf.SetLen(len(text)))
		require.NoError(t, s.Submit(buf))
	}
	h.run(func() bool { return len(received) == 2 })
	require.Equal(t, []string{"hello", "world"}, received)

	require.NoError(t, s.Close())
	h.run(func() bool { return s.State() == tunnel.StateClosed })
	require.Equal(t, []tunnel.State{tunnel.StateOpen, tunnel.StateClosed}, states)
	require.Zero(t, s.Leased())
}

func TestReactor_Listener(t *testing.T) {
	h := newHarness(t)
	var events []EventType
	l := h.listen("provider:14002", ListenOptions{OnEvent: func(ev ChannelEvent) { events = append(events, ev.Type) }})
	require.Equal(t, "provider:14002", l.Addr().String())

	ch := h.connect(ChannelOptions{Endpoints: []router.Endpoint{{Address: "provider:14002"}}})
	h.run(h.active(ch))
	h.run(func() bool { return len(events) == 2 })
	require.Equal(t, []EventType{EventConnecting, EventUp}, events)
	require.Len(t, l.Handles(), 1)
	require.Equal(t, structs.RoleProvider, l.Handles()[0].Role())

	// Closing the consumer takes the provider handle down.
	require.NoError(t, h.consumer.CloseChannel(ch))
	h.run(func() bool { return len(events) == 3 })
	require.Equal(t, EventDown, events[2])
	require.Empty(t, l.Handles())
	require.NoError(t, l.Close())

	// Closed handles are inert.
	require.NoError(t, h.consumer.CloseChannel(ch))
	err := h.consumer.Submit(ch, request(1, structs.DomainLogin, "user"), nil)
	require.True(t, structs.IsErrChannelClosed(err))
}

func TestReactor_ConnectValidation(t *testing.T) {
	r, err := New(Options{Logger: testutil.Logger(t)})
	require.NoError(t, err)
	defer r.Shutdown()

	_, err = r.Connect(ChannelOptions{Endpoints: []router.Endpoint{{Address: "no-port"}}})
	require.True(t, structs.IsConnectionError(err))

	_, err = r.Connect(ChannelOptions{})
	require.True(t, structs.IsErrInvalidArgument(err))

	_, err = r.Connect(ChannelOptions{
		Endpoints:     []router.Endpoint{{Address: "a:1"}},
		PreferredHost: router.PreferredHostOptions{Enabled: true, Index: 3},
	})
	require.True(t, structs.IsErrInvalidArgument(err))
}

func TestReactor_PostAndWakeup(t *testing.T) {
	r, err := New(Options{Logger: testutil.Logger(t), PostQueueSize: 1})
	require.NoError(t, err)
	defer r.Shutdown()

	ran := false
	require.NoError(t, r.Post(func() { ran = true }))
	err = r.Post(func() {})
	require.True(t, structs.IsErrNoResources(err))

	n, err := r.Dispatch(time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, ran)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(10 * time.Millisecond)
		r.Wakeup()
	}()
	start := time.Now()
	n, err = r.Dispatch(time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Less(t, time.Since(start), 30*time.Second)
	<-done
}

func TestReactor_Shutdown(t *testing.T) {
	h := newHarness(t)
	h.listen("provider:14002", ListenOptions{})
	ch := h.connect(ChannelOptions{Endpoints: []router.Endpoint{{Address: "provider:14002"}}})
	h.run(h.active(ch))

	// Shutting down from inside a callback ends the pass.
	require.NoError(t, h.consumer.Post(func() {
		require.NoError(t, h.consumer.Shutdown())
	}))
	_, err := h.consumer.Dispatch(time.Second)
	require.NoError(t, err)

	_, err = h.consumer.Dispatch(time.Millisecond)
	require.ErrorIs(t, err, structs.ErrShutdown)
	require.ErrorIs(t, h.consumer.Post(func() {}), structs.ErrShutdown)
	_, err = h.consumer.Connect(ChannelOptions{Endpoints: []router.Endpoint{{Address: "provider:14002"}}})
	require.ErrorIs(t, err, structs.ErrShutdown)
	require.Equal(t, channel.StateClosed, ch.State())

	// A second shutdown is a no-op.
	require.NoError(t, h.consumer.Shutdown())
}
