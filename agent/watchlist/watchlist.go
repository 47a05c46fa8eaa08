// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package watchlist tracks the login, directory and item streams of one
// consumer channel, aggregates identical requests onto one wire stream and
// replays them when the channel comes back.
//
// A Watchlist is owned by the dispatch goroutine and is not safe for
// concurrent use.
package watchlist

import (
	"fmt"
	"math"
	"sort"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"
	"github.com/mitchellh/copystructure"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/hashicorp/feedmux/agent/structs"
	"github.com/hashicorp/feedmux/logging"
)

// StreamState is the recovery state of a wire stream.
type StreamState int

const (
	StatePendingRefresh StreamState = iota + 1
	StateOpen
	StateClosedRecoverable
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StatePendingRefresh:
		return "pending_refresh"
	case StateOpen:
		return "open"
	case StateClosedRecoverable:
		return "closed_recoverable"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("stream_state(%d)", int(s))
	}
}

// Sender is the channel the watchlist writes requests to.
type Sender interface {
	Write(msg structs.Message) error
	Active() bool
}

// Delivery is a message addressed to one caller stream. Msg already carries
// the caller's stream id. Payloads are shared between the deliveries of one
// inbound message.
type Delivery struct {
	CallerID int32
	Msg      structs.Message
}

// StreamInfo describes the wire stream behind a caller stream id.
type StreamInfo struct {
	WireID    int32
	Kind      structs.Kind
	Domain    structs.DomainType
	State     StreamState
	Listeners int
	Pending   bool
}

// Config for a Watchlist.
type Config struct {
	Sender Sender

	// NextID allocates wire stream ids. It is shared with the tunnel
	// stream manager of the same channel.
	NextID func() int32

	Logger hclog.Logger
}

// stream is a row of the streams table. Rows are never modified in place;
// a changed copy is inserted instead.
type stream struct {
	WireID int32
	Key    string
	Kind   structs.Kind
	Domain structs.DomainType
	State  StreamState
	Seq    uint64

	// Request is the last-known request, addressed to WireID.
	Request *structs.Request

	// LastRefresh is the last complete refresh, used to answer listeners
	// attaching to an open stream.
	LastRefresh *structs.Refresh

	// PendingSend is set while the request is recorded but not on the
	// wire.
	PendingSend bool
}

type listener struct {
	CallerID int32
	WireID   int32
	Seq      uint64
}

// aggregationKey is hashed to find identical requests.
type aggregationKey struct {
	Domain     structs.DomainType
	ServiceID  uint16
	Name       string
	NameType   uint8
	Filter     uint32
	Identifier int32
	Streaming  bool
	View       []string `hash:"set"`
}

// Watchlist is the request recovery table of one channel.
type Watchlist struct {
	db     *memdb.MemDB
	sender Sender
	nextID func() int32
	logger hclog.Logger

	seq     uint64
	pending int
}

// New returns an empty watchlist.
func New(config Config) (*Watchlist, error) {
	if config.Sender == nil || config.NextID == nil {
		return nil, fmt.Errorf("%w: watchlist requires a sender and an id allocator", structs.ErrInvalidArgument)
	}
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	db, err := newDB()
	if err != nil {
		return nil, err
	}
	return &Watchlist{
		db:     db,
		sender: config.Sender,
		nextID: config.NextID,
		logger: config.Logger.Named(logging.Watchlist),
	}, nil
}

func rank(k structs.Kind) int {
	switch k {
	case structs.KindLogin:
		return 0
	case structs.KindDirectory:
		return 1
	default:
		return 2
	}
}

func keyFor(req *structs.Request, wireID int32) (string, error) {
	if req.Private {
		return fmt.Sprintf("private/%d", wireID), nil
	}
	h, err := hashstructure.Hash(aggregationKey{
		Domain:     req.Domain,
		ServiceID:  req.Key.ServiceID,
		Name:       req.Key.Name,
		NameType:   req.Key.NameType,
		Filter:     req.Key.Filter,
		Identifier: req.Key.Identifier,
		Streaming:  req.Streaming,
		View:       req.View,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d/%x", req.Domain, h), nil
}

func copyRequest(req *structs.Request, wireID int32) (*structs.Request, error) {
	raw, err := copystructure.Copy(req)
	if err != nil {
		return nil, err
	}
	c := raw.(*structs.Request)
	c.StreamID = wireID
	return c, nil
}

func getStream(txn *memdb.Txn, wireID int32) (*stream, error) {
	raw, err := txn.First(tableStreams, indexID, wireID)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*stream), nil
}

func getListener(txn *memdb.Txn, callerID int32) (*listener, error) {
	raw, err := txn.First(tableListeners, indexID, callerID)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*listener), nil
}

// listenersOf returns the listeners of a wire stream in attach order.
func listenersOf(txn *memdb.Txn, wireID int32) ([]*listener, error) {
	iter, err := txn.Get(tableListeners, indexWire, wireID)
	if err != nil {
		return nil, err
	}
	var out []*listener
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*listener))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// allStreams returns every stream in replay order: login, directory, then
// items, each in submission order.
func allStreams(txn *memdb.Txn) ([]*stream, error) {
	iter, err := txn.Get(tableStreams, indexID)
	if err != nil {
		return nil, err
	}
	var out []*stream
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*stream))
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rank(out[i].Kind), rank(out[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// loginGate reports whether directory and item requests must wait, which is
// the case while a login stream exists that is not open.
func loginGate(txn *memdb.Txn) (bool, error) {
	streams, err := allStreams(txn)
	if err != nil {
		return false, err
	}
	for _, s := range streams {
		if s.Kind == structs.KindLogin && s.State != StateOpen {
			return true, nil
		}
	}
	return false, nil
}

func (w *Watchlist) nextSeq() uint64 {
	w.seq++
	return w.seq
}

// send puts the stream's request on the wire, or marks it pending when the
// channel is down or the login gate is closed. The caller inserts the
// returned copy.
func (w *Watchlist) send(txn *memdb.Txn, s *stream) (*stream, error) {
	c := *s
	gated := false
	if c.Kind != structs.KindLogin {
		var err error
		if gated, err = loginGate(txn); err != nil {
			return nil, err
		}
	}
	if !w.sender.Active() || gated {
		c.PendingSend = true
		return &c, nil
	}
	if err := w.sender.Write(c.Request); err != nil {
		return nil, err
	}
	c.PendingSend = false
	c.State = StatePendingRefresh
	return &c, nil
}

// Submit records a request for callerID and sends it unless an identical
// stream already exists, in which case the caller is attached to it. A
// caller attaching to an open stream receives a solicited copy of the last
// refresh. Submitting again for a caller that is the only listener of its
// stream reissues the request.
func (w *Watchlist) Submit(callerID int32, req *structs.Request) ([]Delivery, error) {
	if req == nil || callerID == 0 {
		return nil, fmt.Errorf("%w: request and caller stream id are required", structs.ErrInvalidArgument)
	}
	kind := structs.KindOf(req)
	if kind != structs.KindLogin && kind != structs.KindDirectory && kind != structs.KindItem {
		return nil, fmt.Errorf("%w: domain %s is not a request/response domain", structs.ErrInvalidArgument, req.Domain)
	}
	if len(req.ItemList) > 0 {
		return w.submitBatch(callerID, req)
	}

	txn := w.db.Txn(true)
	defer txn.Abort()

	l, err := getListener(txn, callerID)
	if err != nil {
		return nil, err
	}
	if l != nil {
		if err := w.reissue(txn, l, req); err != nil {
			return nil, err
		}
		txn.Commit()
		w.recount()
		return nil, nil
	}

	// Aggregate onto an existing stream.
	if !req.Private {
		key, err := keyFor(req, 0)
		if err != nil {
			return nil, err
		}
		raw, err := txn.First(tableStreams, indexKey, key)
		if err != nil {
			return nil, err
		}
		if raw != nil {
			out, err := w.attach(txn, raw.(*stream), callerID)
			if err != nil {
				return nil, err
			}
			txn.Commit()
			w.recount()
			return out, nil
		}
	}

	wireID := w.nextID()
	key, err := keyFor(req, wireID)
	if err != nil {
		return nil, err
	}
	recorded, err := copyRequest(req, wireID)
	if err != nil {
		return nil, err
	}
	s := &stream{
		WireID:  wireID,
		Key:     key,
		Kind:    kind,
		Domain:  req.Domain,
		State:   StatePendingRefresh,
		Seq:     w.nextSeq(),
		Request: recorded,
	}
	if s, err = w.send(txn, s); err != nil {
		return nil, err
	}
	if err := txn.Insert(tableStreams, s); err != nil {
		return nil, err
	}
	if err := txn.Insert(tableListeners, &listener{CallerID: callerID, WireID: wireID, Seq: w.nextSeq()}); err != nil {
		return nil, err
	}
	txn.Commit()
	w.recount()

	w.logger.Trace("stream requested",
		"caller_id", callerID,
		"wire_id", wireID,
		"kind", kind,
		"name", req.Key.Name,
		"pending", s.PendingSend,
	)
	return nil, nil
}

// submitBatch splits a batch request into one item request per name. The
// items take the caller ids following callerID, which must all be free.
// callerID is answered with a closed status once every item is recorded.
func (w *Watchlist) submitBatch(callerID int32, req *structs.Request) ([]Delivery, error) {
	if structs.KindOf(req) != structs.KindItem {
		return nil, fmt.Errorf("%w: only item requests can be batched", structs.ErrInvalidArgument)
	}
	if callerID < 0 || int64(callerID)+int64(len(req.ItemList)) > math.MaxInt32 {
		return nil, fmt.Errorf("%w: batch requests need a positive stream id with room for %d items",
			structs.ErrInvalidArgument, len(req.ItemList))
	}

	txn := w.db.Txn(false)
	for i := 0; i <= len(req.ItemList); i++ {
		l, err := getListener(txn, callerID+int32(i))
		if err != nil {
			return nil, err
		}
		if l != nil {
			return nil, fmt.Errorf("%w: batch stream %d", structs.ErrStreamIDInUse, l.CallerID)
		}
	}
	for _, name := range req.ItemList {
		if name == "" {
			return nil, fmt.Errorf("%w: batch item name is empty", structs.ErrInvalidArgument)
		}
	}

	var out []Delivery
	for i, name := range req.ItemList {
		item := *req
		item.ItemList = nil
		item.Key.Name = name
		item.StreamID = callerID + int32(i) + 1
		d, err := w.Submit(item.StreamID, &item)
		if err != nil {
			return out, fmt.Errorf("batch item %q: %w", name, err)
		}
		out = append(out, d...)
	}
	metrics.IncrCounter([]string{"watchlist", "batch_items"}, float32(len(req.ItemList)))

	out = append(out, Delivery{CallerID: callerID, Msg: &structs.Status{
		StreamID: callerID,
		Domain:   req.Domain,
		Status: structs.StreamStatus{
			Stream: structs.StreamStateClosed,
			Data:   structs.DataStateOK,
			Text:   "batch request acknowledged",
		},
	}})
	return out, nil
}

func (w *Watchlist) attach(txn *memdb.Txn, s *stream, callerID int32) ([]Delivery, error) {
	if err := txn.Insert(tableListeners, &listener{CallerID: callerID, WireID: s.WireID, Seq: w.nextSeq()}); err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"watchlist", "aggregated"}, 1)
	w.logger.Trace("caller attached to existing stream", "caller_id", callerID, "wire_id", s.WireID, "state", s.State)

	switch s.State {
	case StateOpen:
		if s.LastRefresh == nil {
			return nil, nil
		}
		refresh := *s.LastRefresh
		refresh.StreamID = callerID
		refresh.Solicited = true
		return []Delivery{{CallerID: callerID, Msg: &refresh}}, nil

	case StateClosedRecoverable:
		if s.PendingSend {
			return nil, nil
		}
		next, err := w.send(txn, s)
		if err != nil {
			return nil, err
		}
		return nil, txn.Insert(tableStreams, next)
	}
	return nil, nil
}

func (w *Watchlist) reissue(txn *memdb.Txn, l *listener, req *structs.Request) error {
	s, err := getStream(txn, l.WireID)
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("%w: caller stream %d", structs.ErrStreamNotFound, l.CallerID)
	}
	if structs.KindOf(req) != s.Kind {
		return fmt.Errorf("%w: reissue cannot change the stream kind", structs.ErrInvalidArgument)
	}
	ls, err := listenersOf(txn, s.WireID)
	if err != nil {
		return err
	}
	if len(ls) > 1 {
		return fmt.Errorf("%w: caller stream %d shares wire stream %d", structs.ErrStreamIDInUse, l.CallerID, s.WireID)
	}

	key, err := keyFor(req, s.WireID)
	if err != nil {
		return err
	}
	if key != s.Key {
		raw, err := txn.First(tableStreams, indexKey, key)
		if err != nil {
			return err
		}
		if raw != nil {
			return fmt.Errorf("%w: reissue matches another open stream", structs.ErrStreamIDInUse)
		}
	}
	recorded, err := copyRequest(req, s.WireID)
	if err != nil {
		return err
	}

	c := *s
	c.Key = key
	c.Request = recorded
	next := &c
	if !c.PendingSend {
		if next, err = w.send(txn, next); err != nil {
			return err
		}
	}
	w.logger.Trace("stream reissued", "caller_id", l.CallerID, "wire_id", s.WireID)
	return txn.Insert(tableStreams, next)
}

// OnMessage demultiplexes an inbound login, directory or item message to
// the listeners of its wire stream.
func (w *Watchlist) OnMessage(msg structs.Message) ([]Delivery, error) {
	txn := w.db.Txn(true)
	defer txn.Abort()

	wireID := structs.StreamIDOf(msg)
	s, err := getStream(txn, wireID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		w.logger.Debug("dropping message for unknown stream", "wire_id", wireID, "type", msg.Type())
		return nil, nil
	}
	ls, err := listenersOf(txn, wireID)
	if err != nil {
		return nil, err
	}

	c := *s
	next := &c
	switch m := msg.(type) {
	case *structs.Refresh:
		if m.Complete {
			last := *m
			next.LastRefresh = &last
		}
		switch {
		case m.Status.Terminal():
			next.State = StateClosed
		case m.Status.Recoverable():
			next.State = StateClosedRecoverable
		case m.Complete && (m.Status.Stream == structs.StreamStateNonStreaming || !next.Request.Streaming):
			next.State = StateClosed
		case m.Complete:
			next.State = StateOpen
		}
	case *structs.Status:
		switch {
		case m.Status.Terminal(), m.Status.Stream == structs.StreamStateNonStreaming:
			next.State = StateClosed
		case m.Status.Recoverable():
			next.State = StateClosedRecoverable
		}
	case *structs.Close:
		next.State = StateClosed
	case *structs.Update:
	default:
		return nil, fmt.Errorf("%w: %s is not a watchlist message", structs.ErrInvalidArgument, msg.Type())
	}

	out := make([]Delivery, 0, len(ls))
	for _, l := range ls {
		out = append(out, Delivery{CallerID: l.CallerID, Msg: structs.WithStreamID(msg, l.CallerID)})
	}

	if next.State == StateClosed {
		if err := w.remove(txn, next); err != nil {
			return nil, err
		}
	} else if err := txn.Insert(tableStreams, next); err != nil {
		return nil, err
	}

	if s.Kind == structs.KindLogin && s.State != next.State {
		more, err := w.loginChanged(txn, s.State, next.State)
		if err != nil {
			return nil, err
		}
		out = append(out, more...)
	}
	txn.Commit()
	w.recount()
	return out, nil
}

// loginChanged runs after a login stream changes state. Opening releases
// the held directory and item requests. A rejected login, or a closed one,
// takes every directory and item stream down with it.
func (w *Watchlist) loginChanged(txn *memdb.Txn, from, to StreamState) ([]Delivery, error) {
	switch {
	case to == StateOpen:
		w.logger.Debug("login open, releasing held requests")
		if err := w.flush(txn); err != nil {
			// Whatever was not sent stays pending for Flush.
			w.logger.Warn("failed to release held requests", "error", err)
		}
		return nil, nil

	case to == StateClosed, to == StateClosedRecoverable && from == StatePendingRefresh:
		w.logger.Warn("login stream closed, closing dependent streams", "state", to)
		return w.closeDependents(txn)
	}
	return nil, nil
}

func (w *Watchlist) closeDependents(txn *memdb.Txn) ([]Delivery, error) {
	streams, err := allStreams(txn)
	if err != nil {
		return nil, err
	}
	var out []Delivery
	for _, s := range streams {
		if s.Kind == structs.KindLogin {
			continue
		}
		ls, err := listenersOf(txn, s.WireID)
		if err != nil {
			return nil, err
		}
		for _, l := range ls {
			out = append(out, Delivery{CallerID: l.CallerID, Msg: &structs.Status{
				StreamID: l.CallerID,
				Domain:   s.Domain,
				Status: structs.StreamStatus{
					Stream: structs.StreamStateClosed,
					Data:   structs.DataStateSuspect,
					Code:   structs.StatusCodeNotEntitled,
					Text:   "login stream closed",
				},
			}})
		}
		if err := w.remove(txn, s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// remove deletes a stream and detaches its listeners.
func (w *Watchlist) remove(txn *memdb.Txn, s *stream) error {
	if _, err := txn.DeleteAll(tableListeners, indexWire, s.WireID); err != nil {
		return err
	}
	if _, err := txn.DeleteAll(tableStreams, indexID, s.WireID); err != nil {
		return err
	}
	return nil
}

// flush sends every pending request that the login gate allows, in replay
// order. It stops at the first write failure and leaves the rest pending.
func (w *Watchlist) flush(txn *memdb.Txn) error {
	if !w.sender.Active() {
		return nil
	}
	streams, err := allStreams(txn)
	if err != nil {
		return err
	}
	var replayed int
	for _, s := range streams {
		if !s.PendingSend {
			continue
		}
		next, err := w.send(txn, s)
		if err != nil {
			return err
		}
		if next.PendingSend {
			// Gated behind the login; everything after is too.
			break
		}
		if err := txn.Insert(tableStreams, next); err != nil {
			return err
		}
		replayed++
	}
	if replayed > 0 {
		metrics.IncrCounter([]string{"watchlist", "replayed"}, float32(replayed))
	}
	return nil
}

// Flush retries requests that are still pending, for example after a
// write was refused for lack of buffers.
func (w *Watchlist) Flush() error {
	if w.pending == 0 {
		return nil
	}
	txn := w.db.Txn(true)
	err := w.flush(txn)
	txn.Commit()
	w.recount()
	return err
}

// OnChannelDown marks every stream for replay. Listeners are not told.
func (w *Watchlist) OnChannelDown() {
	txn := w.db.Txn(true)
	defer txn.Abort()

	streams, err := allStreams(txn)
	if err != nil {
		w.logger.Error("failed to list streams", "error", err)
		return
	}
	for _, s := range streams {
		c := *s
		c.PendingSend = true
		if err := txn.Insert(tableStreams, &c); err != nil {
			w.logger.Error("failed to mark stream for replay", "wire_id", s.WireID, "error", err)
			return
		}
	}
	txn.Commit()
	w.recount()
}

// OnChannelActive replays every recorded request: the login first, then,
// once the login is open, directory and items in submission order.
func (w *Watchlist) OnChannelActive() error {
	txn := w.db.Txn(true)
	defer txn.Abort()

	// A login that was open on the old channel is not open on this one.
	streams, err := allStreams(txn)
	if err != nil {
		return err
	}
	for _, s := range streams {
		if s.PendingSend && s.State != StatePendingRefresh {
			c := *s
			c.State = StatePendingRefresh
			if err := txn.Insert(tableStreams, &c); err != nil {
				return err
			}
		}
	}
	// Requests written before a failure stay recorded as sent.
	err = w.flush(txn)
	txn.Commit()
	w.recount()
	return err
}

// Close detaches callerID from its stream. The stream is closed on the wire
// when its last listener leaves. Unknown caller ids are ignored.
func (w *Watchlist) Close(callerID int32) error {
	txn := w.db.Txn(true)
	defer txn.Abort()

	l, err := getListener(txn, callerID)
	if err != nil || l == nil {
		return err
	}
	if err := txn.Delete(tableListeners, l); err != nil {
		return err
	}
	ls, err := listenersOf(txn, l.WireID)
	if err != nil {
		return err
	}
	s, err := getStream(txn, l.WireID)
	if err != nil {
		return err
	}

	var result error
	if len(ls) == 0 && s != nil {
		if !s.PendingSend && w.sender.Active() {
			if err := w.sender.Write(&structs.Close{StreamID: s.WireID, Domain: s.Domain}); err != nil {
				result = fmt.Errorf("failed to close wire stream %d: %w", s.WireID, err)
			}
		}
		if err := w.remove(txn, s); err != nil {
			return err
		}
		w.logger.Trace("stream closed", "caller_id", callerID, "wire_id", s.WireID)
	}
	txn.Commit()
	w.recount()
	return result
}

// WireID maps a caller stream id to its wire stream id.
func (w *Watchlist) WireID(callerID int32) (int32, bool) {
	txn := w.db.Txn(false)
	l, err := getListener(txn, callerID)
	if err != nil || l == nil {
		return 0, false
	}
	return l.WireID, true
}

// Stream describes the stream behind a caller stream id.
func (w *Watchlist) Stream(callerID int32) (StreamInfo, bool) {
	txn := w.db.Txn(false)
	l, err := getListener(txn, callerID)
	if err != nil || l == nil {
		return StreamInfo{}, false
	}
	s, err := getStream(txn, l.WireID)
	if err != nil || s == nil {
		return StreamInfo{}, false
	}
	ls, _ := listenersOf(txn, l.WireID)
	return StreamInfo{
		WireID:    s.WireID,
		Kind:      s.Kind,
		Domain:    s.Domain,
		State:     s.State,
		Listeners: len(ls),
		Pending:   s.PendingSend,
	}, true
}

// Len returns the number of wire streams.
func (w *Watchlist) Len() int {
	txn := w.db.Txn(false)
	streams, _ := allStreams(txn)
	return len(streams)
}

// Pending returns the number of recorded requests not yet on the wire.
func (w *Watchlist) Pending() int {
	return w.pending
}

// CallerIDs returns every caller stream id in attach order.
func (w *Watchlist) CallerIDs() []int32 {
	txn := w.db.Txn(false)
	iter, err := txn.Get(tableListeners, indexID)
	if err != nil {
		return nil
	}
	var ls []*listener
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		ls = append(ls, raw.(*listener))
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].Seq < ls[j].Seq })
	out := make([]int32, len(ls))
	for i, l := range ls {
		out[i] = l.CallerID
	}
	return out
}

func (w *Watchlist) recount() {
	txn := w.db.Txn(false)
	streams, _ := allStreams(txn)
	n := 0
	for _, s := range streams {
		if s.PendingSend {
			n++
		}
	}
	w.pending = n
}
