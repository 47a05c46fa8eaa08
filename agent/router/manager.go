// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package router tracks the candidate endpoints of a consumer channel and
// decides where the next connection attempt goes.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/hashicorp/feedmux/agent/transport"
	"github.com/hashicorp/feedmux/logging"
)

// Endpoint is one candidate provider.
type Endpoint struct {
	Name      string
	Address   string
	Transport transport.Kind
}

func (e Endpoint) String() string {
	if e.Name != "" {
		return fmt.Sprintf("%s (%s)", e.Name, e.Address)
	}
	return e.Address
}

// PreferredHostOptions controls how a channel returns to its preferred
// endpoint after failing over.
type PreferredHostOptions struct {
	Enabled bool

	// Index into the endpoint list of the preferred endpoint.
	Index int

	// DetectionInterval is how often to check whether the channel should
	// move back to the preferred endpoint.
	DetectionInterval time.Duration

	// DetectionSchedule is a standard five field cron expression. When set
	// it takes precedence over DetectionInterval.
	DetectionSchedule string

	// FallbackInterval is how long an ad-hoc endpoint override lasts before
	// the channel falls back to the preferred endpoint. Zero keeps the
	// override until the next explicit fallback.
	FallbackInterval time.Duration
}

// endpointList is the immutable snapshot stored in Manager.listValue. It is
// copied before every mutation.
type endpointList struct {
	endpoints []Endpoint
	prefs     PreferredHostOptions
	schedule  cron.Schedule

	// current is the index of the endpoint the channel is, or will be,
	// connected to.
	current int

	// overrideAt is set when current was chosen by SwitchEndpoint rather
	// than by failover.
	overrideAt time.Time
}

func (l *endpointList) clone() *endpointList {
	c := *l
	c.endpoints = make([]Endpoint, len(l.endpoints))
	copy(c.endpoints, l.endpoints)
	return &c
}

// Manager holds the endpoint list of one channel. Reads are lock free
// against an atomically swapped snapshot; mutations are serialized by
// listLock.
type Manager struct {
	listValue atomic.Value
	listLock  sync.Mutex

	logger hclog.Logger
}

// New validates the endpoints and preferences and positions the manager on
// the preferred endpoint, or on the first endpoint when preferred host is
// disabled.
func New(endpoints []Endpoint, prefs PreferredHostOptions, logger hclog.Logger) (*Manager, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	l, err := newEndpointList(endpoints, prefs)
	if err != nil {
		return nil, err
	}
	m := &Manager{logger: logger.Named(logging.Router)}
	m.listValue.Store(l)
	return m, nil
}

func newEndpointList(endpoints []Endpoint, prefs PreferredHostOptions) (*endpointList, error) {
	if err := Validate(endpoints, prefs); err != nil {
		return nil, err
	}
	l := &endpointList{
		endpoints: make([]Endpoint, len(endpoints)),
		prefs:     prefs,
	}
	copy(l.endpoints, endpoints)
	if prefs.DetectionSchedule != "" {
		// Already validated above.
		l.schedule, _ = cron.ParseStandard(prefs.DetectionSchedule)
	}
	if prefs.Enabled {
		l.current = prefs.Index
	}
	return l, nil
}

// Validate reports every problem with an endpoint list and its
// preferences.
func Validate(endpoints []Endpoint, prefs PreferredHostOptions) error {
	var result error
	if len(endpoints) == 0 {
		result = multierror.Append(result, fmt.Errorf("at least one endpoint is required"))
	}
	for i, e := range endpoints {
		if err := transport.ValidateAddress(e.Address); err != nil {
			result = multierror.Append(result, fmt.Errorf("endpoint %d: %w", i, err))
		}
		if _, err := transport.ParseKind(string(e.Transport)); err != nil {
			result = multierror.Append(result, fmt.Errorf("endpoint %d: %w", i, err))
		}
	}
	if prefs.Enabled && (prefs.Index < 0 || prefs.Index >= len(endpoints)) {
		result = multierror.Append(result, fmt.Errorf("preferred index %d out of range [0, %d)", prefs.Index, len(endpoints)))
	}
	if prefs.DetectionInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("detection interval must not be negative"))
	}
	if prefs.FallbackInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("fallback interval must not be negative"))
	}
	if prefs.DetectionSchedule != "" {
		if _, err := cron.ParseStandard(prefs.DetectionSchedule); err != nil {
			result = multierror.Append(result, fmt.Errorf("detection schedule %q: %w", prefs.DetectionSchedule, err))
		}
	}
	return result
}

func (m *Manager) getList() *endpointList {
	return m.listValue.Load().(*endpointList)
}

// saveList must be called with listLock held.
func (m *Manager) saveList(l *endpointList) {
	m.listValue.Store(l)
}

// Current returns the endpoint the next connection attempt should use.
func (m *Manager) Current() Endpoint {
	l := m.getList()
	return l.endpoints[l.current]
}

func (m *Manager) CurrentIndex() int {
	return m.getList().current
}

// Endpoints returns a copy of the endpoint list.
func (m *Manager) Endpoints() []Endpoint {
	l := m.getList()
	out := make([]Endpoint, len(l.endpoints))
	copy(out, l.endpoints)
	return out
}

func (m *Manager) Preferences() PreferredHostOptions {
	return m.getList().prefs
}

// Preferred returns the preferred endpoint and whether preferred host is
// enabled.
func (m *Manager) Preferred() (Endpoint, bool) {
	l := m.getList()
	if !l.prefs.Enabled {
		return Endpoint{}, false
	}
	return l.endpoints[l.prefs.Index], true
}

// OnPreferred reports whether the current endpoint is the preferred one.
// It is always true when preferred host is disabled.
func (m *Manager) OnPreferred() bool {
	l := m.getList()
	return !l.prefs.Enabled || l.current == l.prefs.Index
}

// Overridden reports whether the current endpoint was picked by an ad-hoc
// switch that has not been undone yet.
func (m *Manager) Overridden() bool {
	return !m.getList().overrideAt.IsZero()
}

// NotifyFailed moves to the next endpoint after the current one failed.
// An ad-hoc override does not survive a failure.
func (m *Manager) NotifyFailed() Endpoint {
	m.listLock.Lock()
	defer m.listLock.Unlock()

	l := m.getList().clone()
	failed := l.endpoints[l.current]
	l.current = (l.current + 1) % len(l.endpoints)
	l.overrideAt = time.Time{}
	m.saveList(l)

	next := l.endpoints[l.current]
	if len(l.endpoints) > 1 {
		m.logger.Debug("cycled away from failed endpoint", "failed", failed.Address, "next", next.Address)
	}
	return next
}

// Override switches to the endpoint at index. The override is undone by
// Fallback, by a failure, or FallbackInterval after now.
func (m *Manager) Override(index int, now time.Time) (Endpoint, error) {
	m.listLock.Lock()
	defer m.listLock.Unlock()

	l := m.getList().clone()
	if index < 0 || index >= len(l.endpoints) {
		return Endpoint{}, fmt.Errorf("endpoint index %d out of range [0, %d)", index, len(l.endpoints))
	}
	l.current = index
	l.overrideAt = now
	m.saveList(l)
	return l.endpoints[index], nil
}

// FallbackAt returns when an ad-hoc override expires. It is zero when there
// is no override or no fallback interval.
func (m *Manager) FallbackAt() time.Time {
	l := m.getList()
	if l.overrideAt.IsZero() || l.prefs.FallbackInterval == 0 || !l.prefs.Enabled {
		return time.Time{}
	}
	return l.overrideAt.Add(l.prefs.FallbackInterval)
}

// FallbackDue reports whether the override has expired at now.
func (m *Manager) FallbackDue(now time.Time) bool {
	at := m.FallbackAt()
	return !at.IsZero() && !now.Before(at)
}

// Fallback moves back to the preferred endpoint and clears any override.
// With preferred host disabled it only clears the override.
func (m *Manager) Fallback() Endpoint {
	m.listLock.Lock()
	defer m.listLock.Unlock()

	l := m.getList().clone()
	if l.prefs.Enabled {
		l.current = l.prefs.Index
	}
	l.overrideAt = time.Time{}
	m.saveList(l)
	return l.endpoints[l.current]
}

// NextDetection returns the next time after the given instant when the
// channel should check whether to move back to the preferred endpoint. A
// cron schedule wins over a plain interval. Zero means never.
func (m *Manager) NextDetection(after time.Time) time.Time {
	l := m.getList()
	switch {
	case !l.prefs.Enabled:
		return time.Time{}
	case l.schedule != nil:
		return l.schedule.Next(after)
	case l.prefs.DetectionInterval > 0:
		return after.Add(l.prefs.DetectionInterval)
	}
	return time.Time{}
}

// Reconfigure replaces the endpoint list and preferences. The current
// endpoint is kept when its address is still listed, otherwise the manager
// moves to the new preferred (or first) endpoint. It reports whether the
// current endpoint changed.
func (m *Manager) Reconfigure(endpoints []Endpoint, prefs PreferredHostOptions) (bool, error) {
	next, err := newEndpointList(endpoints, prefs)
	if err != nil {
		return false, err
	}

	m.listLock.Lock()
	defer m.listLock.Unlock()

	prev := m.getList()
	cur := prev.endpoints[prev.current]
	changed := true
	for i, e := range next.endpoints {
		if e.Address == cur.Address && e.Transport == cur.Transport {
			next.current = i
			next.overrideAt = prev.overrideAt
			changed = false
			break
		}
	}
	m.saveList(next)
	m.logger.Info("endpoint list reconfigured",
		"endpoints", len(next.endpoints),
		"current", next.endpoints[next.current].Address,
		"moved", changed,
	)
	return changed, nil
}
