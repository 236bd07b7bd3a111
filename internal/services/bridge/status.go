package bridge

import (
	"sync"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/irrigation_bridge/internal/metrics"
)

// State is the bridge lifecycle state.
type State int

const (
	Disconnected State = iota
	ConnectingStore
	ConnectingBroker
	Running
	Degraded
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ConnectingStore:
		return "connecting_store"
	case ConnectingBroker:
		return "connecting_broker"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case ShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}

// Snapshot is a consistent view of state and connection flags.
type Snapshot struct {
	State      State
	StoreUp    bool
	BrokerUp   bool
	Subscribed bool
	Watching   bool
}

// Healthy reports whether both flows are fully armed.
func (s Snapshot) Healthy() bool {
	return s.StoreUp && s.BrokerUp && s.Subscribed && s.Watching
}

// TelemetryServing: messages can be received and stored.
func (s Snapshot) TelemetryServing() bool { return s.BrokerUp && s.Subscribed && s.StoreUp }

// PredictionsServing: inserts are watched and commands can be published.
func (s Snapshot) PredictionsServing() bool { return s.StoreUp && s.Watching && s.BrokerUp }

// Status tracks connection flags and derives Running/Degraded from them.
// Connection callbacks from paho, the watcher and the insert breaker all land here.
type Status struct {
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu        sync.Mutex
	snap      Snapshot
	listeners []func(Snapshot)
}

func NewStatus(log *zap.SugaredLogger, m *metrics.Metrics) *Status {
	s := &Status{log: log, metrics: m}
	m.State.Set(float64(Disconnected))
	return s
}

// OnChange registers fn, called after every state or flag change.
func (s *Status) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Snapshot returns the current view.
func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Begin moves to an explicit lifecycle state (ConnectingStore, ConnectingBroker, ShuttingDown).
func (s *Status) Begin(state State) {
	s.update(func(sn *Snapshot) { s.transition(sn, state) })
}

func (s *Status) SetStore(up bool)      { s.update(func(sn *Snapshot) { sn.StoreUp = up }) }
func (s *Status) SetBroker(up bool)     { s.update(func(sn *Snapshot) { sn.BrokerUp = up }) }
func (s *Status) SetSubscribed(up bool) { s.update(func(sn *Snapshot) { sn.Subscribed = up }) }
func (s *Status) SetWatching(up bool)   { s.update(func(sn *Snapshot) { sn.Watching = up }) }

func (s *Status) update(mutate func(*Snapshot)) {
	s.mu.Lock()
	before := s.snap
	mutate(&s.snap)
	s.derive(&s.snap)
	after := s.snap
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.mu.Unlock()

	if after == before {
		return
	}
	for _, fn := range listeners {
		fn(after)
	}
}

// derive applies the flag-driven transitions; explicit states are left alone.
func (s *Status) derive(sn *Snapshot) {
	switch sn.State {
	case ConnectingBroker:
		if sn.Healthy() {
			s.transition(sn, Running)
		} else if !sn.StoreUp {
			s.transition(sn, Degraded)
		}
	case Running:
		if !sn.Healthy() {
			s.transition(sn, Degraded)
		}
	case Degraded:
		if sn.Healthy() {
			s.transition(sn, Running)
		}
	}
}

func (s *Status) transition(sn *Snapshot, to State) {
	if sn.State == to {
		return
	}
	s.log.Infow("bridge state transition",
		"from", sn.State.String(), "to", to.String(),
		"store_up", sn.StoreUp, "broker_up", sn.BrokerUp,
		"subscribed", sn.Subscribed, "watching", sn.Watching)
	sn.State = to
	s.metrics.State.Set(float64(to))
}
