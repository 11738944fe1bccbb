package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Health is the health of one external system as seen by its client.
type Health struct {
	Name          string           `json:"name"`
	CircuitState  gobreaker.State  `json:"-"`
	State         string           `json:"state"`
	Counts        gobreaker.Counts `json:"counts"`
	LastSuccessAt *time.Time       `json:"lastSuccessAt,omitempty"`
	LastFailureAt *time.Time       `json:"lastFailureAt,omitempty"`
	LastError     string           `json:"lastError,omitempty"`

	// StateChangedAt is when the circuit last changed state, nil if never.
	StateChangedAt *time.Time `json:"stateChangedAt,omitempty"`
	PreviousState  string     `json:"previousState,omitempty"`
}

// IsHealthy reports whether the circuit is closed.
func (h *Health) IsHealthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// IsDegraded reports whether the circuit is half-open.
func (h *Health) IsDegraded() bool {
	return h.CircuitState == gobreaker.StateHalfOpen
}

// IsUnhealthy reports whether the circuit is open.
func (h *Health) IsUnhealthy() bool {
	return h.CircuitState == gobreaker.StateOpen
}

// Registry tracks the clients of every external system and their outcomes.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*tracked

	// Breakers report state changes while holding their own lock, so
	// transitions are kept under a separate mutex that never nests.
	transitionMu sync.Mutex
	transitions  map[string]transition
}

type transition struct {
	from gobreaker.State
	at   time.Time
}

type tracked struct {
	client        *Client
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:     make(map[string]*tracked),
		transitions: make(map[string]transition),
	}
}

// Register adds a client under name, replacing any previous one.
func (r *Registry) Register(name string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = &tracked{client: client}
}

// Unregister removes a client.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, name)

	r.transitionMu.Lock()
	delete(r.transitions, name)
	r.transitionMu.Unlock()
}

// RecordSuccess records a successful request.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.clients[name]; ok {
		now := time.Now()
		t.lastSuccessAt = &now
	}
}

// RecordFailure records a failed request.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.clients[name]; ok {
		now := time.Now()
		t.lastFailureAt = &now
		if err != nil {
			t.lastError = err.Error()
		}
	}
}

// RecordStateChange records a circuit transition for name.
func (r *Registry) RecordStateChange(name string, from, _ gobreaker.State) {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()
	r.transitions[name] = transition{from: from, at: time.Now()}
}

func (r *Registry) lastTransition(name string) (transition, bool) {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()
	tr, ok := r.transitions[name]
	return tr, ok
}

func (r *Registry) health(name string, t *tracked) *Health {
	state := t.client.CircuitBreakerState()
	h := &Health{
		Name:          name,
		CircuitState:  state,
		State:         state.String(),
		Counts:        t.client.CircuitBreakerCounts(),
		LastSuccessAt: t.lastSuccessAt,
		LastFailureAt: t.lastFailureAt,
		LastError:     t.lastError,
	}
	if tr, ok := r.lastTransition(name); ok {
		at := tr.at
		h.StateChangedAt = &at
		h.PreviousState = tr.from.String()
	}
	return h
}

// Health returns the health of one system, or nil if it is not registered.
func (r *Registry) Health(name string) *Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.clients[name]
	if !ok {
		return nil
	}
	return r.health(name, t)
}

// All returns the health of every registered system ordered by name.
func (r *Registry) All() []*Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Health, 0, len(r.clients))
	for name, t := range r.clients {
		out = append(out, r.health(name, t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered system names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered systems.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
