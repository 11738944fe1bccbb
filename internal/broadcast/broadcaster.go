// Package broadcast fans synchronized changes out to live subscribers.
package broadcast

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Message is what subscribers receive.
type Message struct {
	Type     string      `json:"type"`
	TenantID string      `json:"tenantId"`
	Data     interface{} `json:"data,omitempty"`
	SentAt   time.Time   `json:"sentAt"`
}

// Subscriber receives the messages of one tenant.
type Subscriber interface {
	ID() string
	Send(msg Message) error
	Close() error
}

// Config holds configuration for the broadcaster.
type Config struct {
	Logger zerolog.Logger

	// Now returns the current time.
	// Default: time.Now
	Now func() time.Time
}

// Broadcaster keeps the subscribers of every tenant.
type Broadcaster struct {
	logger zerolog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	subs map[string]map[string]Subscriber
}

// New creates a broadcaster.
func New(cfg Config) *Broadcaster {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broadcaster{
		logger: cfg.Logger.With().Str("component", "broadcaster").Logger(),
		now:    cfg.Now,
		subs:   make(map[string]map[string]Subscriber),
	}
}

// Subscribe registers s for tenantID.
func (b *Broadcaster) Subscribe(tenantID string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[tenantID] == nil {
		b.subs[tenantID] = make(map[string]Subscriber)
	}
	b.subs[tenantID][s.ID()] = s
}

// Unsubscribe removes a subscriber. It reports whether it was registered.
func (b *Broadcaster) Unsubscribe(tenantID, id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remove(tenantID, id)
}

func (b *Broadcaster) remove(tenantID, id string) bool {
	clients, ok := b.subs[tenantID]
	if !ok {
		return false
	}
	if _, ok := clients[id]; !ok {
		return false
	}
	delete(clients, id)
	if len(clients) == 0 {
		delete(b.subs, tenantID)
	}
	return true
}

// Count returns the number of subscribers of a tenant.
func (b *Broadcaster) Count(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[tenantID])
}

// Broadcast sends an event to every subscriber of tenantID and returns how
// many received it. A subscriber whose send fails is removed and closed;
// delivery to the others continues.
func (b *Broadcaster) Broadcast(tenantID, eventType string, data interface{}) int {
	b.mu.RLock()
	clients := make([]Subscriber, 0, len(b.subs[tenantID]))
	for _, s := range b.subs[tenantID] {
		clients = append(clients, s)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return 0
	}

	msg := Message{
		Type:     eventType,
		TenantID: tenantID,
		Data:     data,
		SentAt:   b.now().UTC(),
	}

	delivered := 0
	for _, s := range clients {
		if err := s.Send(msg); err != nil {
			b.logger.Warn().
				Err(err).
				Str("tenant_id", tenantID).
				Str("subscriber_id", s.ID()).
				Str("event_type", eventType).
				Msg("failed to deliver to subscriber, dropping it")

			b.mu.Lock()
			b.remove(tenantID, s.ID())
			b.mu.Unlock()
			_ = s.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// Close closes and removes every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string]map[string]Subscriber)
	b.mu.Unlock()

	for _, clients := range all {
		for _, s := range clients {
			_ = s.Close()
		}
	}
}
