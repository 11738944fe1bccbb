package events

import "strings"

// Filter accepts or rejects an event before a handler runs. Filters must not
// mutate the event and must be free of side effects.
type Filter interface {
	Name() string
	Accept(e Event) bool
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc struct {
	Label string
	Fn    func(e Event) bool
}

// Name returns the filter label.
func (f FilterFunc) Name() string { return f.Label }

// Accept calls the wrapped function.
func (f FilterFunc) Accept(e Event) bool { return f.Fn(e) }

// LoopPrevention rejects events caused by synchronization so an externally
// caused change is never sent back out as if it were user-originated.
type LoopPrevention struct{}

// Name returns "loop_prevention".
func (LoopPrevention) Name() string { return "loop_prevention" }

// Accept rejects events whose source is sync or bridge_sync.
func (LoopPrevention) Accept(e Event) bool {
	return !e.FromSync()
}

// TenantIsolation rejects events that carry no resolvable tenant.
type TenantIsolation struct{}

// Name returns "tenant_isolation".
func (TenantIsolation) Name() string { return "tenant_isolation" }

// Accept rejects events without a tenant, or whose tenant disagrees with the
// tenant of the entity they carry.
func (TenantIsolation) Accept(e Event) bool {
	if strings.TrimSpace(e.TenantID) == "" {
		return false
	}
	if t := e.Resource.TenantID(); t != "" && t != e.TenantID {
		return false
	}
	return true
}

// Chain evaluates filters in order and stops at the first rejection.
type Chain []Filter

// Accept reports whether every filter accepts the event.
func (c Chain) Accept(e Event) bool {
	_, ok := c.Evaluate(e)
	return ok
}

// Evaluate returns the name of the rejecting filter, or ok=true.
func (c Chain) Evaluate(e Event) (rejectedBy string, ok bool) {
	for _, f := range c {
		if !f.Accept(e) {
			return f.Name(), false
		}
	}
	return "", true
}

// Names lists the filters of the chain in evaluation order.
func (c Chain) Names() []string {
	names := make([]string, len(c))
	for i, f := range c {
		names[i] = f.Name()
	}
	return names
}

// DefaultChain is applied to every published event.
func DefaultChain() Chain {
	return Chain{TenantIsolation{}}
}

// OutboundChain guards handlers that talk to external systems.
func OutboundChain() Chain {
	return Chain{LoopPrevention{}, TenantIsolation{}}
}
