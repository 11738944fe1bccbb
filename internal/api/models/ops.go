package models

// Health answers the liveness and readiness checks.
type Health struct {
	Status    HealthStatus `json:"status"`
	Time      Timestamp    `json:"time"`
	Version   string       `json:"version,omitempty"`
	BuildTime string       `json:"buildTime,omitempty"`

	// Checks maps a failed dependency to its error.
	Checks map[string]string `json:"checks,omitempty"`
}

// BridgeStatus is the operator view of the bridge for one tenant.
type BridgeStatus struct {
	Status       HealthStatus           `json:"status"`
	Time         Timestamp              `json:"time"`
	Components   []ComponentStatus      `json:"components"`
	Systems      []ExternalSystemStatus `json:"systems"`
	KillSwitches []string               `json:"killSwitches,omitempty"`
}

// Add records a component and folds its status into the overall one.
func (b *BridgeStatus) Add(c ComponentStatus) {
	b.Components = append(b.Components, c)
	b.Status = b.Status.worse(c.Status)
}

// AddSystem records an external system. A failing system degrades the
// bridge but does not fail it: local writes still succeed and are retried.
func (b *BridgeStatus) AddSystem(s ExternalSystemStatus) {
	b.Systems = append(b.Systems, s)
	if s.Status != HealthStatusOK {
		b.Status = b.Status.worse(HealthStatusDegraded)
	}
}

// SetKillSwitches records active kill switches; any of them degrades the bridge.
func (b *BridgeStatus) SetKillSwitches(keys []string) {
	b.KillSwitches = keys
	if len(keys) > 0 {
		b.Status = b.Status.worse(HealthStatusDegraded)
	}
}

// ComponentStatus is the state of an internal component such as the
// database or the retry queue.
type ComponentStatus struct {
	Name   string       `json:"name"`
	Status HealthStatus `json:"status"`
	Detail string       `json:"detail,omitempty"`
}

// ExternalSystemStatus is the state of the client for one external system.
type ExternalSystemStatus struct {
	System         string       `json:"system"`
	Status         HealthStatus `json:"status"`
	Circuit        string       `json:"circuit"`
	Requests       uint32       `json:"requests"`
	Failures       uint32       `json:"failures"`
	StateChangedAt *Timestamp   `json:"stateChangedAt,omitempty"`
	LastSuccessAt  *Timestamp   `json:"lastSuccessAt,omitempty"`
	LastFailureAt  *Timestamp   `json:"lastFailureAt,omitempty"`
	LastError      string       `json:"lastError,omitempty"`
}
