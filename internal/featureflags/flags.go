// Package featureflags provides runtime kill switches and tunables for the bridge.
package featureflags

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Well-known feature flag keys.
const (
	// FlagSyncUptimeDisabled stops all traffic to and from the uptime system.
	FlagSyncUptimeDisabled = "sync_uptime_disabled"

	// FlagSyncEscalationDisabled stops all traffic to and from the escalation system.
	FlagSyncEscalationDisabled = "sync_escalation_disabled"

	// FlagReconcileDisabled skips scheduled reconciliation passes.
	FlagReconcileDisabled = "reconcile_disabled"

	// FlagNotificationsDisabled stops handing alerts to the notification subsystem.
	FlagNotificationsDisabled = "notifications_disabled"

	// FlagRetryBatchSize caps how many queued sync errors one drain replays.
	FlagRetryBatchSize = "retry_batch_size"
)

// Validation errors returned by Validate and Service.Apply.
var (
	ErrUnknownFlag  = errors.New("unknown feature flag")
	ErrInvalidValue = errors.New("invalid feature flag value")
)

// Kind is the value type a flag accepts.
type Kind string

// Flag kinds.
const (
	KindBool Kind = "bool"
	KindInt  Kind = "int"
)

// Definition describes a flag the bridge reads.
type Definition struct {
	Key     string
	Kind    Kind
	Default interface{}

	// KillSwitch marks flags that degrade the bridge when set.
	KillSwitch bool

	// Min is the smallest accepted value of an int flag.
	Min int
}

var definitions = map[string]Definition{
	FlagSyncUptimeDisabled:     {Key: FlagSyncUptimeDisabled, Kind: KindBool, Default: false, KillSwitch: true},
	FlagSyncEscalationDisabled: {Key: FlagSyncEscalationDisabled, Kind: KindBool, Default: false, KillSwitch: true},
	FlagReconcileDisabled:      {Key: FlagReconcileDisabled, Kind: KindBool, Default: false, KillSwitch: true},
	FlagNotificationsDisabled:  {Key: FlagNotificationsDisabled, Kind: KindBool, Default: false, KillSwitch: true},
	FlagRetryBatchSize:         {Key: FlagRetryBatchSize, Kind: KindInt, Default: 100, Min: 1},
}

// SyncDisabledFlag returns the kill switch key for an external system.
func SyncDisabledFlag(system string) string {
	return "sync_" + system + "_disabled"
}

// Lookup returns the definition of a known flag.
func Lookup(key string) (Definition, bool) {
	d, ok := definitions[key]
	return d, ok
}

// IsKillSwitch reports whether key names a kill switch.
func IsKillSwitch(key string) bool {
	return definitions[key].KillSwitch
}

// KillSwitches returns the kill switch keys in key order.
func KillSwitches() []string {
	var keys []string
	for key, d := range definitions {
		if d.KillSwitch {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that value is acceptable for the flag named key.
func Validate(key string, value interface{}) error {
	d, ok := definitions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlag, key)
	}
	switch d.Kind {
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: %s expects a boolean", ErrInvalidValue, key)
		}
	case KindInt:
		n, ok := asInt(value)
		if !ok {
			return fmt.Errorf("%w: %s expects an integer", ErrInvalidValue, key)
		}
		if n < d.Min {
			return fmt.Errorf("%w: %s must be at least %d", ErrInvalidValue, key, d.Min)
		}
	}
	return nil
}

// Flag is a stored flag value with the audit trail of its last change.
type Flag struct {
	Key       string      `json:"key"`
	Value     interface{} `json:"value"`
	UpdatedAt time.Time   `json:"updatedAt"`
	UpdatedBy string      `json:"updatedBy,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// FlagUpdate sets one flag.
type FlagUpdate struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// FlagUpdateRequest is the operator request body for changing flags.
type FlagUpdateRequest struct {
	Updates []FlagUpdate `json:"updates"`
	Reason  string       `json:"reason"`
}

// Change is an audited batch of flag updates.
type Change struct {
	Updates []FlagUpdate
	Reason  string
	By      string
}

// BoolValue returns the flag value as a boolean, or defaultValue if the flag
// is nil or not boolean-like.
func (f *Flag) BoolValue(defaultValue bool) bool {
	if f == nil {
		return defaultValue
	}
	if v, ok := f.Value.(bool); ok {
		return v
	}
	if n, ok := asInt(f.Value); ok {
		return n != 0
	}
	return defaultValue
}

// IntValue returns the flag value as an integer, or defaultValue if the flag
// is nil or not a number.
func (f *Flag) IntValue(defaultValue int) int {
	if f == nil {
		return defaultValue
	}
	if n, ok := asInt(f.Value); ok {
		return n
	}
	return defaultValue
}

// JSON numbers decode as float64.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// DefaultFlags returns every known flag at its default value.
func DefaultFlags() map[string]*Flag {
	flags := make(map[string]*Flag, len(definitions))
	for key, d := range definitions {
		flags[key] = &Flag{Key: key, Value: d.Default}
	}
	return flags
}
