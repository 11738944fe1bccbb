// Package models provides request and response models for the opsbridge API.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PageMeta describes one page of a list response.
type PageMeta struct {
	Limit    int  `json:"limit"`
	Returned int  `json:"returned"`
	More     bool `json:"more"`

	// NextCursor is set on cursor-paged lists when another page may follow.
	NextCursor *string `json:"nextCursor,omitempty"`
}

// HealthStatus is the coarse state of the bridge or one of its parts.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "OK"
	HealthStatusDegraded HealthStatus = "DEGRADED"
	HealthStatusFail     HealthStatus = "FAIL"
)

// worse returns the more severe of two statuses.
func (s HealthStatus) worse(o HealthStatus) HealthStatus {
	rank := map[HealthStatus]int{HealthStatusOK: 0, HealthStatusDegraded: 1, HealthStatusFail: 2}
	if rank[o] > rank[s] {
		return o
	}
	return s
}

// Timestamp is a time rendered as RFC 3339 in UTC.
type Timestamp time.Time

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339))
}

// UnmarshalJSON accepts RFC 3339 with or without fractional seconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp must be a string: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp must be RFC 3339: %w", err)
	}
	*t = Timestamp(parsed)
	return nil
}

// Time returns the underlying time.Time.
func (t Timestamp) Time() time.Time {
	return time.Time(t)
}

// TimestampPtr converts an optional time.
func TimestampPtr(t *time.Time) *Timestamp {
	if t == nil {
		return nil
	}
	ts := Timestamp(*t)
	return &ts
}
