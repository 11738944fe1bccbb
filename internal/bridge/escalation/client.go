// Package escalation is the adapter for the alert-escalation and on-call service.
package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opsbridge/opsbridge/internal/bridge"
	"github.com/opsbridge/opsbridge/internal/monitoring"
	"github.com/opsbridge/opsbridge/internal/provider/resilience"
)

// ClientConfig holds configuration for the escalation client.
type ClientConfig struct {
	// BaseURL is the API base URL (required).
	BaseURL string

	// APIKey is sent in the GenieKey authorization scheme.
	APIKey string

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client with defaults.
	HTTPClient *resilience.Client

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client talks to the escalation service API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *resilience.Client
	logger     zerolog.Logger
}

// NewClient creates a new escalation client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("escalation base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(resilience.DefaultClientConfig(string(monitoring.SystemEscalation)))
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     cfg.Logger.With().Str("system", string(monitoring.SystemEscalation)).Logger(),
	}, nil
}

// System returns the system this adapter talks to.
func (c *Client) System() monitoring.System {
	return monitoring.SystemEscalation
}

// Supports reports whether the escalation service handles a resource kind.
func (c *Client) Supports(kind monitoring.Kind) bool {
	return kind == monitoring.KindAlert || kind == monitoring.KindSchedule
}

// CreateRemote raises an alert or registers a schedule. An alert whose
// lifecycle already moved past active is acknowledged or closed right after
// creation so the external copy matches. When that second call fails the
// alert still exists remotely: the new id comes back with an
// *bridge.IncompleteCreateError so the bridge links it and queues an update.
func (c *Client) CreateRemote(ctx context.Context, r monitoring.Resource) (string, error) {
	switch {
	case r.Kind == monitoring.KindAlert && r.Alert != nil:
		return c.createAlert(ctx, r.Alert)
	case r.Kind == monitoring.KindSchedule && r.Schedule != nil:
		return c.createSchedule(ctx, r.Schedule)
	default:
		return "", fmt.Errorf("%w: %s", bridge.ErrUnsupported, r.Kind)
	}
}

func (c *Client) createAlert(ctx context.Context, a *monitoring.Alert) (string, error) {
	headers := map[string]string{"Idempotency-Key": a.ID + ":" + string(monitoring.SystemEscalation)}
	var created idResponse
	if err := c.do(ctx, http.MethodPost, "/alerts", toAlertRequest(a), headers, &created,
		http.StatusOK, http.StatusCreated, http.StatusAccepted); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("create response carries no alert id")
	}

	if a.Status != monitoring.AlertActive && a.Status != "" {
		if err := c.pushAlertStatus(ctx, created.ID, a); err != nil {
			c.logger.Warn().Err(err).Str("alert_id", a.ID).Str("external_id", created.ID).
				Msg("alert created but status push failed")
			return created.ID, &bridge.IncompleteCreateError{ExternalID: created.ID, Err: err}
		}
	}

	c.logger.Debug().Str("alert_id", a.ID).Str("external_id", created.ID).Msg("alert raised")
	return created.ID, nil
}

func (c *Client) createSchedule(ctx context.Context, s *monitoring.Schedule) (string, error) {
	headers := map[string]string{"Idempotency-Key": s.ID + ":" + string(monitoring.SystemEscalation)}
	var created idResponse
	if err := c.do(ctx, http.MethodPost, "/schedules", toScheduleRequest(s), headers, &created,
		http.StatusOK, http.StatusCreated); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("create response carries no schedule id")
	}
	return created.ID, nil
}

// UpdateRemote pushes an alert's lifecycle state or a schedule's definition.
// The service has no generic alert update: acknowledged and resolved alerts
// map to the acknowledge and close actions, active alerts need no call.
func (c *Client) UpdateRemote(ctx context.Context, externalID string, r monitoring.Resource) error {
	switch {
	case r.Kind == monitoring.KindAlert && r.Alert != nil:
		return c.pushAlertStatus(ctx, externalID, r.Alert)
	case r.Kind == monitoring.KindSchedule && r.Schedule != nil:
		return c.do(ctx, http.MethodPut, "/schedules/"+url.PathEscape(externalID), toScheduleRequest(r.Schedule), nil, nil,
			http.StatusOK, http.StatusNoContent)
	default:
		return fmt.Errorf("%w: %s", bridge.ErrUnsupported, r.Kind)
	}
}

func (c *Client) pushAlertStatus(ctx context.Context, externalID string, a *monitoring.Alert) error {
	var path string
	var req actionRequest
	switch a.Status {
	case monitoring.AlertAcknowledged:
		path = "/alerts/" + url.PathEscape(externalID) + "/acknowledge"
		req = actionRequest{User: a.AcknowledgedBy, Source: "opsbridge"}
	case monitoring.AlertResolved:
		path = "/alerts/" + url.PathEscape(externalID) + "/close"
		req = actionRequest{User: a.ResolvedBy, Source: "opsbridge"}
	default:
		return nil
	}

	err := c.do(ctx, http.MethodPost, path, req, nil, nil, http.StatusOK, http.StatusAccepted, http.StatusNoContent)
	if errors.Is(err, errAlreadyInState) {
		return nil
	}
	return err
}

// DeleteRemote removes a schedule. Alerts are archived and cannot be deleted.
func (c *Client) DeleteRemote(ctx context.Context, kind monitoring.Kind, externalID string) error {
	if kind != monitoring.KindSchedule {
		return fmt.Errorf("%w: %s", bridge.ErrUnsupported, kind)
	}
	err := c.do(ctx, http.MethodDelete, "/schedules/"+url.PathEscape(externalID), nil, nil, nil,
		http.StatusOK, http.StatusNoContent)
	if errors.Is(err, monitoring.ErrNotFound) {
		return nil
	}
	return err
}

// FetchRemote returns the service's current view of an alert or schedule.
func (c *Client) FetchRemote(ctx context.Context, kind monitoring.Kind, externalID string) (monitoring.Resource, error) {
	switch kind {
	case monitoring.KindAlert:
		var resp alertResponse
		if err := c.do(ctx, http.MethodGet, "/alerts/"+url.PathEscape(externalID), nil, nil, &resp, http.StatusOK); err != nil {
			return monitoring.Resource{}, err
		}
		if resp.ID == "" {
			resp.ID = externalID
		}
		return monitoring.AlertResource(resp.toAlert()), nil
	case monitoring.KindSchedule:
		var resp scheduleResponse
		if err := c.do(ctx, http.MethodGet, "/schedules/"+url.PathEscape(externalID), nil, nil, &resp, http.StatusOK); err != nil {
			return monitoring.Resource{}, err
		}
		if resp.ID == "" {
			resp.ID = externalID
		}
		return monitoring.ScheduleResource(resp.toSchedule()), nil
	default:
		return monitoring.Resource{}, fmt.Errorf("%w: %s", bridge.ErrUnsupported, kind)
	}
}

// OnCall returns who the service considers on call for a schedule at the
// given instant.
func (c *Client) OnCall(ctx context.Context, externalScheduleID string, at time.Time) ([]string, error) {
	path := "/schedules/" + url.PathEscape(externalScheduleID) + "/on-call?date=" + url.QueryEscape(at.UTC().Format(time.RFC3339))
	var resp onCallResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return resp.OnCall, nil
}

// RegisterWebhook subscribes callbackURL to alert actions.
func (c *Client) RegisterWebhook(ctx context.Context, callbackURL string) (string, error) {
	req := webhookRequest{
		URL:     callbackURL,
		Actions: []string{"created", "acknowledged", "closed", "reopened", "updated"},
	}
	var resp idResponse
	if err := c.do(ctx, http.MethodPost, "/webhooks", req, nil, &resp, http.StatusOK, http.StatusCreated); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("webhook response carries no id")
	}
	return resp.ID, nil
}

// DeregisterWebhook removes a webhook subscription.
func (c *Client) DeregisterWebhook(ctx context.Context, webhookID string) error {
	err := c.do(ctx, http.MethodDelete, "/webhooks/"+url.PathEscape(webhookID), nil, nil, nil,
		http.StatusOK, http.StatusNoContent)
	if errors.Is(err, monitoring.ErrNotFound) {
		return nil
	}
	return err
}

// DecodeWebhook parses an alert action pushed by the service.
func (c *Client) DecodeWebhook(raw []byte) (*bridge.InboundChange, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrMalformedPayload, err)
	}
	if p.AlertExternalID == "" {
		return nil, fmt.Errorf("%w: missing alert_external_id", bridge.ErrMalformedPayload)
	}

	at := p.Timestamp.UTC()
	a := &monitoring.Alert{
		Title:       p.Message,
		Severity:    severityFromPriority(p.Priority),
		UpdatedAt:   at,
		ExternalIDs: monitoring.ExternalIDs{monitoring.SystemEscalation: p.AlertExternalID},
	}

	change := &bridge.InboundChange{
		Kind:       monitoring.KindAlert,
		ExternalID: p.AlertExternalID,
		TenantID:   p.TenantID,
		OccurredAt: at,
	}

	switch strings.ToLower(p.Action) {
	case "created", "create":
		a.Status = monitoring.AlertActive
		change.Action = bridge.ActionCreated
	case "acknowledged", "acknowledge":
		a.Status = monitoring.AlertAcknowledged
		a.AcknowledgedBy = p.Actor
		a.AcknowledgedAt = &at
		change.Action = bridge.ActionAcknowledged
	case "closed", "close", "resolved":
		a.Status = monitoring.AlertResolved
		a.ResolvedBy = p.Actor
		a.ResolvedAt = &at
		change.Action = bridge.ActionResolved
	case "reopened", "reopen":
		a.Status = monitoring.AlertActive
		change.Action = bridge.ActionReopened
		change.Reopen = true
	case "updated", "update":
		a.Status = alertStatus(p.Status, false)
		change.Action = bridge.ActionUpdated
	default:
		return nil, fmt.Errorf("%w: unknown action %q", bridge.ErrMalformedPayload, p.Action)
	}

	change.Resource = monitoring.AlertResource(a)
	return change, nil
}

var errAlreadyInState = errors.New("alert already in requested state")

func (c *Client) do(ctx context.Context, method, path string, body interface{}, headers map[string]string, out interface{}, okStatus ...int) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "GenieKey "+c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, monitoring.ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s %s: %w", method, path, errAlreadyInState)
	}
	if !statusIn(resp.StatusCode, okStatus) {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func statusIn(code int, allowed []int) bool {
	for _, s := range allowed {
		if code == s {
			return true
		}
	}
	return false
}

var _ interface {
	bridge.Adapter
	bridge.RemoteReader
	bridge.WebhookRegistrar
	bridge.WebhookDecoder
	bridge.OnCallResolver
} = (*Client)(nil)
