// Package uptime is the adapter for the uptime-checking service.
package uptime

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

// ClientConfig holds configuration for the uptime client.
type ClientConfig struct {
	// BaseURL is the API base URL (required).
	BaseURL string

	// APIKey is sent as a bearer token.
	APIKey string

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client with defaults.
	HTTPClient *resilience.Client

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client talks to the uptime service API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *resilience.Client
	logger     zerolog.Logger
}

// NewClient creates a new uptime client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("uptime base URL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(resilience.DefaultClientConfig(string(monitoring.SystemUptime)))
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     cfg.Logger.With().Str("system", string(monitoring.SystemUptime)).Logger(),
	}, nil
}

// System returns the system this adapter talks to.
func (c *Client) System() monitoring.System {
	return monitoring.SystemUptime
}

// Supports reports whether the uptime service handles a resource kind.
func (c *Client) Supports(kind monitoring.Kind) bool {
	return kind == monitoring.KindMonitor
}

// CreateRemote registers a monitor and returns the id the service assigned.
func (c *Client) CreateRemote(ctx context.Context, r monitoring.Resource) (string, error) {
	if r.Kind != monitoring.KindMonitor || r.Monitor == nil {
		return "", fmt.Errorf("%w: %s", bridge.ErrUnsupported, r.Kind)
	}

	headers := map[string]string{"Idempotency-Key": r.Monitor.ID + ":" + string(monitoring.SystemUptime)}
	var created monitorResponse
	if err := c.do(ctx, http.MethodPost, "/monitors", toMonitorRequest(r.Monitor), headers, &created, http.StatusOK, http.StatusCreated); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("create response carries no monitor id")
	}

	c.logger.Debug().Str("monitor_id", r.Monitor.ID).Str("external_id", created.ID).Msg("monitor registered")
	return created.ID, nil
}

// UpdateRemote pushes the monitor configuration.
func (c *Client) UpdateRemote(ctx context.Context, externalID string, r monitoring.Resource) error {
	if r.Kind != monitoring.KindMonitor || r.Monitor == nil {
		return fmt.Errorf("%w: %s", bridge.ErrUnsupported, r.Kind)
	}
	return c.do(ctx, http.MethodPatch, "/monitors/"+url.PathEscape(externalID), toMonitorRequest(r.Monitor), nil, nil,
		http.StatusOK, http.StatusNoContent)
}

// DeleteRemote deregisters a monitor. A monitor the service no longer knows
// counts as deleted.
func (c *Client) DeleteRemote(ctx context.Context, kind monitoring.Kind, externalID string) error {
	if kind != monitoring.KindMonitor {
		return fmt.Errorf("%w: %s", bridge.ErrUnsupported, kind)
	}
	err := c.do(ctx, http.MethodDelete, "/monitors/"+url.PathEscape(externalID), nil, nil, nil,
		http.StatusOK, http.StatusNoContent)
	if errors.Is(err, monitoring.ErrNotFound) {
		return nil
	}
	return err
}

// FetchRemote returns the service's current view of a monitor.
func (c *Client) FetchRemote(ctx context.Context, kind monitoring.Kind, externalID string) (monitoring.Resource, error) {
	if kind != monitoring.KindMonitor {
		return monitoring.Resource{}, fmt.Errorf("%w: %s", bridge.ErrUnsupported, kind)
	}
	var resp monitorResponse
	if err := c.do(ctx, http.MethodGet, "/monitors/"+url.PathEscape(externalID), nil, nil, &resp, http.StatusOK); err != nil {
		return monitoring.Resource{}, err
	}
	if resp.ID == "" {
		resp.ID = externalID
	}
	return monitoring.MonitorResource(resp.toMonitor()), nil
}

// RegisterWebhook subscribes callbackURL to check results.
func (c *Client) RegisterWebhook(ctx context.Context, callbackURL string) (string, error) {
	req := webhookRequest{URL: callbackURL, Events: []string{"check"}}
	var resp webhookResponse
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

// DecodeWebhook parses a check result pushed by the service.
func (c *Client) DecodeWebhook(raw []byte) (*bridge.InboundChange, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrMalformedPayload, err)
	}
	if p.MonitorExternalID == "" {
		return nil, fmt.Errorf("%w: missing monitor_external_id", bridge.ErrMalformedPayload)
	}

	m := &monitoring.Monitor{
		Name:           p.Name,
		URL:            p.URL,
		Status:         mapStatus(p.Status),
		ResponseTimeMs: p.ResponseTime,
		ExternalIDs:    monitoring.ExternalIDs{monitoring.SystemUptime: p.MonitorExternalID},
	}
	if !p.CheckedAt.IsZero() {
		t := p.CheckedAt.UTC()
		m.LastCheckAt = &t
	}

	return &bridge.InboundChange{
		Kind:       monitoring.KindMonitor,
		ExternalID: p.MonitorExternalID,
		TenantID:   p.TenantID,
		Resource:   monitoring.MonitorResource(m),
		Action:     bridge.ActionCheck,
		OccurredAt: p.CheckedAt,
	}, nil
}

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
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, monitoring.ErrNotFound)
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

// mapStatus converts the service's check status to the internal model.
func mapStatus(s string) monitoring.MonitorStatus {
	switch strings.ToLower(s) {
	case "up", "ok", "healthy":
		return monitoring.MonitorUp
	case "down", "failing", "error":
		return monitoring.MonitorDown
	default:
		return monitoring.MonitorUnknown
	}
}

func toMonitorRequest(m *monitoring.Monitor) monitorRequest {
	return monitorRequest{
		Name:            m.Name,
		URL:             m.URL,
		IntervalSeconds: m.IntervalSeconds,
		TimeoutSeconds:  m.TimeoutSeconds,
		Reference:       m.ID,
		TenantID:        m.TenantID,
	}
}

func (r *monitorResponse) toMonitor() *monitoring.Monitor {
	m := &monitoring.Monitor{
		TenantID:        r.TenantID,
		Name:            r.Name,
		URL:             r.URL,
		IntervalSeconds: r.IntervalSeconds,
		TimeoutSeconds:  r.TimeoutSeconds,
		Status:          mapStatus(r.Status),
		ResponseTimeMs:  r.ResponseTime,
		ExternalIDs:     monitoring.ExternalIDs{monitoring.SystemUptime: r.ID},
	}
	if r.LastCheckAt != nil {
		t := r.LastCheckAt.UTC()
		m.LastCheckAt = &t
	}
	return m
}

// monitorRequest is the body of monitor create and update calls.
type monitorRequest struct {
	Name            string `json:"name"`
	URL             string `json:"url"`
	IntervalSeconds int    `json:"interval_seconds"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
	Reference       string `json:"reference,omitempty"`
	TenantID        string `json:"tenant_id,omitempty"`
}

// monitorResponse is the service's representation of a monitor.
type monitorResponse struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Name            string     `json:"name"`
	URL             string     `json:"url"`
	IntervalSeconds int        `json:"interval_seconds"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	Status          string     `json:"status"`
	LastCheckAt     *time.Time `json:"last_check_at"`
	ResponseTime    int        `json:"response_time"`
}

type webhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type webhookResponse struct {
	ID string `json:"id"`
}

// webhookPayload is a check result pushed to the bridge.
type webhookPayload struct {
	MonitorExternalID string    `json:"monitor_external_id"`
	Status            string    `json:"status"`
	ResponseTime      int       `json:"response_time"`
	CheckedAt         time.Time `json:"checked_at"`
	TenantID          string    `json:"tenant_id,omitempty"`
	Name              string    `json:"name,omitempty"`
	URL               string    `json:"url,omitempty"`
}

var (
	_ bridge.Adapter          = (*Client)(nil)
	_ bridge.RemoteReader     = (*Client)(nil)
	_ bridge.WebhookRegistrar = (*Client)(nil)
	_ bridge.WebhookDecoder   = (*Client)(nil)
)
