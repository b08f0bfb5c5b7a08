package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"docflow-desktop/internal/resilience"
)

// Client talks to the document pipeline backend.
type Client struct {
	baseURL   string
	http      *resty.Client
	nameCache map[string]string // Cache for entity display names
	cacheMu   sync.RWMutex
}

// NewClient creates a backend client with basic auth. Transport-level retry
// handles 429s and 5xx bursts; anything beyond that is the resilience layer's
// job, so the counts here stay low.
func NewClient(baseURL, username, password string) *Client {
	client := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		nameCache: make(map[string]string),
	}

	client.http = resty.New().
		SetBasicAuth(username, password).
		SetTimeout(60 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return r.StatusCode() == 429 || (r.StatusCode() >= 500 && r.StatusCode() <= 504)
		})

	return client
}

// GetPipelineStatus reads the authoritative status record for one entity.
func (c *Client) GetPipelineStatus(ctx context.Context, entityID string) (*StatusRecord, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(c.buildURL(fmt.Sprintf("api/pipeline/%s/status", entityID)))
	if err != nil {
		return nil, resilience.Transient(fmt.Errorf("status read failed: %w", err))
	}
	if err := c.classify(resp, "status read"); err != nil {
		return nil, err
	}

	var record StatusRecord
	if err := json.Unmarshal(resp.Body(), &record); err != nil {
		return nil, fmt.Errorf("failed to parse status record: %w", err)
	}
	return &record, nil
}

// TriggerValidation asks the workflow engine to start validating the entity's
// uploaded inputs. A nil return means the request was accepted, not that
// validation finished; completion is observed through the status table.
func (c *Client) TriggerValidation(ctx context.Context, req TriggerRequest) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(c.buildURL("api/validations"))
	if err != nil {
		return resilience.Transient(fmt.Errorf("trigger request failed: %w", err))
	}
	return c.classify(resp, "validation trigger")
}

// AdvancePending asks the backend processor to advance any stalled pipeline
// work. Returns how many items it moved, for logging only.
func (c *Client) AdvancePending(ctx context.Context) (int, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(c.buildURL("api/pipeline/advance"))
	if err != nil {
		return 0, resilience.Transient(fmt.Errorf("advance request failed: %w", err))
	}
	if err := c.classify(resp, "pipeline advance"); err != nil {
		return 0, err
	}

	var result AdvanceResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return 0, fmt.Errorf("failed to parse advance response: %w", err)
	}
	return result.Advanced, nil
}

// GetEntityName retrieves the display name for an entity (with caching).
func (c *Client) GetEntityName(ctx context.Context, entityID string) string {
	c.cacheMu.RLock()
	if name, exists := c.nameCache[entityID]; exists {
		c.cacheMu.RUnlock()
		return name
	}
	c.cacheMu.RUnlock()

	resp, err := c.http.R().
		SetContext(ctx).
		Get(c.buildURL(fmt.Sprintf("api/entities/%s", entityID)))
	if err != nil || !resp.IsSuccess() {
		// Fallback to the id so callers always have something to display.
		c.storeName(entityID, entityID)
		return entityID
	}

	var result struct {
		DisplayName string `json:"displayName"`
		Name        string `json:"name"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		c.storeName(entityID, entityID)
		return entityID
	}

	name := result.DisplayName
	if name == "" {
		name = result.Name
	}
	if name == "" {
		name = entityID
	}
	c.storeName(entityID, name)
	return name
}

func (c *Client) storeName(entityID, name string) {
	c.cacheMu.Lock()
	c.nameCache[entityID] = name
	c.cacheMu.Unlock()
}

// Ping verifies connectivity and credentials against the backend health
// endpoint and returns the server's self-description.
func (c *Client) Ping(ctx context.Context) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(c.buildURL("api/health"))
	if err != nil {
		return "", resilience.Transient(fmt.Errorf("health check failed: %w", err))
	}
	if err := c.classify(resp, "health check"); err != nil {
		return "", err
	}

	var info struct {
		Service string `json:"service"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(resp.Body(), &info); err != nil || info.Service == "" {
		return "document pipeline backend", nil
	}
	if info.Version != "" {
		return fmt.Sprintf("%s %s", info.Service, info.Version), nil
	}
	return info.Service, nil
}

// classify maps an HTTP response onto the shared error taxonomy: 4xx means the
// request itself is bad and must not be retried, everything else non-success
// is treated as transient.
func (c *Client) classify(resp *resty.Response, label string) error {
	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500 && resp.StatusCode() != 429:
		return resilience.Rejected(fmt.Errorf("%s rejected: HTTP %d: %s", label, resp.StatusCode(), resp.String()))
	default:
		return resilience.Transient(fmt.Errorf("%s failed: HTTP %d: %s", label, resp.StatusCode(), resp.String()))
	}
}

func (c *Client) buildURL(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "/")
	return fmt.Sprintf("%s/%s", c.baseURL, endpoint)
}

// SetTimeout allows customizing the timeout for specific operations.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.http.SetTimeout(timeout)
}
