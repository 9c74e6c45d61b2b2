// Package client wraps REST access to the selfstartd API for the CLI.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kihw/selfstart/internal/server/activation"
	"github.com/kihw/selfstart/internal/server/prober"
	"github.com/kihw/selfstart/internal/server/registry"
	"github.com/kihw/selfstart/internal/server/routing"
)

// Re-exported API payload types so CLI code imports one package.
type (
	Workload    = activation.Snapshot
	Rule        = registry.Rule
	Target      = registry.Target
	TargetSpec  = registry.TargetSpec
	BackendSpec = registry.BackendSpec
	ProbeResult = prober.BackendResult
	Decision    = routing.Result
)

// StartResponse is the payload of a start request.
type StartResponse struct {
	Outcome  activation.StartOutcome `json:"outcome"`
	Workload Workload                `json:"workload"`
}

// Event is one entry of the combined event stream. Only the envelope fields
// shared by workload and target events are decoded.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Workload  string    `json:"workload,omitempty"`
	Target    string    `json:"target,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Status    string    `json:"status,omitempty"`
	Health    string    `json:"health,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Client talks to one selfstartd instance.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// New creates a client for the given base URL (e.g. http://127.0.0.1:8787).
func New(rawURL string) (*Client, error) {
	if rawURL == "" {
		rawURL = "http://127.0.0.1:8787"
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	return &Client{
		baseURL: parsed,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

func (c *Client) Decide(ctx context.Context, name, clientKey string) (Decision, error) {
	path := "/decide?name=" + url.QueryEscape(name)
	if clientKey != "" {
		path += "&client=" + url.QueryEscape(clientKey)
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return Decision{}, err
	}
	var out Decision
	if err := c.do(req, &out); err != nil {
		return Decision{}, err
	}
	return out, nil
}

func (c *Client) ListWorkloads(ctx context.Context) ([]Workload, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/workloads", nil)
	if err != nil {
		return nil, err
	}
	var out []Workload
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetWorkload(ctx context.Context, name string) (Workload, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/workloads/"+url.PathEscape(name), nil)
	if err != nil {
		return Workload{}, err
	}
	var out Workload
	if err := c.do(req, &out); err != nil {
		return Workload{}, err
	}
	return out, nil
}

func (c *Client) StartWorkload(ctx context.Context, name string) (StartResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/workloads/"+url.PathEscape(name)+"/start", nil)
	if err != nil {
		return StartResponse{}, err
	}
	var out StartResponse
	if err := c.do(req, &out); err != nil {
		return StartResponse{}, err
	}
	return out, nil
}

func (c *Client) StopWorkload(ctx context.Context, name string) (Workload, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/workloads/"+url.PathEscape(name)+"/stop", nil)
	if err != nil {
		return Workload{}, err
	}
	var out Workload
	if err := c.do(req, &out); err != nil {
		return Workload{}, err
	}
	return out, nil
}

func (c *Client) ListTargets(ctx context.Context) ([]Target, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/targets", nil)
	if err != nil {
		return nil, err
	}
	var out []Target
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTarget(ctx context.Context, name string) (Target, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/targets/"+url.PathEscape(name), nil)
	if err != nil {
		return Target{}, err
	}
	var out Target
	if err := c.do(req, &out); err != nil {
		return Target{}, err
	}
	return out, nil
}

func (c *Client) CreateTarget(ctx context.Context, spec TargetSpec) (Target, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/targets", spec)
	if err != nil {
		return Target{}, err
	}
	var out Target
	if err := c.do(req, &out); err != nil {
		return Target{}, err
	}
	return out, nil
}

func (c *Client) DeleteTarget(ctx context.Context, name string) (Target, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/targets/"+url.PathEscape(name), nil)
	if err != nil {
		return Target{}, err
	}
	var out Target
	if err := c.do(req, &out); err != nil {
		return Target{}, err
	}
	return out, nil
}

func (c *Client) ToggleTarget(ctx context.Context, name string, enabled bool) (Target, error) {
	body := map[string]bool{"enabled": enabled}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/targets/"+url.PathEscape(name)+"/toggle", body)
	if err != nil {
		return Target{}, err
	}
	var out Target
	if err := c.do(req, &out); err != nil {
		return Target{}, err
	}
	return out, nil
}

func (c *Client) AddBackend(ctx context.Context, name string, spec BackendSpec) (Target, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/targets/"+url.PathEscape(name)+"/backends", spec)
	if err != nil {
		return Target{}, err
	}
	var out Target
	if err := c.do(req, &out); err != nil {
		return Target{}, err
	}
	return out, nil
}

func (c *Client) RemoveBackend(ctx context.Context, name, address string) (Target, error) {
	path := "/api/v1/targets/" + url.PathEscape(name) + "/backends/" + url.PathEscape(address)
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return Target{}, err
	}
	var out Target
	if err := c.do(req, &out); err != nil {
		return Target{}, err
	}
	return out, nil
}

func (c *Client) SetMaintenance(ctx context.Context, name, address string, maintenance bool) (Target, error) {
	path := "/api/v1/targets/" + url.PathEscape(name) + "/backends/" + url.PathEscape(address) + "/maintenance"
	body := map[string]bool{"maintenance": maintenance}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return Target{}, err
	}
	var out Target
	if err := c.do(req, &out); err != nil {
		return Target{}, err
	}
	return out, nil
}

func (c *Client) TestTarget(ctx context.Context, name string) ([]ProbeResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/targets/"+url.PathEscape(name)+"/test", nil)
	if err != nil {
		return nil, err
	}
	var out []ProbeResult
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchEvents streams bus events and invokes handler for each payload until
// the context is cancelled or the server closes the connection.
func (c *Client) WatchEvents(ctx context.Context, handler func(Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: watch events: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: watch events http %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return fmt.Errorf("client: decode event: %w", err)
		}
		if handler != nil {
			handler(event)
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return fmt.Errorf("client: event stream error: %w", err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	resolved, err := url.Parse(c.baseURL.String() + path)
	if err != nil {
		return nil, fmt.Errorf("client: resolve path: %w", err)
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("client: encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, resolved.String(), &buf)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return fmt.Errorf("client: http %d", resp.StatusCode)
		}
		if msg, ok := apiErr["error"].(string); ok {
			return fmt.Errorf("client: http %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("client: http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode response: %w", err)
	}
	return nil
}
