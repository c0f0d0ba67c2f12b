package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"OpenMCP-Fleet/internal/coordinator"
	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/policy"
	"OpenMCP-Fleet/internal/scheduler"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// ErrNoToken is returned when an operator call is made before SetAccessToken
// on a client that requires authentication.
var ErrNoToken = errors.New("fleet: access token is not set")

// Client wraps the HTTP interactions with the fleet operator API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// APIError represents a non-2xx response from the fleet API.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("fleet api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("fleet api error (%d): %s", e.StatusCode, e.Message)
}

// Mission is the operator-facing mission update.
type Mission struct {
	Text         string `json:"text"`
	TargetCycles int    `json:"target_cycles,omitempty"`
}

// NewClient instantiates a client for the fleet API. When httpClient is nil a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken stores the API key or JWT sent as a bearer token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Agents lists every registered agent.
func (c *Client) Agents(ctx context.Context) ([]coordinator.AgentInfo, error) {
	var out []coordinator.AgentInfo
	return out, c.call(ctx, http.MethodGet, "/api/v1/agents", nil, nil, &out)
}

// Agent fetches one agent by id.
func (c *Client) Agent(ctx context.Context, id string) (coordinator.AgentInfo, error) {
	var out coordinator.AgentInfo
	return out, c.call(ctx, http.MethodGet, agentPath(id, ""), nil, nil, &out)
}

// Activate starts the agent's scheduler.
func (c *Client) Activate(ctx context.Context, id string) (coordinator.AgentInfo, error) {
	var out coordinator.AgentInfo
	return out, c.call(ctx, http.MethodPost, agentPath(id, "activate"), nil, nil, &out)
}

// Sleep pauses the agent's scheduler.
func (c *Client) Sleep(ctx context.Context, id string) (coordinator.AgentInfo, error) {
	var out coordinator.AgentInfo
	return out, c.call(ctx, http.MethodPost, agentPath(id, "sleep"), nil, nil, &out)
}

// Halt stops the agent until it is explicitly activated again.
func (c *Client) Halt(ctx context.Context, id, reason string) (coordinator.AgentInfo, error) {
	var out coordinator.AgentInfo
	body := map[string]string{"reason": reason}
	return out, c.call(ctx, http.MethodPost, agentPath(id, "halt"), nil, body, &out)
}

// HaltAll halts every agent and returns the affected ids.
func (c *Client) HaltAll(ctx context.Context, reason string) ([]string, error) {
	var out struct {
		Halted []string `json:"halted"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/halt", nil, map[string]string{"reason": reason}, &out)
	return out.Halted, err
}

// RunCycle triggers one observe-plan-gate-execute cycle out of schedule.
func (c *Client) RunCycle(ctx context.Context, id string) (scheduler.Cycle, error) {
	var out scheduler.Cycle
	return out, c.call(ctx, http.MethodPost, agentPath(id, "cycle"), nil, nil, &out)
}

// UpdateRules merges patch into the agent's policy rules.
func (c *Client) UpdateRules(ctx context.Context, id string, patch policy.RulesPatch) (policy.Rules, error) {
	var out policy.Rules
	return out, c.call(ctx, http.MethodPut, agentPath(id, "rules"), nil, patch, &out)
}

// Recall moves the agent's spendable balance back to the vault.
func (c *Client) Recall(ctx context.Context, id string) (coordinator.TransferOutcome, error) {
	var out coordinator.TransferOutcome
	return out, c.call(ctx, http.MethodPost, agentPath(id, "recall"), nil, nil, &out)
}

// Sack recalls the agent's funds and removes it from the fleet.
func (c *Client) Sack(ctx context.Context, id string) (coordinator.SackReport, error) {
	var out coordinator.SackReport
	return out, c.call(ctx, http.MethodPost, agentPath(id, "sack"), nil, nil, &out)
}

// Distribute splits the vault's distributable balance across agents.
func (c *Client) Distribute(ctx context.Context, strategy string) (coordinator.DistributionReport, error) {
	var out coordinator.DistributionReport
	body := map[string]string{"strategy": strategy}
	return out, c.call(ctx, http.MethodPost, "/api/v1/distribute", nil, body, &out)
}

// Portfolio returns vault and agent balances.
func (c *Client) Portfolio(ctx context.Context) (coordinator.Portfolio, error) {
	var out coordinator.Portfolio
	return out, c.call(ctx, http.MethodGet, "/api/v1/portfolio", nil, nil, &out)
}

// MissionStatus returns the current mission and its progress.
func (c *Client) MissionStatus(ctx context.Context) (coordinator.MissionStatus, error) {
	var out coordinator.MissionStatus
	return out, c.call(ctx, http.MethodGet, "/api/v1/mission", nil, nil, &out)
}

// SetMission replaces the fleet mission.
func (c *Client) SetMission(ctx context.Context, mission Mission) (coordinator.MissionStatus, error) {
	var out coordinator.MissionStatus
	return out, c.call(ctx, http.MethodPut, "/api/v1/mission", nil, mission, &out)
}

// Events returns recent events, optionally filtered to one agent.
func (c *Client) Events(ctx context.Context, agentID string, limit int) ([]events.Event, error) {
	var out []events.Event
	return out, c.call(ctx, http.MethodGet, "/api/v1/events", historyQuery(agentID, limit), nil, &out)
}

// Decisions returns persisted gate decisions, newest first.
func (c *Client) Decisions(ctx context.Context, agentID string, limit int) ([]policy.Decision, error) {
	var out []policy.Decision
	return out, c.call(ctx, http.MethodGet, "/api/v1/decisions", historyQuery(agentID, limit), nil, &out)
}

// Cycles returns persisted cycle records, newest first.
func (c *Client) Cycles(ctx context.Context, agentID string, limit int) ([]scheduler.Cycle, error) {
	var out []scheduler.Cycle
	return out, c.call(ctx, http.MethodGet, "/api/v1/cycles", historyQuery(agentID, limit), nil, &out)
}

func agentPath(id, action string) string {
	p := "/api/v1/agents/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func historyQuery(agentID string, limit int) url.Values {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent", agentID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		// 认证中间件返回纯文本，此时保留原文。
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		if resp.StatusCode == http.StatusUnauthorized && c.AccessToken() == "" {
			return fmt.Errorf("%w: %w", ErrNoToken, &apiErr)
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
