// Package backendclient is the Manager's HTTP client for the Backend's
// run queue, callback, preset, and user-input APIs.
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/httpmw"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/protocol"
)

// maxClaimAttempts bounds retries against a briefly unavailable Backend
// before the pull loop gives up until its next tick.
const maxClaimAttempts = 5

// Client talks to one Backend instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logger.Logger
}

// New creates a Backend client.
func New(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

// Claim asks the Backend for the oldest eligible run. Transport errors
// retry with exponential backoff; a null run is a normal empty queue.
func (c *Client) Claim(ctx context.Context, req protocol.ClaimRequest) (*protocol.ClaimedRun, error) {
	var claimed *protocol.ClaimedRun

	operation := func() error {
		data, err := c.do(ctx, http.MethodPost, "/api/v1/runs/claim", req)
		if err != nil {
			if apperr.CodeOf(err) != apperr.CodeBackendUnavailable {
				return backoff.Permanent(err)
			}
			return err
		}
		var payload struct {
			Run *protocol.ClaimedRun `json:"run"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode claim response: %w", err))
		}
		claimed = payload.Run
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxClaimAttempts-1), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, apperr.Wrap(apperr.CodeBackendUnavailable, "claim failed", err)
	}
	return claimed, nil
}

// StartRun reports the dispatcher took over the claimed run.
func (c *Client) StartRun(ctx context.Context, runID, workerID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+runID+"/start",
		protocol.RunTransitionRequest{WorkerID: workerID})
	return err
}

// FailRun reports a dispatch or execution failure.
func (c *Client) FailRun(ctx context.Context, runID, workerID, message string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+runID+"/fail",
		protocol.RunTransitionRequest{WorkerID: workerID, ErrorMessage: message})
	return err
}

// CompleteRun reports successful completion.
func (c *Client) CompleteRun(ctx context.Context, runID, workerID string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+runID+"/complete",
		protocol.RunTransitionRequest{WorkerID: workerID})
	return err
}

// ForwardCallback relays a sanitized executor callback.
func (c *Client) ForwardCallback(ctx context.Context, cb *protocol.Callback) error {
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/callback", cb); err != nil {
		return apperr.Wrap(apperr.CodeCallbackForwardFailed, "failed to forward callback", err)
	}
	return nil
}

// Preset is the wire shape of a Backend preset.
type Preset struct {
	Name          string         `json:"name"`
	Kind          string         `json:"kind"`
	Transport     string         `json:"transport"`
	Entry         string         `json:"entry"`
	DefaultConfig map[string]any `json:"default_config"`
	IsActive      bool           `json:"is_active"`
}

// MCPPresets lists active MCP presets.
func (c *Client) MCPPresets(ctx context.Context) ([]Preset, error) {
	return c.presets(ctx, "/api/v1/mcp-presets")
}

// SkillPresets lists active skill presets.
func (c *Client) SkillPresets(ctx context.Context) ([]Preset, error) {
	return c.presets(ctx, "/api/v1/skill-presets")
}

func (c *Client) presets(ctx context.Context, path string) ([]Preset, error) {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Presets []Preset `json:"presets"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode presets: %w", err)
	}
	return payload.Presets, nil
}

// EnvVarMap fetches a user's env var map for config substitution.
func (c *Client) EnvVarMap(ctx context.Context, userID string) (map[string]string, error) {
	path := "/api/v1/internal/env-vars/map?user_id=" + url.QueryEscape(userID)
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Env map[string]string `json:"env"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode env map: %w", err)
	}
	return payload.Env, nil
}

// CreateUserInputRequest proxies an executor question to the Backend.
func (c *Client) CreateUserInputRequest(ctx context.Context, sessionID, toolName string, toolInput map[string]any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/internal/user-input-requests", map[string]any{
		"session_id": sessionID,
		"tool_name":  toolName,
		"tool_input": toolInput,
	})
}

// GetUserInputRequest polls one request's state.
func (c *Client) GetUserInputRequest(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/internal/user-input-requests/"+id, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	httpmw.InjectIDs(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeBackendUnavailable, "backend request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeBackendUnavailable, "failed to read backend response", err)
	}

	var env struct {
		Success bool            `json:"success"`
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, apperr.Newf(apperr.CodeBackendUnavailable, "backend returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to decode backend response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		code := apperr.Code(env.Code)
		if code == "" {
			code = apperr.CodeBackendUnavailable
		}
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("backend returned status %d", resp.StatusCode)
		}
		// Lease losses must not retry; surface them as-is.
		return nil, apperr.New(code, msg)
	}
	return env.Data, nil
}
