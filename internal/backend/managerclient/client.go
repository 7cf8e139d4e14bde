// Package managerclient is the Backend's HTTP client for the Executor
// Manager's internal API.
package managerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/httpmw"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/protocol"
)

// Client talks to one Manager instance.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logger.Logger
}

// New creates a Manager client.
func New(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// TriggerPull nudges the Manager's pull loop.
func (c *Client) TriggerPull(ctx context.Context, modes []string, reason string) error {
	body := protocol.TriggerRequest{ScheduleModes: modes, Reason: reason}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/internal/pull/trigger", body)
	return err
}

// Schedules fetches the Manager's current pull schedule rules.
func (c *Client) Schedules(ctx context.Context) ([]protocol.ScheduleRule, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v1/schedules", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Rules []protocol.ScheduleRule `json:"rules"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode schedules: %w", err)
	}
	return payload.Rules, nil
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
		return nil, apperr.Wrap(apperr.CodeExternalService, "manager request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExternalService, "failed to read manager response", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 300 {
			return nil, apperr.Newf(apperr.CodeExternalService, "manager returned status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to decode manager response: %w", err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("manager returned status %d", resp.StatusCode)
		}
		return nil, apperr.New(apperr.CodeExternalService, msg)
	}
	return env.Data, nil
}
