// Package executorclient is the Manager's HTTP client for executor
// containers.
package executorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/runloom/runloom/internal/common/apperr"
	"github.com/runloom/runloom/internal/common/httpmw"
	"github.com/runloom/runloom/internal/common/logger"
	"github.com/runloom/runloom/internal/protocol"
)

const (
	connectTimeout = 10 * time.Second
	totalTimeout   = 30 * time.Second
)

// Client calls executor HTTP APIs. One client serves all executors;
// the target base URL comes from the container pool per dispatch.
type Client struct {
	http *http.Client
	log  *logger.Logger
}

// New creates an executor client with the dispatch timeouts.
func New(log *logger.Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: totalTimeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				MaxIdleConnsPerHost: 4,
			},
		},
		log: log,
	}
}

// Execute starts a run on the executor at baseURL. The executor
// acknowledges immediately and reports progress through callbacks.
func (c *Client) Execute(ctx context.Context, baseURL string, req *protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/tasks/execute", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpmw.InjectIDs(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExternalService, "executor request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeExternalService, "failed to read executor response", err)
	}
	if resp.StatusCode >= 300 {
		return nil, apperr.Newf(apperr.CodeExternalService, "executor returned status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var out protocol.ExecuteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode executor response: %w", err)
	}
	return &out, nil
}

// Cancel asks the executor to stop the session's running task.
func (c *Client) Cancel(ctx context.Context, baseURL, sessionID string) error {
	data, _ := json.Marshal(map[string]string{"session_id": sessionID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/tasks/cancel", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	httpmw.InjectIDs(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeExternalService, "executor cancel failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperr.Newf(apperr.CodeExternalService, "executor cancel returned status %d", resp.StatusCode)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
