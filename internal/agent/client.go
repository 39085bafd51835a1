package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fleetlink/fleetlink/internal/protocol"
)

// ErrNotFound means the coordinator no longer recognizes this agent's id or
// token. Recovery is to re-register for a fresh token.
var ErrNotFound = errors.New("agent not recognized by coordinator")

const requestTimeout = 15 * time.Second

// Client speaks the agent-facing half of the coordinator API.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: requestTimeout},
	}
}

// Register enrolls the identity and returns the assigned id and bearer token.
func (c *Client) Register(ctx context.Context, identity protocol.AgentIdentity) (protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	err := c.post(ctx, "/api/v1/agents/register", protocol.RegisterRequest{Identity: identity}, &resp)
	if err != nil {
		return protocol.RegisterResponse{}, err
	}
	if resp.ClientID == "" || resp.Token == "" {
		return protocol.RegisterResponse{}, fmt.Errorf("register response missing client_id or token")
	}
	return resp, nil
}

// Heartbeat refreshes liveness and returns any tasks queued since the last
// poll. A coordinator 404 surfaces as ErrNotFound.
func (c *Client) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) (protocol.HeartbeatResponse, error) {
	var resp protocol.HeartbeatResponse
	if err := c.post(ctx, "/api/v1/agents/heartbeat", req, &resp); err != nil {
		return protocol.HeartbeatResponse{}, err
	}
	return resp, nil
}

// ReportResult posts one task outcome. Best-effort from the caller's side;
// the coordinator treats results as an audit trail only.
func (c *Client) ReportResult(ctx context.Context, req protocol.ResultRequest) error {
	return c.post(ctx, "/api/v1/agents/results", req, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("call coordinator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("coordinator returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
