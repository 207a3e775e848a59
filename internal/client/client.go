// Package client is the typed HTTP client the CLI uses to talk to a
// running controller: JSON-RPC calls, the dashboard snapshot, the
// health probe, and the SSE event stream.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/droverhq/drover/internal/dashboard"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/rpc"
)

// Client talks to one controller over HTTP. The underlying http.Client
// carries no global timeout because Watch holds its connection open;
// per-call deadlines ride on the context.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New creates a client for the controller at addr. A bare host:port
// gets an http scheme. token is the shared bearer; empty means the
// server runs open.
func New(addr, token string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{},
	}
}

// Ack is the reply for async methods: the call was accepted onto the
// job layer and jobId tracks it.
type Ack struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"jobId"`
}

// response mirrors rpc.Response with the result left raw so each
// caller decodes into its own type.
type response struct {
	Result json.RawMessage `json:"result"`
	Error  *rpc.RPCError   `json:"error"`
}

// Call invokes one JSON-RPC method and decodes the result into out.
// out may be nil when the caller only cares about success. Server-side
// failures come back as *rpc.RPCError.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}
	body, err := json.Marshal(rpc.Request{
		JSONRPC: rpc.JSONRPCVersion,
		ID:      json.RawMessage(`1`),
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("call %s: unauthorized (set --token or DROVER_TOKEN)", method)
	}

	var reply response
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decode %s reply: %w", method, err)
	}
	if reply.Error != nil {
		return reply.Error
	}
	if out != nil && len(reply.Result) > 0 {
		if err := json.Unmarshal(reply.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// Health probes GET /healthz.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health: status %d", resp.StatusCode)
	}
	return nil
}

// Dashboard fetches the aggregate snapshot from GET /dashboard.
func (c *Client) Dashboard(ctx context.Context) (dashboard.Snapshot, error) {
	var snap dashboard.Snapshot

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/dashboard", nil)
	if err != nil {
		return snap, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return snap, fmt.Errorf("dashboard: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return snap, fmt.Errorf("dashboard: unauthorized (set --token or DROVER_TOKEN)")
	}
	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("dashboard: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode dashboard: %w", err)
	}
	return snap, nil
}

// Trigger forces one scheduled maintenance job to run now. The method
// is async on the server, so the reply is an accept with a job id.
func (c *Client) Trigger(ctx context.Context, job string) (Ack, error) {
	var ack Ack
	err := c.Call(ctx, "scheduler/trigger", map[string]string{"job": job}, &ack)
	return ack, err
}

// Watch subscribes to GET /events and invokes handler for each event
// until ctx is cancelled or the stream closes. The SSE event name
// duplicates the type field inside the JSON payload, so only data
// lines are parsed.
func (c *Client) Watch(ctx context.Context, handler func(events.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("watch: unauthorized (set --token or DROVER_TOKEN)")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("watch: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data == "" {
				continue
			}
			var event events.Event
			if err := json.Unmarshal([]byte(data), &event); err == nil {
				handler(event)
			}
			data = ""
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
