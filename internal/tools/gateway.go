package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jettison-io/parley/pkg/models"
)

// maxToolInputSize bounds tool call arguments to keep a misbehaving model
// from exhausting memory.
const maxToolInputSize = 10 << 20

// maxToolResultSize bounds the response body fed back to the LLM.
const maxToolResultSize = 1 << 20

// SystemTarget is the per-call execution target, resolved from
// configuration by the caller.
type SystemTarget struct {
	Name    string
	BaseURL string
}

// Gateway executes tool calls against external systems. Failures never
// escape as errors: every outcome is a ToolResult, error or not, fed back
// into the conversation.
type Gateway struct {
	registry *Registry
	client   *http.Client
	logger   *slog.Logger
}

// NewGateway creates a tool gateway over the given registry.
func NewGateway(registry *Registry, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

// SetHTTPClient overrides the HTTP client, for tests.
func (g *Gateway) SetHTTPClient(c *http.Client) { g.client = c }

// Invoke executes one tool call with the given bearer credential.
func (g *Gateway) Invoke(ctx context.Context, target SystemTarget, grant *models.Grant, call models.ToolCall) models.ToolResult {
	fail := func(format string, args ...any) models.ToolResult {
		msg := fmt.Sprintf(format, args...)
		g.logger.Error("tool call failed", "tool", call.Name, "system", target.Name, "reason", msg)
		return models.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true}
	}

	if len(call.Input) > maxToolInputSize {
		return fail("tool arguments exceed maximum size of %d bytes", maxToolInputSize)
	}

	e, ok := g.registry.lookup(call.Name)
	if !ok {
		return fail("operation %s not found", call.Name)
	}

	var args map[string]any
	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return fail("invalid tool arguments: %v", err)
	}
	if err := e.Schema.Validate(anyArgs(args)); err != nil {
		return fail("tool arguments failed validation: %v", err)
	}

	req, err := g.buildRequest(ctx, target, e.Route, args)
	if err != nil {
		return fail("failed to build request: %v", err)
	}
	if grant != nil && grant.AccessToken != "" {
		tokenType := grant.TokenType
		if tokenType == "" {
			tokenType = "Bearer"
		}
		req.Header.Set("Authorization", tokenType+" "+grant.AccessToken)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fail("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResultSize))
	if err != nil {
		return fail("failed to read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail("request returned status %d: %s", resp.StatusCode, string(body))
	}

	outcome := map[string]any{
		"success":     true,
		"status_code": resp.StatusCode,
	}
	if len(body) > 0 {
		var data any
		if err := json.Unmarshal(body, &data); err == nil {
			outcome["data"] = data
		} else {
			outcome["data"] = string(body)
		}
	}
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return fail("failed to encode result: %v", err)
	}
	g.logger.Debug("tool call succeeded", "tool", call.Name, "system", target.Name, "status", resp.StatusCode)
	return models.ToolResult{ToolCallID: call.ID, Content: string(encoded)}
}

// buildRequest maps arguments onto the route: query parameters for GET and
// DELETE, a JSON body for POST, PUT, and PATCH.
func (g *Gateway) buildRequest(ctx context.Context, target SystemTarget, rt route, args map[string]any) (*http.Request, error) {
	endpoint := target.BaseURL + rt.Path

	switch rt.Method {
	case http.MethodGet, http.MethodDelete:
		req, err := http.NewRequestWithContext(ctx, rt.Method, endpoint, nil)
		if err != nil {
			return nil, err
		}
		q := url.Values{}
		for k, v := range args {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	default:
		body, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, rt.Method, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

// anyArgs round-trips the argument map so jsonschema sees plain JSON types.
func anyArgs(args map[string]any) any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
