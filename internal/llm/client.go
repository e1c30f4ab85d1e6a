// Package llm provides the contract and a circuit-breaker-wrapped HTTP
// client for the external LLM gateway the Planner calls into, trimmed to
// what the Planner's two phases need.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Message is one turn in a chat-style completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request sent to the gateway.
type Request struct {
	Capability  string    `json:"capability"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Response is the gateway's completion result.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// Client is the contract the Planner depends on; Phase 1/Phase 2 calls are
// both plain Complete calls with different prompts and schemas.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// HTTPClient calls a single out-of-scope LLM gateway endpoint over HTTP,
// wrapped in a circuit breaker so a gateway outage fails fast instead of
// piling up blocked planner goroutines.
type HTTPClient struct {
	endpoint string
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
}

// NewHTTPClient constructs an HTTPClient against endpoint (the gateway's
// completion URL).
func NewHTTPClient(endpoint string) *HTTPClient {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-gateway",
		MaxRequests: 2,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &HTTPClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 180 * time.Second},
		cb:       cb,
	}
}

// Complete posts req to the gateway through the circuit breaker.
func (c *HTTPClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Capability == "" {
		return nil, fmt.Errorf("capability is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	result, err := c.cb.Execute(func() (any, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("llm gateway returned %d: %s", resp.StatusCode, data)
		}

		var out Response
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("decode gateway response: %w", err)
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Response), nil
}
