package agents

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

	"go.uber.org/zap"

	"github.com/Kocoro-lab/orchestra/internal/models"
	"github.com/Kocoro-lab/orchestra/internal/tracing"
)

// DefaultServiceURL is used when LLM_SERVICE_URL is unset.
const DefaultServiceURL = "http://llm-service:8000"

// HTTPAgent delegates a capability to a remote agent service via
// POST {BaseURL}/agent/invoke.
type HTTPAgent struct {
	Name    string
	BaseURL string
	Client  *http.Client
	Logger  *zap.Logger
}

// NewHTTPAgent creates an HTTP-backed agent. timeout bounds each call in
// addition to the caller's context.
func NewHTTPAgent(name, baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPAgent {
	if baseURL == "" {
		baseURL = DefaultServiceURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAgent{
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: timeout},
		Logger:  logger,
	}
}

type invokeRequest struct {
	Agent      string                 `json:"agent"`
	Capability string                 `json:"capability"`
	Input      map[string]interface{} `json:"input"`
	RequestID  string                 `json:"request_id,omitempty"`
	Request    string                 `json:"request,omitempty"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

type invokeResponse struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result"`
	Error   string      `json:"error,omitempty"`
}

// Invoke implements Agent.
func (a *HTTPAgent) Invoke(ctx context.Context, capability models.Capability, input map[string]interface{}, rc models.RequestContext) (interface{}, error) {
	buf, err := json.Marshal(invokeRequest{
		Agent:      a.Name,
		Capability: string(capability),
		Input:      input,
		RequestID:  rc.RequestID,
		Request:    rc.Request,
		Context:    rc.Values,
	})
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/agent/invoke", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := a.Client.Do(req)
	if err != nil {
		a.Logger.Warn("Agent HTTP error", zap.String("agent", a.Name), zap.Error(err))
		return nil, fmt.Errorf("call agent %s: %w", a.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		a.Logger.Warn("Agent non-2xx",
			zap.String("agent", a.Name),
			zap.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("agent %s: status %d: %s", a.Name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		return nil, errors.New(msg)
	}
	return out.Result, nil
}
