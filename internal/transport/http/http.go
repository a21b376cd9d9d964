// Package http realizes the Transport interface over a remote HTTP chat
// API, grounded on an OpenAI-style chat completions endpoint. The model is
// required to invoke a single tool, submit_patch, whose arguments are the
// patch payload; a reply without that tool call is a ProtocolViolation.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"codepilot-loop/internal/logging"
	"codepilot-loop/internal/transport"
)

// Config configures the HTTP transport.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Transport drives a structured tool-call conversation against an
// OpenAI-compatible chat completions endpoint.
type Transport struct {
	cfg        Config
	httpClient *http.Client
	policy     transport.RetryPolicy

	mu          sync.Mutex
	lastRequest time.Time
}

// New constructs an HTTP transport for the given config.
func New(cfg Config) *Transport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Transport{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		policy:     transport.DefaultRetryPolicy(),
	}
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type toolDef struct {
	Type     string `json:"type"`
	Function struct {
		Name        string      `json:"name"`
		Description string      `json:"description"`
		Parameters  interface{} `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model      string        `json:"model"`
	Messages   []chatMessage `json:"messages"`
	Tools      []toolDef     `json:"tools,omitempty"`
	ToolChoice interface{}   `json:"tool_choice,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func submitPatchTool() toolDef {
	var t toolDef
	t.Type = "function"
	t.Function.Name = "submit_patch"
	t.Function.Description = "Submit exactly one patch payload for the current repository"
	t.Function.Parameters = map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op":       map[string]interface{}{"type": "string", "enum": []string{"create", "update", "delete", "rename", "chmod"}},
			"file":     map[string]interface{}{"type": "string"},
			"body":     map[string]interface{}{"type": "string"},
			"body_b64": map[string]interface{}{"type": "string"},
			"target":   map[string]interface{}{"type": "string"},
			"mode":     map[string]interface{}{"type": "string"},
			"status":   map[string]interface{}{"type": "string", "enum": []string{"in_progress", "completed"}},
		},
		"required": []string{"op", "file", "status"},
	}
	return t
}

// Exchange sends userMessage with the conversation's bounded window and
// enforces a per-call deadline via ctx. For ReplyPatch it requires the
// model to invoke submit_patch; for ReplyPlan it accepts free text.
func (t *Transport) Exchange(ctx context.Context, conv *transport.Conversation, userMessage string, kind transport.ReplyKind) (*transport.Reply, error) {
	reply, err := transport.WithRetry(ctx, t.policy, func(attempt int) (*transport.Reply, error) {
		return t.exchangeOnce(ctx, conv, userMessage, kind)
	})
	return reply, err
}

func (t *Transport) exchangeOnce(ctx context.Context, conv *transport.Conversation, userMessage string, kind transport.ReplyKind) (*transport.Reply, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.httpClient.Timeout)
		defer cancel()
	}

	t.mu.Lock()
	elapsed := time.Since(t.lastRequest)
	if elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	t.lastRequest = time.Now()
	t.mu.Unlock()

	messages := []chatMessage{{Role: "system", Content: conv.System}}
	for _, pair := range conv.Window() {
		messages = append(messages, chatMessage{Role: "user", Content: pair.User.Text})
		messages = append(messages, chatMessage{Role: "assistant", Content: pair.Assistant.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userMessage})

	reqBody := chatRequest{Model: t.cfg.Model, Messages: messages}
	if kind == transport.ReplyPatch {
		reqBody.Tools = []toolDef{submitPatchTool()}
		reqBody.ToolChoice = map[string]interface{}{
			"type":     "function",
			"function": map[string]string{"name": "submit_patch"},
		}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, transport.NewError(transport.ErrTransportTransient, "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, transport.NewError(transport.ErrTransportTransient, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, transport.NewError(transport.ErrTransportTimeout, "request deadline exceeded: %v", err)
		}
		return nil, transport.NewError(transport.ErrTransportTransient, "request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.NewError(transport.ErrTransportTransient, "read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, transport.NewError(transport.ErrTransportTransient, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, transport.NewError(transport.ErrTransportAuth, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		return nil, transport.NewError(transport.ErrTransportAuth, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, transport.NewError(transport.ErrTransportTransient, "parse response: %v", err)
	}
	if parsed.Error != nil {
		return nil, transport.NewError(transport.ErrTransportTransient, "api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, transport.NewError(transport.ErrTransportTransient, "empty choices")
	}

	message := parsed.Choices[0].Message
	logging.Record(logging.AuditEvent{EventType: logging.AuditTransportCall, Success: true})

	if kind == transport.ReplyPatch {
		if len(message.ToolCalls) != 1 || message.ToolCalls[0].Function.Name != "submit_patch" {
			return nil, transport.NewError(transport.ErrProtocolViolation, "model did not invoke submit_patch exactly once")
		}
		return &transport.Reply{Kind: transport.ReplyPatch, Text: message.ToolCalls[0].Function.Arguments}, nil
	}

	return &transport.Reply{Kind: transport.ReplyPlan, Text: strings.TrimSpace(message.Content)}, nil
}

// Cancel is a no-op for the HTTP transport: each Exchange call owns its own
// request and is bound to the caller's ctx, so there is no background work
// to tear down.
func (t *Transport) Cancel() {}

var _ transport.Transport = (*Transport)(nil)
