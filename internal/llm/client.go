package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	ErrorCodeNotConfigured = "provider_not_configured"
	ErrorCodeRequestFailed = "provider_request_failed"
	ErrorCodeInvalidReply  = "provider_invalid_reply"
)

type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Message struct {
	Role    string
	Content string
}

// GatewayTool points the provider's tool-calling loop at a per-sandbox
// search or browser gateway. The provider executes the calls on its side;
// only the final text comes back.
type GatewayTool struct {
	Label string
	URL   string
	Token string
}

type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Gateway     *GatewayTool
}

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	EmbedModel string
	Timeout    time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config) *Client {
	return NewWithHTTPClient(cfg, &http.Client{Timeout: cfg.Timeout + 30*time.Second})
}

func NewWithHTTPClient(cfg Config, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout + 30*time.Second}
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	return &Client{cfg: cfg, httpClient: client}
}

func (c *Client) Model() string {
	return c.cfg.Model
}

func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	payload, err := c.buildChatPayload(req, false)
	if err != nil {
		return "", err
	}
	respBody, err := c.post(ctx, "/chat/completions", payload, nil)
	if err != nil {
		return "", err
	}

	var completion chatResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider response is not valid json", Err: err}
	}
	if len(completion.Choices) == 0 {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider response has no choices"}
	}
	message := completion.Choices[0].Message
	if len(message.ToolCalls) > 0 {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider returned unexecuted tool calls"}
	}
	text := strings.TrimSpace(extractContent(message.Content))
	if text == "" {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider response has empty content"}
	}
	return text, nil
}

// CompleteStream delivers text deltas through onDelta as they arrive and
// returns the assembled reply. Tool activity happens provider-side between
// deltas and never surfaces here.
func (c *Client) CompleteStream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	respBody, err := c.postChatStream(ctx, req)
	if err != nil {
		return "", err
	}
	defer respBody.Close()

	var reply strings.Builder
	processData := func(data string) error {
		if data == "[DONE]" {
			return nil
		}
		var chunk chatStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("provider stream chunk is not valid json: %w", err)
		}
		for _, choice := range chunk.Choices {
			delta := extractDeltaContent(choice.Delta.Content)
			if delta == "" {
				continue
			}
			reply.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		return nil
	}
	if err := consumeSSEData(respBody, processData); err != nil {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider stream response is invalid", Err: err}
	}

	text := reply.String()
	if strings.TrimSpace(text) == "" {
		return "", &ProviderError{Code: ErrorCodeInvalidReply, Message: "provider response has empty content"}
	}
	return text, nil
}

func (c *Client) Embed(ctx context.Context, input string) ([]float32, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, &ProviderError{Code: ErrorCodeNotConfigured, Message: "LLM_API_KEY is required"}
	}
	model := strings.TrimSpace(c.cfg.EmbedModel)
	if model == "" {
		return nil, &ProviderError{Code: ErrorCodeNotConfigured, Message: "LLM_EMBED_MODEL is required for document search"}
	}

	body, err := json.Marshal(embeddingRequest{Model: model, Input: []string{input}})
	if err != nil {
		return nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "failed to encode embedding request", Err: err}
	}
	respBody, err := c.post(ctx, "/embeddings", body, nil)
	if err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ProviderError{Code: ErrorCodeInvalidReply, Message: "embedding response is not valid json", Err: err}
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, &ProviderError{Code: ErrorCodeInvalidReply, Message: "embedding response has no vectors"}
	}
	return parsed.Data[0].Embedding, nil
}

func (c *Client) postChatStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	payload, err := c.buildChatPayload(req, true)
	if err != nil {
		return nil, err
	}
	httpReq, cancel, err := c.newRequest(ctx, "/chat/completions", payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "provider request failed", Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		cancel()
		return nil, &ProviderError{
			Code:    ErrorCodeRequestFailed,
			Message: fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}
	return &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *Client) buildChatPayload(req Request, stream bool) ([]byte, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, &ProviderError{Code: ErrorCodeNotConfigured, Message: "LLM_API_KEY is required"}
	}
	if strings.TrimSpace(c.cfg.Model) == "" {
		return nil, &ProviderError{Code: ErrorCodeNotConfigured, Message: "LLM_MODEL is required"}
	}

	messages := make([]chatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := normalizeRole(msg.Role)
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		messages = append(messages, chatMessage{Role: role, Content: content})
	}
	if len(messages) == 0 {
		return nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "chat request has no content"}
	}

	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if req.Gateway != nil {
		payload.Tools = []gatewayToolDefinition{{
			Type:        "mcp",
			ServerLabel: req.Gateway.Label,
			ServerURL:   req.Gateway.URL,
			Headers:     map[string]string{"Authorization": "Bearer " + req.Gateway.Token},
		}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "failed to encode provider request", Err: err}
	}
	return body, nil
}

const maxResponseBytes = 2 * 1024 * 1024

func (c *Client) newRequest(ctx context.Context, path string, body []byte) (*http.Request, context.CancelFunc, error) {
	requestCtx := ctx
	cancel := context.CancelFunc(func() {})
	if c.cfg.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	}
	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "failed to create provider request", Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	return httpReq, cancel, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, cancel, err := c.newRequest(ctx, path, body)
	if err != nil {
		return nil, err
	}
	defer cancel()
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "provider request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ProviderError{Code: ErrorCodeRequestFailed, Message: "failed to read provider response", Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &ProviderError{
			Code:    ErrorCodeRequestFailed,
			Message: fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}
	return respBody, nil
}

type chatRequest struct {
	Model       string                  `json:"model"`
	Messages    []chatMessage           `json:"messages"`
	Temperature float64                 `json:"temperature"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Tools       []gatewayToolDefinition `json:"tools,omitempty"`
	Stream      bool                    `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type gatewayToolDefinition struct {
	Type        string            `json:"type"`
	ServerLabel string            `json:"server_label"`
	ServerURL   string            `json:"server_url"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   json.RawMessage   `json:"content"`
			ToolCalls []json.RawMessage `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content json.RawMessage `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func normalizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleSystem, RoleAssistant, RoleUser:
		return strings.ToLower(strings.TrimSpace(role))
	default:
		return RoleUser
	}
}

func extractContent(raw json.RawMessage) string {
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var arr []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &arr); err == nil {
		parts := make([]string, 0, len(arr))
		for _, item := range arr {
			if item.Type != "text" {
				continue
			}
			text := strings.TrimSpace(item.Text)
			if text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func extractDeltaContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var direct string
	if err := json.Unmarshal(raw, &direct); err == nil {
		return direct
	}
	var arr []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &arr); err == nil {
		var out strings.Builder
		for _, item := range arr {
			if item.Type != "text" || item.Text == "" {
				continue
			}
			out.WriteString(item.Text)
		}
		return out.String()
	}
	return ""
}

func consumeSSEData(reader io.Reader, onData func(string) error) error {
	if reader == nil {
		return fmt.Errorf("stream reader is nil")
	}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)
	dataLines := make([]string, 0, 4)
	flushBlock := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		payload := strings.Join(dataLines, "\n")
		dataLines = dataLines[:0]
		if onData == nil {
			return nil
		}
		return onData(payload)
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if err := flushBlock(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		dataLines = append(dataLines, payload)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flushBlock()
}
