// Package sandbox is the client for the remote code-execution vendor.
// Session create and release are REST calls; execution streams over a
// websocket. Gateway-enabled flavors (research, browser) report a
// per-sandbox tool endpoint whose payload key spelling varies by API
// revision; GatewayConfig absorbs that here so nothing above ever probes.
package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	FlavorExec     = "exec"
	FlavorResearch = "research"
	FlavorBrowser  = "browser"

	ErrorCodeNotConfigured = "sandbox_not_configured"
	ErrorCodeRequestFailed = "sandbox_request_failed"
	ErrorCodeInvalidReply  = "sandbox_invalid_reply"
	ErrorCodeStreamFailed  = "sandbox_stream_failed"
)

type ServiceError struct {
	Code    string
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *ServiceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Config struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	KeepaliveMS int
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

type SessionOpts struct {
	Flavor       string
	SearchAPIKey string
}

// Handle identifies one live remote sandbox. The raw create payload is kept
// for gateway-config probing.
type Handle struct {
	ID     string
	Flavor string
	wsURL  string
	fields map[string]json.RawMessage
}

type GatewayConfig struct {
	URL   string
	Token string
}

var gatewayURLKeys = []string{"mcp_url", "mcpUrl", "gateway_url", "gatewayUrl"}
var gatewayTokenKeys = []string{"mcp_token", "mcpToken", "gateway_token", "gatewayToken", "access_token"}

// GatewayConfig returns the sandbox's tool endpoint. The vendor has shipped
// the URL and token under several spellings; all are tried once here.
func (h *Handle) GatewayConfig() (GatewayConfig, error) {
	if h == nil {
		return GatewayConfig{}, &ServiceError{Code: ErrorCodeInvalidReply, Message: "sandbox handle is nil"}
	}
	url := h.stringField(gatewayURLKeys)
	token := h.stringField(gatewayTokenKeys)
	if url == "" || token == "" {
		return GatewayConfig{}, &ServiceError{
			Code:    ErrorCodeInvalidReply,
			Message: "sandbox did not report a gateway endpoint and token",
		}
	}
	return GatewayConfig{URL: url, Token: token}, nil
}

func (h *Handle) stringField(keys []string) string {
	for _, key := range keys {
		raw, ok := h.fields[key]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

type createRequest struct {
	TimeoutMS int                    `json:"timeout_ms,omitempty"`
	Features  map[string]interface{} `json:"features,omitempty"`
}

func (c *Client) CreateSession(ctx context.Context, opts SessionOpts) (*Handle, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, &ServiceError{Code: ErrorCodeNotConfigured, Message: "SANDBOX_API_KEY is required"}
	}
	flavor := opts.Flavor
	if flavor == "" {
		flavor = FlavorExec
	}

	payload := createRequest{TimeoutMS: c.cfg.KeepaliveMS, Features: map[string]interface{}{}}
	switch flavor {
	case FlavorResearch:
		payload.Features["search"] = map[string]string{"api_key": opts.SearchAPIKey}
	case FlavorBrowser:
		payload.Features["browser"] = map[string]bool{"enabled": true}
		if opts.SearchAPIKey != "" {
			payload.Features["search"] = map[string]string{"api_key": opts.SearchAPIKey}
		}
	}
	if len(payload.Features) == 0 {
		payload.Features = nil
	}

	respBody, err := c.do(ctx, http.MethodPost, "/sandboxes", payload)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(respBody, &fields); err != nil {
		return nil, &ServiceError{Code: ErrorCodeInvalidReply, Message: "sandbox create response is not valid json", Err: err}
	}
	handle := &Handle{Flavor: flavor, fields: fields}
	if raw, ok := fields["sandbox_id"]; ok {
		_ = json.Unmarshal(raw, &handle.ID)
	}
	if handle.ID == "" {
		if raw, ok := fields["id"]; ok {
			_ = json.Unmarshal(raw, &handle.ID)
		}
	}
	if handle.ID == "" {
		return nil, &ServiceError{Code: ErrorCodeInvalidReply, Message: "sandbox create response has no id"}
	}
	if raw, ok := fields["ws_url"]; ok {
		_ = json.Unmarshal(raw, &handle.wsURL)
	}
	if handle.wsURL == "" {
		handle.wsURL = deriveWSURL(c.cfg.BaseURL, handle.ID)
	}
	return handle, nil
}

func (c *Client) WriteFile(ctx context.Context, h *Handle, path string, data []byte) (string, error) {
	if h == nil {
		return "", &ServiceError{Code: ErrorCodeRequestFailed, Message: "sandbox handle is nil"}
	}
	respBody, err := c.do(ctx, http.MethodPost, "/sandboxes/"+h.ID+"/files", map[string]string{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.Path == "" {
		// older API revisions echo nothing back
		return path, nil
	}
	return parsed.Path, nil
}

func (c *Client) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	_, err := c.do(ctx, http.MethodDelete, "/sandboxes/"+h.ID, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &ServiceError{Code: ErrorCodeRequestFailed, Message: "failed to encode sandbox request", Err: err}
		}
		body = bytes.NewReader(encoded)
	}

	requestCtx := ctx
	cancel := context.CancelFunc(func() {})
	if c.cfg.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
	}
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, &ServiceError{Code: ErrorCodeRequestFailed, Message: "failed to create sandbox request", Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ServiceError{Code: ErrorCodeRequestFailed, Message: "sandbox request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, &ServiceError{Code: ErrorCodeRequestFailed, Message: "failed to read sandbox response", Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &ServiceError{
			Code:    ErrorCodeRequestFailed,
			Message: fmt.Sprintf("sandbox service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}
	return respBody, nil
}

func deriveWSURL(baseURL, id string) string {
	ws := baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/sandboxes/" + id + "/run"
}
