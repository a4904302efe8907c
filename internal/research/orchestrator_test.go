package research

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"scout/backend/internal/llm"
	"scout/backend/internal/sandbox"
)

type stubCompleter struct {
	mu   sync.Mutex
	reqs []llm.Request
	fn   func(req llm.Request) (string, error)
}

func (s *stubCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	return s.fn(req)
}

func (s *stubCompleter) request(i int) llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[i]
}

type stubSandboxes struct {
	mu      sync.Mutex
	keys    []string
	flavors []string
	handle  *sandbox.Handle
	err     error
}

func (s *stubSandboxes) Sandbox(_ context.Context, key, flavor string) (*sandbox.Handle, error) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.flavors = append(s.flavors, flavor)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.handle, nil
}

func (s *stubSandboxes) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// vendorHandle builds a Handle through the real create path so the gateway
// fields are populated the way the vendor reports them.
func vendorHandle(t *testing.T, body string) *sandbox.Handle {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	client := sandbox.New(sandbox.Config{APIKey: "sb-secret", BaseURL: server.URL, Timeout: 5 * time.Second})
	handle, err := client.CreateSession(context.Background(), sandbox.SessionOpts{Flavor: sandbox.FlavorResearch})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return handle
}

func TestResearchRequiresSearchCredential(t *testing.T) {
	t.Parallel()

	sandboxes := &stubSandboxes{}
	orch := NewOrchestrator(&stubCompleter{}, sandboxes, "  ")
	_, err := orch.Research(context.Background(), "sess-1", "latest funding rounds")

	var codedErr *Error
	if !errors.As(err, &codedErr) || codedErr.Code != ErrorCodeNotConfigured {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(codedErr.Message, "SEARCH_API_KEY") {
		t.Fatalf("error should name the missing variable, got %q", codedErr.Message)
	}
	if sandboxes.calls() != 0 {
		t.Fatal("no sandbox should be created without a credential")
	}
}

func TestResearchWiresGatewayIntoCompletion(t *testing.T) {
	t.Parallel()

	handle := vendorHandle(t, `{"id":"sb-r1","mcp_url":"https://gw.example/mcp","mcp_token":"gw-tok"}`)
	sandboxes := &stubSandboxes{handle: handle}
	completer := &stubCompleter{fn: func(llm.Request) (string, error) {
		return "Summary with sources.", nil
	}}

	orch := NewOrchestrator(completer, sandboxes, "tvly-key")
	answer, err := orch.Research(context.Background(), "sess-1", "latest funding rounds in fintech")
	if err != nil {
		t.Fatalf("Research: %v", err)
	}
	if answer != "Summary with sources." {
		t.Fatalf("unexpected answer: %q", answer)
	}

	sandboxes.mu.Lock()
	key, flavor := sandboxes.keys[0], sandboxes.flavors[0]
	sandboxes.mu.Unlock()
	if key != "sess-1" || flavor != sandbox.FlavorResearch {
		t.Fatalf("unexpected sandbox request: key=%q flavor=%q", key, flavor)
	}

	req := completer.request(0)
	if req.Temperature != 0.7 || req.MaxTokens != 2048 {
		t.Fatalf("unexpected sampling settings: temp=%v tokens=%d", req.Temperature, req.MaxTokens)
	}
	if req.Gateway == nil || req.Gateway.URL != "https://gw.example/mcp" || req.Gateway.Token != "gw-tok" {
		t.Fatalf("gateway not wired: %+v", req.Gateway)
	}
	if req.Messages[0].Role != llm.RoleSystem || !strings.Contains(req.Messages[0].Content, "research assistant") {
		t.Fatalf("unexpected system prompt: %+v", req.Messages[0])
	}
	user := req.Messages[1].Content
	if !strings.HasPrefix(user, "latest funding rounds in fintech") {
		t.Fatalf("query missing from the prompt: %q", user)
	}
	if !strings.Contains(user, "sources and key findings") {
		t.Fatalf("research framing missing from the prompt: %q", user)
	}
}

func TestResearchReportsSandboxFailure(t *testing.T) {
	t.Parallel()

	cause := &sandbox.ServiceError{Code: sandbox.ErrorCodeRequestFailed, Message: "sandbox service returned status 503"}
	orch := NewOrchestrator(&stubCompleter{}, &stubSandboxes{err: cause}, "tvly-key")
	_, err := orch.Research(context.Background(), "sess-1", "anything")

	var codedErr *Error
	if !errors.As(err, &codedErr) || codedErr.Code != ErrorCodeSandboxFailed {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatal("the vendor failure should stay reachable via errors.Is")
	}
}

func TestResearchReportsMissingGatewayConfig(t *testing.T) {
	t.Parallel()

	handle := vendorHandle(t, `{"id":"sb-nogw"}`)
	orch := NewOrchestrator(&stubCompleter{}, &stubSandboxes{handle: handle}, "tvly-key")
	_, err := orch.Research(context.Background(), "sess-1", "anything")

	var codedErr *Error
	if !errors.As(err, &codedErr) || codedErr.Code != ErrorCodeGatewayConfig {
		t.Fatalf("unexpected error: %v", err)
	}
	var svcErr *sandbox.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatal("the underlying sandbox error should stay reachable")
	}
}

func TestResearchPassesProviderErrorThrough(t *testing.T) {
	t.Parallel()

	handle := vendorHandle(t, `{"id":"sb-r1","mcp_url":"https://gw.example/mcp","mcp_token":"gw-tok"}`)
	providerErr := &llm.ProviderError{Code: llm.ErrorCodeRequestFailed, Message: "provider returned status 429"}
	completer := &stubCompleter{fn: func(llm.Request) (string, error) {
		return "", providerErr
	}}

	orch := NewOrchestrator(completer, &stubSandboxes{handle: handle}, "tvly-key")
	_, err := orch.Research(context.Background(), "sess-1", "anything")

	var gotErr *llm.ProviderError
	if !errors.As(err, &gotErr) || gotErr.Code != llm.ErrorCodeRequestFailed {
		t.Fatalf("expected the provider error unchanged, got %v", err)
	}
}

func TestResearchRejectsEmptyAnswer(t *testing.T) {
	t.Parallel()

	handle := vendorHandle(t, `{"id":"sb-r1","mcp_url":"https://gw.example/mcp","mcp_token":"gw-tok"}`)
	completer := &stubCompleter{fn: func(llm.Request) (string, error) {
		return "   ", nil
	}}

	orch := NewOrchestrator(completer, &stubSandboxes{handle: handle}, "tvly-key")
	_, err := orch.Research(context.Background(), "sess-1", "anything")

	var codedErr *Error
	if !errors.As(err, &codedErr) || codedErr.Code != ErrorCodeEmptyAnswer {
		t.Fatalf("unexpected error: %v", err)
	}
}
