package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testConfig(baseURL string) Config {
	return Config{
		APIKey:      "sb-secret",
		BaseURL:     baseURL,
		Timeout:     5 * time.Second,
		KeepaliveMS: 600000,
	}
}

func TestCreateSessionRequiresAPIKey(t *testing.T) {
	t.Parallel()

	client := New(Config{BaseURL: "http://127.0.0.1:0"})
	_, err := client.CreateSession(context.Background(), SessionOpts{Flavor: FlavorExec})
	if err == nil {
		t.Fatal("expected an error without an api key")
	}
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if svcErr.Code != ErrorCodeNotConfigured {
		t.Fatalf("unexpected code: %s", svcErr.Code)
	}
}

func TestCreateSessionSendsResearchFeatures(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sandboxes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sb-secret" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode create payload: %v", err)
		}
		if got, _ := payload["timeout_ms"].(float64); int(got) != 600000 {
			t.Errorf("unexpected timeout_ms: %v", payload["timeout_ms"])
		}
		features, _ := payload["features"].(map[string]interface{})
		search, _ := features["search"].(map[string]interface{})
		if got, _ := search["api_key"].(string); got != "tvly-key" {
			t.Errorf("unexpected search api key: %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sandbox_id":"sb-17","ws_url":"ws://vendor.example/run/sb-17"}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	handle, err := client.CreateSession(context.Background(), SessionOpts{
		Flavor:       FlavorResearch,
		SearchAPIKey: "tvly-key",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if handle.ID != "sb-17" {
		t.Fatalf("unexpected id: %q", handle.ID)
	}
	if handle.Flavor != FlavorResearch {
		t.Fatalf("unexpected flavor: %q", handle.Flavor)
	}
	if handle.wsURL != "ws://vendor.example/run/sb-17" {
		t.Fatalf("unexpected ws url: %q", handle.wsURL)
	}
}

func TestCreateSessionDerivesStreamURL(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sb-2"}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	handle, err := client.CreateSession(context.Background(), SessionOpts{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if handle.Flavor != FlavorExec {
		t.Fatalf("expected default flavor, got %q", handle.Flavor)
	}
	want := "ws" + strings.TrimPrefix(server.URL, "http") + "/sandboxes/sb-2/run"
	if handle.wsURL != want {
		t.Fatalf("derived ws url %q, want %q", handle.wsURL, want)
	}
}

func TestCreateSessionRejectsMissingID(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"created"}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	_, err := client.CreateSession(context.Background(), SessionOpts{})
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) || svcErr.Code != ErrorCodeInvalidReply {
		t.Fatalf("expected invalid reply error, got %v", err)
	}
}

func TestGatewayConfigProbesKeySpellings(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"snake", `{"sandbox_id":"sb-1","mcp_url":"https://gw.example/mcp","mcp_token":"tok-1"}`},
		{"camel", `{"sandbox_id":"sb-1","mcpUrl":"https://gw.example/mcp","mcpToken":"tok-1"}`},
		{"gateway", `{"sandbox_id":"sb-1","gateway_url":"https://gw.example/mcp","access_token":"tok-1"}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client := New(testConfig(server.URL))
			handle, err := client.CreateSession(context.Background(), SessionOpts{Flavor: FlavorBrowser})
			if err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			gateway, err := handle.GatewayConfig()
			if err != nil {
				t.Fatalf("GatewayConfig: %v", err)
			}
			if gateway.URL != "https://gw.example/mcp" || gateway.Token != "tok-1" {
				t.Fatalf("unexpected gateway config: %+v", gateway)
			}
		})
	}
}

func TestGatewayConfigReportsMissingEndpoint(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sandbox_id":"sb-3"}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	handle, err := client.CreateSession(context.Background(), SessionOpts{Flavor: FlavorBrowser})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_, err = handle.GatewayConfig()
	if err == nil {
		t.Fatal("expected an error when the gateway fields are absent")
	}
	if !strings.Contains(err.Error(), "gateway") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWriteFileEncodesContent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sandboxes/sb-5/files" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var payload map[string]string
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode write payload: %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(payload["content"])
		if err != nil {
			t.Errorf("content is not base64: %v", err)
		}
		if string(raw) != "a,b\n1,2\n" {
			t.Errorf("unexpected content: %q", raw)
		}
		if payload["path"] != "/home/user/sales.csv" {
			t.Errorf("unexpected path: %q", payload["path"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"/home/user/sales.csv"}`))
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	handle := &Handle{ID: "sb-5"}
	path, err := client.WriteFile(context.Background(), handle, "/home/user/sales.csv", []byte("a,b\n1,2\n"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if path != "/home/user/sales.csv" {
		t.Fatalf("unexpected path: %q", path)
	}
}

func TestReleaseDeletesSandbox(t *testing.T) {
	t.Parallel()

	var called bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Method != http.MethodDelete || r.URL.Path != "/sandboxes/sb-8" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	if err := client.Release(context.Background(), &Handle{ID: "sb-8"}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !called {
		t.Fatal("release endpoint was not called")
	}
}

func TestReleaseNilHandleIsNoop(t *testing.T) {
	t.Parallel()

	client := New(testConfig("http://127.0.0.1:0"))
	if err := client.Release(context.Background(), nil); err != nil {
		t.Fatalf("Release(nil): %v", err)
	}
}

func TestCreateSessionSurfacesVendorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	client := New(testConfig(server.URL))
	_, err := client.CreateSession(context.Background(), SessionOpts{})
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if svcErr.Code != ErrorCodeRequestFailed {
		t.Fatalf("unexpected code: %s", svcErr.Code)
	}
	if !strings.Contains(svcErr.Message, "502") {
		t.Fatalf("expected status in message, got %q", svcErr.Message)
	}
}
