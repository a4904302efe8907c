// Package research answers open-ended questions by giving the model
// tool-use access to a session-scoped search gateway. The heavy lifting
// (the actual web searches) happens provider-side; this package wires the
// sandbox gateway into the completion request and maps each setup step to
// its own coded failure.
package research

import (
	"context"
	"strings"

	"scout/backend/internal/llm"
	"scout/backend/internal/sandbox"
)

const (
	ErrorCodeNotConfigured = "research_not_configured"
	ErrorCodeSandboxFailed = "research_sandbox_failed"
	ErrorCodeGatewayConfig = "research_gateway_config"
	ErrorCodeEmptyAnswer   = "research_empty_answer"

	researchTemperature = 0.7
	researchMaxTokens   = 2048

	gatewayLabel = "search-gateway"

	researchSystemPrompt = "You are a research assistant. Use the available tools to search the web and provide comprehensive, well-sourced answers."
)

type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Sandboxes resolves the session's sandbox for a given flavor.
// *session.Registry satisfies it.
type Sandboxes interface {
	Sandbox(ctx context.Context, key, flavor string) (*sandbox.Handle, error)
}

type Orchestrator struct {
	llm          Completer
	sandboxes    Sandboxes
	searchAPIKey string
}

func NewOrchestrator(completer Completer, sandboxes Sandboxes, searchAPIKey string) *Orchestrator {
	return &Orchestrator{llm: completer, sandboxes: sandboxes, searchAPIKey: searchAPIKey}
}

// ToolRequest describes one tool-augmented completion: which sandbox flavor
// supplies the gateway, and the completion parameters.
type ToolRequest struct {
	Flavor      string // sandbox flavor; defaults to sandbox.FlavorResearch
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// ToolQuery provisions (or reuses) the session's sandbox for req.Flavor,
// attaches its gateway to the completion as a tool endpoint, and returns the
// model's answer. Each setup step fails with its own code so the caller can
// tell a missing credential from a sandbox or gateway problem; provider
// errors from the completion itself pass through unchanged.
func (o *Orchestrator) ToolQuery(ctx context.Context, sessionKey string, req ToolRequest) (string, error) {
	flavor := req.Flavor
	if flavor == "" {
		flavor = sandbox.FlavorResearch
	}
	if flavor == sandbox.FlavorResearch && strings.TrimSpace(o.searchAPIKey) == "" {
		return "", &Error{Code: ErrorCodeNotConfigured, Message: "SEARCH_API_KEY is required for web research"}
	}

	handle, err := o.sandboxes.Sandbox(ctx, sessionKey, flavor)
	if err != nil {
		return "", &Error{Code: ErrorCodeSandboxFailed, Message: "failed to create " + flavor + " sandbox", Err: err}
	}

	gateway, err := handle.GatewayConfig()
	if err != nil {
		return "", &Error{Code: ErrorCodeGatewayConfig, Message: "could not retrieve the sandbox gateway configuration", Err: err}
	}

	answer, err := o.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: req.System},
			{Role: llm.RoleUser, Content: req.Prompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Gateway:     &llm.GatewayTool{Label: gatewayLabel, URL: gateway.URL, Token: gateway.Token},
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(answer) == "" {
		return "", &Error{Code: ErrorCodeEmptyAnswer, Message: "the tool-assisted completion returned an empty result"}
	}
	return answer, nil
}

// Research runs one search-backed completion for the query.
func (o *Orchestrator) Research(ctx context.Context, sessionKey, query string) (string, error) {
	return o.ToolQuery(ctx, sessionKey, ToolRequest{
		Flavor:      sandbox.FlavorResearch,
		System:      researchSystemPrompt,
		Prompt:      researchPrompt(query),
		Temperature: researchTemperature,
		MaxTokens:   researchMaxTokens,
	})
}

func researchPrompt(query string) string {
	return query + "\n\nUse the search tools to find recent and relevant information to answer this question comprehensively.\nProvide a detailed summary with sources and key findings."
}
