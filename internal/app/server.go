// Package app wires the HTTP surface: uploads, chat routing, research,
// chart serving and session lifecycle. Handlers stay thin; the work lives
// in the capability packages and the session registry.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"scout/backend/internal/analysis"
	"scout/backend/internal/config"
	"scout/backend/internal/docstore"
	"scout/backend/internal/domain"
	"scout/backend/internal/intent"
	"scout/backend/internal/llm"
	"scout/backend/internal/observability"
	"scout/backend/internal/research"
	"scout/backend/internal/sandbox"
	"scout/backend/internal/session"
)

const (
	defaultSession  = "default"
	researchSession = "default_research"

	maxBodyBytes   = 1 << 20
	maxUploadBytes = 32 << 20
)

// Classifier routes one chat message to a capability.
type Classifier interface {
	Classify(ctx context.Context, message string, res intent.Resources) intent.Intent
}

// Analyzer runs the generate-execute-repair loop against the session's
// exec sandbox. *analysis.Engine satisfies it.
type Analyzer interface {
	GenerateAndRun(ctx context.Context, session, message string, datasets []domain.DatasetInfo, researchContext string, onEvent func(analysis.Event)) (*analysis.ExecutionResult, *analysis.CodeArtifact, int, error)
}

// Explainer folds a finished execution into charts and prose.
// *analysis.Interpreter satisfies it.
type Explainer interface {
	Interpret(ctx context.Context, session string, result *analysis.ExecutionResult, code, userMessage string) (string, []domain.ChartRef)
}

// Researcher answers live-web questions. *research.Orchestrator satisfies it.
type Researcher interface {
	Research(ctx context.Context, sessionKey, query string) (string, error)
}

// CompetitorGate intercepts competitor sub-intents before classification.
// *competitor.Workflow satisfies it.
type CompetitorGate interface {
	Handle(ctx context.Context, sessionKey, message string) (reply string, handled bool)
}

// DocumentIndex is the docstore slice the handlers use.
type DocumentIndex interface {
	Attach(ctx context.Context, session, name, text, sourceURL string) (int, error)
	Search(ctx context.Context, session, query string, topK int) ([]docstore.Chunk, error)
}

// SandboxFiles writes uploads into a sandbox and runs the dataset summary
// program. *sandbox.Client satisfies it.
type SandboxFiles interface {
	WriteFile(ctx context.Context, h *sandbox.Handle, path string, data []byte) (string, error)
	Run(ctx context.Context, h *sandbox.Handle, source string) (*sandbox.RunResult, error)
}

// Completer is the llm slice used for document-answer synthesis.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Deps collects the constructed capability services the server dispatches to.
type Deps struct {
	Sessions    *session.Registry
	Classifier  Classifier
	Engine      Analyzer
	Interpreter Explainer
	Research    Researcher
	Competitors CompetitorGate
	Documents   DocumentIndex
	Sandboxes   SandboxFiles
	LLM         Completer
}

type Server struct {
	cfg         config.Config
	sessions    *session.Registry
	classifier  Classifier
	engine      Analyzer
	interpreter Explainer
	research    Researcher
	competitors CompetitorGate
	documents   DocumentIndex
	sandboxes   SandboxFiles
	llm         Completer

	uploadsDir string
	chartsDir  string
}

func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	uploadsDir := filepath.Join(cfg.DataDir, "uploads")
	chartsDir := filepath.Join(cfg.DataDir, "charts")
	for _, dir := range []string{uploadsDir, chartsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir %s: %w", dir, err)
		}
	}
	return &Server{
		cfg:         cfg,
		sessions:    deps.Sessions,
		classifier:  deps.Classifier,
		engine:      deps.Engine,
		interpreter: deps.Interpreter,
		research:    deps.Research,
		competitors: deps.Competitors,
		documents:   deps.Documents,
		sandboxes:   deps.Sandboxes,
		llm:         deps.LLM,
		uploadsDir:  uploadsDir,
		chartsDir:   chartsDir,
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(observability.RequestID)
	r.Use(observability.Logging)
	r.Use(observability.Recover)
	r.Use(observability.APIKey(s.cfg.APIKey))
	r.Use(observability.CORS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/upload", s.handleUpload)
		r.Post("/document/upload", s.handleDocumentUpload)
		r.Post("/company/upload", s.handleCompanyUpload)

		r.Post("/chat", s.handleChat)
		r.Post("/research", s.handleResearch)
		r.Post("/research/close", s.handleResearchClose)

		r.Get("/chart/{name}", s.handleChart)

		r.Post("/session/close", s.handleSessionClose)
		r.Post("/cleanup/all", s.handleCleanupAll)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sessions, sandboxes := s.sessions.Stats()
	writeJSON(w, http.StatusOK, domain.HealthInfo{
		Status:    "healthy",
		Sessions:  sessions,
		Sandboxes: sandboxes,
	})
}

// mapServiceError converts coded subsystem errors into an HTTP status and
// error body. A missing credential is a deployment problem (503, the config
// name is in the message); upstream trouble is a bad gateway; anything
// uncoded stays an opaque 500.
func mapServiceError(err error) (status int, code string, message string) {
	var analysisErr *analysis.Error
	if errors.As(err, &analysisErr) {
		switch analysisErr.Code {
		case analysis.ErrorCodeNoData:
			return http.StatusBadRequest, analysisErr.Code, "Please upload a CSV file first, or ask a web search question."
		default:
			return http.StatusInternalServerError, analysisErr.Code, analysisErr.Message
		}
	}

	var providerErr *llm.ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Code == llm.ErrorCodeNotConfigured {
			return http.StatusServiceUnavailable, providerErr.Code, providerErr.Message
		}
		return http.StatusBadGateway, providerErr.Code, providerErr.Message
	}

	var sandboxErr *sandbox.ServiceError
	if errors.As(err, &sandboxErr) {
		if sandboxErr.Code == sandbox.ErrorCodeNotConfigured {
			return http.StatusServiceUnavailable, sandboxErr.Code, sandboxErr.Message
		}
		return http.StatusBadGateway, sandboxErr.Code, sandboxErr.Message
	}

	var researchErr *research.Error
	if errors.As(err, &researchErr) {
		if researchErr.Code == research.ErrorCodeNotConfigured {
			return http.StatusServiceUnavailable, researchErr.Code, researchErr.Message
		}
		return http.StatusBadGateway, researchErr.Code, researchErr.Message
	}

	if errors.Is(err, session.ErrClosed) {
		return http.StatusConflict, "session_closed", "the session was closed while the request was running"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout, "request_timeout", "the request did not finish in time"
	}
	return http.StatusInternalServerError, "internal_error", "internal server error"
}

func readJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", nil)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, code int, errCode, message string, details interface{}) {
	writeJSON(w, code, domain.APIErrorBody{Error: domain.APIError{Code: errCode, Message: message, Details: details}})
}

func sessionOrDefault(id, fallback string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return fallback
	}
	return id
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
