package app

import (
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"scout/backend/internal/domain"
	"scout/backend/internal/sandbox"
)

// handleResearch runs one search-backed query outside the chat flow. The
// dedicated default session keeps ad-hoc research from spinning up sandboxes
// inside data-analysis sessions.
func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req domain.ResearchRequest
	if !readJSON(w, r, &req) {
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeErr(w, http.StatusBadRequest, "empty_query", "No query provided", nil)
		return
	}
	session := sessionOrDefault(req.SessionID, researchSession)
	s.sessions.Touch(session)

	answer, err := s.research.Research(r.Context(), session, query)
	if err != nil {
		status, code, message := mapServiceError(err)
		writeErr(w, status, code, message, nil)
		return
	}
	writeJSON(w, http.StatusOK, domain.ResearchResponse{Response: answer, SessionID: session})
}

// handleResearchClose releases only the research-flavor sandbox; datasets,
// documents and the exec sandbox survive.
func (s *Server) handleResearchClose(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionCloseRequest
	if !readJSON(w, r, &req) {
		return
	}
	session := sessionOrDefault(req.SessionID, researchSession)
	s.sessions.CloseFlavor(session, sandbox.FlavorResearch)
	log.Printf("event=research_closed session=%s", session)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !safeChartName(name) {
		writeErr(w, http.StatusBadRequest, "invalid_chart_name", "chart name is not valid", nil)
		return
	}
	path := filepath.Join(s.chartsDir, name)
	if _, err := os.Stat(path); err != nil {
		writeErr(w, http.StatusNotFound, "chart_not_found", "Chart not found", nil)
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionCloseRequest
	if !readJSON(w, r, &req) {
		return
	}
	session := sessionOrDefault(req.SessionID, defaultSession)
	s.sessions.Close(session)
	log.Printf("event=session_closed session=%s", session)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleCleanupAll(w http.ResponseWriter, _ *http.Request) {
	s.sessions.CloseAll()
	log.Printf("event=cleanup_all")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "All sandboxes closed"})
}

// safeChartName admits only the names the interpreter generates; anything
// with a path flavor is rejected before it reaches the filesystem.
func safeChartName(name string) bool {
	if name == "" || strings.Contains(name, "..") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}
