package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scout/backend/internal/competitor"
	"scout/backend/internal/domain"
	"scout/backend/internal/llm"
	"scout/backend/internal/sandbox"
)

var documentExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
}

// handleUpload receives a CSV, persists it locally, mirrors it into the
// session's exec sandbox and probes its schema with the summary program.
// An unparseable summary still attaches the dataset; analysis then starts
// without schema hints.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "no_file", "No file provided", nil)
		return
	}
	defer file.Close()

	original := strings.TrimSpace(header.Filename)
	if original == "" {
		writeErr(w, http.StatusBadRequest, "no_file", "No file selected", nil)
		return
	}
	if !strings.EqualFold(filepath.Ext(original), ".csv") {
		writeErr(w, http.StatusBadRequest, "invalid_file_type", "Only CSV files are allowed", nil)
		return
	}
	session := sessionOrDefault(r.FormValue("session_id"), defaultSession)

	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "upload_read_failed", "could not read the uploaded file", nil)
		return
	}

	filename := time.Now().Format("20060102_150405") + "_" + sanitizeFilename(original)
	localPath := filepath.Join(s.uploadsDir, filename)
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		log.Printf("event=upload_save_failed session=%s file=%s err=%v", session, filename, err)
		writeErr(w, http.StatusInternalServerError, "upload_save_failed", "could not persist the uploaded file", nil)
		return
	}

	handle, err := s.sessions.Sandbox(r.Context(), session, sandbox.FlavorExec)
	if err != nil {
		status, code, message := mapServiceError(err)
		writeErr(w, status, code, message, nil)
		return
	}
	sandboxPath, err := s.sandboxes.WriteFile(r.Context(), handle, "/home/user/"+filename, data)
	if err != nil {
		status, code, message := mapServiceError(err)
		writeErr(w, status, code, message, nil)
		return
	}

	summary := s.datasetSummary(r.Context(), session, handle, sandboxPath)
	s.sessions.AttachDataset(session, domain.DatasetInfo{
		Filename:    filename,
		LocalPath:   localPath,
		SandboxPath: sandboxPath,
		Summary:     summary,
		UploadedAt:  nowISO(),
	})
	log.Printf("event=dataset_uploaded session=%s file=%s rows=%d", session, filename, summary.TotalRows)

	writeJSON(w, http.StatusOK, domain.UploadResponse{
		SessionID: session,
		Filename:  filename,
		Summary:   summary,
	})
}

// handleDocumentUpload indexes a text document into the session's document
// store and reports the chunk count. The index holds the full content, so a
// failed local copy is not fatal.
func (s *Server) handleDocumentUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "no_file", "No file provided", nil)
		return
	}
	defer file.Close()

	original := strings.TrimSpace(header.Filename)
	if original == "" {
		writeErr(w, http.StatusBadRequest, "no_file", "No file selected", nil)
		return
	}
	if !documentExtensions[strings.ToLower(filepath.Ext(original))] {
		writeErr(w, http.StatusBadRequest, "invalid_file_type", "Only plain-text documents (.txt, .md) are allowed", nil)
		return
	}
	session := sessionOrDefault(r.FormValue("session_id"), defaultSession)

	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "upload_read_failed", "could not read the uploaded file", nil)
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		writeErr(w, http.StatusBadRequest, "empty_document", "the document has no text content", nil)
		return
	}

	name := sanitizeFilename(original)
	localPath := filepath.Join(s.uploadsDir, time.Now().Format("20060102_150405")+"_"+name)
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		log.Printf("event=document_save_failed session=%s name=%s err=%v", session, name, err)
		localPath = ""
	}

	chunks, err := s.documents.Attach(r.Context(), session, name, text, "")
	if err != nil {
		status, code, message := mapServiceError(err)
		writeErr(w, status, code, message, nil)
		return
	}
	s.sessions.AttachDocument(session, domain.DocumentInfo{
		Name:      name,
		LocalPath: localPath,
		Chunks:    chunks,
	})
	log.Printf("event=document_uploaded session=%s name=%s chunks=%d", session, name, chunks)

	writeJSON(w, http.StatusOK, domain.DocumentUploadResponse{
		SessionID: session,
		Name:      name,
		Chunks:    chunks,
	})
}

// handleCompanyUpload validates and attaches the session's company profile,
// the anchor for all competitor operations.
func (s *Server) handleCompanyUpload(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", nil)
		return
	}

	var envelope struct {
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(raw, &envelope)
	session := sessionOrDefault(envelope.SessionID, defaultSession)

	profile, err := competitor.ParseProfile(raw)
	if err != nil {
		var verr *competitor.ValidationError
		if errors.As(err, &verr) {
			writeErr(w, http.StatusBadRequest, "invalid_profile", "company profile failed validation", verr.Problems)
			return
		}
		writeErr(w, http.StatusBadRequest, "invalid_json", "invalid request body", nil)
		return
	}
	s.sessions.SetProfile(session, profile)
	log.Printf("event=profile_attached session=%s company=%s", session, profile.Name)

	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": session, "name": profile.Name})
}

// datasetSummary runs the summary program in the sandbox and parses its JSON
// line. Failures degrade to a zero summary rather than failing the upload.
func (s *Server) datasetSummary(ctx context.Context, session string, handle *sandbox.Handle, path string) domain.DatasetSummary {
	run, err := s.sandboxes.Run(ctx, handle, summaryProgram(path))
	if err != nil {
		log.Printf("event=dataset_summary_failed session=%s err=%v", session, err)
		return domain.DatasetSummary{}
	}
	if run.Err != nil {
		log.Printf("event=dataset_summary_failed session=%s err=%s", session, run.Err.String())
		return domain.DatasetSummary{}
	}

	var summary domain.DatasetSummary
	stdout := strings.TrimSpace(strings.Join(run.Stdout, "\n"))
	if stdout == "" || !llm.DecodeLoose(stdout, &summary) {
		log.Printf("event=dataset_summary_unparseable session=%s", session)
		return domain.DatasetSummary{}
	}
	return summary
}

// summaryProgram reads the head of the CSV for schema and samples, and
// counts the real row total by line count so large files report their true
// size without a full parse.
func summaryProgram(path string) string {
	quoted := pythonQuote(path)
	var b strings.Builder
	b.WriteString("import json\n")
	b.WriteString("import pandas as pd\n\n")
	fmt.Fprintf(&b, "df = pd.read_csv(%s, nrows=100)\n", quoted)
	b.WriteString("try:\n")
	fmt.Fprintf(&b, "    with open(%s) as f:\n", quoted)
	b.WriteString("        total_rows = sum(1 for _ in f) - 1\n")
	b.WriteString("except Exception:\n")
	b.WriteString("    total_rows = len(df)\n")
	b.WriteString("info = {\n")
	b.WriteString("    \"columns\": list(df.columns),\n")
	b.WriteString("    \"shape\": [int(total_rows), int(df.shape[1])],\n")
	b.WriteString("    \"dtypes\": {c: str(t) for c, t in df.dtypes.items()},\n")
	b.WriteString("    \"sample\": df.head(3).to_dict(orient=\"records\"),\n")
	b.WriteString("    \"total_rows\": int(total_rows),\n")
	b.WriteString("}\n")
	b.WriteString("print(json.dumps(info, default=str))\n")
	return b.String()
}

func pythonQuote(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return "\"" + s + "\""
}

// sanitizeFilename strips any directory part and reduces the name to a safe
// character set, so uploaded names cannot escape the uploads dir or the
// sandbox home.
func sanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "upload"
	}
	return out
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
