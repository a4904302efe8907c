package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"scout/backend/internal/analysis"
	"scout/backend/internal/docstore"
	"scout/backend/internal/domain"
	"scout/backend/internal/intent"
	"scout/backend/internal/llm"
	"scout/backend/internal/research"
)

const (
	stageClassifying = "classifying"
	stageResearch    = "research"
	stageAnalysis    = "analysis"
	stageDocuments   = "documents"

	queryTypeCompetitor = "competitor"

	documentTopK        = 5
	documentTemperature = 0.3
	documentMaxTokens   = 1024

	documentSystemPrompt = "You answer questions using only the provided document excerpts. If the excerpts do not contain the answer, say so."
)

// chatError carries a mapped HTTP failure out of the dispatch paths so the
// sync and streaming variants can render it their own way.
type chatError struct {
	status  int
	code    string
	message string
}

// chatProgress is one SSE progress frame. Engine events arrive with Kind and
// Attempt set; stage transitions carry only Stage.
type chatProgress struct {
	Type    string `json:"type"`
	Stage   string `json:"stage,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// chatResult is the terminal SSE frame; the response fields are inlined.
type chatResult struct {
	Type string `json:"type"`
	domain.ChatResponse
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req domain.ChatRequest
	if !readJSON(w, r, &req) {
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeErr(w, http.StatusBadRequest, "empty_message", "message is required", nil)
		return
	}
	session := sessionOrDefault(req.SessionID, defaultSession)
	s.sessions.Touch(session)

	if r.URL.Query().Get("stream") == "1" {
		s.streamChat(w, r, session, message)
		return
	}

	resp, cerr := s.runChat(r.Context(), session, message, nil)
	if cerr != nil {
		writeErr(w, cerr.status, cerr.code, cerr.message, nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamChat serves the same dispatch as the JSON path over SSE: progress
// frames while the work runs, one result or error frame, then the
// terminator.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, session, message string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "stream_not_supported", "streaming not supported", nil)
		return
	}

	emit := func(frame interface{}) {
		payload, err := json.Marshal(frame)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	resp, cerr := s.runChat(r.Context(), session, message, func(p chatProgress) { emit(p) })
	if cerr != nil {
		emit(map[string]interface{}{"type": "error", "code": cerr.code, "message": cerr.message})
	} else {
		emit(chatResult{Type: "result", ChatResponse: resp})
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// runChat is the chat dispatcher: competitor gate first, then classify and
// route. progress may be nil for the plain JSON path.
func (s *Server) runChat(ctx context.Context, session, message string, progress func(chatProgress)) (domain.ChatResponse, *chatError) {
	// competitor sub-intents score on their own keyword ladder; left to the
	// classifier they would be misrouted as generic research
	if reply, handled := s.competitors.Handle(ctx, session, message); handled {
		return domain.ChatResponse{Response: reply, QueryType: queryTypeCompetitor}, nil
	}

	datasets := s.sessions.Datasets(session)
	res := intent.Resources{
		HasTabular:   len(datasets) > 0,
		HasDocuments: len(s.sessions.Documents(session)) > 0,
	}
	if len(datasets) > 0 {
		res.TabularColumns = datasets[len(datasets)-1].Summary.Columns
	}

	emitProgress(progress, chatProgress{Type: "progress", Stage: stageClassifying})
	decided := s.classifier.Classify(ctx, message, res)
	log.Printf("event=chat_routed session=%s intent=%s", session, decided)

	switch decided {
	case intent.ResearchOnly:
		return s.chatResearch(ctx, session, message, progress)
	case intent.DocumentSearch:
		return s.chatDocuments(ctx, session, message, progress)
	case intent.Both:
		return s.chatCombined(ctx, session, message, datasets, progress)
	default:
		return s.chatTabular(ctx, session, message, datasets, progress)
	}
}

func (s *Server) chatResearch(ctx context.Context, session, message string, progress func(chatProgress)) (domain.ChatResponse, *chatError) {
	emitProgress(progress, chatProgress{Type: "progress", Stage: stageResearch})
	answer, err := s.research.Research(ctx, session, message)
	if err != nil {
		if isResearchEmpty(err) {
			return domain.ChatResponse{
				Response:    "Web search completed but no results returned.",
				QueryType:   string(intent.ResearchOnly),
				HasResearch: true,
			}, nil
		}
		status, code, msg := mapServiceError(err)
		return domain.ChatResponse{}, &chatError{status: status, code: code, message: msg}
	}
	return domain.ChatResponse{
		Response:    answer,
		QueryType:   string(intent.ResearchOnly),
		HasResearch: true,
	}, nil
}

func (s *Server) chatTabular(ctx context.Context, session, message string, datasets []domain.DatasetInfo, progress func(chatProgress)) (domain.ChatResponse, *chatError) {
	if len(datasets) == 0 {
		return domain.ChatResponse{}, noDatasetError()
	}

	emitProgress(progress, chatProgress{Type: "progress", Stage: stageAnalysis})
	result, artifact, attempts, err := s.engine.GenerateAndRun(ctx, session, message, datasets, "", engineEvents(progress))
	if err != nil {
		if resp, ok := exhaustedResponse(err, result, artifact, attempts, string(intent.TabularOnly)); ok {
			return resp, nil
		}
		status, code, msg := mapServiceError(err)
		return domain.ChatResponse{}, &chatError{status: status, code: code, message: msg}
	}

	explanation, charts := s.interpreter.Interpret(ctx, session, result, artifact.Source, message)
	return domain.ChatResponse{
		Response:        explanation,
		QueryType:       string(intent.TabularOnly),
		Code:            artifact.Source,
		ExecutionOutput: result.OutputLines(),
		Charts:          charts,
		HasCode:         true,
		Attempts:        attempts,
	}, nil
}

// chatCombined runs research first so its findings reach the code generator
// as context, then assembles both results into one sectioned reply. Either
// half may fail without sinking the other.
func (s *Server) chatCombined(ctx context.Context, session, message string, datasets []domain.DatasetInfo, progress func(chatProgress)) (domain.ChatResponse, *chatError) {
	if len(datasets) == 0 {
		return domain.ChatResponse{}, noDatasetError()
	}

	emitProgress(progress, chatProgress{Type: "progress", Stage: stageResearch})
	researchText, researchErr := s.research.Research(ctx, session, message)
	if researchErr != nil {
		log.Printf("event=chat_research_failed session=%s err=%v", session, researchErr)
	}
	researchEmpty := isResearchEmpty(researchErr)

	emitProgress(progress, chatProgress{Type: "progress", Stage: stageAnalysis})
	resp := domain.ChatResponse{QueryType: string(intent.Both)}
	result, artifact, attempts, runErr := s.engine.GenerateAndRun(ctx, session, message, datasets, researchText, engineEvents(progress))
	resp.Attempts = attempts

	var analysisText string
	if runErr == nil {
		var charts []domain.ChartRef
		analysisText, charts = s.interpreter.Interpret(ctx, session, result, artifact.Source, message)
		resp.Code = artifact.Source
		resp.ExecutionOutput = result.OutputLines()
		resp.Charts = charts
		resp.HasCode = true
	} else {
		log.Printf("event=chat_analysis_failed session=%s err=%v", session, runErr)
		if failed, ok := exhaustedResponse(runErr, result, artifact, attempts, string(intent.Both)); ok {
			resp.Code = failed.Code
			resp.ExecutionOutput = failed.ExecutionOutput
			resp.HasCode = failed.HasCode
		}
	}

	var parts []string
	switch {
	case researchErr == nil && strings.TrimSpace(researchText) != "":
		resp.HasResearch = true
		parts = append(parts, "## Web Research Results:\n\n"+researchText)
	case researchErr != nil && !researchEmpty:
		parts = append(parts, fmt.Sprintf("Web research failed: %v", researchErr))
	}
	if runErr == nil {
		parts = append(parts, "## Data Analysis\n\n"+analysisText)
	} else {
		parts = append(parts, fmt.Sprintf("Data analysis failed: %v", runErr))
	}

	switch {
	case len(parts) == 0:
		resp.Response = "Both web research and data analysis were attempted, but no results were returned. Please check the logs for details."
	case researchErr != nil && !researchEmpty && runErr != nil:
		resp.Response = "## Error Summary\n\n" + strings.Join(parts, "\n\n")
	default:
		resp.Response = strings.Join(parts, "\n\n")
	}
	return resp, nil
}

func (s *Server) chatDocuments(ctx context.Context, session, message string, progress func(chatProgress)) (domain.ChatResponse, *chatError) {
	emitProgress(progress, chatProgress{Type: "progress", Stage: stageDocuments})
	chunks, err := s.documents.Search(ctx, session, message, documentTopK)
	if err != nil {
		status, code, msg := mapServiceError(err)
		return domain.ChatResponse{}, &chatError{status: status, code: code, message: msg}
	}
	if len(chunks) == 0 {
		return domain.ChatResponse{
			Response:  "No relevant passages were found in the uploaded documents.",
			QueryType: string(intent.DocumentSearch),
		}, nil
	}

	answer, err := s.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: documentSystemPrompt},
			{Role: llm.RoleUser, Content: documentPrompt(message, chunks)},
		},
		Temperature: documentTemperature,
		MaxTokens:   documentMaxTokens,
	})
	if err != nil || strings.TrimSpace(answer) == "" {
		if err != nil {
			log.Printf("event=document_answer_failed session=%s err=%v", session, err)
		}
		answer = quotedPassages(chunks)
	}
	return domain.ChatResponse{Response: answer, QueryType: string(intent.DocumentSearch)}, nil
}

func documentPrompt(message string, chunks []docstore.Chunk) string {
	var b strings.Builder
	b.WriteString("Document excerpts:\n\n")
	for i, chunk := range chunks {
		fmt.Fprintf(&b, "[%d] %s:\n%s\n\n", i+1, chunk.Source, chunk.Text)
	}
	fmt.Fprintf(&b, "Question: %s", message)
	return b.String()
}

// quotedPassages is the fallback when synthesis is unavailable: quote the
// best passages directly.
func quotedPassages(chunks []docstore.Chunk) string {
	var b strings.Builder
	b.WriteString("The most relevant passages from your documents:\n")
	for i, chunk := range chunks {
		if i == 3 {
			break
		}
		fmt.Fprintf(&b, "\n**%s**\n%s\n", chunk.Source, truncateRunes(strings.TrimSpace(chunk.Text), 500))
	}
	return b.String()
}

// exhaustedResponse renders a spent repair loop as a normal reply: the last
// failure text plus whatever code and output the loop produced.
func exhaustedResponse(err error, result *analysis.ExecutionResult, artifact *analysis.CodeArtifact, attempts int, queryType string) (domain.ChatResponse, bool) {
	var aerr *analysis.Error
	if !errors.As(err, &aerr) || aerr.Code != analysis.ErrorCodeExhausted {
		return domain.ChatResponse{}, false
	}
	resp := domain.ChatResponse{
		Response:  aerr.Message,
		QueryType: queryType,
		Attempts:  attempts,
	}
	if artifact != nil {
		resp.Code = artifact.Source
		resp.HasCode = true
	}
	if result != nil {
		resp.ExecutionOutput = result.OutputLines()
	}
	return resp, true
}

func noDatasetError() *chatError {
	return &chatError{
		status:  http.StatusBadRequest,
		code:    analysis.ErrorCodeNoData,
		message: "Please upload a CSV file first, or ask a web search question.",
	}
}

func isResearchEmpty(err error) bool {
	var rerr *research.Error
	return errors.As(err, &rerr) && rerr.Code == research.ErrorCodeEmptyAnswer
}

func emitProgress(progress func(chatProgress), p chatProgress) {
	if progress != nil {
		progress(p)
	}
}

// engineEvents adapts repair-loop events into progress frames.
func engineEvents(progress func(chatProgress)) func(analysis.Event) {
	if progress == nil {
		return nil
	}
	return func(ev analysis.Event) {
		progress(chatProgress{Type: "progress", Stage: stageAnalysis, Kind: ev.Kind, Attempt: ev.Attempt, Detail: ev.Detail})
	}
}
