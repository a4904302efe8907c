package analysis

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scout/backend/internal/domain"
	"scout/backend/internal/intent"
	"scout/backend/internal/llm"
)

const (
	explainTemperature = 0.3
	explainMaxTokens   = 512

	explainSystemPrompt = "You are a data analysis expert. Explain results clearly and concisely."

	chartURLPrefix = "/api/chart/"
)

// Interpreter converts a finished execution into user-facing material:
// charts persisted to disk and a natural-language explanation. The
// explanation ladder always produces non-empty text, so callers never
// have to handle a missing explanation.
type Interpreter struct {
	llm       Completer
	chartsDir string
	policy    *intent.Policy
}

func NewInterpreter(completer Completer, chartsDir string, policy *intent.Policy) *Interpreter {
	if policy == nil {
		p := intent.DefaultPolicy()
		policy = &p
	}
	return &Interpreter{llm: completer, chartsDir: chartsDir, policy: policy}
}

// Interpret persists any chart artifacts and derives the explanation.
// A failed chart write is logged and the chart skipped; a failed
// explanation call falls back to templated text built from the output.
func (i *Interpreter) Interpret(ctx context.Context, session string, result *ExecutionResult, code, userMessage string) (string, []domain.ChartRef) {
	charts := i.saveCharts(session, result)
	summary := ""
	if result != nil {
		summary = result.CombinedOutput()
	}

	if summary != "" {
		explanation, err := i.explain(ctx, code, summary, userMessage)
		if err == nil {
			return explanation, charts
		}
		log.Printf("event=analysis_explain_failed session=%s err=%v", session, err)
		return "Analysis completed. Results:\n" + truncateRunes(summary, 500), charts
	}
	if len(charts) > 0 {
		return fmt.Sprintf("%d chart(s) generated.", len(charts)), charts
	}
	return "Code executed successfully with no output.", charts
}

func (i *Interpreter) explain(ctx context.Context, code, summary, userMessage string) (string, error) {
	var b strings.Builder
	b.WriteString("Based on this data analysis code and results, provide a brief, clear explanation:\n\n")
	if userMessage != "" {
		fmt.Fprintf(&b, "The user asked: %s\n\n", userMessage)
	}
	fmt.Fprintf(&b, "Code executed:\n%s\n\n", code)
	fmt.Fprintf(&b, "Results:\n%s\n\n", truncateRunes(summary, i.policy.ExplainBudget))
	b.WriteString("Provide a concise 2-3 sentence explanation of the analysis and findings.")

	return i.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: explainSystemPrompt},
			{Role: llm.RoleUser, Content: b.String()},
		},
		Temperature: explainTemperature,
		MaxTokens:   explainMaxTokens,
	})
}

func (i *Interpreter) saveCharts(session string, result *ExecutionResult) []domain.ChartRef {
	if result == nil || len(result.Artifacts) == 0 {
		return nil
	}
	if err := os.MkdirAll(i.chartsDir, 0o755); err != nil {
		log.Printf("event=chart_dir_failed dir=%s err=%v", i.chartsDir, err)
		return nil
	}

	safe := sanitizeSessionName(session)
	var charts []domain.ChartRef
	for _, artifact := range result.Artifacts {
		if len(artifact.Data) == 0 {
			continue
		}
		name, err := i.writeChart(safe, extensionFor(artifact.MIME), artifact.Data)
		if err != nil {
			log.Printf("event=chart_write_failed session=%s err=%v", session, err)
			continue
		}
		charts = append(charts, domain.ChartRef{Filename: name, URL: chartURLPrefix + name})
	}
	return charts
}

// writeChart creates the file with O_EXCL and bumps a numeric suffix on
// collision, so two interleaved runs can never overwrite each other's charts.
func (i *Interpreter) writeChart(safeSession, ext string, data []byte) (string, error) {
	stamp := time.Now().UnixNano()
	name := fmt.Sprintf("chart_%s_%d%s", safeSession, stamp, ext)
	for bump := 2; ; bump++ {
		f, err := os.OpenFile(filepath.Join(i.chartsDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, writeErr := f.Write(data)
			closeErr := f.Close()
			if writeErr != nil {
				return "", writeErr
			}
			if closeErr != nil {
				return "", closeErr
			}
			return name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", err
		}
		if bump > 10 {
			return "", fmt.Errorf("could not find a free chart name for %s", name)
		}
		name = fmt.Sprintf("chart_%s_%d_%d%s", safeSession, stamp, bump, ext)
	}
}

func extensionFor(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg":
		return ".jpg"
	case "image/svg+xml":
		return ".svg"
	default:
		return ".png"
	}
}

func sanitizeSessionName(session string) string {
	var b strings.Builder
	for _, r := range session {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}
