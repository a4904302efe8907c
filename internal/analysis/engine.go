// Package analysis turns a natural-language question about uploaded tabular
// data into executed Python and an explanation of the results. The engine
// drives a bounded generate-check-execute-correct loop against the model,
// feeding sandbox errors back as conversation turns; the interpreter folds
// the raw sandbox output into charts and a caller-facing explanation.
package analysis

import (
	"context"
	"fmt"
	"log"
	"strings"

	"scout/backend/internal/domain"
	"scout/backend/internal/intent"
	"scout/backend/internal/llm"
	"scout/backend/internal/pycode"
	"scout/backend/internal/sandbox"
)

const (
	ErrorCodeNoData    = "analysis_no_data"
	ErrorCodeExhausted = "analysis_exhausted"

	codegenTemperature = 0.1
	codegenMaxTokens   = 2048
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

// Outcome classifies how far a generated program got.
type Outcome string

const (
	OutcomeSucceeded    Outcome = "succeeded"
	OutcomeNoCode       Outcome = "no_code"
	OutcomeSyntaxError  Outcome = "syntax_error"
	OutcomeRuntimeError Outcome = "runtime_error"
)

// CodeArtifact is one candidate program together with its provenance.
// Compiled reports whether it passed static validation, not whether it ran.
type CodeArtifact struct {
	Source   string
	Attempt  int
	Compiled bool
}

// ExecutionResult carries everything one execution produced. Failure holds
// the diagnostic text for any outcome other than OutcomeSucceeded.
type ExecutionResult struct {
	Stdout    []string
	Stderr    []string
	Artifacts []sandbox.Artifact
	Outcome   Outcome
	Failure   string
}

// OutputLines renders the captured streams the way callers report them:
// the stdout block first, then one STDERR-prefixed block if anything was
// written there.
func (r *ExecutionResult) OutputLines() []string {
	if r == nil {
		return nil
	}
	var lines []string
	if out := strings.TrimSpace(strings.Join(r.Stdout, "\n")); out != "" {
		lines = append(lines, out)
	}
	if errOut := strings.TrimSpace(strings.Join(r.Stderr, "\n")); errOut != "" {
		lines = append(lines, "STDERR: "+errOut)
	}
	return lines
}

func (r *ExecutionResult) CombinedOutput() string {
	return strings.Join(r.OutputLines(), "\n")
}

// Event reports loop progress for callers that stream status to clients.
type Event struct {
	Kind    string
	Attempt int
	Detail  string
}

const (
	EventAttempt         = "attempt"
	EventCodeExtracted   = "code_extracted"
	EventExecutionFailed = "execution_failed"
	EventSucceeded       = "succeeded"
)

type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Sandboxes resolves the session-scoped sandbox used for execution.
// *session.Registry satisfies it.
type Sandboxes interface {
	Sandbox(ctx context.Context, key, flavor string) (*sandbox.Handle, error)
}

// Runner executes Python source inside a sandbox. *sandbox.Client satisfies it.
type Runner interface {
	Run(ctx context.Context, h *sandbox.Handle, source string) (*sandbox.RunResult, error)
}

type Engine struct {
	llm       Completer
	sandboxes Sandboxes
	runner    Runner
	policy    *intent.Policy
}

func NewEngine(completer Completer, sandboxes Sandboxes, runner Runner, policy *intent.Policy) *Engine {
	if policy == nil {
		p := intent.DefaultPolicy()
		policy = &p
	}
	return &Engine{llm: completer, sandboxes: sandboxes, runner: runner, policy: policy}
}

// GenerateAndRun asks the model for an analysis program and executes it in
// the session's sandbox, feeding failures back into the conversation until
// the program runs cleanly or the attempt budget is spent. On exhaustion the
// last failing result and artifact are returned together with a terminal
// coded error so the caller can still show what was tried. onEvent may be
// nil; it is invoked inline, so callbacks must be quick.
func (e *Engine) GenerateAndRun(ctx context.Context, session, message string, datasets []domain.DatasetInfo, researchContext string, onEvent func(Event)) (*ExecutionResult, *CodeArtifact, int, error) {
	if len(datasets) == 0 {
		return nil, nil, 0, &Error{Code: ErrorCodeNoData, Message: "analysis requires an uploaded dataset"}
	}

	handle, err := e.sandboxes.Sandbox(ctx, session, sandbox.FlavorExec)
	if err != nil {
		return nil, nil, 0, err
	}

	preview := e.runPreview(ctx, session, handle, datasets)
	convo := []llm.Message{
		{Role: llm.RoleSystem, Content: buildSystemPrompt(datasets, preview, researchContext, e.policy.PreviewBudget)},
		{Role: llm.RoleUser, Content: message},
	}

	var (
		lastResult   *ExecutionResult
		lastArtifact *CodeArtifact
	)
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return lastResult, lastArtifact, attempt - 1, err
		}
		emit(onEvent, Event{Kind: EventAttempt, Attempt: attempt})

		reply, err := e.llm.Complete(ctx, llm.Request{
			Messages:    convo,
			Temperature: codegenTemperature,
			MaxTokens:   codegenMaxTokens,
		})
		if err != nil {
			return lastResult, lastArtifact, attempt, err
		}

		source, ok := pycode.Extract(reply)
		if !ok {
			lastResult = &ExecutionResult{Outcome: OutcomeNoCode, Failure: "the reply contained no runnable code"}
			emit(onEvent, Event{Kind: EventExecutionFailed, Attempt: attempt, Detail: lastResult.Failure})
			convo = appendCorrection(convo, reply, noCodeCorrection)
			continue
		}
		emit(onEvent, Event{Kind: EventCodeExtracted, Attempt: attempt})

		if checkErr := pycode.Check(source); checkErr != nil {
			lastArtifact = &CodeArtifact{Source: source, Attempt: attempt}
			lastResult = &ExecutionResult{Outcome: OutcomeSyntaxError, Failure: checkErr.Error()}
			emit(onEvent, Event{Kind: EventExecutionFailed, Attempt: attempt, Detail: checkErr.Error()})
			convo = appendCorrection(convo, reply, syntaxCorrection(source, checkErr))
			continue
		}

		lastArtifact = &CodeArtifact{Source: source, Attempt: attempt, Compiled: true}
		run, err := e.runner.Run(ctx, handle, source)
		if err != nil {
			return lastResult, lastArtifact, attempt, err
		}

		result := &ExecutionResult{
			Stdout:    run.Stdout,
			Stderr:    run.Stderr,
			Artifacts: run.Artifacts,
		}
		if run.Err != nil {
			result.Outcome = OutcomeRuntimeError
			result.Failure = run.Err.String()
			lastResult = result
			emit(onEvent, Event{Kind: EventExecutionFailed, Attempt: attempt, Detail: result.Failure})
			convo = appendCorrection(convo, reply, runtimeCorrection(source, result))
			continue
		}

		result.Outcome = OutcomeSucceeded
		emit(onEvent, Event{Kind: EventSucceeded, Attempt: attempt})
		return result, lastArtifact, attempt, nil
	}

	if lastResult == nil {
		lastResult = &ExecutionResult{Outcome: OutcomeNoCode, Failure: "no code was generated"}
	}
	return lastResult, lastArtifact, e.policy.MaxAttempts, &Error{
		Code:    ErrorCodeExhausted,
		Message: fmt.Sprintf("analysis did not produce working code after %d attempts: %s", e.policy.MaxAttempts, lastResult.Failure),
	}
}

// runPreview executes the schema preview program and returns its output, or
// "" when the preview cannot be obtained. The generated prompt then falls
// back to the stored summaries, so a broken preview never blocks analysis.
func (e *Engine) runPreview(ctx context.Context, session string, handle *sandbox.Handle, datasets []domain.DatasetInfo) string {
	run, err := e.runner.Run(ctx, handle, previewProgram(datasets))
	if err != nil {
		log.Printf("event=analysis_preview_failed session=%s err=%v", session, err)
		return ""
	}
	if run.Err != nil {
		log.Printf("event=analysis_preview_failed session=%s err=%s", session, run.Err.String())
		return ""
	}
	return strings.TrimSpace(strings.Join(run.Stdout, "\n"))
}

// previewProgram loads every attached dataset and prints its real schema.
// The output is folded into the system prompt so the model works from the
// actual column names instead of guessing them.
func previewProgram(datasets []domain.DatasetInfo) string {
	var b strings.Builder
	b.WriteString("import pandas as pd\n")
	for _, ds := range datasets {
		path := pythonQuote(ds.SandboxPath)
		fmt.Fprintf(&b, "\ndf = pd.read_csv(%s)\n", path)
		fmt.Fprintf(&b, "print(\"=== \" + %s + \" ===\")\n", pythonQuote(ds.Filename))
		b.WriteString("print(\"columns: \" + str(list(df.columns)))\n")
		b.WriteString("print(\"dtypes:\")\n")
		b.WriteString("print(df.dtypes.to_string())\n")
		b.WriteString("print(\"head:\")\n")
		b.WriteString("print(df.head().to_string())\n")
		b.WriteString("print(\"describe:\")\n")
		b.WriteString("print(df.describe(include='all').to_string())\n")
	}
	return b.String()
}

func pythonQuote(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return "\"" + s + "\""
}

func buildSystemPrompt(datasets []domain.DatasetInfo, preview, researchContext string, previewBudget int) string {
	var b strings.Builder
	b.WriteString("You are a data analysis assistant. The following CSV files have been uploaded:\n")
	for _, ds := range datasets {
		fmt.Fprintf(&b, "- Filename: %s\n", ds.Filename)
		fmt.Fprintf(&b, "  Path in sandbox: %s\n", ds.SandboxPath)
		fmt.Fprintf(&b, "  Columns: %s\n", strings.Join(ds.Summary.Columns, ", "))
		fmt.Fprintf(&b, "  Shape: %d rows x %d columns\n", ds.Summary.Shape[0], ds.Summary.Shape[1])
	}

	if preview != "" {
		b.WriteString("\nLive preview of the attached data (generated from the real files):\n")
		b.WriteString(truncateRunes(preview, previewBudget))
		b.WriteString("\n")
	}

	if researchContext != "" {
		b.WriteString("\nIMPORTANT: The user also asked for web research. Here's what was found:\n")
		b.WriteString(researchContext)
		b.WriteString("\nYou can use this context to enhance your analysis, but focus on analyzing the CSV data.\n")
	}

	b.WriteString(`
When the user asks for analysis, generate Python code to:
1. Load the CSV using pandas from the sandbox path given above
2. Perform the requested analysis
3. CRITICAL: Always convert results to strings before printing. For example:
   - For column names: print(list(df.columns)) or print(', '.join(df.columns))
   - For statistics: print(df.describe().to_string())
   - For dataframes: print(df.head().to_string()) or print(df.to_string())
   - For single values: print(str(value))
   - NEVER just print(df.columns) - convert Index to list first: print(list(df.columns))
   - NEVER just print(df) - use .to_string(): print(df.to_string())
4. Create visualizations using matplotlib when appropriate
5. Save plots with: plt.savefig('/home/user/chart.png', bbox_inches='tight', dpi=150)
6. Always end matplotlib code with plt.show() to generate the output

CRITICAL REQUIREMENTS:
- Use proper Python indentation (4 spaces per level)
- All code blocks after if/else/for/while/def must be indented
- Ensure all code is syntactically correct and executable
- Use consistent indentation throughout

Respond with ONLY the Python code wrapped in ` + "```python and ```" + ` markers, no explanations before or after.
Make sure to import necessary libraries (pandas, matplotlib.pyplot, numpy, etc.).
CRITICAL: Always include print() statements to output results, especially for statistics and data summaries.`)
	return b.String()
}

const noCodeCorrection = "Your previous reply contained no runnable code. Respond with ONLY the Python code wrapped in ```python and ``` markers, no explanations before or after."

func syntaxCorrection(source string, checkErr error) string {
	return fmt.Sprintf("The code below failed validation:\n\n```python\n%s\n```\n\nProblem: %s\n\nSend a corrected version, again as only a fenced Python code block.", source, checkErr)
}

func runtimeCorrection(source string, result *ExecutionResult) string {
	output := result.CombinedOutput()
	if output == "" {
		output = "(none)"
	}
	return fmt.Sprintf("The code below raised an error when executed:\n\n```python\n%s\n```\n\nError: %s\nPartial output:\n%s\n\nDiagnose and fix the problem. Common causes to check: a wrong column name, a type mismatch, or an index out of bounds. Send the corrected code as only a fenced Python code block.", source, result.Failure, output)
}

func appendCorrection(convo []llm.Message, reply, correction string) []llm.Message {
	return append(convo,
		llm.Message{Role: llm.RoleAssistant, Content: reply},
		llm.Message{Role: llm.RoleUser, Content: correction},
	)
}

func emit(onEvent func(Event), ev Event) {
	if onEvent != nil {
		onEvent(ev)
	}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
