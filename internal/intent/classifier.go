// Package intent routes chat messages to the service's capabilities. An LLM
// proposes the action; deterministic keyword overrides bound how far a
// misclassification near the resource-availability boundary can travel.
package intent

import (
	"context"
	"log"
	"sort"
	"strings"

	"scout/backend/internal/llm"
)

// Intent is the routing decision for one chat turn. Classify never returns
// tabularRequestedButAbsent; it is rewritten before the caller sees it
// because there is no terminal "no data" action distinct from research.
type Intent string

const (
	TabularOnly    Intent = "tabular-only"
	ResearchOnly   Intent = "research-only"
	DocumentSearch Intent = "document-search"
	Both           Intent = "both"

	tabularRequestedButAbsent Intent = "tabular-requested-but-absent"
)

var intentTokens = []Intent{
	TabularOnly,
	ResearchOnly,
	DocumentSearch,
	Both,
	tabularRequestedButAbsent,
}

const classifierSystemPrompt = "You are a routing assistant. Decide which capability a user query needs and respond with only the action token: tabular-only, research-only, document-search, both, or tabular-requested-but-absent."

// Resources describes what is attached to the session at classification time.
type Resources struct {
	HasTabular     bool
	TabularColumns []string
	HasDocuments   bool
}

// Completer is the slice of the llm client the classifier uses.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

type Classifier struct {
	llm    Completer
	policy Policy
}

func NewClassifier(completer Completer, policy Policy) *Classifier {
	return &Classifier{llm: completer, policy: policy}
}

// Classify routes a message. It never fails: a model error degrades to the
// keyword heuristic, and the overrides run on every path.
func (c *Classifier) Classify(ctx context.Context, message string, res Resources) Intent {
	decided, err := c.askModel(ctx, message, res)
	if err != nil {
		log.Printf("event=intent_fallback err=%v", err)
		decided = heuristicBase(res)
	}
	return c.applyOverrides(decided, message, res)
}

func (c *Classifier) askModel(ctx context.Context, message string, res Resources) (Intent, error) {
	reply, err := c.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: classifierSystemPrompt},
			{Role: llm.RoleUser, Content: buildContext(message, res)},
		},
		Temperature: 0.1,
		MaxTokens:   50,
	})
	if err != nil {
		return "", err
	}
	return sanitize(reply, res), nil
}

func buildContext(message string, res Resources) string {
	var b strings.Builder
	b.WriteString("User query: \"" + message + "\"\n\n")
	b.WriteString("Available actions:\n")
	b.WriteString("1. Tabular analysis: analyze the attached dataset, compute statistics, draw charts\n")
	b.WriteString("2. Web research: search the web for current information, news and facts\n")
	b.WriteString("3. Document search: answer from documents uploaded to this session\n\n")

	if res.HasTabular && len(res.TabularColumns) > 0 {
		b.WriteString("A dataset is attached with columns: " + strings.Join(res.TabularColumns, ", ") + "\n")
	} else if res.HasTabular {
		b.WriteString("A dataset is attached.\n")
	} else {
		b.WriteString("No dataset is attached.\n")
	}
	if res.HasDocuments {
		b.WriteString("Documents are attached to this session.\n")
	} else {
		b.WriteString("No documents are attached.\n")
	}

	b.WriteString("\nDecide what the query needs:\n")
	b.WriteString("- \"tabular-only\": analysis of the attached dataset\n")
	b.WriteString("- \"research-only\": web research, no dataset analysis\n")
	b.WriteString("- \"document-search\": answer from the attached documents\n")
	b.WriteString("- \"both\": dataset analysis AND web research\n")
	b.WriteString("- \"tabular-requested-but-absent\": the query expects a dataset but none is attached\n\n")
	b.WriteString("Respond with ONLY one of these exact tokens.")
	return b.String()
}

// sanitize recovers a token from a possibly wordy reply. Longest token
// first, so the absent marker is found before any shorter token embedded in
// the same sentence.
func sanitize(reply string, res Resources) Intent {
	lowered := strings.ToLower(strings.TrimSpace(reply))

	tokens := append([]Intent(nil), intentTokens...)
	sort.Slice(tokens, func(i, j int) bool { return len(tokens[i]) > len(tokens[j]) })
	for _, token := range tokens {
		if strings.Contains(lowered, string(token)) {
			return token
		}
	}

	// the model ignored the vocabulary; salvage by topic words
	mentionsTabular := strings.Contains(lowered, "tabular") || strings.Contains(lowered, "csv") || strings.Contains(lowered, "dataset")
	mentionsResearch := strings.Contains(lowered, "research") || strings.Contains(lowered, "web") || strings.Contains(lowered, "search")
	switch {
	case mentionsTabular && mentionsResearch:
		return Both
	case mentionsTabular && res.HasTabular:
		return TabularOnly
	case mentionsTabular:
		return tabularRequestedButAbsent
	case mentionsResearch:
		return ResearchOnly
	case strings.Contains(lowered, "document") && res.HasDocuments:
		return DocumentSearch
	}
	return heuristicBase(res)
}

func heuristicBase(res Resources) Intent {
	if res.HasTabular {
		return TabularOnly
	}
	return ResearchOnly
}

func (c *Classifier) applyOverrides(decided Intent, message string, res Resources) Intent {
	lowered := strings.ToLower(message)
	if !res.HasTabular && !res.HasDocuments && containsAny(lowered, c.policy.ResearchKeywords) {
		return ResearchOnly
	}
	if res.HasDocuments && containsAny(lowered, c.policy.DocumentKeywords) {
		return DocumentSearch
	}
	if decided == tabularRequestedButAbsent {
		if res.HasDocuments {
			return DocumentSearch
		}
		return ResearchOnly
	}
	return decided
}

func containsAny(lowered string, keywords []string) bool {
	for _, keyword := range keywords {
		if keyword != "" && strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}
