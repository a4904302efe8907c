package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"scout/backend/internal/llm"
)

type stubCompleter struct {
	reply   string
	err     error
	calls   int
	lastReq llm.Request
}

func (s *stubCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	s.calls++
	s.lastReq = req
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func TestResearchKeywordOverridesModel(t *testing.T) {
	t.Parallel()

	// whatever the model says, an unattached session asking to research
	// routes to research
	for _, reply := range []string{"tabular-only", "both", "document-search", "no idea"} {
		stub := &stubCompleter{reply: reply}
		classifier := NewClassifier(stub, DefaultPolicy())

		got := classifier.Classify(context.Background(), "please research the analytics market", Resources{})
		if got != ResearchOnly {
			t.Fatalf("reply %q: got %s, want %s", reply, got, ResearchOnly)
		}
	}
}

func TestAbsentIsRewrittenBeforeReturning(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		res  Resources
		want Intent
	}{
		{"with documents", Resources{HasDocuments: true}, DocumentSearch},
		{"without documents", Resources{}, ResearchOnly},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			stub := &stubCompleter{reply: "tabular-requested-but-absent"}
			classifier := NewClassifier(stub, DefaultPolicy())

			got := classifier.Classify(context.Background(), "analyze the quarterly numbers", tc.res)
			if got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDocumentKeywordForcesDocumentSearch(t *testing.T) {
	t.Parallel()

	stub := &stubCompleter{reply: "research-only"}
	classifier := NewClassifier(stub, DefaultPolicy())

	got := classifier.Classify(context.Background(), "summarize the uploaded file", Resources{HasDocuments: true})
	if got != DocumentSearch {
		t.Fatalf("got %s, want %s", got, DocumentSearch)
	}
}

func TestModelAnswerPassesThroughWhenNoOverrideFires(t *testing.T) {
	t.Parallel()

	stub := &stubCompleter{reply: "tabular-only"}
	classifier := NewClassifier(stub, DefaultPolicy())

	res := Resources{HasTabular: true, TabularColumns: []string{"month", "revenue"}}
	got := classifier.Classify(context.Background(), "plot revenue by month", res)
	if got != TabularOnly {
		t.Fatalf("got %s, want %s", got, TabularOnly)
	}

	if stub.lastReq.Temperature != 0.1 {
		t.Fatalf("unexpected temperature: %v", stub.lastReq.Temperature)
	}
	if stub.lastReq.MaxTokens != 50 {
		t.Fatalf("unexpected max tokens: %v", stub.lastReq.MaxTokens)
	}
	if len(stub.lastReq.Messages) != 2 || stub.lastReq.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("unexpected message shape: %+v", stub.lastReq.Messages)
	}
	if !strings.Contains(stub.lastReq.Messages[1].Content, "month, revenue") {
		t.Fatal("prompt should list the attached columns")
	}
}

func TestSanitizeRecoversTokenFromWordyReply(t *testing.T) {
	t.Parallel()

	stub := &stubCompleter{reply: "The right action here is research-only, I believe."}
	classifier := NewClassifier(stub, DefaultPolicy())

	got := classifier.Classify(context.Background(), "tomorrow's weather in oslo", Resources{})
	if got != ResearchOnly {
		t.Fatalf("got %s, want %s", got, ResearchOnly)
	}
}

func TestSanitizePrefersLongestToken(t *testing.T) {
	t.Parallel()

	stub := &stubCompleter{reply: "either tabular-only or tabular-requested-but-absent applies"}
	classifier := NewClassifier(stub, DefaultPolicy())

	// the absent marker must win over the shorter embedded token, then be
	// rewritten toward the attached documents
	got := classifier.Classify(context.Background(), "crunch those figures", Resources{HasDocuments: true})
	if got != DocumentSearch {
		t.Fatalf("got %s, want %s", got, DocumentSearch)
	}
}

func TestSanitizeSalvagesTopicWords(t *testing.T) {
	t.Parallel()

	stub := &stubCompleter{reply: "you need csv work plus some web digging"}
	classifier := NewClassifier(stub, DefaultPolicy())

	got := classifier.Classify(context.Background(), "mix them together", Resources{HasTabular: true})
	if got != Both {
		t.Fatalf("got %s, want %s", got, Both)
	}
}

func TestModelFailureFallsBackToHeuristic(t *testing.T) {
	t.Parallel()

	stub := &stubCompleter{err: errors.New("provider down")}
	classifier := NewClassifier(stub, DefaultPolicy())

	got := classifier.Classify(context.Background(), "plot revenue", Resources{HasTabular: true})
	if got != TabularOnly {
		t.Fatalf("with tabular data got %s, want %s", got, TabularOnly)
	}

	got = classifier.Classify(context.Background(), "search for recent funding rounds", Resources{})
	if got != ResearchOnly {
		t.Fatalf("without data got %s, want %s", got, ResearchOnly)
	}
}
