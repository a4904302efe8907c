package competitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"scout/backend/internal/domain"
	"scout/backend/internal/intent"
	"scout/backend/internal/llm"
	"scout/backend/internal/research"
)

// stubStore mirrors the registry contract: replacing the competitor list
// drops any cached comparison.
type stubStore struct {
	mu          sync.Mutex
	profile     *domain.CompanyProfile
	competitors []domain.Competitor
	comparison  *domain.Comparison
}

func (s *stubStore) Profile(string) (domain.CompanyProfile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return domain.CompanyProfile{}, false
	}
	return *s.profile, true
}

func (s *stubStore) Competitors(string) []domain.Competitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.competitors
}

func (s *stubStore) SetCompetitors(_ string, competitors []domain.Competitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.competitors = competitors
	s.comparison = nil
}

func (s *stubStore) Comparison(string) (domain.Comparison, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.comparison == nil {
		return domain.Comparison{}, false
	}
	return *s.comparison, true
}

func (s *stubStore) SetComparison(_ string, comparison domain.Comparison) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comparison = &comparison
}

func (s *stubStore) cached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.comparison != nil
}

func newTestWorkflow(tool *stubTool, completer *stubCompleter, store *stubStore) *Workflow {
	policy := intent.DefaultPolicy()
	policy.ScrapeBackoffMS = 1
	return NewWorkflow(store, NewDiscoverer(tool), NewScraper(tool, NewExtractor(completer, policy), policy), completer, policy)
}

func scrapedStore() *stubStore {
	profile, competitors := comparisonFixture()
	return &stubStore{profile: &profile, competitors: competitors}
}

func TestHandleFallsThroughBelowThreshold(t *testing.T) {
	t.Parallel()

	profile, _ := comparisonFixture()
	workflow := newTestWorkflow(&stubTool{}, &stubCompleter{}, &stubStore{profile: &profile})

	reply, handled := workflow.Handle(context.Background(), "sess-1", "thinking about the competition")
	if handled || reply != "" {
		t.Fatalf("weak mention should fall through, got handled=%v reply=%q", handled, reply)
	}
}

func TestHandleFallsThroughWithoutProfile(t *testing.T) {
	t.Parallel()

	tool := &stubTool{fn: func(int, research.ToolRequest) (string, error) {
		return "should not be called", nil
	}}
	workflow := newTestWorkflow(tool, &stubCompleter{}, &stubStore{})

	reply, handled := workflow.Handle(context.Background(), "sess-1", "find competitors please")
	if handled || reply != "" {
		t.Fatalf("no profile should fall through, got handled=%v reply=%q", handled, reply)
	}
	if tool.calls() != 0 {
		t.Fatalf("discovery ran without a profile: %d calls", tool.calls())
	}
}

func TestHandleDiscoverStoresAndReplies(t *testing.T) {
	t.Parallel()

	answer := "Here are two rivals:\n" +
		"- Acme Analytics at https://acme.io provides realtime dashboards for product teams.\n" +
		"- Betadata at https://www.betadata.com sells embedded BI.\n"
	tool := &stubTool{fn: func(int, research.ToolRequest) (string, error) {
		return answer, nil
	}}
	profile, _ := comparisonFixture()
	store := &stubStore{profile: &profile}
	store.SetComparison("sess-1", domain.Comparison{Company: "stale"})
	workflow := newTestWorkflow(tool, &stubCompleter{}, store)

	reply, handled := workflow.Handle(context.Background(), "sess-1", "please find competitors for us")
	if !handled {
		t.Fatal("discover request should engage the workflow")
	}
	if !strings.Contains(reply, "Found 2 competitors for Scout") || !strings.Contains(reply, "**Acme**") {
		t.Fatalf("reply = %q", reply)
	}
	if len(store.Competitors("sess-1")) != 2 {
		t.Fatalf("competitors not stored: %+v", store.Competitors("sess-1"))
	}
	if store.cached() {
		t.Fatal("stale comparison should be invalidated by the new competitor list")
	}
}

func TestHandleDiscoverReportsConfigFailure(t *testing.T) {
	t.Parallel()

	tool := &stubTool{fn: func(int, research.ToolRequest) (string, error) {
		return "", &research.Error{Code: research.ErrorCodeNotConfigured, Message: "SEARCH_API_KEY is required for web research"}
	}}
	profile, _ := comparisonFixture()
	workflow := newTestWorkflow(tool, &stubCompleter{}, &stubStore{profile: &profile})

	reply, handled := workflow.Handle(context.Background(), "sess-1", "find competitors for my saas")
	if !handled {
		t.Fatal("failure inside an engaged action must still report as handled")
	}
	if !strings.Contains(reply, "Competitor discovery failed") || !strings.Contains(reply, "SEARCH_API_KEY") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestHandleCompareWithoutCompetitors(t *testing.T) {
	t.Parallel()

	profile, _ := comparisonFixture()
	workflow := newTestWorkflow(&stubTool{}, &stubCompleter{}, &stubStore{profile: &profile})

	reply, handled := workflow.Handle(context.Background(), "sess-1", "how do we compare against them")
	if !handled || reply != noCompetitorsReply {
		t.Fatalf("handled=%v reply=%q", handled, reply)
	}
}

func TestHandleCompareNeedsScraping(t *testing.T) {
	t.Parallel()

	profile, competitors := comparisonFixture()
	for i := range competitors {
		competitors[i].Scraped = false
	}
	store := &stubStore{profile: &profile, competitors: competitors}
	completer := &stubCompleter{fn: func(int, llm.Request) (string, error) {
		return "should not be called", nil
	}}
	workflow := newTestWorkflow(&stubTool{}, completer, store)

	reply, handled := workflow.Handle(context.Background(), "sess-1", "how do we compare against them")
	if !handled || reply != needsScrapingReply {
		t.Fatalf("handled=%v reply=%q", handled, reply)
	}
	if completer.calls() != 0 {
		t.Fatalf("insights generated for unscraped competitors: %d calls", completer.calls())
	}
}

func TestHandleCompareBuildsCachesAndRenders(t *testing.T) {
	t.Parallel()

	completer := &stubCompleter{fn: func(int, llm.Request) (string, error) {
		return "Double down on alerts.", nil
	}}
	store := scrapedStore()
	workflow := newTestWorkflow(&stubTool{}, completer, store)

	first, handled := workflow.Handle(context.Background(), "sess-1", "comparison table please")
	if !handled {
		t.Fatal("compare request should engage the workflow")
	}
	for _, want := range []string{
		"## Competitive Comparison: Scout",
		"| Feature | Scout | Acme | Beta |",
		"Double down on alerts.",
	} {
		if !strings.Contains(first, want) {
			t.Fatalf("reply missing %q:\n%s", want, first)
		}
	}
	if completer.calls() != 1 {
		t.Fatalf("insights calls = %d, want 1", completer.calls())
	}
	if !store.cached() {
		t.Fatal("comparison not cached")
	}

	second, handled := workflow.Handle(context.Background(), "sess-1", "comparison table please")
	if !handled || second != first {
		t.Fatalf("cached reply differs:\n%s", second)
	}
	if completer.calls() != 1 {
		t.Fatalf("cache miss: %d insights calls", completer.calls())
	}
}

func TestHandleAdvantagesProjection(t *testing.T) {
	t.Parallel()

	completer := &stubCompleter{fn: func(int, llm.Request) (string, error) {
		return "Insights.", nil
	}}
	workflow := newTestWorkflow(&stubTool{}, completer, scrapedStore())

	reply, handled := workflow.Handle(context.Background(), "sess-1", "what are our advantages")
	if !handled {
		t.Fatal("advantages request should engage the workflow")
	}
	if !strings.Contains(reply, "## Your competitive advantages") ||
		!strings.Contains(reply, "- Alerts (unique to your company)") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestHandleGapsProjection(t *testing.T) {
	t.Parallel()

	completer := &stubCompleter{fn: func(int, llm.Request) (string, error) {
		return "Insights.", nil
	}}
	workflow := newTestWorkflow(&stubTool{}, completer, scrapedStore())

	reply, handled := workflow.Handle(context.Background(), "sess-1", "what are we missing compared to rivals")
	if !handled {
		t.Fatal("gaps request should engage the workflow")
	}
	if !strings.Contains(reply, "## Feature gaps against competitors") ||
		!strings.Contains(reply, "available in 1/2 competitors") {
		t.Fatalf("reply = %q", reply)
	}
}

func TestHandleScrapeWithoutDiscovery(t *testing.T) {
	t.Parallel()

	profile, _ := comparisonFixture()
	workflow := newTestWorkflow(&stubTool{}, &stubCompleter{}, &stubStore{profile: &profile})

	reply, handled := workflow.Handle(context.Background(), "sess-1", "scrape competitors now")
	if !handled || reply != noCompetitorsReply {
		t.Fatalf("handled=%v reply=%q", handled, reply)
	}
}

func TestHandleScrapeReportsPerSiteStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tool := &stubTool{fn: func(int, research.ToolRequest) (string, error) {
		return "<p>Beta builds BI tools. Pricing from $5.</p>", nil
	}}
	completer := &stubCompleter{fn: func(_ int, req llm.Request) (string, error) {
		prompt := req.Messages[1].Content
		switch {
		case strings.Contains(prompt, "pricing page"):
			return `{"tiers":[{"name":"Basic","price":"$5"}]}`, nil
		case strings.Contains(prompt, "features page"):
			return `{"features":["Reports"]}`, nil
		default:
			return `{"company_name":"Beta","description":"BI tools.","industry":"BI"}`, nil
		}
	}}
	profile, _ := comparisonFixture()
	store := &stubStore{profile: &profile, competitors: []domain.Competitor{{Name: "Beta-guess", URL: srv.URL}}}
	workflow := newTestWorkflow(tool, completer, store)

	reply, handled := workflow.Handle(context.Background(), "sess-1", "please scrape their sites")
	if !handled {
		t.Fatal("scrape request should engage the workflow")
	}
	if !strings.Contains(reply, "Scraped 1 of 1 competitor sites") ||
		!strings.Contains(reply, "- **Beta**: 1 features, 1 pricing tiers") {
		t.Fatalf("reply = %q", reply)
	}
	stored := store.Competitors("sess-1")
	if len(stored) != 1 || !stored[0].Scraped {
		t.Fatalf("scraped competitors not stored: %+v", stored)
	}
}

func TestHandleScrapeAllFailing(t *testing.T) {
	t.Parallel()

	tool := &stubTool{fn: func(int, research.ToolRequest) (string, error) {
		return "", &research.Error{Code: research.ErrorCodeEmptyAnswer, Message: "the tool-assisted completion returned an empty result"}
	}}
	profile, _ := comparisonFixture()
	store := &stubStore{profile: &profile, competitors: []domain.Competitor{{Name: "Alpha", URL: "http://127.0.0.1:1"}}}
	workflow := newTestWorkflow(tool, &stubCompleter{}, store)

	reply, handled := workflow.Handle(context.Background(), "sess-1", "please scrape their sites")
	if !handled {
		t.Fatal("scrape request should engage the workflow")
	}
	if !strings.HasPrefix(reply, "Scraping failed for every competitor site") {
		t.Fatalf("reply = %q", reply)
	}
}
