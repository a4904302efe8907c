package intent

import (
	"os"
	"path/filepath"
	"testing"
)

func hasKeyword(list []string, keyword string) bool {
	for _, candidate := range list {
		if candidate == keyword {
			return true
		}
	}
	return false
}

func TestDefaultPolicyCarriesObservedSets(t *testing.T) {
	t.Parallel()

	policy := DefaultPolicy()
	if policy.MaxAttempts != 10 {
		t.Fatalf("unexpected max attempts: %d", policy.MaxAttempts)
	}
	if policy.PreviewBudget != 2000 || policy.ExplainBudget != 3000 || policy.ResearchBudget != 5000 || policy.ScrapeBudget != 6000 {
		t.Fatalf("unexpected budgets: %+v", policy)
	}
	for _, keyword := range []string{"research", "search", "find", "tell me", "what is", "who is"} {
		if !hasKeyword(policy.ResearchKeywords, keyword) {
			t.Fatalf("research keywords missing %q", keyword)
		}
	}
	for _, keyword := range []string{"document", "file", "uploaded"} {
		if !hasKeyword(policy.DocumentKeywords, keyword) {
			t.Fatalf("document keywords missing %q", keyword)
		}
	}
	if len(policy.PricingPaths) != 8 || policy.PricingPaths[0] != "/pricing" {
		t.Fatalf("unexpected pricing paths: %v", policy.PricingPaths)
	}
	if len(policy.FeaturesPaths) != 8 || policy.FeaturesPaths[0] != "/features" {
		t.Fatalf("unexpected features paths: %v", policy.FeaturesPaths)
	}
	if _, ok := policy.CompetitorAction["discover"]; !ok {
		t.Fatal("competitor actions missing discover")
	}
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	policy, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if policy.MaxAttempts != DefaultPolicy().MaxAttempts {
		t.Fatalf("expected defaults, got %+v", policy)
	}
}

func TestLoadPolicyOverridesSubsetOfFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.json")
	contents := `{"research_keywords": ["investigate"], "max_attempts": 3}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if len(policy.ResearchKeywords) != 1 || policy.ResearchKeywords[0] != "investigate" {
		t.Fatalf("override not applied: %v", policy.ResearchKeywords)
	}
	if policy.MaxAttempts != 3 {
		t.Fatalf("override not applied: %d", policy.MaxAttempts)
	}
	// untouched fields keep their defaults
	if len(policy.DocumentKeywords) == 0 || policy.ScrapeAttempts != 3 {
		t.Fatalf("defaults lost: %+v", policy)
	}
}

func TestLoadPolicyRejectsMalformedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("expected an error for malformed policy json")
	}
}

func TestLoadPolicyClampsOutOfRangeValues(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.json")
	contents := `{"max_attempts": 0, "min_confidence": 3.5, "scrape_backoff_ms": -10}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	defaults := DefaultPolicy()
	if policy.MaxAttempts != defaults.MaxAttempts {
		t.Fatalf("max attempts not clamped: %d", policy.MaxAttempts)
	}
	if policy.MinConfidence != defaults.MinConfidence {
		t.Fatalf("min confidence not clamped: %f", policy.MinConfidence)
	}
	if policy.ScrapeBackoffMS != defaults.ScrapeBackoffMS {
		t.Fatalf("backoff not clamped: %d", policy.ScrapeBackoffMS)
	}
}
