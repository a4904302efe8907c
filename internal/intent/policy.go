package intent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ActionKeywords scores a competitor sub-intent: strong phrases count double.
type ActionKeywords struct {
	Strong []string `json:"strong"`
	Weak   []string `json:"weak"`
}

// Policy bundles every tuned knob of the routing layer: keyword override
// lists, the competitor action vocabulary, retry and truncation budgets.
// The keyword sets drifted between service revisions, so they are data, not
// control flow; a JSON file in the data dir overrides any subset of fields.
type Policy struct {
	ResearchKeywords []string                  `json:"research_keywords"`
	DocumentKeywords []string                  `json:"document_keywords"`
	CompetitorAction map[string]ActionKeywords `json:"competitor_actions"`
	MinConfidence    float64                   `json:"min_confidence"`

	MaxAttempts    int `json:"max_attempts"`
	PreviewBudget  int `json:"preview_budget"`
	ExplainBudget  int `json:"explain_budget"`
	ResearchBudget int `json:"research_budget"`
	ScrapeBudget   int `json:"scrape_budget"`

	ScrapeAttempts  int      `json:"scrape_attempts"`
	ScrapeBackoffMS int      `json:"scrape_backoff_ms"`
	PricingPaths    []string `json:"pricing_paths"`
	FeaturesPaths   []string `json:"features_paths"`
}

func DefaultPolicy() Policy {
	return Policy{
		ResearchKeywords: []string{
			"research", "search", "find", "look up", "latest",
			"tell me", "what is", "who is", "news",
		},
		DocumentKeywords: []string{
			"document", "file", "uploaded", "attachment",
			"summarize the document", "in the doc",
		},
		CompetitorAction: map[string]ActionKeywords{
			"discover": {
				Strong: []string{"find competitors", "discover competitors", "who are my competitors", "competitor discovery"},
				Weak:   []string{"competitors", "rivals", "competition"},
			},
			"scrape": {
				Strong: []string{"scrape competitors", "scrape their sites", "collect competitor data", "fetch their websites"},
				Weak:   []string{"scrape", "crawl"},
			},
			"compare": {
				Strong: []string{"compare competitors", "comparison table", "compare us against", "how do we compare"},
				Weak:   []string{"compare", "versus", "vs"},
			},
			"advantages": {
				Strong: []string{"our advantages", "competitive advantages", "what do we do better"},
				Weak:   []string{"advantages", "strengths", "unique"},
			},
			"gaps": {
				Strong: []string{"feature gaps", "what are we missing", "where do we fall behind"},
				Weak:   []string{"gaps", "missing", "weaknesses"},
			},
		},
		MinConfidence: 0.5,

		MaxAttempts:    10,
		PreviewBudget:  2000,
		ExplainBudget:  3000,
		ResearchBudget: 5000,
		ScrapeBudget:   6000,

		ScrapeAttempts:  3,
		ScrapeBackoffMS: 1000,
		PricingPaths: []string{
			"/pricing", "/plans", "/buy", "/purchase",
			"/get-started", "/pricing-plans", "/price", "/cost",
		},
		FeaturesPaths: []string{
			"/features", "/product", "/capabilities", "/solutions",
			"/platform", "/what-we-do", "/products", "/services",
		},
	}
}

// LoadPolicy reads overrides from path on top of the defaults. A missing
// file means defaults; a present but unreadable file is a boot error so a
// typo in the override surfaces immediately instead of silently reverting
// tuned keywords.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return policy, nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return policy.normalized(), nil
}

func (p Policy) normalized() Policy {
	defaults := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.PreviewBudget < 1 {
		p.PreviewBudget = defaults.PreviewBudget
	}
	if p.ExplainBudget < 1 {
		p.ExplainBudget = defaults.ExplainBudget
	}
	if p.ResearchBudget < 1 {
		p.ResearchBudget = defaults.ResearchBudget
	}
	if p.ScrapeBudget < 1 {
		p.ScrapeBudget = defaults.ScrapeBudget
	}
	if p.ScrapeAttempts < 1 {
		p.ScrapeAttempts = defaults.ScrapeAttempts
	}
	if p.ScrapeBackoffMS < 1 {
		p.ScrapeBackoffMS = defaults.ScrapeBackoffMS
	}
	if p.MinConfidence <= 0 || p.MinConfidence > 1 {
		p.MinConfidence = defaults.MinConfidence
	}
	return p
}
