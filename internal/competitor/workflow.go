// Package competitor implements the profile-gated competitive analysis
// workflow: discover rivals through the search gateway, scrape their sites
// through the browser gateway, extract features and pricing, and derive a
// feature comparison with advantage and gap lists. A keyword-scored
// detector decides whether a chat message belongs here at all; everything
// below the confidence threshold falls through to the regular chat path.
package competitor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"scout/backend/internal/domain"
	"scout/backend/internal/intent"
)

const (
	noCompetitorsReply = "No competitors discovered yet. Ask me to find competitors for your company first."
	needsScrapingReply = "The competitor sites have not been scraped yet. Ask me to scrape the competitors first, then I can build the comparison."
)

// Store is the slice of the session registry the workflow uses.
// SetCompetitors must invalidate any cached comparison.
type Store interface {
	Profile(key string) (domain.CompanyProfile, bool)
	Competitors(key string) []domain.Competitor
	SetCompetitors(key string, competitors []domain.Competitor)
	Comparison(key string) (domain.Comparison, bool)
	SetComparison(key string, comparison domain.Comparison)
}

// Workflow routes competitor sub-intents. It engages only when the message
// scores at or above the policy threshold and the session carries a company
// profile.
type Workflow struct {
	store      Store
	discoverer *Discoverer
	scraper    *Scraper
	llm        Completer
	policy     intent.Policy
	now        func() time.Time
}

func NewWorkflow(store Store, discoverer *Discoverer, scraper *Scraper, completer Completer, policy intent.Policy) *Workflow {
	return &Workflow{
		store:      store,
		discoverer: discoverer,
		scraper:    scraper,
		llm:        completer,
		policy:     policy,
		now:        time.Now,
	}
}

// Handle runs the competitor workflow when the message asks for it. The
// second return reports whether the workflow engaged; false means the
// caller should route the message through the normal chat path. Failures
// inside an engaged action come back as user-facing reply text naming the
// failing subsystem, never as a panic or an empty string.
func (w *Workflow) Handle(ctx context.Context, sessionKey, message string) (string, bool) {
	action, confidence := DetectAction(message, w.policy.CompetitorAction)
	if action == ActionNone || confidence < w.policy.MinConfidence {
		return "", false
	}
	profile, ok := w.store.Profile(sessionKey)
	if !ok {
		return "", false
	}
	log.Printf("event=competitor_action session=%s action=%s confidence=%.2f", sessionKey, action, confidence)

	switch action {
	case ActionDiscover:
		return w.discover(ctx, sessionKey, profile), true
	case ActionScrape:
		return w.scrape(ctx, sessionKey), true
	case ActionCompare:
		return w.compare(ctx, sessionKey, profile), true
	case ActionAdvantages, ActionGaps:
		return w.project(ctx, sessionKey, profile, action), true
	}
	return "", false
}

func (w *Workflow) discover(ctx context.Context, sessionKey string, profile domain.CompanyProfile) string {
	competitors, err := w.discoverer.Discover(ctx, sessionKey, profile, defaultDiscoverCount)
	if err != nil {
		log.Printf("event=competitor_discover_failed session=%s err=%v", sessionKey, err)
		return "Competitor discovery failed: " + err.Error()
	}
	if len(competitors) == 0 {
		return "No competitors could be identified for " + profile.Name + ". Try adding more detail to your company profile."
	}
	w.store.SetCompetitors(sessionKey, competitors)

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d competitors for %s:\n\n", len(competitors), profile.Name)
	for i, competitor := range competitors {
		fmt.Fprintf(&b, "%d. **%s** (%s)\n", i+1, competitor.Name, competitor.URL)
		if competitor.Description != "" {
			fmt.Fprintf(&b, "   %s\n", competitor.Description)
		}
	}
	b.WriteString("\nAsk me to scrape their sites to collect feature and pricing data.")
	return b.String()
}

func (w *Workflow) scrape(ctx context.Context, sessionKey string) string {
	competitors := w.store.Competitors(sessionKey)
	if len(competitors) == 0 {
		return noCompetitorsReply
	}
	scraped := w.scraper.Scrape(ctx, sessionKey, competitors)
	w.store.SetCompetitors(sessionKey, scraped)

	succeeded := 0
	for _, competitor := range scraped {
		if competitor.Scraped {
			succeeded++
		}
	}
	if succeeded == 0 {
		return "Scraping failed for every competitor site. The sites may be unreachable right now; try again later."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Scraped %d of %d competitor sites:\n\n", succeeded, len(scraped))
	for _, competitor := range scraped {
		status := "no content retrieved"
		if competitor.Scraped {
			status = fmt.Sprintf("%d features, %d pricing tiers", len(competitor.Features), len(competitor.Pricing))
		}
		fmt.Fprintf(&b, "- **%s**: %s\n", competitor.Name, status)
	}
	b.WriteString("\nAsk me to compare them against your company to build the comparison.")
	return b.String()
}

func (w *Workflow) compare(ctx context.Context, sessionKey string, profile domain.CompanyProfile) string {
	if len(w.store.Competitors(sessionKey)) == 0 {
		return noCompetitorsReply
	}
	comparison, ok := w.comparison(ctx, sessionKey, profile)
	if !ok {
		return needsScrapingReply
	}
	return RenderComparison(comparison)
}

func (w *Workflow) project(ctx context.Context, sessionKey string, profile domain.CompanyProfile, action Action) string {
	if len(w.store.Competitors(sessionKey)) == 0 {
		return noCompetitorsReply
	}
	comparison, ok := w.comparison(ctx, sessionKey, profile)
	if !ok {
		return needsScrapingReply
	}
	if action == ActionAdvantages {
		return renderList("Your competitive advantages", comparison.Advantages,
			"No unique features found. Every feature in your profile is also offered by at least one competitor.")
	}
	return renderList("Feature gaps against competitors", comparison.Gaps,
		"No gaps found. Your profile covers every feature seen across the scraped competitors.")
}

// comparison returns the cached comparison, computing and caching it from
// scraped competitor data when absent. ok is false when nothing is scraped
// yet; re-running discover or scrape clears the cache through the store.
func (w *Workflow) comparison(ctx context.Context, sessionKey string, profile domain.CompanyProfile) (domain.Comparison, bool) {
	if cached, ok := w.store.Comparison(sessionKey); ok {
		return cached, true
	}
	var scraped []domain.Competitor
	for _, competitor := range w.store.Competitors(sessionKey) {
		if competitor.Scraped {
			scraped = append(scraped, competitor)
		}
	}
	if len(scraped) == 0 {
		return domain.Comparison{}, false
	}
	comparison := BuildComparison(profile, scraped, w.now())
	comparison.Insights = GenerateInsights(ctx, w.llm, profile, scraped, comparison)
	w.store.SetComparison(sessionKey, comparison)
	return comparison, true
}

func renderList(heading string, items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	var b strings.Builder
	b.WriteString("## " + heading + "\n\n")
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
	return b.String()
}
