package competitor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"scout/backend/internal/domain"
	"scout/backend/internal/intent"
	"scout/backend/internal/research"
	"scout/backend/internal/sandbox"
)

const (
	scrapeTemperature = 0.1
	scrapeMaxTokens   = 4096
	scrapeConcurrency = 3
	probeTimeout      = 5 * time.Second

	scrapeSystemPrompt = "You are a web scraping assistant. Use the browser tools to fetch pages and return their content."
)

// Page kinds recorded on scraped competitors.
const (
	PageHome     = "home"
	PagePricing  = "pricing"
	PageFeatures = "features"
)

// Scraper collects competitor page content through the session's browser
// gateway and extracts structured data from it. Dedicated pricing and
// features pages are located by probing well-known paths; when none
// answers, the homepage content stands in.
type Scraper struct {
	research  ToolQuerier
	extractor *Extractor
	client    *http.Client
	policy    intent.Policy
	now       func() time.Time
}

func NewScraper(research ToolQuerier, extractor *Extractor, policy intent.Policy) *Scraper {
	return &Scraper{
		research:  research,
		extractor: extractor,
		client:    &http.Client{Timeout: probeTimeout},
		policy:    policy,
		now:       time.Now,
	}
}

// Scrape fetches and extracts every competitor in a bounded concurrent
// group. A competitor whose pages all fail comes back unchanged rather than
// failing the batch; only context cancellation stops the group early.
func (s *Scraper) Scrape(ctx context.Context, sessionKey string, competitors []domain.Competitor) []domain.Competitor {
	scraped := make([]domain.Competitor, len(competitors))
	copy(scraped, competitors)

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(scrapeConcurrency)
	for i := range scraped {
		i := i
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			scraped[i] = s.scrapeOne(ctx, sessionKey, scraped[i])
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		log.Printf("event=scrape_batch_canceled session=%s err=%v", sessionKey, err)
	}
	return scraped
}

func (s *Scraper) scrapeOne(ctx context.Context, sessionKey string, competitor domain.Competitor) domain.Competitor {
	base := competitor.URL
	fetched := s.now().UTC().Format(time.RFC3339)

	var pages []domain.PageContent
	home, err := s.fetchPage(ctx, sessionKey, base)
	if err != nil {
		log.Printf("event=scrape_home_failed competitor=%s url=%s err=%v", competitor.Name, base, err)
	} else {
		pages = append(pages, domain.PageContent{URL: base, Kind: PageHome, Text: home, Fetched: fetched})
	}

	pricingURL := s.findPage(ctx, base, s.policy.PricingPaths)
	pricingText := home
	if pricingURL != base {
		if text, err := s.fetchPage(ctx, sessionKey, pricingURL); err == nil {
			pricingText = text
			pages = append(pages, domain.PageContent{URL: pricingURL, Kind: PagePricing, Text: text, Fetched: fetched})
		} else {
			log.Printf("event=scrape_pricing_failed competitor=%s url=%s err=%v", competitor.Name, pricingURL, err)
		}
	}

	featuresURL := s.findPage(ctx, base, s.policy.FeaturesPaths)
	featuresText := home
	if featuresURL != base {
		if text, err := s.fetchPage(ctx, sessionKey, featuresURL); err == nil {
			featuresText = text
			pages = append(pages, domain.PageContent{URL: featuresURL, Kind: PageFeatures, Text: text, Fetched: fetched})
		} else {
			log.Printf("event=scrape_features_failed competitor=%s url=%s err=%v", competitor.Name, featuresURL, err)
		}
	}

	if len(pages) == 0 {
		return competitor
	}

	if home != "" {
		info := s.extractor.ExtractCompanyInfo(ctx, home, base)
		if info.Name != "" {
			competitor.Name = info.Name
		}
		if info.Description != "" {
			competitor.Description = info.Description
		}
	}
	if pricingText != "" {
		competitor.Pricing = s.extractor.ExtractPricing(ctx, pricingText, pricingURL)
	}
	if featuresText != "" {
		competitor.Features = s.extractor.ExtractFeatures(ctx, featuresText, featuresURL)
	}
	competitor.Pages = pages
	competitor.Scraped = true
	return competitor
}

// fetchPage asks the model to fetch the URL through the session's browser
// gateway, retrying transient failures with doubling backoff, and returns
// the reply reduced to visible text.
func (s *Scraper) fetchPage(ctx context.Context, sessionKey, url string) (string, error) {
	attempts := s.policy.ScrapeAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		answer, err := s.research.ToolQuery(ctx, sessionKey, research.ToolRequest{
			Flavor:      sandbox.FlavorBrowser,
			System:      scrapeSystemPrompt,
			Prompt:      scrapePrompt(url),
			Temperature: scrapeTemperature,
			MaxTokens:   scrapeMaxTokens,
		})
		if err == nil {
			return ReduceHTML(answer, s.policy.ScrapeBudget), nil
		}
		lastErr = err
		log.Printf("event=scrape_fetch_failed url=%s attempt=%d/%d err=%v", url, attempt, attempts, err)
		if attempt < attempts {
			if err := s.backoff(ctx, attempt); err != nil {
				return "", err
			}
		}
	}
	return "", lastErr
}

func (s *Scraper) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(s.policy.ScrapeBackoffMS) * time.Millisecond << (attempt - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// findPage probes well-known paths with HEAD requests and returns the first
// that answers 200, or the base URL when none does.
func (s *Scraper) findPage(ctx context.Context, baseURL string, paths []string) string {
	for _, path := range paths {
		candidate := strings.TrimRight(baseURL, "/") + path
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, candidate, nil)
		if err != nil {
			continue
		}
		resp, err := s.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return candidate
		}
	}
	return baseURL
}

func scrapePrompt(url string) string {
	return fmt.Sprintf(`Scrape the content from this URL: %s

Use the browser tool to navigate to the URL and extract:
1. The full HTML content
2. The visible text content
3. Any errors encountered

Return the results in a structured format.`, url)
}

// ReduceHTML strips a scraped reply down to its visible text: title,
// headings, paragraphs, list items and table cells in document order, each
// line deduplicated. Input without such markup (the model often answers in
// plain text or markdown) passes through with whitespace collapsed per
// line. The result is truncated to budget runes.
func ReduceHTML(raw string, budget int) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return truncateRunes(collapseLines(raw), budget)
	}
	doc.Find("script, style, noscript").Remove()

	var lines []string
	seen := make(map[string]struct{})
	doc.Find("title, h1, h2, h3, h4, h5, h6, p, li, td, th, dt, dd, blockquote").Each(func(_ int, sel *goquery.Selection) {
		line := strings.Join(strings.Fields(sel.Text()), " ")
		if line == "" {
			return
		}
		if _, dup := seen[line]; dup {
			return
		}
		seen[line] = struct{}{}
		lines = append(lines, line)
	})
	if len(lines) == 0 {
		return truncateRunes(collapseLines(doc.Text()), budget)
	}
	return truncateRunes(strings.Join(lines, "\n"), budget)
}

func collapseLines(raw string) string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if collapsed := strings.Join(strings.Fields(line), " "); collapsed != "" {
			lines = append(lines, collapsed)
		}
	}
	return strings.Join(lines, "\n")
}

func truncateRunes(s string, limit int) string {
	if limit < 1 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
