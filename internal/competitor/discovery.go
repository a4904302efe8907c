package competitor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"scout/backend/internal/domain"
	"scout/backend/internal/research"
	"scout/backend/internal/sandbox"
)

const (
	discoverTemperature  = 0.3
	discoverMaxTokens    = 2048
	defaultDiscoverCount = 5

	discoverSystemPrompt = "You are a competitive intelligence researcher. Use the search tools to find competitor companies and return structured information."
)

// ToolQuerier runs one gateway-backed completion. *research.Orchestrator
// satisfies it.
type ToolQuerier interface {
	ToolQuery(ctx context.Context, sessionKey string, req research.ToolRequest) (string, error)
}

// Discoverer finds competitor companies through the search gateway and
// parses the free-text answer into records.
type Discoverer struct {
	research ToolQuerier
}

func NewDiscoverer(research ToolQuerier) *Discoverer {
	return &Discoverer{research: research}
}

// Discover asks the search-backed model for competitors of the profile and
// parses the reply. An answer that yields no parseable records is an empty
// slice, not an error; gateway setup and provider errors pass through.
func (d *Discoverer) Discover(ctx context.Context, sessionKey string, profile domain.CompanyProfile, count int) ([]domain.Competitor, error) {
	if count < 1 {
		count = defaultDiscoverCount
	}
	answer, err := d.research.ToolQuery(ctx, sessionKey, research.ToolRequest{
		Flavor:      sandbox.FlavorResearch,
		System:      discoverSystemPrompt,
		Prompt:      discoverPrompt(profile, count),
		Temperature: discoverTemperature,
		MaxTokens:   discoverMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return ParseCompetitors(answer, profile.Name), nil
}

func discoverPrompt(profile domain.CompanyProfile, count int) string {
	return fmt.Sprintf(`Find competitor companies for: %s

Industry: %s
Description: %s

Use the search tools to find %d competitor companies in the same industry.
For each competitor, provide:
1. Company name
2. Website URL
3. Brief description (1-2 sentences)

Focus on direct competitors that offer similar products/services.
Return results in a clear, structured format.`, profile.Name, profile.Industry, profile.Description, count)
}

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s<>"]+|www\.[^\s<>"]+`)
	domainPattern = regexp.MustCompile(`(?:https?://)?(?:www\.)?([^/]+)`)
	sentenceSplit = regexp.MustCompile(`[.!?\n]`)
)

// ParseCompetitors recovers competitor records from a free-text research
// answer. Every URL found is canonicalized to https and deduplicated by
// host; hosts containing the caller's own company name are skipped. The
// record name is the first host label title-cased, and the description is
// the sentence fragment nearest the URL in the answer.
func ParseCompetitors(text, excludeCompany string) []domain.Competitor {
	exclude := strings.ToLower(strings.TrimSpace(excludeCompany))
	seen := make(map[string]struct{})

	var competitors []domain.Competitor
	for _, raw := range urlPattern.FindAllString(text, -1) {
		url := strings.TrimRight(raw, ".,;:)")
		match := domainPattern.FindStringSubmatch(url)
		if match == nil {
			continue
		}
		host := match[1]
		if _, dup := seen[host]; dup {
			continue
		}
		if exclude != "" && strings.Contains(strings.ToLower(host), exclude) {
			continue
		}
		seen[host] = struct{}{}

		canonical := url
		if !strings.HasPrefix(canonical, "http") {
			canonical = "https://" + canonical
		}
		competitors = append(competitors, domain.Competitor{
			Name:        titleCase(strings.SplitN(host, ".", 2)[0]),
			URL:         canonical,
			Description: descriptionNearURL(text, url),
		})
	}
	return competitors
}

// descriptionNearURL pulls the sentence fragment around the URL's position
// in the answer: the first fragment mentioning the URL, or failing that any
// fragment of meaningful length, wins.
func descriptionNearURL(text, url string) string {
	pos := strings.Index(text, url)
	if pos < 0 {
		return ""
	}
	start := pos - 100
	if start < 0 {
		start = 0
	}
	end := pos + len(url) + 100
	if end > len(text) {
		end = len(text)
	}
	for _, fragment := range sentenceSplit.Split(text[start:end], -1) {
		if strings.Contains(fragment, url) || len(fragment) > 20 {
			return strings.TrimSpace(fragment)
		}
	}
	return ""
}

// titleCase upper-cases the first letter of every letter run and lowers the
// rest, so "real-time API" becomes "Real-Time Api".
func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		switch {
		case !unicode.IsLetter(r):
			b.WriteRune(r)
			prevLetter = false
		case prevLetter:
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(unicode.ToUpper(r))
			prevLetter = true
		}
	}
	return b.String()
}
