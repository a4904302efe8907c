package competitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"scout/backend/internal/domain"
	"scout/backend/internal/llm"
)

const (
	insightsTemperature = 0.3
	insightsMaxTokens   = 1024
	insightsTopN        = 5

	insightsSystemPrompt = "You are a competitive intelligence analyst. Provide clear, actionable insights."
	insightsFallback     = "Unable to generate insights at this time."
)

// BuildComparison derives the feature comparison between the profile and
// the given competitors. Feature names compare lowercased. Per competitor,
// the shared, advantage and gap lists partition the union of that
// competitor's features with the profile's; the pooled lists describe the
// whole field (features nobody else has, features only others have).
func BuildComparison(profile domain.CompanyProfile, competitors []domain.Competitor, generatedAt time.Time) domain.Comparison {
	userFeatures := featureSet(profile.Features)

	comparison := domain.Comparison{
		Company:     profile.Name,
		GeneratedAt: generatedAt.UTC().Format(time.RFC3339),
	}

	pooled := make(map[string]int)
	for _, competitor := range competitors {
		theirs := featureSet(competitor.Features)
		entry := domain.CompetitorComparison{Competitor: competitor.Name}
		for feature := range theirs {
			pooled[feature]++
			if _, shared := userFeatures[feature]; shared {
				entry.Shared = append(entry.Shared, feature)
			} else {
				entry.Gaps = append(entry.Gaps, feature)
			}
		}
		for feature := range userFeatures {
			if _, shared := theirs[feature]; !shared {
				entry.Advantages = append(entry.Advantages, feature)
			}
		}
		sort.Strings(entry.Shared)
		sort.Strings(entry.Advantages)
		sort.Strings(entry.Gaps)
		comparison.Competitors = append(comparison.Competitors, entry)
	}

	for feature := range userFeatures {
		if pooled[feature] == 0 {
			comparison.Advantages = append(comparison.Advantages, titleCase(feature)+" (unique to your company)")
		}
	}
	for feature, count := range pooled {
		if _, shared := userFeatures[feature]; !shared {
			comparison.Gaps = append(comparison.Gaps, fmt.Sprintf("%s (available in %d/%d competitors)", titleCase(feature), count, len(competitors)))
		}
	}
	sort.Strings(comparison.Advantages)
	sort.Strings(comparison.Gaps)
	return comparison
}

func featureSet(features []string) map[string]struct{} {
	set := make(map[string]struct{}, len(features))
	for _, feature := range features {
		if name := strings.ToLower(strings.TrimSpace(feature)); name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

type insightsCompany struct {
	Name         string `json:"name"`
	FeatureCount int    `json:"features_count"`
	PricingTiers int    `json:"pricing_tiers"`
}

type insightsSummary struct {
	YourCompany insightsCompany   `json:"your_company"`
	Competitors []insightsCompany `json:"competitors"`
	Advantages  []string          `json:"advantages"`
	Gaps        []string          `json:"gaps"`
}

// GenerateInsights asks the model for a strategic read of the comparison.
// Any failure degrades to a fixed notice so the comparison itself still
// renders.
func GenerateInsights(ctx context.Context, completer Completer, profile domain.CompanyProfile, competitors []domain.Competitor, comparison domain.Comparison) string {
	summary := insightsSummary{
		YourCompany: insightsCompany{
			Name:         profile.Name,
			FeatureCount: len(profile.Features),
			PricingTiers: len(profile.Pricing),
		},
		Advantages: topN(comparison.Advantages, insightsTopN),
		Gaps:       topN(comparison.Gaps, insightsTopN),
	}
	for _, competitor := range competitors {
		summary.Competitors = append(summary.Competitors, insightsCompany{
			Name:         competitor.Name,
			FeatureCount: len(competitor.Features),
			PricingTiers: len(competitor.Pricing),
		})
	}
	payload, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return insightsFallback
	}

	reply, err := completer.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: insightsSystemPrompt},
			{Role: llm.RoleUser, Content: insightsPrompt(payload)},
		},
		Temperature: insightsTemperature,
		MaxTokens:   insightsMaxTokens,
	})
	if err != nil || strings.TrimSpace(reply) == "" {
		log.Printf("event=insights_failed company=%s err=%v", profile.Name, err)
		return insightsFallback
	}
	return reply
}

func insightsPrompt(summary []byte) string {
	return fmt.Sprintf(`Analyze this competitive landscape and provide strategic insights.

%s

Provide:
1. Market Position Summary (2-3 sentences)
2. Key Strengths (2-3 points)
3. Areas for Improvement (2-3 points)
4. Strategic Recommendations (3-4 actionable items)

Be concise and actionable. Focus on insights that can drive business decisions.`, summary)
}

func topN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

// RenderComparison renders the comparison as a chat reply: a presence
// matrix over every observed feature, the pooled advantage and gap lists,
// and the generated insights.
func RenderComparison(comparison domain.Comparison) string {
	userHas := make(map[string]bool)
	has := make([]map[string]bool, len(comparison.Competitors))
	var features []string
	seen := make(map[string]struct{})
	record := func(feature string) {
		if _, dup := seen[feature]; !dup {
			seen[feature] = struct{}{}
			features = append(features, feature)
		}
	}
	for i, entry := range comparison.Competitors {
		has[i] = make(map[string]bool)
		for _, feature := range entry.Shared {
			record(feature)
			userHas[feature] = true
			has[i][feature] = true
		}
		for _, feature := range entry.Advantages {
			record(feature)
			userHas[feature] = true
		}
		for _, feature := range entry.Gaps {
			record(feature)
			has[i][feature] = true
		}
	}
	sort.Strings(features)

	var b strings.Builder
	b.WriteString("## Competitive Comparison: " + comparison.Company + "\n\n")

	if len(features) > 0 {
		b.WriteString("| Feature | " + comparison.Company)
		for _, entry := range comparison.Competitors {
			b.WriteString(" | " + entry.Competitor)
		}
		b.WriteString(" |\n|---|---")
		for range comparison.Competitors {
			b.WriteString("|---")
		}
		b.WriteString("|\n")
		for _, feature := range features {
			b.WriteString("| " + titleCase(feature) + " | " + mark(userHas[feature]))
			for i := range comparison.Competitors {
				b.WriteString(" | " + mark(has[i][feature]))
			}
			b.WriteString(" |\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("### Your Advantages\n\n")
	writeBullets(&b, comparison.Advantages, "None identified.")
	b.WriteString("\n### Feature Gaps\n\n")
	writeBullets(&b, comparison.Gaps, "None identified.")
	if comparison.Insights != "" {
		b.WriteString("\n### Strategic Insights\n\n")
		b.WriteString(comparison.Insights)
		b.WriteString("\n")
	}
	return b.String()
}

func mark(present bool) string {
	if present {
		return "yes"
	}
	return "no"
}

func writeBullets(b *strings.Builder, items []string, empty string) {
	if len(items) == 0 {
		b.WriteString(empty + "\n")
		return
	}
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
}
