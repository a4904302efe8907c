package competitor

import (
	"context"
	"fmt"
	"log"

	"scout/backend/internal/domain"
	"scout/backend/internal/intent"
	"scout/backend/internal/llm"
)

const (
	extractTemperature    = 0.1
	extractPricingTokens  = 2048
	extractFeaturesTokens = 2048
	extractCompanyTokens  = 512

	extractSystemPrompt = "You are a data extraction expert. Extract structured data from HTML and return valid JSON only."
)

// Completer is the slice of the llm client this package uses directly.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Extractor turns scraped page text into structured competitor fields.
// Every reply goes through loose JSON recovery; an unusable reply degrades
// to the typed zero value, never an error.
type Extractor struct {
	llm    Completer
	budget int
}

func NewExtractor(completer Completer, policy intent.Policy) *Extractor {
	return &Extractor{llm: completer, budget: policy.ScrapeBudget}
}

// CompanyInfo is the homepage-level summary extracted for a competitor.
type CompanyInfo struct {
	Name        string `json:"company_name"`
	Description string `json:"description"`
	Industry    string `json:"industry"`
}

// ExtractPricing returns the tiers advertised on a pricing page. An
// unparseable or failed reply is an empty list.
func (e *Extractor) ExtractPricing(ctx context.Context, pageText, url string) []domain.PricingTier {
	reply, err := e.complete(ctx, pricingPrompt(pageText, url, e.budget), extractPricingTokens)
	if err != nil {
		log.Printf("event=extract_pricing_failed url=%s err=%v", url, err)
		return nil
	}
	var decoded struct {
		Tiers []struct {
			Name          string      `json:"name"`
			Price         interface{} `json:"price"`
			BillingPeriod string      `json:"billing_period"`
			Billing       string      `json:"billing"`
			Features      interface{} `json:"features"`
		} `json:"tiers"`
	}
	if !llm.DecodeLoose(reply, &decoded) {
		log.Printf("event=extract_pricing_unparseable url=%s", url)
		return nil
	}
	tiers := make([]domain.PricingTier, 0, len(decoded.Tiers))
	for _, tier := range decoded.Tiers {
		period := tier.BillingPeriod
		if period == "" {
			period = tier.Billing
		}
		tiers = append(tiers, domain.PricingTier{
			Name:     tier.Name,
			Price:    priceString(tier.Price),
			Period:   period,
			Features: normalizeFeatures(tier.Features),
		})
	}
	return tiers
}

// ExtractFeatures returns the feature names advertised on a features page.
// Structured replies ({"features": [{"name": ...}]}) and bare string lists
// both reduce to plain names.
func (e *Extractor) ExtractFeatures(ctx context.Context, pageText, url string) []string {
	reply, err := e.complete(ctx, featuresPrompt(pageText, url, e.budget), extractFeaturesTokens)
	if err != nil {
		log.Printf("event=extract_features_failed url=%s err=%v", url, err)
		return nil
	}
	var decoded struct {
		Features interface{} `json:"features"`
	}
	if !llm.DecodeLoose(reply, &decoded) {
		log.Printf("event=extract_features_unparseable url=%s", url)
		return nil
	}
	return normalizeFeatures(decoded.Features)
}

// ExtractCompanyInfo returns the name, description and industry stated on a
// homepage; missing or unparseable fields stay empty.
func (e *Extractor) ExtractCompanyInfo(ctx context.Context, pageText, url string) CompanyInfo {
	reply, err := e.complete(ctx, companyInfoPrompt(pageText, url, e.budget), extractCompanyTokens)
	if err != nil {
		log.Printf("event=extract_company_failed url=%s err=%v", url, err)
		return CompanyInfo{}
	}
	var decoded CompanyInfo
	if !llm.DecodeLoose(reply, &decoded) {
		log.Printf("event=extract_company_unparseable url=%s", url)
		return CompanyInfo{}
	}
	return decoded
}

func (e *Extractor) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return e.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: extractSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		Temperature: extractTemperature,
		MaxTokens:   maxTokens,
	})
}

func pricingPrompt(pageText, url string, budget int) string {
	return fmt.Sprintf(`You are analyzing a pricing page. Extract all pricing tiers and their details.

URL: %s

Page content (first %d chars):
%s

Extract pricing information and return ONLY valid JSON in this exact format:
{
  "tiers": [
    {
      "name": "Starter",
      "price": "$49",
      "billing_period": "monthly",
      "features": ["Feature 1", "Feature 2"]
    }
  ]
}

IMPORTANT:
- Extract ALL pricing tiers you find
- Include the currency symbol in price (e.g., "$49", "Free")
- billing_period should be: "monthly", "yearly", "annual", "one-time", or "custom"
- List key features included in each tier
- If no pricing found, return: {"tiers": []}

Return ONLY the JSON, no explanations.`, url, budget, truncateRunes(pageText, budget))
}

func featuresPrompt(pageText, url string, budget int) string {
	return fmt.Sprintf(`You are analyzing a product features page. Extract all product features mentioned.

URL: %s

Page content (first %d chars):
%s

Extract features and return ONLY valid JSON in this exact format:
{
  "features": [
    {
      "name": "Feature Name",
      "description": "Brief description if available",
      "category": "Category if mentioned"
    }
  ]
}

IMPORTANT:
- Extract ALL features mentioned on the page
- Include description if available (can be empty string if not)
- Include category if mentioned (can be empty string if not)
- If no features found, return: {"features": []}

Return ONLY the JSON, no explanations.`, url, budget, truncateRunes(pageText, budget))
}

func companyInfoPrompt(pageText, url string, budget int) string {
	return fmt.Sprintf(`You are analyzing a company website. Extract basic company information.

URL: %s

Page content (first %d chars):
%s

Extract company information and return ONLY valid JSON in this exact format:
{
  "company_name": "Company Name",
  "description": "Brief description of what the company does",
  "industry": "Industry or category"
}

IMPORTANT:
- Extract the company name from the page
- Write a brief 1-2 sentence description
- Identify the industry/category
- If information not found, use empty strings

Return ONLY the JSON, no explanations.`, url, budget, truncateRunes(pageText, budget))
}
