package competitor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"scout/backend/internal/domain"
)

// ValidationError lists every problem found in a submitted company profile.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid company profile: " + strings.Join(e.Problems, "; ")
}

// ParseProfile decodes a submitted company profile. The accepted shape is
// deliberately permissive because client payloads drifted across revisions:
// the name arrives under "name" or "company_name", features arrive as plain
// strings, named objects or one comma-joined string, and pricing arrives as
// a tier list, a {"tiers": []} wrapper or a map keyed by tier name. A
// profile needs a name, an industry and at least one of features or pricing.
func ParseProfile(raw []byte) (domain.CompanyProfile, error) {
	var loose map[string]interface{}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return domain.CompanyProfile{}, &ValidationError{Problems: []string{"body is not a JSON object"}}
	}

	profile := domain.CompanyProfile{
		Name:         firstString(loose, "name", "company_name"),
		Industry:     firstString(loose, "industry"),
		Description:  firstString(loose, "description"),
		Website:      firstString(loose, "website"),
		TargetMarket: firstString(loose, "target_market"),
		Features:     normalizeFeatures(loose["features"]),
		Pricing:      normalizePricing(loose["pricing"]),
	}

	var problems []string
	if profile.Name == "" {
		problems = append(problems, "missing required field: company_name")
	}
	if profile.Industry == "" {
		problems = append(problems, "missing required field: industry")
	}
	if len(problems) == 0 && len(profile.Features) == 0 && len(profile.Pricing) == 0 {
		problems = append(problems, "must have at least one of: features, pricing")
	}
	if len(problems) > 0 {
		return domain.CompanyProfile{}, &ValidationError{Problems: problems}
	}
	return profile, nil
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// normalizeFeatures accepts ["a", "b"], [{"name": "a"}, ...] and "a, b".
func normalizeFeatures(v interface{}) []string {
	var features []string
	switch value := v.(type) {
	case []interface{}:
		for _, item := range value {
			switch feature := item.(type) {
			case string:
				if name := strings.TrimSpace(feature); name != "" {
					features = append(features, name)
				}
			case map[string]interface{}:
				if name := firstString(feature, "name"); name != "" {
					features = append(features, name)
				}
			}
		}
	case string:
		for _, part := range strings.Split(value, ",") {
			if name := strings.TrimSpace(part); name != "" {
				features = append(features, name)
			}
		}
	}
	return features
}

// normalizePricing accepts {"tiers": [...]}, a bare tier list and a map of
// tier objects keyed by tier name. Keyed maps are emitted in key order so
// the result is deterministic.
func normalizePricing(v interface{}) []domain.PricingTier {
	switch value := v.(type) {
	case []interface{}:
		return tiersFromList(value)
	case map[string]interface{}:
		if tiers, ok := value["tiers"].([]interface{}); ok {
			return tiersFromList(tiers)
		}
		keys := make([]string, 0, len(value))
		for key := range value {
			if _, ok := value[key].(map[string]interface{}); ok {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		var tiers []domain.PricingTier
		for _, key := range keys {
			tier := value[key].(map[string]interface{})
			name := firstString(tier, "name")
			if name == "" {
				name = titleCase(key)
			}
			tiers = append(tiers, tierFrom(name, tier))
		}
		return tiers
	}
	return nil
}

func tiersFromList(items []interface{}) []domain.PricingTier {
	var tiers []domain.PricingTier
	for _, item := range items {
		tier, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		tiers = append(tiers, tierFrom(firstString(tier, "name"), tier))
	}
	return tiers
}

func tierFrom(name string, m map[string]interface{}) domain.PricingTier {
	period := firstString(m, "billing_period", "billing", "period")
	if period == "" {
		period = "monthly"
	}
	return domain.PricingTier{
		Name:     name,
		Price:    priceString(m["price"]),
		Period:   period,
		Features: normalizeFeatures(m["features"]),
	}
}

func priceString(v interface{}) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", value)
	}
}
