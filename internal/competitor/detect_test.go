package competitor

import (
	"math"
	"testing"

	"scout/backend/internal/intent"
)

func TestStrongPhraseReachesThreshold(t *testing.T) {
	t.Parallel()

	action, confidence := DetectAction("Please find competitors for my product", intent.DefaultPolicy().CompetitorAction)
	if action != ActionDiscover {
		t.Fatalf("action = %s, want %s", action, ActionDiscover)
	}
	// strong "find competitors" plus the weak word "competitors"
	if math.Abs(confidence-0.6) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.6", confidence)
	}
}

func TestWeakWordAloneStaysBelowThreshold(t *testing.T) {
	t.Parallel()

	policy := intent.DefaultPolicy()
	action, confidence := DetectAction("how is the competition doing", policy.CompetitorAction)
	if action != ActionDiscover {
		t.Fatalf("action = %s, want %s", action, ActionDiscover)
	}
	if confidence >= policy.MinConfidence {
		t.Fatalf("confidence = %v, want below %v", confidence, policy.MinConfidence)
	}
}

func TestHighestScoringActionWins(t *testing.T) {
	t.Parallel()

	// "our advantages" scores 3 for advantages; "versus" and "rivals" give
	// compare and discover 1 each
	action, confidence := DetectAction("what are our advantages versus rivals", intent.DefaultPolicy().CompetitorAction)
	if action != ActionAdvantages {
		t.Fatalf("action = %s, want %s", action, ActionAdvantages)
	}
	if confidence < 0.5 {
		t.Fatalf("confidence = %v, want at least 0.5", confidence)
	}
}

func TestTiesBreakTowardDiscovery(t *testing.T) {
	t.Parallel()

	// one weak word each for discover and advantages
	action, _ := DetectAction("any competitors strengths to note", intent.DefaultPolicy().CompetitorAction)
	if action != ActionDiscover {
		t.Fatalf("action = %s, want %s", action, ActionDiscover)
	}
}

func TestComparePhrasesRouteToCompare(t *testing.T) {
	t.Parallel()

	action, confidence := DetectAction("How do we compare against Acme?", intent.DefaultPolicy().CompetitorAction)
	if action != ActionCompare {
		t.Fatalf("action = %s, want %s", action, ActionCompare)
	}
	if confidence < 0.5 {
		t.Fatalf("confidence = %v, want at least 0.5", confidence)
	}
}

func TestWeakWordsMatchWholeWordsOnly(t *testing.T) {
	t.Parallel()

	// "vs" must not fire inside "canvas" or "investors"
	action, confidence := DetectAction("our canvas app for investors", intent.DefaultPolicy().CompetitorAction)
	if action != ActionNone || confidence != 0 {
		t.Fatalf("got (%s, %v), want (%s, 0)", action, confidence, ActionNone)
	}
}

func TestEmptyVocabularyDetectsNothing(t *testing.T) {
	t.Parallel()

	action, confidence := DetectAction("find competitors", nil)
	if action != ActionNone || confidence != 0 {
		t.Fatalf("got (%s, %v), want (%s, 0)", action, confidence, ActionNone)
	}
}
