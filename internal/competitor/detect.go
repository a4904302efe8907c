package competitor

import (
	"strings"
	"unicode"

	"scout/backend/internal/intent"
)

// Action is a detected competitor sub-intent.
type Action string

const (
	ActionNone       Action = ""
	ActionDiscover   Action = "discover"
	ActionScrape     Action = "scrape"
	ActionCompare    Action = "compare"
	ActionAdvantages Action = "advantages"
	ActionGaps       Action = "gaps"
)

// actionOrder fixes the tie-break: on equal scores the earlier action wins,
// so a message matching only "competitors" lands on discovery, the entry
// state of the workflow.
var actionOrder = []Action{ActionDiscover, ActionScrape, ActionCompare, ActionAdvantages, ActionGaps}

// DetectAction scores the message against the policy vocabulary. A strong
// phrase counts 2 and a weak word 1; confidence is score/(score+2), so a
// single strong phrase reaches 0.5 and a lone weak word stays below it.
func DetectAction(message string, vocabulary map[string]intent.ActionKeywords) (Action, float64) {
	lowered := strings.ToLower(message)
	words := tokenize(lowered)

	best, bestScore := ActionNone, 0
	for _, action := range actionOrder {
		keywords, ok := vocabulary[string(action)]
		if !ok {
			continue
		}
		score := 0
		for _, phrase := range keywords.Strong {
			phrase = strings.ToLower(strings.TrimSpace(phrase))
			if phrase != "" && strings.Contains(lowered, phrase) {
				score += 2
			}
		}
		for _, word := range keywords.Weak {
			word = strings.ToLower(strings.TrimSpace(word))
			if word == "" {
				continue
			}
			if strings.ContainsRune(word, ' ') {
				if strings.Contains(lowered, word) {
					score++
				}
				continue
			}
			if _, ok := words[word]; ok {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = action, score
		}
	}
	if bestScore == 0 {
		return ActionNone, 0
	}
	return best, float64(bestScore) / float64(bestScore+2)
}

// tokenize splits on anything that is not a letter or digit so single weak
// words match whole words only ("vs" never fires inside "canvas").
func tokenize(lowered string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[word] = struct{}{}
	}
	return words
}
