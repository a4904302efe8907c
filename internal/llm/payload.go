package llm

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeLoose recovers a JSON payload from a model reply. Strict decode
// first, then a repaired decode, then the first balanced object or array
// found in the text. Returns false when nothing decodes; the caller keeps
// its typed zero value. Never returns an error.
func DecodeLoose(raw string, out interface{}) bool {
	candidate := stripFences(strings.TrimSpace(raw))
	if candidate == "" {
		return false
	}
	if decodeStrictOrRepaired(candidate, out) {
		return true
	}
	if slice, ok := firstBalanced(candidate, '{', '}'); ok {
		if decodeStrictOrRepaired(slice, out) {
			return true
		}
	}
	if slice, ok := firstBalanced(candidate, '[', ']'); ok {
		if decodeStrictOrRepaired(slice, out) {
			return true
		}
	}
	return false
}

func decodeStrictOrRepaired(candidate string, out interface{}) bool {
	if json.Unmarshal([]byte(candidate), out) == nil {
		return true
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return false
	}
	return json.Unmarshal([]byte(repaired), out) == nil
}

func stripFences(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return text
}

// firstBalanced returns the first balanced opener..closer span, skipping
// brackets inside JSON strings.
func firstBalanced(text string, opener, closer byte) (string, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if start >= 0 {
				inString = true
			}
		case opener:
			if start < 0 {
				start = i
			}
			depth++
		case closer:
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
