// Package pycode recovers runnable Python source from model replies:
// fenced-block extraction, indentation repair, and a lightweight syntax
// check used before anything is sent to the sandbox.
package pycode

import (
	"regexp"
	"strings"
)

var (
	taggedFence          = regexp.MustCompile("(?s)```python\n(.*?)```")
	plainFence           = regexp.MustCompile("(?s)```\n(.*?)```")
	taggedFenceNoNewline = regexp.MustCompile("(?s)```python(.*?)```")
	plainFenceNoNewline  = regexp.MustCompile("(?s)```(.*?)```")
)

var analysisLibs = []string{"pandas", "matplotlib", "numpy"}

// Extract pulls code out of a reply, trying fence shapes first and falling
// back to treating the whole reply as code when it reads like a script.
// The returned source is indentation-repaired.
func Extract(text string) (string, bool) {
	for _, re := range []*regexp.Regexp{taggedFence, plainFence, taggedFenceNoNewline, plainFenceNoNewline} {
		if m := re.FindStringSubmatch(text); m != nil {
			code := strings.TrimSpace(m[1])
			if code == "" {
				continue
			}
			return RepairIndentation(code), true
		}
	}
	if looksLikeScript(text) {
		return RepairIndentation(strings.TrimSpace(text)), true
	}
	if looksLikeDataFrameCalls(text) {
		return RepairIndentation(strings.TrimSpace(text)), true
	}
	return "", false
}

func looksLikeScript(text string) bool {
	if !strings.Contains(text, "import") {
		return false
	}
	for _, lib := range analysisLibs {
		if strings.Contains(text, lib) {
			return true
		}
	}
	return false
}

func looksLikeDataFrameCalls(text string) bool {
	if strings.Count(strings.TrimSpace(text), "\n") < 2 {
		return false
	}
	for _, marker := range []string{"df.", "pd.", "plt."} {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
