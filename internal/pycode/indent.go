package pycode

import "strings"

const indentSize = 4

var dedentPrefixes = []string{"elif ", "else:", "except ", "except:", "finally:"}

// RepairIndentation rebuilds block indentation with a one-pass state
// machine. A line ending in ":" queues an indent for the next statement;
// dedent keywords drop one level for themselves and re-queue the indent;
// blank and comment lines pass through untouched. Indentation on ordinary
// lines is discarded and rebuilt, so running the repair on its own output
// changes nothing.
func RepairIndentation(code string) string {
	lines := strings.Split(code, "\n")
	fixed := make([]string, 0, len(lines))
	indentLevel := 0
	pendingIndent := false

	for _, line := range lines {
		stripped := strings.TrimLeft(line, " \t")

		if stripped == "" || strings.HasPrefix(stripped, "#") {
			fixed = append(fixed, line)
			continue
		}

		isDedent := hasDedentPrefix(stripped)

		if pendingIndent && !isDedent {
			indentLevel += indentSize
			pendingIndent = false
		}
		if isDedent {
			indentLevel -= indentSize
			if indentLevel < 0 {
				indentLevel = 0
			}
		}

		fixed = append(fixed, strings.Repeat(" ", indentLevel)+stripped)

		pendingIndent = strings.HasSuffix(stripped, ":")
	}

	return strings.Join(fixed, "\n")
}

func hasDedentPrefix(stripped string) bool {
	for _, prefix := range dedentPrefixes {
		if strings.HasPrefix(stripped, prefix) {
			return true
		}
	}
	return false
}
