package pycode

import (
	"fmt"
	"strings"
)

type SyntaxError struct {
	Line int
	Msg  string
}

func (e *SyntaxError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

type bracketOpen struct {
	ch   byte
	line int
}

// Check runs a static scan over generated source. It is not a parser; it
// catches the failure shapes models actually produce: unbalanced or
// mismatched brackets, unterminated strings, tab/space mixing, and a block
// opener with no indented body. Strings and comments are skipped when
// counting brackets.
func Check(src string) error {
	if strings.TrimSpace(src) == "" {
		return &SyntaxError{Line: 1, Msg: "code is empty"}
	}

	lines := strings.Split(src, "\n")
	var stack []bracketOpen
	inTriple := false
	tripleQuote := byte(0)

	pendingBlock := false
	blockLine := 0
	blockIndent := 0

	for idx, line := range lines {
		lineNo := idx + 1
		stripped := strings.TrimLeft(line, " \t")
		if !inTriple && stripped != "" && !strings.HasPrefix(stripped, "#") {
			leading := line[:len(line)-len(stripped)]
			if strings.Contains(leading, " ") && strings.Contains(leading, "\t") {
				return &SyntaxError{Line: lineNo, Msg: "inconsistent use of tabs and spaces in indentation"}
			}
			if pendingBlock && len(stack) == 0 {
				if len(leading) <= blockIndent && !hasDedentPrefix(stripped) {
					return &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("expected an indented block after line %d", blockLine)}
				}
				pendingBlock = false
			}
		}

		codeEnd, err := scanLine(line, lineNo, &stack, &inTriple, &tripleQuote)
		if err != nil {
			return err
		}

		if !inTriple && stripped != "" && !strings.HasPrefix(stripped, "#") {
			code := strings.TrimRight(codeEnd, " \t")
			if strings.HasSuffix(code, ":") && len(stack) == 0 {
				pendingBlock = true
				blockLine = lineNo
				blockIndent = len(line) - len(stripped)
			}
		}
	}

	if inTriple {
		return &SyntaxError{Line: len(lines), Msg: "unterminated triple-quoted string"}
	}
	if len(stack) > 0 {
		open := stack[len(stack)-1]
		return &SyntaxError{Line: open.line, Msg: fmt.Sprintf("unclosed %q", string(open.ch))}
	}
	if pendingBlock {
		return &SyntaxError{Line: len(lines), Msg: fmt.Sprintf("expected an indented block after line %d", blockLine)}
	}
	return nil
}

// scanLine walks one line, updating the bracket stack and string state, and
// returns the line's code content with string literals and comments blanked.
func scanLine(line string, lineNo int, stack *[]bracketOpen, inTriple *bool, tripleQuote *byte) (string, error) {
	var code strings.Builder
	i := 0
	for i < len(line) {
		ch := line[i]

		if *inTriple {
			if ch == *tripleQuote && strings.HasPrefix(line[i:], strings.Repeat(string(*tripleQuote), 3)) {
				*inTriple = false
				i += 3
				continue
			}
			i++
			continue
		}

		switch ch {
		case '#':
			return code.String(), nil
		case '\'', '"':
			if strings.HasPrefix(line[i:], strings.Repeat(string(ch), 3)) {
				*inTriple = true
				*tripleQuote = ch
				i += 3
				// an immediately-closed empty triple string
				if end := strings.Index(line[i:], strings.Repeat(string(ch), 3)); end >= 0 {
					*inTriple = false
					i += end + 3
				} else {
					i = len(line)
				}
				continue
			}
			end, ok := scanSingleLineString(line, i, ch)
			if !ok {
				if strings.HasSuffix(line, "\\") {
					// explicit line continuation inside a string, let it pass
					return code.String(), nil
				}
				return "", &SyntaxError{Line: lineNo, Msg: "unterminated string literal"}
			}
			i = end
			continue
		case '(', '[', '{':
			*stack = append(*stack, bracketOpen{ch: ch, line: lineNo})
			code.WriteByte(ch)
		case ')', ']', '}':
			if len(*stack) == 0 {
				return "", &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("unbalanced %q", string(ch))}
			}
			top := (*stack)[len(*stack)-1]
			if matchingBracket(top.ch) != ch {
				return "", &SyntaxError{Line: lineNo, Msg: fmt.Sprintf("mismatched %q, expected %q", string(ch), string(matchingBracket(top.ch)))}
			}
			*stack = (*stack)[:len(*stack)-1]
			code.WriteByte(ch)
		default:
			code.WriteByte(ch)
		}
		i++
	}
	return code.String(), nil
}

func scanSingleLineString(line string, start int, quote byte) (int, bool) {
	i := start + 1
	for i < len(line) {
		switch line[i] {
		case '\\':
			i += 2
			continue
		case quote:
			return i + 1, true
		}
		i++
	}
	return 0, false
}

func matchingBracket(open byte) byte {
	switch open {
	case '(':
		return ')'
	case '[':
		return ']'
	default:
		return '}'
	}
}
