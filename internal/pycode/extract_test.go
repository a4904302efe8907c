package pycode

import (
	"strings"
	"testing"
)

func TestExtractTaggedFence(t *testing.T) {
	t.Parallel()
	reply := "Here is the analysis:\n```python\nimport pandas as pd\nprint(df.head())\n```\nLet me know."
	code, ok := Extract(reply)
	if !ok {
		t.Fatalf("expected code")
	}
	if code != "import pandas as pd\nprint(df.head())" {
		t.Fatalf("unexpected code: %q", code)
	}
}

func TestExtractPrefersTaggedOverPlainFence(t *testing.T) {
	t.Parallel()
	reply := "```\nnot this\n```\n```python\nprint('this')\n```"
	code, ok := Extract(reply)
	if !ok || code != "print('this')" {
		t.Fatalf("unexpected code: %q ok=%v", code, ok)
	}
}

func TestExtractPlainFence(t *testing.T) {
	t.Parallel()
	reply := "```\nprint('hello')\n```"
	code, ok := Extract(reply)
	if !ok || code != "print('hello')" {
		t.Fatalf("unexpected code: %q ok=%v", code, ok)
	}
}

func TestExtractFenceWithoutNewline(t *testing.T) {
	t.Parallel()
	code, ok := Extract("```python print('tight')```")
	if !ok || code != "print('tight')" {
		t.Fatalf("unexpected code: %q ok=%v", code, ok)
	}
}

func TestExtractWholeReplyWithImports(t *testing.T) {
	t.Parallel()
	reply := "import pandas as pd\ndf = pd.read_csv('data.csv')\nprint(df.shape)"
	code, ok := Extract(reply)
	if !ok {
		t.Fatalf("expected code")
	}
	if !strings.HasPrefix(code, "import pandas") {
		t.Fatalf("unexpected code: %q", code)
	}
}

func TestExtractDataFrameHeuristicNeedsThreeLines(t *testing.T) {
	t.Parallel()
	if _, ok := Extract("df.head()\nprint(1)"); ok {
		t.Fatalf("two-line reply should not match the dataframe heuristic")
	}
	code, ok := Extract("df = load()\ndf.head()\nprint(df)")
	if !ok || !strings.Contains(code, "df.head()") {
		t.Fatalf("three-line dataframe reply should match, got %q ok=%v", code, ok)
	}
}

func TestExtractNoCode(t *testing.T) {
	t.Parallel()
	if code, ok := Extract("I cannot help with that request."); ok {
		t.Fatalf("expected no code, got %q", code)
	}
}

func TestExtractNormalizesIndentation(t *testing.T) {
	t.Parallel()
	reply := "```python\nif x:\nprint('yes')\n```"
	code, ok := Extract(reply)
	if !ok {
		t.Fatalf("expected code")
	}
	if code != "if x:\n    print('yes')" {
		t.Fatalf("indentation not repaired: %q", code)
	}
}
