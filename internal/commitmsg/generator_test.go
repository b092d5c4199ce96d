package commitmsg

import (
	"context"
	"io"
	"log"
	"strings"
	"testing"

	"github.com/arif7esat/hadi/internal/config"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestGenerateWithoutAPIKeyUsesFallback(t *testing.T) {
	cfg := config.Default().AI
	cfg.APIKeyEnv = "HADI_TEST_NO_SUCH_KEY"

	g := New(cfg, testLogger())
	msg, err := g.Generate(context.Background(), []string{"main.go"})
	if err != nil {
		t.Fatal(err)
	}
	if msg != "feat: update main.go" {
		t.Errorf("message = %q", msg)
	}
}

func TestFallbackSingleFile(t *testing.T) {
	cases := []struct {
		file string
		want string
	}{
		{"README.md", "docs: update README.md"},
		{"main.go", "feat: update main.go"},
		{"app.py", "feat: update app.py"},
		{"data.bin", "chore: update data.bin"},
	}
	for _, tc := range cases {
		if got := Fallback([]string{tc.file}); got != tc.want {
			t.Errorf("Fallback([%s]) = %q, want %q", tc.file, got, tc.want)
		}
	}
}

func TestFallbackMultipleFiles(t *testing.T) {
	got := Fallback([]string{"a.go", "b.go", "c.go"})
	if got != "feat: update source code (3 files)" {
		t.Errorf("Fallback = %q", got)
	}

	got = Fallback([]string{"guide.md", "intro.md"})
	if got != "docs: update documentation (2 files)" {
		t.Errorf("Fallback = %q", got)
	}

	got = Fallback(nil)
	if got != "chore: update project files" {
		t.Errorf("Fallback(nil) = %q", got)
	}
}

func TestCleanMessage(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"quotes stripped", `"feat: add thing"`, "feat: add thing"},
		{"whitespace trimmed", "  fix: bug  ", "fix: bug"},
		{"empty", "   ", ""},
		{
			"multi line keeps body",
			"feat: add parser\nHandles edge cases.",
			"feat: add parser\n\nHandles edge cases.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cleanMessage(tc.in); got != tc.want {
				t.Errorf("cleanMessage(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCleanMessageClampsSummary(t *testing.T) {
	long := strings.Repeat("x", 200)
	got := cleanMessage(long)
	if len(got) > 72 {
		t.Errorf("summary length = %d, want <= 72", len(got))
	}
}

func TestDetectChangeTypes(t *testing.T) {
	types := detectChangeTypes([]string{"a.go", "b.md", "c.css"})
	joined := strings.Join(types, ",")
	for _, want := range []string{"source changes", "documentation changes", "styling changes"} {
		if !strings.Contains(joined, want) {
			t.Errorf("detectChangeTypes missing %q in %v", want, types)
		}
	}

	types = detectChangeTypes([]string{"mystery.xyz"})
	if len(types) != 1 || types[0] != "general changes" {
		t.Errorf("unknown extension should yield general changes, got %v", types)
	}
}

func TestBuildPromptMentionsFiles(t *testing.T) {
	prompt := buildPrompt([]string{"internal/a.go", "docs/b.md"})
	if !strings.Contains(prompt, "internal/a.go") || !strings.Contains(prompt, "docs/b.md") {
		t.Error("prompt does not list the changed files")
	}
	if !strings.Contains(prompt, "commit message") {
		t.Error("prompt does not ask for a commit message")
	}
}
