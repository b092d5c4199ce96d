// Package commitmsg generates commit messages for a set of changed
// files, using the Anthropic API when a key is configured and a
// deterministic rule-based fallback otherwise.
package commitmsg

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/arif7esat/hadi/internal/config"
)

// Generator produces commit messages. The zero client (no API key) is
// fully functional: every call takes the fallback path.
type Generator struct {
	client      *anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	logger      *log.Logger
}

// New builds a Generator from cfg. The API key is read from the
// environment variable cfg.APIKeyEnv; when unset, generation is purely
// rule-based.
func New(cfg config.AIConfig, logger *log.Logger) *Generator {
	g := &Generator{
		model:       cfg.Model,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
		logger:      logger,
	}
	if key := os.Getenv(cfg.APIKeyEnv); key != "" {
		client := anthropic.NewClient(option.WithAPIKey(key))
		g.client = &client
	}
	return g
}

// Generate returns a commit message describing the changed files. An API
// failure degrades to the fallback message; Generate never blocks a
// commit on the network beyond ctx.
func (g *Generator) Generate(ctx context.Context, files []string) (string, error) {
	files = sortedCopy(files)
	if g.client == nil {
		return Fallback(files), nil
	}

	message, err := g.callAPI(ctx, files)
	if err != nil {
		g.logger.Printf("commitmsg: api call failed, using fallback: %v", err)
		return Fallback(files), nil
	}
	message = cleanMessage(message)
	if message == "" {
		return Fallback(files), nil
	}
	return message, nil
}

// callAPI asks the model for a single commit message.
func (g *Generator) callAPI(ctx context.Context, files []string) (string, error) {
	prompt := buildPrompt(files)

	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(g.model),
		MaxTokens:   g.maxTokens,
		Temperature: anthropic.Float(g.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages.new: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// buildPrompt summarizes the change set for the model.
func buildPrompt(files []string) string {
	var sb strings.Builder
	sb.WriteString("Write a git commit message for the following changed files.\n")
	sb.WriteString("Use the conventional commit format (feat:/fix:/docs:/chore:).\n")
	sb.WriteString("Respond with the commit message only, no explanation.\n\n")
	sb.WriteString("Changed files:\n")
	for _, f := range files {
		sb.WriteString("- " + f + "\n")
	}
	types := detectChangeTypes(files)
	sb.WriteString("\nDetected change types: " + strings.Join(types, ", ") + "\n")
	return sb.String()
}

// detectChangeTypes classifies the change set by file extension.
func detectChangeTypes(files []string) []string {
	seen := map[string]bool{}
	var types []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}

	for _, f := range files {
		switch strings.TrimPrefix(filepath.Ext(f), ".") {
		case "go", "py", "js", "ts", "java", "c", "cpp", "rs":
			add("source changes")
		case "json", "yaml", "yml", "toml", "xml":
			add("configuration changes")
		case "md", "txt", "rst":
			add("documentation changes")
		case "css", "scss", "sass":
			add("styling changes")
		case "html", "jsx", "tsx", "vue":
			add("UI changes")
		}
	}
	if len(types) == 0 {
		types = []string{"general changes"}
	}
	return types
}

// Fallback generates a rule-based commit message when AI is unavailable.
func Fallback(files []string) string {
	if len(files) == 0 {
		return "chore: update project files"
	}

	if len(files) == 1 {
		name := filepath.Base(files[0])
		switch filepath.Ext(name) {
		case ".md", ".rst", ".txt":
			return "docs: update " + name
		case ".go", ".py", ".js", ".ts", ".java", ".rs":
			return "feat: update " + name
		default:
			return "chore: update " + name
		}
	}

	exts := map[string]bool{}
	for _, f := range files {
		exts[filepath.Ext(f)] = true
	}
	switch {
	case exts[".md"]:
		return fmt.Sprintf("docs: update documentation (%d files)", len(files))
	case exts[".go"] || exts[".py"] || exts[".js"] || exts[".ts"] || exts[".java"]:
		return fmt.Sprintf("feat: update source code (%d files)", len(files))
	default:
		return fmt.Sprintf("chore: update project files (%d files)", len(files))
	}
}

// cleanMessage strips quoting and clamps the summary line to git's
// conventional limits.
func cleanMessage(message string) string {
	message = strings.TrimSpace(message)
	message = strings.Trim(message, `"'`)
	if message == "" {
		return ""
	}

	lines := strings.Split(message, "\n")
	if len(lines) == 1 {
		return clamp(lines[0], 72)
	}

	summary := clamp(lines[0], 72)
	body := strings.TrimSpace(strings.Join(lines[1:], "\n"))
	if body == "" {
		return summary
	}
	return summary + "\n\n" + body
}

// clamp truncates s to at most n characters.
func clamp(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// sortedCopy keeps message generation deterministic for a given change
// set regardless of map iteration order upstream.
func sortedCopy(files []string) []string {
	out := make([]string, len(files))
	copy(out, files)
	sort.Strings(out)
	return out
}
