// Package memory implements the knowledge sources consumed by the
// context builder. Each source is independently unreliable; remote ones
// are wrapped with Guarded so an outage short-circuits instead of
// burning the per-source timeout on every build.
package memory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"overseer/internal/domain"
)

// FactsSource serves durable operator-curated facts from a local
// markdown file. It is the highest-priority context band.
type FactsSource struct {
	path     string
	maxChars int
}

var _ domain.KnowledgeSource = (*FactsSource)(nil)

// NewFactsSource creates a FactsSource reading path on every lookup so
// edits take effect without a restart. maxChars <= 0 means unlimited.
func NewFactsSource(path string, maxChars int) *FactsSource {
	return &FactsSource{path: path, maxChars: maxChars}
}

func (s *FactsSource) Name() string { return "core_facts" }

func (s *FactsSource) Lookup(_ context.Context, _ string) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", fmt.Errorf("read facts file: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", nil
	}
	if s.maxChars > 0 && len(content) > s.maxChars {
		content = content[:s.maxChars]
	}
	return "## Durable Facts\n" + content + "\n", nil
}
