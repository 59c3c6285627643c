// Package contextbuild assembles the knowledge context for one
// invocation from several independently unreliable sources. A failed
// source degrades the context; it never aborts the build.
package contextbuild

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"overseer/internal/domain"
)

// Default assembly settings.
const (
	DefaultSourceTimeout = 6 * time.Second
	DefaultMaxChars      = 24000
)

// Config holds assembly settings.
type Config struct {
	// SourceTimeout bounds each individual lookup.
	SourceTimeout time.Duration
	// MaxChars is the hard ceiling on the assembled context. Lowest
	// priority content is truncated first.
	MaxChars int
	// DegradationNotice controls whether failed sources are announced to
	// the downstream agent.
	DegradationNotice bool
}

// Builder queries its sources in parallel and concatenates their output
// in priority order (the order sources were supplied: durable facts
// first, then recent conversation, then semantic recall).
type Builder struct {
	cfg     Config
	sources []domain.KnowledgeSource
	logger  *slog.Logger
}

// New creates a Builder. Sources must be supplied highest priority first.
func New(cfg Config, sources []domain.KnowledgeSource, logger *slog.Logger) *Builder {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	return &Builder{cfg: cfg, sources: sources, logger: logger}
}

type band struct {
	name    string
	content string
}

type lookupOutcome struct {
	content string
	err     error
}

// Build assembles the context block for prompt. Lookups run concurrently,
// each bounded by the per-source timeout. Sources that fail, time out, or
// are short-circuited by an open breaker end up in failedSources and
// contribute nothing. When a session id is present, recent-history
// formatting is skipped: continuity lives inside the external process's
// own session state.
func (b *Builder) Build(ctx context.Context, prompt string, history []domain.Message, sessionID string) (string, []string) {
	results := make([]lookupOutcome, len(b.sources))

	done := make(chan int, len(b.sources))
	for i, src := range b.sources {
		go func(i int, src domain.KnowledgeSource) {
			defer func() { done <- i }()
			results[i] = b.lookupOne(ctx, src, prompt)
		}(i, src)
	}
	for range b.sources {
		<-done
	}

	var failed []string
	var bands []band
	for i, src := range b.sources {
		if results[i].err != nil {
			b.logger.Warn("context source failed",
				"source", src.Name(), "error", results[i].err)
			failed = append(failed, src.Name())
			continue
		}
		if results[i].content != "" {
			bands = append(bands, band{name: src.Name(), content: results[i].content})
		}
	}

	if sessionID == "" && len(history) > 0 {
		bands = append(bands, band{name: "history", content: formatHistory(history)})
	}

	notice := ""
	if len(failed) > 0 && b.cfg.DegradationNotice {
		notice = degradationNotice(failed)
	}

	return assemble(bands, notice, b.cfg.MaxChars), failed
}

// lookupOne runs a single source lookup under the per-source timeout.
// The result travels through a channel so a lookup that ignores its
// context and finishes late cannot race the builder.
func (b *Builder) lookupOne(ctx context.Context, src domain.KnowledgeSource, prompt string) lookupOutcome {
	cctx, cancel := context.WithTimeout(ctx, b.cfg.SourceTimeout)
	defer cancel()

	ch := make(chan lookupOutcome, 1)
	go func() {
		content, err := src.Lookup(cctx, prompt)
		ch <- lookupOutcome{content: content, err: err}
	}()

	select {
	case out := <-ch:
		return out
	case <-cctx.Done():
		return lookupOutcome{err: fmt.Errorf("source %s: %w", src.Name(), domain.ErrTimeout)}
	}
}

// assemble concatenates bands in priority order under the character
// ceiling. The notice is reserved first; then earlier (higher priority)
// bands consume budget before later ones, so the lowest-priority content
// is truncated or dropped first.
func assemble(bands []band, notice string, maxChars int) string {
	budget := maxChars - len(notice)

	var sb strings.Builder
	for _, bd := range bands {
		if budget <= 0 {
			break
		}
		content := bd.content
		if len(content) > budget {
			content = content[:budget]
		}
		sb.WriteString(content)
		if !strings.HasSuffix(content, "\n") {
			sb.WriteByte('\n')
		}
		budget -= len(content)
	}
	sb.WriteString(notice)
	return sb.String()
}

func formatHistory(history []domain.Message) string {
	var sb strings.Builder
	sb.WriteString("--- CONVERSATION HISTORY ---\n")
	for _, msg := range history {
		fmt.Fprintf(&sb, "%s: %s\n", strings.ToUpper(string(msg.Role)), msg.Content)
	}
	sb.WriteString("--- END HISTORY ---\n")
	return sb.String()
}

func degradationNotice(failed []string) string {
	return fmt.Sprintf(
		"[SYSTEM NOTE: The following memory sources were unavailable: %s. "+
			"You may be missing context from previous conversations. Acknowledge if the user "+
			"seems to reference something you don't have context for.]\n",
		strings.Join(failed, ", "),
	)
}
