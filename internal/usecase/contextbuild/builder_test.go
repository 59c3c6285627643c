package contextbuild

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/domain"
)

type stubSource struct {
	name    string
	content string
	err     error
	delay   time.Duration
	calls   int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Lookup(ctx context.Context, query string) (string, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.content, s.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildPriorityOrder(t *testing.T) {
	facts := &stubSource{name: "core_facts", content: "## Durable Facts\n- likes go"}
	recent := &stubSource{name: "recent_conversation", content: "## Recent Conversation\nUSER: hi"}
	semantic := &stubSource{name: "semantic_recall", content: "## Relevant Memories\n- [1] old note"}

	b := New(Config{}, []domain.KnowledgeSource{facts, recent, semantic}, discard())
	out, failed := b.Build(context.Background(), "hello", nil, "")

	require.Empty(t, failed)
	fi := strings.Index(out, "Durable Facts")
	ri := strings.Index(out, "Recent Conversation")
	si := strings.Index(out, "Relevant Memories")
	require.True(t, fi >= 0 && ri >= 0 && si >= 0, "all bands present: %q", out)
	assert.Less(t, fi, ri)
	assert.Less(t, ri, si)
}

func TestBuildPartialFailureDegrades(t *testing.T) {
	facts := &stubSource{name: "core_facts", content: "## Durable Facts\n- x"}
	semantic := &stubSource{name: "semantic_recall", err: errors.New("connection refused")}

	b := New(Config{DegradationNotice: true}, []domain.KnowledgeSource{facts, semantic}, discard())
	out, failed := b.Build(context.Background(), "q", nil, "")

	assert.Equal(t, []string{"semantic_recall"}, failed)
	assert.Contains(t, out, "Durable Facts")
	assert.Contains(t, out, "semantic_recall")
	assert.Contains(t, out, "memory sources were unavailable")
}

func TestBuildAllFailedNoNotice(t *testing.T) {
	a := &stubSource{name: "core_facts", err: errors.New("boom")}
	c := &stubSource{name: "semantic_recall", err: errors.New("boom")}

	b := New(Config{DegradationNotice: false}, []domain.KnowledgeSource{a, c}, discard())
	out, failed := b.Build(context.Background(), "q", nil, "")

	assert.Len(t, failed, 2)
	assert.Empty(t, out)
}

func TestBuildAllFailedWithNotice(t *testing.T) {
	a := &stubSource{name: "core_facts", err: errors.New("boom")}

	b := New(Config{DegradationNotice: true}, []domain.KnowledgeSource{a}, discard())
	out, failed := b.Build(context.Background(), "q", nil, "")

	assert.Equal(t, []string{"core_facts"}, failed)
	assert.Contains(t, out, "core_facts")
	assert.NotEmpty(t, out)
}

func TestBuildSlowSourceTimesOut(t *testing.T) {
	fast := &stubSource{name: "core_facts", content: "facts"}
	slow := &stubSource{name: "semantic_recall", content: "never seen", delay: time.Second}

	b := New(Config{SourceTimeout: 20 * time.Millisecond}, []domain.KnowledgeSource{fast, slow}, discard())

	start := time.Now()
	out, failed := b.Build(context.Background(), "q", nil, "")
	elapsed := time.Since(start)

	assert.Equal(t, []string{"semantic_recall"}, failed)
	assert.Contains(t, out, "facts")
	assert.NotContains(t, out, "never seen")
	assert.Less(t, elapsed, 500*time.Millisecond, "build must not wait for the slow source")
}

func TestBuildHistoryOnlyWithoutSession(t *testing.T) {
	history := []domain.Message{
		{Role: domain.RoleUser, Content: "what was my plan?"},
		{Role: domain.RoleAssistant, Content: "ship tuesday"},
	}

	b := New(Config{}, nil, discard())

	out, _ := b.Build(context.Background(), "q", history, "")
	assert.Contains(t, out, "CONVERSATION HISTORY")
	assert.Contains(t, out, "USER: what was my plan?")
	assert.Contains(t, out, "ASSISTANT: ship tuesday")

	out, _ = b.Build(context.Background(), "q", history, "sess-123")
	assert.NotContains(t, out, "CONVERSATION HISTORY")
}

func TestBuildTruncatesLowestPriorityFirst(t *testing.T) {
	facts := &stubSource{name: "core_facts", content: strings.Repeat("F", 80)}
	semantic := &stubSource{name: "semantic_recall", content: strings.Repeat("S", 80)}

	b := New(Config{MaxChars: 100}, []domain.KnowledgeSource{facts, semantic}, discard())
	out, failed := b.Build(context.Background(), "q", nil, "")

	require.Empty(t, failed)
	assert.LessOrEqual(t, len(out), 102) // band separators only
	assert.Equal(t, 80, strings.Count(out, "F"), "high priority band kept whole")
	assert.Less(t, strings.Count(out, "S"), 80, "low priority band truncated")
}

func TestBuildLookupsRunConcurrently(t *testing.T) {
	a := &stubSource{name: "a", content: "a", delay: 50 * time.Millisecond}
	c := &stubSource{name: "b", content: "b", delay: 50 * time.Millisecond}

	b := New(Config{SourceTimeout: time.Second}, []domain.KnowledgeSource{a, c}, discard())

	start := time.Now()
	_, failed := b.Build(context.Background(), "q", nil, "")
	elapsed := time.Since(start)

	require.Empty(t, failed)
	assert.Less(t, elapsed, 90*time.Millisecond, "lookups must overlap")
}
