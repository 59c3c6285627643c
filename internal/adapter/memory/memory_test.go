package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/domain"
	"overseer/internal/resilience"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFactsSourceReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.md")
	require.NoError(t, os.WriteFile(path, []byte("The operator prefers terse answers.\n"), 0600))

	s := NewFactsSource(path, 0)
	out, err := s.Lookup(context.Background(), "anything")
	require.NoError(t, err)
	assert.Contains(t, out, "## Durable Facts")
	assert.Contains(t, out, "terse answers")
}

func TestFactsSourceMissingFileFails(t *testing.T) {
	s := NewFactsSource(filepath.Join(t.TempDir(), "absent.md"), 0)
	_, err := s.Lookup(context.Background(), "q")
	assert.Error(t, err)
}

func TestFactsSourceEmptyFileContributesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.md")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0600))

	s := NewFactsSource(path, 0)
	out, err := s.Lookup(context.Background(), "q")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFactsSourceCapsLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.md")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 500)), 0600))

	s := NewFactsSource(path, 100)
	out, err := s.Lookup(context.Background(), "q")
	require.NoError(t, err)
	assert.Less(t, len(out), 200)
}

func newTestStore(t *testing.T) *ConversationStore {
	t.Helper()
	store, err := NewConversationStore(filepath.Join(t.TempDir(), "conv.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConversationStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "s1", domain.RoleUser, "hello"))
	require.NoError(t, store.Append(ctx, "s1", domain.RoleAssistant, "hi there"))

	out, err := store.Lookup(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, out, "## Recent Conversation")
	assert.Contains(t, out, "USER: hello")
	assert.Contains(t, out, "ASSISTANT: hi there")
	// Chronological order: the user turn precedes the reply.
	assert.Less(t, strings.Index(out, "USER: hello"), strings.Index(out, "ASSISTANT: hi there"))
}

func TestConversationStoreLimitsTurns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, store.Append(ctx, "", domain.RoleUser, fmt.Sprintf("turn-%d", i)))
	}

	out, err := store.Lookup(ctx, "")
	require.NoError(t, err)
	assert.NotContains(t, out, "turn-2")
	assert.Contains(t, out, "turn-3")
	assert.Contains(t, out, "turn-5")
}

func TestConversationStoreEmpty(t *testing.T) {
	store := newTestStore(t)
	out, err := store.Lookup(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSemanticSourceLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req recallRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "deploy status", req.Query)
		assert.Equal(t, 5, req.MaxResults)

		json.NewEncoder(w).Encode(map[string]any{
			"memories": []map[string]string{
				{"content": "last deploy was friday"},
				{"content": "rollbacks go through the blue environment"},
			},
		})
	}))
	defer srv.Close()

	s := NewSemanticSource(srv.URL, 5, 1500, 2*time.Second)
	out, err := s.Lookup(context.Background(), "deploy status")
	require.NoError(t, err)
	assert.Contains(t, out, "## Relevant Memories")
	assert.Contains(t, out, "[1] last deploy was friday")
	assert.Contains(t, out, "[2] rollbacks")
}

func TestSemanticSourceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "recall index rebuilding", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSemanticSource(srv.URL, 5, 1500, 2*time.Second)
	_, err := s.Lookup(context.Background(), "q")
	assert.Error(t, err)
}

func TestSemanticSourceNoMemories(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"memories": []any{}})
	}))
	defer srv.Close()

	s := NewSemanticSource(srv.URL, 5, 1500, 2*time.Second)
	out, err := s.Lookup(context.Background(), "q")
	require.NoError(t, err)
	assert.Empty(t, out)
}

type flakySource struct {
	calls int
	fail  bool
}

func (f *flakySource) Name() string { return "flaky" }
func (f *flakySource) Lookup(context.Context, string) (string, error) {
	f.calls++
	if f.fail {
		return "", fmt.Errorf("down")
	}
	return "data", nil
}

func TestGuardedShortCircuitsWhenOpen(t *testing.T) {
	inner := &flakySource{fail: true}
	g := NewGuarded(inner, resilience.NewBreaker[string]("flaky", 2, time.Hour, newTestLogger()))

	for i := 0; i < 2; i++ {
		_, err := g.Lookup(context.Background(), "q")
		assert.Error(t, err)
	}
	require.Equal(t, resilience.StateOpen, g.BreakerState())

	before := inner.calls
	_, err := g.Lookup(context.Background(), "q")
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, before, inner.calls, "open breaker must not call the source")
	assert.Equal(t, "flaky", g.Name())
}
