package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"overseer/internal/domain"
)

// maxResponseBody bounds how much we read from the recall service.
const maxResponseBody = 1 * 1024 * 1024

// SemanticSource queries a remote semantic recall service for memories
// relevant to the prompt. It is the lowest-priority context band and the
// first to be truncated.
type SemanticSource struct {
	url        string
	maxResults int
	maxChars   int
	client     *http.Client
}

var _ domain.KnowledgeSource = (*SemanticSource)(nil)

// NewSemanticSource creates a SemanticSource. The client uses a pooled
// transport sized for a single long-lived upstream host.
func NewSemanticSource(url string, maxResults, maxChars int, timeout time.Duration) *SemanticSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SemanticSource{
		url:        url,
		maxResults: maxResults,
		maxChars:   maxChars,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     120 * time.Second,
			},
		},
	}
}

func (s *SemanticSource) Name() string { return "semantic_recall" }

type recallRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type recallResponse struct {
	Memories []struct {
		Content string `json:"content"`
	} `json:"memories"`
}

func (s *SemanticSource) Lookup(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(recallRequest{Query: query, MaxResults: s.maxResults})
	if err != nil {
		return "", fmt.Errorf("encode recall request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create recall request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("recall request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("read recall response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("recall service returned %d: %s", resp.StatusCode, firstLine(respBody))
	}

	var parsed recallResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode recall response: %w", err)
	}
	if len(parsed.Memories) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("## Relevant Memories\n")
	for i, m := range parsed.Memories {
		line := fmt.Sprintf("- [%d] %s\n", i+1, m.Content)
		if s.maxChars > 0 && sb.Len()+len(line) > s.maxChars {
			break
		}
		sb.WriteString(line)
	}
	return sb.String(), nil
}

func firstLine(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
