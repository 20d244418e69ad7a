package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemStore is an in-process Searcher. It keeps embedded entries per
// session and scans them linearly on search, which is fine for the entry
// counts a single node sees.
type InMemStore struct {
	embedder Embedder

	mu      sync.RWMutex
	entries map[string][]inMemEntry
}

type inMemEntry struct {
	content   string
	vector    []float32
	createdAt time.Time
}

var _ Searcher = (*InMemStore)(nil)

// NewInMemStore creates an in-memory searcher using the given embedder.
func NewInMemStore(embedder Embedder) *InMemStore {
	return &InMemStore{
		embedder: embedder,
		entries:  make(map[string][]inMemEntry),
	}
}

func (s *InMemStore) Add(ctx context.Context, sessionID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyInput
	}
	if len(content) > MaxContentLength {
		content = content[:MaxContentLength]
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("embedding memory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[sessionID] = append(s.entries[sessionID], inMemEntry{
		content:   content,
		vector:    vec,
		createdAt: time.Now().UTC(),
	})
	return nil
}

func (s *InMemStore) Search(ctx context.Context, sessionID, query string, topK int) ([]Snippet, error) {
	if topK <= 0 {
		return []Snippet{}, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	s.mu.RLock()
	entries := s.entries[sessionID]
	snippets := make([]Snippet, 0, len(entries))
	for _, e := range entries {
		snippets = append(snippets, Snippet{
			Content:   e.content,
			Score:     cosine(vec, e.vector),
			CreatedAt: e.createdAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(snippets, func(i, j int) bool {
		if snippets[i].Score != snippets[j].Score {
			return snippets[i].Score > snippets[j].Score
		}
		return snippets[i].CreatedAt.After(snippets[j].CreatedAt)
	})
	if len(snippets) > topK {
		snippets = snippets[:topK]
	}
	return snippets, nil
}

func (s *InMemStore) Close() error { return nil }
