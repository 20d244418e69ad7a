// Package memory provides long-term conversational memory backed by
// vector similarity search.
//
// A Searcher stores distilled facts per session owner and retrieves the
// most relevant ones for a query. The production backend is PostgreSQL
// with pgvector; an in-process backend serves tests and deployments
// without a database. Both delegate text embedding to an Embedder.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MaxContentLength bounds a single memory entry.
const MaxContentLength = 2000

// Snippet is one retrieved memory with its similarity score in [0, 1].
type Snippet struct {
	Content    string
	Score      float64
	CreatedAt  time.Time
}

// Searcher stores and retrieves long-term memories. Implementations must
// be safe for concurrent use.
type Searcher interface {
	// Add stores content for the session's owner. Best-effort callers
	// log failures and move on; Add must never block a user-visible path
	// beyond its context deadline.
	Add(ctx context.Context, sessionID, content string) error

	// Search returns up to topK snippets ordered by score descending,
	// ties broken by recency.
	Search(ctx context.Context, sessionID, query string, topK int) ([]Snippet, error)

	// Close releases backend resources.
	Close() error
}

// Embedder converts text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// FormatSnippets renders retrieved snippets as a labeled background block
// for the model context. Returns "" when there is nothing to include.
func FormatSnippets(snippets []Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant background from earlier conversations:\n")
	for _, s := range snippets {
		fmt.Fprintf(&sb, "- %s\n", s.Content)
	}
	return sb.String()
}
