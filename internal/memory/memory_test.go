package memory

import (
	"context"
	"strings"
	"testing"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	t.Parallel()

	e := NewHashEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "the cat sat on the mat")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	b, err := e.Embed(ctx, "the cat sat on the mat")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if cosine(a, b) < 0.999 {
		t.Errorf("identical texts should embed identically, cosine = %v", cosine(a, b))
	}

	if _, err := e.Embed(ctx, "   "); err == nil {
		t.Error("expected error for blank input")
	}
	if len(a) != e.Dimension() {
		t.Errorf("vector length %d != dimension %d", len(a), e.Dimension())
	}
}

func TestHashEmbedderSimilarity(t *testing.T) {
	t.Parallel()

	e := NewHashEmbedder(256)
	ctx := context.Background()

	cat1, _ := e.Embed(ctx, "my cat likes tuna fish")
	cat2, _ := e.Embed(ctx, "the cat ate tuna")
	weather, _ := e.Embed(ctx, "rain is forecast for tomorrow")

	if cosine(cat1, cat2) <= cosine(cat1, weather) {
		t.Errorf("related texts should score higher: cat/cat=%v cat/weather=%v",
			cosine(cat1, cat2), cosine(cat1, weather))
	}
}

func TestInMemStoreSearch(t *testing.T) {
	t.Parallel()

	store := NewInMemStore(NewHashEmbedder(256))
	ctx := context.Background()

	facts := []string{
		"user's name is Dana",
		"user prefers dark roast coffee",
		"user lives in Lisbon",
	}
	for _, f := range facts {
		if err := store.Add(ctx, "s1", f); err != nil {
			t.Fatalf("Add(%q): %v", f, err)
		}
	}
	// Other sessions are invisible.
	if err := store.Add(ctx, "s2", "user hates coffee"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	snippets, err := store.Search(ctx, "s1", "what coffee does the user like", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(snippets) != 2 {
		t.Fatalf("Search returned %d snippets, want 2", len(snippets))
	}
	if !strings.Contains(snippets[0].Content, "coffee") {
		t.Errorf("top snippet = %q, want the coffee fact", snippets[0].Content)
	}
	for _, sn := range snippets {
		if sn.Content == "user hates coffee" {
			t.Error("search leaked another session's memory")
		}
	}
}

func TestInMemStoreTopKZero(t *testing.T) {
	t.Parallel()

	store := NewInMemStore(NewHashEmbedder(64))
	snippets, err := store.Search(context.Background(), "s1", "anything", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(snippets) != 0 {
		t.Errorf("Search with topK=0 returned %d snippets", len(snippets))
	}
}

func TestFormatSnippets(t *testing.T) {
	t.Parallel()

	if got := FormatSnippets(nil); got != "" {
		t.Errorf("FormatSnippets(nil) = %q, want empty", got)
	}

	out := FormatSnippets([]Snippet{
		{Content: "likes tea"},
		{Content: "works remotely"},
	})
	if !strings.Contains(out, "likes tea") || !strings.Contains(out, "works remotely") {
		t.Errorf("FormatSnippets output missing snippets: %q", out)
	}
	if !strings.Contains(out, "background") {
		t.Errorf("FormatSnippets output missing label: %q", out)
	}
}

func TestAddTruncatesOversizedContent(t *testing.T) {
	t.Parallel()

	store := NewInMemStore(NewHashEmbedder(64))
	ctx := context.Background()

	long := strings.Repeat("x ", MaxContentLength)
	if err := store.Add(ctx, "s1", long); err != nil {
		t.Fatalf("Add: %v", err)
	}
	snippets, err := store.Search(ctx, "s1", "x", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(snippets) != 1 || len(snippets[0].Content) > MaxContentLength {
		t.Errorf("oversized content not truncated: %d runes", len(snippets[0].Content))
	}
}
