// Package prompt assembles the generation context for one chat turn:
// system preamble, relevant long-term memory, recent session history,
// and the new user message.
package prompt

import (
	"context"
	"fmt"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/memory"
	"github.com/parleyhq/parley/internal/session"
)

// DefaultSystemPrompt is used when the configuration does not override it.
const DefaultSystemPrompt = "You are a helpful assistant. Answer concisely and accurately."

// Options tune the assembled context.
type Options struct {
	SystemPrompt       string
	MaxHistoryMessages int
	HistoryTokenBudget int
	MemoryTopK         int
}

// Assembler builds the ordered context for a generation.
//
// The memory searcher is optional; when nil, or when a search fails,
// assembly proceeds on history alone.
type Assembler struct {
	store    session.Store
	searcher memory.Searcher
	opts     Options
	logger   log.Logger
}

// NewAssembler creates an assembler. searcher may be nil.
func NewAssembler(store session.Store, searcher memory.Searcher, opts Options, logger log.Logger) *Assembler {
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	return &Assembler{store: store, searcher: searcher, opts: opts, logger: logger}
}

// Built is the assembled context plus the system prompt to send alongside it.
type Built struct {
	SystemPrompt string
	Items        []chat.ContextItem
}

// Build assembles the context for userMsg. The returned items hold
// memory snippets first, then recent history in chronological order,
// and the new user message last. History alone is subject to the token
// budget; snippets and the new message are never truncated.
func (a *Assembler) Build(ctx context.Context, sessionID string, userMsg chat.Message) (*Built, error) {
	history, err := a.store.Recent(ctx, sessionID, a.opts.MaxHistoryMessages)
	if err != nil {
		return nil, fmt.Errorf("%w: loading history: %w", chat.ErrContextBuild, err)
	}
	// The just-persisted user message is already in history; the caller
	// appends it explicitly, so drop it here.
	if n := len(history); n > 0 && history[n-1].ID == userMsg.ID {
		history = history[:n-1]
	}

	items := make([]chat.ContextItem, 0, len(history)+2)
	if a.searcher != nil && a.opts.MemoryTopK > 0 {
		snippets, err := a.searcher.Search(ctx, sessionID, userMsg.Content, a.opts.MemoryTopK)
		switch {
		case err != nil:
			a.logger.Warn("memory search failed, continuing without snippets",
				"session_id", sessionID, "error", err)
		case len(snippets) > 0:
			items = append(items, chat.ContextItem{
				Role:    chat.RoleSystem,
				Content: memory.FormatSnippets(snippets),
			})
		}
	}

	for _, m := range truncateHistory(history, a.opts.HistoryTokenBudget) {
		items = append(items, chat.ContextItem{Role: m.Role, Content: m.Content})
	}
	items = append(items, chat.ContextItem{Role: chat.RoleUser, Content: userMsg.Content})

	return &Built{SystemPrompt: a.opts.SystemPrompt, Items: items}, nil
}
