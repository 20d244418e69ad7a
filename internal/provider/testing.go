package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/parleyhq/parley/internal/chat"
)

// Script describes one scripted call outcome for the fake adapter.
type Script struct {
	// Chunks are emitted in order before Err is considered.
	Chunks []string
	// Err, when set, is returned after the chunks are delivered.
	Err error
	// Usage is reported on success.
	Usage Usage
}

// Fake is a scripted Adapter for tests. Each call consumes the next
// script; when the scripts run out the last one repeats.
type Fake struct {
	AdapterName string
	Scripts     []Script

	mu    sync.Mutex
	calls int
	seen  [][]chat.ContextItem
}

var _ Adapter = (*Fake)(nil)

func (f *Fake) Name() string {
	if f.AdapterName == "" {
		return "fake"
	}
	return f.AdapterName
}

// Calls reports how many generations ran.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// LastContext returns the context items from the most recent call.
func (f *Fake) LastContext() []chat.ContextItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seen) == 0 {
		return nil
	}
	return f.seen[len(f.seen)-1]
}

func (f *Fake) next(items []chat.ContextItem) Script {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, items)
	i := f.calls
	f.calls++
	if i >= len(f.Scripts) {
		i = len(f.Scripts) - 1
	}
	if i < 0 {
		return Script{}
	}
	return f.Scripts[i]
}

func (f *Fake) GenerateStream(ctx context.Context, items []chat.ContextItem, _ Config, fn StreamFunc) (*Result, error) {
	script := f.next(items)
	var sb strings.Builder
	for _, c := range script.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := fn(c); err != nil {
			return nil, err
		}
		sb.WriteString(c)
	}
	if script.Err != nil {
		return nil, script.Err
	}
	return &Result{Content: sb.String(), Usage: script.Usage}, nil
}

func (f *Fake) Generate(ctx context.Context, items []chat.ContextItem, cfg Config) (*Result, error) {
	return f.GenerateStream(ctx, items, cfg, func(string) error { return nil })
}
