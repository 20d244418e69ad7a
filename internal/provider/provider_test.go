package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/parleyhq/parley/internal/chat"
)

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("http %d", e.code) }
func (e statusErr) StatusCode() int { return e.code }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"status 429", statusErr{429}, KindRateLimited},
		{"status 401", statusErr{401}, KindAuth},
		{"status 403", statusErr{403}, KindAuth},
		{"status 400", statusErr{400}, KindInvalidRequest},
		{"status 500", statusErr{500}, KindTransient},
		{"wrapped status", fmt.Errorf("call failed: %w", statusErr{429}), KindRateLimited},
		{"rate limit message", errors.New("Rate limit exceeded, retry later"), KindRateLimited},
		{"quota message", errors.New("quota exceeded for project"), KindRateLimited},
		{"auth message", errors.New("invalid API key provided"), KindAuth},
		{"invalid argument message", errors.New("INVALID ARGUMENT: bad model"), KindInvalidRequest},
		{"plain network error", errors.New("connection reset by peer"), KindTransient},
		{"deadline", context.DeadlineExceeded, KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := classify("test", tt.err)
			if got.Kind != tt.want {
				t.Errorf("classify(%v) kind = %v, want %v", tt.err, got.Kind, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error does not unwrap to the original")
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &Error{Kind: KindTransient, Err: errors.New("x")}, true},
		{"rate limited", &Error{Kind: KindRateLimited, Err: errors.New("x")}, true},
		{"auth", &Error{Kind: KindAuth, Err: errors.New("x")}, false},
		{"invalid request", &Error{Kind: KindInvalidRequest, Err: errors.New("x")}, false},
		{"unclassified", errors.New("dial tcp: connection refused"), true},
		{"wrapped provider error", fmt.Errorf("attempt 2: %w",
			&Error{Kind: KindAuth, Err: errors.New("bad key")}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorWireKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want string
	}{
		{KindTransient, chat.KindProvider},
		{KindRateLimited, chat.KindRateLimited},
		{KindAuth, chat.KindAuth},
		{KindInvalidRequest, chat.KindInvalidRequest},
	}
	for _, tt := range tests {
		e := &Error{Provider: "p", Kind: tt.kind, Err: errors.New("x")}
		if got := e.WireKind(); got != tt.want {
			t.Errorf("WireKind(%v) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, err := r.Get(""); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("Get on empty registry: err = %v, want ErrUnknownProvider", err)
	}

	a := &Fake{AdapterName: "alpha"}
	b := &Fake{AdapterName: "beta"}
	r.Register(a)
	r.Register(b)

	if got := r.Default(); got != "alpha" {
		t.Errorf("Default() = %q, want first registered %q", got, "alpha")
	}
	got, err := r.Get("")
	if err != nil || got.Name() != "alpha" {
		t.Errorf("Get(\"\") = %v, %v, want alpha", got, err)
	}

	if err := r.SetDefault("beta"); err != nil {
		t.Fatalf("SetDefault(beta): %v", err)
	}
	got, err = r.Get("")
	if err != nil || got.Name() != "beta" {
		t.Errorf("Get(\"\") after SetDefault = %v, %v, want beta", got, err)
	}

	if err := r.SetDefault("gamma"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("SetDefault(gamma): err = %v, want ErrUnknownProvider", err)
	}
	if len(r.Names()) != 2 {
		t.Errorf("Names() = %v, want 2 entries", r.Names())
	}
}

func TestFakeStreaming(t *testing.T) {
	t.Parallel()

	f := &Fake{Scripts: []Script{
		{Err: &Error{Kind: KindTransient, Err: errors.New("blip")}},
		{Chunks: []string{"Hel", "lo"}, Usage: Usage{PromptTokens: 3, CompletionTokens: 2}},
	}}

	items := []chat.ContextItem{{Role: chat.RoleUser, Content: "hi"}}

	_, err := f.GenerateStream(context.Background(), items, Config{}, func(string) error { return nil })
	if !Retryable(err) {
		t.Fatalf("first call: err = %v, want retryable", err)
	}

	var got []string
	res, err := f.GenerateStream(context.Background(), items, Config{}, func(s string) error {
		got = append(got, s)
		return nil
	})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.Content != "Hello" {
		t.Errorf("Content = %q, want %q", res.Content, "Hello")
	}
	if len(got) != 2 || got[0] != "Hel" || got[1] != "lo" {
		t.Errorf("chunks = %v, want [Hel lo]", got)
	}
	if f.Calls() != 2 {
		t.Errorf("Calls() = %d, want 2", f.Calls())
	}
}
