package transcribe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/parleyhq/parley/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _ string) (string, error) {
	return f.text, f.err
}

func TestSubmitDeliversResultAndHandler(t *testing.T) {
	var (
		mu      sync.Mutex
		handled []string
	)
	handler := func(_ context.Context, sessionID, text string) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, sessionID+":"+text)
		return nil
	}

	p := NewPool(2, &fakeTranscriber{text: "hello world"}, handler, log.NewNop())
	defer p.Close()

	ch, err := p.Submit(Job{SessionID: "s1", Audio: []byte{1, 2}, ContentType: "audio/wav"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case res := <-ch:
		if res.Err != nil || res.Text != "hello world" {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}

	p.Close() // waits for the handler call
	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0] != "s1:hello world" {
		t.Errorf("handled = %v, want [s1:hello world]", handled)
	}
}

func TestTranscribeErrorSkipsHandler(t *testing.T) {
	called := false
	handler := func(context.Context, string, string) error {
		called = true
		return nil
	}
	p := NewPool(1, &fakeTranscriber{err: errors.New("bad audio")}, handler, log.NewNop())

	ch, err := p.Submit(Job{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res := <-ch
	if res.Err == nil {
		t.Error("expected transcription error")
	}
	p.Close()
	if called {
		t.Error("handler called despite transcription failure")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	p := NewPool(1, &fakeTranscriber{text: "x"}, nil, log.NewNop())
	p.Close()
	if _, err := p.Submit(Job{SessionID: "s1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
