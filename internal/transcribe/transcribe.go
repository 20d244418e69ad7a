// Package transcribe turns uploaded voice clips into chat messages. A
// fixed worker pool serializes calls to the speech-to-text backend and
// hands finished transcripts to the chat pipeline.
package transcribe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/log"
)

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("transcription pool closed")

// ErrQueueFull is returned when all workers are busy and the backlog is
// at capacity.
var ErrQueueFull = errors.New("transcription queue full")

// Defaults for the pool.
const (
	DefaultWorkers    = 2
	defaultQueueDepth = 16
	jobTimeout        = 60 * time.Second
)

// Transcriber converts one audio clip to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (string, error)
}

// Handler receives a finished transcript. The pool calls it with the
// session the clip belongs to; errors are logged, not returned to the
// uploader.
type Handler func(ctx context.Context, sessionID, text string) error

// Job is one clip to transcribe.
type Job struct {
	SessionID   string
	Audio       []byte
	ContentType string
}

// Result is the outcome of one transcription.
type Result struct {
	Text string
	Err  error
}

type queued struct {
	job  Job
	done chan Result
}

// Pool runs transcriptions on a bounded set of workers.
type Pool struct {
	transcriber Transcriber
	handler     Handler
	logger      log.Logger

	jobs chan queued
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool starts workers goroutines. handler may be nil.
func NewPool(workers int, t Transcriber, handler Handler, logger log.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		transcriber: t,
		handler:     handler,
		logger:      logger,
		jobs:        make(chan queued, defaultQueueDepth),
		ctx:         ctx,
		cancel:      cancel,
	}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

// Submit enqueues a clip. The returned channel receives exactly one
// Result and is never closed.
func (p *Pool) Submit(job Job) (<-chan Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	q := queued{job: job, done: make(chan Result, 1)}
	select {
	case p.jobs <- q:
		return q.done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Close stops accepting jobs and waits for in-flight work.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for q := range p.jobs {
		p.run(q)
	}
}

func (p *Pool) run(q queued) {
	ctx, cancel := context.WithTimeout(p.ctx, jobTimeout)
	defer cancel()

	text, err := p.transcriber.Transcribe(ctx, q.job.Audio, q.job.ContentType)
	q.done <- Result{Text: text, Err: err}
	if err != nil {
		p.logger.Warn("transcription failed",
			"session_id", q.job.SessionID,
			"error", err,
		)
		return
	}
	if p.handler == nil || text == "" {
		return
	}
	if err := p.handler(ctx, q.job.SessionID, text); err != nil {
		p.logger.Warn("transcript not delivered to chat",
			"session_id", q.job.SessionID,
			"error", err,
		)
	}
}
