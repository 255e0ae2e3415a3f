package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Default debounce windows.
const (
	DefaultDebounce       = 200 * time.Millisecond
	DefaultSearchDebounce = 300 * time.Millisecond
)

// ErrSuperseded is the cancellation cause of a recompute replaced by a newer one.
var ErrSuperseded = errors.New("recompute superseded")

// EventKind identifies what caused a recompute.
type EventKind uint8

// Event kinds.
const (
	StoreChanged EventKind = 1 << iota
	CriteriaChanged
	SearchChanged
	SortChanged
)

func (k EventKind) String() string {
	switch k {
	case StoreChanged:
		return "store-changed"
	case CriteriaChanged:
		return "criteria-changed"
	case SearchChanged:
		return "search-changed"
	case SortChanged:
		return "sort-changed"
	}
	return "mixed"
}

// Token is handed to a recompute pass. It is cancelled as soon as a newer
// event arrives.
type Token struct {
	ctx   context.Context
	gen   uint64
	kinds EventKind
}

// Check returns ErrSuperseded, or the context error, once the pass must stop.
func (t *Token) Check() error {
	if t.ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(t.ctx); cause != nil {
		return cause
	}
	return t.ctx.Err()
}

// Context returns a context that is done when the pass is cancelled.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Generation numbers passes in the order they were scheduled.
func (t *Token) Generation() uint64 {
	return t.gen
}

// Has reports whether an event of kind was coalesced into this pass.
func (t *Token) Has(kind EventKind) bool {
	return t.kinds&kind != 0
}

// RecomputeFunc is one recompute pass. It should call Check at each stage
// boundary and publish through Scheduler.Publish.
type RecomputeFunc func(tok *Token) error

// SchedulerConfig sets the debounce windows.
type SchedulerConfig struct {
	Debounce       time.Duration
	SearchDebounce time.Duration
}

// Scheduler collapses bursts of events into single recompute passes.
type Scheduler struct {
	ctx       context.Context
	run       RecomputeFunc
	timer     *time.Timer
	inflight  context.CancelCauseFunc
	stop      context.CancelFunc
	cfg       SchedulerConfig
	wg        sync.WaitGroup
	gen       uint64
	published uint64
	runs      int
	pending   EventKind
	mu        sync.Mutex
	publishMu sync.Mutex
	stopped   bool
}

// NewScheduler creates a scheduler that runs run for every coalesced burst.
// Passes stop when ctx is cancelled or Stop is called.
func NewScheduler(ctx context.Context, cfg SchedulerConfig, run RecomputeFunc) *Scheduler {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.SearchDebounce <= 0 {
		cfg.SearchDebounce = DefaultSearchDebounce
	}
	ctx, stop := context.WithCancel(ctx)
	return &Scheduler{ctx: ctx, stop: stop, cfg: cfg, run: run}
}

// Trigger records an event. The pass runs once no further event has arrived
// for the debounce window; a burst containing a search change uses the
// longer search window. Any pass still running is cancelled.
func (s *Scheduler) Trigger(kind EventKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.pending |= kind
	if s.inflight != nil {
		s.inflight(ErrSuperseded)
		s.inflight = nil
	}

	window := s.cfg.Debounce
	if s.pending&SearchChanged != 0 {
		window = s.cfg.SearchDebounce
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(window, s.fire)
		return
	}
	s.timer.Reset(window)
}

// Flush starts a pass for kind immediately, without waiting for the window.
func (s *Scheduler) Flush(kind EventKind) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending |= kind
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.fire()
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped || s.pending == 0 {
		s.mu.Unlock()
		return
	}
	kinds := s.pending
	s.pending = 0
	if s.inflight != nil {
		s.inflight(ErrSuperseded)
	}
	s.gen++
	ctx, cancel := context.WithCancelCause(s.ctx)
	s.inflight = cancel
	s.runs++
	tok := &Token{ctx: ctx, gen: s.gen, kinds: kinds}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel(nil)
		if err := s.run(tok); err != nil && tok.Check() == nil {
			slog.Warn("recompute failed", "generation", tok.gen, "error", err)
		}
	}()
}

// Publish runs fn if tok is still current. Publication is serialized and
// never goes backwards in generation, so a cancelled pass cannot publish over
// a newer one.
func (s *Scheduler) Publish(tok *Token, fn func()) error {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if err := tok.Check(); err != nil {
		return err
	}
	if tok.gen <= s.published {
		return ErrSuperseded
	}
	s.published = tok.gen
	fn()
	return nil
}

// Runs returns the number of passes started so far.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Stop cancels pending and running passes and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}

// Wait blocks until every started pass has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
