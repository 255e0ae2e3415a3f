package engine

import (
	"sync"

	"github.com/Veraticus/tally/internal/common"
	"github.com/Veraticus/tally/internal/model"
)

// Status is the kind of a published State.
type Status int

// Statuses.
const (
	StatusLoading Status = iota
	StatusLoaded
	StatusEmpty
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusEmpty:
		return "empty"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// State is what the engine publishes after every recompute.
type State struct {
	Err error
	// Kind classifies Err.
	Kind common.ErrorKind
	// Expenses is ordered and owned by the state. Do not modify it.
	Expenses   []model.Expense
	Generation uint64
	Status     Status
}

// Describe returns a short description of the error and a recovery hint.
func (s State) Describe() (description, suggestion string) {
	return common.Describe(s.Err)
}

// stateFeed delivers the latest state to each subscriber. A subscriber that
// has not read the previous state gets it replaced by the newer one.
type stateFeed struct {
	subs   map[int]chan State
	next   int
	mu     sync.Mutex
	closed bool
}

func newStateFeed() *stateFeed {
	return &stateFeed{subs: make(map[int]chan State)}
}

func (f *stateFeed) subscribe(initial State) (<-chan State, func()) {
	ch := make(chan State, 1)
	ch <- initial

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

func (f *stateFeed) publish(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (f *stateFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
