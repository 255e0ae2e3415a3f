package storage

import (
	"log/slog"
	"sync"

	"github.com/Veraticus/tally/internal/service"
)

// changeFeed fans committed-session events out to subscribers.
type changeFeed struct {
	subs   map[int]chan service.SavedEvent
	next   int
	mu     sync.Mutex
	closed bool
}

func newChangeFeed() *changeFeed {
	return &changeFeed{subs: make(map[int]chan service.SavedEvent)}
}

func (f *changeFeed) subscribe(buffer int) (<-chan service.SavedEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan service.SavedEvent, buffer)

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

// publish never blocks. Subscribers coalesce events, so a full buffer already
// holds an undelivered notification and dropping this one loses nothing.
func (f *changeFeed) publish(event service.SavedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- event:
		default:
			slog.Debug("change feed subscriber busy, event coalesced", "subscriber", id)
		}
	}
}

func (f *changeFeed) close() {
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
