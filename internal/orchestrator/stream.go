package orchestrator

import (
	"sync"

	"tradepipeline/internal/models"
)

// Broadcaster fans finished traces out to live subscribers. Slow subscribers lose
// traces instead of blocking the cycle.
type Broadcaster struct {
	buffer int

	mu   sync.Mutex
	subs map[chan models.CycleTrace]struct{}
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{buffer: buffer, subs: map[chan models.CycleTrace]struct{}{}}
}

// Subscribe returns a channel of traces and a cancel func that closes it.
func (b *Broadcaster) Subscribe() (<-chan models.CycleTrace, func()) {
	ch := make(chan models.CycleTrace, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Broadcaster) Publish(t models.CycleTrace) (dropped int) {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- t:
		default:
			dropped++
		}
	}
	return dropped
}

func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
