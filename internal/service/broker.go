package service

import (
	"sync"

	"github.com/olgkv/taskpoll/internal/domain"
)

const subscriberBuffer = 16

// broker fans watch events out to subscribers. A subscriber that falls
// behind loses events rather than blocking the poller; the latest event is
// replayed to every new subscriber.
type broker struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Event
	next   int
	closed bool
	last   *domain.Event
}

func newBroker() *broker {
	return &broker{subs: make(map[int]chan domain.Event)}
}

func (b *broker) subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.Event, subscriberBuffer)
	if b.last != nil {
		ch <- *b.last
	}
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

func (b *broker) publish(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.last = &ev
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close ends every subscription; later subscribers get the last event only.
func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
