package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olgkv/taskpoll/internal/domain"
)

func TestBroker_ReplaysLastEvent(t *testing.T) {
	b := newBroker()
	b.publish(domain.Event{Type: domain.EventProgress, Attempt: 1})
	b.publish(domain.Event{Type: domain.EventRetry, Attempt: 2})

	ch, cancel := b.subscribe()
	defer cancel()

	ev := <-ch
	assert.Equal(t, domain.EventRetry, ev.Type)
	assert.Equal(t, 2, ev.Attempt)
}

func TestBroker_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := newBroker()
	ch, cancel := b.subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer*3; i++ {
		b.publish(domain.Event{Type: domain.EventProgress, Attempt: i})
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestBroker_CloseEndsSubscriptions(t *testing.T) {
	b := newBroker()
	ch, cancel := b.subscribe()
	b.publish(domain.Event{Type: domain.EventStopped})
	b.close()
	b.close()

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, domain.EventStopped, ev.Type)
	_, ok = <-ch
	assert.False(t, ok)
	cancel()

	late, lateCancel := b.subscribe()
	defer lateCancel()
	ev, ok = <-late
	require.True(t, ok)
	assert.Equal(t, domain.EventStopped, ev.Type)
	_, ok = <-late
	assert.False(t, ok)

	b.publish(domain.Event{Type: domain.EventProgress})
}

func TestBroker_CancelIsIdempotent(t *testing.T) {
	b := newBroker()
	ch, cancel := b.subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	b.publish(domain.Event{Type: domain.EventProgress})
}
