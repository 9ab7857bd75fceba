package events

import (
	"context"
	"sync"
)

// QueueError is returned for bus-level failures.
type QueueError string

func (e QueueError) Error() string {
	return string(e)
}

const (
	ErrQueueFull   QueueError = "change queue is full"
	ErrQueueClosed QueueError = "change bus is closed"
)

// ChanBus fans changes out to in-process subscribers over buffered channels.
// Publish never blocks: a subscriber whose buffer is full misses the event
// and ErrQueueFull is returned.
type ChanBus struct {
	mu         sync.RWMutex
	bufferSize int
	subs       []chan Change
	closed     bool
}

// NewChanBus creates a bus. bufferSize below 1 is raised to 1.
func NewChanBus(bufferSize int) *ChanBus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &ChanBus{bufferSize: bufferSize}
}

// Subscribe returns a channel receiving every later change.
func (b *ChanBus) Subscribe() (<-chan Change, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrQueueClosed
	}
	ch := make(chan Change, b.bufferSize)
	b.subs = append(b.subs, ch)
	return ch, nil
}

// Publish validates ev and delivers it to every subscriber.
func (b *ChanBus) Publish(_ context.Context, ev Change) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrQueueClosed
	}

	var dropped bool
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped = true
		}
	}
	if dropped {
		return ErrQueueFull
	}
	return nil
}

// Close closes every subscriber channel. Further publishes fail.
func (b *ChanBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
