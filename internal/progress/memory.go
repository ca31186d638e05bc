package progress

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

const defaultBuffer = 64

// MemoryBus is an in-process Bus. Slow subscribers drop messages rather than
// block publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Message
	nextID int
	buffer int
	closed bool
	stop   chan struct{}
}

// NewMemoryBus creates an in-process bus with the given per-subscriber
// buffer. A non-positive buffer uses the default.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MemoryBus{
		subs:   make(map[string]map[int]chan Message),
		buffer: buffer,
		stop:   make(chan struct{}),
	}
}

// Publish delivers payload to every current subscriber of channel.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return eris.New("progress: bus closed")
	}
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, ch := range b.subs[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of messages and a cancel func. The channel is
// closed when cancel is called, ctx ends, or the bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, eris.New("progress: bus closed")
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Message, b.buffer)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan Message)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.subs[channel]; ok {
				if c, ok := subs[id]; ok {
					delete(subs, id)
					close(c)
				}
				if len(subs) == 0 {
					delete(b.subs, channel)
				}
			}
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		case <-b.stop:
		}
	}()

	return ch, cancel, nil
}

// Close closes every subscriber channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.stop)
	for channel, subs := range b.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(b.subs, channel)
	}
	return nil
}
