package progress

import (
	"context"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// RedisBus publishes progress over Redis pub/sub so processes other than the
// pipeline owner can follow a BOM.
type RedisBus struct {
	rdb *goredis.Client
}

// NewRedisBus connects to addr and verifies the connection.
func NewRedisBus(ctx context.Context, addr string) (*RedisBus, error) {
	if addr == "" {
		return nil, eris.New("progress: redis addr is required")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, eris.Wrap(err, "progress: redis ping")
	}

	return &RedisBus{rdb: rdb}, nil
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return eris.Wrapf(err, "progress: redis publish %s", channel)
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	sub := b.rdb.Subscribe(ctx, channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, eris.Wrap(err, "progress: redis subscribe")
	}

	out := make(chan Message, defaultBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	go func() {
		defer close(out)
		defer sub.Close() //nolint:errcheck
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case m, ok := <-in:
				if !ok || m == nil {
					return
				}
				select {
				case out <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
				default:
					zap.L().Debug("progress: dropping message for slow subscriber", zap.String("channel", m.Channel))
				}
			}
		}
	}()

	return out, cancel, nil
}

// Close implements Bus.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}
