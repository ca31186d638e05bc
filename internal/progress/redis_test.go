package progress

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisBus_RequiresAddr(t *testing.T) {
	_, err := NewRedisBus(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis addr is required")
}

func TestNewRedisBus_Unreachable(t *testing.T) {
	// Reserve a port, then free it so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	bus, err := NewRedisBus(context.Background(), addr)
	require.Error(t, err)
	assert.Nil(t, bus)
	assert.Contains(t, err.Error(), "progress: redis ping")
}

// Runs against a live server when BOMPIPE_TEST_REDIS_ADDR is set.
func TestRedisBus_RoundTrip(t *testing.T) {
	addr := os.Getenv("BOMPIPE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BOMPIPE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()

	bus, err := NewRedisBus(ctx, addr)
	require.NoError(t, err)
	defer bus.Close() //nolint:errcheck

	channel := "test:" + PipelineChannel(t.Name())
	ch, cancel, err := bus.Subscribe(ctx, channel)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, channel, []byte(`{"status":"running"}`)))

	m := receive(t, ch)
	assert.Equal(t, channel, m.Channel)
	assert.JSONEq(t, `{"status":"running"}`, string(m.Payload))
}
