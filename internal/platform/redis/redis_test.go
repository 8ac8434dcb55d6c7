package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRejectsEmptyAndMalformedURL(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	require.Error(t, err)

	_, err = Open(context.Background(), "http://localhost:6379")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

func TestOpenFailsWhenPingFails(t *testing.T) {
	var got *redis.Options
	orig := newClient
	newClient = func(opts *redis.Options) *redis.Client {
		got = opts
		opts.DialTimeout = 50 * time.Millisecond
		opts.MaxRetries = -1
		return redis.NewClient(opts)
	}
	t.Cleanup(func() { newClient = orig })

	_, err := Open(context.Background(), "redis://127.0.0.1:1/2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis")
	require.NotNil(t, got)
	assert.Equal(t, 2, got.DB)
	assert.Equal(t, "127.0.0.1:1", got.Addr)
}
