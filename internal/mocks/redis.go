package mocks

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
)

// RedisMock stands in for the presence relay's Redis connection.
type RedisMock struct {
	mock.Mock
}

func (m *RedisMock) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	return redis.NewStatusResult(args.String(0), args.Error(1))
}

func (m *RedisMock) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	args := m.Called(ctx, channel, message)
	return redis.NewIntResult(int64(args.Int(0)), args.Error(1))
}

func (m *RedisMock) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	args := m.Called(ctx, keys)
	vals, _ := args.Get(0).([]interface{})
	return redis.NewSliceResult(vals, args.Error(1))
}

func (m *RedisMock) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	return redis.NewStatusResult(args.String(0), args.Error(1))
}

func (m *RedisMock) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	args := m.Called(ctx, channels)
	if ps, ok := args.Get(0).(*redis.PubSub); ok {
		return ps
	}
	return nil
}
