package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chat-sync/internal/config"
	"chat-sync/internal/engine"
	"chat-sync/internal/store"
)

func TestSeededMemoryBackendSyncs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{}
	cfg.Remote.Driver = config.DriverMemory
	be, err := openBackend(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer be.close()
	require.NoError(t, seed(ctx, be, "me", time.Now()))

	eng, err := engine.New(be.source, be.writer, engine.Options{UserID: "me"})
	require.NoError(t, err)
	require.NoError(t, eng.Start(ctx))
	defer eng.Close()

	want := store.Totals{UnreadConversations: 2, UnreadMessages: 2, UnreadNotifications: 2, Badge: 4}
	require.Eventually(t, func() bool { return eng.Totals() == want }, time.Second, 10*time.Millisecond)
	assert.True(t, eng.Healthy())
}

func TestOpenBackendRejectsUnknownDriver(t *testing.T) {
	cfg := &config.Config{}
	cfg.Remote.Driver = "sqlite"
	_, err := openBackend(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}
