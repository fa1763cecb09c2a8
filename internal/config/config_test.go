package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Remote.Driver)
	assert.Equal(t, 10*time.Second, cfg.Sync.MutationTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.FeedInitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.Sync.FeedMaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Sync.TypingTTL)
	assert.Equal(t, 60*time.Second, cfg.Sync.StatusTTL)
	assert.Equal(t, 50, cfg.Sync.NotificationLimit)
	assert.Equal(t, "8083", cfg.HTTP.Port)
	assert.Equal(t, "9083", cfg.GRPC.Port)
	assert.Equal(t, "/metrics", cfg.HTTP.MetricsPath)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	common := writeFile(t, "common.yml", `
env: prod
sync:
  user_id: u1
  mutation_timeout: 3s
remote:
  driver: mongo
  mongo:
    uri: mongodb://localhost:27017
http:
  port: "9000"
`)
	local := writeFile(t, "local.yml", `
sync:
  typing_ttl: 5s
`)
	t.Setenv("SYNC_USER_ID", "u2")

	cfg, err := Load(common + "," + local)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.Env)
	assert.Equal(t, "u2", cfg.Sync.UserID)
	assert.Equal(t, 3*time.Second, cfg.Sync.MutationTimeout)
	assert.Equal(t, 5*time.Second, cfg.Sync.TypingTTL)
	assert.Equal(t, DriverMongo, cfg.Remote.Driver)
	assert.Equal(t, "chat", cfg.Remote.Mongo.Database)
	assert.Equal(t, "9000", cfg.HTTP.Port)
}

func TestLoadValidatesDriver(t *testing.T) {
	t.Setenv("SYNC_DRIVER", "postgres")
	t.Setenv("DB_DSN", "")
	_, err := Load("")
	assert.ErrorContains(t, err, "dsn is required")

	t.Setenv("SYNC_DRIVER", "sqlite")
	_, err = Load("")
	assert.ErrorContains(t, err, "unknown remote driver")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}
