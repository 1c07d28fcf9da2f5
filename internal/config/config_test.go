package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, defaultPort, cfg.HTTP.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 100, cfg.Engine.ChainMaxDepth)
	assert.Equal(t, 4, cfg.Engine.BatchWorkers)
	assert.Equal(t, 5, cfg.Engine.CodeMaxAttempts)
	assert.Equal(t, "@daily", cfg.Scheduler.RecomputeSpec)
	assert.Equal(t, "refnet.promotions", cfg.Kafka.Topic)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoadOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("STORE_DSN", "file:refnet.db")
	t.Setenv("CACHE_TTL", "30s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")
	t.Setenv("RATE_LIMIT_RPS", "12.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.KafkaBrokers())
	assert.InDelta(t, 12.5, cfg.RateLimit.RPS, 1e-9)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad port":        {"SERVER_PORT": "70000"},
		"bad duration":    {"CACHE_TTL": "soon"},
		"unknown driver":  {"STORE_DRIVER": "mongo"},
		"sql without dsn": {"STORE_DRIVER": "postgres"},
		"neo4j no uri":    {"STORE_DRIVER": "neo4j"},
		"zero workers":    {"BATCH_WORKERS": "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("CHAIN_MAX_DEPTH=42\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("CHAIN_MAX_DEPTH", "")
	os.Unsetenv("CHAIN_MAX_DEPTH")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Engine.ChainMaxDepth)
}

func TestLoadLadder(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		l, err := LoadLadder("")
		require.NoError(t, err)
		assert.Equal(t, 9, l.Len())
	})

	t.Run("yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ladder.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`roles:
  - tier: 0
    name: member
    directReferrals: 0
    teamSize: 0
    capabilities: [view_profile]
  - tier: 1
    name: captain
    directReferrals: 3
    teamSize: 9
    capabilities: [view_team]
`), 0o600))
		l, err := LoadLadder(path)
		require.NoError(t, err)
		require.Equal(t, 2, l.Len())
		role, ok := l.Lookup("captain")
		require.True(t, ok)
		assert.Equal(t, 9, role.TeamSizeRequired)
	})

	t.Run("toml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ladder.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[[roles]]
tier = 0
name = "member"
direct_referrals = 0
team_size = 0

[[roles]]
tier = 1
name = "captain"
direct_referrals = 2
team_size = 4
`), 0o600))
		l, err := LoadLadder(path)
		require.NoError(t, err)
		assert.Equal(t, 1, l.TierOf("captain"))
	})

	t.Run("invalid ladder", func(t *testing.T) {
		_, err := ParseLadder(".yaml", []byte("roles:\n  - tier: 1\n    name: member\n"))
		assert.Error(t, err)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := ParseLadder(".toml", []byte("[[roles]]\ntier = 0\nname = \"member\"\ncolour = \"red\"\n"))
		assert.Error(t, err)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := ParseLadder(".json", []byte("{}"))
		assert.Error(t, err)
	})
}
