package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrovista/fincore/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "fincore.db", cfg.SQLitePath)
	assert.False(t, cfg.UsePostgres())
	assert.Equal(t, 50, cfg.OutboxBatchSize)
	assert.Equal(t, 5, cfg.OutboxMaxRetries)
	assert.Equal(t, time.Second, cfg.OutboxBaseDelay)
	assert.Equal(t, time.Minute, cfg.OutboxRetryCap)
	assert.Equal(t, 8, cfg.MutationMaxRetries)
	assert.Equal(t, int64(5), cfg.FinancialPanicThreshold)
	assert.False(t, cfg.UseRedis())
	assert.Equal(t, 168*time.Hour, cfg.RedisReservationTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://agro:5432/fincore")
	t.Setenv("BROKER_URL", "https://broker.internal/events")
	t.Setenv("BROKER_TIMEOUT", "3s")
	t.Setenv("OUTBOX_MAX_RETRIES", "9")
	t.Setenv("FINANCIAL_PANIC_THRESHOLD", "0")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.UsePostgres())
	assert.True(t, cfg.UseRedis())
	assert.Equal(t, "https://broker.internal/events", cfg.BrokerURL)
	assert.Equal(t, 3*time.Second, cfg.BrokerTimeout)
	assert.Equal(t, 9, cfg.OutboxMaxRetries)
	assert.Zero(t, cfg.FinancialPanicThreshold)
}

func TestLoadRolloutRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: conflict-budget
    expression: metrics["concurrent_conflicts_total"] <= 50
  - name: panic-clear
    expression: "!panic"
`), 0o644))

	rules, err := config.LoadRolloutRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "conflict-budget", rules[0].Name)
	assert.Equal(t, `metrics["concurrent_conflicts_total"] <= 50`, rules[0].Expression)
}

func TestLoadRolloutRulesEmptyPath(t *testing.T) {
	rules, err := config.LoadRolloutRules("")
	require.NoError(t, err)
	assert.Nil(t, rules)
}

func TestLoadRolloutRulesRejectsAnonymous(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - expression: \"!panic\"\n"), 0o644))

	_, err := config.LoadRolloutRules(path)
	assert.Error(t, err)
}
