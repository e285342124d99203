package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/mahavishnu/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"/srv/repos"}, cfg.AllowedRepoRoots)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, 10*time.Minute, cfg.ExecTimeout)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 5, cfg.BreakerFailureThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.DLQMaxAge)
	assert.Equal(t, "mahavishnu-worker", cfg.WorkerBinary)
	assert.Equal(t, 3, cfg.SagaMaxRetries)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.RedisURL)
	assert.Greater(t, cfg.HTTPWriteTimeout, cfg.ExecTimeout,
		"write timeout must outlast synchronous workflow execution")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_REPO_ROOTS", "/srv/a,/srv/b")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("BREAKER_TIMEOUT", "90s")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.False(t, cfg.IsDev())
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, []string{"/srv/a", "/srv/b"}, cfg.AllowedRepoRoots)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.BreakerTimeout)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestRetryPolicy(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	cfg, err := config.Load()
	require.NoError(t, err)

	p := cfg.RetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, time.Minute, p.MaxDelay)
	assert.True(t, p.Jitter)
}

func TestRetryPolicyShortensInTestEnv(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := config.Load()
	require.NoError(t, err)
	require.True(t, cfg.IsTest())

	p := cfg.RetryPolicy()
	assert.Equal(t, 10*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 100*time.Millisecond, p.MaxDelay)
	assert.False(t, p.Jitter)
}

func TestPoolDefaultsLayerOverBuiltins(t *testing.T) {
	t.Setenv("POOL_HEALTH_INTERVAL", "2s")
	t.Setenv("POOL_SCALE_COOLDOWN", "45s")
	cfg, err := config.Load()
	require.NoError(t, err)

	pc := cfg.PoolDefaults("general")
	assert.Equal(t, "general", pc.PoolType)
	assert.Equal(t, 2*time.Second, pc.HealthInterval)
	assert.Equal(t, 45*time.Second, pc.ScaleCooldown)
	// Knobs left at their env defaults still come through.
	assert.Equal(t, 30*time.Second, pc.SpawnTimeout)
	assert.Equal(t, 30*time.Second, pc.GracefulShutdownTimeout)
	// Built-ins the config does not cover stay intact.
	assert.Greater(t, pc.MaxWorkers, 0)
	assert.GreaterOrEqual(t, pc.MaxWorkers, pc.MinWorkers)
}

func TestBreakerConfig(t *testing.T) {
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "7")
	t.Setenv("BREAKER_SUCCESS_THRESHOLD", "4")
	cfg, err := config.Load()
	require.NoError(t, err)

	bc := cfg.BreakerConfig()
	assert.Equal(t, 7, bc.FailureThreshold)
	assert.Equal(t, 4, bc.SuccessThreshold)
	assert.Equal(t, time.Minute, bc.Timeout)
}
