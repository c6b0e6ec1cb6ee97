package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 10000, cfg.QueueCeiling)
	assert.Equal(t, 1000, cfg.MaxBatchSize)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)
	assert.Equal(t, 3, cfg.WebhookMaxRetries)
	assert.Equal(t, 100, cfg.RatePublic)
	assert.Equal(t, 30*24*time.Hour, cfg.ResultsTTL)
	assert.Equal(t, 90*24*time.Hour, cfg.MetadataTTL)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ADDR", ":9090")
	t.Setenv("WORKERS", "8")
	t.Setenv("JOB_TIMEOUT", "45s")
	t.Setenv("RATE_LIMIT_PARTNER", "9000")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 45*time.Second, cfg.JobTimeout)
	assert.Equal(t, 9000, cfg.RatePartner)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("WORKERS", "lots")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("JOB_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
}
