package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_SearchConfig(t *testing.T) {
	// Setup environment variables
	os.Setenv("SEARCH_LEXICAL_WEIGHT", "0.5")
	os.Setenv("SEARCH_VECTOR_WEIGHT", "0.5")
	defer func() {
		os.Unsetenv("SEARCH_LEXICAL_WEIGHT")
		os.Unsetenv("SEARCH_VECTOR_WEIGHT")
	}()

	cfg, err := Load()
	assert.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Search.LexicalWeight)
	assert.Equal(t, 0.5, cfg.Search.VectorWeight)
}

func TestLoad_Defaults(t *testing.T) {
	// Ensure env vars are cleared
	os.Unsetenv("SEARCH_LEXICAL_WEIGHT")
	os.Unsetenv("SEARCH_VECTOR_WEIGHT")
	os.Unsetenv("BREAKER_THRESHOLD")
	os.Unsetenv("BREAKER_RESET")

	cfg, err := Load()
	assert.NoError(t, err)

	assert.Equal(t, 0.4, cfg.Search.LexicalWeight)
	assert.Equal(t, 0.6, cfg.Search.VectorWeight)
	assert.Equal(t, 3, cfg.Resilience.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Resilience.BreakerReset)
	assert.Equal(t, 3, cfg.Resilience.HalfOpenTrials)
	assert.Equal(t, time.Hour, cfg.Resilience.FallbackCacheTTL)
	assert.Equal(t, "http://localhost:8108", cfg.Typesense.URL)
}

func TestLoad_ResilienceOverrides(t *testing.T) {
	os.Setenv("BREAKER_THRESHOLD", "5")
	os.Setenv("RETRY_BASE_DELAY", "750ms")
	defer func() {
		os.Unsetenv("BREAKER_THRESHOLD")
		os.Unsetenv("RETRY_BASE_DELAY")
	}()

	cfg, err := Load()
	assert.NoError(t, err)

	assert.Equal(t, 5, cfg.Resilience.BreakerThreshold)
	assert.Equal(t, 750*time.Millisecond, cfg.Resilience.RetryBaseDelay)
}
