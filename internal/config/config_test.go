package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 0.85, cfg.SemanticSimilarityThreshold)
	require.Equal(t, 0.40, cfg.DivergenceThreshold)
	require.Equal(t, 1, cfg.MinRoundsBeforeCheck)
	require.Equal(t, 0.66, cfg.EarlyStoppingThreshold)
	require.Equal(t, 1500, cfg.ContextTokenBudget)
}

func TestLoadCollectsMalformedVars(t *testing.T) {
	t.Setenv("KAIGI_MAX_ROUNDS", "not-a-number")
	t.Setenv("KAIGI_EARLY_STOPPING_ENABLED", "not-a-bool")

	_, err := Load()
	require.Error(t, err)
	require.ErrorContains(t, err, "KAIGI_MAX_ROUNDS")
	require.ErrorContains(t, err, "KAIGI_EARLY_STOPPING_ENABLED")
}
