package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sanctuary/pkg/config"
	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
	"github.com/Mindburn-Labs/sanctuary/pkg/pacing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "SANCTUARY_") {
			t.Setenv(key, "")
			require.NoError(t, os.Unsetenv(key))
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.CheckpointInterval)
	assert.Equal(t, 60*time.Second, cfg.TimeoutSweepInterval)
	assert.Equal(t, 120*time.Minute, cfg.SessionTimeout())
	assert.True(t, cfg.TimeoutPaused)
	assert.Equal(t, contracts.RiskHigh, cfg.Ceiling())
	assert.Equal(t, int64(32), cfg.MaxWorkers)
	assert.Equal(t, 2*time.Second, cfg.CallTimeout)
	assert.Equal(t, config.FallbackSafeDefault, cfg.FallbackBehavior)
	assert.Equal(t, config.BackendMemory, cfg.ProfileBackend)
	assert.Equal(t, "fs", cfg.Archive.Type)
	assert.False(t, cfg.OTelEnabled)

	assert.Equal(t, 0.5, cfg.Policy.Weights.TriggerCategory)
	assert.Equal(t, 8.0, cfg.Policy.Weights.CriticalAt)
	assert.Equal(t, 3, cfg.Policy.Assessor.EscalationCategoryCount)
	assert.NotEmpty(t, cfg.Policy.Lexicon["violence"])
	assert.Equal(t, 10*time.Minute, cfg.Policy.Pacing.Window)
	require.Len(t, cfg.Policy.Pacing.Thresholds, 2)
	assert.Equal(t, pacing.LevelPause, cfg.Policy.Pacing.Thresholds[1].Level)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SANCTUARY_SESSION_TIMEOUT_MINUTES", "45")
	t.Setenv("SANCTUARY_RISK_CEILING", "moderate")
	t.Setenv("SANCTUARY_FALLBACK_BEHAVIOR", "session_pause")
	t.Setenv("SANCTUARY_TIMEOUT_PAUSED", "false")
	t.Setenv("SANCTUARY_ARCHIVE_TYPE", "s3")
	t.Setenv("SANCTUARY_ARCHIVE_BUCKET", "reports")
	t.Setenv("SANCTUARY_LOG_LEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Minute, cfg.SessionTimeout())
	assert.Equal(t, contracts.RiskModerate, cfg.Ceiling())
	assert.Equal(t, config.FallbackSessionPause, cfg.FallbackBehavior)
	assert.False(t, cfg.TimeoutPaused)
	assert.Equal(t, "reports", cfg.Archive.Bucket)
	assert.Equal(t, "DEBUG", cfg.SlogLevel().String())
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("SANCTUARY_RISK_CEILING", "extreme")
	t.Setenv("SANCTUARY_FALLBACK_BEHAVIOR", "ignore")
	t.Setenv("SANCTUARY_PROFILE_BACKEND", "postgres")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SANCTUARY_RISK_CEILING")
	assert.Contains(t, err.Error(), "SANCTUARY_FALLBACK_BEHAVIOR")
	assert.Contains(t, err.Error(), "SANCTUARY_DATABASE_URL")
}

func TestLoadPolicy_LayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
weights:
  hard_boundary: 1.2
lexicon:
  storms:
    - {text: thunder, severity: low}
profile_seeds: seeds.yaml
`), 0o600))

	p, err := config.LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, 1.2, p.Weights.HardBoundary)
	assert.Equal(t, 0.5, p.Weights.TriggerCategory)
	assert.Equal(t, filepath.Join(dir, "seeds.yaml"), p.ProfileSeeds)
	require.Len(t, p.Lexicon["storms"], 1)
	assert.Equal(t, contracts.IntensityLow, p.Lexicon["storms"][0].Severity)
	require.NoError(t, p.Validate())
}

func TestPolicy_ValidateRejectsBadRules(t *testing.T) {
	p := config.DefaultPolicy()
	p.Rules = append(p.Rules, p.Rules[0])
	p.Rules[len(p.Rules)-1].Expr = "content.kind +"
	p.Weights.HighAt = 20

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy rules")
	assert.Contains(t, err.Error(), "thresholds must increase")
}

func TestPolicy_Classifier(t *testing.T) {
	cls, err := config.DefaultPolicy().Classifier()
	require.NoError(t, err)

	res, err := cls.Classify(context.Background(), contracts.Content{
		ID:       "c1",
		Kind:     contracts.ContentVisual,
		Text:     "A haunted house",
		Tags:     []string{"violence:high"},
		Metadata: map[string]string{"strobe_hz": "5"},
	})
	require.NoError(t, err)

	got := map[string]contracts.IntensityLevel{}
	for _, m := range res.Matches {
		got[m.Category] = m.Severity
	}
	assert.Equal(t, contracts.IntensityModerate, got["horror"])
	assert.Equal(t, contracts.IntensityHigh, got["violence"])
	assert.Equal(t, contracts.IntensityHigh, got["flashing"])
}
