package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

const seedYAML = `
profiles:
  - user_id: alice
    consent: granted
    trigger_categories: [violence, abandonment]
    content_preferences:
      - category: violence
        max_intensity: low
        completely_blocked: true
    boundaries:
      - id: b-violence
        type: hard
        category: violence
        actions: [block]
    safe_words: [red]
  - user_id: bob
    consent: pending
`

func TestStore_Seed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	s := NewStore(DefaultWeights())
	n, err := s.Seed(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	alice, ok := s.Get("alice")
	require.True(t, ok)
	assert.Equal(t, contracts.IntensityLow, alice.ContentPreferences[0].MaxIntensity)
	assert.Equal(t, contracts.RiskModerate, alice.RiskLevel)

	bob, ok := s.Get("bob")
	require.True(t, ok)
	assert.Equal(t, contracts.RiskLow, bob.RiskLevel)
}

func TestLoadSeedFile_Missing(t *testing.T) {
	_, err := LoadSeedFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
