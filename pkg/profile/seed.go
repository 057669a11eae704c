package profile

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// SeedFile is the YAML document used to pre-load profiles.
type SeedFile struct {
	Profiles []contracts.UserSafetyProfile `yaml:"profiles"`
}

// LoadSeedFile reads profile seeds from a YAML file.
func LoadSeedFile(path string) ([]contracts.UserSafetyProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return seed.Profiles, nil
}

// Seed upserts every profile from a seed file into the store.
func (s *Store) Seed(ctx context.Context, path string) (int, error) {
	profiles, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	for _, p := range profiles {
		if _, err := s.Upsert(ctx, p); err != nil {
			return 0, fmt.Errorf("seed profile %s: %w", p.UserID, err)
		}
	}
	return len(profiles), nil
}
