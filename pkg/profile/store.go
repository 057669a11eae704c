// Package profile implements the RiskProfileStore: the exclusive owner of
// user safety profiles.
//
// Reads never take a lock: each user has an atomically swapped snapshot and
// Get returns a deep copy of it. Writes for the same user are serialized by a
// per-user mutex, recompute the user's risk level, advance LastUpdated and are
// written through to an optional Backend.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// EmergencyHistory reports how many emergency actions a user had recently.
// The session state machine implements it.
type EmergencyHistory interface {
	RecentEmergencies(userID string, since time.Time) int
}

type entry struct {
	mu  sync.Mutex
	cur atomic.Pointer[contracts.UserSafetyProfile]
}

// Store is the in-memory profile store.
type Store struct {
	entries     sync.Map // userID -> *entry
	weights     Weights
	backend     Backend
	history     EmergencyHistory
	callTimeout time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

// NewStore creates an empty store using the given risk weights.
func NewStore(weights Weights) *Store {
	return &Store{
		weights:     weights,
		callTimeout: 2 * time.Second,
		clock:       time.Now,
		logger:      slog.Default().With("component", "profile"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// SetBackend attaches a persistence backend. Writes are persisted through it
// with the store's call timeout.
func (s *Store) SetBackend(b Backend, callTimeout time.Duration) {
	s.backend = b
	if callTimeout > 0 {
		s.callTimeout = callTimeout
	}
}

// SetEmergencyHistory injects the source of recent emergency actions used by
// risk recomputation.
func (s *Store) SetEmergencyHistory(h EmergencyHistory) {
	s.history = h
}

// Weights returns the risk weights in use.
func (s *Store) Weights() Weights {
	return s.weights
}

// Get returns a copy of the user's current profile.
func (s *Store) Get(userID string) (contracts.UserSafetyProfile, bool) {
	v, ok := s.entries.Load(userID)
	if !ok {
		return contracts.UserSafetyProfile{}, false
	}
	p := v.(*entry).cur.Load()
	if p == nil {
		return contracts.UserSafetyProfile{}, false
	}
	return p.Clone(), true
}

// List returns copies of all profiles ordered by user id.
func (s *Store) List() []contracts.UserSafetyProfile {
	var out []contracts.UserSafetyProfile
	s.entries.Range(func(_, v any) bool {
		if p := v.(*entry).cur.Load(); p != nil {
			out = append(out, p.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Upsert validates and stores a full profile. The stored risk level is
// recomputed; the caller's RiskLevel field is ignored.
func (s *Store) Upsert(ctx context.Context, p contracts.UserSafetyProfile) (contracts.UserSafetyProfile, error) {
	p = p.Clone()
	if p.Consent == "" {
		p.Consent = contracts.ConsentNotGiven
	}
	if err := Validate(p); err != nil {
		return contracts.UserSafetyProfile{}, err
	}
	p.TriggerCategories = dedupe(p.TriggerCategories)
	return s.write(ctx, p.UserID, func(_ *contracts.UserSafetyProfile) (contracts.UserSafetyProfile, error) {
		return p, nil
	})
}

// UpdateConsent changes the user's consent status.
func (s *Store) UpdateConsent(ctx context.Context, userID string, status contracts.ConsentStatus) (contracts.UserSafetyProfile, error) {
	if !status.Valid() {
		return contracts.UserSafetyProfile{}, contracts.NewValidationError(contracts.ErrInvalidProfile,
			fmt.Sprintf("unknown consent status %q", status))
	}
	return s.write(ctx, userID, func(cur *contracts.UserSafetyProfile) (contracts.UserSafetyProfile, error) {
		if cur == nil {
			return contracts.UserSafetyProfile{}, notFound(userID)
		}
		next := cur.Clone()
		next.Consent = status
		return next, nil
	})
}

// AppendBoundaries adds boundaries to the user's profile. Boundaries whose id
// already exists replace the stored one.
func (s *Store) AppendBoundaries(ctx context.Context, userID string, boundaries []contracts.Boundary) (contracts.UserSafetyProfile, error) {
	for _, b := range boundaries {
		if err := validateBoundary(b); err != nil {
			return contracts.UserSafetyProfile{}, err
		}
	}
	return s.write(ctx, userID, func(cur *contracts.UserSafetyProfile) (contracts.UserSafetyProfile, error) {
		if cur == nil {
			return contracts.UserSafetyProfile{}, notFound(userID)
		}
		next := cur.Clone()
		for _, b := range boundaries {
			replaced := false
			for i := range next.Boundaries {
				if next.Boundaries[i].ID == b.ID {
					next.Boundaries[i] = b
					replaced = true
					break
				}
			}
			if !replaced {
				next.Boundaries = append(next.Boundaries, b)
			}
		}
		return next, nil
	})
}

// Reassess recomputes the user's risk level, for example after an emergency
// changed the user's recent history.
func (s *Store) Reassess(ctx context.Context, userID string) (contracts.UserSafetyProfile, error) {
	return s.write(ctx, userID, func(cur *contracts.UserSafetyProfile) (contracts.UserSafetyProfile, error) {
		if cur == nil {
			return contracts.UserSafetyProfile{}, notFound(userID)
		}
		return cur.Clone(), nil
	})
}

// Load hydrates a profile from the backend into the store.
func (s *Store) Load(ctx context.Context, userID string) (contracts.UserSafetyProfile, error) {
	if s.backend == nil {
		return contracts.UserSafetyProfile{}, notFound(userID)
	}
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	p, err := s.backend.Load(ctx, userID)
	if errors.Is(err, contracts.ErrProfileNotFound) {
		return contracts.UserSafetyProfile{}, notFound(userID)
	}
	if err != nil {
		return contracts.UserSafetyProfile{}, contracts.NewSystemError(contracts.ErrPersistence,
			"safety profile could not be loaded", err, false)
	}
	if err := Validate(p); err != nil {
		return contracts.UserSafetyProfile{}, err
	}

	v, _ := s.entries.LoadOrStore(userID, &entry{})
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur := e.cur.Load(); cur != nil {
		return cur.Clone(), nil
	}
	stored := p.Clone()
	e.cur.Store(&stored)
	return p, nil
}

// Export serializes the user's profile as a JSON document.
func (s *Store) Export(userID string) ([]byte, error) {
	p, ok := s.Get(userID)
	if !ok {
		return nil, notFound(userID)
	}
	return json.MarshalIndent(p, "", "  ")
}

// Import validates a JSON profile document against the profile schema and
// upserts it. LastUpdated is always reset by the store.
func (s *Store) Import(ctx context.Context, data []byte) (contracts.UserSafetyProfile, error) {
	if err := ValidateDocument(data); err != nil {
		return contracts.UserSafetyProfile{}, err
	}
	var p contracts.UserSafetyProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return contracts.UserSafetyProfile{}, contracts.NewValidationError(contracts.ErrInvalidProfile,
			"profile document is not valid JSON")
	}
	return s.Upsert(ctx, p)
}

// write applies mutate under the user's lock, recomputes risk, bumps
// LastUpdated, publishes the snapshot and persists it.
func (s *Store) write(ctx context.Context, userID string, mutate func(cur *contracts.UserSafetyProfile) (contracts.UserSafetyProfile, error)) (contracts.UserSafetyProfile, error) {
	v, _ := s.entries.LoadOrStore(userID, &entry{})
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.cur.Load()
	next, err := mutate(cur)
	if err != nil {
		return contracts.UserSafetyProfile{}, err
	}

	recent := 0
	if s.history != nil {
		since := s.clock().AddDate(0, 0, -s.weights.EmergencyLookback)
		recent = s.history.RecentEmergencies(userID, since)
	}
	next.RiskLevel = AssessRisk(next, recent, s.weights).Level

	now := s.clock().UTC()
	if cur != nil && !now.After(cur.LastUpdated) {
		now = cur.LastUpdated.Add(time.Nanosecond)
	}
	next.LastUpdated = now

	stored := next.Clone()
	e.cur.Store(&stored)

	if s.backend != nil {
		pctx, cancel := context.WithTimeout(ctx, s.callTimeout)
		if err := s.backend.Save(pctx, stored.Clone()); err != nil {
			s.logger.WarnContext(ctx, "profile persistence failed", "user_id", userID, "error", err)
		}
		cancel()
	}

	return next, nil
}

func notFound(userID string) error {
	return contracts.NewValidationError(contracts.ErrProfileNotFound,
		fmt.Sprintf("no safety profile exists for user %s", userID))
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
