package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

type fixedHistory map[string]int

func (h fixedHistory) RecentEmergencies(userID string, _ time.Time) int {
	return h[userID]
}

type memBackend struct {
	mu       sync.Mutex
	profiles map[string]contracts.UserSafetyProfile
	failSave bool
}

func newMemBackend() *memBackend {
	return &memBackend{profiles: make(map[string]contracts.UserSafetyProfile)}
}

func (m *memBackend) Load(_ context.Context, userID string) (contracts.UserSafetyProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return contracts.UserSafetyProfile{}, contracts.ErrProfileNotFound
	}
	return p, nil
}

func (m *memBackend) Save(_ context.Context, p contracts.UserSafetyProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("disk full")
	}
	m.profiles[p.UserID] = p
	return nil
}

func frozenClock() func() time.Time {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func sampleProfile() contracts.UserSafetyProfile {
	return contracts.UserSafetyProfile{
		UserID:            "user-1",
		TriggerCategories: []string{"violence", "abandonment", "violence"},
		ContentPreferences: []contracts.ContentPreference{
			{Category: "violence", MaxIntensity: contracts.IntensityLow, CompletelyBlocked: true},
		},
		Boundaries: []contracts.Boundary{
			{ID: "b1", Type: contracts.BoundaryHard, Category: "violence", Actions: []contracts.SafetyAction{contracts.ActionBlock}},
		},
		SafeWords: []string{"red"},
		Consent:   contracts.ConsentGranted,
		RiskLevel: contracts.RiskCritical,
	}
}

func TestStore_UpsertRecomputesRisk(t *testing.T) {
	s := NewStore(DefaultWeights()).WithClock(frozenClock())
	ctx := context.Background()

	p, err := s.Upsert(ctx, sampleProfile())
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskModerate, p.RiskLevel, "caller risk level must be ignored")
	assert.Equal(t, []string{"abandonment", "violence"}, p.TriggerCategories)

	got, ok := s.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, p, got)
}

func TestStore_UpsertDefaultsConsent(t *testing.T) {
	s := NewStore(DefaultWeights())
	p, err := s.Upsert(context.Background(), contracts.UserSafetyProfile{UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, contracts.ConsentNotGiven, p.Consent)
}

func TestStore_UpsertRejectsInvalid(t *testing.T) {
	s := NewStore(DefaultWeights())
	_, err := s.Upsert(context.Background(), contracts.UserSafetyProfile{})
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrInvalidProfile)
	assert.Equal(t, contracts.KindValidationFailed, contracts.KindOf(err))

	_, ok := s.Get("")
	assert.False(t, ok)
}

func TestStore_LastUpdatedIsMonotonic(t *testing.T) {
	s := NewStore(DefaultWeights()).WithClock(frozenClock())
	ctx := context.Background()

	first, err := s.Upsert(ctx, sampleProfile())
	require.NoError(t, err)
	second, err := s.UpdateConsent(ctx, "user-1", contracts.ConsentWithdrawn)
	require.NoError(t, err)

	assert.True(t, second.LastUpdated.After(first.LastUpdated))
	assert.Equal(t, contracts.ConsentWithdrawn, second.Consent)
}

func TestStore_UpdateConsentUnknownUser(t *testing.T) {
	s := NewStore(DefaultWeights())
	_, err := s.UpdateConsent(context.Background(), "ghost", contracts.ConsentGranted)
	assert.ErrorIs(t, err, contracts.ErrProfileNotFound)

	_, err = s.UpdateConsent(context.Background(), "ghost", "maybe")
	assert.ErrorIs(t, err, contracts.ErrInvalidProfile)
}

func TestStore_AppendBoundariesReplacesByID(t *testing.T) {
	s := NewStore(DefaultWeights())
	ctx := context.Background()
	_, err := s.Upsert(ctx, sampleProfile())
	require.NoError(t, err)

	p, err := s.AppendBoundaries(ctx, "user-1", []contracts.Boundary{
		{ID: "b1", Type: contracts.BoundarySoft, Category: "violence", Actions: []contracts.SafetyAction{contracts.ActionWarn}},
		{ID: "b2", Type: contracts.BoundaryNegotiable, Category: "heights"},
	})
	require.NoError(t, err)
	require.Len(t, p.Boundaries, 2)
	assert.Equal(t, contracts.BoundarySoft, p.Boundaries[0].Type)
	assert.Equal(t, "heights", p.Boundaries[1].Category)

	_, err = s.AppendBoundaries(ctx, "user-1", []contracts.Boundary{{ID: "", Type: contracts.BoundaryHard, Category: "x"}})
	assert.ErrorIs(t, err, contracts.ErrInvalidProfile)
}

func TestStore_ReassessUsesEmergencyHistory(t *testing.T) {
	s := NewStore(DefaultWeights())
	ctx := context.Background()
	_, err := s.Upsert(ctx, sampleProfile())
	require.NoError(t, err)

	s.SetEmergencyHistory(fixedHistory{"user-1": 5})
	p, err := s.Reassess(ctx, "user-1")
	require.NoError(t, err)
	// 2*0.5 + 1*0.8 + 5*1.0 = 6.8
	assert.Equal(t, contracts.RiskHigh, p.RiskLevel)
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore(DefaultWeights())
	_, err := s.Upsert(context.Background(), sampleProfile())
	require.NoError(t, err)

	p, _ := s.Get("user-1")
	p.SafeWords[0] = "green"
	p.Boundaries[0].Type = contracts.BoundaryNegotiable

	again, _ := s.Get("user-1")
	assert.Equal(t, "red", again.SafeWords[0])
	assert.Equal(t, contracts.BoundaryHard, again.Boundaries[0].Type)
}

func TestStore_ExportImportRoundTrip(t *testing.T) {
	tick := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	s := NewStore(DefaultWeights()).WithClock(clock)
	ctx := context.Background()

	orig, err := s.Upsert(ctx, sampleProfile())
	require.NoError(t, err)

	doc, err := s.Export("user-1")
	require.NoError(t, err)

	imported, err := s.Import(ctx, doc)
	require.NoError(t, err)

	assert.True(t, imported.LastUpdated.After(orig.LastUpdated))
	imported.LastUpdated = orig.LastUpdated
	assert.Equal(t, orig, imported)
}

func TestStore_ImportRejectsSchemaViolation(t *testing.T) {
	s := NewStore(DefaultWeights())
	_, err := s.Import(context.Background(), []byte(`{"user_id":"u","consent":"granted","shoe_size":44}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrInvalidProfile)

	_, err = s.Import(context.Background(), []byte(`{"user_id":"u","consent":"granted","content_preferences":[{"category":"x","max_intensity":"blinding"}]}`))
	assert.ErrorIs(t, err, contracts.ErrInvalidProfile)

	_, err = s.Import(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, contracts.ErrInvalidProfile)
}

func TestStore_ExportUnknownUser(t *testing.T) {
	_, err := NewStore(DefaultWeights()).Export("ghost")
	assert.ErrorIs(t, err, contracts.ErrProfileNotFound)
}

func TestStore_BackendWriteThroughAndLoad(t *testing.T) {
	backend := newMemBackend()
	s := NewStore(DefaultWeights())
	s.SetBackend(backend, time.Second)
	ctx := context.Background()

	_, err := s.Upsert(ctx, sampleProfile())
	require.NoError(t, err)

	stored, err := backend.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskModerate, stored.RiskLevel)

	fresh := NewStore(DefaultWeights())
	fresh.SetBackend(backend, time.Second)
	p, err := fresh.Load(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)

	_, ok := fresh.Get("user-1")
	assert.True(t, ok)

	_, err = fresh.Load(ctx, "ghost")
	assert.ErrorIs(t, err, contracts.ErrProfileNotFound)
}

func TestStore_BackendFailureKeepsInMemoryChange(t *testing.T) {
	backend := newMemBackend()
	backend.failSave = true
	s := NewStore(DefaultWeights())
	s.SetBackend(backend, time.Second)

	p, err := s.Upsert(context.Background(), sampleProfile())
	require.NoError(t, err)

	got, ok := s.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, p, got)
}

func TestStore_LoadWithoutBackend(t *testing.T) {
	_, err := NewStore(DefaultWeights()).Load(context.Background(), "u")
	assert.ErrorIs(t, err, contracts.ErrProfileNotFound)
}

func TestStore_ConcurrentWritesAndReads(t *testing.T) {
	s := NewStore(DefaultWeights())
	ctx := context.Background()
	_, err := s.Upsert(ctx, sampleProfile())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			status := contracts.ConsentGranted
			if i%2 == 0 {
				status = contracts.ConsentPending
			}
			_, _ = s.UpdateConsent(ctx, "user-1", status)
		}(i)
		go func() {
			defer wg.Done()
			p, ok := s.Get("user-1")
			assert.True(t, ok)
			assert.NotEmpty(t, p.Consent)
		}()
	}
	wg.Wait()

	list := s.List()
	require.Len(t, list, 1)
}
