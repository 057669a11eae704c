package emergency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
	"github.com/Mindburn-Labs/sanctuary/pkg/session"
)

type profiles map[string]contracts.UserSafetyProfile

func (p profiles) Get(userID string) (contracts.UserSafetyProfile, bool) {
	v, ok := p[userID]
	return v, ok
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []Notification
	fail bool
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	if r.fail {
		return errors.New("unreachable")
	}
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func setup(t *testing.T, notifier Notifier) (*Dispatcher, *session.Machine) {
	t.Helper()
	ps := profiles{
		"alice": {
			UserID:    "alice",
			RiskLevel: contracts.RiskLow,
			Consent:   contracts.ConsentGranted,
			EmergencyContacts: []contracts.EmergencyContact{
				{Name: "Sam", Channel: "webhook", Address: "http://example.invalid/hook"},
			},
		},
	}
	m := session.NewMachine(ps, contracts.RiskHigh)
	return NewDispatcher(m, ps, notifier, Config{CallTimeout: time.Second}), m
}

func TestDispatch_SafeWordSuspends(t *testing.T) {
	n := &recordingNotifier{}
	d, m := setup(t, n)
	s, err := m.Create("alice")
	require.NoError(t, err)

	res, err := d.Dispatch(context.Background(), s.ID, contracts.TriggerSafeWord, "red")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionPause, res.Action)
	assert.False(t, res.Repeat)
	assert.Equal(t, contracts.TriggerSafeWord, res.Record.Trigger)
	assert.Equal(t, 1, res.Notices)

	res, err = d.Dispatch(context.Background(), s.ID, contracts.TriggerSafeWord, "red")
	require.NoError(t, err)
	assert.True(t, res.Repeat)
	assert.Equal(t, 0, res.Notices)

	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, 1, n.count())

	snap, _ := m.Snapshot(s.ID)
	assert.Equal(t, contracts.StateSafeWordTriggered, snap.State)
}

func TestDispatch_AutomaticDetectionStops(t *testing.T) {
	d, m := setup(t, &recordingNotifier{fail: true})
	s, _ := m.Create("alice")

	res, err := d.Dispatch(context.Background(), s.ID, contracts.TriggerAutomaticDetection, "crisis")
	require.NoError(t, err, "notification failures never fail the dispatch")
	assert.Equal(t, contracts.ActionTerminate, res.Action)
	assert.Equal(t, contracts.ResponseTerminate, res.Record.Action)
	require.NoError(t, d.Wait(context.Background()))

	_, err = d.Dispatch(context.Background(), s.ID, contracts.TriggerSafeWord, "red")
	assert.ErrorIs(t, err, contracts.ErrSessionClosed)
}

func TestDispatch_UserRequestAndUnknownTrigger(t *testing.T) {
	d, m := setup(t, nil)
	s, _ := m.Create("alice")

	res, err := d.Dispatch(context.Background(), s.ID, contracts.TriggerUserRequest, "need a break")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionPause, res.Action)

	_, err = d.Dispatch(context.Background(), s.ID, "telepathy", "?")
	assert.ErrorIs(t, err, contracts.ErrInvalidInteraction)

	_, err = d.Dispatch(context.Background(), "missing", contracts.TriggerSafeWord, "red")
	assert.ErrorIs(t, err, contracts.ErrSessionNotFound)
}

func TestDispatchGlobal(t *testing.T) {
	n := &recordingNotifier{}
	d, m := setup(t, n)
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		s, err := m.Create("alice")
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	require.NoError(t, m.EndSession(ids[0], "normal"))

	stopped := d.DispatchGlobal(context.Background(), contracts.TriggerSystemError, "operator stop")
	assert.Equal(t, 4, stopped)
	assert.Equal(t, 0, m.CountByState()[contracts.StateActive])
	assert.Equal(t, 4, m.CountByState()[contracts.StateEmergencyStop])
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, 3, n.count(), "notifications are throttled per user")
}

func TestChannelRouter(t *testing.T) {
	hook := &recordingNotifier{}
	r := ChannelRouter{"webhook": hook, "email": LogNotifier{}}

	require.NoError(t, r.Notify(context.Background(), Notification{Contact: contracts.EmergencyContact{Channel: "webhook"}}))
	require.NoError(t, r.Notify(context.Background(), Notification{Contact: contracts.EmergencyContact{Channel: "email"}}))
	err := r.Notify(context.Background(), Notification{Contact: contracts.EmergencyContact{Channel: "sms"}})
	assert.ErrorIs(t, err, ErrUnsupportedChannel)
	assert.Equal(t, 1, hook.count())
}

func TestStop_UserRequestTerminates(t *testing.T) {
	n := &recordingNotifier{}
	d, m := setup(t, n)
	s, err := m.Create("alice")
	require.NoError(t, err)

	res, err := d.Stop(context.Background(), s.ID, contracts.TriggerUserRequest, "user pressed stop")
	require.NoError(t, err)
	assert.Equal(t, contracts.ActionTerminate, res.Action)
	assert.Equal(t, contracts.ResponseTerminate, res.Record.Action)
	assert.Equal(t, contracts.TriggerUserRequest, res.Record.Trigger)

	snap, err := m.Snapshot(s.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateEmergencyStop, snap.State)

	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, 1, n.count())
}
