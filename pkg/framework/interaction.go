package framework

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
	"github.com/Mindburn-Labs/sanctuary/pkg/emergency"
)

// InteractionKind names a user interaction.
type InteractionKind string

const (
	InteractionSafeWord      InteractionKind = "safe_word"
	InteractionEmergency     InteractionKind = "emergency"
	InteractionFeedback      InteractionKind = "feedback"
	InteractionBoundaryCheck InteractionKind = "boundary_check"
	InteractionGeneral       InteractionKind = "general"
	InteractionResume        InteractionKind = "resume"
)

// lowComfort is the comfort score at or below which a session is paused.
const lowComfort = 2

// Interaction is a user signal for a session. Which fields are read depends
// on Kind.
type Interaction struct {
	Kind     InteractionKind         `json:"kind"`
	SafeWord string                  `json:"safe_word,omitempty"`
	Reason   string                  `json:"reason,omitempty"`
	Category string                  `json:"category,omitempty"` // boundary_check
	Feedback *contracts.UserFeedback `json:"feedback,omitempty"`
}

// ProcessInteraction applies a user interaction and returns the resulting
// action. Every kind fails with SessionClosed once the session has ended.
func (f *Framework) ProcessInteraction(ctx context.Context, sessionID string, in Interaction) (action contracts.SafetyAction, err error) {
	release, err := f.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, done := f.telemetry.TrackOperation(ctx, "process_interaction",
		attribute.String("session.id", sessionID), attribute.String("interaction.kind", string(in.Kind)))
	defer func() { done(err) }()

	switch in.Kind {
	case InteractionSafeWord:
		action, err = f.safeWord(ctx, sessionID, in.SafeWord)
	case InteractionEmergency:
		reason := in.Reason
		if reason == "" {
			reason = "user requested an emergency stop"
		}
		var res emergency.Result
		res, err = f.emergency.Stop(ctx, sessionID, contracts.TriggerUserRequest, reason)
		action = res.Action
		if err == nil {
			f.guard.Forget(sessionID)
		}
	case InteractionFeedback:
		action, err = f.feedback(ctx, sessionID, in.Feedback)
	case InteractionBoundaryCheck:
		action, err = f.boundaryCheck(sessionID, in.Category)
	case InteractionGeneral:
		if err = f.sessions.Touch(sessionID); err == nil {
			action = contracts.ActionContinue
		}
	case InteractionResume:
		if err = f.sessions.Resume(sessionID); err == nil {
			f.guard.Reset(sessionID)
			action = contracts.ActionContinue
		}
	default:
		return "", contracts.NewValidationError(contracts.ErrInvalidInteraction,
			fmt.Sprintf("unknown interaction kind %q", in.Kind))
	}
	if err != nil {
		return "", err
	}

	f.runInteractionHooks(ctx, sessionID, in, action)
	return action, nil
}

func (f *Framework) safeWord(ctx context.Context, sessionID, word string) (contracts.SafetyAction, error) {
	st, err := f.sessions.Status(sessionID)
	if err != nil {
		return "", err
	}
	if p, ok := f.profiles.Get(st.UserID); ok && !p.IsSafeWord(word) {
		// A safe word is always honoured; an unknown one is only noted.
		f.logger.WarnContext(ctx, "unrecognised safe word honoured", "session_id", sessionID, "user_id", st.UserID)
	}
	res, err := f.emergency.Dispatch(ctx, sessionID, contracts.TriggerSafeWord, "safe word used")
	if err != nil {
		return "", err
	}
	return res.Action, nil
}

func (f *Framework) feedback(ctx context.Context, sessionID string, fb *contracts.UserFeedback) (contracts.SafetyAction, error) {
	if fb == nil {
		return "", contracts.NewValidationError(contracts.ErrInvalidInteraction, "feedback interaction carries no feedback")
	}
	if fb.Comfort < 0 || fb.Comfort > 10 {
		return "", contracts.NewValidationError(contracts.ErrInvalidInteraction, "comfort must be between 0 and 10")
	}
	if err := f.sessions.RecordFeedback(sessionID, *fb); err != nil {
		return "", err
	}

	switch {
	case fb.Crisis:
		res, err := f.emergency.Dispatch(ctx, sessionID, contracts.TriggerAutomaticDetection, "user reported a crisis")
		if err != nil {
			return "", err
		}
		f.guard.Forget(sessionID)
		return res.Action, nil
	case fb.Comfort <= lowComfort:
		if err := f.sessions.Pause(sessionID, "user reported low comfort"); err != nil {
			return "", err
		}
		return contracts.ActionPause, nil
	default:
		return contracts.ActionContinue, nil
	}
}

func (f *Framework) boundaryCheck(sessionID, category string) (contracts.SafetyAction, error) {
	if category == "" {
		return "", contracts.NewValidationError(contracts.ErrInvalidInteraction, "boundary check needs a category")
	}
	if err := f.sessions.Touch(sessionID); err != nil {
		return "", err
	}
	st, err := f.sessions.Status(sessionID)
	if err != nil {
		return "", err
	}
	p, ok := f.profiles.Get(st.UserID)
	if !ok {
		return "", contracts.NewValidationError(contracts.ErrProfileNotFound,
			fmt.Sprintf("no safety profile exists for user %s", st.UserID))
	}
	return BoundaryAction(p, category), nil
}

// BoundaryAction returns the action the profile asks for when content of a
// category is about to be produced.
func BoundaryAction(p contracts.UserSafetyProfile, category string) contracts.SafetyAction {
	action := contracts.ActionContinue
	if p.CompletelyBlocked(category) {
		action = contracts.ActionBlock
	}
	for _, tc := range p.TriggerCategories {
		if tc == category {
			action = contracts.MostSevere(action, contracts.ActionWarn)
		}
	}
	for _, b := range p.BoundariesFor(category) {
		switch b.Type {
		case contracts.BoundaryHard:
			action = contracts.MostSevere(action, contracts.ActionBlock)
		case contracts.BoundarySoft:
			if len(b.Actions) > 0 {
				action = contracts.MostSevere(action, b.Actions[0])
			} else {
				action = contracts.MostSevere(action, contracts.ActionWarn)
			}
		default:
			action = contracts.MostSevere(action, contracts.ActionWarn)
		}
	}
	return action
}
