package framework

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/sanctuary/pkg/audit"
	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
	"github.com/Mindburn-Labs/sanctuary/pkg/pacing"
	"github.com/Mindburn-Labs/sanctuary/pkg/session"
)

// ValidateContent assesses content for a session and returns the analysis
// and the verdict the engine must honour. Engines call it before emitting
// any generated artifact and substitute fallback content on block or
// escalate.
//
// A classifier failure does not fail the call: the configured fallback
// behaviour decides the verdict and the failure is audited.
func (f *Framework) ValidateContent(ctx context.Context, sessionID string, content contracts.Content) (analysis contracts.ContentAnalysis, action contracts.SafetyAction, err error) {
	release, err := f.acquire(ctx)
	if err != nil {
		return contracts.ContentAnalysis{}, "", err
	}
	defer release()

	ctx, done := f.telemetry.TrackOperation(ctx, "validate_content",
		attribute.String("session.id", sessionID), attribute.String("content.kind", string(content.Kind)))
	defer func() { done(err) }()

	st, err := f.sessions.Status(sessionID)
	if err != nil {
		return contracts.ContentAnalysis{}, "", err
	}
	if st.State.Terminal() {
		return contracts.ContentAnalysis{}, "", session.ClosedError(sessionID)
	}
	p, ok := f.profiles.Get(st.UserID)
	if !ok {
		return contracts.ContentAnalysis{}, "", contracts.NewValidationError(contracts.ErrProfileNotFound,
			fmt.Sprintf("no safety profile exists for user %s", st.UserID))
	}

	actx, cancel := context.WithTimeout(ctx, f.cfg.CallTimeout)
	analysis, err = f.assessor.Analyze(actx, content, p)
	cancel()
	if err != nil {
		return f.fallback(ctx, sessionID, st.UserID, content, err)
	}

	action, err = f.sessions.RecordCheckpoint(sessionID, analysis)
	if err != nil {
		return contracts.ContentAnalysis{}, "", err
	}

	action = f.pace(ctx, sessionID, &analysis, action)

	if analysis.Recommends(contracts.ActionEscalate) && action != contracts.ActionTerminate {
		action = contracts.ActionEscalate
		f.logger.WarnContext(ctx, "content escalated",
			"session_id", sessionID, "user_id", st.UserID, "content_id", content.ID, "risk", analysis.OverallRisk)
	}

	f.telemetry.RecordValidation(ctx, string(action))
	if action != contracts.ActionContinue {
		f.logger.InfoContext(ctx, "content verdict",
			"session_id", sessionID, "content_id", content.ID, "action", action, "reason", analysis.Reason)
	}
	return analysis, action, nil
}

// pace applies the pacing guard to content that is about to be delivered.
func (f *Framework) pace(ctx context.Context, sessionID string, analysis *contracts.ContentAnalysis, action contracts.SafetyAction) contracts.SafetyAction {
	switch action {
	case contracts.ActionContinue, contracts.ActionWarn, contracts.ActionModify:
	default:
		return action
	}

	d := f.guard.Evaluate(sessionID, analysis.Intensity)
	switch d.Level {
	case pacing.LevelPause:
		if err := f.sessions.Pause(sessionID, d.Reason); err != nil {
			f.logger.WarnContext(ctx, "pacing pause failed", "session_id", sessionID, "error", err)
			return action
		}
		analysis.Reason = joinReason(analysis.Reason, d.Reason)
		return contracts.MostSevere(action, contracts.ActionPause)
	case pacing.LevelSlow:
		analysis.Reason = joinReason(analysis.Reason, d.Reason)
		return contracts.MostSevere(action, contracts.ActionWarn)
	default:
		return action
	}
}

// fallback answers a validation whose assessment failed.
func (f *Framework) fallback(ctx context.Context, sessionID, userID string, content contracts.Content, cause error) (contracts.ContentAnalysis, contracts.SafetyAction, error) {
	behavior := f.cfg.Fallback
	action := behavior.Action()
	reason := contracts.ReasonOf(cause)

	f.logger.ErrorContext(ctx, "content assessment failed, applying fallback",
		"session_id", sessionID, "user_id", userID, "content_id", content.ID,
		"fallback", behavior, "critical", contracts.IsCritical(cause), "error", cause)
	if _, err := f.audit.Append(ctx, audit.EventSystemError, sessionID, userID, string(action), map[string]any{
		"content_id": content.ID,
		"fallback":   string(behavior),
		"error":      cause.Error(),
	}); err != nil {
		f.logger.ErrorContext(ctx, "audit append failed", "type", audit.EventSystemError, "error", err)
	}

	if err := f.sessions.RecordFallback(sessionID, action, string(behavior), reason); err != nil {
		return contracts.ContentAnalysis{}, "", err
	}
	if behavior == FallbackSessionPause {
		if err := f.sessions.Pause(sessionID, reason); err != nil && !errors.Is(err, contracts.ErrSessionClosed) {
			f.logger.WarnContext(ctx, "fallback pause failed", "session_id", sessionID, "error", err)
		}
	}

	if contracts.IsCritical(cause) {
		n := f.EmergencyStopAll(ctx, "critical system error: "+reason)
		f.logger.ErrorContext(ctx, "critical system error stopped all sessions", "stopped", n)
		action = contracts.ActionTerminate
	}

	f.telemetry.RecordValidation(ctx, string(action))
	analysis := contracts.ContentAnalysis{
		ContentID:          content.ID,
		UserID:             userID,
		Intensity:          content.DeclaredIntensity,
		OverallRisk:        f.sessions.Ceiling(),
		RecommendedActions: []contracts.SafetyAction{action},
		Reason:             reason,
	}
	return analysis, action, nil
}

func joinReason(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}
