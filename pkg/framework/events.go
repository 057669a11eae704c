package framework

import (
	"context"

	"github.com/Mindburn-Labs/sanctuary/pkg/audit"
	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
	"github.com/Mindburn-Labs/sanctuary/pkg/session"
)

// observe records session events in the audit log and metrics. It runs
// under the session lock, so slow work is moved to the background.
func (f *Framework) observe(ev session.Event) {
	ctx := context.Background()

	var (
		typ     audit.EventType
		action  string
		payload = map[string]any{}
	)
	switch ev.Kind {
	case session.EventSessionCreated:
		typ = audit.EventSessionCreated
		payload["state"] = ev.To
	case session.EventStateChanged:
		typ = audit.EventStateChanged
		payload["from"], payload["to"], payload["reason"] = ev.From, ev.To, ev.Reason
	case session.EventCheckpoint:
		cp := ev.Checkpoint
		if cp == nil || cp.Source == contracts.CheckpointMonitor {
			return
		}
		typ = audit.EventCheckpoint
		payload["checkpoint_id"], payload["source"], payload["user_risk"] = cp.ID, cp.Source, cp.UserRisk
		if len(cp.Recommendations) > 0 {
			action = string(contracts.MostSevere(cp.Recommendations...))
		}
		if cp.Analysis != nil {
			payload["content_id"], payload["risk"] = cp.Analysis.ContentID, cp.Analysis.OverallRisk
		}
		if len(cp.ActionsTaken) > 0 {
			payload["actions_taken"] = cp.ActionsTaken
		}
	case session.EventViolation:
		v := ev.Violation
		typ = audit.EventViolation
		payload["violation_id"], payload["type"], payload["category"] = v.ID, v.Type, v.Category
		payload["severity"], payload["description"] = v.Severity, v.Description
		f.telemetry.RecordViolation(ctx, string(v.Type))
	case session.EventEmergency:
		e := ev.Emergency
		typ = audit.EventEmergency
		action = string(e.Action)
		payload["emergency_id"], payload["trigger"], payload["reason"] = e.ID, e.Trigger, e.Reason
		payload["follow_up_required"] = e.FollowUpRequired
		f.telemetry.RecordEmergency(ctx, string(e.Trigger))
		f.logger.Warn("emergency action",
			"session_id", ev.SessionID, "user_id", ev.UserID, "trigger", e.Trigger, "action", e.Action)
		f.reassess(ev.UserID)
	case session.EventFeedback:
		fb := ev.Feedback
		typ = audit.EventFeedback
		payload["comfort"], payload["crisis"] = fb.Comfort, fb.Crisis
	case session.EventSessionEnded:
		typ = audit.EventSessionEnded
		payload["state"], payload["reason"] = ev.To, ev.Reason
	default:
		return
	}

	if _, err := f.audit.Append(ctx, typ, ev.SessionID, ev.UserID, action, payload); err != nil {
		f.logger.Error("audit append failed", "type", typ, "session_id", ev.SessionID, "error", err)
	}
}

// reassess recomputes the user's risk once an emergency is on record.
func (f *Framework) reassess(userID string) {
	f.background(func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.CallTimeout)
		defer cancel()
		p, err := f.profiles.Reassess(ctx, userID)
		if err != nil {
			f.logger.Warn("profile reassessment failed", "user_id", userID, "error", err)
			return
		}
		f.logger.Info("profile reassessed", "user_id", userID, "risk", p.RiskLevel)
	})
}
