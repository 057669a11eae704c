package framework

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/sanctuary/pkg/audit"
	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
	"github.com/Mindburn-Labs/sanctuary/pkg/session"
)

// HookPoint is where in the generation lifecycle a hook runs.
type HookPoint string

const (
	PreGeneration   HookPoint = "pre_generation"
	PostGeneration  HookPoint = "post_generation"
	DuringRendering HookPoint = "during_rendering"
	UserInteraction HookPoint = "user_interaction"
)

// GenerationRequest describes what an engine is about to generate.
type GenerationRequest struct {
	SessionID string                   `json:"session_id"`
	UserID    string                   `json:"user_id"`
	Kind      contracts.ContentKind    `json:"kind"`
	Prompt    string                   `json:"prompt,omitempty"`
	Tags      []string                 `json:"tags,omitempty"`
	Intensity contracts.IntensityLevel `json:"intensity"`
	Metadata  map[string]string        `json:"metadata,omitempty"`
}

// HookEvent is passed to observe hooks.
type HookEvent struct {
	Point     HookPoint              `json:"point"`
	SessionID string                 `json:"session_id"`
	Kind      string                 `json:"kind"`
	Action    contracts.SafetyAction `json:"action,omitempty"`
	Detail    map[string]string      `json:"detail,omitempty"`
}

// PreGenerationHook decides whether generation may start.
type PreGenerationHook func(ctx context.Context, req GenerationRequest) (allow bool, reason string, err error)

// PostGenerationHook may rewrite a validated artifact.
type PostGenerationHook func(ctx context.Context, artifact contracts.Content, analysis contracts.ContentAnalysis) (contracts.Content, bool, error)

// ObserveHook is told about rendering progress and user interactions.
type ObserveHook func(ctx context.Context, ev HookEvent) error

// Hook is one engine callback. Exactly the function matching Point is set.
// A failing Blocking hook denies the operation it guards.
type Hook struct {
	Name     string
	Point    HookPoint
	Blocking bool
	Pre      PreGenerationHook
	Post     PostGenerationHook
	Observe  ObserveHook
}

func (h Hook) validate() error {
	if h.Name == "" {
		return errors.New("hook has no name")
	}
	var ok bool
	switch h.Point {
	case PreGeneration:
		ok = h.Pre != nil && h.Post == nil && h.Observe == nil
	case PostGeneration:
		ok = h.Post != nil && h.Pre == nil && h.Observe == nil
	case DuringRendering, UserInteraction:
		ok = h.Observe != nil && h.Pre == nil && h.Post == nil
	default:
		return fmt.Errorf("hook %s: unknown point %q", h.Name, h.Point)
	}
	if !ok {
		return fmt.Errorf("hook %s: function does not match point %s", h.Name, h.Point)
	}
	return nil
}

// EngineIntegration is a content-generation engine plugged into the
// framework. RequiresFramework is a semver constraint such as "^1.2".
// Fallback is delivered instead of any artifact that may not be shown.
type EngineIntegration struct {
	Name              string
	Version           string
	RequiresFramework string
	Hooks             []Hook
	Fallback          contracts.Content
}

func (e *EngineIntegration) hooks(p HookPoint) []Hook {
	var out []Hook
	for _, h := range e.Hooks {
		if h.Point == p {
			out = append(out, h)
		}
	}
	return out
}

// GenerationResult is what PostGenerate hands back to the engine.
type GenerationResult struct {
	Content     contracts.Content         `json:"content"`
	Analysis    contracts.ContentAnalysis `json:"analysis"`
	Action      contracts.SafetyAction    `json:"action"`
	Substituted bool                      `json:"substituted"` // Content is the fallback
	Modified    bool                      `json:"modified"`    // a hook rewrote the artifact
}

// RegisterEngineIntegration adds or replaces an integration after checking
// it is compatible with this framework version.
func (f *Framework) RegisterEngineIntegration(ctx context.Context, in EngineIntegration) error {
	if in.Name == "" {
		return contracts.NewValidationError(contracts.ErrIntegrationIncompatible, "integration has no name")
	}
	if in.RequiresFramework != "" {
		constraint, err := semver.NewConstraint(in.RequiresFramework)
		if err != nil {
			return contracts.NewIntegrationError(contracts.ErrIntegrationIncompatible,
				fmt.Sprintf("integration %s has an invalid framework constraint %q", in.Name, in.RequiresFramework), err)
		}
		if !constraint.Check(semver.MustParse(Version)) {
			return contracts.NewIntegrationError(contracts.ErrIntegrationIncompatible,
				fmt.Sprintf("integration %s requires framework %s, but running %s", in.Name, in.RequiresFramework, Version), nil)
		}
	}
	for _, h := range in.Hooks {
		if err := h.validate(); err != nil {
			return contracts.NewIntegrationError(contracts.ErrIntegrationIncompatible,
				fmt.Sprintf("integration %s: %v", in.Name, err), err)
		}
	}

	reg := in
	reg.Hooks = append([]Hook(nil), in.Hooks...)
	reg.Fallback = in.Fallback.Clone()

	f.intMu.Lock()
	_, replaced := f.integrations[in.Name]
	f.integrations[in.Name] = &reg
	f.intMu.Unlock()

	f.logger.InfoContext(ctx, "engine integration registered",
		"integration", in.Name, "version", in.Version, "hooks", len(in.Hooks), "replaced", replaced)
	if _, err := f.audit.Append(ctx, audit.EventIntegrationRegistered, "", "", "", map[string]any{
		"name":               in.Name,
		"version":            in.Version,
		"requires_framework": in.RequiresFramework,
		"hooks":              len(in.Hooks),
	}); err != nil {
		f.logger.ErrorContext(ctx, "audit append failed", "type", audit.EventIntegrationRegistered, "error", err)
	}
	return nil
}

// Integrations lists registered integration names.
func (f *Framework) Integrations() []string {
	f.intMu.RLock()
	defer f.intMu.RUnlock()
	names := make([]string, 0, len(f.integrations))
	for name := range f.integrations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *Framework) integration(name string) (*EngineIntegration, error) {
	f.intMu.RLock()
	defer f.intMu.RUnlock()
	in, ok := f.integrations[name]
	if !ok {
		return nil, contracts.NewIntegrationError(contracts.ErrIntegrationNotFound,
			fmt.Sprintf("no engine integration named %s", name), nil)
	}
	return in, nil
}

// PreGenerate runs the integration's pre-generation hooks. Generation may
// start only when allow is true. A blocking hook that fails denies.
func (f *Framework) PreGenerate(ctx context.Context, integration string, req GenerationRequest) (allow bool, reason string, err error) {
	ctx, done := f.telemetry.TrackOperation(ctx, "pre_generate",
		attribute.String("integration", integration), attribute.String("session.id", req.SessionID))
	defer func() { done(err) }()

	in, err := f.integration(integration)
	if err != nil {
		return false, "", err
	}
	st, err := f.sessions.Status(req.SessionID)
	if err != nil {
		return false, "", err
	}
	if st.State.Terminal() {
		return false, "", session.ClosedError(req.SessionID)
	}
	if st.State != contracts.StateActive {
		return false, fmt.Sprintf("session is %s", st.State), nil
	}
	req.UserID = st.UserID

	for _, h := range in.hooks(PreGeneration) {
		ok, why, herr := h.Pre(ctx, req)
		if herr != nil {
			if h.Blocking {
				f.logger.ErrorContext(ctx, "blocking pre-generation hook failed",
					"integration", integration, "hook", h.Name, "session_id", req.SessionID, "error", herr)
				return false, fmt.Sprintf("safety hook %s failed", h.Name), nil
			}
			f.logger.WarnContext(ctx, "pre-generation hook failed",
				"integration", integration, "hook", h.Name, "session_id", req.SessionID, "error", herr)
			continue
		}
		if !ok {
			if why == "" {
				why = fmt.Sprintf("denied by %s", h.Name)
			}
			return false, why, nil
		}
	}
	return true, "", nil
}

// PostGenerate validates a generated artifact, lets post-generation hooks
// rewrite it and substitutes the integration's fallback content whenever
// the artifact may not be delivered.
func (f *Framework) PostGenerate(ctx context.Context, integration, sessionID string, artifact contracts.Content) (GenerationResult, error) {
	in, err := f.integration(integration)
	if err != nil {
		return GenerationResult{}, err
	}

	analysis, action, err := f.ValidateContent(ctx, sessionID, artifact)
	if err != nil {
		return GenerationResult{}, err
	}
	if mustSubstitute(action) {
		return f.substitute(in, analysis, action), nil
	}

	res := GenerationResult{Content: artifact, Analysis: analysis, Action: action}
	for _, h := range in.hooks(PostGeneration) {
		out, modified, herr := h.Post(ctx, res.Content, res.Analysis)
		if herr != nil {
			if h.Blocking {
				f.logger.ErrorContext(ctx, "blocking post-generation hook failed",
					"integration", integration, "hook", h.Name, "session_id", sessionID, "error", herr)
				return f.substitute(in, analysis, contracts.MostSevere(action, contracts.ActionBlock)), nil
			}
			f.logger.WarnContext(ctx, "post-generation hook failed",
				"integration", integration, "hook", h.Name, "session_id", sessionID, "error", herr)
			continue
		}
		if modified {
			res.Content = out
			res.Modified = true
		}
	}
	if !res.Modified {
		return res, nil
	}

	// Rewritten artifacts are validated again before delivery.
	analysis, action, err = f.ValidateContent(ctx, sessionID, res.Content)
	if err != nil {
		return GenerationResult{}, err
	}
	if mustSubstitute(action) {
		return f.substitute(in, analysis, action), nil
	}
	res.Analysis, res.Action = analysis, action
	return res, nil
}

// Notify runs the integration's during-rendering hooks. A failing blocking
// hook is reported as an integration error.
func (f *Framework) Notify(ctx context.Context, integration string, ev HookEvent) error {
	in, err := f.integration(integration)
	if err != nil {
		return err
	}
	ev.Point = DuringRendering
	return f.runObserve(ctx, in, DuringRendering, ev)
}

func (f *Framework) runInteractionHooks(ctx context.Context, sessionID string, in Interaction, action contracts.SafetyAction) {
	f.intMu.RLock()
	all := make([]*EngineIntegration, 0, len(f.integrations))
	for _, e := range f.integrations {
		all = append(all, e)
	}
	f.intMu.RUnlock()

	ev := HookEvent{Point: UserInteraction, SessionID: sessionID, Kind: string(in.Kind), Action: action}
	for _, e := range all {
		if err := f.runObserve(ctx, e, UserInteraction, ev); err != nil {
			f.logger.WarnContext(ctx, "user interaction hook failed", "integration", e.Name, "error", err)
		}
	}
}

func (f *Framework) runObserve(ctx context.Context, in *EngineIntegration, p HookPoint, ev HookEvent) error {
	for _, h := range in.hooks(p) {
		if err := h.Observe(ctx, ev); err != nil {
			if h.Blocking {
				return contracts.NewIntegrationError(contracts.ErrHookFailed,
					fmt.Sprintf("hook %s of integration %s failed", h.Name, in.Name), err)
			}
			f.logger.WarnContext(ctx, "observe hook failed",
				"integration", in.Name, "hook", h.Name, "point", p, "error", err)
		}
	}
	return nil
}

func (f *Framework) substitute(in *EngineIntegration, analysis contracts.ContentAnalysis, action contracts.SafetyAction) GenerationResult {
	return GenerationResult{
		Content:     in.Fallback.Clone(),
		Analysis:    analysis,
		Action:      action,
		Substituted: true,
	}
}

// mustSubstitute reports whether the artifact is withheld. Content is never
// delivered into a paused or closed session.
func mustSubstitute(a contracts.SafetyAction) bool {
	return a.RequiresFallback() || a == contracts.ActionPause || a == contracts.ActionTerminate
}
