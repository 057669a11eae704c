package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
	"github.com/Mindburn-Labs/sanctuary/pkg/framework"
	"github.com/Mindburn-Labs/sanctuary/pkg/report"
)

const maxBody = 1 << 20

// Framework is the part of the safety facade served over HTTP.
type Framework interface {
	CreateSession(ctx context.Context, userID string) (contracts.SafetySession, error)
	GetSessionStatus(sessionID string) (contracts.SessionStatus, error)
	ValidateContent(ctx context.Context, sessionID string, content contracts.Content) (contracts.ContentAnalysis, contracts.SafetyAction, error)
	ProcessInteraction(ctx context.Context, sessionID string, in framework.Interaction) (contracts.SafetyAction, error)
	EndSession(ctx context.Context, sessionID, reason string) error
	EmergencyStopAll(ctx context.Context, reason string) int
	GenerateReport(ctx context.Context, kind report.Kind, rng report.TimeRange) (report.SafetyReport, error)
}

// Health reports readiness details for /healthz. It may be nil.
type Health func(ctx context.Context) map[string]any

// Server routes HTTP requests to the framework.
type Server struct {
	fw      Framework
	health  Health
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewServer creates a server. limiter may be nil to disable rate limiting.
func NewServer(fw Framework, limiter *RateLimiter, health Health) *Server {
	return &Server{
		fw:      fw,
		health:  health,
		limiter: limiter,
		logger:  slog.Default().With("component", "api"),
	}
}

// Handler returns the routed handler with logging and rate limiting.
// Safety signals are never rate limited: the emergency stop route is exempt
// and safe word and emergency interactions bypass the client's budget.
func (s *Server) Handler() http.Handler {
	limited := func(h http.HandlerFunc) http.Handler {
		if s.limiter == nil {
			return h
		}
		return s.limiter.Middleware(h)
	}
	mux := http.NewServeMux()
	mux.Handle("POST /v1/sessions", limited(s.createSession))
	mux.Handle("GET /v1/sessions/{id}", limited(s.sessionStatus))
	mux.Handle("POST /v1/sessions/{id}/validate", limited(s.validate))
	mux.HandleFunc("POST /v1/sessions/{id}/interactions", s.interact)
	mux.Handle("POST /v1/sessions/{id}/end", limited(s.endSession))
	mux.HandleFunc("POST /v1/emergency-stop", s.emergencyStop)
	mux.Handle("GET /v1/reports/{kind}", limited(s.report))
	mux.Handle("GET /healthz", limited(s.healthz))
	return RequestLog(s.logger, mux)
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		WriteBadRequest(w, r, "Missing required field: user_id")
		return
	}
	sess, err := s.fw.CreateSession(r.Context(), req.UserID)
	if err != nil {
		WriteSafetyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.fw.GetSessionStatus(r.PathValue("id"))
	if err != nil {
		WriteSafetyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ValidateResponse is the verdict for one artifact.
type ValidateResponse struct {
	Action   contracts.SafetyAction    `json:"action"`
	Analysis contracts.ContentAnalysis `json:"analysis"`
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var c contracts.Content
	if !decode(w, r, &c) {
		return
	}
	analysis, action, err := s.fw.ValidateContent(r.Context(), r.PathValue("id"), c)
	if err != nil {
		WriteSafetyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Action: action, Analysis: analysis})
}

// ActionResponse carries the action an interaction produced.
type ActionResponse struct {
	Action contracts.SafetyAction `json:"action"`
}

func (s *Server) interact(w http.ResponseWriter, r *http.Request) {
	var in framework.Interaction
	if !decode(w, r, &in) {
		return
	}
	if s.limiter != nil && !safetySignal(in.Kind) && !s.limiter.Allow(r) {
		WriteTooManyRequests(w, r, 1)
		return
	}
	action, err := s.fw.ProcessInteraction(r.Context(), r.PathValue("id"), in)
	if err != nil {
		WriteSafetyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActionResponse{Action: action})
}

func safetySignal(k framework.InteractionKind) bool {
	return k == framework.InteractionSafeWord || k == framework.InteractionEmergency
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if err := s.fw.EndSession(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		WriteSafetyError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StopResponse reports a global emergency stop.
type StopResponse struct {
	Stopped int `json:"stopped"`
}

func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		WriteBadRequest(w, r, "Missing required field: reason")
		return
	}
	s.logger.WarnContext(r.Context(), "emergency stop requested over HTTP", "reason", req.Reason)
	writeJSON(w, http.StatusOK, StopResponse{Stopped: s.fw.EmergencyStopAll(r.Context(), req.Reason)})
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	kind, err := report.ParseKind(r.PathValue("kind"))
	if err != nil {
		WriteSafetyError(w, r, err)
		return
	}
	var rng report.TimeRange
	for key, dst := range map[string]*time.Time{"from": &rng.From, "to": &rng.To} {
		v := r.URL.Query().Get(key)
		if v == "" {
			continue
		}
		t, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			WriteBadRequest(w, r, "Query parameter "+key+" must be an RFC 3339 timestamp")
			return
		}
		*dst = t
	}
	rep, err := s.fw.GenerateReport(r.Context(), kind, rng)
	if err != nil {
		WriteSafetyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "version": framework.Version}
	if s.health != nil {
		for k, v := range s.health(r.Context()) {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
