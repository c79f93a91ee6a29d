// Package api is the HTTP and WebSocket surface: the chat ingress, the
// operator endpoints, and the observability trio. Handlers stay thin;
// everything interesting happens in the packages they call.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cognigraph/backend/internal/chat"
	"github.com/cognigraph/backend/internal/config"
	"github.com/cognigraph/backend/internal/events"
	"github.com/cognigraph/backend/internal/policy"
	"github.com/cognigraph/backend/internal/ratelimit"
	"github.com/cognigraph/backend/internal/telemetry"
	"github.com/cognigraph/backend/internal/workers"
)

// Server wires the HTTP surface to the control plane and its
// supporting components.
type Server struct {
	cp       *chat.ControlPlane
	bus      *events.Bus
	eventLog *events.Log
	tel      *telemetry.Telemetry
	flags    *config.Flags
	limiter  *ratelimit.Limiter
	gate     *policy.Engine
	pool     *workers.Pool
	streamer *Streamer
	logger   *log.Logger

	httpServer *http.Server
}

// NewServer builds the server. Any dependency may be nil; the matching
// endpoints then answer 503 instead of panicking.
func NewServer(cp *chat.ControlPlane, bus *events.Bus, eventLog *events.Log,
	tel *telemetry.Telemetry, flags *config.Flags, limiter *ratelimit.Limiter,
	gate *policy.Engine, pool *workers.Pool) *Server {
	return &Server{
		cp:       cp,
		bus:      bus,
		eventLog: eventLog,
		tel:      tel,
		flags:    flags,
		limiter:  limiter,
		gate:     gate,
		pool:     pool,
		streamer: NewStreamer(eventLog),
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router assembles the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Caller-ID")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/chat", s.handleChat).Methods("POST")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/telemetry", s.handleTelemetry).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/v1/events", s.handleEventRange).Methods("GET")
	r.HandleFunc("/v1/ws", s.streamer.Handle)

	r.HandleFunc("/v1/voice/session", s.handleVoiceSession).Methods("POST")
	r.HandleFunc("/v1/voice/asr", s.handleVoiceASR).Methods("POST")
	r.HandleFunc("/v1/voice/tts", s.handleVoiceTTS).Methods("POST")

	internal := r.PathPrefix("/internal").Subrouter()
	if s.limiter != nil {
		internal.Use(s.limiter.Middleware)
	}
	internal.HandleFunc("/flags", s.handleSetFlag).Methods("POST")
	internal.HandleFunc("/flags", s.handleGetFlags).Methods("GET")
	internal.HandleFunc("/tasks", s.handleCreateTask).Methods("POST")
	internal.HandleFunc("/approvals/{id}", s.handleResolveApproval).Methods("POST")

	return r
}

// Start serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Start(ctx context.Context, port int) error {
	if s.bus != nil {
		s.streamer.Start(ctx, s.bus)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// ==========================================================================
// Chat
// ==========================================================================

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.cp == nil {
		writeError(w, http.StatusServiceUnavailable, "chat unavailable")
		return
	}

	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get("X-Caller-ID")
	}
	if req.UserID == "" {
		req.UserID = r.RemoteAddr
	}

	start := time.Now()
	resp := s.cp.Handle(r.Context(), req)

	status := http.StatusOK
	isError := false
	switch resp.Status {
	case "rate_limited":
		status = http.StatusTooManyRequests
		if resp.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfter))
		}
	case "degraded":
		// A provider timeout gets its own status so callers can retry
		// with a longer budget; any other degradation is a 503.
		status = http.StatusServiceUnavailable
		if resp.Reason == "upstream timeout" {
			status = http.StatusRequestTimeout
		}
		isError = true
	case "failed":
		status = http.StatusBadGateway
		isError = true
	}
	if s.tel != nil {
		s.tel.Requests.Record(time.Since(start), isError)
	}
	writeJSON(w, status, resp)
}

// ==========================================================================
// Observability
// ==========================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.tel == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "unknown"})
		return
	}
	writeJSON(w, http.StatusOK, s.tel.Health())
}

// handleTelemetry always answers 200; a broken dependency shows up as
// "unknown" inside the document, never as a failed request.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.tel == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "unknown"})
		return
	}
	writeJSON(w, http.StatusOK, s.tel.Snapshot())
}

// ==========================================================================
// Event replay
// ==========================================================================

func (s *Server) handleEventRange(w http.ResponseWriter, r *http.Request) {
	if s.eventLog == nil {
		writeError(w, http.StatusServiceUnavailable, "event log unavailable")
		return
	}

	from, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if err != nil || from < 1 {
		writeError(w, http.StatusBadRequest, "from must be a positive sequence number")
		return
	}
	var to int64
	if raw := r.URL.Query().Get("to"); raw != "" {
		to, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || to < from {
			writeError(w, http.StatusBadRequest, "to must be >= from")
			return
		}
	}

	evts, err := s.eventLog.ReadRange(from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "replay read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":   from,
		"to":     to,
		"count":  len(evts),
		"events": evts,
	})
}

// ==========================================================================
// Operator: flags
// ==========================================================================

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	if s.flags == nil {
		writeError(w, http.StatusServiceUnavailable, "flags unavailable")
		return
	}

	var req struct {
		Name  string      `json:"name"`
		Value interface{} `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name and value are required")
		return
	}

	if err := s.flags.Set(req.Name, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.bus != nil {
		s.bus.Emit(events.KindFeatureFlag, "", "", map[string]interface{}{
			"name":  req.Name,
			"value": req.Value,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":  req.Name,
		"value": req.Value,
	})
}

func (s *Server) handleGetFlags(w http.ResponseWriter, r *http.Request) {
	if s.flags == nil {
		writeError(w, http.StatusServiceUnavailable, "flags unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.flags.Snapshot())
}

// ==========================================================================
// Operator: tasks and approvals
// ==========================================================================

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil || s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "task pool unavailable")
		return
	}

	var req struct {
		Queue          string                 `json:"queue"`
		Kind           string                 `json:"kind"`
		Priority       string                 `json:"priority"`
		Payload        map[string]interface{} `json:"payload"`
		ConversationID string                 `json:"conversation_id"`
		Mutating       bool                   `json:"mutating"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if req.Queue == "" {
		req.Queue = workers.QueueToolsRO
	}

	requester := r.Header.Get("X-Caller-ID")
	taskID := uuid.NewString()
	traceID := uuid.NewString()

	// Mutating tasks go through the policy gate before any worker sees
	// them.
	if req.Mutating && s.gate != nil {
		decision := s.gate.Evaluate(policy.Request{
			CallerID: requester,
			Intent:   "tools.exec",
			Band:     chat.BandHigh,
			Mutating: true,
			Message:  req.Kind,
		})
		switch decision.Effect {
		case policy.Deny:
			s.emitTaskCreated(taskID, req.Queue, "canceled", requester, req.Priority, req.ConversationID, traceID, "")
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"task_id": taskID,
				"status":  "canceled",
				"reason":  decision.ReasonSafe,
			})
			return
		case policy.NeedsApproval:
			approvalID := uuid.NewString()
			s.emitTaskCreated(taskID, req.Queue, "waiting_approval", requester, req.Priority, req.ConversationID, traceID, approvalID)
			s.bus.Emit(events.KindApprovalRequested, req.ConversationID, traceID, map[string]interface{}{
				"approval_id": approvalID,
				"task_id":     taskID,
				"policy_id":   decision.PolicyID,
				"scope":       "task",
				"reason_safe": decision.ReasonSafe,
			})
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"task_id":     taskID,
				"status":      "waiting_approval",
				"approval_id": approvalID,
			})
			return
		}
	}

	s.emitTaskCreated(taskID, req.Queue, "queued", requester, req.Priority, req.ConversationID, traceID, "")
	err := s.pool.Submit(r.Context(), &workers.Task{
		ID:             taskID,
		Queue:          req.Queue,
		Kind:           req.Kind,
		Payload:        req.Payload,
		ConversationID: req.ConversationID,
		TraceID:        traceID,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id": taskID,
		"status":  "queued",
	})
}

func (s *Server) emitTaskCreated(taskID, queue, status, requester, priority, convID, traceID, approvalID string) {
	payload := map[string]interface{}{
		"task_id":   taskID,
		"queue":     queue,
		"status":    status,
		"requester": requester,
	}
	if priority != "" {
		payload["priority"] = priority
	}
	if approvalID != "" {
		payload["approval_id"] = approvalID
	}
	s.bus.Emit(events.KindTaskCreated, convID, traceID, payload)
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	approvalID := mux.Vars(r)["id"]

	var req struct {
		Status     string `json:"status"`
		ResolvedBy string `json:"resolved_by"`
		TaskID     string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Status {
	case "approved", "rejected", "expired":
	default:
		writeError(w, http.StatusBadRequest, "status must be approved, rejected, or expired")
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = r.Header.Get("X-Caller-ID")
	}

	s.bus.Emit(events.KindApprovalResolved, "", uuid.NewString(), map[string]interface{}{
		"approval_id": approvalID,
		"status":      req.Status,
		"resolved_by": req.ResolvedBy,
		"task_id":     req.TaskID,
	})

	// Approval moves the task forward; rejection ends it.
	if req.TaskID != "" {
		next := "running"
		if req.Status != "approved" {
			next = "canceled"
		}
		s.bus.Emit(events.KindTaskUpdated, "", uuid.NewString(), map[string]interface{}{
			"task_id": req.TaskID,
			"status":  next,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approval_id": approvalID,
		"status":      req.Status,
	})
}

// ==========================================================================
// Helpers
// ==========================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
