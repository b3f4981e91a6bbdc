// Package server implements the gateway's HTTP surface: action
// ingestion, rule management, the live event stream, audit query, and
// approval resolution, generalized from the teacher's control plane
// HTTP server onto the gateway's own domain.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/actiongate/internal/action"
	"github.com/marcus-qen/actiongate/internal/audit"
	"github.com/marcus-qen/actiongate/internal/events"
	"github.com/marcus-qen/actiongate/internal/rule"
)

var (
	version = "dev"
	commit  = "none"
)

// Dispatcher is the pipeline surface the server drives actions through.
type Dispatcher interface {
	Dispatch(ctx context.Context, a action.Action) (action.Result, error)
	DryRun(ctx context.Context, a action.Action) (action.Result, error)
	ResolveApproval(ctx context.Context, actionID string, approve bool, decidedBy, reason, confirmation string) (action.Result, error)
}

// Server holds the gateway's HTTP handler and its dependencies.
type Server struct {
	mux   *http.ServeMux
	pipe  Dispatcher
	rules *rule.Loader
	audit audit.Sink
	bus   *events.Bus
	log   logr.Logger
}

// New builds the HTTP handler wired to the gateway's pipeline, rule
// loader, audit sink, and event bus.
func New(pipe Dispatcher, rules *rule.Loader, auditSink audit.Sink, bus *events.Bus, log logr.Logger) *Server {
	s := &Server{
		mux:   http.NewServeMux(),
		pipe:  pipe,
		rules: rules,
		audit: auditSink,
		bus:   bus,
		log:   log.WithName("server"),
	}
	s.routes()
	return s
}

// Handler returns the server's http.Handler for wiring into an
// http.Server by the caller.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /version", s.handleVersion)

	s.mux.HandleFunc("POST /api/v1/actions", s.handleDispatch)
	s.mux.HandleFunc("POST /api/v1/actions/batch", s.handleDispatchBatch)

	s.mux.HandleFunc("GET /api/v1/rules", s.handleListRules)
	s.mux.HandleFunc("POST /api/v1/rules", s.handleRegisterRule)
	s.mux.HandleFunc("POST /api/v1/rules/reload", s.handleReloadRules)
	s.mux.HandleFunc("POST /api/v1/rules/{name}/enabled", s.handleSetRuleEnabled)

	s.mux.HandleFunc("GET /api/v1/events", s.handleEventStream)

	s.mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)

	s.mux.HandleFunc("POST /api/v1/approvals/{id}/decide", s.handleApprovalDecide)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": version, "commit": commit})
}

// dispatchRequest is the JSON body accepted by the dispatch endpoint.
type dispatchRequest struct {
	Namespace  string            `json:"namespace"`
	Tenant     string            `json:"tenant"`
	Provider   string            `json:"provider"`
	ActionType string            `json:"action_type"`
	Payload    map[string]any    `json:"payload,omitempty"`
	DedupKey   string            `json:"dedup_key,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	DryRun     bool              `json:"dry_run,omitempty"`
}

func (req dispatchRequest) toAction() action.Action {
	return action.Action{
		Namespace:  req.Namespace,
		Tenant:     req.Tenant,
		Provider:   req.Provider,
		ActionType: req.ActionType,
		Payload:    req.Payload,
		DedupKey:   req.DedupKey,
		Metadata:   req.Metadata,
		CreatedAt:  time.Now(),
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	result, _ := s.dispatchOne(r.Context(), req)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) dispatchOne(ctx context.Context, req dispatchRequest) (action.Result, error) {
	a := req.toAction()
	if req.DryRun {
		return s.pipe.DryRun(ctx, a)
	}
	return s.pipe.Dispatch(ctx, a)
}

// batchResult is one item's outcome in a batch dispatch response.
type batchResult struct {
	Success bool          `json:"success"`
	Outcome action.Result `json:"outcome,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func (s *Server) handleDispatchBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	results := make([]batchResult, len(reqs))
	for i, req := range reqs {
		res, err := s.dispatchOne(r.Context(), req)
		if err != nil {
			results[i] = batchResult{Success: false, Error: err.Error()}
			continue
		}
		results[i] = batchResult{Success: true, Outcome: res}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.rules.Current().Rules()})
}

func (s *Server) handleRegisterRule(w http.ResponseWriter, r *http.Request) {
	var rl action.Rule
	if err := json.NewDecoder(r.Body).Decode(&rl); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule body: "+err.Error())
		return
	}
	rl.Condition.Normalize()
	if err := s.rules.RegisterAPIRule(rl); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := s.rules.Load(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleSetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.rules.SetEnabled(name, body.Enabled); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleEventStream streams newline-delimited JSON events to the
// client until it disconnects or the buffer's lag policy drops it.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := events.Filter{
		Namespace: r.URL.Query().Get("namespace"),
		Tenant:    r.URL.Query().Get("tenant"),
	}
	ch, unsubscribe := s.bus.Subscribe(r.Context(), filter)
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := audit.Query{
		Tenant:      q.Get("tenant"),
		Namespace:   q.Get("namespace"),
		Outcome:     action.Outcome(q.Get("outcome")),
		ActionType:  q.Get("action_type"),
		ActionID:    q.Get("action_id"),
		MatchedRule: q.Get("matched_rule"),
		Cursor:      q.Get("cursor"),
	}
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.From = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			query.To = t
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			query.Limit = n
		}
	}

	page, err := s.audit.Query(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": page.Records, "total": page.Total})
}

func (s *Server) handleApprovalDecide(w http.ResponseWriter, r *http.Request) {
	actionID := r.PathValue("id")
	var body struct {
		Approve      bool   `json:"approve"`
		DecidedBy    string `json:"decided_by"`
		Reason       string `json:"reason"`
		Confirmation string `json:"confirmation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	result, err := s.pipe.ResolveApproval(r.Context(), actionID, body.Approve, body.DecidedBy, body.Reason, body.Confirmation)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

