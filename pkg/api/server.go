package api

import (
	"encoding/json"
	"net/http"

	"github.com/tillerworks/tiller/pkg/approval"
	"github.com/tillerworks/tiller/pkg/compensation"
	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/pipeline"
	"github.com/tillerworks/tiller/pkg/retrieval"
	"github.com/tillerworks/tiller/pkg/statemachine"
	"github.com/tillerworks/tiller/pkg/trust"
	"github.com/tillerworks/tiller/pkg/wake"
)

// Server wires the kernel components behind HTTP handlers.
type Server struct {
	pipeline  *pipeline.Pipeline
	gate      *approval.Gate
	incidents *compensation.IncidentManager
	machine   *statemachine.Machine
	limiter   *IPRateLimiter
	validator *JWTValidator
	wake      *wake.Gate
	memGate   *trust.Gate
	retriever *retrieval.Retriever
	memories  MemoryWriter
}

// WithWakeGate enables the wake-word detection endpoint.
func (s *Server) WithWakeGate(g *wake.Gate) *Server {
	s.wake = g
	return s
}

// WithAuth enables bearer-token auth on all non-public routes.
func (s *Server) WithAuth(secret string) *Server {
	s.validator = NewJWTValidator(secret)
	return s
}

// NewServer creates the HTTP surface over the kernel.
func NewServer(p *pipeline.Pipeline, gate *approval.Gate, incidents *compensation.IncidentManager, machine *statemachine.Machine) *Server {
	return &Server{
		pipeline:  p,
		gate:      gate,
		incidents: incidents,
		machine:   machine,
		limiter:   NewIPRateLimiter(50, 100),
	}
}

// Routes returns the full handler with middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/kernel/state", s.handleState)
	mux.HandleFunc("POST /api/v1/tools/execute", s.handleExecute)
	mux.HandleFunc("GET /api/v1/approvals", s.handlePendingApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{id}/resolve", s.handleResolveApproval)
	mux.HandleFunc("GET /api/v1/incidents", s.handleListIncidents)
	mux.HandleFunc("POST /api/v1/incidents/{id}/acknowledge", s.handleAcknowledgeIncident)
	mux.HandleFunc("POST /api/v1/incidents/{id}/resolve", s.handleResolveIncident)
	if s.wake != nil {
		mux.HandleFunc("POST /api/v1/wake/detect", s.handleWakeDetect)
	}
	if s.memGate != nil {
		mux.HandleFunc("POST /api/v1/memory/submit", s.handleMemorySubmit)
		mux.HandleFunc("GET /api/v1/memory/quarantine", s.handleQuarantineList)
		mux.HandleFunc("POST /api/v1/memory/quarantine/{id}/review", s.handleQuarantineReview)
		mux.HandleFunc("GET /api/v1/memory/stats", s.handleMemoryStats)
	}
	if s.retriever != nil {
		mux.HandleFunc("POST /api/v1/memory/retrieve", s.handleMemoryRetrieve)
	}

	var handler http.Handler = mux
	if s.validator != nil {
		handler = AuthMiddleware(s.validator)(handler)
	}
	return s.limiter.Middleware(handler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         string(s.machine.Current()),
		"pending_count": s.gate.PendingCount(),
	})
}

type executeRequest struct {
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
	Source    string         `json:"source"`
	RequestID string         `json:"request_id"`
}

// handleExecute runs the call through the pipeline synchronously. Calls
// routed to the approval gate block until resolved or expired.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Tool == "" {
		WriteBadRequest(w, "tool is required")
		return
	}
	source := contracts.CallSource(req.Source)
	if source == "" {
		source = contracts.SourceUser
	}

	result := s.pipeline.Execute(r.Context(), &contracts.ProposedToolCall{
		Tool:      req.Tool,
		Params:    req.Params,
		Source:    source,
		RequestID: req.RequestID,
	})
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, _ *http.Request) {
	pending := s.gate.GetPending()
	if pending == nil {
		pending = []*contracts.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, pending)
}

type resolveApprovalRequest struct {
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
}

func (s *Server) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	decision := contracts.ApprovalDecision(req.Decision)
	if decision != contracts.DecisionApproved && decision != contracts.DecisionDenied {
		WriteBadRequest(w, "decision must be approved or denied")
		return
	}
	if req.DecidedBy == "" {
		WriteBadRequest(w, "decided_by is required")
		return
	}

	if !s.gate.Resolve(r.Context(), id, decision, req.DecidedBy) {
		WriteConflict(w, "approval already resolved or unknown")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "decision": string(decision)})
}

func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	var statuses []contracts.IncidentStatus
	if q := r.URL.Query().Get("status"); q != "" {
		statuses = append(statuses, contracts.IncidentStatus(q))
	}
	incidents := s.incidents.List(statuses...)
	if incidents == nil {
		incidents = []*contracts.CompensationIncident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

type incidentActionRequest struct {
	By   string `json:"by"`
	Note string `json:"note"`
}

func (s *Server) handleAcknowledgeIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req incidentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	incident, err := s.incidents.Acknowledge(r.Context(), id, req.By)
	if err != nil {
		WriteConflict(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, incident)
}

func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req incidentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	incident, err := s.incidents.Resolve(r.Context(), id, req.By, req.Note)
	if err != nil {
		WriteConflict(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, incident)
}

type wakeDetectRequest struct {
	Tokens     []wake.Token `json:"tokens"`
	Transcript string       `json:"transcript"`
}

// handleWakeDetect matches a trigger phrase in a timed token stream, falling
// back to plain-transcript matching when no timing is available.
func (s *Server) handleWakeDetect(w http.ResponseWriter, r *http.Request) {
	var req wakeDetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	var detection *wake.Detection
	if len(req.Tokens) > 0 {
		detection = s.wake.Detect(req.Tokens)
	} else if req.Transcript != "" {
		detection = s.wake.DetectText(req.Transcript)
	} else {
		WriteBadRequest(w, "tokens or transcript is required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"detected":  detection != nil,
		"detection": detection,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
