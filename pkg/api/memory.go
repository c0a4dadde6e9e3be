package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tillerworks/tiller/pkg/contracts"
	"github.com/tillerworks/tiller/pkg/retrieval"
	"github.com/tillerworks/tiller/pkg/trust"
)

// MemoryWriter persists memories that pass the gate. nil means gate-only
// operation: decisions are returned but nothing is written.
type MemoryWriter interface {
	Insert(ctx context.Context, m *contracts.TypedMemory, tier retrieval.MemoryTier, embedding []float32) error
}

// WithMemory enables the memory endpoints. retriever and writer may be nil
// independently; the gate is required.
func (s *Server) WithMemory(gate *trust.Gate, retriever *retrieval.Retriever, writer MemoryWriter) *Server {
	s.memGate = gate
	s.retriever = retriever
	s.memories = writer
	return s
}

type memorySubmitRequest struct {
	Text       string               `json:"text"`
	SourceID   string               `json:"source_id"`
	SourceType string               `json:"source_type"`
	RoomID     string               `json:"room_id"`
	EntityID   string               `json:"entity_id"`
	MemoryType contracts.MemoryType `json:"memory_type"`
	Timestamp  time.Time            `json:"timestamp"`
	Embedding  []float32            `json:"embedding"`
}

type memorySubmitResponse struct {
	Decision trust.Decision `json:"decision"`
	MemoryID string         `json:"memory_id,omitempty"`
}

// handleMemorySubmit runs content through the trust gate and, on allow,
// writes it to the memory store with the score recorded in provenance.
func (s *Server) handleMemorySubmit(w http.ResponseWriter, r *http.Request) {
	var req memorySubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Text == "" || req.SourceID == "" {
		WriteBadRequest(w, "text and source_id are required")
		return
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	decision := s.memGate.Evaluate(r.Context(), trust.Input{
		Text:       req.Text,
		SourceID:   req.SourceID,
		SourceType: req.SourceType,
		Timestamp:  ts,
	})

	resp := memorySubmitResponse{Decision: decision}
	if decision.Action == trust.ActionAllow && s.memories != nil && req.RoomID != "" {
		score := decision.Trust.Score
		mem := &contracts.TypedMemory{
			RoomID:    req.RoomID,
			EntityID:  req.EntityID,
			Content:   contracts.MemoryContent{Text: req.Text},
			CreatedAt: ts,
			Metadata: contracts.MemoryMetadata{
				TrustScore: &score,
				MemoryType: req.MemoryType,
				Provenance: &contracts.MemoryProvenance{
					Source:            req.SourceID,
					SourceType:        req.SourceType,
					Action:            "gate_allow",
					Timestamp:         ts,
					TrustScoreAtWrite: score,
				},
			},
		}
		if err := s.memories.Insert(r.Context(), mem, retrieval.TierMidTerm, req.Embedding); err != nil {
			WriteInternal(w, err)
			return
		}
		resp.MemoryID = mem.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

type memoryRetrieveRequest struct {
	RoomID     string                   `json:"room_id"`
	EntityID   string                   `json:"entity_id"`
	Embedding  []float32                `json:"embedding"`
	MaxResults int                      `json:"max_results"`
	Weights    *retrieval.RankWeights   `json:"weights"`
	Override   *retrieval.TrustOverride `json:"override"`
}

func (s *Server) handleMemoryRetrieve(w http.ResponseWriter, r *http.Request) {
	var req memoryRetrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.RoomID == "" {
		WriteBadRequest(w, "room_id is required")
		return
	}

	results, err := s.retriever.Retrieve(r.Context(), retrieval.Options{
		RoomID:            req.RoomID,
		CanonicalEntityID: req.EntityID,
		Embedding:         req.Embedding,
		MaxResults:        req.MaxResults,
		Weights:           req.Weights,
		Override:          req.Override,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if results == nil {
		results = []retrieval.ScoredMemory{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleQuarantineList(w http.ResponseWriter, _ *http.Request) {
	pending := s.memGate.Pending()
	if pending == nil {
		pending = []*trust.QuarantinedItem{}
	}
	writeJSON(w, http.StatusOK, pending)
}

type quarantineReviewRequest struct {
	Verdict string `json:"verdict"`
}

func (s *Server) handleQuarantineReview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req quarantineReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	verdict := trust.ReviewVerdict(req.Verdict)
	if verdict != trust.ReviewApprove && verdict != trust.ReviewReject {
		WriteBadRequest(w, "verdict must be approve or reject")
		return
	}

	item, err := s.memGate.Review(r.Context(), id, verdict)
	if err != nil {
		WriteNotFound(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": item.ID, "verdict": string(verdict)})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.memGate.Stats())
}
