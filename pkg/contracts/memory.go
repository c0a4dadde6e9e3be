package contracts

import "time"

// MemoryType classifies a stored memory for ranking purposes.
type MemoryType string

const (
	MemoryFact        MemoryType = "fact"
	MemoryInstruction MemoryType = "instruction"
	MemoryPreference  MemoryType = "preference"
	MemoryObservation MemoryType = "observation"
	MemoryGoal        MemoryType = "goal"
	MemorySystem      MemoryType = "system"
	MemoryAction      MemoryType = "action"
)

// MemoryProvenance records where a memory came from and the trust it carried
// when written.
type MemoryProvenance struct {
	Source            string    `json:"source"`
	SourceType        string    `json:"source_type"`
	Action            string    `json:"action"`
	Timestamp         time.Time `json:"timestamp"`
	TrustScoreAtWrite float64   `json:"trust_score_at_write"`
}

// MemoryMetadata carries ranking inputs and provenance for a memory.
// TrustScore and Similarity are pointers: absence is meaningful (the
// retriever substitutes 0.5 for either when missing).
type MemoryMetadata struct {
	TrustScore *float64          `json:"trust_score,omitempty"`
	MemoryType MemoryType        `json:"memory_type,omitempty"`
	Similarity *float64          `json:"similarity,omitempty"`
	Provenance *MemoryProvenance `json:"provenance,omitempty"`
	Verified   bool              `json:"verified"`
}

// MemoryContent is the stored body of a memory.
type MemoryContent struct {
	Text string `json:"text"`
}

// TypedMemory is a retrievable memory row.
type TypedMemory struct {
	ID        string         `json:"id"`
	RoomID    string         `json:"room_id"`
	EntityID  string         `json:"entity_id,omitempty"`
	Content   MemoryContent  `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  MemoryMetadata `json:"metadata"`
}
