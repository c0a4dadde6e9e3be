package contracts

import "time"

// TrustDisabled is the sentinel score meaning "gate disabled, score not
// computed". It is never produced by the scorer itself.
const TrustDisabled = -1.0

// TrustDimensions are the four component scores behind an aggregate trust
// score. Each is in [0,1].
type TrustDimensions struct {
	SourceReliability    float64 `json:"source_reliability"`
	ContentConsistency   float64 `json:"content_consistency"`
	TemporalCoherence    float64 `json:"temporal_coherence"`
	InstructionAlignment float64 `json:"instruction_alignment"`
}

// TrustScore is the composite trust assessment for a piece of inbound content.
type TrustScore struct {
	Score      float64         `json:"score"`
	Dimensions TrustDimensions `json:"dimensions"`
	Reasoning  []string        `json:"reasoning,omitempty"`
	ComputedAt time.Time       `json:"computed_at"`
}
