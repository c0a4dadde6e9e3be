// Package trust scores inbound content before it reaches memory and gates
// writes on the result. The scorer is rule-based by default; an optional text
// analyzer (LLM-backed) can refine the content-consistency dimension and is
// failure-isolated behind a timeout.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// injectionPatterns are known prompt-injection shapes. Matching is
// case-insensitive against the raw text.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)disregard\s+(your|all|any)\s+(instructions|guidelines|training)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s`),
	regexp.MustCompile(`(?i)system\s*prompt\s*[:=]`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)pretend\s+(that\s+)?you\s+(are|have)\s+no\s+(restrictions|rules|limits)`),
	regexp.MustCompile(`(?i)<\s*/?\s*(system|assistant)\s*>`),
	regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
}

// triggerKeywords are command-like tokens that lower instruction alignment
// when they appear in content that claims to be a passive observation.
var triggerKeywords = []string{
	"execute", "sudo", "rm -rf", "delete all", "transfer", "wire",
	"override", "escalate", "grant admin", "disable safety", "run command",
}

const (
	reliabilityUnknown = 0.4
	reliabilitySystem  = 1.0
	emaAlpha           = 0.2
	maxContentLength   = 8000
)

// Analyzer is an optional content-consistency refiner. Implementations must
// respect the context deadline; errors are swallowed by the scorer.
type Analyzer interface {
	AnalyzeConsistency(ctx context.Context, text string) (float64, error)
}

// Weights control the aggregate. They must sum to a positive value; the
// scorer normalizes, so only the ratios matter.
type Weights struct {
	SourceReliability    float64
	ContentConsistency   float64
	TemporalCoherence    float64
	InstructionAlignment float64
}

// DefaultWeights weights the four dimensions equally.
func DefaultWeights() Weights {
	return Weights{0.25, 0.25, 0.25, 0.25}
}

// Input is one piece of content to score.
type Input struct {
	Text              string
	SourceID          string
	SourceType        string // "system", "user", "api", "automation", "plugin"
	Timestamp         time.Time
	PreviousTimestamp time.Time // zero when no prior message from this source
}

// Scorer computes composite trust scores and tracks per-source reliability as
// an exponential moving average of feedback.
type Scorer struct {
	mu          sync.RWMutex
	reliability map[string]float64

	weights         Weights
	analyzer        Analyzer
	analyzerTimeout time.Duration
	clock           contracts.Clock
	logger          *slog.Logger
}

// NewScorer creates a scorer with equal default weights.
func NewScorer() *Scorer {
	return &Scorer{
		reliability:     make(map[string]float64),
		weights:         DefaultWeights(),
		analyzerTimeout: 5 * time.Second,
		clock:           contracts.WallClock{},
		logger:          slog.Default().With("component", "trust-scorer"),
	}
}

// WithWeights overrides the dimension weights.
func (s *Scorer) WithWeights(w Weights) *Scorer {
	if w.SourceReliability+w.ContentConsistency+w.TemporalCoherence+w.InstructionAlignment > 0 {
		s.weights = w
	}
	return s
}

// WithAnalyzer attaches an LLM-backed consistency analyzer.
func (s *Scorer) WithAnalyzer(a Analyzer, timeout time.Duration) *Scorer {
	s.analyzer = a
	if timeout > 0 {
		s.analyzerTimeout = timeout
	}
	return s
}

// WithClock overrides the clock for deterministic tests.
func (s *Scorer) WithClock(clock contracts.Clock) *Scorer {
	s.clock = clock
	return s
}

// RecordFeedback folds one positive or negative signal into the source's
// running reliability estimate.
func (s *Scorer) RecordFeedback(sourceID string, positive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.reliability[sourceID]
	if !ok {
		current = reliabilityUnknown
	}
	sample := 0.0
	if positive {
		sample = 1.0
	}
	s.reliability[sourceID] = emaAlpha*sample + (1-emaAlpha)*current
}

// SourceReliability returns the current estimate for a source.
func (s *Scorer) SourceReliability(sourceID, sourceType string) float64 {
	if sourceType == "system" || sourceID == "system" {
		return reliabilitySystem
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.reliability[sourceID]; ok {
		return r
	}
	return reliabilityUnknown
}

// Score computes the composite trust score for one input.
func (s *Scorer) Score(ctx context.Context, in Input) contracts.TrustScore {
	var reasoning []string

	dims := contracts.TrustDimensions{
		SourceReliability:    s.SourceReliability(in.SourceID, in.SourceType),
		ContentConsistency:   s.contentConsistency(ctx, in.Text, &reasoning),
		TemporalCoherence:    temporalCoherence(in, &reasoning),
		InstructionAlignment: instructionAlignment(in.Text, &reasoning),
	}

	w := s.weights
	total := w.SourceReliability + w.ContentConsistency + w.TemporalCoherence + w.InstructionAlignment
	score := (w.SourceReliability*dims.SourceReliability +
		w.ContentConsistency*dims.ContentConsistency +
		w.TemporalCoherence*dims.TemporalCoherence +
		w.InstructionAlignment*dims.InstructionAlignment) / total

	return contracts.TrustScore{
		Score:      clamp01(score),
		Dimensions: dims,
		Reasoning:  reasoning,
		ComputedAt: s.clock.Now().UTC(),
	}
}

func (s *Scorer) contentConsistency(ctx context.Context, text string, reasoning *[]string) float64 {
	score := ruleBasedConsistency(text, reasoning)

	if s.analyzer == nil {
		return score
	}
	actx, cancel := context.WithTimeout(ctx, s.analyzerTimeout)
	defer cancel()
	analyzed, err := s.analyzer.AnalyzeConsistency(actx, text)
	if err != nil {
		s.logger.WarnContext(ctx, "consistency analyzer failed, using rule-based score", "error", err)
		return score
	}
	*reasoning = append(*reasoning, fmt.Sprintf("analyzer consistency %.2f", analyzed))
	// The analyzer refines but never raises a rule-based red flag.
	if analyzed < score {
		return clamp01(analyzed)
	}
	return score
}

func ruleBasedConsistency(text string, reasoning *[]string) float64 {
	score := 1.0
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			score -= 0.4
			*reasoning = append(*reasoning, fmt.Sprintf("injection pattern matched: %s", p.String()))
		}
	}
	if len(text) > maxContentLength {
		score -= 0.2
		*reasoning = append(*reasoning, fmt.Sprintf("content length %d exceeds %d", len(text), maxContentLength))
	}
	if strings.TrimSpace(text) == "" {
		score -= 0.3
		*reasoning = append(*reasoning, "empty content")
	}
	return clamp01(score)
}

func temporalCoherence(in Input, reasoning *[]string) float64 {
	if in.Timestamp.IsZero() {
		*reasoning = append(*reasoning, "missing timestamp")
		return 0.5
	}
	if in.PreviousTimestamp.IsZero() {
		return 1.0
	}
	gap := in.Timestamp.Sub(in.PreviousTimestamp)
	switch {
	case gap < 0:
		*reasoning = append(*reasoning, "timestamp precedes previous message")
		return 0.2
	case gap < 50*time.Millisecond:
		*reasoning = append(*reasoning, "message cadence anomalously fast")
		return 0.6
	default:
		return 1.0
	}
}

func instructionAlignment(text string, reasoning *[]string) float64 {
	lower := strings.ToLower(text)
	score := 1.0
	for _, kw := range triggerKeywords {
		if strings.Contains(lower, kw) {
			score -= 0.25
			*reasoning = append(*reasoning, fmt.Sprintf("trigger keyword present: %q", kw))
		}
	}
	for _, p := range injectionPatterns {
		if p.MatchString(text) {
			score -= 0.3
			*reasoning = append(*reasoning, "prompt-injection template in content")
			break
		}
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
