// Package wake detects a trigger phrase in a timestamped token stream and
// extracts the command that follows it. It is an optional input adapter in
// front of the pipeline.
package wake

import (
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Token is one recognized word with its timing.
type Token struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Range [2]int  `json:"range"`
}

// Detection is a successful trigger match.
type Detection struct {
	TriggerWord    string  `json:"trigger_word"`
	TriggerEndTime float64 `json:"trigger_end_time"`
	PostGap        float64 `json:"post_gap"`
	Command        string  `json:"command"`
}

// Config tunes the gate.
type Config struct {
	Triggers          []string
	MinPostTriggerGap float64 // seconds of silence after the trigger
	MinCommandLength  int     // characters of trailing command text
}

// DefaultConfig returns sensible defaults for voice input.
func DefaultConfig(triggers ...string) Config {
	return Config{
		Triggers:          triggers,
		MinPostTriggerGap: 0.3,
		MinCommandLength:  2,
	}
}

// Gate matches trigger phrases against token streams.
type Gate struct {
	config     Config
	normalized []string
	lower      cases.Caser
}

// New creates a gate; trigger phrases are normalized once.
func New(config Config) *Gate {
	g := &Gate{config: config, lower: cases.Lower(language.Und)}
	for _, t := range config.Triggers {
		g.normalized = append(g.normalized, g.normalize(t))
	}
	return g
}

// normalize lowercases and strips whitespace and punctuation.
func (g *Gate) normalize(s string) string {
	var b strings.Builder
	for _, r := range g.lower.String(s) {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Detect scans the token stream for the most recent trigger followed by a
// pause of at least MinPostTriggerGap and a long-enough trailing command.
// Returns nil when nothing qualifies.
func (g *Gate) Detect(tokens []Token) *Detection {
	// Later matches win, so scan forward and keep overwriting.
	best := -1
	for i, tok := range tokens {
		if g.matchesTrigger(g.normalize(tok.Text)) {
			best = i
		}
	}
	if best < 0 || best == len(tokens)-1 {
		return nil
	}

	trigger := tokens[best]
	next := tokens[best+1]
	gap := next.Start - trigger.End
	if gap < g.config.MinPostTriggerGap {
		return nil
	}

	var parts []string
	for _, tok := range tokens[best+1:] {
		parts = append(parts, tok.Text)
	}
	command := strings.TrimSpace(strings.Join(parts, " "))
	if len(command) < g.config.MinCommandLength {
		return nil
	}

	return &Detection{
		TriggerWord:    trigger.Text,
		TriggerEndTime: trigger.End,
		PostGap:        gap,
		Command:        command,
	}
}

// DetectText is the fallback for transcripts without timing: the transcript
// must start with a trigger, and the remainder becomes the command.
func (g *Gate) DetectText(transcript string) *Detection {
	fields := strings.Fields(transcript)
	if len(fields) == 0 {
		return nil
	}
	if !g.matchesTrigger(g.normalize(fields[0])) {
		return nil
	}
	command := strings.TrimSpace(strings.Join(fields[1:], " "))
	if len(command) < g.config.MinCommandLength {
		return nil
	}
	return &Detection{
		TriggerWord: fields[0],
		PostGap:     0,
		Command:     command,
	}
}

// matchesTrigger tests a normalized token against all normalized triggers:
// exact equality, or Levenshtein distance within the length-scaled threshold.
// Fuzzy matching is disabled for tokens shorter than 3 runes.
func (g *Gate) matchesTrigger(token string) bool {
	if token == "" {
		return false
	}
	for _, trigger := range g.normalized {
		if token == trigger {
			return true
		}
		if len([]rune(token)) < 3 || len([]rune(trigger)) < 3 {
			continue
		}
		maxLen := len([]rune(trigger))
		if l := len([]rune(token)); l > maxLen {
			maxLen = l
		}
		threshold := int(math.Max(1, math.Ceil(float64(maxLen+1)/3)))
		if levenshtein(token, trigger) <= threshold {
			return true
		}
	}
	return false
}

// levenshtein computes edit distance over runes with a two-row table.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
