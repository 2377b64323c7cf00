package domain

import (
	"fmt"
	"maps"
	"strconv"
)

// Turn is one message of the evaluated conversation.
type Turn struct {
	// ID is an optional caller-supplied stable identifier. When empty the
	// index-derived identifier from TurnID is used.
	ID      string `json:"id,omitempty"`
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// TurnID returns the stable identifier of the turn at index i.
func TurnID(turns []Turn, i int) string {
	if i >= 0 && i < len(turns) && turns[i].ID != "" {
		return turns[i].ID
	}
	return "turn-" + strconv.Itoa(i)
}

// TurnScore collects every metric score attached to one turn.
// Scores are write-once: Set refuses to replace an existing metric so that a
// turn is never partially overwritten as phases complete.
type TurnScore struct {
	Index     int                    `json:"index"`
	TurnID    string                 `json:"turn_id"`
	Metrics   map[string]MetricScore `json:"metrics"`
	Reasoning map[string]string      `json:"reasoning"`
}

// NewTurnScore returns an empty score holder for the turn at index.
func NewTurnScore(index int, turnID string) TurnScore {
	return TurnScore{
		Index:     index,
		TurnID:    turnID,
		Metrics:   make(map[string]MetricScore),
		Reasoning: make(map[string]string),
	}
}

// Set records metric's score and rationale. It returns ErrDuplicateMetric if
// the metric already has a score for this turn; the existing entry is kept.
func (t *TurnScore) Set(metric string, score MetricScore, reasoning string) error {
	if t.Metrics == nil {
		t.Metrics = make(map[string]MetricScore)
	}
	if t.Reasoning == nil {
		t.Reasoning = make(map[string]string)
	}
	if _, exists := t.Metrics[metric]; exists {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateMetric, metric, t.TurnID)
	}
	t.Metrics[metric] = score
	if reasoning != "" {
		t.Reasoning[metric] = reasoning
	}
	return nil
}

// IsEmpty reports whether no metric has been attached to the turn.
func (t TurnScore) IsEmpty() bool { return len(t.Metrics) == 0 }

// Clone returns a deep copy with independent maps.
func (t TurnScore) Clone() TurnScore {
	c := NewTurnScore(t.Index, t.TurnID)
	maps.Copy(c.Metrics, t.Metrics)
	maps.Copy(c.Reasoning, t.Reasoning)
	return c
}
