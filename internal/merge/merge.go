package merge

import (
	"cmp"
	"maps"
	"slices"

	"github.com/ahrav/go-convoeval/internal/domain"
)

// Merge combines two results. A nil argument is the identity, so
// Merge(nil, x) and Merge(x, nil) return x itself.
//
// Overall scores, labels and raw results are unioned. Turn scores are
// unioned by turn id and, for a turn present in both, their metric and
// reasoning maps are merged key-wise. Metric names are phase-exclusive, so
// for results over disjoint metric sets the merge is commutative; if a
// metric does collide on a turn, the score from a is kept.
func Merge(a, b *domain.EvaluationResult) *domain.EvaluationResult {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}

	out := a.Clone()
	maps.Copy(out.OverallScores, b.OverallScores)
	maps.Copy(out.OverallLabels, b.OverallLabels)
	maps.Copy(out.RawResults, b.RawResults)

	byID := make(map[string]int, len(out.TurnScores))
	for i, ts := range out.TurnScores {
		byID[ts.TurnID] = i
	}
	for _, ts := range b.TurnScores {
		i, ok := byID[ts.TurnID]
		if !ok {
			byID[ts.TurnID] = len(out.TurnScores)
			out.TurnScores = append(out.TurnScores, ts.Clone())
			continue
		}
		for name, score := range ts.Metrics {
			_ = out.TurnScores[i].Set(name, score, ts.Reasoning[name])
		}
	}
	sortTurns(out.TurnScores)
	return out
}

// Fold merges results left to right starting from nil.
func Fold(results ...*domain.EvaluationResult) *domain.EvaluationResult {
	var acc *domain.EvaluationResult
	for _, r := range results {
		acc = Merge(acc, r)
	}
	return acc
}

// Complete returns a copy of result whose TurnScores holds exactly one
// entry per conversation turn, ordered by index. Existing entries are
// matched by turn id; turns nobody scored get an empty entry and entries
// for ids outside the conversation are dropped. A nil result yields an
// empty one, so a run where no phase executed still satisfies the
// turn-completeness invariant.
func Complete(result *domain.EvaluationResult, conversation []domain.Turn) *domain.EvaluationResult {
	out := result.Clone()
	if out == nil {
		out = domain.NewEvaluationResult()
	}

	existing := make(map[string]domain.TurnScore, len(out.TurnScores))
	for _, ts := range out.TurnScores {
		existing[ts.TurnID] = ts
	}

	turns := make([]domain.TurnScore, len(conversation))
	for i := range conversation {
		id := domain.TurnID(conversation, i)
		ts, ok := existing[id]
		if !ok {
			turns[i] = domain.NewTurnScore(i, id)
			continue
		}
		ts.Index = i
		turns[i] = ts
	}
	out.TurnScores = turns
	return out
}

func sortTurns(turns []domain.TurnScore) {
	slices.SortStableFunc(turns, func(x, y domain.TurnScore) int {
		return cmp.Or(cmp.Compare(x.Index, y.Index), cmp.Compare(x.TurnID, y.TurnID))
	})
}
