// Package merge turns settled phase outcomes into one EvaluationResult.
//
// Two steps run in sequence. Reconcile gives every requested metric of a
// phase a raw-results entry, synthesizing failure placeholders for metrics
// that errored or never answered. PhaseResult then builds that phase's turn
// scores and overall aggregates, and Merge/Fold combine phase results
// key-wise. Merge is associative with nil as identity, so results can be
// folded left to right without special-casing the first phase.
package merge
