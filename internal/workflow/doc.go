// Package workflow implements the Temporal workflow that runs a
// conversation evaluation durably.
//
// The workflow itself holds no evaluation logic. It validates its input,
// configures activity timeouts from the phase timeout and delegates the
// whole multi-phase run to the EvaluateConversation activity, whose
// heartbeats carry live progress. Workflow code must stay deterministic:
// no wall-clock reads, randomness or I/O outside activities.
package workflow
