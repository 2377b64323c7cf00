// Package worker wires the evaluation workflow and activity into a
// Temporal worker.
package worker

import (
	sdkworker "go.temporal.io/sdk/worker"

	"github.com/ahrav/go-convoeval/internal/evaluation"
	"github.com/ahrav/go-convoeval/internal/workflow"
)

// RegisterAll registers the evaluation workflow and activity with w. Call
// once during worker startup, before the worker starts.
func RegisterAll(w sdkworker.Registry, acts *evaluation.Activities) {
	w.RegisterWorkflow(workflow.EvaluationWorkflow)
	w.RegisterActivity(acts.EvaluateConversation)
}
