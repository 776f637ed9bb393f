package daiku

import "context"

// Generator produces completion text for one prompt.
// When provided via WithGenerator, replaces the OpenAI-backed client the
// App would otherwise build from configuration. Implementations must be
// safe for concurrent use; the engine issues calls from every running
// session.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// EventHook receives async notifications as workflow sessions progress.
// Multiple hooks may be registered via multiple WithEventHook calls.
// Hook methods run in goroutines and must not block indefinitely.
// Failures are logged but do not fail the originating workflow step.
type EventHook interface {
	// OnStepCompleted fires for every recorded step, terminal included.
	OnStepCompleted(ctx context.Context, event StepEvent) error
	// OnSessionFinished fires once per session, with the terminal event.
	OnSessionFinished(ctx context.Context, event StepEvent) error
}
