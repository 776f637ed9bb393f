// Package engine drives one workflow session from requirement text to a
// terminal state: planner, coder, tester and reviewer nodes run in
// sequence under a pure router, bounded by per-edge retry caps and a
// global step limit. Every completed step is checkpointed into the
// hash-chained snapshot log and pushed to the step hook.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/daiku/internal/integrity"
	"github.com/ashita-ai/daiku/internal/llm"
	"github.com/ashita-ai/daiku/internal/model"
	"github.com/ashita-ai/daiku/internal/telemetry"
	"github.com/ashita-ai/daiku/internal/workspace"
)

const defaultMaxSteps = 50

// Workspace is the slice of the workspace manager the nodes consume.
type Workspace interface {
	Save(sessionID, name, content string, overwrite bool) (string, error)
	InstallFrom(ctx context.Context, sessionID, manifest string) (workspace.Result, error)
	RunTests(ctx context.Context, sessionID string) (workspace.Result, error)
}

// CheckpointSink persists one sealed snapshot per completed step.
type CheckpointSink interface {
	AppendCheckpoint(ctx context.Context, cp model.Checkpoint) error
}

// StepHook observes every completed step, terminal one included. It is
// invoked inline from the session goroutine; implementations must not
// block.
type StepHook func(event model.StepEvent, state model.WorkflowState)

// Config bounds the engine's loops.
type Config struct {
	Rules    Rules
	MaxSteps int
}

// Deps carries the collaborators a session needs. Generator and
// Workspace are required; Checkpoints and Hook are optional.
type Deps struct {
	Generator   llm.Generator
	Workspace   Workspace
	Checkpoints CheckpointSink
	Hook        StepHook
	Logger      *slog.Logger
}

// Engine executes workflow sessions. It is stateless across sessions
// and safe for concurrent use; all per-session state lives on the Run
// stack.
type Engine struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	stepCounter  metric.Int64Counter
	nodeDuration metric.Float64Histogram
}

// RunResult is the outcome of one driven session.
type RunResult struct {
	State    model.WorkflowState
	Steps    int
	Counters Counters
}

// New validates the dependencies and prepares an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Generator == nil {
		return nil, fmt.Errorf("engine: generator is required")
	}
	if deps.Workspace == nil {
		return nil, fmt.Errorf("engine: workspace is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.Rules == (Rules{}) {
		cfg.Rules = DefaultRules()
	}

	e := &Engine{cfg: cfg, deps: deps, logger: deps.Logger}

	meter := telemetry.Meter("daiku/engine")
	var err error
	if e.stepCounter, err = meter.Int64Counter("daiku.engine.steps",
		metric.WithDescription("Workflow steps executed")); err != nil {
		e.logger.Warn("step counter unavailable", "error", err)
	}
	if e.nodeDuration, err = meter.Float64Histogram("daiku.engine.node_duration",
		metric.WithDescription("Node execution duration"),
		metric.WithUnit("ms")); err != nil {
		e.logger.Warn("node duration histogram unavailable", "error", err)
	}
	return e, nil
}

// Rules returns the caps and thresholds the engine runs with.
func (e *Engine) Rules() Rules { return e.cfg.Rules }

// Run drives one session to a terminal state and returns the final
// snapshot. The error return covers invalid input only; workflow
// failures are reported through the state's status.
func (e *Engine) Run(ctx context.Context, sessionID uuid.UUID, requirements string) (RunResult, error) {
	if sessionID == uuid.Nil {
		return RunResult{}, fmt.Errorf("engine: session id is required")
	}
	if err := model.ValidateRequirements(requirements); err != nil {
		return RunResult{}, err
	}

	st := model.NewWorkflowState(sessionID.String(), requirements)
	counters := Counters{}
	node := NodePlanner
	prevHash := ""
	steps := 0

	e.logger.Info("session started", "session_id", sessionID)

	for {
		steps++
		if steps > e.cfg.MaxSteps {
			st = terminalFailure(st, fmt.Sprintf("step bound (%d) reached without a terminal decision", e.cfg.MaxSteps))
			e.checkpoint(ctx, sessionID, steps, nodeHarness, st, &prevHash)
			e.emit(sessionID, steps, nodeHarness, st, "step bound reached", true)
			break
		}
		if err := ctx.Err(); err != nil {
			st = terminalFailure(st, fmt.Sprintf("session cancelled: %v", err))
			e.checkpoint(ctx, sessionID, steps, nodeHarness, st, &prevHash)
			e.emit(sessionID, steps, nodeHarness, st, "session cancelled", true)
			break
		}

		st = e.step(ctx, node, st)
		if st.Status == model.StatusFailed {
			// The node boundary already converted the failure; seal
			// the final snapshot and stop.
			e.checkpoint(ctx, sessionID, steps, node, st, &prevHash)
			e.emit(sessionID, steps, node, st, "node failed", true)
			break
		}

		counters = Advance(node, st, counters, e.cfg.Rules)
		d := Route(node, st, counters, e.cfg.Rules)
		st = applyDecision(st, d)

		e.checkpoint(ctx, sessionID, steps, node, st, &prevHash)
		e.emit(sessionID, steps, node, st, d.Reason, d.Terminal)

		e.logger.Debug("step routed",
			"session_id", sessionID,
			"step", steps,
			"node", node,
			"next", d.Next,
			"terminal", d.Terminal,
			"reason", d.Reason)

		if d.Terminal {
			break
		}
		node = d.Next
	}

	e.logger.Info("session finished",
		"session_id", sessionID,
		"status", st.Status,
		"phase", st.Phase,
		"steps", steps,
		"iteration", st.Iteration,
		"errors", len(st.Errors),
		"warnings", len(st.Warnings))

	return RunResult{State: st, Steps: steps, Counters: counters}, nil
}

// step executes one node behind the panic boundary. A panicking node
// fails the session instead of crashing the harness, and an illegal
// phase move is treated the same way.
func (e *Engine) step(ctx context.Context, node Node, st model.WorkflowState) (out model.WorkflowState) {
	start := time.Now()
	from := st.Phase

	defer func() {
		if e.stepCounter != nil {
			e.stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("node", string(node))))
		}
		if e.nodeDuration != nil {
			e.nodeDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0,
				metric.WithAttributes(attribute.String("node", string(node))))
		}
		if r := recover(); r != nil {
			e.logger.Error("node panicked", "node", node, "panic", r)
			out = terminalFailure(st, fmt.Sprintf("%s panicked: %v", node, r))
		}
	}()

	out = e.runNode(ctx, node, st)

	if out.Phase != from {
		if err := model.ValidatePhaseTransition(from, out.Phase); err != nil {
			e.logger.Error("illegal phase transition", "node", node, "error", err)
			out = terminalFailure(out, err.Error())
		}
	}
	return out
}

// applyDecision folds the router's verdict into the state.
func applyDecision(st model.WorkflowState, d Decision) model.WorkflowState {
	return st.With(func(ws *model.WorkflowState) {
		if d.Error != "" {
			ws.AppendError(d.Error)
		}
		if d.Terminal {
			ws.Status = d.Status
			if d.Status == model.StatusFailed {
				ws.Phase = model.PhaseFailed
			} else {
				ws.Phase = model.PhaseComplete
			}
			return
		}
		if d.NewIteration {
			ws.Iteration++
		}
		if d.Status != "" {
			ws.Status = d.Status
		}
	})
}

func terminalFailure(st model.WorkflowState, msg string) model.WorkflowState {
	return st.With(func(ws *model.WorkflowState) {
		ws.AppendError(msg)
		ws.Status = model.StatusFailed
		ws.Phase = model.PhaseFailed
	})
}

// checkpoint seals and appends one snapshot. A write failure is logged
// and skipped; the chain stays verifiable because prevHash only
// advances on a successful append. The detached context lets the
// terminal snapshot land even when the session was cancelled.
func (e *Engine) checkpoint(ctx context.Context, sessionID uuid.UUID, step int, node Node, st model.WorkflowState, prevHash *string) {
	if e.deps.Checkpoints == nil {
		return
	}
	cp := model.Checkpoint{
		ID:        uuid.New(),
		SessionID: sessionID,
		Step:      step,
		Node:      string(node),
		State:     st,
		CreatedAt: time.Now().UTC(),
	}
	sealed, err := integrity.SealCheckpoint(cp, *prevHash)
	if err == nil {
		err = e.deps.Checkpoints.AppendCheckpoint(context.WithoutCancel(ctx), sealed)
	}
	if err != nil {
		e.logger.Warn("checkpoint append failed", "session_id", sessionID, "step", step, "error", err)
		return
	}
	*prevHash = sealed.Hash
}

func (e *Engine) emit(sessionID uuid.UUID, seq int, node Node, st model.WorkflowState, reason string, terminal bool) {
	if e.deps.Hook == nil {
		return
	}
	e.deps.Hook(model.StepEvent{
		ID:        uuid.New(),
		SessionID: sessionID,
		Seq:       seq,
		Node:      string(node),
		Phase:     st.Phase,
		Iteration: st.Iteration,
		Status:    st.Status,
		Message:   reason,
		Terminal:  terminal,
		Timestamp: time.Now().UTC(),
	}, st)
}
