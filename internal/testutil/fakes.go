package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/ashita-ai/daiku/internal/llm"
	"github.com/ashita-ai/daiku/internal/model"
	"github.com/ashita-ai/daiku/internal/workspace"
)

// Reply is one scripted generation outcome.
type Reply struct {
	Text string
	Err  error
}

// ScriptedGenerator plays back queued replies in order and records every
// request it saw. An exhausted queue reports an error, which callers
// treat as a collaborator failure.
type ScriptedGenerator struct {
	mu      sync.Mutex
	replies []Reply

	Calls []llm.GenerateRequest
}

// Script queues replies in the order they will be served.
func Script(replies ...Reply) *ScriptedGenerator {
	return &ScriptedGenerator{replies: replies}
}

// Texts queues plain successful replies.
func Texts(texts ...string) *ScriptedGenerator {
	replies := make([]Reply, len(texts))
	for i, t := range texts {
		replies[i] = Reply{Text: t}
	}
	return &ScriptedGenerator{replies: replies}
}

func (g *ScriptedGenerator) Generate(_ context.Context, req llm.GenerateRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, req)
	if len(g.replies) == 0 {
		return "", errors.New("scripted generator: reply queue exhausted")
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	return r.Text, r.Err
}

// MemWorkspace is an in-memory stand-in for the workspace manager.
// Install and test outcomes are scripted per call; an empty queue
// defaults to success unless a default result is set.
type MemWorkspace struct {
	mu    sync.Mutex
	files map[string]map[string]string

	SaveErrFor     map[string]error
	InstallResults []workspace.Result
	TestResults    []workspace.Result
	InstallDefault *workspace.Result
	TestDefault    *workspace.Result

	InstallCalls int
	TestCalls    int
}

func NewMemWorkspace() *MemWorkspace {
	return &MemWorkspace{files: make(map[string]map[string]string)}
}

func (w *MemWorkspace) Save(sessionID, name, content string, _ bool) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.SaveErrFor[name]; err != nil {
		return "", err
	}
	if w.files[sessionID] == nil {
		w.files[sessionID] = make(map[string]string)
	}
	w.files[sessionID][name] = content
	return sessionID + "/" + name, nil
}

func (w *MemWorkspace) InstallFrom(_ context.Context, _, _ string) (workspace.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.InstallCalls++
	res := pop(&w.InstallResults, w.InstallDefault)
	return res, nil
}

func (w *MemWorkspace) RunTests(_ context.Context, _ string) (workspace.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.TestCalls++
	res := pop(&w.TestResults, w.TestDefault)
	return res, nil
}

// File returns a saved file's content.
func (w *MemWorkspace) File(sessionID, name string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	content, ok := w.files[sessionID][name]
	return content, ok
}

// FileCount returns how many files a session has saved.
func (w *MemWorkspace) FileCount(sessionID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files[sessionID])
}

func pop(queue *[]workspace.Result, fallback *workspace.Result) workspace.Result {
	if len(*queue) > 0 {
		res := (*queue)[0]
		*queue = (*queue)[1:]
		return res
	}
	if fallback != nil {
		return *fallback
	}
	return workspace.Result{Success: true}
}

// FailResult is a canned failing command outcome.
func FailResult(output string) workspace.Result {
	return workspace.Result{Success: false, ExitCode: 1, Stdout: output}
}

// PassResult is a canned passing command outcome.
func PassResult() workspace.Result {
	return workspace.Result{Success: true, ExitCode: 0}
}

// CheckpointRecorder collects appended checkpoints in order. Err, when
// set, is returned for every append.
type CheckpointRecorder struct {
	mu          sync.Mutex
	Err         error
	Checkpoints []model.Checkpoint
}

func (r *CheckpointRecorder) AppendCheckpoint(_ context.Context, cp model.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Checkpoints = append(r.Checkpoints, cp)
	return nil
}

// All returns a copy of the recorded checkpoints.
func (r *CheckpointRecorder) All() []model.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Checkpoint, len(r.Checkpoints))
	copy(out, r.Checkpoints)
	return out
}

// EventRecorder collects emitted step events and the states that
// accompanied them.
type EventRecorder struct {
	mu     sync.Mutex
	Events []model.StepEvent
	States []model.WorkflowState

	// OnEvent, when set, runs inline after each recorded event.
	OnEvent func(ev model.StepEvent)
}

func (r *EventRecorder) Hook(ev model.StepEvent, st model.WorkflowState) {
	r.mu.Lock()
	r.Events = append(r.Events, ev)
	r.States = append(r.States, st)
	cb := r.OnEvent
	r.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// AllEvents returns a copy of the recorded events.
func (r *EventRecorder) AllEvents() []model.StepEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.StepEvent, len(r.Events))
	copy(out, r.Events)
	return out
}
