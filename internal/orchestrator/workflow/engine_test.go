package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewmux/crewmux/internal/common/config"
	"github.com/crewmux/crewmux/internal/common/logger"
	"github.com/crewmux/crewmux/internal/orchestrator/task"
	v1 "github.com/crewmux/crewmux/pkg/api/v1"
)

// fakeBackend resolves submitted tasks according to a script.
type fakeBackend struct {
	mu      sync.Mutex
	tasks   map[string]*v1.Task
	submits []*v1.SubmitTaskRequest
	// script decides a task's outcome; nil result with nil error leaves the
	// task RUNNING forever.
	script    func(req *v1.SubmitTaskRequest) (*v1.TaskResult, error)
	cancelled []string
}

func newFakeBackend(script func(req *v1.SubmitTaskRequest) (*v1.TaskResult, error)) *fakeBackend {
	return &fakeBackend{tasks: make(map[string]*v1.Task), script: script}
}

func (f *fakeBackend) Submit(_ context.Context, req *v1.SubmitTaskRequest) (*v1.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &v1.Task{
		ID:      uuid.New().String(),
		Agent:   req.Agent,
		Command: req.Command,
		State:   v1.TaskStateRunning,
	}
	f.submits = append(f.submits, req)
	f.tasks[t.ID] = t

	result, err := f.script(req)
	if err != nil {
		t.State = v1.TaskStateFailed
		t.Error = err.Error()
	} else if result != nil {
		t.State = v1.TaskStateCompleted
		t.Result = result
	}
	return t.Clone(), nil
}

func (f *fakeBackend) Cancel(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	if t, ok := f.tasks[taskID]; ok && !t.State.Terminal() {
		t.State = v1.TaskStateCancelled
	}
	return nil
}

func (f *fakeBackend) GetStatus(_ context.Context, taskID string) (*v1.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, errors.New("task not found")
	}
	return t.Clone(), nil
}

func (f *fakeBackend) submittedCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.submits))
	for i, req := range f.submits {
		out[i] = req.Command
	}
	return out
}

func (f *fakeBackend) submittedRequests() []*v1.SubmitTaskRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*v1.SubmitTaskRequest(nil), f.submits...)
}

// fakeDirectory knows a fixed agent roster.
type fakeDirectory map[string]bool

func (d fakeDirectory) Get(id string) (*v1.AgentRecord, error) {
	if !d[id] {
		return nil, task.Validationf("test", "unknown agent %q", id)
	}
	return &v1.AgentRecord{ID: id}, nil
}

func newTestEngine(script func(req *v1.SubmitTaskRequest) (*v1.TaskResult, error)) (*Engine, *fakeBackend) {
	backend := newFakeBackend(script)
	engine := NewEngine(backend, fakeDirectory{"backend": true, "frontend": true},
		nil, nil, config.WorkflowConfig{StepPoolSize: 10}, logger.Default())
	return engine, backend
}

func echoScript(req *v1.SubmitTaskRequest) (*v1.TaskResult, error) {
	return &v1.TaskResult{Output: "ran " + req.Command}, nil
}

func waitForExecution(t *testing.T, engine *Engine, executionID string, within time.Duration) *v1.Execution {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		record, err := engine.Status(executionID)
		require.NoError(t, err)
		if record.Status.Terminal() {
			return record
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s still %s", executionID, record.Status)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func diamondSpec() *v1.WorkflowSpec {
	return &v1.WorkflowSpec{
		Name: "diamond",
		Steps: []v1.StepSpec{
			{ID: "a", Agent: "backend", Action: "prepare"},
			{ID: "b", Agent: "backend", Action: "left", DependsOn: []string{"a"}},
			{ID: "c", Agent: "frontend", Action: "right", DependsOn: []string{"a"}},
			{ID: "d", Agent: "backend", Action: "merge", DependsOn: []string{"b", "c"}},
		},
	}
}

func TestDefineValidation(t *testing.T) {
	engine, _ := newTestEngine(echoScript)
	ctx := context.Background()

	cases := []struct {
		name string
		spec *v1.WorkflowSpec
	}{
		{"no name", &v1.WorkflowSpec{Steps: []v1.StepSpec{{ID: "a", Agent: "backend", Action: "x"}}}},
		{"no steps", &v1.WorkflowSpec{Name: "w"}},
		{"duplicate ids", &v1.WorkflowSpec{Name: "w", Steps: []v1.StepSpec{
			{ID: "a", Agent: "backend", Action: "x"},
			{ID: "a", Agent: "backend", Action: "y"},
		}}},
		{"unknown agent", &v1.WorkflowSpec{Name: "w", Steps: []v1.StepSpec{
			{ID: "a", Agent: "nobody", Action: "x"},
		}}},
		{"self dependency", &v1.WorkflowSpec{Name: "w", Steps: []v1.StepSpec{
			{ID: "a", Agent: "backend", Action: "x", DependsOn: []string{"a"}},
		}}},
		{"unknown dependency", &v1.WorkflowSpec{Name: "w", Steps: []v1.StepSpec{
			{ID: "a", Agent: "backend", Action: "x", DependsOn: []string{"zzz"}},
		}}},
		{"cycle", &v1.WorkflowSpec{Name: "w", Steps: []v1.StepSpec{
			{ID: "a", Agent: "backend", Action: "x", DependsOn: []string{"b"}},
			{ID: "b", Agent: "backend", Action: "y", DependsOn: []string{"a"}},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Define(ctx, tc.spec)
			require.Error(t, err)
			assert.True(t, task.IsKind(err, task.KindValidation))
		})
	}
}

func TestDefineAcceptsDiamond(t *testing.T) {
	engine, _ := newTestEngine(echoScript)

	id, err := engine.Define(context.Background(), diamondSpec())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stored, err := engine.GetWorkflow(id)
	require.NoError(t, err)
	assert.Len(t, stored.Steps, 4)
}

func TestExecuteDiamondRespectsTopology(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		engine, backend := newTestEngine(echoScript)
		ctx := context.Background()

		workflowID, err := engine.Define(ctx, diamondSpec())
		require.NoError(t, err)

		executionID, err := engine.Execute(ctx, workflowID, nil)
		require.NoError(t, err)

		record := waitForExecution(t, engine, executionID, 30*time.Second)
		assert.Equal(t, v1.ExecutionCompleted, record.Status)
		for id, step := range record.Steps {
			assert.Equal(t, v1.StepCompleted, step.State, "step %s", id)
		}
		assert.Equal(t, "ran prepare", record.Context["step_a_result"])

		// Submit order must respect the DAG: a first, d last.
		commands := backend.submittedCommands()
		require.Len(t, commands, 4)
		assert.Equal(t, "prepare", commands[0])
		assert.Equal(t, "merge", commands[3])

		// Every step runs at HIGH priority with a correlation tag.
		for _, req := range backend.submittedRequests() {
			assert.Equal(t, "HIGH", req.Priority)
			assert.Equal(t, executionID, req.Metadata["execution_id"])
		}
	})
}

func TestExecuteSubstitutesParams(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		engine, backend := newTestEngine(echoScript)
		ctx := context.Background()

		workflowID, err := engine.Define(ctx, &v1.WorkflowSpec{
			Name: "pipeline",
			Steps: []v1.StepSpec{
				{ID: "fetch", Agent: "backend", Action: "fetch ${source}"},
				{ID: "report", Agent: "backend", Action: "summarize ${step_fetch_result} for ${audience}",
					DependsOn: []string{"fetch"}},
			},
		})
		require.NoError(t, err)

		executionID, err := engine.Execute(ctx, workflowID, map[string]interface{}{
			"source": "main",
		})
		require.NoError(t, err)

		record := waitForExecution(t, engine, executionID, 30*time.Second)
		assert.Equal(t, v1.ExecutionCompleted, record.Status)

		commands := backend.submittedCommands()
		require.Len(t, commands, 2)
		assert.Equal(t, "fetch main", commands[0])
		// The previous step's result resolves; the unknown key stays literal.
		assert.Equal(t, "summarize ran fetch main for ${audience}", commands[1])
	})
}

func TestExecuteFailureSkipsDependents(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		script := func(req *v1.SubmitTaskRequest) (*v1.TaskResult, error) {
			if req.Command == "explode" {
				return nil, errors.New("boom")
			}
			return echoScript(req)
		}
		engine, _ := newTestEngine(script)
		ctx := context.Background()

		workflowID, err := engine.Define(ctx, &v1.WorkflowSpec{
			Name: "partial",
			Steps: []v1.StepSpec{
				{ID: "bad", Agent: "backend", Action: "explode"},
				{ID: "child", Agent: "backend", Action: "after-bad", DependsOn: []string{"bad"}},
				{ID: "independent", Agent: "frontend", Action: "solo"},
			},
		})
		require.NoError(t, err)

		executionID, err := engine.Execute(ctx, workflowID, nil)
		require.NoError(t, err)

		record := waitForExecution(t, engine, executionID, 30*time.Second)
		assert.Equal(t, v1.ExecutionFailed, record.Status)
		assert.Equal(t, v1.StepFailed, record.Steps["bad"].State)
		assert.Equal(t, v1.StepSkipped, record.Steps["child"].State)
		// The branch untouched by the failure still runs.
		assert.Equal(t, v1.StepCompleted, record.Steps["independent"].State)
	})
}

func TestCancelExecution(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		// Tasks never finish on their own.
		engine, backend := newTestEngine(func(*v1.SubmitTaskRequest) (*v1.TaskResult, error) {
			return nil, nil
		})
		ctx := context.Background()

		workflowID, err := engine.Define(ctx, &v1.WorkflowSpec{
			Name: "stuck",
			Steps: []v1.StepSpec{
				{ID: "a", Agent: "backend", Action: "hang"},
				{ID: "b", Agent: "backend", Action: "later", DependsOn: []string{"a"}},
			},
		})
		require.NoError(t, err)

		executionID, err := engine.Execute(ctx, workflowID, nil)
		require.NoError(t, err)

		// Let the first step get submitted.
		time.Sleep(2 * time.Second)
		require.NoError(t, engine.Cancel(ctx, executionID))

		record := waitForExecution(t, engine, executionID, 10*time.Second)
		assert.Equal(t, v1.ExecutionCancelled, record.Status)
		assert.Equal(t, v1.StepSkipped, record.Steps["b"].State)
		assert.NotEmpty(t, backend.cancelled)

		// Cancelling again is a no-op.
		require.NoError(t, engine.Cancel(ctx, executionID))
		engine.Shutdown()
	})
}

func TestStatusUnknownExecution(t *testing.T) {
	engine, _ := newTestEngine(echoScript)
	_, err := engine.Status("nope")
	require.Error(t, err)
}
