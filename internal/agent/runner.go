package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskflow/internal/async"
	tferrors "taskflow/internal/errors"
	"taskflow/internal/ids"
	"taskflow/internal/llm"
	"taskflow/internal/logging"
	"taskflow/internal/memory"
	"taskflow/internal/observability"
	"taskflow/internal/task"
)

// TaskResult is the outcome of one task run.
type TaskResult struct {
	TaskID    string
	TaskRunID string
	Kind      task.Kind
	Model     string
	Depth     int
	Reason    StopReason
	// FinalContent is the content of the model turn that ended the run.
	FinalContent string
	// LastMessage is the content of the final memory entry.
	LastMessage string
	Memory      memory.Config
	Usage       llm.Usage
	Outcome     *Outcome
	Duration    time.Duration
	Err         error
}

// Report summarises a run over a task list.
type Report struct {
	RunID    string
	Tasks    []*TaskResult
	Usage    llm.Usage
	Duration time.Duration
	// Aborted is set when the run stopped before the end of the run list.
	Aborted bool
}

// Failed counts tasks that ended with an error.
func (r *Report) Failed() int {
	n := 0
	for _, result := range r.Tasks {
		if result.Err != nil {
			n++
		}
	}
	return n
}

// Runner executes tasks on a Runtime.
type Runner struct {
	rt *Runtime
}

// NewRunner creates a runner.
func NewRunner(rt *Runtime) *Runner {
	return &Runner{rt: rt}
}

// RunAll runs every task of file's run list in order. A failed task is
// recorded and the run continues unless ContinueOnError is off; a
// cancellation always aborts the run.
func (r *Runner) RunAll(ctx context.Context, file *task.File) (*Report, error) {
	rt := r.rt
	start := time.Now()
	report := &Report{RunID: ids.NewRunID()}
	ctx = ids.WithRunID(ctx, report.RunID)
	ctx, span := rt.tracer.StartSpan(ctx, observability.SpanRunAll)
	logger := logging.FromContext(ctx, rt.logger)

	var runErr error
	defer func() {
		report.Duration = time.Since(start)
		observability.EndSpan(span, runErr)
	}()

	logger.Info("Starting run of %d tasks", len(file.Run))
	for _, id := range file.Run {
		t, ok := file.Lookup(id)
		if !ok {
			runErr = fmt.Errorf("run list references unknown task: %s", id)
			return report, runErr
		}

		result, err := r.RunTask(ctx, r.RootContext(file), t, memory.Config{})
		report.Tasks = append(report.Tasks, result)
		report.Usage.Add(&result.Usage)
		if err == nil {
			continue
		}

		if tferrors.IsCancellation(err) || ctx.Err() != nil {
			logger.Warn("Run cancelled during task %s", id)
			report.Aborted = true
			runErr = err
			return report, err
		}
		logger.Error("Task %s failed: %v", id, err)
		if !rt.config.ContinueOnError {
			report.Aborted = true
			runErr = fmt.Errorf("task %s: %w", id, err)
			return report, runErr
		}
	}

	logger.Info("Run finished: %d tasks, %d failed, %d total tokens", len(report.Tasks), report.Failed(), report.Usage.TotalTokens)
	return report, nil
}

// RootContext returns the execution context of a top-level task: depth 0
// and an empty chain.
func (r *Runner) RootContext(file *task.File) ExecContext {
	defaultModel := file.DefaultModel
	if defaultModel == "" {
		defaultModel = r.rt.config.DefaultModel
	}
	return ExecContext{
		Tasks:        file.ByID(),
		DefaultModel: defaultModel,
		Runtime:      r.rt,
	}
}

// ResolveModel picks the model for t: the task override, else the run
// default, else the fallback. Any tool usage forces the tool model.
func (r *Runner) ResolveModel(exec ExecContext, t task.Task) string {
	config := r.rt.config
	base := t.Base()

	model := strings.TrimSpace(base.Model)
	if model == "" {
		model = strings.TrimSpace(exec.DefaultModel)
	}
	if model == "" {
		model = config.FallbackModel
	}
	if base.UsesTools() && config.ToolModel != "" {
		model = config.ToolModel
	}
	return model
}

// RunTask runs t with inherited memory ahead of its own. A top-level task is
// entered into the chain here, so invoke_task targeting the running task is
// caught as a cycle. The returned result is never nil.
func (r *Runner) RunTask(ctx context.Context, exec ExecContext, t task.Task, inherited memory.Config) (*TaskResult, error) {
	rt := r.rt
	base := t.Base()
	if exec.Chain.Len() == 0 {
		exec.Chain = NewChain(base.ID)
	}

	result := &TaskResult{
		TaskID:    base.ID,
		TaskRunID: ids.NewTaskRunID(),
		Kind:      t.Kind(),
		Depth:     exec.Depth,
		Model:     r.ResolveModel(exec, t),
	}
	ctx = ids.WithTaskID(ctx, base.ID)
	ctx = ids.WithTaskRunID(ctx, result.TaskRunID)
	ctx, span := rt.tracer.StartSpan(ctx, observability.SpanTaskRun, observability.TaskAttrs(string(t.Kind()), exec.Depth)...)
	logger := logging.FromContext(ctx, rt.logger)

	start := time.Now()
	rt.metrics.IncrementActiveTasks(ctx)
	rt.observer.OnTaskStart(base.ID, t.Kind(), exec.Depth)
	logger.Info("Running %s task %s with model %s at depth %d", t.Kind(), base.ID, result.Model, exec.Depth)

	err := async.Call(logger, "task."+base.ID, func() error {
		switch t := t.(type) {
		case *task.ChatTask:
			return r.runChat(ctx, t, inherited, result)
		case *task.AgentTask:
			return r.runAgent(ctx, exec, t, inherited, result)
		default:
			return &task.UnknownKindError{Kind: fmt.Sprintf("%T", t)}
		}
	})

	result.Duration = time.Since(start)
	result.Err = err
	if last, ok := lastEntry(result.Memory); ok {
		result.LastMessage = last
	}

	reason := string(result.Reason)
	if err != nil {
		reason = "error"
		logger.Warn("Task %s failed after %v: %v", base.ID, result.Duration, err)
	} else {
		logger.Info("Task %s finished (%s) in %v", base.ID, result.Reason, result.Duration)
	}
	rt.metrics.DecrementActiveTasks(ctx)
	rt.metrics.RecordTaskOutcome(ctx, string(t.Kind()), reason, result.Duration)
	span.SetAttributes(observability.StopAttrs(reason)...)
	observability.EndSpan(span, err)
	rt.observer.OnTaskEnd(result)
	return result, err
}

func (r *Runner) runAgent(ctx context.Context, exec ExecContext, t *task.AgentTask, inherited memory.Config, result *TaskResult) error {
	logger := logging.FromContext(ctx, r.rt.logger)
	mem := memory.New(memory.Merge(inherited, t.Memory))
	defer func() { result.Memory = mem.ToConfig() }()

	toolset, err := r.rt.dispatcher.Resolve(ctx, t)
	if err != nil {
		return err
	}

	loop := &agentLoop{
		runner:     r,
		exec:       exec,
		task:       t,
		model:      result.Model,
		memory:     mem,
		tools:      toolset,
		logger:     logger,
		ownPending: memory.New(t.Memory).EndsWithUserMessage(),
	}
	outcome, err := loop.run(ctx)
	result.Outcome = outcome
	if outcome != nil {
		result.Reason = outcome.Reason
		result.FinalContent = outcome.FinalContent
		result.Usage = outcome.Usage
		if outcome.Model != "" {
			result.Model = outcome.Model
		}
	}
	return err
}

func (r *Runner) runChat(ctx context.Context, t *task.ChatTask, inherited memory.Config, result *TaskResult) error {
	own := memory.Config{}
	if prompt := strings.TrimSpace(t.SystemPrompt); prompt != "" {
		own.Context = []string{t.SystemPrompt}
	}
	mem := memory.New(memory.Merge(inherited, own))
	defer func() { result.Memory = mem.ToConfig() }()

	if strings.TrimSpace(t.Description) != "" {
		mem.AppendUser(t.Description)
	}
	messages := mem.Messages()
	if len(messages) == 0 {
		return fmt.Errorf("chat task %s has no prompt or description", t.ID)
	}

	req := llm.CompletionRequest{Model: result.Model, Messages: messages, Sampling: t.Sampling}
	var reply llm.AssistantMessage
	if r.rt.config.StreamChat {
		turn, err := r.stream(ctx, result.Model, req)
		if err != nil {
			return err
		}
		reply = turn.Message
		result.Usage.Add(turn.Usage)
		if turn.Model != "" {
			result.Model = turn.Model
		}
	} else {
		start := time.Now()
		resp, err := r.rt.transport.Complete(ctx, req)
		var turn *llm.Turn
		if err == nil {
			turn = &llm.Turn{Message: resp.Message, Usage: resp.Usage, Model: resp.Model}
		}
		r.recordModelCall(ctx, result.Model, start, turn, err)
		if err != nil {
			return err
		}
		reply = resp.Message
		result.Usage.Add(resp.Usage)
		if resp.Model != "" {
			result.Model = resp.Model
		}
		r.rt.observer.OnContent(reply.Text())
	}

	content := reply.Text()
	if strings.TrimSpace(content) != "" {
		mem.AppendAssistant(content)
	}
	result.Reason = StopChatComplete
	result.FinalContent = content
	return nil
}

func lastEntry(config memory.Config) (string, bool) {
	if len(config.History) == 0 {
		return "", false
	}
	return config.History[len(config.History)-1].Content, true
}
