package agent

import (
	"context"
	"strings"
	"time"

	"taskflow/internal/llm"
	"taskflow/internal/logging"
	"taskflow/internal/memory"
	"taskflow/internal/observability"
	"taskflow/internal/task"
	"taskflow/internal/tools"
)

// StopReason names why a task run ended.
type StopReason string

const (
	// StopNothingToDo: no pending user turn and no seed input.
	StopNothingToDo StopReason = "nothing_to_do"
	// StopRepetition: the model repeated its previous content.
	StopRepetition StopReason = "repetition"
	// StopLowValue: no tool calls and blank content.
	StopLowValue StopReason = "low_value"
	// StopFinalAnswer: no tool calls and non-blank content.
	StopFinalAnswer StopReason = "final_answer"
	// StopNoTools: tool calls requested but no tool is available.
	StopNoTools StopReason = "no_tools"
	// StopRepeatedTool: the same tool call was repeated back to back.
	StopRepeatedTool StopReason = "repeated_tool"
	// StopToolError: a local or provider tool failed.
	StopToolError StopReason = "tool_error"
	// StopMaxIterations: the iteration budget ran out.
	StopMaxIterations StopReason = "max_iterations"
	// StopChatComplete: a chat task received its single reply.
	StopChatComplete StopReason = "chat_complete"
)

// Defensive reports whether the run was cut short by a guard rather than
// finishing on its own.
func (r StopReason) Defensive() bool {
	switch r {
	case StopRepetition, StopLowValue, StopNoTools, StopRepeatedTool, StopToolError, StopMaxIterations:
		return true
	default:
		return false
	}
}

// Rejection records an invoke_task call refused before running its target.
type Rejection struct {
	Kind    tools.ResultKind
	Message string
}

// Outcome is the result of one agent loop.
type Outcome struct {
	Reason       StopReason
	FinalContent string
	Iterations   int
	ModelCalls   int
	Model        string
	Usage        llm.Usage
	Rejections   []Rejection
}

// agentLoop drives one agent task: call the model, execute the requested
// tools, repeat until a stopping condition holds.
type agentLoop struct {
	runner *Runner
	exec   ExecContext
	task   *task.AgentTask
	model  string
	memory *memory.Memory
	tools  *tools.Toolset
	logger logging.Logger
	// ownPending is set when the task's declared memory already ends with
	// a user turn. Inherited context never counts as pending.
	ownPending bool
}

func (l *agentLoop) run(ctx context.Context) (*Outcome, error) {
	rt := l.runner.rt
	config := rt.config
	outcome := &Outcome{}

	switch {
	case l.ownPending:
	case strings.TrimSpace(l.task.Input) != "":
		l.memory.AppendUser(l.task.Input)
	case !l.memory.EndsWithUserMessage():
		l.logger.Info("Task %s has no pending user turn and no input, nothing to do", l.task.ID)
		outcome.Reason = StopNothingToDo
		return outcome, nil
	}

	base := l.memory.Messages()
	var transcript []llm.Message

	var (
		lastContent string
		contentRun  int
		lastCall    string
		callRun     int
	)

	scope := taskScope{runner: l.runner, exec: l.exec}

	for iteration := 1; iteration <= config.MaxIterations; iteration++ {
		outcome.Iterations = iteration
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		iterCtx, span := rt.tracer.StartSpan(ctx, observability.SpanIteration, observability.IterationAttrs(iteration)...)
		req := l.request(base, transcript)
		outcome.ModelCalls++
		turn, err := l.runner.stream(iterCtx, l.model, req)
		if err != nil {
			observability.EndSpan(span, err)
			return outcome, err
		}
		if outcome.Model == "" {
			outcome.Model = turn.Model
		}
		outcome.Usage.Add(turn.Usage)

		content := turn.Message.Text()
		blank := strings.TrimSpace(content) == ""
		if !blank {
			l.memory.AppendAssistant(content)
		}

		if !blank && content == lastContent {
			contentRun++
		} else if !blank {
			contentRun = 1
		} else {
			contentRun = 0
		}
		lastContent = content

		if contentRun >= config.RepeatThreshold {
			l.logger.Warn("Model repeated the same content %d times, stopping", contentRun)
			observability.EndSpan(span, nil)
			return l.stop(outcome, StopRepetition, content), nil
		}

		if len(turn.Message.ToolCalls) == 0 {
			observability.EndSpan(span, nil)
			if blank {
				l.logger.Warn("Model returned no tool calls and no content, stopping")
				return l.stop(outcome, StopLowValue, ""), nil
			}
			return l.stop(outcome, StopFinalAnswer, content), nil
		}

		if l.tools.Empty() {
			l.logger.Warn("Model requested %d tool calls but no tools are available", len(turn.Message.ToolCalls))
			observability.EndSpan(span, nil)
			return l.stop(outcome, StopNoTools, content), nil
		}

		transcript = append(transcript, turn.Message.ToMessage())
		for _, call := range turn.Message.ToolCalls {
			signature := call.Function.Name + "\x00" + call.Function.Arguments
			if signature == lastCall {
				callRun++
			} else {
				callRun = 1
			}
			lastCall = signature
			if callRun >= config.RepeatToolThreshold {
				l.logger.Warn("Tool %s called %d times in a row with the same arguments, stopping", call.Function.Name, callRun)
				observability.EndSpan(span, nil)
				return l.stop(outcome, StopRepeatedTool, content), nil
			}

			rt.observer.OnToolCall(call)
			result := rt.dispatcher.Dispatch(iterCtx, scope, l.tools, call, l.memory)
			rt.observer.OnToolResult(call, result)

			transcript = append(transcript, llm.Message{
				Role:       llm.RoleTool,
				Content:    result.Wire(),
				ToolCallID: call.ID,
			})
			if result.Rejected() {
				outcome.Rejections = append(outcome.Rejections, Rejection{Kind: result.Kind, Message: result.Err.Error()})
			}
			if err := ctx.Err(); err != nil {
				observability.EndSpan(span, err)
				return outcome, err
			}
			if result.Fatal() {
				l.logger.Warn("Tool %s failed, stopping: %v", call.Function.Name, result.Err)
				observability.EndSpan(span, nil)
				return l.stop(outcome, StopToolError, content), nil
			}
		}
		observability.EndSpan(span, nil)
	}

	l.logger.Warn("Max iterations (%d) reached", config.MaxIterations)
	return l.stop(outcome, StopMaxIterations, lastContent), nil
}

func (l *agentLoop) stop(outcome *Outcome, reason StopReason, content string) *Outcome {
	outcome.Reason = reason
	outcome.FinalContent = content
	return outcome
}

func (l *agentLoop) request(base, transcript []llm.Message) llm.CompletionRequest {
	messages := make([]llm.Message, 0, len(base)+len(transcript)+1)
	messages = append(messages, base...)
	messages = append(messages, transcript...)
	if outcome := strings.TrimSpace(l.task.Outcome); outcome != "" {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Desired outcome: " + outcome,
		})
	}

	req := llm.CompletionRequest{
		Model:    l.model,
		Messages: messages,
		Sampling: l.task.Sampling,
	}
	if !l.tools.Empty() {
		req.Tools = l.tools.Definitions()
		req.ToolChoice = "auto"
	}
	return req
}

// stream performs one streamed model call and folds the reply.
func (r *Runner) stream(ctx context.Context, model string, req llm.CompletionRequest) (*llm.Turn, error) {
	rt := r.rt
	ctx, span := rt.tracer.StartSpan(ctx, observability.SpanModelCall, observability.ModelAttrs(model, 0, 0)...)
	start := time.Now()

	turn, err := func() (*llm.Turn, error) {
		stream, err := rt.transport.Open(ctx, req)
		if err != nil {
			return nil, err
		}
		return llm.Accumulate(ctx, stream, rt.observer)
	}()
	r.recordModelCall(ctx, model, start, turn, err)
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	if turn.Empty {
		logging.FromContext(ctx, rt.logger).Warn("Model %s returned an empty response", model)
	}
	return turn, nil
}

func (r *Runner) recordModelCall(ctx context.Context, model string, start time.Time, turn *llm.Turn, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	var input, output int
	if turn != nil && turn.Usage != nil {
		input, output = turn.Usage.PromptTokens, turn.Usage.CompletionTokens
	}
	r.rt.metrics.RecordModelCall(ctx, model, status, time.Since(start), input, output)
}
