// Package console renders run progress for a terminal: streamed model
// content, task boundaries, tool calls and the final report.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"taskflow/internal/agent"
	"taskflow/internal/llm"
	"taskflow/internal/task"
	"taskflow/internal/tools"
)

const maxPreview = 160

// Printer is an agent.Observer writing to a terminal.
type Printer struct {
	mu      sync.Mutex
	out     io.Writer
	depth   int
	midLine bool
	quiet   bool

	blue   *color.Color
	green  *color.Color
	yellow *color.Color
	red    *color.Color
	cyan   *color.Color
	gray   *color.Color
	bold   *color.Color
}

var _ agent.Observer = (*Printer)(nil)

// Option configures a Printer.
type Option func(*Printer)

// WithColor forces colour on or off.
func WithColor(enabled bool) Option {
	return func(p *Printer) {
		for _, c := range p.colors() {
			if enabled {
				c.EnableColor()
			} else {
				c.DisableColor()
			}
		}
	}
}

// WithQuiet suppresses streamed content; step lines are still written.
func WithQuiet(quiet bool) Option {
	return func(p *Printer) { p.quiet = quiet }
}

// NewPrinter creates a printer for out. Colour defaults to ColorEnabled(out).
func NewPrinter(out io.Writer, opts ...Option) *Printer {
	p := &Printer{
		out:    out,
		blue:   color.New(color.FgBlue),
		green:  color.New(color.FgGreen),
		yellow: color.New(color.FgYellow),
		red:    color.New(color.FgRed),
		cyan:   color.New(color.FgCyan),
		gray:   color.New(color.FgHiBlack),
		bold:   color.New(color.Bold),
	}
	WithColor(ColorEnabled(out))(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Printer) colors() []*color.Color {
	return []*color.Color{p.blue, p.green, p.yellow, p.red, p.cyan, p.gray, p.bold}
}

// OnContent echoes a streamed content delta.
func (p *Printer) OnContent(delta string) {
	if p.quiet || delta == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, delta)
	p.midLine = !strings.HasSuffix(delta, "\n")
}

// OnTaskStart prints a task header.
func (p *Printer) OnTaskStart(id string, kind task.Kind, depth int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depth = depth
	p.line("%s %s %s", p.blue.Sprint("▶"), p.bold.Sprint(id), p.gray.Sprintf("(%s, depth %d)", kind, depth))
}

// OnToolCall prints the tool about to run.
func (p *Printer) OnToolCall(call llm.ToolCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.line("%s %s%s", p.cyan.Sprint("⚙"), call.Function.Name, p.gray.Sprintf("(%s)", preview(call.Function.Arguments)))
}

// OnToolResult prints a one-line summary of the tool outcome.
func (p *Printer) OnToolResult(call llm.ToolCall, result tools.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !result.IsError() {
		p.line("  %s %s", p.green.Sprint("✓"), p.gray.Sprint(preview(result.Content)))
		return
	}
	mark := p.yellow.Sprint("!")
	if result.Fatal() {
		mark = p.red.Sprint("✗")
	}
	p.line("  %s %s: %v", mark, result.Kind, result.Err)
}

// OnTaskEnd prints the task outcome.
func (p *Printer) OnTaskEnd(result *agent.TaskResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depth = result.Depth
	if result.Err != nil {
		p.line("%s %s failed: %v", p.red.Sprint("✗"), p.bold.Sprint(result.TaskID), result.Err)
	} else {
		p.line("%s %s %s", p.green.Sprint("✓"), p.bold.Sprint(result.TaskID), p.gray.Sprintf("%s · %s · %d tokens · %s", result.Reason, result.Model, result.Usage.TotalTokens, result.Duration.Round(time.Millisecond)))
	}
	if result.Depth > 0 {
		p.depth = result.Depth - 1
	}
}

// PrintReport writes the run summary.
func (p *Printer) PrintReport(report *agent.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.depth = 0
	p.line("%s", p.bold.Sprintf("Run %s", report.RunID))
	for _, result := range report.Tasks {
		status := p.green.Sprint("ok")
		detail := string(result.Reason)
		if result.Err != nil {
			status = p.red.Sprint("failed")
			detail = result.Err.Error()
		}
		p.line("  %-20s %-6s %s", result.TaskID, status, detail)
		if result.Err == nil && strings.TrimSpace(result.FinalContent) != "" {
			p.line("    %s", p.gray.Sprint(preview(result.FinalContent)))
		}
	}
	summary := fmt.Sprintf("%d tasks, %d failed, %d tokens (%d in / %d out) in %s",
		len(report.Tasks), report.Failed(), report.Usage.TotalTokens, report.Usage.PromptTokens, report.Usage.CompletionTokens, report.Duration.Round(time.Millisecond))
	if report.Aborted {
		p.line("%s %s", p.yellow.Sprint("aborted:"), summary)
		return
	}
	p.line("%s", summary)
}

// line writes one indented line, terminating any streamed content first.
func (p *Printer) line(format string, args ...any) {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
	fmt.Fprintf(p.out, "%s%s\n", strings.Repeat("  ", p.depth), fmt.Sprintf(format, args...))
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= maxPreview {
		return text
	}
	return string(runes[:maxPreview]) + "…"
}
