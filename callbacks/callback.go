package callbacks

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/pkg/llmutils"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

// Callback observes the events of agent turns
type Callback interface {
	OnEvent(ctx context.Context, ev agent.StreamEvent)
}

// ensure that the callbacks implement the correct interfaces
var (
	_ Callback = (*Noop)(nil)
	_ Callback = (*Printer)(nil)
	_ Callback = (*PackageLogger)(nil)
	_ Callback = (*Fanout)(nil)
)

// Handler returns the agent event handler for the callback
func Handler(cb Callback) agent.EventHandler {
	if cb == nil {
		return nil
	}
	return cb.OnEvent
}

// Mode defines the mode for callback printing
type Mode int

const (
	// ModeDefault is the default mode for callback printing
	ModeDefault Mode = iota
	// ModeVerbose is the verbose mode for callback printing
	ModeVerbose
)

// Fanout is a callback handler that forwards the events to multiple callbacks.
type Fanout struct {
	callbacks []Callback
}

func NewFanout(callbacks ...Callback) *Fanout {
	return &Fanout{callbacks: callbacks}
}

func (l *Fanout) Add(callback Callback) {
	l.callbacks = append(l.callbacks, callback)
}

func (l *Fanout) OnEvent(ctx context.Context, ev agent.StreamEvent) {
	for _, callback := range l.callbacks {
		callback.OnEvent(ctx, ev)
	}
}

// Noop does nothing.
type Noop struct{}

func NewNoop() *Noop {
	return &Noop{}
}

func (l *Noop) OnEvent(context.Context, agent.StreamEvent) {}

// Printer is a callback handler that prints to the Writer.
type Printer struct {
	Out  io.Writer
	Mode Mode
	lock sync.Mutex
}

func NewPrinter(out io.Writer, mode Mode) *Printer {
	return &Printer{Out: out, Mode: mode}
}

func (l *Printer) OnEvent(_ context.Context, ev agent.StreamEvent) {
	l.lock.Lock()
	defer l.lock.Unlock()

	switch ev.Type {
	case agent.EventStart:
		fmt.Fprintf(l.Out, "Question: %s\n", ev.Question)
	case agent.EventToolCall:
		fmt.Fprintf(l.Out, "Tool Call: %s [%s]\n", ev.Tool, ev.ID)
		fmt.Fprintf(l.Out, "Input: %s\n", llmutils.ToJSON(ev.Args))
	case agent.EventToolResult:
		fmt.Fprintf(l.Out, "Tool Result: %s [%s]\n", ev.Tool, ev.ID)
		if l.Mode == ModeVerbose {
			fmt.Fprintf(l.Out, "Output: %s\n", llmutils.Stringify(ev.Payload))
		}
	case agent.EventToolError:
		fmt.Fprintf(l.Out, "Tool Error: %s [%s]: %s\n", ev.Tool, ev.ID, llmutils.Stringify(ev.Payload))
	case agent.EventFinalAnswer:
		fmt.Fprintf(l.Out, "Answer:\n%s\n", ev.Answer)
		if l.Mode == ModeVerbose && len(ev.Metadata) > 0 {
			fmt.Fprintf(l.Out, "Metadata: %s\n", llmutils.ToJSON(ev.Metadata))
		}
	}
}

// PackageLogger is a callback handler that prints to the logger.
type PackageLogger struct {
	logger *xlog.PackageLogger
}

func NewPackageLogger(logger *xlog.PackageLogger) *PackageLogger {
	return &PackageLogger{logger: logger}
}

func (l *PackageLogger) OnEvent(ctx context.Context, ev agent.StreamEvent) {
	chatID := chatmodel.GetChatID(ctx)
	switch ev.Type {
	case agent.EventStart:
		l.logger.ContextKV(ctx, xlog.DEBUG,
			"event", ev.Type,
			"chat_id", chatID,
			"question", slices.StringUpto(ev.Question, 64),
		)
	case agent.EventToolCall, agent.EventToolResult:
		l.logger.ContextKV(ctx, xlog.DEBUG,
			"event", ev.Type,
			"chat_id", chatID,
			"tool", ev.Tool,
			"id", ev.ID,
		)
	case agent.EventToolError:
		l.logger.ContextKV(ctx, xlog.WARNING,
			"event", ev.Type,
			"chat_id", chatID,
			"tool", ev.Tool,
			"id", ev.ID,
			"err", slices.StringUpto(llmutils.Stringify(ev.Payload), 256),
		)
	case agent.EventFinalAnswer:
		l.logger.ContextKV(ctx, xlog.DEBUG,
			"event", ev.Type,
			"chat_id", chatID,
			"answer", slices.StringUpto(ev.Answer, 64),
		)
	}
}
