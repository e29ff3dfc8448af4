package agent

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultEventBuffer is the default capacity of the event queue
const DefaultEventBuffer = 16

// RunFunc runs a turn, reporting tool events to the handler
type RunFunc func(ctx context.Context, handler EventHandler) (*RunResult, error)

// MetadataFunc builds the final_answer metadata from the run result
type MetadataFunc func(res *RunResult) map[string]any

// StreamOption configures the EventStream
type StreamOption func(*streamConfig)

type streamConfig struct {
	buffer   int
	timeout  time.Duration
	metadata MetadataFunc
}

// WithEventBuffer sets the capacity of the event queue
func WithEventBuffer(n int) StreamOption {
	return func(c *streamConfig) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// WithStreamTimeout limits the duration of the turn.
// The deadline is released when the producer exits.
func WithStreamTimeout(d time.Duration) StreamOption {
	return func(c *streamConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMetadata sets the builder of the final_answer metadata
func WithMetadata(fn MetadataFunc) StreamOption {
	return func(c *streamConfig) {
		if fn != nil {
			c.metadata = fn
		}
	}
}

// DefaultMetadata returns {"tool_results": [...]}
func DefaultMetadata(res *RunResult) map[string]any {
	records := res.ToolCalls
	if records == nil {
		records = []ToolCallRecord{}
	}
	return map[string]any{
		"tool_results": records,
	}
}

// EventStream delivers the events of a turn running in the background.
//
// The sequence is start, the tool events in execution order, and
// final_answer once the turn completes. When the turn fails the sequence
// ends without final_answer and the error is returned by Next.
// An EventStream is consumed once, by a single reader,
// which must call Close if it stops reading before the end.
type EventStream struct {
	events chan StreamEvent
	done   chan struct{}
	cancel context.CancelFunc

	// written by the producer before events is closed
	err    error
	result *RunResult

	closeOnce sync.Once
}

// NewEventStream starts run in a new goroutine and returns the stream of its events
func NewEventStream(ctx context.Context, question string, run RunFunc, opts ...StreamOption) *EventStream {
	cfg := &streamConfig{
		buffer:   DefaultEventBuffer,
		metadata: DefaultMetadata,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var cancel context.CancelFunc
	if cfg.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	s := &EventStream{
		events: make(chan StreamEvent, cfg.buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go s.produce(ctx, question, run, cfg.metadata)
	return s
}

func (s *EventStream) produce(ctx context.Context, question string, run RunFunc, metadata MetadataFunc) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	if !s.push(ctx, StreamEvent{Type: EventStart, Question: question}) {
		s.err = errors.WithStack(ctx.Err())
		return
	}

	res, err := run(ctx, func(ctx context.Context, ev StreamEvent) {
		s.push(ctx, ev)
	})
	if err != nil {
		s.err = err
		return
	}
	s.result = res

	final := StreamEvent{
		Type:     EventFinalAnswer,
		Answer:   res.Text(),
		Metadata: metadata(res),
	}
	if !s.push(ctx, final) {
		s.err = errors.WithStack(ctx.Err())
	}
}

// push blocks until the event is queued or ctx is done.
// A free slot wins over a done ctx.
func (s *EventStream) push(ctx context.Context, ev StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	default:
	}

	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Next returns the next event. It returns false when the sequence has
// ended, with the error of the turn if it failed, or ctx is done.
func (s *EventStream) Next(ctx context.Context) (StreamEvent, bool, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return StreamEvent{}, false, s.err
		}
		return ev, true, nil
	case <-ctx.Done():
		return StreamEvent{}, false, errors.WithStack(ctx.Err())
	}
}

// Send delivers all events to the sink, and returns the error of the turn
func (s *EventStream) Send(ctx context.Context, sink EventHandler) error {
	for {
		ev, ok, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		sink.emit(ctx, ev)
	}
}

// Collect returns all events of the turn
func (s *EventStream) Collect(ctx context.Context) ([]StreamEvent, error) {
	var list []StreamEvent
	err := s.Send(ctx, func(_ context.Context, ev StreamEvent) {
		list = append(list, ev)
	})
	return list, err
}

// Result returns the run result once the turn has completed successfully,
// nil otherwise.
func (s *EventStream) Result() *RunResult {
	select {
	case <-s.done:
		return s.result
	default:
		return nil
	}
}

// Done is closed when the turn has completed
func (s *EventStream) Done() <-chan struct{} {
	return s.done
}

// Close cancels the turn and waits for the producer to exit.
// Events not yet consumed are discarded.
func (s *EventStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		for range s.events {
		}
	})
}
