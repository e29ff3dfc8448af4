package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// eventWriter writes Server-Sent Events frames:
//
//	id: <n>
//	event: <type>
//	data: <json>
type eventWriter struct {
	w     http.ResponseWriter
	flush func()
	id    int
}

func newEventWriter(w http.ResponseWriter) *eventWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ew := &eventWriter{w: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		ew.flush = f.Flush
	}
	return ew
}

// Event writes one frame and flushes it to the client
func (e *eventWriter) Event(event string, data any) error {
	js, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}

	e.id++
	if _, err = fmt.Fprintf(e.w, "id: %d\nevent: %s\ndata: %s\n\n", e.id, event, js); err != nil {
		return errors.WithStack(err)
	}
	e.flush()
	return nil
}
