// Package server provides the HTTP API of the agent.
//
//	GET  /health      liveness
//	POST /ask         one turn, JSON answer
//	POST /ask/stream  one turn, Server-Sent Events
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/pkg/metricskey"
	"github.com/effective-security/mcpagent/store"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "server")

// Headers
const (
	HeaderTenantID  = "X-Tenant-ID"
	HeaderRequestID = "X-Request-ID"
)

// ShutdownTimeout is the time given to active requests on shutdown
var ShutdownTimeout = 10 * time.Second

// Agent answers the questions
type Agent interface {
	Answer(ctx context.Context, question string, history []chatmodel.HistoryEntry) (*agent.Answer, error)
	Stream(ctx context.Context, question string, history []chatmodel.HistoryEntry) *agent.EventStream
}

// AskRequest is the body of the ask requests
type AskRequest struct {
	Question string                   `json:"question"`
	History  []chatmodel.HistoryEntry `json:"history,omitempty"`
	// ChatID selects the stored conversation, when the store is configured
	ChatID string `json:"chat_id,omitempty"`
}

// AskResponse is the body of the ask response
type AskResponse struct {
	Answer   string         `json:"answer"`
	Metadata map[string]any `json:"metadata"`
	ChatID   string         `json:"chat_id,omitempty"`
}

// Server is the HTTP API server
type Server struct {
	agent Agent
	store store.HistoryStore
	mux   *http.ServeMux
}

// Option configures the Server
type Option func(*Server)

// WithStore enables the conversation history by chat_id
func WithStore(s store.HistoryStore) Option {
	return func(srv *Server) {
		srv.store = s
	}
}

// New returns the server
func New(a Agent, opts ...Option) *Server {
	s := &Server{
		agent: a,
		mux:   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /ask", s.handleAsk)
	s.mux.HandleFunc("POST /ask/stream", s.handleAskStream)
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	reqID := r.Header.Get(HeaderRequestID)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, reqID)

	rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rw, r)

	path := r.URL.Path
	metricskey.PerfHTTPRequest.MeasureSince(started, path)
	metricskey.StatsHTTPRequests.IncrCounter(1, path, strconv.Itoa(rw.status))

	logger.ContextKV(r.Context(), xlog.DEBUG,
		"method", r.Method,
		"path", path,
		"status", rw.status,
		"request_id", reqID,
		"elapsed", time.Since(started).String(),
	)
}

// ListenAndServe serves the API until ctx is done,
// then shuts the listener down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on the listener until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errc := make(chan error, 1)
	go func() {
		logger.KV(xlog.INFO, "status", "listening", "addr", ln.Addr().String())
		errc <- hs.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WithStack(err)
	case <-ctx.Done():
	}

	logger.KV(xlog.INFO, "status", "shutting_down")

	sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		return errors.Wrap(err, "failed to shutdown")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAsk(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, history, err := s.begin(r, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	ans, err := s.agent.Answer(ctx, req.Question, history)
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR,
			"reason", "answer",
			"chat_id", req.ChatID,
			"err", err.Error())
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.complete(ctx, req, ans.Text)

	writeJSON(w, http.StatusOK, &AskResponse{
		Answer:   ans.Text,
		Metadata: ans.Metadata,
		ChatID:   req.ChatID,
	})
}

func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAsk(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, history, err := s.begin(r, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	stream := s.agent.Stream(ctx, req.Question, history)
	defer stream.Close()

	sse := newEventWriter(w)
	err = stream.Send(ctx, func(_ context.Context, ev agent.StreamEvent) {
		if werr := sse.Event(string(ev.Type), ev); werr != nil {
			logger.ContextKV(ctx, xlog.DEBUG,
				"reason", "write_event",
				"err", werr.Error())
		}
	})
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR,
			"reason", "stream",
			"chat_id", req.ChatID,
			"err", err.Error())
		_ = sse.Event("error", map[string]string{"error": err.Error()})
		return
	}

	if res := stream.Result(); res != nil {
		s.complete(ctx, req, res.Text())
	}
}

// begin returns the history of the turn.
// With a chat_id and a store, the question is saved and the stored history is used.
func (s *Server) begin(r *http.Request, req *AskRequest) (context.Context, []chatmodel.HistoryEntry, error) {
	ctx := r.Context()
	if req.ChatID == "" || s.store == nil {
		return ctx, req.History, nil
	}

	ctx = chatmodel.WithChatContext(ctx,
		chatmodel.NewChatContext(r.Header.Get(HeaderTenantID), req.ChatID, nil))

	if err := s.store.Append(ctx, chatmodel.User(req.Question)); err != nil {
		return ctx, nil, err
	}
	history, err := s.store.History(ctx, store.MaxEntries)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, history, nil
}

// complete saves the answer of the stored conversation
func (s *Server) complete(ctx context.Context, req *AskRequest, answer string) {
	if req.ChatID == "" || s.store == nil {
		return
	}
	if err := s.store.Append(ctx, chatmodel.Assistant(answer)); err != nil {
		logger.ContextKV(ctx, xlog.ERROR,
			"reason", "store_answer",
			"chat_id", req.ChatID,
			"err", err.Error())
	}
}

func decodeAsk(r *http.Request) (*AskRequest, error) {
	req := new(AskRequest)
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		return nil, errors.Wrap(err, "invalid request body")
	}
	if req.Question == "" {
		return nil, errors.New("question is required")
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.KV(xlog.ERROR, "reason", "encode", "err", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush implements http.Flusher
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
