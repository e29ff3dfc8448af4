package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/effective-security/mcpagent/server"
	"github.com/effective-security/mcpagent/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	answer string
	err    error

	lock    sync.Mutex
	history []chatmodel.HistoryEntry
}

func (f *fakeAgent) seen() []chatmodel.HistoryEntry {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.history
}

func (f *fakeAgent) run(_ context.Context, history []chatmodel.HistoryEntry) (*agent.RunResult, error) {
	f.lock.Lock()
	f.history = history
	f.lock.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return &agent.RunResult{
		Answer: llms.MessageFromTextParts(llms.RoleAssistant, f.answer),
		ToolCalls: []agent.ToolCallRecord{
			{ID: "tc-0", Tool: "weather", Args: map[string]any{"city": "Rome"}, Result: "sunny"},
		},
		ModelCalls: 2,
	}, nil
}

func (f *fakeAgent) Answer(ctx context.Context, _ string, history []chatmodel.HistoryEntry) (*agent.Answer, error) {
	res, err := f.run(ctx, history)
	if err != nil {
		return nil, err
	}
	return &agent.Answer{
		Text:       res.Text(),
		ToolCalls:  res.ToolCalls,
		Metadata:   agent.DefaultMetadata(res),
		ModelCalls: res.ModelCalls,
	}, nil
}

func (f *fakeAgent) Stream(ctx context.Context, question string, history []chatmodel.HistoryEntry) *agent.EventStream {
	return agent.NewEventStream(ctx, question, func(ctx context.Context, handler agent.EventHandler) (*agent.RunResult, error) {
		handler(ctx, agent.StreamEvent{Type: agent.EventToolCall, Tool: "weather", ID: "tc-0", Args: map[string]any{"city": "Rome"}})
		res, err := f.run(ctx, history)
		if err != nil {
			return nil, err
		}
		handler(ctx, agent.StreamEvent{Type: agent.EventToolResult, Tool: "weather", ID: "tc-0", Payload: "sunny"})
		return res, nil
	})
}

type frame struct {
	id    string
	event string
	data  string
}

func readFrames(t *testing.T, r io.Reader) []frame {
	var list []frame
	var cur frame
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			list = append(list, cur)
			cur = frame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, sc.Err())
	return list
}

func post(t *testing.T, url, body string) *http.Response {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(server.New(&fakeAgent{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(server.HeaderRequestID))
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAsk(t *testing.T) {
	t.Parallel()

	fa := &fakeAgent{answer: "It is sunny"}
	srv := httptest.NewServer(server.New(fa))
	defer srv.Close()

	resp := post(t, srv.URL+"/ask", `{"question":"weather?","history":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res server.AskResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, "It is sunny", res.Answer)
	assert.Empty(t, res.ChatID)

	results, ok := res.Metadata["tool_results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
	rec := results[0].(map[string]any)
	assert.Equal(t, "weather", rec["tool"])
	assert.Equal(t, "sunny", rec["result"])

	assert.Equal(t, []chatmodel.HistoryEntry{
		chatmodel.User("hi"),
		chatmodel.Assistant("hello"),
	}, fa.seen())
}

func TestAsk_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(server.New(&fakeAgent{err: errors.New("model is down")}))
	defer srv.Close()

	tcases := []struct {
		path   string
		body   string
		status int
		err    string
	}{
		{path: "/ask", body: `{`, status: http.StatusBadRequest, err: "invalid request body"},
		{path: "/ask", body: `{"question":""}`, status: http.StatusBadRequest, err: "question is required"},
		{path: "/ask/stream", body: `{"history":[]}`, status: http.StatusBadRequest, err: "question is required"},
		{path: "/ask", body: `{"question":"q"}`, status: http.StatusInternalServerError, err: "model is down"},
	}

	for _, tc := range tcases {
		t.Run(tc.path+tc.body, func(t *testing.T) {
			resp := post(t, srv.URL+tc.path, tc.body)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)

			var res map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
			assert.Contains(t, res["error"], tc.err)
		})
	}

	resp, err := http.Get(srv.URL + "/ask")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAskStream(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(server.New(&fakeAgent{answer: "It is sunny"}))
	defer srv.Close()

	resp := post(t, srv.URL+"/ask/stream", `{"question":"weather?"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp.Body)
	require.Len(t, frames, 4)

	var types []string
	for i, f := range frames {
		assert.Equal(t, string(rune('1'+i)), f.id)
		types = append(types, f.event)
	}
	assert.Equal(t, []string{"start", "tool_call", "tool_result", "final_answer"}, types)

	var start agent.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &start))
	assert.Equal(t, "weather?", start.Question)

	var final agent.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(frames[3].data), &final))
	assert.Equal(t, agent.EventFinalAnswer, final.Type)
	assert.Equal(t, "It is sunny", final.Answer)
	assert.Contains(t, final.Metadata, "tool_results")
}

func TestAskStream_Failed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(server.New(&fakeAgent{err: errors.New("model is down")}))
	defer srv.Close()

	resp := post(t, srv.URL+"/ask/stream", `{"question":"weather?"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp.Body)
	require.Len(t, frames, 3)
	assert.Equal(t, "start", frames[0].event)
	assert.Equal(t, "tool_call", frames[1].event)
	assert.Equal(t, "error", frames[2].event)
	assert.JSONEq(t, `{"error":"model is down"}`, frames[2].data)
}

func TestAsk_Store(t *testing.T) {
	t.Parallel()

	hs := store.NewMemoryStore()
	fa := &fakeAgent{answer: "It is sunny"}
	srv := httptest.NewServer(server.New(fa, server.WithStore(hs)))
	defer srv.Close()

	resp := post(t, srv.URL+"/ask", `{"question":"weather?","chat_id":"chat-1","history":[{"role":"user","content":"ignored"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// the stored history ends with the question
	assert.Equal(t, []chatmodel.HistoryEntry{chatmodel.User("weather?")}, fa.seen())

	resp = post(t, srv.URL+"/ask/stream", `{"question":"and tomorrow?","chat_id":"chat-1"}`)
	frames := readFrames(t, resp.Body)
	resp.Body.Close()
	require.NotEmpty(t, frames)
	assert.Equal(t, "final_answer", frames[len(frames)-1].event)

	assert.Equal(t, []chatmodel.HistoryEntry{
		chatmodel.User("weather?"),
		chatmodel.Assistant("It is sunny"),
		chatmodel.User("and tomorrow?"),
	}, fa.seen())

	ctx := chatmodel.WithChatContext(context.Background(), chatmodel.NewChatContext("", "chat-1", nil))
	// the answer is stored after the stream is written
	assert.Eventually(t, func() bool {
		h, err := hs.History(ctx, 0)
		return err == nil && len(h) == 4
	}, time.Second, 10*time.Millisecond)

	h, err := hs.History(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, chatmodel.Assistant("It is sunny"), h[3])
}

func TestServe_Shutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- server.New(&fakeAgent{}).Serve(ctx, ln)
	}()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
