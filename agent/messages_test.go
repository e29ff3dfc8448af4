package agent_test

import (
	"fmt"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/effective-security/mcpagent/agent"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/pkg/llms"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeHistory(n int) []chatmodel.HistoryEntry {
	list := make([]chatmodel.HistoryEntry, n)
	for i := range list {
		if i%2 == 0 {
			list[i] = chatmodel.User(gofakeit.Question())
		} else {
			list[i] = chatmodel.Assistant(fmt.Sprintf("answer %d: %s", i, gofakeit.Question()))
		}
	}
	return list
}

func TestBuildMessages_Count(t *testing.T) {
	t.Parallel()

	for _, h := range []int{0, 1, 2, 5, 10, 11, 30} {
		for _, m := range []int{1, 2, 10} {
			t.Run(fmt.Sprintf("h=%d,m=%d", h, m), func(t *testing.T) {
				t.Parallel()

				history := fakeHistory(h)
				msgs := agent.BuildMessages(history, "sys", "question?", agent.BuildOptions{MaxHistory: m, ExcludeLast: true})

				exp := 1 + max(0, min(h, m)-1) + 1
				require.Len(t, msgs, exp)
				assert.Equal(t, llms.RoleSystem, msgs[0].Role)
				assert.Equal(t, "sys", msgs[0].Text())
				assert.Equal(t, llms.RoleUser, msgs[len(msgs)-1].Role)
				assert.Equal(t, "question?", msgs[len(msgs)-1].Text())

				// kept entries are the most recent ones, in order
				kept := history[max(0, h-m):max(0, h-1)]
				if h == 0 {
					kept = nil
				}
				for i, e := range kept {
					assert.Equal(t, e.Content, msgs[i+1].Text())
					assert.Equal(t, llms.Role(e.Role), msgs[i+1].Role)
				}
			})
		}
	}
}

func TestBuildMessages(t *testing.T) {
	t.Parallel()

	history := []chatmodel.HistoryEntry{
		{Role: "user", Content: "first"},
		{Role: "ASSISTANT", Content: "reply"},
		{Role: "tool", Content: `{"raw":"trace"}`},
		{Role: "user", Content: "  "},
		{Role: "", Content: "no role"},
		{Role: "human", Content: "second"},
		{Role: "ai", Content: "reply 2"},
		{Role: " user", Content: "padded"},
		{Role: "User", Content: "pending question"},
	}

	t.Run("all", func(t *testing.T) {
		msgs := agent.BuildMessages(history, "sys", "pending question", agent.BuildOptions{ExcludeLast: true})
		exp := []llms.Message{
			llms.MessageFromTextParts(llms.RoleSystem, "sys"),
			llms.MessageFromTextParts(llms.RoleUser, "first"),
			llms.MessageFromTextParts(llms.RoleAssistant, "reply"),
			llms.MessageFromTextParts(llms.RoleUser, "pending question"),
		}
		if diff := cmp.Diff(exp, msgs); diff != "" {
			t.Errorf("unexpected messages (-want +got):\n%s", diff)
		}
	})

	t.Run("keep_last", func(t *testing.T) {
		// human, ai and padded roles are not replayed
		msgs := agent.BuildMessages(history, "sys", "next", agent.BuildOptions{MaxHistory: 4})
		exp := []llms.Message{
			llms.MessageFromTextParts(llms.RoleSystem, "sys"),
			llms.MessageFromTextParts(llms.RoleUser, "pending question"),
			llms.MessageFromTextParts(llms.RoleUser, "next"),
		}
		if diff := cmp.Diff(exp, msgs); diff != "" {
			t.Errorf("unexpected messages (-want +got):\n%s", diff)
		}
	})

	t.Run("trimmed_before_exclude", func(t *testing.T) {
		// the window is taken first, then its last entry is dropped
		short := []chatmodel.HistoryEntry{
			chatmodel.User("a"),
			chatmodel.Assistant("b"),
			chatmodel.User("c"),
		}
		msgs := agent.BuildMessages(short, "sys", "q", agent.BuildOptions{MaxHistory: 2, ExcludeLast: true})
		require.Len(t, msgs, 3)
		assert.Equal(t, "b", msgs[1].Text())
	})

	t.Run("empty", func(t *testing.T) {
		msgs := agent.BuildMessages(nil, "sys", "q", agent.BuildOptions{MaxHistory: 10, ExcludeLast: true})
		require.Len(t, msgs, 2)
	})
}
