package agent

import (
	"strings"

	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/mcpagent/pkg/llms"
)

// BuildOptions controls how the prior turns are replayed
type BuildOptions struct {
	// MaxHistory is the number of most recent history entries to keep,
	// zero or negative keeps all of them.
	MaxHistory int
	// ExcludeLast drops the last entry of the kept history,
	// used when the history already holds the question being asked.
	ExcludeLast bool
}

// BuildMessages returns the conversation for a new turn:
// the system prompt, the window of prior user and assistant turns,
// and the question as the last user message.
// Entries with other roles or empty content are skipped.
func BuildMessages(history []chatmodel.HistoryEntry, systemPrompt, question string, opts BuildOptions) []llms.Message {
	if opts.MaxHistory > 0 && len(history) > opts.MaxHistory {
		history = history[len(history)-opts.MaxHistory:]
	}
	if opts.ExcludeLast && len(history) > 0 {
		history = history[:len(history)-1]
	}

	messages := make([]llms.Message, 0, len(history)+2)
	messages = append(messages, llms.MessageFromTextParts(llms.RoleSystem, systemPrompt))

	for _, entry := range history {
		if strings.TrimSpace(entry.Content) == "" {
			continue
		}
		var role llms.Role
		switch strings.ToLower(entry.Role) {
		case "user":
			role = llms.RoleUser
		case "assistant":
			role = llms.RoleAssistant
		default:
			continue
		}
		messages = append(messages, llms.MessageFromTextParts(role, entry.Content))
	}

	return append(messages, llms.MessageFromTextParts(llms.RoleUser, question))
}
