package chatmodel

// HistoryEntry is one prior turn of a conversation as stored by clients.
// Role is loosely typed: user and assistant entries are replayed to the model,
// any other role is ignored.
type HistoryEntry struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// User returns a user entry
func User(content string) HistoryEntry {
	return HistoryEntry{Role: "user", Content: content}
}

// Assistant returns an assistant entry
func Assistant(content string) HistoryEntry {
	return HistoryEntry{Role: "assistant", Content: content}
}
