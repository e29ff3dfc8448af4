package store

import (
	"context"
	"time"

	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpagent", "store")

// MaxEntries is the number of most recent entries kept per chat
const MaxEntries = 50

// ChatInfo describes a chat of a tenant
type ChatInfo struct {
	TenantID  string    `json:"tenant_id"`
	ChatID    string    `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryStore keeps the conversation history of chats.
// The tenant and chat are taken from chatmodel.ChatContext of the context,
// methods return chatmodel.ErrInvalidChatContext when it is missing.
type HistoryStore interface {
	// History returns up to limit most recent entries in chronological order,
	// limit <= 0 returns all stored entries.
	History(ctx context.Context, limit int) ([]chatmodel.HistoryEntry, error)
	// Append adds entries to the chat
	Append(ctx context.Context, entries ...chatmodel.HistoryEntry) error
	// Reset deletes the chat
	Reset(ctx context.Context) error
	// ListChats returns IDs of the chats of the tenant
	ListChats(ctx context.Context) ([]string, error)
	// GetChatInfo returns the chat info, empty id uses the chat from context
	GetChatInfo(ctx context.Context, id string) (*ChatInfo, error)
}

func tail(entries []chatmodel.HistoryEntry, limit int) []chatmodel.HistoryEntry {
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	res := make([]chatmodel.HistoryEntry, len(entries))
	copy(res, entries)
	return res
}
