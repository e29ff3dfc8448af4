package store

import (
	"context"
	"path"
	"slices"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
)

type memoryChat struct {
	info    ChatInfo
	entries []chatmodel.HistoryEntry
}

type inMemory struct {
	mu      sync.RWMutex
	storage map[string]*memoryChat
}

// NewMemoryStore returns HistoryStore kept in process memory
func NewMemoryStore() HistoryStore {
	return &inMemory{
		storage: make(map[string]*memoryChat),
	}
}

func memoryKey(tenantID, chatID string) string {
	return path.Join(tenantID, chatID)
}

func (m *inMemory) History(ctx context.Context, limit int) ([]chatmodel.HistoryEntry, error) {
	tenantID, chatID, err := chatmodel.GetTenantAndChatID(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	chat := m.storage[memoryKey(tenantID, chatID)]
	if chat == nil {
		return nil, nil
	}
	return tail(chat.entries, limit), nil
}

func (m *inMemory) Append(ctx context.Context, entries ...chatmodel.HistoryEntry) error {
	tenantID, chatID, err := chatmodel.GetTenantAndChatID(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	key := memoryKey(tenantID, chatID)
	chat := m.storage[key]
	if chat == nil {
		chat = &memoryChat{
			info: ChatInfo{
				TenantID:  tenantID,
				ChatID:    chatID,
				CreatedAt: now,
			},
		}
		m.storage[key] = chat
	}
	chat.entries = tail(append(chat.entries, entries...), MaxEntries)
	chat.info.UpdatedAt = now
	return nil
}

func (m *inMemory) Reset(ctx context.Context) error {
	tenantID, chatID, err := chatmodel.GetTenantAndChatID(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.storage, memoryKey(tenantID, chatID))
	return nil
}

func (m *inMemory) ListChats(ctx context.Context) ([]string, error) {
	tenantID, _, err := chatmodel.GetTenantAndChatID(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []string
	for _, chat := range m.storage {
		if chat.info.TenantID == tenantID {
			list = append(list, chat.info.ChatID)
		}
	}
	slices.Sort(list)
	return list, nil
}

func (m *inMemory) GetChatInfo(ctx context.Context, id string) (*ChatInfo, error) {
	tenantID, chatID, err := chatmodel.GetTenantAndChatID(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = chatID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	chat := m.storage[memoryKey(tenantID, id)]
	if chat == nil {
		return nil, errors.Newf("chat not found: %s", id)
	}
	info := chat.info
	return &info, nil
}
