package store

import (
	"context"
	"encoding/json"
	"path"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpagent/chatmodel"
	"github.com/effective-security/xlog"
	"github.com/redis/go-redis/v9"
)

// The redis store keeps the history in Redis lists, one per chat.
// The keys namespace is organized as follows:
// - `<prefix>/chatstore/<tenantID>/messages/<chatID>` for the history entries
// - `<prefix>/chatstore/<tenantID>/info/<chatID>` for the chat info
// - `<prefix>/chatstore/<tenantID>/chats` for the set of chat IDs of a tenant

type redisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore returns HistoryStore backed by Redis
func NewRedisStore(client redis.UniversalClient, prefix string) HistoryStore {
	return &redisStore{
		client: client,
		prefix: prefix,
	}
}

func (m *redisStore) messagesKey(tenantID, chatID string) string {
	return path.Join(m.prefix, "chatstore", tenantID, "messages", chatID)
}

func (m *redisStore) chatInfoKey(tenantID, chatID string) string {
	return path.Join(m.prefix, "chatstore", tenantID, "info", chatID)
}

func (m *redisStore) chatListKey(tenantID string) string {
	return path.Join(m.prefix, "chatstore", tenantID, "chats")
}

func (m *redisStore) History(ctx context.Context, limit int) ([]chatmodel.HistoryEntry, error) {
	tenantID, chatID, err := chatmodel.GetTenantAndChatID(ctx)
	if err != nil {
		return nil, err
	}

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	data, err := m.client.LRange(ctx, m.messagesKey(tenantID, chatID), start, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get history from Redis")
	}

	entries := make([]chatmodel.HistoryEntry, 0, len(data))
	for _, item := range data {
		var entry chatmodel.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			logger.ContextKV(ctx, xlog.ERROR, "reason", "unmarshal_entry", "chat_id", chatID, "err", err.Error())
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (m *redisStore) Append(ctx context.Context, entries ...chatmodel.HistoryEntry) error {
	tenantID, chatID, err := chatmodel.GetTenantAndChatID(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	items := make([]any, 0, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return errors.Wrap(err, "failed to marshal entry")
		}
		items = append(items, data)
	}

	key := m.messagesKey(tenantID, chatID)
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, key, items...)
	pipe.LTrim(ctx, key, -MaxEntries, -1)
	if _, err = pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to store history in Redis")
	}

	return m.touch(ctx, tenantID, chatID)
}

// touch creates or updates the chat info
func (m *redisStore) touch(ctx context.Context, tenantID, chatID string) error {
	now := time.Now().UTC()
	info, err := m.chatInfo(ctx, tenantID, chatID)
	if err != nil {
		return err
	}
	if info == nil {
		info = &ChatInfo{
			TenantID:  tenantID,
			ChatID:    chatID,
			CreatedAt: now,
		}
	}
	info.UpdatedAt = now

	data, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "failed to marshal chat info")
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, m.chatInfoKey(tenantID, chatID), data, 0)
	pipe.SAdd(ctx, m.chatListKey(tenantID), chatID)
	if _, err = pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to store chat info in Redis")
	}
	return nil
}

func (m *redisStore) chatInfo(ctx context.Context, tenantID, chatID string) (*ChatInfo, error) {
	data, err := m.client.Get(ctx, m.chatInfoKey(tenantID, chatID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get chat info from Redis")
	}

	info := &ChatInfo{}
	if err = json.Unmarshal([]byte(data), info); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal chat info")
	}
	return info, nil
}

func (m *redisStore) Reset(ctx context.Context) error {
	tenantID, chatID, err := chatmodel.GetTenantAndChatID(ctx)
	if err != nil {
		return err
	}

	pipe := m.client.Pipeline()
	pipe.Del(ctx, m.messagesKey(tenantID, chatID))
	pipe.Del(ctx, m.chatInfoKey(tenantID, chatID))
	pipe.SRem(ctx, m.chatListKey(tenantID), chatID)
	if _, err = pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to reset chat in Redis")
	}
	return nil
}

func (m *redisStore) ListChats(ctx context.Context) ([]string, error) {
	tenantID, _, err := chatmodel.GetTenantAndChatID(ctx)
	if err != nil {
		return nil, err
	}

	chatIDs, err := m.client.SMembers(ctx, m.chatListKey(tenantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to list chats from Redis")
	}
	slices.Sort(chatIDs)
	return chatIDs, nil
}

func (m *redisStore) GetChatInfo(ctx context.Context, id string) (*ChatInfo, error) {
	tenantID, chatID, err := chatmodel.GetTenantAndChatID(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		id = chatID
	}
	info, err := m.chatInfo(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, errors.Newf("chat not found: %s", id)
	}
	return info, nil
}
