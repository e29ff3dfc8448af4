package chatmodel

import (
	"context"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xdb/pkg/flake"
	"github.com/google/uuid"
)

// DefaultTenantID is used when the tenant is not specified
const DefaultTenantID = "default"

// ErrInvalidChatContext is returned when the context has no chat
var ErrInvalidChatContext = errors.New("invalid chat context")

// ChatContext is the context of a conversation,
// it identifies the tenant, the chat and the current turn.
type ChatContext interface {
	GetTenantID() string
	GetChatID() string
	SetChatID(chatID string)
	// RunID returns the unique ID of the current turn
	RunID() string
	// AppData returns immutable app data
	AppData() any
	// GetMetadata retrieves metadata by key
	GetMetadata(key string) (value any, ok bool)
	// SetMetadata sets metadata by key
	SetMetadata(key string, value any)
}

type chatContext struct {
	tenantID string
	runID    string
	appData  any

	lock     sync.RWMutex
	chatID   string
	metadata sync.Map
}

func (c *chatContext) GetTenantID() string {
	return c.tenantID
}

func (c *chatContext) GetChatID() string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.chatID
}

func (c *chatContext) SetChatID(chatID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.chatID = chatID
}

func (c *chatContext) RunID() string {
	return c.runID
}

func (c *chatContext) AppData() any {
	return c.appData
}

func (c *chatContext) GetMetadata(key string) (value any, ok bool) {
	return c.metadata.Load(key)
}

func (c *chatContext) SetMetadata(key string, value any) {
	c.metadata.Store(key, value)
}

// NewChatContext returns ChatContext,
// empty tenantID uses DefaultTenantID and empty chatID generates a new one.
func NewChatContext(tenantID, chatID string, appData any) ChatContext {
	return &chatContext{
		tenantID: values.StringsCoalesce(tenantID, DefaultTenantID),
		chatID:   values.StringsCoalesce(chatID, NewChatID()),
		runID:    uuid.NewString(),
		appData:  appData,
	}
}

type contextKey int

const (
	keyContext contextKey = iota
)

// WithChatContext returns a new context with ChatContext value
func WithChatContext(ctx context.Context, chatCtx ChatContext) context.Context {
	return context.WithValue(ctx, keyContext, chatCtx)
}

// GetChatContext retrieves the ChatContext from the context
func GetChatContext(ctx context.Context) ChatContext {
	if v, ok := ctx.Value(keyContext).(ChatContext); ok {
		return v
	}
	return nil
}

// GetChatID retrieves the chat ID from the provided context.
// If the context does not contain a ChatContext, it returns an empty string.
func GetChatID(ctx context.Context) string {
	if v := GetChatContext(ctx); v != nil {
		return v.GetChatID()
	}
	return ""
}

// GetTenantAndChatID returns tenant and chat IDs from the context,
// or ErrInvalidChatContext.
func GetTenantAndChatID(ctx context.Context) (string, string, error) {
	v := GetChatContext(ctx)
	if v == nil || v.GetChatID() == "" {
		return "", "", errors.WithStack(ErrInvalidChatContext)
	}
	return v.GetTenantID(), v.GetChatID(), nil
}

// NewChatID generates a new chat ID using the flake ID generator.
func NewChatID() string {
	return strconv.FormatUint(flake.DefaultIDGenerator.NextID(), 10)
}

// SetChatID sets the chat ID of the ChatContext in the context,
// or returns ErrInvalidChatContext.
func SetChatID(ctx context.Context, chatID string) (context.Context, error) {
	v := GetChatContext(ctx)
	if v == nil {
		return ctx, errors.WithStack(ErrInvalidChatContext)
	}
	v.SetChatID(chatID)
	return ctx, nil
}
