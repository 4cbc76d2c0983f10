package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oxwell/streamchat/pkg/chat"
	"github.com/oxwell/streamchat/pkg/ledger"
	"github.com/oxwell/streamchat/pkg/logger"
	"github.com/oxwell/streamchat/pkg/streaming"
)

// ErrGenerationInFlight is returned when a chat already has a running
// generation; it must finish or be cancelled before the next submission.
var ErrGenerationInFlight = errors.New("chat already has a generation in flight")

// Backend is the server surface the engine consumes: the generation stream
// openers plus the committed history read.
type Backend interface {
	streaming.Opener
	Messages(ctx context.Context, chatID string) ([]chat.Message, error)
}

// Engine ties the pieces together for a consumer UI: the message store,
// one streaming session per chat, the backend client and the restart
// ledger. All message state is read through the store; the engine only
// drives lifecycles.
type Engine struct {
	store       *chat.Store
	manager     *streaming.Manager
	backend     Backend
	ledger      *ledger.Ledger
	retryWindow time.Duration
}

// New creates an Engine. led may be nil, which disables restart resumption.
func New(backend Backend, led *ledger.Ledger) *Engine {
	return &Engine{
		store:   chat.NewStore(),
		manager: streaming.NewManager(),
		backend: backend,
		ledger:  led,
	}
}

// SetRetryWindow overrides the per-session reconnect budget window for
// sessions created afterwards.
func (e *Engine) SetRetryWindow(window time.Duration) {
	e.retryWindow = window
}

// Store exposes the message store for read access and change subscriptions.
func (e *Engine) Store() *chat.Store { return e.store }

// Messages returns the chat's current message snapshot.
func (e *Engine) Messages(chatKey string) []chat.Message {
	return e.store.Messages(chatKey)
}

// Subscribe returns a coalescing change signal for the chat.
func (e *Engine) Subscribe(chatKey string) <-chan struct{} {
	return e.store.Subscribe(chatKey)
}

// Unsubscribe removes a channel returned by Subscribe.
func (e *Engine) Unsubscribe(chatKey string, ch <-chan struct{}) {
	e.store.Unsubscribe(chatKey, ch)
}

// OpenChat seeds the store with the chat's committed history.
func (e *Engine) OpenChat(ctx context.Context, chatID string) error {
	msgs, err := e.backend.Messages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to load history for chat %s: %w", chatID, err)
	}
	e.store.Seed(chatID, msgs)
	return nil
}

// Send submits a user message and streams the response. An empty chatKey
// starts a new conversation under a client-generated key; the backend's
// permanent chat id becomes visible on the session once announced. The
// optimistic user message and assistant placeholder are in the store before
// Send returns.
func (e *Engine) Send(ctx context.Context, chatKey, content string, fileIDs []string) (*streaming.Session, error) {
	if chatKey == "" {
		chatKey = chat.NewTempID()
	}
	sess, err := e.freshSession(chatKey)
	if err != nil {
		return nil, err
	}
	if _, _, err := sess.Submit(ctx, content, fileIDs); err != nil {
		return sess, err
	}
	return sess, nil
}

// Edit replaces a committed user message, truncates what followed it and
// streams the regeneration. messageID may be a retired temporary identity.
func (e *Engine) Edit(ctx context.Context, chatKey, messageID, newContent string, fileIDs []string) (*streaming.Session, error) {
	sess, err := e.freshSession(chatKey)
	if err != nil {
		return nil, err
	}
	if _, err := sess.Edit(ctx, messageID, newContent, fileIDs); err != nil {
		return sess, err
	}
	return sess, nil
}

// Cancel stops the chat's in-flight generation, if any.
func (e *Engine) Cancel(chatKey string) bool {
	sess, ok := e.manager.Get(chatKey)
	if !ok || sess.State().Terminal() {
		return false
	}
	sess.Cancel()
	return true
}

// Active reports whether the chat has a generation in flight.
func (e *Engine) Active(chatKey string) bool {
	return e.manager.Active(chatKey)
}

// Resume re-attaches to every generation the ledger believes is still
// running, after a restart. Each chat's history is seeded first, then a
// session attaches via the backend's resume stream; a chat whose generation
// already finished fails its resume and clears its ledger entry.
func (e *Engine) Resume(ctx context.Context) []*streaming.Session {
	if e.ledger == nil {
		return nil
	}
	entries, err := e.ledger.List()
	if err != nil {
		logger.Error("failed to read pending-generation ledger: %v", err)
		return nil
	}

	var sessions []*streaming.Session
	for _, entry := range entries {
		sess, err := e.resumeOne(ctx, entry)
		if err != nil {
			logger.Warn("chat %s: resume failed: %v", entry.ChatID, err)
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions
}

func (e *Engine) resumeOne(ctx context.Context, entry ledger.Entry) (*streaming.Session, error) {
	msgs, err := e.backend.Messages(ctx, entry.ChatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	// The in-flight assistant message is not committed yet, so history
	// will not contain it; re-create it under its persisted identity.
	found := false
	for _, m := range msgs {
		if m.ID == entry.AssistantMessageID {
			found = true
			break
		}
	}
	if !found {
		placeholder := chat.NewAssistantPlaceholder(entry.ChatID)
		placeholder.ID = entry.AssistantMessageID
		if len(msgs) > 0 {
			placeholder.PreviousMessageID = msgs[len(msgs)-1].ID
		}
		msgs = append(msgs, placeholder)
	}
	e.store.Seed(entry.ChatID, msgs)

	sess, err := e.freshSession(entry.ChatID)
	if err != nil {
		return nil, err
	}
	if err := sess.Attach(ctx, entry.AssistantMessageID); err != nil {
		return nil, err
	}
	return sess, nil
}

// freshSession returns an idle session for the chat, releasing a previous
// terminal one. A non-terminal session means a generation is in flight.
func (e *Engine) freshSession(chatKey string) (*streaming.Session, error) {
	if existing, ok := e.manager.Get(chatKey); ok {
		if !existing.State().Terminal() {
			return nil, fmt.Errorf("%w: chat %s", ErrGenerationInFlight, chatKey)
		}
		e.manager.Release(chatKey)
	}

	var sess *streaming.Session
	sess = e.manager.GetOrCreate(chatKey, func() *streaming.Session {
		wireChatID := chatKey
		if chat.IsTempID(chatKey) {
			wireChatID = ""
		}
		sess = streaming.NewSession(chatKey, wireChatID, e.store, e.backend, e.hooks(func() *streaming.Session { return sess }))
		if e.retryWindow > 0 {
			sess.SetRetryWindow(e.retryWindow)
		}
		return sess
	})
	return sess, nil
}

// hooks maintains the restart ledger across a session's lifecycle. The
// session is resolved lazily because hooks are built before it exists.
func (e *Engine) hooks(sess func() *streaming.Session) streaming.Hooks {
	if e.ledger == nil {
		return streaming.Hooks{}
	}
	return streaming.Hooks{
		OnStarted: func(chatKey, assistantMessageID string) {
			wireChatID := sess().WireChatID()
			if wireChatID == "" {
				return
			}
			if err := e.ledger.Add(wireChatID, assistantMessageID); err != nil {
				logger.Warn("chat %s: failed to record pending generation: %v", chatKey, err)
			}
		},
		OnFinished: func(chatKey string) {
			wireChatID := sess().WireChatID()
			if wireChatID == "" {
				return
			}
			if err := e.ledger.Remove(wireChatID); err != nil {
				logger.Warn("chat %s: failed to clear pending generation: %v", chatKey, err)
			}
		},
	}
}
