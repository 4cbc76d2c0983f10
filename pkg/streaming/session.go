package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oxwell/streamchat/pkg/chat"
	"github.com/oxwell/streamchat/pkg/logger"
	"github.com/oxwell/streamchat/pkg/protocol"
	"github.com/oxwell/streamchat/pkg/sse"
	"github.com/oxwell/streamchat/pkg/transport"
)

// ErrStreamInterrupted marks a transport closure that arrived before the
// terminal application event. The generation may still be running server
// side, so it is recoverable by re-attaching.
var ErrStreamInterrupted = errors.New("stream closed before generation completed")

// DefaultRetryWindow bounds automatic reconnects: one transparent reopen per
// window, then the failure surfaces. Guards against retry storms.
const DefaultRetryWindow = 30 * time.Second

// Hooks let the owner observe generation boundaries, e.g. to maintain the
// pending-generation ledger across restarts.
type Hooks struct {
	// OnStarted fires when the backend acknowledges the assistant message.
	OnStarted func(chatID, assistantMessageID string)
	// OnFinished fires on any terminal outcome.
	OnFinished func(chatID string)
}

// Session owns one conversation's in-flight generation: its transport, its
// state transitions and the accumulation of partial assistant content. It
// forwards committed deltas to the store under the assistant message's
// current identity; it never mutates identity itself beyond asking the
// store to reconcile.
//
// A session is not torn down when the user navigates away from its
// conversation; it runs to a terminal state in the background.
type Session struct {
	chatKey string
	store   *chat.Store
	opener  Opener
	hooks   Hooks
	retry   *rate.Limiter

	mu           sync.Mutex
	state        State
	epoch        int
	wireChatID   string
	userID       string
	assistantID  string
	accumulated  string
	lastErr      *chat.ErrorInfo
	cancelStream transport.CancelFunc
	ctx          context.Context
	done         chan struct{}
}

// NewSession creates an idle session for the chat identified by chatKey
// (the store's conversation key). wireChatID is the backend chat id when
// known; empty for a chat the backend has not created yet.
func NewSession(chatKey, wireChatID string, store *chat.Store, opener Opener, hooks Hooks) *Session {
	return &Session{
		chatKey:    chatKey,
		wireChatID: wireChatID,
		store:      store,
		opener:     opener,
		hooks:      hooks,
		retry:      rate.NewLimiter(rate.Every(DefaultRetryWindow), 1),
		state:      StateIdle,
		done:       make(chan struct{}),
	}
}

// SetRetryWindow overrides the reconnect budget window. Only valid before
// the session starts.
func (s *Session) SetRetryWindow(window time.Duration) {
	s.retry = rate.NewLimiter(rate.Every(window), 1)
}

// Submit optimistically inserts the user message and its assistant
// placeholder, then opens the generation stream. The optimistic insert is
// synchronous: both messages are visible in the store before any network
// traffic happens. The returned identities are temporary.
func (s *Session) Submit(ctx context.Context, content string, fileIDs []string) (userID, assistantID string, err error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", "", fmt.Errorf("session for chat %s already started in state %s", s.chatKey, s.state)
	}

	prevID := ""
	if msgs := s.store.Messages(s.chatKey); len(msgs) > 0 {
		prevID = msgs[len(msgs)-1].ID
	}
	userID, assistantID = s.store.InsertOptimistic(s.chatKey, content)
	s.userID = userID
	s.assistantID = assistantID
	s.state = StateConnecting
	s.ctx = ctx

	req := SubmitRequest{
		ChatID:            s.wireChatID,
		PreviousMessageID: prevID,
		Content:           content,
		FileIDs:           fileIDs,
	}
	s.mu.Unlock()

	cancel, err := s.opener.OpenSubmit(ctx, req, s.handler())
	if err != nil {
		s.fail(chat.ErrorInfo{Category: string(protocol.CategoryNetwork), Message: err.Error()})
		return userID, assistantID, err
	}

	s.mu.Lock()
	s.cancelStream = cancel
	s.mu.Unlock()
	return userID, assistantID, nil
}

// Edit replaces an existing user message, truncates everything after it and
// opens the regeneration stream. messageID may be a retired temporary
// identity; it is resolved to the canonical one first.
func (s *Session) Edit(ctx context.Context, messageID, newContent string, fileIDs []string) (assistantID string, err error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", fmt.Errorf("session for chat %s already started in state %s", s.chatKey, s.state)
	}

	canonical := s.store.Resolve(messageID)
	s.store.EditMessage(canonical, newContent)
	assistantID = s.store.InsertPlaceholder(s.chatKey)
	s.userID = canonical
	s.assistantID = assistantID
	s.state = StateConnecting
	s.ctx = ctx
	s.mu.Unlock()

	cancel, err := s.opener.OpenEdit(ctx, EditRequest{
		MessageID:  canonical,
		NewContent: newContent,
		FileIDs:    fileIDs,
	}, s.handler())
	if err != nil {
		s.fail(chat.ErrorInfo{Category: string(protocol.CategoryNetwork), Message: err.Error()})
		return assistantID, err
	}

	s.mu.Lock()
	s.cancelStream = cancel
	s.mu.Unlock()
	return assistantID, nil
}

// Attach re-attaches to a generation that is already running server side,
// after a reload: instead of re-submitting the original request it opens a
// resume subscription. assistantMessageID is the persisted identity of the
// in-flight assistant message.
func (s *Session) Attach(ctx context.Context, assistantMessageID string) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("session for chat %s already started in state %s", s.chatKey, s.state)
	}
	s.assistantID = assistantMessageID
	s.state = StateConnecting
	s.ctx = ctx
	s.mu.Unlock()

	// The resume stream replays the generation's event history from the
	// start, so any partial content rebuilds from scratch.
	s.store.ResetContent(assistantMessageID)

	cancel, err := s.opener.OpenResume(ctx, s.wireChatID, s.handler())
	if err != nil {
		s.fail(chat.ErrorInfo{Category: string(protocol.CategoryNetwork), Message: err.Error()})
		return err
	}

	s.mu.Lock()
	s.cancelStream = cancel
	s.mu.Unlock()
	return nil
}

// Cancel severs the stream and marks the assistant message cancelled. It is
// effective immediately: no delta observed after Cancel returns is applied.
func (s *Session) Cancel() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	cancel := s.cancelStream
	assistantID := s.assistantID
	s.state = StateCancelled
	close(s.done)
	s.mu.Unlock()

	if assistantID != "" {
		s.store.MarkCancelled(assistantID)
	}
	if cancel != nil {
		cancel()
	}
	s.finished()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChatKey returns the store conversation key this session streams into.
func (s *Session) ChatKey() string { return s.chatKey }

// WireChatID returns the backend chat id, once known.
func (s *Session) WireChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wireChatID
}

// AssistantMessageID returns the assistant message's current identity,
// temporary until the backend acknowledges the generation.
func (s *Session) AssistantMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assistantID
}

// Accumulated returns the content buffered so far.
func (s *Session) Accumulated() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accumulated
}

// LastError returns the terminal error, if the session failed.
func (s *Session) LastError() *chat.ErrorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session terminates or ctx expires.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handler builds the callback set for the next stream. Each stream gets a
// fresh epoch; callbacks from a superseded stream are ignored. The real
// transport reports a read failure as OnError followed by OnClose, so after
// a re-attach the dropped stream's trailing OnClose must not reach the
// session's state machine.
func (s *Session) handler() transport.Handler {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	return transport.HandlerFunc{
		EventFunc: func(ev sse.Event) { s.onEvent(epoch, ev) },
		ErrorFunc: func(err error) { s.onTransportError(epoch, err) },
		CloseFunc: func() { s.onTransportClose(epoch) },
	}
}

func (s *Session) onEvent(epoch int, raw sse.Event) {
	ev, err := protocol.Decode(raw)
	if err != nil {
		// Malformed or unknown events are dropped; the stream continues.
		logger.Warn("chat %s: dropping stream event: %v", s.chatKey, err)
		return
	}

	s.mu.Lock()
	if epoch != s.epoch || s.state.Terminal() {
		s.mu.Unlock()
		return
	}

	switch ev := ev.(type) {
	case protocol.ChatCreated:
		s.wireChatID = ev.ChatID
		s.mu.Unlock()

	case protocol.UserMessageSaved:
		userID := s.userID
		s.userID = ev.MessageID
		s.mu.Unlock()
		if userID != "" && userID != ev.MessageID {
			s.store.ReconcileIdentity(userID, ev.MessageID)
		}

	case protocol.AssistantMessageStarted:
		assistantID := s.assistantID
		s.assistantID = ev.MessageID
		chatID := s.chatKey
		s.mu.Unlock()
		// Retire the temporary identity on first acknowledgment, not at
		// stream completion: an edit or cancel racing the stream must land
		// on the permanent identity.
		if assistantID != "" && assistantID != ev.MessageID {
			s.store.ReconcileIdentity(assistantID, ev.MessageID)
		}
		if s.hooks.OnStarted != nil {
			s.hooks.OnStarted(chatID, ev.MessageID)
		}

	case protocol.TextDelta:
		// Content is flowing; acknowledgment events alone keep the
		// session in connecting.
		if s.state == StateConnecting {
			s.state = StateActive
		}
		s.accumulated += ev.NewText
		assistantID := s.assistantID
		s.mu.Unlock()
		s.store.ApplyContentDelta(assistantID, ev.NewText)

	case protocol.AssistantMessageCompleted:
		s.state = StateCompleting
		assistantID := s.assistantID
		s.mu.Unlock()
		s.store.MarkComplete(assistantID, ev.Text())

	case protocol.GenerationError:
		s.state = StateErrored
		errInfo := chat.ErrorInfo{Category: string(ev.Category), Message: ev.Message}
		s.lastErr = &errInfo
		assistantID := s.assistantID
		close(s.done)
		s.mu.Unlock()
		// Prefer the wire identity, but a message_id the store has never
		// seen must not leave the session's placeholder pending forever.
		if ev.MessageID != "" {
			if _, ok := s.store.Message(ev.MessageID); ok {
				assistantID = ev.MessageID
			}
		}
		s.store.MarkError(assistantID, errInfo)
		s.finished()

	default:
		s.mu.Unlock()
	}
}

func (s *Session) onTransportError(epoch int, err error) {
	s.disrupted(epoch, err)
}

func (s *Session) onTransportClose(epoch int) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	switch s.state {
	case StateCompleting:
		s.state = StateCompleted
		close(s.done)
		s.mu.Unlock()
		s.finished()
		return
	case StateCompleted, StateErrored, StateCancelled:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// Closure without a terminal application event is indistinguishable
	// from a network drop; treat it as one.
	s.disrupted(epoch, ErrStreamInterrupted)
}

// disrupted handles a transport-level failure: one transparent re-attach
// per retry window, then the error surfaces on the affected message.
// Re-attaching bumps the epoch, so the dropped stream's remaining
// callbacks (its deferred OnClose in particular) are discarded.
func (s *Session) disrupted(epoch int, err error) {
	s.mu.Lock()
	if epoch != s.epoch || s.state.Terminal() || s.state == StateCompleting {
		// Late transport noise after the outcome is already decided.
		s.mu.Unlock()
		return
	}

	// A 4xx on open is a contract failure (bad token, nothing to resume),
	// not a transient drop; retrying cannot change the answer.
	var statusErr *transport.StatusError
	retryable := !errors.As(err, &statusErr) || statusErr.StatusCode >= 500

	if retryable && s.wireChatID != "" && s.retry.Allow() {
		s.state = StateConnecting
		assistantID := s.assistantID
		ctx := s.ctx
		s.mu.Unlock()

		logger.Info("chat %s: stream disrupted (%v), re-attaching", s.chatKey, err)
		s.store.ResetContent(assistantID)
		s.mu.Lock()
		s.accumulated = ""
		s.mu.Unlock()

		cancel, openErr := s.opener.OpenResume(ctx, s.WireChatID(), s.handler())
		if openErr == nil {
			s.mu.Lock()
			s.cancelStream = cancel
			s.mu.Unlock()
			return
		}
		err = openErr
	} else {
		s.mu.Unlock()
	}

	logger.Error("chat %s: stream failed: %v", s.chatKey, err)
	s.fail(chat.ErrorInfo{Category: string(protocol.CategoryNetwork), Message: err.Error()})
}

// fail surfaces a terminal failure on the session and its assistant message.
func (s *Session) fail(errInfo chat.ErrorInfo) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	s.lastErr = &errInfo
	assistantID := s.assistantID
	close(s.done)
	s.mu.Unlock()

	if assistantID != "" {
		s.store.MarkError(assistantID, errInfo)
	}
	s.finished()
}

func (s *Session) finished() {
	if s.hooks.OnFinished != nil {
		s.hooks.OnFinished(s.chatKey)
	}
}
