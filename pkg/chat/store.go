package chat

import (
	"sync"

	"github.com/oxwell/streamchat/pkg/logger"
)

// Store is the append-only, order-preserving message collection, one slice
// per chat. It owns message identity: optimistic inserts get temporary IDs,
// reconciliation swaps them for server IDs without moving the message, and
// every operation accepts either identity until the temporary one is
// retired.
//
// All operations are atomic with respect to concurrent readers. Invalid
// operations (unknown id, double reconcile) are no-ops rather than errors:
// network races make "already handled" a normal outcome.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*thread
	aliases map[string]string
	subs    map[string][]chan struct{}
}

type thread struct {
	order []string
	byID  map[string]*Message
}

func NewStore() *Store {
	return &Store{
		threads: make(map[string]*thread),
		aliases: make(map[string]string),
		subs:    make(map[string][]chan struct{}),
	}
}

func (s *Store) thread(chatID string) *thread {
	th, ok := s.threads[chatID]
	if !ok {
		th = &thread{byID: make(map[string]*Message)}
		s.threads[chatID] = th
	}
	return th
}

// resolve maps either identity of a message to the current canonical one.
func (s *Store) resolve(id string) string {
	if canonical, ok := s.aliases[id]; ok {
		return canonical
	}
	return id
}

// Resolve is the exported form of identity resolution, for callers holding
// an identity that may have been reconciled underneath them (e.g. an edit
// request fired before the swap completed).
func (s *Store) Resolve(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolve(id)
}

// InsertOptimistic appends the user's message and a paired pending assistant
// placeholder, synchronously, before any network request is issued. Both
// returned identities are temporary.
func (s *Store) InsertOptimistic(chatID, content string) (userID, assistantID string) {
	s.mu.Lock()

	th := s.thread(chatID)

	user := NewUserMessage(chatID, content)
	if len(th.order) > 0 {
		user.PreviousMessageID = th.order[len(th.order)-1]
	}
	assistant := NewAssistantPlaceholder(chatID)
	assistant.PreviousMessageID = user.ID

	th.byID[user.ID] = &user
	th.byID[assistant.ID] = &assistant
	th.order = append(th.order, user.ID, assistant.ID)

	s.mu.Unlock()
	s.notify(chatID)
	return user.ID, assistant.ID
}

// InsertPlaceholder appends a lone pending assistant message, used when an
// edit regenerates downstream content.
func (s *Store) InsertPlaceholder(chatID string) (assistantID string) {
	s.mu.Lock()

	th := s.thread(chatID)
	assistant := NewAssistantPlaceholder(chatID)
	if len(th.order) > 0 {
		assistant.PreviousMessageID = th.order[len(th.order)-1]
	}
	th.byID[assistant.ID] = &assistant
	th.order = append(th.order, assistant.ID)

	s.mu.Unlock()
	s.notify(chatID)
	return assistant.ID
}

// ReconcileIdentity replaces tempID with permanentID everywhere: the message
// map, the order sequence and any back-links that reference it. Position is
// preserved. Idempotent; reconciling an unknown or already-retired identity
// is a no-op.
func (s *Store) ReconcileIdentity(tempID, permanentID string) {
	if tempID == permanentID {
		return
	}
	s.mu.Lock()

	canonical := s.resolve(tempID)
	var chatID string
	found := false
	for cid, th := range s.threads {
		msg, ok := th.byID[canonical]
		if !ok {
			continue
		}
		found = true
		if canonical == permanentID {
			// Already reconciled; nothing to migrate.
			break
		}

		delete(th.byID, canonical)
		msg.ID = permanentID
		th.byID[permanentID] = msg

		for i, id := range th.order {
			if id == canonical {
				th.order[i] = permanentID
				break
			}
		}
		for _, other := range th.byID {
			if other.PreviousMessageID == canonical {
				other.PreviousMessageID = permanentID
			}
		}

		s.aliases[tempID] = permanentID
		chatID = cid
		break
	}

	s.mu.Unlock()
	if chatID != "" {
		s.notify(chatID)
	} else if !found {
		logger.Debug("reconcile for unknown identity %s ignored", tempID)
	}
}

// ApplyContentDelta appends streamed text to an assistant message. The first
// delta moves the message from pending to streaming. Deltas arriving after a
// terminal status (completion, error, cancellation) are dropped.
func (s *Store) ApplyContentDelta(id, delta string) {
	s.mu.Lock()

	msg, chatID := s.lookup(id)
	if msg == nil || msg.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	msg.Content += delta
	if msg.Status == StatusPending {
		msg.Status = StatusStreaming
	}

	s.mu.Unlock()
	s.notify(chatID)
}

// ResetContent clears an in-flight assistant message back to pending, used
// when a resumed stream is about to replay the generation's event history
// from the start.
func (s *Store) ResetContent(id string) {
	s.mu.Lock()

	msg, chatID := s.lookup(id)
	if msg == nil || msg.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	msg.Content = ""
	msg.Status = StatusPending

	s.mu.Unlock()
	s.notify(chatID)
}

// MarkComplete finalizes a message. A non-empty finalContent replaces the
// accumulated content with the server's canonical form.
func (s *Store) MarkComplete(id, finalContent string) {
	s.mu.Lock()

	msg, chatID := s.lookup(id)
	if msg == nil || msg.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	if finalContent != "" {
		msg.Content = finalContent
	}
	msg.Status = StatusComplete
	msg.Error = nil

	s.mu.Unlock()
	s.notify(chatID)
}

// MarkError attaches a terminal error state to the specific message, not to
// the conversation: other messages stay usable.
func (s *Store) MarkError(id string, errInfo ErrorInfo) {
	s.mu.Lock()

	msg, chatID := s.lookup(id)
	if msg == nil || msg.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	msg.Status = StatusError
	msg.Error = &errInfo

	s.mu.Unlock()
	s.notify(chatID)
}

// MarkCancelled records a user-initiated cancellation. Content streamed so
// far is kept.
func (s *Store) MarkCancelled(id string) {
	s.mu.Lock()

	msg, chatID := s.lookup(id)
	if msg == nil || msg.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	msg.Status = StatusCancelled

	s.mu.Unlock()
	s.notify(chatID)
}

// EditMessage replaces a message's content and removes every message after
// it in the order. The truncation is deliberate: downstream messages were
// generated in response to content that no longer exists, and preserving
// them would silently attribute stale context to the conversation.
func (s *Store) EditMessage(id, newContent string) {
	s.mu.Lock()

	msg, chatID := s.lookup(id)
	if msg == nil {
		s.mu.Unlock()
		return
	}
	th := s.threads[chatID]

	idx := -1
	for i, oid := range th.order {
		if oid == msg.ID {
			idx = i
			break
		}
	}
	msg.Content = newContent

	if idx >= 0 {
		for _, removed := range th.order[idx+1:] {
			delete(th.byID, removed)
			s.dropAliasesFor(removed)
		}
		th.order = th.order[:idx+1]
	}

	s.mu.Unlock()
	s.notify(chatID)
}

// RemoveMessage deletes a message and repairs the back-link of the message
// that followed it.
func (s *Store) RemoveMessage(id string) {
	s.mu.Lock()

	msg, chatID := s.lookup(id)
	if msg == nil {
		s.mu.Unlock()
		return
	}
	th := s.threads[chatID]

	for i, oid := range th.order {
		if oid != msg.ID {
			continue
		}
		th.order = append(th.order[:i], th.order[i+1:]...)
		if i < len(th.order) {
			if next, ok := th.byID[th.order[i]]; ok && next.PreviousMessageID == msg.ID {
				next.PreviousMessageID = msg.PreviousMessageID
			}
		}
		break
	}
	delete(th.byID, msg.ID)
	s.dropAliasesFor(msg.ID)

	s.mu.Unlock()
	s.notify(chatID)
}

// Seed replaces a chat's slice with persisted history, used on conversation
// open and after reload.
func (s *Store) Seed(chatID string, msgs []Message) {
	s.mu.Lock()

	th := &thread{byID: make(map[string]*Message, len(msgs))}
	for i := range msgs {
		msg := msgs[i]
		msg.ChatID = chatID
		th.byID[msg.ID] = &msg
		th.order = append(th.order, msg.ID)
	}
	s.threads[chatID] = th

	s.mu.Unlock()
	s.notify(chatID)
}

// Messages returns a snapshot of the chat's messages in order. A reader
// never observes a message under both identities or a gap in the order.
func (s *Store) Messages(chatID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.threads[chatID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(th.order))
	for _, id := range th.order {
		if msg, ok := th.byID[id]; ok {
			out = append(out, *msg)
		}
	}
	return out
}

// Message returns a snapshot of a single message under either identity.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, _ := s.lookup(id)
	if msg == nil {
		return Message{}, false
	}
	return *msg, true
}

// InFlightMessages returns the chat's pending or streaming messages, used to
// decide whether a reload should re-attach to a live generation.
func (s *Store) InFlightMessages(chatID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.threads[chatID]
	if !ok {
		return nil
	}
	var out []Message
	for _, id := range th.order {
		if msg, ok := th.byID[id]; ok && msg.InFlight() {
			out = append(out, *msg)
		}
	}
	return out
}

// Subscribe returns a channel that receives a signal after each mutation of
// the chat's slice. Notifications coalesce; consumers re-read via Messages.
func (s *Store) Subscribe(chatID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	s.subs[chatID] = append(s.subs[chatID], ch)
	return ch
}

// Unsubscribe removes a channel registered with Subscribe.
func (s *Store) Unsubscribe(chatID string, ch <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs[chatID]
	for i, sub := range subs {
		if (<-chan struct{})(sub) == ch {
			s.subs[chatID] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (s *Store) notify(chatID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subs[chatID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// lookup finds a message under either identity. Callers must hold the lock.
func (s *Store) lookup(id string) (*Message, string) {
	canonical := s.resolve(id)
	for chatID, th := range s.threads {
		if msg, ok := th.byID[canonical]; ok {
			return msg, chatID
		}
	}
	return nil, ""
}

func (s *Store) dropAliasesFor(canonical string) {
	for temp, target := range s.aliases {
		if target == canonical {
			delete(s.aliases, temp)
		}
	}
}
