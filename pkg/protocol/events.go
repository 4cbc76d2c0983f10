package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oxwell/streamchat/pkg/sse"
)

// Event tags on the backend's event stream.
const (
	TagChatCreated               = "chat_created"
	TagUserMessageSaved          = "user_message_saved"
	TagAssistantMessageStarted   = "assistant_message_started"
	TagAssistantMessageCompleted = "assistant_message_completed"
	TagTextDelta                 = "text_delta"
	TagError                     = "error"
)

// Event is one typed wire event. Raw stream events are decoded into this
// tagged union exactly once, at the protocol boundary.
type Event interface {
	Tag() string
}

// ChatCreated is sent at the start of a stream when the backend created a
// new chat for the submission.
type ChatCreated struct {
	ChatID string `json:"chat_id"`
}

func (ChatCreated) Tag() string { return TagChatCreated }

// UserMessageSaved acknowledges that the submitted user message has been
// persisted under a server identity.
type UserMessageSaved struct {
	MessageID string      `json:"message_id"`
	Message   WireMessage `json:"message"`
}

func (UserMessageSaved) Tag() string { return TagUserMessageSaved }

// AssistantMessageStarted carries the server identity of the assistant
// message before generation begins.
type AssistantMessageStarted struct {
	MessageID string `json:"message_id"`
}

func (AssistantMessageStarted) Tag() string { return TagAssistantMessageStarted }

// TextDelta is one incremental chunk of assistant output.
type TextDelta struct {
	MessageID    string `json:"message_id"`
	ContentIndex int    `json:"content_index"`
	NewText      string `json:"new_text"`
}

func (TextDelta) Tag() string { return TagTextDelta }

// AssistantMessageCompleted is the terminal signal: the assistant response
// has been persisted in full.
type AssistantMessageCompleted struct {
	MessageID string        `json:"message_id"`
	Content   []ContentPart `json:"content"`
	Message   WireMessage   `json:"message"`
}

func (AssistantMessageCompleted) Tag() string { return TagAssistantMessageCompleted }

// Text joins the text content parts of the completed message.
func (e AssistantMessageCompleted) Text() string {
	var b strings.Builder
	for _, part := range e.Content {
		b.WriteString(part.Text)
	}
	return b.String()
}

// GenerationError reports a failure during generation. It is terminal for
// the affected message.
type GenerationError struct {
	MessageID string        `json:"message_id,omitempty"`
	Category  ErrorCategory `json:"category"`
	Message   string        `json:"message"`
}

func (GenerationError) Tag() string { return TagError }

// ContentPart is one element of a completed message's content.
type ContentPart struct {
	Type string `json:"content_type"`
	Text string `json:"text"`
}

// WireMessage is the backend's persisted message representation, shared by
// stream acknowledgments and the history read API.
type WireMessage struct {
	ID                string    `json:"id"`
	ChatID            string    `json:"chat_id,omitempty"`
	PreviousMessageID string    `json:"previous_message_id,omitempty"`
	Role              string    `json:"role"`
	Text              string    `json:"text"`
	CreatedAt         time.Time `json:"created_at"`
}

// UnknownEventError marks a wire event whose tag this client does not know.
// Callers log and drop it; the stream continues.
type UnknownEventError struct {
	Type string
}

func (e *UnknownEventError) Error() string {
	return fmt.Sprintf("unknown stream event type %q", e.Type)
}

// ProtocolError wraps a malformed event payload. Like unknown tags it is
// dropped without ending the stream.
type ProtocolError struct {
	Type string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed %q event: %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Decode turns a raw stream event into its typed form.
func Decode(ev sse.Event) (Event, error) {
	var (
		out Event
		err error
	)
	switch ev.Type {
	case TagChatCreated:
		out, err = unmarshal[ChatCreated](ev)
	case TagUserMessageSaved:
		out, err = unmarshal[UserMessageSaved](ev)
	case TagAssistantMessageStarted:
		out, err = unmarshal[AssistantMessageStarted](ev)
	case TagAssistantMessageCompleted:
		out, err = unmarshal[AssistantMessageCompleted](ev)
	case TagTextDelta:
		out, err = unmarshal[TextDelta](ev)
	case TagError:
		out, err = unmarshal[GenerationError](ev)
	default:
		return nil, &UnknownEventError{Type: ev.Type}
	}
	if err != nil {
		return nil, &ProtocolError{Type: ev.Type, Err: err}
	}
	return out, nil
}

func unmarshal[T Event](ev sse.Event) (Event, error) {
	var v T
	if err := json.Unmarshal([]byte(ev.Data), &v); err != nil {
		return nil, err
	}
	return v, nil
}
