package streaming

import (
	"context"

	"github.com/oxwell/streamchat/pkg/transport"
)

// SubmitRequest initiates a new generation. An empty ChatID asks the backend
// to create a chat.
type SubmitRequest struct {
	ChatID            string
	PreviousMessageID string
	Content           string
	FileIDs           []string
}

// EditRequest replaces a user message and regenerates downstream content.
type EditRequest struct {
	MessageID  string
	NewContent string
	FileIDs    []string
}

// Opener opens the backend's generation streams. The API client implements
// it; tests substitute fakes.
type Opener interface {
	OpenSubmit(ctx context.Context, req SubmitRequest, h transport.Handler) (transport.CancelFunc, error)
	OpenEdit(ctx context.Context, req EditRequest, h transport.Handler) (transport.CancelFunc, error)
	OpenResume(ctx context.Context, chatID string, h transport.Handler) (transport.CancelFunc, error)
}
