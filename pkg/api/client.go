package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oxwell/streamchat/pkg/chat"
	"github.com/oxwell/streamchat/pkg/protocol"
	"github.com/oxwell/streamchat/pkg/streaming"
	"github.com/oxwell/streamchat/pkg/transport"
)

const (
	submitStreamPath = "/me/messages/submitstream"
	editStreamPath   = "/me/messages/editstream"
	resumeStreamPath = "/me/messages/resumestream"
)

// Client talks to the chat backend: it opens the generation streams and
// reads committed message history. It implements streaming.Opener.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	streams *transport.Transport
}

// New creates a Client for the backend at baseURL. A nil httpClient uses a
// default without an overall timeout, since generation streams stay open for
// minutes.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		streams: transport.New(httpClient),
	}
}

var _ streaming.Opener = (*Client)(nil)

type userMessagePayload struct {
	Text string `json:"text"`
}

type submitPayload struct {
	PreviousMessageID string             `json:"previous_message_id,omitempty"`
	ExistingChatID    string             `json:"existing_chat_id,omitempty"`
	UserMessage       userMessagePayload `json:"user_message"`
	InputFilesIDs     []string           `json:"input_files_ids,omitempty"`
}

type editPayload struct {
	MessageID            string             `json:"message_id"`
	ReplaceUserMessage   userMessagePayload `json:"replace_user_message"`
	ReplaceInputFilesIDs []string           `json:"replace_input_files_ids,omitempty"`
}

type resumePayload struct {
	ChatID string `json:"chat_id"`
}

// OpenSubmit starts a new generation. An empty ChatID asks the backend to
// create the chat, announced on the stream as chat_created.
func (c *Client) OpenSubmit(ctx context.Context, req streaming.SubmitRequest, h transport.Handler) (transport.CancelFunc, error) {
	return c.openStream(ctx, submitStreamPath, submitPayload{
		PreviousMessageID: req.PreviousMessageID,
		ExistingChatID:    req.ChatID,
		UserMessage:       userMessagePayload{Text: req.Content},
		InputFilesIDs:     req.FileIDs,
	}, h)
}

// OpenEdit replaces a committed user message and streams the regeneration.
func (c *Client) OpenEdit(ctx context.Context, req streaming.EditRequest, h transport.Handler) (transport.CancelFunc, error) {
	return c.openStream(ctx, editStreamPath, editPayload{
		MessageID:            req.MessageID,
		ReplaceUserMessage:   userMessagePayload{Text: req.NewContent},
		ReplaceInputFilesIDs: req.FileIDs,
	}, h)
}

// OpenResume subscribes to a generation already running server side. The
// backend replays the generation's event history before going live, and
// responds 404 when the chat has nothing in flight.
func (c *Client) OpenResume(ctx context.Context, chatID string, h transport.Handler) (transport.CancelFunc, error) {
	return c.openStream(ctx, resumeStreamPath, resumePayload{ChatID: chatID}, h)
}

func (c *Client) openStream(ctx context.Context, path string, payload any, h transport.Handler) (transport.CancelFunc, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", path, err)
	}
	return c.streams.Open(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    c.baseURL + path,
		Body:   body,
		Header: c.header(),
	}, h)
}

type messagesResponse struct {
	Messages []protocol.WireMessage `json:"messages"`
}

// Messages fetches a chat's committed history, oldest first, for seeding the
// store when a conversation is opened.
func (c *Client) Messages(ctx context.Context, chatID string) ([]chat.Message, error) {
	url := fmt.Sprintf("%s/me/chats/%s/messages", c.baseURL, chatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create history request: %w", err)
	}
	req.Header = c.header()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("history request failed with status %d: %s", resp.StatusCode, string(errBody))
	}

	var decoded messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode history response: %w", err)
	}

	msgs := make([]chat.Message, 0, len(decoded.Messages))
	for _, wm := range decoded.Messages {
		msgs = append(msgs, fromWire(chatID, wm))
	}
	return msgs, nil
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// fromWire converts a persisted backend message into the store's model.
// History messages are committed by definition.
func fromWire(chatID string, wm protocol.WireMessage) chat.Message {
	createdAt := wm.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return chat.Message{
		ID:                wm.ID,
		ChatID:            chatID,
		Role:              wm.Role,
		Content:           wm.Text,
		CreatedAt:         createdAt,
		Status:            chat.StatusComplete,
		PreviousMessageID: wm.PreviousMessageID,
	}
}
