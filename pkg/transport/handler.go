package transport

import "github.com/oxwell/streamchat/pkg/sse"

// Handler receives the lifecycle callbacks of one open stream.
type Handler interface {
	// OnOpen is called once the response headers have been received and the
	// stream is readable.
	OnOpen()

	// OnEvent is called for each complete wire event, in arrival order.
	OnEvent(ev sse.Event)

	// OnError is called when the stream fails: a non-2xx response, a read
	// error, or a drop before natural completion.
	OnError(err error)

	// OnClose is called exactly once when the stream is finished, whether it
	// completed naturally, failed, or was cancelled.
	OnClose()
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc struct {
	OpenFunc  func()
	EventFunc func(ev sse.Event)
	ErrorFunc func(err error)
	CloseFunc func()
}

func (h HandlerFunc) OnOpen() {
	if h.OpenFunc != nil {
		h.OpenFunc()
	}
}

func (h HandlerFunc) OnEvent(ev sse.Event) {
	if h.EventFunc != nil {
		h.EventFunc(ev)
	}
}

func (h HandlerFunc) OnError(err error) {
	if h.ErrorFunc != nil {
		h.ErrorFunc(err)
	}
}

func (h HandlerFunc) OnClose() {
	if h.CloseFunc != nil {
		h.CloseFunc()
	}
}

var _ Handler = HandlerFunc{}
