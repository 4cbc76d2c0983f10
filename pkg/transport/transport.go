package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/oxwell/streamchat/pkg/logger"
	"github.com/oxwell/streamchat/pkg/sse"
)

// Request describes one stream to open. GET requests subscribe read-only;
// POST requests carry a body (the common case when submitting a message).
type Request struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

// CancelFunc severs the stream's underlying network operation. It is
// idempotent: calling it repeatedly, or after natural completion, never
// re-fires OnClose.
type CancelFunc func()

// StatusError reports a non-2xx response to a stream open.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream request failed with status %d: %s", e.StatusCode, e.Body)
}

// Transport opens event streams over HTTP.
type Transport struct {
	client *http.Client
}

// New creates a Transport. A nil client uses a default with no overall
// timeout, since streams stay open for the duration of a generation.
func New(client *http.Client) *Transport {
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	return &Transport{client: client}
}

// Open starts the request and reads its response body incrementally, feeding
// each chunk through the event-stream parser to the handler. It returns
// immediately; headers, reads and close all arrive on handler callbacks.
func (t *Transport) Open(ctx context.Context, req Request, h Handler) (CancelFunc, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	st := &stream{ctx: ctx, cancel: cancel, handler: h}
	go st.run(t.client, httpReq)

	return st.Cancel, nil
}

// stream owns one in-flight request. The close latch guarantees OnClose
// fires at most once across natural completion, failure and cancellation.
type stream struct {
	ctx       context.Context
	cancel    context.CancelFunc
	handler   Handler
	closeOnce sync.Once
}

func (s *stream) Cancel() {
	s.cancel()
	s.close()
}

func (s *stream) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.handler.OnClose()
	})
}

func (s *stream) run(client *http.Client, req *http.Request) {
	defer s.close()

	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.handler.OnError(fmt.Errorf("stream request failed: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.handler.OnError(&StatusError{StatusCode: resp.StatusCode, Body: string(errBody)})
		return
	}

	s.handler.OnOpen()

	parser := sse.NewParser(func(ev sse.Event) {
		// A cancelled transport must not deliver stale events.
		if s.ctx.Err() != nil {
			return
		}
		s.handler.OnEvent(ev)
	})

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
		}
		if err == io.EOF {
			logger.Debug("stream closed after %s: %s", time.Since(started), req.URL.Path)
			return
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.handler.OnError(fmt.Errorf("stream read failed: %w", err))
			return
		}
	}
}
