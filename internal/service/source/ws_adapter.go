package source

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"RateFusion/internal/domain/models"
	"RateFusion/pkg/config"
)

// WebSocketAdapter connects, optionally sends a subscribe frame, and takes the first data
// frame it receives as the payload.
type WebSocketAdapter struct {
	id        string
	url       string
	headers   http.Header
	subscribe string
	timeout   time.Duration
	dialer    *websocket.Dialer
	now       func() time.Time
}

func NewWebSocketAdapter(cfg config.SourceConfig) *WebSocketAdapter {
	timeout := timeoutOf(cfg)
	headers := http.Header{}
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	return &WebSocketAdapter{
		id:        cfg.ID,
		url:       cfg.URL,
		headers:   headers,
		subscribe: cfg.Subscribe,
		timeout:   timeout,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
		now: time.Now,
	}
}

func (a *WebSocketAdapter) ID() string {
	return a.id
}

func (a *WebSocketAdapter) Fetch(ctx context.Context) (*models.RawPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	conn, err := a.dial(ctx)
	if err != nil {
		return nil, &models.FetchError{SourceID: a.id, Err: err}
	}
	defer conn.Close()

	// closing the socket unblocks ReadMessage when ctx is cancelled early
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	if a.subscribe != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(a.subscribe)); err != nil {
			return nil, &models.FetchError{SourceID: a.id, Err: fmt.Errorf("subscribe: %w", err)}
		}
	}

	for {
		kind, body, err := conn.ReadMessage()
		if err != nil {
			return nil, &models.FetchError{SourceID: a.id, Err: fmt.Errorf("read: %w", err)}
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		return &models.RawPayload{
			SourceID:    a.id,
			Body:        body,
			ContentType: "application/json",
			FetchedAt:   a.now(),
		}, nil
	}
}

// Ping only checks that the handshake succeeds.
func (a *WebSocketAdapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	conn, err := a.dial(ctx)
	if err != nil {
		return &models.FetchError{SourceID: a.id, Err: err}
	}
	return conn.Close()
}

func (a *WebSocketAdapter) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := a.dialer.DialContext(ctx, a.url, a.headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.url, err)
	}
	return conn, nil
}
