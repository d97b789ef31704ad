package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RateFusion/internal/domain/models"
	"RateFusion/pkg/config"
	xhttp "RateFusion/pkg/http"
)

func TestHTTPAdapterFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/latest", r.URL.Path)
		assert.Equal(t, "ars", r.URL.Query().Get("currency"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"blue":{"value_sell":1180}}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(config.SourceConfig{
		ID:      "bluelytics",
		URL:     srv.URL + "/v2/latest",
		Method:  http.MethodGet,
		Headers: map[string]string{"X-Api-Key": "secret"},
		Query:   map[string]string{"currency": "ars"},
		Timeout: time.Second,
	})

	payload, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bluelytics", payload.SourceID)
	assert.JSONEq(t, `{"blue":{"value_sell":1180}}`, string(payload.Body))
	assert.False(t, payload.FetchedAt.IsZero())
	assert.NoError(t, a.Ping(context.Background()))
}

func TestHTTPAdapterStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(config.SourceConfig{ID: "dolarapi", URL: srv.URL, Timeout: time.Second})

	_, err := a.Fetch(context.Background())

	var fetchErr *models.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "dolarapi", fetchErr.SourceID)

	var statusErr *xhttp.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestHTTPAdapterTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	a := NewHTTPAdapter(config.SourceConfig{ID: "slow", URL: srv.URL, Timeout: 50 * time.Millisecond})

	begin := time.Now()
	_, err := a.Fetch(context.Background())

	var fetchErr *models.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Less(t, time.Since(begin), 2*time.Second)
}

func TestHTTPAdapterUserAgentAndBodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ratefusion-test/2", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"blue":{"value_sell":1180},"padding":"` + strings.Repeat("x", 64) + `"}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter(config.SourceConfig{
		ID:        "bluelytics",
		URL:       srv.URL,
		Timeout:   time.Second,
		UserAgent: "ratefusion-test/2",
		MaxBody:   16,
	})

	payload, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, payload.Body, 16)
}

func TestHTTPAdapterDefaultsTimeout(t *testing.T) {
	a := NewHTTPAdapter(config.SourceConfig{ID: "x", URL: "http://127.0.0.1:1"})
	assert.Equal(t, DefaultTimeout, a.timeout)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func TestWebSocketAdapterFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		assert.JSONEq(t, `{"op":"subscribe","channel":"usd_ars"}`, string(msg))
		_ = conn.WriteMessage(websocket.PingMessage, nil)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"nombre":"Blue","venta":1185}]`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	a := NewWebSocketAdapter(config.SourceConfig{
		ID:        "stream",
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		Subscribe: `{"op":"subscribe","channel":"usd_ars"}`,
		Timeout:   time.Second,
	})

	payload, err := a.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stream", payload.SourceID)
	assert.JSONEq(t, `[{"nombre":"Blue","venta":1185}]`, string(payload.Body))
}

func TestWebSocketAdapterSilentServerTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	a := NewWebSocketAdapter(config.SourceConfig{
		ID:      "silent",
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Timeout: 50 * time.Millisecond,
	})

	_, err := a.Fetch(context.Background())
	var fetchErr *models.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, "silent", fetchErr.SourceID)
}

func TestWebSocketAdapterDialFailure(t *testing.T) {
	a := NewWebSocketAdapter(config.SourceConfig{ID: "down", URL: "ws://127.0.0.1:1/ws", Timeout: 100 * time.Millisecond})

	var fetchErr *models.FetchError
	assert.ErrorAs(t, a.Ping(context.Background()), &fetchErr)
}

func TestNewPicksTransport(t *testing.T) {
	httpSource, err := New(config.SourceConfig{ID: "a", URL: "https://example.com", Transport: config.TransportHTTP})
	require.NoError(t, err)
	assert.IsType(t, &HTTPAdapter{}, httpSource)

	wsSource, err := New(config.SourceConfig{ID: "b", URL: "wss://example.com", Transport: config.TransportWebSocket})
	require.NoError(t, err)
	assert.IsType(t, &WebSocketAdapter{}, wsSource)

	_, err = New(config.SourceConfig{ID: "c", Transport: "ftp"})
	assert.Error(t, err)
}
