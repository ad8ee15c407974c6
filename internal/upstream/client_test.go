package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaspardpetit/toolgate/internal/mcpwire"
	"github.com/gaspardpetit/toolgate/internal/session"
)

func request(t *testing.T, id, method string) *mcpwire.Message {
	t.Helper()
	m, err := mcpwire.NewRequest(json.RawMessage(id), method, map[string]any{})
	require.NoError(t, err)
	return m
}

func newClient(t *testing.T, url string, opts ...func(*Options)) (*Client, *session.Session) {
	t.Helper()
	o := Options{URL: url}
	for _, fn := range opts {
		fn(&o)
	}
	sess := session.New()
	c, err := New(o, sess)
	require.NoError(t, err)
	return c, sess
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "ftp://host/mcp", "localhost:8080", "http://", "::bad"} {
		_, err := New(Options{URL: u}, session.New())
		assert.Error(t, err, u)
	}
	_, err := New(Options{URL: "https://example.com/mcp"}, session.New())
	assert.NoError(t, err)
}

func TestSendJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "application/json, text/event-stream", r.Header.Get("Accept"))
		var in mcpwire.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "tools/list", in.Method)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(in.ID) + `,"result":{"tools":[]}}`))
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL)
	reply, err := c.Send(context.Background(), request(t, "9001", "tools/list"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "9001", string(reply.ID))
	assert.JSONEq(t, `{"tools":[]}`, string(reply.Result))
}

func TestSendEventStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":9001,\n"))
		_, _ = w.Write([]byte("data: \"result\":{\"ok\":true}}\n\n"))
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL)
	reply, err := c.Send(context.Background(), request(t, "9001", "tools/call"))
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.JSONEq(t, `{"ok":true}`, string(reply.Result))
}

func TestSendAcceptedIsAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL)
	reply, err := c.Send(context.Background(), request(t, "9001", "ping"))
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestSendEmptyBodyIsAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL)
	reply, err := c.Send(context.Background(), request(t, "9001", "ping"))
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestSessionTokenCapturedAndReplayed(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get(HeaderSessionID))
		n := len(seen)
		mu.Unlock()
		if n == 1 {
			w.Header().Set(HeaderSessionID, "sess-123")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	c, sess := newClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		_, err := c.Send(context.Background(), request(t, "1", "ping"))
		require.NoError(t, err)
	}
	n, err := mcpwire.NewNotification(mcpwire.MethodInitialized, nil)
	require.NoError(t, err)
	require.NoError(t, c.Notify(context.Background(), n))

	assert.Equal(t, "sess-123", sess.Token())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "sess-123", "sess-123", "sess-123"}, seen)
}

func TestPassThroughHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json, text/event-stream", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL, func(o *Options) {
		o.Headers = map[string]string{"Authorization": "Bearer secret", "Accept": "text/plain"}
	})
	_, err := c.Send(context.Background(), request(t, "1", "ping"))
	require.NoError(t, err)
}

func TestSendStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/rpc-error" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"bad params"}}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("gateway down"))
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL+"/plain")
	_, err := c.Send(context.Background(), request(t, "1", "ping"))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "gateway down", se.Body)
	assert.Contains(t, err.Error(), "502")

	c, _ = newClient(t, srv.URL+"/rpc-error")
	reply, err := c.Send(context.Background(), request(t, "1", "tools/call"))
	require.NoError(t, err)
	require.NotNil(t, reply.Error)
	assert.Equal(t, -32602, reply.Error.Code)
	assert.Equal(t, "bad params", reply.Error.Message)
}

func TestSendMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("not-json"))
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL)
	_, err := c.Send(context.Background(), request(t, "1", "ping"))
	assert.Error(t, err)
}

func TestSendConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c, _ := newClient(t, "http://"+addr+"/mcp")
	_, err = c.Send(context.Background(), request(t, "1", "ping"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "post ping to upstream")
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := newClient(t, srv.URL, func(o *Options) { o.Timeout = 50 * time.Millisecond })
	start := time.Now()
	_, err := c.Send(context.Background(), request(t, "1", "tools/call"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFreshConnectionPerCall(t *testing.T) {
	var (
		mu    sync.Mutex
		addrs = map[string]bool{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		addrs[r.RemoteAddr] = true
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL)
	for i := 0; i < 3; i++ {
		_, err := c.Send(context.Background(), request(t, "1", "ping"))
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, addrs, 3)
}

func TestNotifyDiscardsBodyAndReportsErrors(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "notifications/initialized")
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"ignored":true}`))
	}))
	defer srv.Close()

	c, _ := newClient(t, srv.URL)
	n, err := mcpwire.NewNotification(mcpwire.MethodInitialized, nil)
	require.NoError(t, err)
	require.NoError(t, c.Notify(context.Background(), n))

	status.Store(http.StatusInternalServerError)
	var se *StatusError
	require.ErrorAs(t, c.Notify(context.Background(), n), &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
}
