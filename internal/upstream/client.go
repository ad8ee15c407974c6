// Package upstream talks to the remote MCP server over Streamable HTTP.
// Each call is one POST on a fresh connection; the reply is either a JSON
// body, an event stream, or an empty 202 acknowledgement.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/toolgate/internal/logx"
	"github.com/gaspardpetit/toolgate/internal/mcpwire"
	"github.com/gaspardpetit/toolgate/internal/metrics"
	"github.com/gaspardpetit/toolgate/internal/session"
)

// HeaderSessionID carries the upstream session token in both directions.
const HeaderSessionID = "Mcp-Session-Id"

const (
	acceptHeader       = "application/json, text/event-stream"
	defaultDialTimeout = 60 * time.Second
	maxBodyBytes       = 10 << 20
	maxErrorBodyBytes  = 4 << 10
)

// Options configures a Client.
type Options struct {
	// URL is the upstream endpoint. The scheme selects TLS.
	URL string
	// Headers are sent verbatim on every request (e.g. Authorization).
	Headers map[string]string
	// Timeout bounds a whole call including the body. Zero means no limit.
	Timeout time.Duration
	// DialTimeout bounds connection establishment. Defaults to 60s.
	DialTimeout time.Duration
}

// StatusError is returned when the upstream answers with an HTTP error
// status and a body that is not a JSON-RPC error.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Client sends JSON-RPC messages to the upstream.
type Client struct {
	url     string
	headers map[string]string
	timeout time.Duration
	http    *http.Client
	sess    *session.Session
	log     zerolog.Logger
}

// New validates opts and returns a Client that records the session token
// in sess.
func New(opts Options, sess *session.Session) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q: scheme must be http or https", opts.URL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream url %q: missing host", opts.URL)
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		DisableKeepAlives:   true,
		TLSHandshakeTimeout: dialTimeout,
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &Client{
		url:     u.String(),
		headers: headers,
		timeout: opts.Timeout,
		http:    &http.Client{Transport: tr},
		sess:    sess,
		log:     logx.Log.With().Str("upstream", u.Redacted()).Logger(),
	}, nil
}

// URL returns the upstream endpoint.
func (c *Client) URL() string { return c.url }

// Send posts a request and returns the upstream reply. The reply is nil
// when the upstream acknowledged without a message.
func (c *Client) Send(ctx context.Context, msg *mcpwire.Message) (*mcpwire.Message, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	start := time.Now()
	reply, err := c.exchange(ctx, msg)
	outcome := metrics.OutcomeOK
	switch {
	case err != nil:
		outcome = metrics.OutcomeError
	case reply == nil:
		outcome = metrics.OutcomeAbsent
	}
	metrics.ObserveUpstream(msg.Method, outcome, time.Since(start))
	c.log.Debug().Str("method", msg.Method).RawJSON("id", msg.IDOrNull()).Str("outcome", outcome).Dur("duration", time.Since(start)).Msg("upstream call")
	return reply, err
}

// Notify posts a message that expects no reply. The response body is
// discarded.
func (c *Client) Notify(ctx context.Context, msg *mcpwire.Message) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	start := time.Now()
	err := c.notify(ctx, msg)
	outcome := metrics.OutcomeAbsent
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveUpstream(msg.Method, outcome, time.Since(start))
	c.log.Debug().Str("method", msg.Method).Str("outcome", outcome).Dur("duration", time.Since(start)).Msg("upstream notify")
	return err
}

func (c *Client) notify(ctx context.Context, msg *mcpwire.Message) error {
	resp, err := c.post(ctx, msg)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return &StatusError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return nil
}

func (c *Client) exchange(ctx context.Context, msg *mcpwire.Message) (*mcpwire.Message, error) {
	resp, err := c.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if mediaType(resp.Header.Get("Content-Type")) == "text/event-stream" {
		return ReadEvent(resp.Body)
	}
	if resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if reply, perr := mcpwire.Parse(body); perr == nil && reply.Error != nil {
			return reply, nil
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: snippet(body)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	reply, err := mcpwire.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return reply, nil
}

func (c *Client) post(ctx context.Context, msg *mcpwire.Message) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", acceptHeader)
	if tok := c.sess.Token(); tok != "" {
		req.Header.Set(HeaderSessionID, tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s to upstream: %w", msg.Method, err)
	}
	if c.sess.SetToken(resp.Header.Get(HeaderSessionID)) {
		metrics.SetUpstreamSession(true)
		c.log.Info().Msg("upstream session established")
	}
	return resp, nil
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	return snippet(b)
}

func snippet(b []byte) string {
	if len(b) > maxErrorBodyBytes {
		b = b[:maxErrorBodyBytes]
	}
	return strings.TrimSpace(string(b))
}
