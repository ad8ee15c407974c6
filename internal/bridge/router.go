// Package bridge relays MCP traffic between a local stdio peer and an
// upstream Streamable HTTP server, enforcing the tool allow-list.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/toolgate/internal/logx"
	"github.com/gaspardpetit/toolgate/internal/mcpwire"
	"github.com/gaspardpetit/toolgate/internal/metrics"
	"github.com/gaspardpetit/toolgate/internal/session"
	"github.com/gaspardpetit/toolgate/internal/toolfilter"
)

// Upstream is the remote side of the bridge. *upstream.Client implements it.
type Upstream interface {
	// Send posts a request and returns the reply, or nil when the remote
	// acknowledged without one.
	Send(ctx context.Context, msg *mcpwire.Message) (*mcpwire.Message, error)
	// Notify posts a message that expects no reply.
	Notify(ctx context.Context, msg *mcpwire.Message) error
}

// UnlockStep is a tools/call issued once during bootstrap.
type UnlockStep struct {
	Tool      string
	Arguments map[string]any
}

var errNoResponse = errors.New("upstream returned no response")

// Router owns one bridge instance: the upstream, the allow-list and the
// session. It handles one message at a time.
type Router struct {
	up     Upstream
	filter *toolfilter.Filter
	sess   *session.Session
	unlock *UnlockStep
	client mcp.Implementation
	log    zerolog.Logger

	bootOnce sync.Once
	bootErr  error
}

// Option customizes a Router.
type Option func(*Router)

// WithUnlock makes Bootstrap call step.Tool after the handshake.
func WithUnlock(step UnlockStep) Option {
	return func(r *Router) { r.unlock = &step }
}

// WithClientInfo sets the client identity announced to the upstream.
func WithClientInfo(name, version string) Option {
	return func(r *Router) { r.client = mcp.Implementation{Name: name, Version: version} }
}

// WithLogger replaces the default logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.log = l }
}

// New returns a Router relaying to up.
func New(up Upstream, filter *toolfilter.Filter, sess *session.Session, opts ...Option) *Router {
	r := &Router{
		up:     up,
		filter: filter,
		sess:   sess,
		client: mcp.Implementation{Name: mcpwire.ServerName, Version: mcpwire.ServerVersion},
		log:    logx.Log,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Bootstrap performs the upstream handshake and the optional unlock call.
// It runs once; later calls return the first result.
func (r *Router) Bootstrap(ctx context.Context) error {
	r.bootOnce.Do(func() { r.bootErr = r.bootstrap(ctx) })
	return r.bootErr
}

func (r *Router) bootstrap(ctx context.Context) error {
	params := mcp.InitializeParams{
		ProtocolVersion: mcpwire.ProtocolVersion,
		ClientInfo:      r.client,
	}
	reply, err := r.call(ctx, mcpwire.MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize upstream: %w", err)
	}
	var res mcp.InitializeResult
	if len(reply.Result) > 0 && json.Unmarshal(reply.Result, &res) == nil {
		r.log.Info().Str("server", res.ServerInfo.Name).Str("server_version", res.ServerInfo.Version).Str("protocol", res.ProtocolVersion).Msg("upstream initialized")
	}

	note, err := mcpwire.NewNotification(mcpwire.MethodInitialized, nil)
	if err != nil {
		return err
	}
	if err := r.up.Notify(ctx, note); err != nil {
		r.log.Warn().Err(err).Msg("initialized notification failed")
	}

	if r.unlock == nil {
		return nil
	}
	args := r.unlock.Arguments
	if args == nil {
		args = map[string]any{}
	}
	r.log.Warn().Str("tool", r.unlock.Tool).Msg("calling unlock tool on upstream before serving")
	if _, err := r.call(ctx, mcpwire.MethodToolsCall, mcp.CallToolParams{Name: r.unlock.Tool, Arguments: args}); err != nil {
		return fmt.Errorf("unlock tool %q: %w", r.unlock.Tool, err)
	}
	return nil
}

// call sends a bridge-originated request. An absent reply or a JSON-RPC
// error is a failure.
func (r *Router) call(ctx context.Context, method string, params any) (*mcpwire.Message, error) {
	req, err := mcpwire.NewRequest(r.sess.NextID(), method, params)
	if err != nil {
		return nil, err
	}
	reply, err := r.up.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, errNoResponse
	}
	if reply.Error != nil {
		return nil, fmt.Errorf("upstream error %d: %s", reply.Error.Code, reply.Error.Message)
	}
	return reply, nil
}

// Serve reads newline-delimited messages from in and writes replies to out
// until in is exhausted or ctx is done. Lines that do not parse are dropped.
func (r *Router) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	br := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := br.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if werr := r.serveLine(ctx, line, out); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}
}

func (r *Router) serveLine(ctx context.Context, line []byte, out io.Writer) error {
	msg, err := mcpwire.Parse(line)
	if err != nil {
		metrics.RecordDroppedLine()
		r.log.Debug().Err(err).Int("bytes", len(line)).Msg("dropping unparsable input line")
		return nil
	}
	reply := r.Handle(ctx, msg)
	if reply == nil {
		return nil
	}
	b, err := json.Marshal(reply)
	if err != nil {
		b, _ = json.Marshal(mcpwire.NewError(msg.ID, mcpwire.CodeInternal, err.Error()))
	}
	if _, err := out.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// Handle processes one message from the local peer and returns the reply
// to emit, or nil. Messages without an id and responses from the peer
// never get a reply. Failures and panics become an internal error carrying
// the caller's id.
func (r *Router) Handle(ctx context.Context, msg *mcpwire.Message) (reply *mcpwire.Message) {
	kind := mcpwire.Classify(msg)
	metrics.RecordMessage(kind.String())
	log := r.log.With().Str("kind", kind.String()).Str("method", msg.Method).RawJSON("id", msg.IDOrNull()).Logger()

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("handler panic")
			reply = internalError(msg, fmt.Errorf("internal error: %v", p))
		}
		if !msg.HasID() || kind == mcpwire.KindResponse {
			reply = nil
		}
	}()

	out, err := r.route(ctx, kind, msg)
	if err != nil {
		log.Warn().Err(err).Msg("request failed")
		return internalError(msg, err)
	}
	return out
}

func (r *Router) route(ctx context.Context, kind mcpwire.Kind, msg *mcpwire.Message) (*mcpwire.Message, error) {
	switch kind {
	case mcpwire.KindInitialize:
		return mcpwire.NewResult(msg.ID, mcpwire.InitializeResult())
	case mcpwire.KindInitialized:
		return nil, nil
	case mcpwire.KindToolsList:
		return r.toolsList(ctx, msg)
	case mcpwire.KindToolsCall:
		return r.toolsCall(ctx, msg)
	case mcpwire.KindRequest:
		return r.forward(ctx, msg)
	case mcpwire.KindNotification, mcpwire.KindResponse:
		return nil, r.up.Notify(ctx, msg)
	default:
		return nil, fmt.Errorf("unhandled message kind %s", kind)
	}
}

// forward relays msg under a fresh upstream id and restores the caller's id
// on the reply. Messages without an id are relayed as notifications.
func (r *Router) forward(ctx context.Context, msg *mcpwire.Message) (*mcpwire.Message, error) {
	if !msg.HasID() {
		return nil, r.up.Notify(ctx, msg)
	}
	reply, err := r.up.Send(ctx, msg.WithID(r.sess.NextID()))
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, errNoResponse
	}
	return reply.WithID(msg.ID), nil
}

func (r *Router) toolsList(ctx context.Context, msg *mcpwire.Message) (*mcpwire.Message, error) {
	reply, err := r.forward(ctx, msg)
	if err != nil || reply == nil || reply.Error != nil {
		return reply, err
	}
	result, err := r.filterResult(reply.Result)
	if err != nil {
		return nil, err
	}
	reply.Result = result
	return reply, nil
}

// filterResult rewrites the tools array of a tools/list result and keeps
// every other field.
func (r *Router) filterResult(raw json.RawMessage) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
	}
	var tools []json.RawMessage
	if t, ok := fields["tools"]; ok {
		if err := json.Unmarshal(t, &tools); err != nil {
			return nil, fmt.Errorf("decode tools/list result: %w", err)
		}
	}
	kept := r.filter.Filter(tools)
	r.log.Debug().Int("upstream", len(tools)).Int("visible", len(kept)).Msg("filtered tool list")
	b, err := json.Marshal(kept)
	if err != nil {
		return nil, err
	}
	fields["tools"] = b
	return json.Marshal(fields)
}

func (r *Router) toolsCall(ctx context.Context, msg *mcpwire.Message) (*mcpwire.Message, error) {
	var p struct {
		Name string `json:"name"`
	}
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &p)
	}
	if !r.filter.Allowed(p.Name) {
		metrics.RecordToolRejection()
		r.log.Warn().Str("tool", p.Name).Msg("blocked call to tool outside allow-list")
		return mcpwire.NewError(msg.ID, mcpwire.CodeToolNotAllowed, fmt.Sprintf("Tool '%s' is not allowed by proxy", p.Name)), nil
	}
	r.log.Debug().Str("tool", p.Name).Msg("forwarding tool call")
	return r.forward(ctx, msg)
}

func internalError(msg *mcpwire.Message, err error) *mcpwire.Message {
	if !msg.HasID() {
		return nil
	}
	return mcpwire.NewError(msg.ID, mcpwire.CodeInternal, err.Error())
}
