package bridge

import (
	"context"
	"io"

	"github.com/gaspardpetit/toolgate/internal/config"
	"github.com/gaspardpetit/toolgate/internal/logx"
	"github.com/gaspardpetit/toolgate/internal/mcpwire"
	"github.com/gaspardpetit/toolgate/internal/metrics"
	"github.com/gaspardpetit/toolgate/internal/session"
	"github.com/gaspardpetit/toolgate/internal/toolfilter"
	"github.com/gaspardpetit/toolgate/internal/upstream"
)

// Run builds a bridge from cfg, performs the upstream bootstrap and serves
// in until it is exhausted or ctx is canceled. Bootstrap failures are
// returned before anything is read from in.
func Run(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer) error {
	sess := session.New()
	client, err := upstream.New(upstream.Options{
		URL:     cfg.UpstreamURL,
		Headers: cfg.Headers,
		Timeout: cfg.RequestTimeout,
	}, sess)
	if err != nil {
		return err
	}
	filter := toolfilter.New(cfg.AllowedTools)

	if cfg.MetricsAddr != "" {
		addr, err := metrics.StartServer(ctx, cfg.MetricsAddr, func() metrics.Status {
			return metrics.Status{
				Upstream:           client.URL(),
				SessionEstablished: sess.Token() != "",
				AllowedTools:       filter.Names(),
			}
		})
		if err != nil {
			return err
		}
		logx.Log.Info().Str("addr", addr).Msg("metrics server started")
	}

	opts := []Option{WithClientInfo(cfg.ClientName, mcpwire.ServerVersion)}
	if cfg.Unlock.Enabled {
		opts = append(opts, WithUnlock(UnlockStep{Tool: cfg.Unlock.Tool, Arguments: cfg.Unlock.Arguments}))
	}
	router := New(client, filter, sess, opts...)

	logx.Log.Info().Str("upstream", client.URL()).Strs("allowed_tools", filter.Names()).Str("instance", metrics.InstanceID()).Msg("starting bridge")
	if filter.Len() == 0 {
		logx.Log.Warn().Msg("allow-list is empty; no tools will be visible")
	}
	if err := router.Bootstrap(ctx); err != nil {
		return err
	}
	logx.Log.Info().Msg("upstream ready; serving stdio")
	return router.Serve(ctx, in, out)
}
