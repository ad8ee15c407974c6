package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the payload served on /status.
type Status struct {
	InstanceID         string   `json:"instance_id"`
	Upstream           string   `json:"upstream"`
	SessionEstablished bool     `json:"session_established"`
	AllowedTools       []string `json:"allowed_tools"`
	UptimeSeconds      float64  `json:"uptime_seconds"`
}

// StatusFunc reports the current bridge state.
type StatusFunc func() Status

// NewRouter builds the handler for the metrics listener.
func NewRouter(status StatusFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		var st Status
		if status != nil {
			st = status()
		}
		st.InstanceID = instanceID
		st.UptimeSeconds = time.Since(startedAt).Seconds()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	})
	return r
}

// StartServer serves /metrics, /healthz and /status on addr until ctx is
// done. It returns the resolved listen address.
func StartServer(ctx context.Context, addr string, status StatusFunc) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{Handler: NewRouter(status), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()
	go func() { _ = srv.Serve(ln) }()
	return ln.Addr().String(), nil
}
