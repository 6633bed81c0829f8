package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewServer builds the admin HTTP surface (spec's D3 Metrics & Admin HTTP):
// a Prometheus scrape endpoint and a liveness probe, routed with chi the way
// kadirpekel-hector's pkg/transport wires its own middleware chain, minus
// that package's OpenTelemetry span middleware. mount, if non-nil, is called
// with the router so a caller can register additional routes (e.g. the
// event-stream websocket endpoint) on the same listener.
func NewServer(addr string, m *Metrics, mount func(chi.Router)) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())
	if mount != nil {
		mount(r)
	}

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Serve starts the admin server and blocks until ctx is canceled, then
// shuts it down gracefully.
func Serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
