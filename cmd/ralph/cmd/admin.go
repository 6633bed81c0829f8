package cmd

import (
	"context"
	"fmt"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/ralph-run/ralph/internal/engine"
	"github.com/ralph-run/ralph/internal/eventstream"
	"github.com/ralph-run/ralph/internal/metrics"
	"github.com/ralph-run/ralph/internal/term"
)

// admin bundles the metrics registry and event-stream hub a run optionally
// exposes over HTTP (spec's D3 Metrics & Admin HTTP, and the event-stream
// transport alongside it). A nil *admin is valid; its listener is a no-op.
type admin struct {
	metrics *metrics.Metrics
	hub     *eventstream.Hub
}

// startAdmin reads --metrics-addr and, if set, brings up the metrics
// registry, the event-stream hub, and an HTTP server exposing both. It
// returns the admin bundle (to register as an engine.Listener) and a
// shutdown func; both are safe to use even when disabled.
func startAdmin(ctx context.Context, cmd *cobra.Command) (*admin, func()) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		return nil, func() {}
	}

	a := &admin{metrics: metrics.New(), hub: eventstream.NewHub()}

	hubCtx, cancel := context.WithCancel(ctx)
	go a.hub.Run(hubCtx)

	srv := metrics.NewServer(addr, a.metrics, func(r chi.Router) {
		r.Get("/events", a.hub.ServeHTTP)
	})
	go func() {
		if err := metrics.Serve(hubCtx, srv); err != nil {
			fmt.Printf("%s %v\n", term.Red("admin server:"), err)
		}
	}()

	fmt.Printf("%s listening on %s (/metrics, /healthz, /events)\n", term.Bold("ralph admin:"), addr)
	return a, cancel
}

// Listen registers the admin bundle's observers against eng, returning an
// unsubscribe func. Safe to call on a nil *admin.
func (a *admin) Listen(eng *engine.Engine) func() {
	if a == nil {
		return func() {}
	}
	unMetrics := eng.Listen(a.metrics.Observer)
	unHub := eng.Listen(a.hub.Observer)
	return func() {
		unMetrics()
		unHub()
	}
}

// Forward relays an executor-style (name, payload) event into the same
// admin observers, for commands (like parallel) whose event source isn't
// an engine.Listener.
func (a *admin) Forward(name string, payload map[string]any) {
	if a == nil {
		return
	}
	ev := engine.Event{Name: name, Payload: payload}
	a.metrics.Observer(ev)
	a.hub.Observer(ev)
}

// RecordMergeOutcome relays one branch's merge outcome to the metrics
// registry. Safe to call on a nil *admin.
func (a *admin) RecordMergeOutcome(outcome string) {
	if a == nil {
		return
	}
	a.metrics.RecordMergeOutcome(outcome)
}
