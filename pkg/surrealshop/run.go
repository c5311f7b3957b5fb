package surrealshop

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/surrealdb/surrealshop/pkg/entity"
	"github.com/surrealdb/surrealshop/pkg/eventbus"
	"github.com/surrealdb/surrealshop/pkg/models"
)

const shutdownTimeout = 5 * time.Second

// SyncReport is the outcome of one Sync pass for one kind.
type SyncReport struct {
	Kind      models.Kind `json:"kind"`
	Refreshed int         `json:"refreshed"`
	Pushed    int         `json:"pushed"`
	Error     string      `json:"error,omitempty"`
}

// Sync brings every kind in line with the remote store: newer remote values
// are pulled first, then local edits the remote lacks are written back along
// with every entity whose earlier sync failed.
func (a *App) Sync(ctx context.Context) []SyncReport {
	reports := make([]SyncReport, 0, len(a.collections))
	for _, kind := range models.Kinds() {
		c := a.collections[kind]
		report := SyncReport{Kind: kind}
		var errs []error
		n, err := c.Refresh(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		report.Refreshed = n
		if report.Pushed, err = c.Reconcile(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := c.Resync(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			report.Error = err.Error()
		}
		reports = append(reports, report)
	}
	return reports
}

// Serve runs the HTTP API until ctx is done. It also keeps every repository
// subscribed, so storage, broadcast and remote changes are merged into the
// local cache as they happen, and resyncs periodically.
func (a *App) Serve(ctx context.Context) error {
	addr := net.JoinHostPort("", a.config.ServerPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return a.ServeListener(ctx, listener)
}

// ServeListener is Serve on an existing listener.
func (a *App) ServeListener(ctx context.Context, listener net.Listener) error {
	unwatch := a.watch()
	defer unwatch()

	server := &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("serving", "addr", listener.Addr().String(), "tab", a.tab)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.syncLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *App) syncLoop(ctx context.Context) {
	if !a.adapter.Available() || a.config.ResyncInterval <= 0 {
		return
	}
	a.logSync(a.Sync(ctx))

	ticker := time.NewTicker(a.config.ResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.logSync(a.Sync(ctx))
		}
	}
}

func (a *App) logSync(reports []SyncReport) {
	for _, r := range reports {
		if r.Error != "" {
			a.log.Warn("sync pass incomplete", "kind", r.Kind, "error", r.Error)
			continue
		}
		if r.Refreshed > 0 || r.Pushed > 0 {
			a.log.Info("synced with remote", "kind", r.Kind, "pulled", r.Refreshed, "pushed", r.Pushed)
		}
	}
}

// watch subscribes to every kind and to admin notices for the lifetime of a
// server.
func (a *App) watch() func() {
	var stops []func()
	for _, kind := range models.Kinds() {
		stops = append(stops, a.collections[kind].Subscribe(func(id string, removed bool, source entity.Source) {
			a.log.Debug("entity changed", "kind", kind, "id", id, "removed", removed, "source", source)
		}))
	}
	notices := a.bus.Subscribe(eventbus.EventAdminNotice, func(data any) {
		n, ok := data.(eventbus.Notice)
		if !ok {
			return
		}
		if n.Level == "error" {
			a.log.Error("admin notice", "message", n.Message)
			return
		}
		a.log.Warn("admin notice", "level", n.Level, "message", n.Message)
	})
	return func() {
		notices.Unsubscribe()
		for _, stop := range stops {
			stop()
		}
	}
}

// StatusReport lists the sync status of every tracked entity by kind.
func (a *App) StatusReport() map[models.Kind]map[string]entity.SyncStatus {
	out := make(map[models.Kind]map[string]entity.SyncStatus, len(a.collections))
	for kind, c := range a.collections {
		out[kind] = c.Statuses()
	}
	return out
}
