package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"fieldcore/internal/blob"
	"fieldcore/internal/config"
	"fieldcore/internal/core"
	"fieldcore/internal/infra/remote/postgres"
	enginesync "fieldcore/internal/sync"
	"fieldcore/pkg/domain"
)

// engine bundles a constructed service with the resources it owns so
// commands can release everything with one call.
type engine struct {
	svc    *core.Service
	cfg    config.Config
	closes []func() error
}

func (e *engine) close(ctx context.Context) error {
	var first error
	if err := e.svc.Shutdown(ctx); err != nil {
		first = err
	}
	for i := len(e.closes) - 1; i >= 0; i-- {
		if err := e.closes[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openEngine loads configuration and wires a service for one command
// invocation. withRemote selects whether the hosted system of record must be
// reachable; inspection-only commands run fully offline.
func openEngine(ctx context.Context, opts *RootOptions, formatter *OutputFormatter, withRemote bool) (*engine, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg}

	store, err := core.OpenLocalStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	e.closes = append(e.closes, store.Close)
	formatter.Verbosef("opened %s store", cfg.Storage.Driver)

	var remote enginesync.RemoteStore = unavailableRemote{}
	if withRemote {
		if cfg.Remote.DSN == "" {
			_ = e.closeStores()
			return nil, fmt.Errorf("remote dsn not configured (set remote.dsn or FIELDCORE_REMOTE_DSN)")
		}
		pg, err := postgres.NewStore(ctx, cfg.Remote.DSN)
		if err != nil {
			_ = e.closeStores()
			return nil, fmt.Errorf("connect remote: %w", err)
		}
		e.closes = append(e.closes, pg.Close)
		remote = pg
	}

	exports, err := blob.OpenDriver(ctx, blob.Driver(cfg.Blob.Driver), cfg.Blob.FSRoot)
	if err != nil {
		_ = e.closeStores()
		return nil, err
	}

	svcOpts := []core.Option{core.WithExportStore(exports)}
	if opts.Verbose {
		logger := slog.New(slog.NewTextHandler(formatter.ErrWriter, nil))
		svcOpts = append(svcOpts, core.WithLogger(slogLogger{logger}))
	}
	e.svc = core.NewService(store, remote, enginesync.Config{
		BaseDelay:    cfg.Sync.BaseDelay,
		MaxDelay:     cfg.Sync.MaxDelay,
		RetryCeiling: cfg.Sync.RetryCeiling,
		Workers:      cfg.Sync.Workers,
	}, svcOpts...)
	return e, nil
}

// slogLogger adapts slog to the engine's printf-style logging surface.
type slogLogger struct {
	l *slog.Logger
}

func (s slogLogger) Logf(format string, args ...any) {
	s.l.Info(fmt.Sprintf(format, args...))
}

func (e *engine) closeStores() error {
	var first error
	for i := len(e.closes) - 1; i >= 0; i-- {
		if err := e.closes[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// unavailableRemote backs offline-only commands. Any drain attempt fails
// transiently, leaving the action log untouched.
type unavailableRemote struct{}

func (unavailableRemote) CreateRecord(context.Context, domain.Collection, json.RawMessage, string) (string, error) {
	return "", enginesync.Transient(fmt.Errorf("remote not configured"))
}

func (unavailableRemote) UpdateRecord(context.Context, domain.Collection, string, json.RawMessage) error {
	return enginesync.Transient(fmt.Errorf("remote not configured"))
}

func (unavailableRemote) DeleteRecord(context.Context, domain.Collection, string) error {
	return enginesync.Transient(fmt.Errorf("remote not configured"))
}
