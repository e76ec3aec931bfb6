package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"shim/pkg/bus"
	"shim/pkg/config"
	"shim/pkg/coordinator"
	"shim/pkg/eventlog"
	"shim/pkg/lock"
	"shim/pkg/registry"
	"shim/pkg/statestore"

	"github.com/spf13/cobra"
)

// app is the wired coordinator stack on one state database. Every command
// that touches shared state opens one; each process is an equal peer.
type app struct {
	cfg      *config.Config
	db       *sql.DB
	store    *statestore.Store
	locks    *lock.Locker
	registry *registry.Registry
	coord    *coordinator.Coordinator
	logger   *log.Logger
}

// openApp loads configuration, opens the state database and builds the
// coordinator. Events are always journaled; extra publishers receive them
// too.
func openApp(cmd *cobra.Command, opts *rootOptions, extra ...bus.Publisher) (*app, error) {
	cfg, err := config.Load(opts.home)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := statestore.OpenDB(cmd.Context(), cfg.DBPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cmd)
	store := statestore.New(db)
	locks := lock.New(db)
	reg := registry.New(store, cfg.HeartbeatTimeout.Std())
	pub := append(bus.Tee{eventlog.NewRecorder(db)}, extra...)

	coord, err := coordinator.New(cfg.Coordinator(), store, locks, reg, pub, coordinator.WithLogger(logger))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &app{
		cfg:      cfg,
		db:       db,
		store:    store,
		locks:    locks,
		registry: reg,
		coord:    coord,
		logger:   logger,
	}, nil
}

func newLogger(cmd *cobra.Command) *log.Logger {
	return log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
}

func (a *app) Close() error {
	return a.db.Close()
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, *app) error) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return fn(cmd.Context(), a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
