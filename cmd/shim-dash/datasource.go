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
)

// Data is one refresh of the dashboard.
type Data struct {
	Snapshot *coordinator.Snapshot `json:"snapshot"`
	Events   []eventlog.Event      `json:"events"` // newest first
}

// fetchFunc loads fresh dashboard data.
type fetchFunc func(context.Context) (Data, error)

// source reads dashboard data from the state database. The coordinator it
// holds is only used for read-side views and never publishes.
type source struct {
	db         *sql.DB
	coord      *coordinator.Coordinator
	events     *eventlog.Reader
	eventLimit int
}

func openSource(ctx context.Context, home string, eventLimit int) (*source, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := statestore.OpenDB(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	store := statestore.New(db)
	reg := registry.New(store, cfg.HeartbeatTimeout.Std())
	coord, err := coordinator.New(cfg.Coordinator(), store, lock.New(db), reg, bus.Discard,
		coordinator.WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &source{
		db:         db,
		coord:      coord,
		events:     eventlog.NewReaderDB(db),
		eventLimit: eventLimit,
	}, nil
}

// Fetch implements fetchFunc.
func (s *source) Fetch(ctx context.Context) (Data, error) {
	snap, err := s.coord.Snapshot(ctx)
	if err != nil {
		return Data{}, err
	}
	events, err := s.events.Query(ctx, eventlog.QueryOpts{Limit: s.eventLimit})
	if err != nil {
		return Data{}, err
	}
	return Data{Snapshot: snap, Events: events}, nil
}

func (s *source) Close() error {
	return s.db.Close()
}

// robotMode writes one JSON snapshot for scripts and agents.
func robotMode(ctx context.Context, w io.Writer, fetch fetchFunc) error {
	data, err := fetch(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return nil
}
