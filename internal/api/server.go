package api

import (
	"context"
	"strings"

	"ordersync/internal/backend"
	"ordersync/internal/config"
	"ordersync/internal/events"
	"ordersync/internal/reconcile"
	"ordersync/internal/store"
	syncpkg "ordersync/internal/sync"
)

type Server struct {
	Store   store.Store
	Rec     *reconcile.Reconciler
	Broker  events.Broker
	Backend *backend.Client

	// Engine is attached by the caller once constructed; the sync status
	// handler reports disconnected until then.
	Engine *syncpkg.Engine
}

// NewServer wires store, broker and reconciler from config. If DatabaseURL
// is unset, uses the in-memory store.
func NewServer(cfg config.Config) (*Server, error) {
	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(context.Background()); err != nil {
			return nil, err
		}
		s = pg
	}
	var broker events.Broker
	if cfg.RedisURL != "" {
		if rb, err := events.NewRedisBroker(cfg.RedisURL); err == nil {
			broker = rb
		} else {
			broker = events.NewMemoryBroker()
		}
	} else {
		broker = events.NewMemoryBroker()
	}
	srv := &Server{
		Store:  s,
		Rec:    reconcile.New(s, broker),
		Broker: broker,
	}
	if cfg.BackendURL != "" {
		srv.Backend = backend.NewClient(cfg.BackendURL)
	}
	return srv, nil
}
