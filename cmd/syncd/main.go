package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ordersync/internal/api"
	"ordersync/internal/backend"
	"ordersync/internal/config"
	"ordersync/internal/metrics"
	syncpkg "ordersync/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	srvDeps, err := api.NewServer(cfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	metrics.RegisterDefault()

	// Sync engine over the push transport
	var engine *syncpkg.Engine
	if cfg.PushURL != "" {
		policy := syncpkg.ReconnectPolicy{
			Base:       cfg.BackoffBase(),
			Cap:        cfg.BackoffCap(),
			MaxRetries: cfg.Backoff.MaxRetries,
			Jitter:     cfg.Backoff.Jitter,
		}
		engine = syncpkg.NewEngine(syncpkg.NewWSChannel(cfg.PushURL), policy, srvDeps.Rec)
		srvDeps.Engine = engine
		engine.Start(context.Background())
	} else {
		log.Printf("PUSH_URL not set, running on poll fallback only")
	}

	// Poll fallback runs unconditionally as the consistency backstop
	var poller *syncpkg.Poller
	if cfg.BackendURL != "" {
		poller = syncpkg.NewPoller(backend.NewClient(cfg.BackendURL), srvDeps.Rec, cfg.PollInterval())
		poller.Start()
	} else {
		log.Printf("BACKEND_URL not set, poll fallback disabled")
	}

	mux := http.NewServeMux()

	// Orders
	mux.HandleFunc("/v1/orders", srvDeps.OrdersHandler)
	mux.HandleFunc("/v1/orders/", srvDeps.OrderByIDHandler) // includes /transition, /fulfillment, /events/stream

	// Sync status
	mux.HandleFunc("/v1/sync/status", srvDeps.SyncStatusHandler)

	// Change-event WebSocket stream
	mux.HandleFunc("/v1/ws", srvDeps.WSHandler)

	// Health
	mux.HandleFunc("/healthz", srvDeps.HealthHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyHandler)

	// Metrics
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	addr := cfg.ListenAddr
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("syncd listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-stop:
		log.Printf("received %s, shutting down", sig)
	}

	if engine != nil {
		engine.Stop()
	}
	if poller != nil {
		poller.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		dur := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, dur)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps the SSE stream working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
