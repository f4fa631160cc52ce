package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridsentry/derms/controller/ingest"
	"github.com/gridsentry/derms/controller/safety"
	"github.com/gridsentry/derms/controller/store"
	"github.com/gridsentry/derms/controller/stream"
	"github.com/gridsentry/derms/controller/transport"
)

func main() {
	policy := safety.FromEnv()

	// Storage backend: Postgres when DATABASE_URL is set, in-memory otherwise.
	// STORE_BACKEND=memory forces the dev backend either way.
	var st store.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && os.Getenv("STORE_BACKEND") != "memory" {
		pg, err := store.NewPostgresStore(context.Background(), dsn)
		if err != nil {
			log.Fatalf("postgres connect failed: %v", err)
		}
		st = pg
		log.Printf("connected to postgres")
	} else {
		st = store.NewMemoryStore()
		log.Printf("DATABASE_URL not set, using in-memory store (non-durable)")
	}

	// Optional Redis dedupe fast path.
	var dedupe *store.RedisDedupe
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		d, err := store.NewRedisDedupe(addr, os.Getenv("REDIS_PASSWORD"), 0, 24*time.Hour)
		if err != nil {
			log.Printf("redis dedupe unavailable, falling back to db constraint: %v", err)
		} else {
			dedupe = d
			log.Printf("redis dedupe connected at %s", addr)
		}
	}

	state := safety.NewState(policy)
	ready := safety.NewReadiness()

	handler := ingest.New(st, dedupe, policy)
	if os.Getenv("CONTRACT_MODE") == "lenient" {
		handler.SetLenient()
	}
	handler.Start()

	busCfg := transport.ConfigFromEnv()
	bus := transport.New(busCfg, policy, state, ready, handler)
	bus.Start()

	hub := stream.NewHub()
	loop := NewLoop(st, bus, policy, state, ready, hub)
	health := NewHealth(loop, st, handler, bus, state, policy)
	monitor := NewMonitor(handler, health, policy, os.Getenv("ALERT_WEBHOOK_URL"))

	ctx, cancel := context.WithCancel(context.Background())

	// Readiness: the db bit flips on first successful ping and is re-checked
	// periodically alongside the monitor.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			pingCtx, pingCancel := context.WithTimeout(ctx, policy.DBQueryTimeout)
			err := st.Ping(pingCtx)
			pingCancel()
			if err != nil {
				ready.SetDBReady(false, err.Error())
			} else {
				ready.SetDBReady(true, "")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	go hub.Run(ctx)
	monitor.Start(ctx)

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.Handle("/health", health)
	mux.HandleFunc("/debug/controller", health.Debug)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws/decisions", hub)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		log.Printf("controller listening on :%s (interval %v, allocator %s)",
			port, policy.ControlInterval, policy.AllocationMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutdown requested")

	// Shutdown order: stop the cycle timer, wait out the in-flight cycle,
	// drain the telemetry queue, close the bus, then the store.
	cancel()
	select {
	case <-loopDone:
	case <-time.After(policy.ShutdownGrace):
		log.Printf("cycle did not finish within %v, continuing shutdown", policy.ShutdownGrace)
	}

	handler.Stop()
	bus.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	server.Shutdown(shutdownCtx)
	shutdownCancel()

	if dedupe != nil {
		dedupe.Close()
	}
	st.Close()
	log.Printf("controller stopped")
}
