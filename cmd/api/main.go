package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foodrescue.org/internal/coord"
	"foodrescue.org/internal/donation"
	"foodrescue.org/internal/geo"
	"foodrescue.org/internal/httpapi"
	"foodrescue.org/internal/hub"
	"foodrescue.org/internal/obs"
	"foodrescue.org/internal/store/pg"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("RESCUE_COMMIT"))

	// Durable store when a DSN is configured, in-memory otherwise.
	var (
		store donation.Service
		db    *sql.DB
	)
	if dsn := os.Getenv("RESCUE_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		store = donation.NewInMemory()
	}

	events := hub.New(hub.Config{})
	stopHub := events.Start()

	c := coord.New(store, geo.NewIndex(), events)

	// Warm the spatial index before accepting traffic.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := c.Reconcile(bootCtx); err != nil {
		log.Fatalf("initial reconcile: %v", err)
	}
	bootCancel()

	stopCoord := c.Start(30*time.Second, 5*time.Minute)

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, c, events)

	addr := os.Getenv("RESCUE_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// SSE connections outlive any sane write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting foodrescue-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	stopCoord()
	stopHub()
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
