package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"puntosclub.org/internal/auth"
	"puntosclub.org/internal/config"
	"puntosclub.org/internal/httpapi"
	"puntosclub.org/internal/obs"
	"puntosclub.org/internal/realtime"
	"puntosclub.org/internal/store/pg"
	"puntosclub.org/internal/syncer"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	// Inicialización de observability (métricas, logger JSON)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	stream := realtime.New()

	store, err := pg.Open(cfg.DatabaseURL, stream)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	authSvc, err := auth.NewService(auth.NewPGStore(store.DB()), cfg.AuthSecret,
		auth.WithIssuer(cfg.AuthIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	authClient := auth.NewClient(authSvc)

	sync := syncer.New(authClient, store, store, store, store, stream, syncer.Config{
		SessionTimeout: cfg.SessionTimeout,
		ResolveTimeout: cfg.ResolveTimeout,
	})
	sync.Initialize(context.Background())
	defer sync.Close()

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB()}, version, sync, authSvc, stream)

	handler := httpapi.MaxBodyBytes(api.Handler(), 1<<20)
	handler = httpapi.RateLimit(handler, cfg.RateLimitBurst, cfg.RateLimitRPS)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // SSE necesita escrituras largas
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting puntosclub-api %s on %s", version, srv.Addr)

	// graceful shutdown
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
	stream.CloseAll()
	log.Println("Stopped")
}
