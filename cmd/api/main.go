package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"opsgate.org/internal/authz"
	"opsgate.org/internal/httpapi"
	"opsgate.org/internal/obs"
	"opsgate.org/internal/policy"
	"opsgate.org/internal/store/pg"
	"opsgate.org/internal/stream"
	"opsgate.org/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		db       *sql.DB
		tokStore token.Store
	)
	if dsn := os.Getenv("OPSGATE_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db = store.DB()
		tokStore = store
	} else {
		log.Println("OPSGATE_PG_DSN not set, using in-memory token store")
		tokStore = token.NewMemoryStore()
	}

	var issuerOpts []token.IssuerOption
	if raw := os.Getenv("OPSGATE_TOKEN_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			log.Fatalf("invalid OPSGATE_TOKEN_TTL %q", raw)
		}
		issuerOpts = append(issuerOpts, token.WithDefaultTTL(ttl))
	}

	registry := policy.NewRegistry()
	issuer := token.NewIssuer(tokStore, issuerOpts...)
	validator := token.NewValidator(tokStore)
	authorizer, err := authz.NewValidator(registry, validator)
	if err != nil {
		log.Fatalf("build authorizer: %v", err)
	}
	decisions := stream.New()

	rp := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(rp, version, registry, issuer, authorizer, decisions)

	httpAddr := os.Getenv("OPSGATE_HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcAddr := os.Getenv("OPSGATE_GRPC_ADDR")
	if grpcAddr == "" {
		grpcAddr = ":9090"
	}
	grpcSrv, healthSrv := httpapi.NewGRPCServer()
	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Fatalf("listen grpc: %v", err)
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	go httpapi.WatchReadiness(watchCtx, healthSrv, rp, 10*time.Second)

	log.Printf("Starting opsgate-api %s on %s (grpc %s)", version, srv.Addr, grpcAddr)

	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
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
	grpcSrv.GracefulStop()
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
