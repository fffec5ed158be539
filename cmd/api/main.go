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

	"custodia.org/internal/auth"
	"custodia.org/internal/config"
	"custodia.org/internal/docs"
	"custodia.org/internal/grants"
	"custodia.org/internal/httpapi"
	"custodia.org/internal/mfa"
	"custodia.org/internal/obs"
	"custodia.org/internal/prooflogin"
	"custodia.org/internal/sessionstore"
	"custodia.org/internal/signedlink"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.VerifierBaseURL == "" {
		log.Fatal("config: CUSTODIA_VERIFIER_URL must be set")
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	sessions, err := auth.NewSessions(cfg.SessionSecret, auth.WithSessionTTL(cfg.SessionDuration()))
	if err != nil {
		log.Fatalf("sessions: %v", err)
	}
	links, err := signedlink.NewAuthority(cfg.LinkSecret)
	if err != nil {
		log.Fatalf("signed links: %v", err)
	}
	verifier, err := prooflogin.NewClient(cfg.VerifierBaseURL)
	if err != nil {
		log.Fatalf("verifier client: %v", err)
	}

	// The registry/storage/ledger trio is an external boundary; until its
	// adapters land the in-process registry stands in.
	registry := docs.NewMemoryRegistry()

	var accounts auth.AccountStore
	var grantLedger grants.Service
	if db != nil {
		accounts = auth.NewPGStore(db)
		grantLedger = grants.NewPGStore(db, registry)
	} else {
		log.Print("no CUSTODIA_PG_DSN configured, using in-memory stores")
		accounts = auth.NewMemoryStore()
		grantLedger = grants.NewInMemory(registry)
	}

	bindings := sessionstore.NewMemory()
	flow := prooflogin.NewFlow(accounts, sessions, bindings, verifier, cfg.RedirectURL)
	enrollment := mfa.NewEnrollment(accounts, bindings, cfg.TOTPIssuer)

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(httpapi.Deps{
		Accounts:   accounts,
		Sessions:   sessions,
		Flow:       flow,
		Grants:     grantLedger,
		Links:      links,
		Registry:   registry,
		Opener:     registry,
		Tracer:     registry,
		MFA:        enrollment,
		Bindings:   bindings,
		ReadyProbe: probe,
		Version:    version,
		LinkTTL:    cfg.LinkDuration(),
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSec,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var ops *httpapi.OpsServer
	if cfg.OpsGRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.OpsGRPCAddr)
		if err != nil {
			log.Fatalf("ops listen: %v", err)
		}
		ops = httpapi.NewOpsServer(probe)
		go func() {
			log.Printf("Starting ops gRPC on %s", cfg.OpsGRPCAddr)
			if err := ops.Serve(lis); err != nil {
				log.Printf("ops serve: %v", err)
			}
		}()
	}

	log.Printf("Starting custodia-api %s on %s", version, srv.Addr)

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
	if ops != nil {
		ops.Stop()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
