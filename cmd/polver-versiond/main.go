package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/polver/polver/core/infra/buildinfo"
	"github.com/polver/polver/core/infra/bus"
	"github.com/polver/polver/core/infra/config"
	"github.com/polver/polver/core/infra/locks"
	infraMetrics "github.com/polver/polver/core/infra/metrics"
	"github.com/polver/polver/core/infra/redisutil"
	"github.com/polver/polver/core/infra/schema"
	"github.com/polver/polver/core/versioning"
	"github.com/polver/polver/core/versioning/branch"
	"github.com/polver/polver/core/versioning/httpapi"
	"github.com/polver/polver/core/versioning/store"
	"github.com/polver/polver/core/versioning/workflow"
)

func main() {
	log.Println("polver versioning service starting...")
	buildinfo.Log("polver-versiond")

	cfg := config.Load()

	client, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer client.Close()

	branchConfigs, err := branch.LoadConfigs(cfg.BranchConfigPath)
	if err != nil {
		log.Fatalf("failed to load branch config (%s): %v", cfg.BranchConfigPath, err)
	}
	log.Printf("loaded %d branch configs (%s)", len(branchConfigs), cfg.BranchConfigPath)

	var publisher versioning.Publisher
	if cfg.AuditDisabled {
		log.Println("audit publishing disabled, events logged only")
	} else {
		natsBus, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			log.Printf("audit degraded to log-only, NATS unavailable: %v", err)
		} else {
			defer natsBus.Close()
			publisher = natsBus
		}
	}

	metrics := infraMetrics.NewProm("polver")

	st := store.NewRedisStore(client)
	branches := branch.NewManager(st, locks.NewRedisStore(client), branchConfigs, cfg.LockTTL)
	validator := workflow.NewSchemaValidator(schema.NewRegistry(client), branches, nil)
	svc := versioning.NewService(st, branches, validator, versioning.NewAuditSink(publisher), metrics)

	mux := http.NewServeMux()
	httpapi.New(svc).Register(mux)
	mux.Handle("/metrics", infraMetrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("serving /metrics and /healthz on %s", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	log.Println("versioning service running. waiting for signals...")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("versioning service shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
}
