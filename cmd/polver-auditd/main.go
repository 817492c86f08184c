package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/polver/polver/core/infra/buildinfo"
	"github.com/polver/polver/core/infra/bus"
	"github.com/polver/polver/core/infra/config"
	"github.com/polver/polver/core/infra/redisutil"
	"github.com/polver/polver/core/versioning/audittrail"
)

func main() {
	log.Println("polver audit trail starting...")
	buildinfo.Log("polver-auditd")

	cfg := config.Load()

	client, err := redisutil.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer client.Close()

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	defer natsBus.Close()

	archiver := audittrail.NewArchiver(client)
	if err := natsBus.Subscribe(bus.SubjectAuditPrefix+">", "audit-trail", archiver.Handle); err != nil {
		log.Fatalf("failed to subscribe to audit subjects: %v", err)
	}

	log.Println("archiving audit events. waiting for signals...")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("audit trail shutting down")
}
