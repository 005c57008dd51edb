package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/platinummonkey/idhub/pkg/config"
	"github.com/platinummonkey/idhub/pkg/observability"
	"github.com/platinummonkey/idhub/pkg/secrets"
	"github.com/platinummonkey/idhub/pkg/sso"
	"github.com/platinummonkey/idhub/pkg/storage"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	seed := flag.Bool("seed", false, "Insert the demo providers after migrating up")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall timeout")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Database.Driver == "memory" {
		log.Fatalf("Nothing to migrate for the memory driver")
	}
	if *seed && *direction != "up" {
		log.Fatalf("-seed only applies when migrating up")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, dialect, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := storage.Migrate(db, dialect, cfg.Database.URL, *direction); err != nil {
		log.Fatalf("Migration %s failed: %v", *direction, err)
	}
	log.Printf("Migrated %s database %s", dialect, *direction)

	if !*seed {
		return
	}

	key, err := cfg.Secrets.Key()
	if err != nil {
		log.Fatalf("Invalid secrets key: %v", err)
	}
	sealer, err := secrets.New(key)
	if err != nil {
		log.Fatalf("Failed to create sealer: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)
	registry := sso.NewRegistry(
		sso.NewOIDCSQLStore(db, dialect, sealer),
		sso.NewSAMLSQLStore(db, dialect, sealer),
		// Seeded schemes are new, so running servers hold nothing stale.
		sso.NewMultiInvalidator(),
		logger,
		nil,
	)
	n, err := sso.Seed(ctx, registry)
	if err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	log.Printf("Seeded %d providers", n)
}
