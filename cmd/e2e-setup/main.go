package main

import (
	"context"
	"flag"
	"log"
	"os"

	"crm-enrichment/internal/config"
	"crm-enrichment/internal/infra/db/postgres"
	"crm-enrichment/internal/infra/logging"
	"crm-enrichment/internal/infra/redis"
)

// This script puts Postgres and Redis into a clean, predictable state
// for manual end-to-end testing against the mock backend.
func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	schema := flag.String("schema", "deploy/postgres/init.sql", "schema file applied before wiping")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadConfig(*cfgPath, true)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	logger := logging.New(config.LogConfig{Level: "warn", Format: "console"}, true)

	log.Println("--- Starting E2E Environment Setup ---")

	if cfg.Redis.URL != "" {
		redisClient, err := redis.NewClient(ctx, &cfg.Redis, logger)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisClient.Close()

		log.Println("[1/3] Wiping tracker snapshots, history cache and rate limits...")
		n, err := redisClient.DeleteByPattern(ctx, "tracker:*", "history:*", "job_record:*", "rate_limit:*")
		if err != nil {
			log.Fatalf("failed to wipe redis: %v", err)
		}
		log.Printf("      removed %d keys", n)
	} else {
		log.Println("[1/3] Redis not configured, skipping")
	}

	if cfg.Database.URL == "" {
		log.Println("[2/3] Database not configured, skipping")
		log.Println("--- E2E Environment Setup Complete ---")
		return
	}
	pool, err := postgres.Connect(ctx, &cfg.Database, logger)
	if err != nil {
		log.Fatalf("postgres connection failed: %v", err)
	}
	defer pool.Close()

	log.Println("[2/3] Applying schema...")
	ddl, err := os.ReadFile(*schema)
	if err != nil {
		log.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(ddl)); err != nil {
		log.Fatalf("apply schema: %v", err)
	}

	log.Println("[3/3] Wiping job history...")
	if _, err := pool.Exec(ctx, `TRUNCATE enrichment_jobs;`); err != nil {
		log.Fatalf("failed to truncate tables: %v", err)
	}

	log.Println("--- E2E Environment Setup Complete ---")
}
