// Command repair rewrites legacy post and comment authors into user
// references. It is safe to run repeatedly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inkwell/api/internal/config"
	"inkwell/api/internal/repair"
	"inkwell/api/internal/store"
)

func main() {
	cfg := config.Load()
	batch := flag.Int("batch", cfg.RepairBatchSize, "posts per page")
	dryRun := flag.Bool("dry-run", false, "report what would change without writing")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	db, err := store.Open(openCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	report, runErr := repair.NewJob(store.NewPostgresStore(db), repair.Options{BatchSize: *batch, DryRun: *dryRun}).Run(ctx)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		log.Printf("write report: %v", err)
	}
	if runErr != nil {
		log.Printf("repair aborted: %v", runErr)
		db.Close()
		os.Exit(1)
	}
}
