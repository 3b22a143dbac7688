package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"email-extraction-service/internal/artifact"
	"email-extraction-service/internal/config"
	"email-extraction-service/internal/extract"
	"email-extraction-service/internal/repository/sqlite"
	"email-extraction-service/internal/service"
	"email-extraction-service/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	repo := sqlite.NewJobRepository(db, slog.Default())
	if err := repo.InitSchema(ctx); err != nil {
		log.Fatalf("db schema: %v", err)
	}

	registry, err := extract.Build(cfg.Extractors)
	if err != nil {
		log.Fatalf("extractors: %v", err)
	}

	queue := service.NewStoreQueue(repo, cfg.LivenessDeadline)
	writer := artifact.NewWriter(cfg.OutputsDir)
	processor := worker.NewProcessor(repo, registry, writer, cfg.HeartbeatInterval)
	pool := worker.NewPool(queue, processor, cfg.Workers, cfg.PollInterval)

	// Reaper: returns orphaned running jobs to the queue (or fails them
	// once attempts are spent) when their heartbeat goes stale.
	go func() {
		ticker := time.NewTicker(cfg.ReaperInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				requeued, failed, err := queue.RequeueStale(ctx)
				if err != nil {
					log.Printf("requeue error: %v", err)
					continue
				}
				if requeued > 0 || failed > 0 {
					log.Printf("reaper: requeued=%d failed=%d", requeued, failed)
				}
			}
		}
	}()

	log.Printf("[worker] config workers=%d poll=%s heartbeat=%s liveness=%s max_attempts=%d db=%s outputs=%s",
		cfg.Workers, cfg.PollInterval, cfg.HeartbeatInterval, cfg.LivenessDeadline,
		cfg.MaxAttempts, cfg.DBPath, cfg.OutputsDir,
	)
	pool.Run(ctx)

	log.Println("worker stopped")
}
