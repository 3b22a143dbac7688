package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	_ "email-extraction-service/docs"
	"email-extraction-service/internal/config"
	"email-extraction-service/internal/repository/sqlite"
	"email-extraction-service/internal/service"
	httptransport "email-extraction-service/internal/transport/http"
	"email-extraction-service/internal/websocket"
)

// @title Email Extraction Service API
// @version 1.0
// @description Upload documents, queue extraction jobs and download the resulting address workbooks.
// @BasePath /
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		log.Fatalf("uploads dir: %v", err)
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

	jobSvc := service.NewJobService(repo, cfg.UploadsDir, cfg.MaxAttempts)
	wsManager := websocket.NewManager(repo, 2*time.Second)
	go wsManager.Run(ctx)

	h := httptransport.NewHandler(jobSvc, wsManager, cfg.UploadsDir)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httptransport.Routes(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[gateway] listening addr=%s db=%s uploads=%s", cfg.HTTPAddr, cfg.DBPath, cfg.UploadsDir)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http: %v", err)
	}
	log.Println("gateway stopped")
}
