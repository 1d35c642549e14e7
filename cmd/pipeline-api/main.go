package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"datagen-pipeline/internal/api"
	"datagen-pipeline/internal/api/handler"
	"datagen-pipeline/internal/builtins"
	"datagen-pipeline/internal/operator"
	"datagen-pipeline/internal/store"
	"datagen-pipeline/pkg/logging"
	"datagen-pipeline/pkg/router"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "pipeline.db", "registry database path")
	resultsDir := flag.String("results-dir", "tmp/results", "default results directory for new runs")
	flag.Parse()

	if err := store.InitDB(*dbPath); err != nil {
		log.Fatalf("failed to init registry db: %v", err)
	}

	reg := operator.NewRegistry()
	reg.Register("uppercase", func(extra map[string]any) (any, error) {
		return builtins.UppercaseOperator{}, nil
	})
	reg.Register("timestamp", func(extra map[string]any) (any, error) {
		return builtins.TimestampOperator{}, nil
	})
	reg.Register("split_field", builtins.NewSplitFieldOperator)
	handler.Init(reg, *resultsDir)

	r := router.New()
	api.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    *addr,
		Handler: r.Handler(),
	}

	go func() {
		logging.Infof("🚀 pipeline-api listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logging.Warnf("shutting down, draining in-flight requests...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Errorf("graceful shutdown failed: %v", err)
	}
}
