package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"datagen-pipeline/internal/builtins"
	"datagen-pipeline/internal/config"
	"datagen-pipeline/internal/operator"
	"datagen-pipeline/internal/pipeline"
	"datagen-pipeline/pkg/logging"
)

func main() {
	configPath := flag.String("config", "pipeline.json", "path to pipeline job spec")
	resume := flag.String("resume", "", "pipeline ID to resume instead of creating a new run")
	dryRun := flag.Bool("dry-run", false, "validate config and exit")
	flag.Parse()

	registry := defaultRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logging.Warnf("received signal %v, canceling running nodes...", sig)
		cancel()
	}()

	if *resume != "" {
		pl, err := pipeline.Resume("tmp/results", *resume, registry, pipeline.Hooks{OnLog: logHook})
		if err != nil {
			log.Fatalf("failed to resume pipeline %s: %v", *resume, err)
		}
		if err := pipeline.RunWithRetry(ctx, pl, registry, pipeline.Hooks{OnLog: logHook}, nil); err != nil {
			log.Fatalf("pipeline %s failed: %v", *resume, err)
		}
		logging.Infof("pipeline %s completed", *resume)
		return
	}

	spec, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.Infof("loaded pipeline config with %d nodes, streaming=%v", len(spec.Nodes), spec.Streaming)

	if *dryRun {
		fmt.Println("config validation passed.")
		os.Exit(0)
	}

	pl, err := pipeline.Create(*spec, registry, pipeline.Hooks{OnLog: logHook})
	if err != nil {
		log.Fatalf("failed to create pipeline: %v", err)
	}

	if err := pipeline.RunWithRetry(ctx, pl, registry, pipeline.Hooks{OnLog: logHook}, nil); err != nil {
		log.Fatalf("pipeline %s failed: %v", pl.ID, err)
	}
	logging.Infof("pipeline %s completed", pl.ID)
}

func logHook(nodeID, level, msg string) {
	logging.NodeEvent(nodeID, level, msg)
}

// defaultRegistry wires the example operators shipped in internal/builtins.
// Real deployments register their own domain operators here instead.
func defaultRegistry() *operator.Registry {
	reg := operator.NewRegistry()
	reg.Register("uppercase", func(extra map[string]any) (any, error) {
		return builtins.UppercaseOperator{}, nil
	})
	reg.Register("timestamp", func(extra map[string]any) (any, error) {
		return builtins.TimestampOperator{}, nil
	})
	reg.Register("split_field", builtins.NewSplitFieldOperator)
	return reg
}
