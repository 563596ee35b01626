// pg-query-tracer reconstructs in-flight and completed query executions,
// including their plan trees, from eBPF probes attached to a running
// PostgreSQL backend.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrzor/pg-query-tracer/internal/attributes"
	"github.com/mrzor/pg-query-tracer/internal/bpfloader"
	"github.com/mrzor/pg-query-tracer/internal/config"
	"github.com/mrzor/pg-query-tracer/internal/eventstream"
	"github.com/mrzor/pg-query-tracer/internal/metadata"
	"github.com/mrzor/pg-query-tracer/internal/otel"
	"github.com/mrzor/pg-query-tracer/internal/output"
	"github.com/mrzor/pg-query-tracer/internal/sessions"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// setupFinalizers builds the chain of consumers receiving each finalized
// query: always the text report, plus OTEL span export when an endpoint is
// configured.
func setupFinalizers(cfg *config.Config, textFmt *output.TextFormatter) ([]sessions.Finalizer, func(), error) {
	finalizers := []sessions.Finalizer{textFmt}
	cleanup := func() {}

	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, err
	}
	if !otelCfg.Enabled() {
		return finalizers, cleanup, nil
	}

	tp, err := otel.InitProvider(otelCfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup = func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otel.ShutdownProvider(tp, shutdownCtx); err != nil {
			log.Printf("Error shutting down OTEL provider: %v", err)
		}
	}

	evaluator, err := attributes.NewEvaluator(cfg.CustomAttributes)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	traceID, err := attributes.TraceIDFromString(cfg.TraceID)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	formatter := output.NewOTELFormatter(tp.Tracer("pg-query-tracer"), evaluator, traceID)
	return append(finalizers, formatter), cleanup, nil
}

// targetAlive reports whether the traced process still exists.
func targetAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func run() error {
	cfg, err := config.ParseArgs(os.Args)
	if err != nil {
		return err
	}

	log.Printf("Starting pg-query-tracer %s (commit: %s)", version, commit)

	meta, err := metadata.NewProcessProvider(cfg.Pid)
	if err != nil {
		return err
	}
	defer func() {
		if err := meta.Close(); err != nil {
			log.Printf("Error closing metadata provider: %v", err)
		}
	}()

	instrLayout, err := meta.StructLayout("Instrumentation")
	if err != nil {
		return err
	}

	textFmt := output.NewTextFormatter(os.Stdout)
	finalizers, cleanupOTEL, err := setupFinalizers(cfg, textFmt)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	cache := sessions.NewCache(meta, finalizers...)

	loader, err := bpfloader.New(cfg.BPFObject, meta)
	if err != nil {
		return err
	}
	defer func() {
		if err := loader.Close(); err != nil {
			log.Printf("Error closing loader: %v", err)
		}
	}()
	if err := loader.Attach(); err != nil {
		return err
	}

	rd, err := loader.OpenRingBuffer()
	if err != nil {
		return err
	}
	defer func() {
		if err := rd.Close(); err != nil {
			log.Printf("Error closing ring buffer: %v", err)
		}
	}()

	dispatcher := eventstream.NewDispatcher(cache, meta, int(instrLayout.Size)) //nolint:gosec // struct sizes fit in int
	stream := eventstream.New(rd, dispatcher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := stream.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := stream.Stop(); err != nil {
			log.Printf("Error stopping stream: %v", err)
		}
	}()

	log.Printf("Tracing PostgreSQL backend pid %d...", cfg.Pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-sigCh:
			log.Println("Received signal, stopping...")
			break loop
		case <-ticker.C:
			if !targetAlive(cfg.Pid) {
				log.Printf("Target pid %d exited, stopping...", cfg.Pid)
				break loop
			}
		}
	}

	// Give the ring buffer a moment to drain trailing events.
	time.Sleep(200 * time.Millisecond)

	textFmt.PrintSummary(cache.History(), cache.Open())
	return nil
}
