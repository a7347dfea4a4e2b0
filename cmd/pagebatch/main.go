// Command pagebatch runs the ingestion and batch selection pipeline from a
// shell, against whichever backends the environment configures.
//
// Usage:
//
//	pagebatch ingest [-name file.pdf]  # ingest one document, or everything waiting
//	pagebatch next [-limit 2000]       # select and print the next batch
//	pagebatch recover                  # archive records left pending by a failure
//	pagebatch watch                    # ingest on INGEST_SCHEDULE until interrupted
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Lllllllleong/pagebatch/internal/config"
	"github.com/Lllllllleong/pagebatch/internal/services"
)

const usage = "usage: pagebatch <ingest [-name file] | next [-limit n] | recover | watch>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pagebatch:", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("pagebatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	name := fs.String("name", "", "ingest only this source document")
	limit := fs.Int("limit", cfg.Selection.TokenLimit, "token limit for the batch")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, err := services.NewPipeline(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer p.Close()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	switch cmd {
	case "ingest":
		if *name != "" {
			rec, err := p.Ingestor.Ingest(ctx, p.Source, *name)
			if err != nil && !errors.Is(err, services.ErrAlreadyIngested) {
				return err
			}
			return enc.Encode(services.IngestResult(rec, err))
		}
		summary, err := p.Ingestor.IngestAll(ctx, p.Source)
		if encErr := enc.Encode(summary); encErr != nil {
			return encErr
		}
		return err

	case "next":
		batch, err := p.Selector.NextBatch(ctx, *limit)
		res, _ := services.BatchResponse(batch, err)
		if res.Status == "" {
			return err
		}
		return enc.Encode(res)

	case "recover":
		n, err := p.Selector.RecoverArchives(ctx)
		slog.Info("Recovery complete.", "archived", n)
		return err

	case "watch":
		sched := services.NewScheduler(p.Ingestor, p.Selector, p.Source)
		sched.RunOnce()
		if err := sched.Start(cfg.Ingest.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", cfg.Ingest.Schedule, err)
		}
		<-ctx.Done()
		sched.Stop()
		return nil

	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}
