package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/pagebatch/internal/config"
	"github.com/Lllllllleong/pagebatch/internal/gcp"
	"github.com/Lllllllleong/pagebatch/internal/store"
)

var _ TokenCounter = (*gcp.VertexClient)(nil)

// Pipeline holds the wired ingestion and selection services plus the clients
// they share, so an entry point builds it once and closes it on shutdown.
type Pipeline struct {
	Config   *config.Config
	Store    store.Store
	Source   Source
	Ingestor *Ingestor
	Selector *Selector

	closers []func() error
}

// NewPipeline creates the clients the configured backends need and wires
// the ingestor and selector on top of them.
func NewPipeline(ctx context.Context, cfg *config.Config) (_ *Pipeline, err error) {
	p := &Pipeline{Config: cfg}
	defer func() {
		if err != nil {
			p.Close()
		}
	}()

	var storageClient *storage.Client
	gcsClient := func() (*storage.Client, error) {
		if storageClient != nil {
			return storageClient, nil
		}
		c, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create Storage client: %w", err)
		}
		storageClient = c
		p.closers = append(p.closers, c.Close)
		return c, nil
	}

	switch cfg.StoreBackend {
	case config.StoreFile:
		p.Store, err = store.NewFileStore(cfg.Data.PreProcessedDir, cfg.Data.ArchiveDir)
	case config.StoreGCS:
		var c *storage.Client
		if c, err = gcsClient(); err == nil {
			p.Store, err = store.NewGCSStore(c, cfg.GCS.RecordsBucket, cfg.GCS.StagingPrefix, cfg.GCS.ArchivePrefix)
		}
	case config.StoreFirestore:
		fc, ferr := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
		if ferr != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", ferr)
		}
		p.closers = append(p.closers, fc.Close)
		p.Store, err = store.NewFirestoreStore(fc, cfg.Firestore.Collection, cfg.Firestore.ArchiveCollection)
	default:
		err = fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, err
	}

	extractors := DefaultExtractors()
	switch cfg.SourceBackend {
	case config.SourceDir:
		p.Source, err = NewDirSource(cfg.Data.SourceDir, cfg.Data.ProcessedDir, extractors.Extensions())
	case config.SourceGCS:
		var c *storage.Client
		if c, err = gcsClient(); err == nil {
			p.Source, err = NewGCSSource(c, cfg.GCS.SourceBucket, cfg.GCS.SourcePrefix, cfg.GCS.SourceDonePrefix, extractors.Extensions())
		}
	default:
		err = fmt.Errorf("unknown source backend %q", cfg.SourceBackend)
	}
	if err != nil {
		return nil, err
	}

	var counter TokenCounter
	switch cfg.Tokenizer.Kind {
	case config.TokenizerVertex:
		vc, verr := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.Tokenizer.VertexRegion, cfg.Tokenizer.VertexModel)
		if verr != nil {
			return nil, verr
		}
		p.closers = append(p.closers, vc.Close)
		counter = vc
	default:
		counter = Estimator{BytesPerToken: cfg.Tokenizer.BytesPerToken}
	}

	opts := []IngestorOption{WithConcurrency(cfg.Ingest.Concurrency)}
	if cfg.Workflow.WorkflowID != "" {
		n, nerr := NewWorkflowNotifier(ctx, cfg.ProjectID, cfg.Workflow.Location, cfg.Workflow.WorkflowID)
		if nerr != nil {
			return nil, nerr
		}
		p.closers = append(p.closers, n.Close)
		opts = append(opts, WithNotifier(n))
	}

	p.Ingestor = NewIngestor(p.Store, extractors, counter, opts...)
	p.Selector = NewSelector(p.Store, store.NewMemoryLocker())

	slog.Info("Pipeline initialized.",
		"store", cfg.StoreBackend,
		"source", cfg.SourceBackend,
		"tokenizer", cfg.Tokenizer.Kind,
		"workflowNotifications", cfg.Workflow.WorkflowID != "",
	)
	return p, nil
}

// Close releases every client the pipeline created.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
