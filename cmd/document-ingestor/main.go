package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/pagebatch/internal/config"
	"github.com/Lllllllleong/pagebatch/internal/models"
	"github.com/Lllllllleong/pagebatch/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	pipeline *services.Pipeline
	once     sync.Once
	initErr  error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Triggered by object finalize events on the source bucket.
	functions.CloudEvent("IngestDocument", ingestDocument)
}

// main is required by the Go Functions Framework.
func main() {}

func initPipeline() (*services.Pipeline, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.NewLogger()
	if cfg.SourceBackend != config.SourceGCS {
		return nil, fmt.Errorf("SOURCE_BACKEND must be %q for the document-ingestor function", config.SourceGCS)
	}
	return services.NewPipeline(context.Background(), cfg)
}

// ingestDocument is the Cloud Function entry point.
func ingestDocument(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		pipeline, initErr = initPipeline()
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent models.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	logCtx := slog.With("bucket", gcsEvent.Bucket, "object", gcsEvent.Name)

	// Events for other buckets, the done prefix or nested folders are ignored,
	// including the finalize event the relocation itself produces.
	if gcsEvent.Bucket != pipeline.Config.GCS.SourceBucket {
		logCtx.Info("Ignoring event for a different bucket.")
		return nil
	}
	src, ok := pipeline.Source.(*services.GCSSource)
	if !ok {
		return fmt.Errorf("unexpected source type %T", pipeline.Source)
	}
	name, ok := src.NameForObject(gcsEvent.Name)
	if !ok {
		logCtx.Info("Ignoring object outside the source prefix or with an unsupported extension.")
		return nil
	}

	rec, err := pipeline.Ingestor.Ingest(ctx, src, name)
	res := services.IngestResult(rec, err)
	if err != nil && !errors.Is(err, services.ErrAlreadyIngested) {
		// Returning the error marks the invocation as failed so the event is retried.
		return err
	}
	logCtx.Info("Finished processing document.", "status", res.Status, "documentId", res.DocumentID, "pageCount", res.PageCount, "totalTokens", res.Tokens)
	return nil
}
