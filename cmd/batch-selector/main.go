package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/pagebatch/internal/config"
	"github.com/Lllllllleong/pagebatch/internal/models"
	"github.com/Lllllllleong/pagebatch/internal/services"
)

var (
	pipeline *services.Pipeline
	once     sync.Once
	initErr  error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// "HandleNextBatch" is the entry point name we'll see in GCP.
	functions.HTTP("HandleNextBatch", handleNextBatch)
}

// main is required by the Go Functions Framework.
func main() {}

func initPipeline() (*services.Pipeline, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.NewLogger()
	return services.NewPipeline(context.Background(), cfg)
}

// handleNextBatch is the HTTP handler. The workflow calls it in a loop
// until it answers with status no_document.
func handleNextBatch(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		pipeline, initErr = initPipeline()
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	// An empty body means "use the configured limit".
	var req models.NextBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		slog.Error("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	limit := req.Limit
	if limit == 0 {
		limit = pipeline.Config.Selection.TokenLimit
	}

	batch, err := pipeline.Selector.NextBatch(r.Context(), limit)
	res, status := services.BatchResponse(batch, err)
	if status == http.StatusInternalServerError {
		slog.Error("Batch selection failed", "error", err, "limit", limit)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		// Headers are already sent; the workflow sees a truncated body and retries.
		slog.Error("Failed to write response", "error", err)
	}
}
