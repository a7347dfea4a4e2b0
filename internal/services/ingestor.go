package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/pagebatch/internal/models"
	"github.com/Lllllllleong/pagebatch/internal/store"
	"golang.org/x/sync/errgroup"
)

// DefaultIngestConcurrency bounds how many source documents IngestAll works on at once.
const DefaultIngestConcurrency = 4

// Ingestor turns raw source documents into DocumentRecords. Ingestion of one
// document is all-or-nothing: the record is saved only after every page has
// been extracted and counted.
type Ingestor struct {
	store       store.Store
	extractor   PageExtractor
	counter     TokenCounter
	notifier    Notifier
	now         func() time.Time
	concurrency int
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithNotifier sets the hook called after each new active record is saved.
func WithNotifier(n Notifier) IngestorOption {
	return func(i *Ingestor) { i.notifier = n }
}

// WithClock overrides the ingestion timestamp source.
func WithClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) { i.now = now }
}

// WithConcurrency sets the IngestAll worker limit.
func WithConcurrency(n int) IngestorOption {
	return func(i *Ingestor) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// NewIngestor wires an Ingestor.
func NewIngestor(st store.Store, extractor PageExtractor, counter TokenCounter, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		store:       st,
		extractor:   extractor,
		counter:     counter,
		now:         time.Now,
		concurrency: DefaultIngestConcurrency,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest reads one document from src, persists its record and moves the
// document to src's done area. If a record for identical content already
// exists the document is only moved, and the existing record is returned
// together with ErrAlreadyIngested.
func (i *Ingestor) Ingest(ctx context.Context, src Source, name string) (*models.DocumentRecord, error) {
	logCtx := slog.With("sourceDocument", name)

	doc, err := src.Read(ctx, name)
	if err != nil {
		logCtx.Error("Failed to read source document", "error", err)
		return nil, err
	}
	fileHash := hashContent(doc.Content)
	id := DocumentID(name, fileHash)
	logCtx = logCtx.With("documentId", id, "fileHash", fileHash)

	existing, err := i.store.Load(ctx, id)
	switch {
	case err == nil:
		// Saved on an earlier run that did not get to move the source.
		logCtx.Info("Duplicate document detected. Completing relocation only.", "state", existing.State)
		i.relocate(ctx, logCtx, src, name, id)
		return existing, fmt.Errorf("%w: %s", ErrAlreadyIngested, id)
	case !errors.Is(err, store.ErrNotFound):
		logCtx.Error("Failed to check for an existing record", "error", err)
		return nil, err
	}

	texts, err := i.extractor.ExtractPages(ctx, doc)
	if err != nil {
		var exErr *ExtractionError
		if !errors.As(err, &exErr) && ctx.Err() == nil {
			err = &ExtractionError{Document: name, Err: err}
		}
		logCtx.Error("Failed to extract pages. Source left in place for retry.", "error", err)
		return nil, err
	}

	rec := &models.DocumentRecord{
		ID:                id,
		DocumentName:      name,
		DocumentDirectory: doc.Location,
		IngestedAt:        i.now().UTC(),
		FileHash:          fileHash,
		State:             models.StateActive,
		Pages:             make([]models.PageRecord, 0, len(texts)),
	}
	for n, text := range texts {
		count, err := i.counter.CountTokens(ctx, text)
		if err == nil && count < 0 {
			err = fmt.Errorf("token counter returned %d", count)
		}
		if err != nil {
			exErr := &ExtractionError{Document: name, Page: n + 1, Err: err}
			logCtx.Error("Failed to count tokens. Source left in place for retry.", "error", exErr)
			return nil, exErr
		}
		rec.Pages = append(rec.Pages, models.PageRecord{
			PageNumber: n + 1,
			TokenCount: count,
			Content:    text,
		})
	}
	if len(rec.Pages) == 0 {
		// Nothing will ever be selected from an empty document.
		rec.State = models.StateArchived
	}

	if err := i.store.Save(ctx, rec); err != nil {
		logCtx.Error("Failed to save document record. Source left in place for retry.", "error", err)
		return nil, err
	}
	logCtx.Info("Saved document record.", "pageCount", len(rec.Pages), "totalTokens", rec.TotalTokens())

	if rec.State == models.StateArchived {
		if err := i.store.Archive(ctx, rec.ID); err != nil {
			logCtx.Warn("Failed to archive empty document record.", "error", err)
		}
	}
	i.relocate(ctx, logCtx, src, name, rec.ID)

	if i.notifier != nil && rec.State == models.StateActive {
		if err := i.notifier.DocumentIngested(ctx, rec); err != nil {
			logCtx.Warn("Failed to notify downstream of new record.", "error", err)
		}
	}
	return rec, nil
}

// relocate moves the source document out of the way, renamed after its
// record. The record is already committed at this point, so failure is
// reported but not returned: the next run sees the duplicate and retries
// the move.
func (i *Ingestor) relocate(ctx context.Context, logCtx *slog.Logger, src Source, name, id string) {
	doneName := DoneName(name, id)
	if err := src.MarkIngested(ctx, name, doneName); err != nil {
		logCtx.Warn("Failed to move source document to processed area.", "error", err)
		return
	}
	logCtx.Info("Moved source document to processed area.", "doneName", doneName)
}

// IngestSummary counts the outcomes of one IngestAll run.
type IngestSummary struct {
	Ingested  int
	Duplicate int
	Failed    int
	Records   []string
}

// IngestAll ingests every document src lists, at most i.concurrency at a
// time. A failing document does not stop the others; the failures are
// returned joined.
func (i *Ingestor) IngestAll(ctx context.Context, src Source) (IngestSummary, error) {
	var summary IngestSummary
	names, err := src.List(ctx)
	if err != nil {
		return summary, err
	}
	slog.Info("Starting ingestion run.", "documentCount", len(names), "concurrency", i.concurrency)

	var (
		mu   sync.Mutex
		errs []error
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(i.concurrency)
	for _, name := range names {
		eg.Go(func() error {
			rec, err := i.Ingest(gctx, src, name)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Ingested++
				summary.Records = append(summary.Records, rec.ID)
			case errors.Is(err, ErrAlreadyIngested):
				summary.Duplicate++
			default:
				summary.Failed++
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			return nil
		})
	}
	_ = eg.Wait()

	slog.Info("Ingestion run complete.", "ingested", summary.Ingested, "duplicate", summary.Duplicate, "failed", summary.Failed)
	return summary, errors.Join(errs...)
}

// DoneName is the name a source document is moved to once ingested: its
// record id plus the original extension. The id carries the content hash,
// so two versions of one file name never collide.
func DoneName(name, id string) string {
	return id + strings.ToLower(filepath.Ext(name))
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// nonAlphanumericRegex is a compiled regex for efficiency.
var nonAlphanumericRegex = regexp.MustCompile(`[^a-z0-9]+`)

// DocumentID derives a record id from the document name and its content
// hash: the sanitized file stem plus the first 12 hex digits of the hash.
// Identical content under the same name always maps to the same id.
func DocumentID(name, fileHash string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	sanitized := nonAlphanumericRegex.ReplaceAllString(strings.ToLower(stem), "_")
	sanitized = strings.Trim(sanitized, "_")

	const maxLength = 100
	if len(sanitized) > maxLength {
		sanitized = strings.Trim(sanitized[:maxLength], "_")
	}
	if sanitized == "" {
		sanitized = "document"
	}
	short := fileHash
	if len(short) > 12 {
		short = short[:12]
	}
	return sanitized + "-" + short
}
