package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/pagebatch/internal/models"
	"github.com/Lllllllleong/pagebatch/internal/store"
	"github.com/google/uuid"
)

// errSkipDocument tells NextBatch to move on to the next candidate.
var errSkipDocument = errors.New("document has nothing to select")

// Selector hands out token-bounded batches of unconsumed pages. It keeps no
// state between calls; everything it knows comes from the store.
//
// Candidates are taken newest-ingestion first. This favours the document
// that arrived last and can starve older ones while new documents keep
// arriving.
type Selector struct {
	store  store.Store
	locker store.Locker
	newID  func() string
}

// NewSelector wires a Selector. A nil locker gets a process-local MemoryLocker.
func NewSelector(st store.Store, locker store.Locker) *Selector {
	if locker == nil {
		locker = store.NewMemoryLocker()
	}
	return &Selector{store: st, locker: locker, newID: uuid.NewString}
}

// NextBatch selects the next batch of at most limit tokens from the most
// recently ingested active document and commits the consumption before
// returning it.
//
// It returns ErrNoActiveDocument when nothing is left, and a
// *BudgetTooSmallError (matching ErrBudgetTooSmall) when the head-of-line
// page of that document alone exceeds limit. Records that fail to decode
// are logged and skipped. On any error the persisted record is unchanged.
func (s *Selector) NextBatch(ctx context.Context, limit int) (*models.Batch, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	ids, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active documents: %w", err)
	}
	for _, id := range ids {
		batch, err := s.selectFrom(ctx, id, limit)
		if errors.Is(err, errSkipDocument) {
			continue
		}
		return batch, err
	}
	return nil, ErrNoActiveDocument
}

func (s *Selector) selectFrom(ctx context.Context, id string, limit int) (*models.Batch, error) {
	logCtx := slog.With("documentId", id, "limit", limit)

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Load under the lock: the listing may be stale by now.
	rec, err := s.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		logCtx.Info("Listed document disappeared before selection.")
		return nil, errSkipDocument
	}
	if errors.Is(err, store.ErrCorruptRecord) {
		logCtx.Error("Skipping corrupt document record.", "error", err)
		return nil, errSkipDocument
	}
	if err != nil {
		logCtx.Error("Failed to load document record", "error", err)
		return nil, err
	}
	if rec.State != models.StateActive {
		return nil, errSkipDocument
	}

	start := rec.FirstUnprocessed()
	if start < 0 {
		logCtx.Warn("Active record has no unconsumed pages. Promoting to archived.")
		done := rec.Clone()
		done.State = models.StateArchived
		if err := s.store.Save(ctx, done); err != nil {
			return nil, fmt.Errorf("failed to promote %s to archived: %w", id, err)
		}
		s.archive(ctx, logCtx, id)
		return nil, errSkipDocument
	}

	selected, total := choosePages(logCtx, rec, start, limit)
	if len(selected) == 0 {
		head := rec.Pages[start]
		logCtx.Info("Head-of-line page exceeds token limit.", "pageNumber", head.PageNumber, "pageTokens", head.TokenCount)
		return nil, &BudgetTooSmallError{
			DocumentID: id,
			PageNumber: head.PageNumber,
			PageTokens: head.TokenCount,
			Limit:      limit,
		}
	}

	// Mark on a private copy; only Save makes the consumption real.
	work := rec.Clone()
	for _, idx := range selected {
		work.Pages[idx].Processed = true
	}
	if work.AllProcessed() {
		work.State = models.StateArchived
	}
	if err := s.store.Save(ctx, work); err != nil {
		logCtx.Error("Failed to commit batch. Record left unchanged.", "error", err)
		return nil, fmt.Errorf("failed to commit batch for %s: %w", id, err)
	}

	batch := &models.Batch{
		ID:               s.newID(),
		DocumentID:       id,
		DocumentName:     work.DocumentName,
		Pages:            make([]models.PageRecord, 0, len(selected)),
		TotalTokens:      total,
		Limit:            limit,
		DocumentArchived: work.State == models.StateArchived,
		RemainingPages:   work.RemainingPages(),
	}
	for _, idx := range selected {
		batch.Pages = append(batch.Pages, work.Pages[idx])
	}
	logCtx.Info("Selected batch.",
		"batchId", batch.ID,
		"pages", batch.PageNumbers(),
		"totalTokens", total,
		"remainingPages", batch.RemainingPages,
	)

	if batch.DocumentArchived {
		s.archive(ctx, logCtx, id)
	}
	return batch, nil
}

// choosePages returns the indexes of the pages forming the batch and their
// token total. It starts at the first unconsumed page and stops at the first
// page that would overflow limit. A consumed page after the start also ends
// the batch so that batches stay contiguous; that only happens for records
// written out of order by something other than this selector.
func choosePages(logCtx *slog.Logger, rec *models.DocumentRecord, start, limit int) ([]int, int) {
	var selected []int
	total := 0
	for i := start; i < len(rec.Pages); i++ {
		p := rec.Pages[i]
		if p.Processed {
			logCtx.Warn("Found consumed page after an unconsumed one. Ending batch early.", "pageNumber", p.PageNumber)
			break
		}
		if total+p.TokenCount > limit {
			break
		}
		total += p.TokenCount
		selected = append(selected, i)
	}
	return selected, total
}

// archive relocates a record already saved as archived. The consumption is
// committed by then, so failure only leaves the record pending for
// RecoverArchives; it is never reported as a selection failure.
func (s *Selector) archive(ctx context.Context, logCtx *slog.Logger, id string) {
	if err := s.store.Archive(ctx, id); err != nil {
		logCtx.Warn("Failed to archive fully consumed record. It will be retried by recovery.", "error", err)
		return
	}
	logCtx.Info("Archived fully consumed record.")
}

// RecoverArchives relocates every staged record whose consumption finished
// but whose archive step did not. It returns how many were archived.
func (s *Selector) RecoverArchives(ctx context.Context) (int, error) {
	ids, err := s.store.ListPendingArchive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list records pending archive: %w", err)
	}
	var errs []error
	archived := 0
	for _, id := range ids {
		unlock, err := s.locker.Lock(ctx, id)
		if err != nil {
			return archived, err
		}
		err = s.store.Archive(ctx, id)
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		archived++
		slog.Info("Recovered pending archive.", "documentId", id)
	}
	return archived, errors.Join(errs...)
}
