// Package store persists DocumentRecords. Every backend offers the same
// contract: whole-record atomic saves, listing of active records newest
// first, and an idempotent relocation of finished records to an archive area.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Lllllllleong/pagebatch/internal/models"
)

var (
	// ErrNotFound means no record with the requested id exists in staging or archive.
	ErrNotFound = errors.New("record not found")
	// ErrCorruptRecord means the persisted form could not be parsed or violates record invariants.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrNotArchivable means Archive was called before the record was saved as archived.
	ErrNotArchivable = errors.New("record is not archived")
	// ErrPersistence wraps failures of the underlying storage (writes, renames, moves).
	ErrPersistence = errors.New("persistence failure")
)

// Store is the durable home of DocumentRecords. No operation spans more than one record.
type Store interface {
	// ListActive returns the ids of active records, most recently ingested first.
	ListActive(ctx context.Context) ([]string, error)
	// ListPendingArchive returns ids of staged records already saved as archived
	// whose relocation to the archive area has not happened yet.
	ListPendingArchive(ctx context.Context) ([]string, error)
	// Load returns the record with the given id from staging, falling back to the archive.
	Load(ctx context.Context, id string) (*models.DocumentRecord, error)
	// Save atomically replaces the staged record.
	Save(ctx context.Context, rec *models.DocumentRecord) error
	// Archive relocates an archived record out of staging. Idempotent.
	Archive(ctx context.Context, id string) error
}

func corrupt(id string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorruptRecord, id, err)
}

func persistence(op, id string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrPersistence, op, id, err)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// listEntry is what the backends need to order staged records.
type listEntry struct {
	id         string
	ingestedAt time.Time
}

// sortNewestFirst orders entries by ingestion time descending, ties by id ascending.
func sortNewestFirst(entries []listEntry) []string {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].ingestedAt.Equal(entries[j].ingestedAt) {
			return entries[i].ingestedAt.After(entries[j].ingestedAt)
		}
		return entries[i].id < entries[j].id
	})
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

func validateForSave(rec *models.DocumentRecord) error {
	if rec == nil {
		return fmt.Errorf("cannot save a nil record")
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid record: %w", err)
	}
	return nil
}
