package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveDocument is returned by NextBatch when the store has nothing left to hand out.
	ErrNoActiveDocument = errors.New("no active document available")
	// ErrBudgetTooSmall is matched by *BudgetTooSmallError.
	ErrBudgetTooSmall = errors.New("next page does not fit in the token budget")
	// ErrInvalidLimit is returned for non-positive token limits.
	ErrInvalidLimit = errors.New("token limit must be greater than zero")
	// ErrExtraction is matched by *ExtractionError.
	ErrExtraction = errors.New("page extraction failed")
	// ErrAlreadyIngested is returned by Ingest when a record for the same content already exists.
	ErrAlreadyIngested = errors.New("document already ingested")
)

// BudgetTooSmallError reports that the head-of-line page of the selected
// document alone exceeds the requested limit. Nothing was consumed.
type BudgetTooSmallError struct {
	DocumentID string
	PageNumber int
	PageTokens int
	Limit      int
}

func (e *BudgetTooSmallError) Error() string {
	return fmt.Sprintf("document %s page %d needs %d tokens, limit is %d", e.DocumentID, e.PageNumber, e.PageTokens, e.Limit)
}

func (e *BudgetTooSmallError) Is(target error) bool { return target == ErrBudgetTooSmall }

// ExtractionError reports a failure to turn a source document into page
// texts or token counts. No record was written for the document.
type ExtractionError struct {
	Document string
	Page     int // 0 when the failure is not tied to one page
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("extract %s page %d: %v", e.Document, e.Page, e.Err)
	}
	return fmt.Sprintf("extract %s: %v", e.Document, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func (e *ExtractionError) Is(target error) bool { return target == ErrExtraction }
