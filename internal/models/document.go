package models

import (
	"fmt"
	"time"
)

// DocumentState is the lifecycle state of a DocumentRecord.
type DocumentState string

const (
	// StateActive means the record still has at least one unconsumed page.
	StateActive DocumentState = "active"
	// StateArchived means every page has been handed out in a batch. Terminal.
	StateArchived DocumentState = "archived"
)

// PageRecord is one page of one ingested document.
// Processed flips from false to true exactly once, when the page is handed out in a batch.
type PageRecord struct {
	PageNumber int    `json:"page_number" firestore:"pageNumber"`
	TokenCount int    `json:"token_count" firestore:"tokenCount"`
	Content    string `json:"content" firestore:"content"`
	Processed  bool   `json:"processed" firestore:"processed"`
}

// DocumentRecord is the persisted form of one ingested document and the
// consumption state of its pages. It is shared by the ingestor and the batch
// selector; the store is the only owner of the persisted copy.
type DocumentRecord struct {
	ID                string        `json:"id" firestore:"id"`
	DocumentName      string        `json:"document_name" firestore:"documentName"`
	DocumentDirectory string        `json:"document_directory" firestore:"documentDirectory"`
	IngestedAt        time.Time     `json:"document_processed_date" firestore:"ingestedAt"`
	FileHash          string        `json:"file_hash,omitempty" firestore:"fileHash,omitempty"`
	State             DocumentState `json:"state" firestore:"state"`
	Pages             []PageRecord  `json:"pages" firestore:"pages"`
}

// Validate checks the structural invariants of a record: a known state,
// page numbers forming the contiguous range 1..N in order, and non-negative
// token counts.
func (d *DocumentRecord) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("record has no id")
	}
	if d.State != StateActive && d.State != StateArchived {
		return fmt.Errorf("record %s has unknown state %q", d.ID, d.State)
	}
	for i, p := range d.Pages {
		if p.PageNumber != i+1 {
			return fmt.Errorf("record %s: page at position %d has page_number %d, want %d", d.ID, i, p.PageNumber, i+1)
		}
		if p.TokenCount < 0 {
			return fmt.Errorf("record %s: page %d has negative token_count %d", d.ID, p.PageNumber, p.TokenCount)
		}
	}
	return nil
}

// FirstUnprocessed returns the index into Pages of the lowest-numbered page
// not yet processed, or -1 when every page has been consumed.
func (d *DocumentRecord) FirstUnprocessed() int {
	for i := range d.Pages {
		if !d.Pages[i].Processed {
			return i
		}
	}
	return -1
}

// AllProcessed reports whether every page has been consumed.
func (d *DocumentRecord) AllProcessed() bool {
	return d.FirstUnprocessed() == -1
}

// RemainingPages counts the pages not yet consumed.
func (d *DocumentRecord) RemainingPages() int {
	n := 0
	for _, p := range d.Pages {
		if !p.Processed {
			n++
		}
	}
	return n
}

// TotalTokens sums the token counts of all pages.
func (d *DocumentRecord) TotalTokens() int {
	total := 0
	for _, p := range d.Pages {
		total += p.TokenCount
	}
	return total
}

// Clone returns a deep copy so callers can mutate page flags without touching
// a record another goroutine (or the store's cache) may be holding.
func (d *DocumentRecord) Clone() *DocumentRecord {
	c := *d
	c.Pages = make([]PageRecord, len(d.Pages))
	copy(c.Pages, d.Pages)
	return &c
}
