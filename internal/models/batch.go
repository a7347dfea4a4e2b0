package models

import "strings"

// PageSeparator is placed between page contents when a batch is flattened to text.
const PageSeparator = "\n\n---\n\n"

// Batch is an ordered, token-bounded run of pages from exactly one document.
// It is never persisted; the consumed flags it implies are committed to the
// store before the batch is returned.
type Batch struct {
	ID               string       `json:"batchId"`
	DocumentID       string       `json:"documentId"`
	DocumentName     string       `json:"documentName"`
	Pages            []PageRecord `json:"pages"`
	TotalTokens      int          `json:"totalTokens"`
	Limit            int          `json:"limit"`
	DocumentArchived bool         `json:"documentArchived"`
	RemainingPages   int          `json:"remainingPages"`
}

// PageNumbers lists the page numbers covered by the batch, in order.
func (b *Batch) PageNumbers() []int {
	nums := make([]int, len(b.Pages))
	for i, p := range b.Pages {
		nums[i] = p.PageNumber
	}
	return nums
}

// Text concatenates the page contents in order, separated by PageSeparator.
func (b *Batch) Text() string {
	var sb strings.Builder
	for i, p := range b.Pages {
		if i > 0 {
			sb.WriteString(PageSeparator)
		}
		sb.WriteString(p.Content)
	}
	return sb.String()
}
