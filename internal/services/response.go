package services

import (
	"errors"
	"net/http"

	"github.com/Lllllllleong/pagebatch/internal/models"
)

// BatchResponse maps the outcome of NextBatch onto the wire payload and the
// HTTP status the batch-selector function answers with.
func BatchResponse(batch *models.Batch, err error) (models.NextBatchResponse, int) {
	if err == nil {
		return models.NextBatchResponse{Status: models.BatchStatusOK, Batch: batch}, http.StatusOK
	}

	var budgetErr *BudgetTooSmallError
	switch {
	case errors.Is(err, ErrNoActiveDocument):
		return models.NextBatchResponse{
			Status:  models.BatchStatusNoDocument,
			Message: err.Error(),
		}, http.StatusOK
	case errors.As(err, &budgetErr):
		return models.NextBatchResponse{
			Status:     models.BatchStatusBudgetTooSmall,
			DocumentID: budgetErr.DocumentID,
			PageNumber: budgetErr.PageNumber,
			PageTokens: budgetErr.PageTokens,
			Limit:      budgetErr.Limit,
			Message:    err.Error(),
		}, http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidLimit):
		return models.NextBatchResponse{Message: err.Error()}, http.StatusBadRequest
	default:
		return models.NextBatchResponse{Message: "batch selection failed"}, http.StatusInternalServerError
	}
}

// IngestResult summarises the outcome of Ingest for logging and CLI output.
func IngestResult(rec *models.DocumentRecord, err error) models.IngestResponse {
	res := models.IngestResponse{Status: "ingested"}
	switch {
	case errors.Is(err, ErrAlreadyIngested):
		res.Status = "duplicate"
	case err != nil:
		return models.IngestResponse{Status: "failed"}
	}
	if rec != nil {
		res.DocumentID = rec.ID
		res.PageCount = len(rec.Pages)
		res.Tokens = rec.TotalTokens()
		if rec.State == models.StateArchived && err == nil {
			res.Status = "archived"
		}
	}
	return res
}
