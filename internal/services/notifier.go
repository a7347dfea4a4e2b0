package services

import (
	"context"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"github.com/Lllllllleong/pagebatch/internal/gcp"
	"github.com/Lllllllleong/pagebatch/internal/models"
)

// Notifier is told about every newly ingested active record.
type Notifier interface {
	DocumentIngested(ctx context.Context, rec *models.DocumentRecord) error
}

// WorkflowNotifier starts one Cloud Workflows execution per ingested
// document, handing the downstream orchestration the record id to pull
// batches for.
type WorkflowNotifier struct {
	executionsClient *executions.Client
	parent           string
}

// NewWorkflowNotifier creates the executions client for projectID/location/workflowID.
func NewWorkflowNotifier(ctx context.Context, projectID, location, workflowID string) (*WorkflowNotifier, error) {
	if projectID == "" || location == "" || workflowID == "" {
		return nil, fmt.Errorf("projectID, location and workflowID must be set for the workflow notifier")
	}
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowNotifier{
		executionsClient: client,
		parent:           gcp.WorkflowParent(projectID, location, workflowID),
	}, nil
}

func (n *WorkflowNotifier) DocumentIngested(ctx context.Context, rec *models.DocumentRecord) error {
	payload := map[string]interface{}{
		"documentId":   rec.ID,
		"documentName": rec.DocumentName,
		"pageCount":    len(rec.Pages),
		"totalTokens":  rec.TotalTokens(),
	}
	name, err := gcp.StartExecution(ctx, n.executionsClient, n.parent, payload)
	if err != nil {
		return err
	}
	slog.Info("Triggered workflow.", "documentId", rec.ID, "execution", name)
	return nil
}

func (n *WorkflowNotifier) Close() error {
	return n.executionsClient.Close()
}
