package services

import (
	"context"
	"os"
	"testing"

	"github.com/Lllllllleong/pagebatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunOnce(t *testing.T) {
	ctx := context.Background()
	f := newIngestFixture(t)
	f.write(t, "doc.txt", "page one\fpage two")

	// A record left pending by an earlier failed archive step.
	pending := activeRecord("pending", baseTime, 10)
	pending.Pages[0].Processed = true
	pending.State = models.StateArchived
	seed(t, f.store, pending)

	ing := NewIngestor(f.store, DefaultExtractors(), Estimator{})
	sched := NewScheduler(ing, NewSelector(f.store, nil), f.source)
	sched.RunOnce()

	active, err := f.store.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	left, err := f.store.ListPendingArchive(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
	done, err := os.ReadDir(f.doneDir)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, DoneName("doc.txt", active[0]), done[0].Name())
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	f := newIngestFixture(t)
	sched := NewScheduler(NewIngestor(f.store, DefaultExtractors(), Estimator{}), NewSelector(f.store, nil), f.source)
	assert.Error(t, sched.Start("whenever"))
}

func TestSchedulerStartStop(t *testing.T) {
	f := newIngestFixture(t)
	sched := NewScheduler(NewIngestor(f.store, DefaultExtractors(), Estimator{}), NewSelector(f.store, nil), f.source)
	require.NoError(t, sched.Start("@every 1h"))
	sched.Stop()
}
