package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/pagebatch/internal/models"
	"github.com/Lllllllleong/pagebatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testStore struct {
	*store.FileStore
	staging string
	archive string
}

func newFileStore(t *testing.T) testStore {
	t.Helper()
	root := t.TempDir()
	ts := testStore{
		staging: filepath.Join(root, "preprocessed"),
		archive: filepath.Join(root, "archive"),
	}
	var err error
	ts.FileStore, err = store.NewFileStore(ts.staging, ts.archive)
	require.NoError(t, err)
	return ts
}

// reopen returns a fresh store over the same directories, as a restarted
// process would see them.
func (ts testStore) reopen(t *testing.T) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(ts.staging, ts.archive)
	require.NoError(t, err)
	return s
}

func activeRecord(id string, ingested time.Time, tokens ...int) *models.DocumentRecord {
	rec := &models.DocumentRecord{
		ID:                id,
		DocumentName:      id + ".pdf",
		DocumentDirectory: "./source",
		IngestedAt:        ingested,
		State:             models.StateActive,
	}
	for i, tk := range tokens {
		rec.Pages = append(rec.Pages, models.PageRecord{PageNumber: i + 1, TokenCount: tk, Content: "page text"})
	}
	return rec
}

func seed(t *testing.T, st store.Store, recs ...*models.DocumentRecord) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, st.Save(context.Background(), rec))
	}
}

// faultyStore fails Save or Archive on demand, reports corruptID as
// undecodable, and passes everything else through.
type faultyStore struct {
	store.Store
	mu          sync.Mutex
	failSave    bool
	failArchive bool
	corruptID   string
}

var errInjected = errors.New("injected failure")

func (f *faultyStore) Save(ctx context.Context, rec *models.DocumentRecord) error {
	f.mu.Lock()
	fail := f.failSave
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.Store.Save(ctx, rec)
}

func (f *faultyStore) Load(ctx context.Context, id string) (*models.DocumentRecord, error) {
	if id == f.corruptID {
		return nil, fmt.Errorf("%w: %s: unexpected end of JSON input", store.ErrCorruptRecord, id)
	}
	return f.Store.Load(ctx, id)
}

func (f *faultyStore) Archive(ctx context.Context, id string) error {
	f.mu.Lock()
	fail := f.failArchive
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.Store.Archive(ctx, id)
}

func TestNextBatchScenarioThreePages(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	seed(t, st, activeRecord("doc", baseTime, 500, 700, 900))
	sel := NewSelector(st, nil)

	batch, err := sel.NextBatch(ctx, 1300)
	require.NoError(t, err)
	assert.Equal(t, "doc", batch.DocumentID)
	assert.Equal(t, []int{1, 2}, batch.PageNumbers())
	assert.Equal(t, 1200, batch.TotalTokens)
	assert.Equal(t, 1300, batch.Limit)
	assert.Equal(t, 1, batch.RemainingPages)
	assert.False(t, batch.DocumentArchived)
	assert.NotEmpty(t, batch.ID)

	rec, err := st.Load(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, rec.Pages[0].Processed)
	assert.True(t, rec.Pages[1].Processed)
	assert.False(t, rec.Pages[2].Processed)
	assert.Equal(t, models.StateActive, rec.State)

	batch, err = sel.NextBatch(ctx, 1300)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, batch.PageNumbers())
	assert.Equal(t, 900, batch.TotalTokens)
	assert.True(t, batch.DocumentArchived)
	assert.Equal(t, 0, batch.RemainingPages)

	rec, err = st.Load(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, models.StateArchived, rec.State)
	pending, err := st.ListPendingArchive(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "record should be relocated to the archive")
	assert.FileExists(t, filepath.Join(st.archive, "doc.json"))

	_, err = sel.NextBatch(ctx, 1300)
	assert.ErrorIs(t, err, ErrNoActiveDocument)
}

func TestNextBatchBudgetTooSmall(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	seed(t, st, activeRecord("big", baseTime, 5000))
	sel := NewSelector(st, nil)

	_, err := sel.NextBatch(ctx, 1000)
	require.ErrorIs(t, err, ErrBudgetTooSmall)
	var budgetErr *BudgetTooSmallError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "big", budgetErr.DocumentID)
	assert.Equal(t, 1, budgetErr.PageNumber)
	assert.Equal(t, 5000, budgetErr.PageTokens)
	assert.Equal(t, 1000, budgetErr.Limit)

	rec, err := st.Load(ctx, "big")
	require.NoError(t, err)
	assert.False(t, rec.Pages[0].Processed)
	assert.Equal(t, models.StateActive, rec.State)

	// A large enough limit still gets the page.
	batch, err := sel.NextBatch(ctx, 5000)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, batch.PageNumbers())
}

func TestNextBatchBudgetTooSmallDoesNotFallThrough(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	seed(t, st,
		activeRecord("older", baseTime, 10),
		activeRecord("newer", baseTime.Add(time.Hour), 5000),
	)
	sel := NewSelector(st, nil)

	_, err := sel.NextBatch(ctx, 1000)
	var budgetErr *BudgetTooSmallError
	require.ErrorAs(t, err, &budgetErr)
	assert.Equal(t, "newer", budgetErr.DocumentID)

	rec, err := st.Load(ctx, "older")
	require.NoError(t, err)
	assert.False(t, rec.Pages[0].Processed)
}

func TestNextBatchTightLimit(t *testing.T) {
	st := newFileStore(t)
	seed(t, st, activeRecord("doc", baseTime, 300, 300, 300))
	sel := NewSelector(st, nil)

	batch, err := sel.NextBatch(context.Background(), 600)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, batch.PageNumbers())
	assert.Equal(t, 600, batch.TotalTokens)
}

func TestNextBatchZeroTokenPages(t *testing.T) {
	st := newFileStore(t)
	seed(t, st, activeRecord("doc", baseTime, 0, 10, 0, 50))
	sel := NewSelector(st, nil)

	batch, err := sel.NextBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, batch.PageNumbers())
	assert.Equal(t, 10, batch.TotalTokens)
}

func TestNextBatchInvalidLimit(t *testing.T) {
	st := newFileStore(t)
	seed(t, st, activeRecord("doc", baseTime, 1))
	sel := NewSelector(st, nil)

	for _, limit := range []int{0, -5} {
		_, err := sel.NextBatch(context.Background(), limit)
		assert.ErrorIs(t, err, ErrInvalidLimit)
	}
}

func TestNextBatchEmptyStore(t *testing.T) {
	sel := NewSelector(newFileStore(t), nil)
	_, err := sel.NextBatch(context.Background(), 100)
	assert.ErrorIs(t, err, ErrNoActiveDocument)
}

func TestNextBatchPrefersMostRecent(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	seed(t, st,
		activeRecord("old", baseTime, 100, 100),
		activeRecord("new", baseTime.Add(24*time.Hour), 100, 100),
	)
	sel := NewSelector(st, nil)

	var served []string
	for {
		batch, err := sel.NextBatch(ctx, 100)
		if errors.Is(err, ErrNoActiveDocument) {
			break
		}
		require.NoError(t, err)
		require.Len(t, batch.Pages, 1)
		served = append(served, batch.DocumentID)
	}
	assert.Equal(t, []string{"new", "new", "old", "old"}, served)
}

func TestNextBatchSkipsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	seed(t, st,
		activeRecord("old", baseTime, 10),
		activeRecord("new", baseTime.Add(time.Hour), 10),
	)
	faulty := &faultyStore{Store: st, corruptID: "new"}
	sel := NewSelector(faulty, nil)

	batch, err := sel.NextBatch(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "old", batch.DocumentID)

	// Only the corrupt record is left; it never blocks the caller.
	_, err = sel.NextBatch(ctx, 100)
	assert.ErrorIs(t, err, ErrNoActiveDocument)

	_, err = faulty.Load(ctx, "new")
	assert.ErrorIs(t, err, store.ErrCorruptRecord)
}

func TestNextBatchTieBreaksOnID(t *testing.T) {
	st := newFileStore(t)
	seed(t, st,
		activeRecord("beta", baseTime, 10),
		activeRecord("alpha", baseTime, 10),
	)
	sel := NewSelector(st, nil)

	batch, err := sel.NextBatch(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, "alpha", batch.DocumentID)
}

// Every page is handed out exactly once, in ascending order per document,
// no batch exceeds the limit, and archived documents yield nothing further.
func TestNextBatchExactlyOnceAndOrdered(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	seed(t, st,
		activeRecord("a", baseTime, 120, 80, 300, 50, 50, 400),
		activeRecord("b", baseTime.Add(time.Minute), 10, 20, 30),
		activeRecord("c", baseTime.Add(2*time.Minute), 400, 400, 400, 1),
	)
	sel := NewSelector(st, nil)

	const limit = 450
	seen := map[string][]int{}
	for i := 0; i < 100; i++ {
		batch, err := sel.NextBatch(ctx, limit)
		if errors.Is(err, ErrNoActiveDocument) {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, batch.TotalTokens, limit)
		sum := 0
		for _, p := range batch.Pages {
			sum += p.TokenCount
		}
		assert.Equal(t, sum, batch.TotalTokens)
		seen[batch.DocumentID] = append(seen[batch.DocumentID], batch.PageNumbers()...)
	}

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, seen["a"])
	assert.Equal(t, []int{1, 2, 3}, seen["b"])
	assert.Equal(t, []int{1, 2, 3, 4}, seen["c"])

	for _, id := range []string{"a", "b", "c"} {
		rec, err := st.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StateArchived, rec.State, id)
	}
	_, err := sel.NextBatch(ctx, limit)
	assert.ErrorIs(t, err, ErrNoActiveDocument)
}

func TestNextBatchSaveFailureLeavesRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	seed(t, st, activeRecord("doc", baseTime, 100, 100, 100))
	faulty := &faultyStore{Store: st, failSave: true}
	sel := NewSelector(faulty, nil)

	_, err := sel.NextBatch(ctx, 250)
	require.ErrorIs(t, err, errInjected)

	// A restarted process sees nothing consumed and gets the same pages.
	restarted := st.reopen(t)
	rec, err := restarted.Load(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.RemainingPages())

	batch, err := NewSelector(restarted, nil).NextBatch(ctx, 250)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, batch.PageNumbers())
}

func TestNextBatchArchiveFailureIsRecovered(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	seed(t, st, activeRecord("doc", baseTime, 100))
	faulty := &faultyStore{Store: st, failArchive: true}
	sel := NewSelector(faulty, nil)

	batch, err := sel.NextBatch(ctx, 100)
	require.NoError(t, err, "pages are committed even if the relocation fails")
	assert.True(t, batch.DocumentArchived)

	pending, err := st.ListPendingArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc"}, pending)

	_, err = sel.NextBatch(ctx, 100)
	assert.ErrorIs(t, err, ErrNoActiveDocument, "archived state is enough to stop selection")

	n, err := sel.RecoverArchives(ctx)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 0, n)

	faulty.mu.Lock()
	faulty.failArchive = false
	faulty.mu.Unlock()
	n, err = sel.RecoverArchives(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(st.archive, "doc.json"))

	pending, err = st.ListPendingArchive(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestNextBatchStopsAtConsumedPage(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	rec := activeRecord("holey", baseTime, 10, 10, 10, 10)
	rec.Pages[1].Processed = true
	seed(t, st, rec)
	sel := NewSelector(st, nil)

	batch, err := sel.NextBatch(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, batch.PageNumbers())

	batch, err = sel.NextBatch(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, batch.PageNumbers())
	assert.True(t, batch.DocumentArchived)
}

func TestNextBatchPromotesExhaustedActiveRecord(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	done := activeRecord("done", baseTime.Add(time.Hour), 10, 10)
	done.Pages[0].Processed = true
	done.Pages[1].Processed = true
	seed(t, st, done, activeRecord("next", baseTime, 10))
	sel := NewSelector(st, nil)

	batch, err := sel.NextBatch(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "next", batch.DocumentID)

	rec, err := st.Load(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, models.StateArchived, rec.State)
	assert.FileExists(t, filepath.Join(st.archive, "done.json"))
}

func TestNextBatchConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	st := newFileStore(t)
	var recs []*models.DocumentRecord
	for i, id := range []string{"d1", "d2", "d3"} {
		tokens := make([]int, 10)
		for j := range tokens {
			tokens[j] = 100
		}
		recs = append(recs, activeRecord(id, baseTime.Add(time.Duration(i)*time.Minute), tokens...))
	}
	seed(t, st, recs...)
	sel := NewSelector(st, nil)

	var (
		mu    sync.Mutex
		count = map[string]int{}
		wg    sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := sel.NextBatch(ctx, 250)
				if errors.Is(err, ErrNoActiveDocument) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				for _, n := range batch.PageNumbers() {
					count[fmt.Sprintf("%s/%d", batch.DocumentID, n)]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, count, 30)
	for page, n := range count {
		assert.Equal(t, 1, n, "page %s handed out more than once", page)
	}
}

func TestRecoverArchivesNothingPending(t *testing.T) {
	st := newFileStore(t)
	seed(t, st, activeRecord("doc", baseTime, 10))
	n, err := NewSelector(st, nil).RecoverArchives(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
