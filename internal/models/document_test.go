package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(tokens ...int) *DocumentRecord {
	rec := &DocumentRecord{
		ID:           "contract-abc",
		DocumentName: "contract.pdf",
		IngestedAt:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		State:        StateActive,
	}
	for i, t := range tokens {
		rec.Pages = append(rec.Pages, PageRecord{PageNumber: i + 1, TokenCount: t, Content: "page"})
	}
	return rec
}

func TestValidate(t *testing.T) {
	require.NoError(t, newRecord(1, 2, 3).Validate())

	gap := newRecord(1, 2, 3)
	gap.Pages[2].PageNumber = 4
	assert.Error(t, gap.Validate())

	negative := newRecord(1, -2)
	assert.Error(t, negative.Validate())

	badState := newRecord(1)
	badState.State = "done"
	assert.Error(t, badState.Validate())

	noID := newRecord(1)
	noID.ID = ""
	assert.Error(t, noID.Validate())
}

func TestFirstUnprocessed(t *testing.T) {
	rec := newRecord(10, 20, 30)
	assert.Equal(t, 0, rec.FirstUnprocessed())

	rec.Pages[0].Processed = true
	assert.Equal(t, 1, rec.FirstUnprocessed())
	assert.Equal(t, 2, rec.RemainingPages())
	assert.False(t, rec.AllProcessed())

	rec.Pages[1].Processed = true
	rec.Pages[2].Processed = true
	assert.Equal(t, -1, rec.FirstUnprocessed())
	assert.True(t, rec.AllProcessed())
	assert.Equal(t, 60, rec.TotalTokens())
}

func TestCloneIsIndependent(t *testing.T) {
	rec := newRecord(1, 2)
	c := rec.Clone()
	c.Pages[0].Processed = true
	assert.False(t, rec.Pages[0].Processed)
}

func TestRecordJSONLayout(t *testing.T) {
	rec := newRecord(500)
	rec.Pages[0].Processed = true
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"document_name", "document_directory", "document_processed_date", "pages", "state"} {
		assert.Contains(t, raw, key)
	}
	page := raw["pages"].([]any)[0].(map[string]any)
	assert.Equal(t, true, page["processed"])
	assert.EqualValues(t, 500, page["token_count"])

	var back DocumentRecord
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, rec.Pages, back.Pages)
	assert.True(t, rec.IngestedAt.Equal(back.IngestedAt))
}

func TestBatchText(t *testing.T) {
	b := &Batch{Pages: []PageRecord{
		{PageNumber: 3, Content: "three"},
		{PageNumber: 4, Content: "four"},
	}}
	assert.Equal(t, []int{3, 4}, b.PageNumbers())
	assert.Equal(t, "three"+PageSeparator+"four", b.Text())
}
