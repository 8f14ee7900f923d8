package s3blob

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratops/bitdash/internal/domain"
)

func TestMarshalJSONL_OneCompactLinePerRecord(t *testing.T) {
	records := []domain.Position{
		{ID: "pos-1", Symbol: "BTCUSDT", Side: domain.SideBuy},
		{ID: "pos-2", Symbol: "ETHUSDT", Side: domain.SideSell},
	}

	buf, err := marshalJSONL(records)
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimRight(buf, "\n"), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"id":"pos-1"`)
	assert.Contains(t, string(lines[1]), `"id":"pos-2"`)
}

func TestObjectKey_PartitionedByMonth(t *testing.T) {
	a := &Archiver{prefix: "closed-positions"}
	since := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	assert.Equal(t,
		"closed-positions/2026-08/2026-08-30T12-00-00Z.jsonl",
		a.objectKey(since))
}

func TestMaxClosedAt_AdvancesPastLatestRow(t *testing.T) {
	early := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	late := time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)

	cursor := maxClosedAt([]domain.Position{
		{ID: "pos-1", ClosedAt: &early},
		{ID: "pos-2", ClosedAt: &late},
		{ID: "pos-3"}, // no close timestamp
	}, early)

	assert.True(t, cursor.After(late))
	assert.Equal(t, time.Nanosecond, cursor.Sub(late))
}

func TestMaxClosedAt_EmptyBatchKeepsFallback(t *testing.T) {
	fallback := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	cursor := maxClosedAt(nil, fallback)
	assert.Equal(t, fallback.Add(time.Nanosecond), cursor)
}
