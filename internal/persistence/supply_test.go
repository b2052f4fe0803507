package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"parcel-sorter/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) (*SupplyRepository, *FileStore) {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "store.journal"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewSupplyRepository(s), s
}

func TestUpsertPreservesExistingSlot(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	a := types.SlotAssignment{
		Code: "JT000123", SlotID: types.UnknownSlot, SupplyID: 3, SupplyOrder: 42,
		Weight: "1.20", ScanTime: time.Now(), Mode: types.ModeArrival, Tag: "D03ID0042",
	}
	slot, err := repo.UpsertAssignment(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, types.UnknownSlot, slot)

	require.NoError(t, repo.SetSlot(ctx, "JT000123", 15))

	a.SupplyOrder = 43
	a.Tag = "D03ID0043"
	slot, err = repo.UpsertAssignment(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 15, slot)

	got, err := repo.Assignment(ctx, "JT000123")
	require.NoError(t, err)
	assert.Equal(t, 15, got.SlotID)
	assert.Equal(t, 3, got.SupplyID)
	assert.Equal(t, 43, got.SupplyOrder)
	assert.Equal(t, "D03ID0043", got.Tag)
	assert.Equal(t, types.ModeArrival, got.Mode)
}

func TestFindCodeByTagAndRelease(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	_, err := repo.UpsertAssignment(ctx, types.SlotAssignment{Code: "A", SlotID: -1, SupplyID: 1, SupplyOrder: 1, Tag: "D01ID0001"})
	require.NoError(t, err)

	code, err := repo.FindCodeByTag(ctx, "D01ID0001")
	require.NoError(t, err)
	assert.Equal(t, "A", code)

	require.NoError(t, repo.ReleaseTag(ctx, "A"))
	_, err = repo.FindCodeByTag(ctx, "D01ID0001")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.FindCodeByTag(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPictureURLAndJournal(t *testing.T) {
	ctx := context.Background()
	repo, store := newRepo(t)

	_, err := repo.PictureURL(ctx, "JT1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.InsertRow(ctx, PictureTable, Row{"code": "JT1", "short_url": "https://p/1"}))
	url, err := repo.PictureURL(ctx, "JT1")
	require.NoError(t, err)
	assert.Equal(t, "https://p/1", url)

	assert.ErrorIs(t, repo.RecordTerminalAnswer(ctx, "JT1", "{}"), ErrNotFound)
	require.NoError(t, repo.RecordTerminalRequest(ctx, "JT1", `{"waybillNo":"JT1"}`))
	require.NoError(t, repo.RecordTerminalAnswer(ctx, "JT1", `{"code":1}`))
	rows, err := store.ReadTable(ctx, TerminalTable)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, `{"waybillNo":"JT1"}`, rows[0]["request_body"])
	assert.Equal(t, `{"code":1}`, rows[0]["answer_body"])
}

func TestLoadRoutingTableMergesFallback(t *testing.T) {
	ctx := context.Background()
	_, store := newRepo(t)

	require.NoError(t, store.InsertRow(ctx, ArrivalRouteTable, Row{"terminal_code": "021", "slot_id": "5"}))
	require.NoError(t, store.InsertRow(ctx, ArrivalRouteTable, Row{"terminal_code": "bad", "slot_id": "x"}))
	require.NoError(t, store.InsertRow(ctx, DepartureRouteTable, Row{"terminal_code": "200", "slot_id": "8"}))

	fallback := types.RoutingTable{
		Arrival:   map[string]int{types.ExceptionKey: 98, "021": 1},
		Departure: map[string]int{types.InterceptKey: 99},
	}
	rt, err := LoadRoutingTable(ctx, store, fallback)
	require.NoError(t, err)
	assert.Equal(t, 5, rt.Arrival["021"])
	assert.Equal(t, 98, rt.Arrival[types.ExceptionKey])
	assert.NotContains(t, rt.Arrival, "bad")
	assert.Equal(t, 8, rt.Departure["200"])
	assert.Equal(t, 99, rt.Departure[types.InterceptKey])
	assert.Equal(t, 1, fallback.Arrival["021"])
}
