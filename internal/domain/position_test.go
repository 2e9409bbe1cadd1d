package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func sampleRecord() PositionRecord {
	return PositionRecord{
		SignalID:      "sig-1",
		SetupID:       "GEX Long",
		Direction:     DirectionLong,
		TotalQuantity: 10,
		StopQuantity:  10,
		StopPrice:     4988,
		Target1Price:  ptr(5010),
		Status:        StatusFilled,
		Legs: []OrderLeg{
			{Role: LegEntry, OrderID: "e", Quantity: 10, Status: FillFilled, FillPrice: ptr(5000)},
			{Role: LegStop, OrderID: "s", Quantity: 10, Price: 4988, Status: FillUnfilled},
			{Role: LegTarget1, OrderID: "t1", Quantity: 5, Price: 5010, Status: FillUnfilled},
		},
		EntryFillPrice: ptr(5000),
		CreatedAt:      time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
	}
}

func TestCloneIsDeep(t *testing.T) {
	rec := sampleRecord()
	cp := rec.Clone()
	cp.Legs[0].Status = FillCancelled
	*cp.EntryFillPrice = 1
	*cp.Legs[0].FillPrice = 2

	assert.Equal(t, FillFilled, rec.Legs[0].Status)
	assert.Equal(t, 5000.0, *rec.EntryFillPrice)
	assert.Equal(t, 5000.0, *rec.Legs[0].FillPrice)
}

func TestCheckInvariants(t *testing.T) {
	rec := sampleRecord()
	require.NoError(t, rec.CheckInvariants())

	rec.Leg(LegTarget1).Status = FillFilled
	assert.Error(t, rec.CheckInvariants(), "stop quantity not reduced")

	rec.StopQuantity = 5
	assert.NoError(t, rec.CheckInvariants())

	rec.Status = StatusClosed
	assert.Error(t, rec.CheckInvariants(), "stop still working")

	rec.Leg(LegStop).Status = FillCancelled
	assert.NoError(t, rec.CheckInvariants())
}

func TestOpenQuantity(t *testing.T) {
	rec := sampleRecord()
	assert.Equal(t, 10, rec.OpenQuantity())

	rec.Leg(LegTarget1).Status = FillFilled
	assert.Equal(t, 5, rec.OpenQuantity())

	rec.Leg(LegStop).Status = FillFilled
	assert.Equal(t, 0, rec.OpenQuantity())

	rec = sampleRecord()
	rec.Status = StatusPendingEntry
	assert.Equal(t, 0, rec.OpenQuantity())
}

func TestRealizedPoints(t *testing.T) {
	rec := sampleRecord()
	t1 := rec.Leg(LegTarget1)
	t1.Status = FillFilled
	t1.FillPrice = ptr(5010)
	rec.StopQuantity = 5
	stop := rec.Leg(LegStop)
	stop.Status = FillFilled
	stop.FillPrice = ptr(5000)

	assert.InDelta(t, 50.0, rec.RealizedPoints(), 1e-9)

	rec.Direction = DirectionShort
	assert.InDelta(t, -50.0, rec.RealizedPoints(), 1e-9)
}

func TestRecordJSONIsSelfDescribing(t *testing.T) {
	rec := sampleRecord()
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{"signal_id", "setup_id", "direction", "total_quantity",
		"stop_quantity", "stop_price", "target1_price", "status", "legs",
		"breakeven_applied", "entry_fill_price", "created_at"} {
		assert.Contains(t, fields, key)
	}

	var back PositionRecord
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, rec, back)
}

func TestPlacementErrorKinds(t *testing.T) {
	err := &PlacementError{Kind: StopPlacementFailed, SignalID: "sig-1", Role: LegStop, Err: ErrRateLimited}
	assert.True(t, IsKind(err, StopPlacementFailed))
	assert.False(t, IsKind(err, EntryPlacementFailed))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, StopPlacementFailed.Escalates())
	assert.False(t, TargetPlacementFailed.Escalates())
}
