package line

import (
	"testing"
	"time"

	"parcel-sorter/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencerWrapsPerStation(t *testing.T) {
	var s Sequencer
	for station := 1; station <= types.MaxStations; station++ {
		prev := 0
		for i := 0; i < 3; i++ {
			order, err := s.Next(station)
			require.NoError(t, err)
			assert.Greater(t, order, prev)
			prev = order
		}
	}

	s.Set(5, types.MaxSupplyOrder)
	order, err := s.Next(5)
	require.NoError(t, err)
	assert.Equal(t, 1, order)
	assert.Equal(t, 3, s.Current(4))

	_, err = s.Next(0)
	assert.ErrorIs(t, err, ErrInvalidStation)
	_, err = s.Next(13)
	assert.ErrorIs(t, err, ErrInvalidStation)
}

func TestTagRoundTrip(t *testing.T) {
	assert.Equal(t, "D03ID0042", FormatTag(3, 42))
	station, order, err := ParseTag("D12ID9999")
	require.NoError(t, err)
	assert.Equal(t, 12, station)
	assert.Equal(t, 9999, order)

	_, _, err = ParseTag("X01")
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestParseScanRecord(t *testing.T) {
	now := time.Now()
	ev, err := ParseScanRecord([]byte("JT000123,1.20,3\r\n"), now)
	require.NoError(t, err)
	assert.Equal(t, types.ScanEvent{Code: "JT000123", Weight: "1.20", StationID: 3, ScanTime: now}, ev)

	_, err = ParseScanRecord([]byte("JT000123,1.20"), now)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	_, err = ParseScanRecord([]byte("JT000123,1.20,x"), now)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	_, err = ParseScanRecord([]byte("JT000123,1.20,13"), now)
	assert.ErrorIs(t, err, ErrInvalidStation)
	_, err = ParseScanRecord([]byte(",1.20,2"), now)
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestOutboundMessages(t *testing.T) {
	assert.Equal(t, "STD03ID004200000", SupplyMessage(3, 42))
	assert.Equal(t, "GKD03ID0042G17", SlotAssignMessage("D03ID0042", 17))
}

func TestParseUnloadFeedback(t *testing.T) {
	segs := ParseUnloadFeedback("D03ID0042G17#D1ID7G5#noise#D04ID0001GFA#")
	require.Len(t, segs, 3)
	assert.Equal(t, UnloadSegment{Tag: "D03ID0042", Slot: 17}, segs[0])
	assert.Equal(t, UnloadSegment{Tag: "D01ID0007", Slot: 5}, segs[1])
	assert.Equal(t, UnloadSegment{Tag: "D04ID0001", Slot: types.UnknownSlot, Failed: true}, segs[2])

	assert.Empty(t, ParseUnloadFeedback("0000000000000000"))
}

func TestParseSlotStatus(t *testing.T) {
	got := ParseSlotStatus("G12S1#G3S0#G4S7#")
	assert.Equal(t, []SlotStatusUpdate{
		{Slot: 12, Status: types.SlotLocked},
		{Slot: 3, Status: types.SlotNormal},
	}, got)
}

func TestParsePDAMessage(t *testing.T) {
	m, err := ParsePDAMessage("BIND:PKG8899,12,extra")
	require.NoError(t, err)
	assert.Equal(t, PDAMessage{Prefix: "BIND", PackageTag: "PKG8899", Slot: 12}, m)

	for _, bad := range []string{"PKG8899,12", "BIND:PKG8899", "BIND:,3", "BIND:PKG,x"} {
		_, err := ParsePDAMessage(bad)
		assert.ErrorIs(t, err, ErrMalformedRecord, bad)
	}
}
