package handlers

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parcel-sorter/internal/event"
	"parcel-sorter/internal/web"
)

type recordExporter struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (r *recordExporter) Publish(e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordExporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestHandlersFeedTrackerAndExporter(t *testing.T) {
	bus := event.NewBus()
	st := web.NewStateTracker(nil)
	exp := &recordExporter{}
	RegisterEventHandlers(bus, st, slog.New(slog.NewTextHandler(io.Discard, nil)), exp)

	bus.Publish(event.Event{Type: event.ParcelInducted, Code: "JT1", Tag: "D01ID0001"})
	bus.Publish(event.Event{Type: event.LinkUp, Link: "supply"})
	bus.Publish(event.Event{Type: event.RequestFailed, Code: "JT2", Detail: "timeout"})

	require.Eventually(t, func() bool { return exp.count() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		s := st.GetStateSnapshot()
		_, ok := s.Parcels["JT1"]
		return ok && s.Links["supply"]
	}, time.Second, 5*time.Millisecond)
}

func TestExporterErrorsDoNotStopTracker(t *testing.T) {
	bus := event.NewBus()
	st := web.NewStateTracker(nil)
	exp := &recordExporter{err: errors.New("offline")}
	RegisterEventHandlers(bus, st, slog.New(slog.NewTextHandler(io.Discard, nil)), exp)

	bus.Publish(event.Event{Type: event.LoginSucceeded})

	require.Eventually(t, func() bool { return st.GetStateSnapshot().Login == "ok" }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return exp.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNilExporter(t *testing.T) {
	bus := event.NewBus()
	st := web.NewStateTracker(nil)
	RegisterEventHandlers(bus, st, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	bus.Publish(event.Event{Type: event.SlotStateChanged, Slot: 3, Detail: "locked"})
	require.Eventually(t, func() bool {
		_, ok := st.GetStateSnapshot().Slots[3]
		return ok
	}, time.Second, 5*time.Millisecond)
}
