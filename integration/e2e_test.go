package integration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Bldg-7/chargebay/internal/shared"
	"github.com/Bldg-7/chargebay/internal/station"
	"github.com/Bldg-7/chargebay/internal/storage"
)

func segment(slot, hue int, mode shared.IndicatorMode) string {
	return fmt.Sprintf("SEG %d POS %d COLOR %d MODE %s", slot, slot, hue, mode)
}

func waitInitialPaint(t *testing.T, h *stationHarness) {
	t.Helper()
	waitFor(t, 3*time.Second, func() bool {
		for slot := 0; slot < h.cfg.Slots.Count; slot++ {
			if h.device.lastCommand(slot) != segment(slot, shared.HueAmber, shared.ModePulse) {
				return false
			}
		}
		return true
	}, "every slot painted available")
}

func TestScanThenInsertOpensSession(t *testing.T) {
	h := newStationHarness(t, 0)
	ctx := context.Background()
	waitInitialPaint(t, h)

	h.scan("0012345678")
	h.waitPending(1)
	h.device.send("SLOT_2:PRESENT")

	waitFor(t, 2*time.Second, func() bool {
		return h.slot(2).Identifier == "0012345678"
	}, "slot 2 assigned")
	if n := h.server.State().PendingCount(); n != 0 {
		t.Fatalf("expected matched scan to leave the queue, %d pending", n)
	}

	waitFor(t, 2*time.Second, func() bool {
		current, err := h.store.CurrentCharging(ctx)
		return err == nil && len(current) == 1 && current[0].SlotID == 2
	}, "current charging row")

	waitFor(t, 2*time.Second, func() bool {
		return h.device.lastCommand(2) == segment(2, shared.HueRed, shared.ModeSolid)
	}, "slot 2 painted charging")

	opened := h.sink.ofType(shared.EventSessionOpened)
	if len(opened) != 1 || opened[0].SlotID != 2 || opened[0].Identifier != "0012345678" {
		t.Fatalf("unexpected session_opened events: %+v", opened)
	}

	waitFor(t, 2*time.Second, func() bool {
		requests, err := h.store.PendingNameRequests(ctx)
		return err == nil && len(requests) == 1 && requests[0].Identifier == "0012345678"
	}, "name request for unnamed battery")
}

func TestChargeCycleCountsAfterThreshold(t *testing.T) {
	h := newStationHarness(t, 1)
	ctx := context.Background()
	waitInitialPaint(t, h)

	h.scan("0087654321")
	h.waitPending(1)
	h.device.send("SLOT_3:PRESENT")

	waitFor(t, 4*time.Second, func() bool {
		return h.device.lastCommand(3) == segment(3, shared.HueGreen, shared.ModeDeepPulse)
	}, "slot 3 painted as the next battery")

	next := h.sink.ofType(shared.EventNextChanged)
	if len(next) == 0 || !next[len(next)-1].HasCandidate || next[len(next)-1].SlotID != 3 {
		t.Fatalf("expected next_changed to point at slot 3, got %+v", next)
	}

	h.device.send("SLOT_3:REMOVED")

	waitFor(t, 2*time.Second, func() bool {
		account, err := h.store.GetAccount(ctx, "0087654321")
		return err == nil && account.TotalCycles == 1
	}, "account counts the cycle")

	account, err := h.store.GetAccount(ctx, "0087654321")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.TotalChargeSeconds < 1 || account.AverageChargeSeconds != account.TotalChargeSeconds {
		t.Fatalf("unexpected aggregates: %+v", account)
	}
	if account.IsCharging {
		t.Fatal("expected charging flag cleared after removal")
	}

	closed := h.sink.ofType(shared.EventSessionClosed)
	if len(closed) != 1 || !closed[0].Counted {
		t.Fatalf("expected one counted session_closed, got %+v", closed)
	}

	sessions, err := h.store.Sessions(ctx, "0087654321", 10)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Status != storage.SessionClosed || sessions[0].DurationSeconds == nil {
		t.Fatalf("unexpected session rows: %+v", sessions)
	}

	waitFor(t, 2*time.Second, func() bool {
		return h.device.lastCommand(3) == segment(3, shared.HueAmber, shared.ModePulse)
	}, "slot 3 painted available again")
}

func TestShortSessionIsNotCounted(t *testing.T) {
	h := newStationHarness(t, 0)
	ctx := context.Background()
	waitInitialPaint(t, h)

	h.scan("0011112222")
	h.waitPending(1)
	h.device.send("SLOT_1:PRESENT")
	waitFor(t, 2*time.Second, func() bool {
		return h.slot(1).Assigned()
	}, "slot 1 assigned")

	h.device.send("SLOT_1:REMOVED")
	waitFor(t, 2*time.Second, func() bool {
		return len(h.sink.ofType(shared.EventAccountUpdated)) == 1
	}, "account update")

	closed := h.sink.ofType(shared.EventSessionClosed)
	if len(closed) != 1 || closed[0].Counted {
		t.Fatalf("expected one uncounted session_closed, got %+v", closed)
	}
	account, err := h.store.GetAccount(ctx, "0011112222")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.TotalCycles != 0 || account.TotalChargeSeconds != 0 {
		t.Fatalf("expected no counted cycles, got %+v", account)
	}
}

func TestInsertWithoutScanStaysUnmatched(t *testing.T) {
	h := newStationHarness(t, 0)
	ctx := context.Background()
	waitInitialPaint(t, h)

	h.device.send("garbage from the controller")
	h.device.send("SLOT_X:PRESENT")
	h.device.send("SLOT_9:PRESENT")
	h.device.send("12:00:01 SLOT_4:PRESENT")

	waitFor(t, 2*time.Second, func() bool {
		return len(h.sink.ofType(shared.EventSlotUnmatched)) == 1
	}, "slot_unmatched event")

	unmatched := h.sink.ofType(shared.EventSlotUnmatched)[0]
	if unmatched.SlotID != 4 {
		t.Fatalf("expected slot 4 unmatched, got %d", unmatched.SlotID)
	}
	slot := h.slot(4)
	if slot.State != shared.SlotPresent || slot.Assigned() {
		t.Fatalf("expected slot 4 occupied and unassigned, got %+v", slot)
	}

	// A late scan must not claim the occupied slot.
	h.scan("0099999999")
	h.waitPending(1)
	time.Sleep(100 * time.Millisecond)
	if h.slot(4).Assigned() {
		t.Fatal("late scan was assigned to an already occupied slot")
	}

	current, err := h.store.CurrentCharging(ctx)
	if err != nil {
		t.Fatalf("current charging: %v", err)
	}
	if len(current) != 0 {
		t.Fatalf("expected nothing charging, got %+v", current)
	}
	if h.device.lastCommand(4) != segment(4, shared.HueAmber, shared.ModePulse) {
		t.Fatalf("unmatched slot should stay available, got %q", h.device.lastCommand(4))
	}
}

func TestScansMatchInArrivalOrder(t *testing.T) {
	h := newStationHarness(t, 0)
	waitInitialPaint(t, h)

	h.scan("00000000AA")
	h.scan("00000000BB")
	h.waitPending(2)
	h.device.send("SLOT_0:PRESENT")
	h.device.send("SLOT_6:PRESENT")

	waitFor(t, 2*time.Second, func() bool {
		return h.slot(0).Assigned() && h.slot(6).Assigned()
	}, "both slots assigned")

	if got := h.slot(0).Identifier; got != "00000000AA" {
		t.Fatalf("slot 0: expected first scan, got %q", got)
	}
	if got := h.slot(6).Identifier; got != "00000000BB" {
		t.Fatalf("slot 6: expected second scan, got %q", got)
	}
}

func TestFirmwareAndHealth(t *testing.T) {
	h := newStationHarness(t, 0)

	waitFor(t, 2*time.Second, func() bool {
		return h.server.Link().FirmwareVersion() == "1.3.0"
	}, "firmware banner")

	result := h.server.Health().CheckReadiness(context.Background())
	if result.Status != station.HealthHealthy {
		t.Fatalf("expected healthy station, got %+v", result)
	}

	_, err := h.store.MinimumDuration(context.Background())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected threshold unset, got %v", err)
	}
}
