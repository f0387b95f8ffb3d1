package logging

import (
	"testing"
	"time"
)

func TestDeduplicatorSuppressesWithinWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := NewDeduplicatorWithClock(time.Hour, func() time.Time { return now })

	if !d.ShouldLog("no-mentions:group/project") {
		t.Fatal("first call should log")
	}
	if d.ShouldLog("no-mentions:group/project") {
		t.Error("repeat within the window should be suppressed")
	}
	if !d.ShouldLog("no-mentions:group/other") {
		t.Error("different key should log independently")
	}

	now = now.Add(61 * time.Minute)
	if !d.ShouldLog("no-mentions:group/project") {
		t.Error("call after the window elapsed should log again")
	}
}

func TestDeduplicatorCleanup(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d := NewDeduplicatorWithClock(time.Hour, func() time.Time { return now })

	d.ShouldLog("old")
	now = now.Add(3 * time.Hour)
	d.ShouldLog("fresh")

	d.Cleanup()

	if len(d.lastLogged) != 1 {
		t.Errorf("entries after cleanup = %d, want 1", len(d.lastLogged))
	}
	if _, ok := d.lastLogged["fresh"]; !ok {
		t.Error("recent entry should survive cleanup")
	}
}
