package journal

import (
	"path/filepath"
	"testing"
	"time"

	"taskyard/internal/domain"
)

func TestTickLogWritesEveryNthTick(t *testing.T) {
	dir := t.TempDir()
	log := NewTickLog(dir, 5)
	fixed := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	log.now = func() time.Time { return fixed }

	for tick := uint64(0); tick <= 12; tick++ {
		snap := &domain.Snapshot{
			Tick:     tick,
			Stations: []domain.StationView{{ID: 1, Type: domain.StationTypeLLM, Processing: tick%2 == 0}},
		}
		if err := log.Record(snap); err != nil {
			t.Fatalf("record tick %d: %v", tick, err)
		}
	}
	if err := log.Record(nil); err != nil {
		t.Fatalf("record nil: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	snaps, err := ReadSnapshots(filepath.Join(dir, "ticks-2026-03-01-14.jsonl.zst"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("snapshots=%d want 3", len(snaps))
	}
	for i, want := range []uint64{0, 5, 10} {
		if snaps[i].Tick != want {
			t.Fatalf("snapshot %d tick=%d want %d", i, snaps[i].Tick, want)
		}
	}
	if len(snaps[2].Stations) != 1 || !snaps[2].Stations[0].Processing {
		t.Fatalf("station view lost: %+v", snaps[2].Stations)
	}
}

func TestTickLogRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	log := NewTickLog(dir, 1)
	at := time.Date(2026, 3, 1, 14, 59, 0, 0, time.UTC)
	log.now = func() time.Time { return at }

	if err := log.Record(&domain.Snapshot{Tick: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	at = at.Add(2 * time.Minute)
	if err := log.Record(&domain.Snapshot{Tick: 2}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for hour, tick := range map[string]uint64{"14": 1, "15": 2} {
		snaps, err := ReadSnapshots(filepath.Join(dir, "ticks-2026-03-01-"+hour+".jsonl.zst"))
		if err != nil {
			t.Fatalf("read hour %s: %v", hour, err)
		}
		if len(snaps) != 1 || snaps[0].Tick != tick {
			t.Fatalf("hour %s: %+v", hour, snaps)
		}
	}
}
