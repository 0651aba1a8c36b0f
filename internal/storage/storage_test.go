package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"chromafits/internal/params"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPresetSaveAndGet(t *testing.T) {
	s := testStore(t)

	p := params.Defaults()
	p.ColorVal = params.Float(0.7)
	p.Zeropoint = []float64{22.5, 23.0, 22.0}
	if err := s.SavePreset("andromeda", "deep M31 mosaic", p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetPreset("andromeda")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "deep M31 mosaic" {
		t.Fatalf("description not round-tripped: %q", got.Description)
	}
	if *got.Parameters.ColorVal != 0.7 || len(got.Parameters.Zeropoint) != 3 {
		t.Fatalf("parameters not round-tripped: %+v", got.Parameters)
	}

	_, err = s.GetPreset("unknown")
	if !errors.Is(err, ErrPresetNotFound) {
		t.Fatalf("expected ErrPresetNotFound, got %v", err)
	}
}

func TestPresetSaveOverwrites(t *testing.T) {
	s := testStore(t)

	p := params.Defaults()
	if err := s.SavePreset("wip", "", p); err != nil {
		t.Fatalf("save: %v", err)
	}
	p.Contrast = 5
	if err := s.SavePreset("wip", "tuned", p); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	got, err := s.GetPreset("wip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Parameters.Contrast != 5 || got.Description != "tuned" {
		t.Fatalf("overwrite did not stick: %+v", got)
	}
	presets, err := s.ListPresets()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(presets) != 1 {
		t.Fatalf("overwrite must not duplicate, got %d presets", len(presets))
	}
}

func TestPresetRejectsEmptyName(t *testing.T) {
	s := testStore(t)
	if err := s.SavePreset("  ", "", params.Defaults()); err == nil {
		t.Fatalf("blank name must be rejected")
	}
}

func TestPresetDelete(t *testing.T) {
	s := testStore(t)
	if err := s.SavePreset("temp", "", params.Defaults()); err != nil {
		t.Fatalf("save: %v", err)
	}

	deleted, err := s.DeletePreset("temp")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Fatalf("expected deletion")
	}
	deleted, err = s.DeletePreset("temp")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if deleted {
		t.Fatalf("second delete must be a no-op")
	}
}

func TestPresetRename(t *testing.T) {
	s := testStore(t)
	if err := s.SavePreset("old", "", params.Defaults()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SavePreset("taken", "", params.Defaults()); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.RenamePreset("old", "taken"); !errors.Is(err, ErrPresetExists) {
		t.Fatalf("expected ErrPresetExists, got %v", err)
	}
	if err := s.RenamePreset("missing", "fresh"); !errors.Is(err, ErrPresetNotFound) {
		t.Fatalf("expected ErrPresetNotFound, got %v", err)
	}

	if err := s.RenamePreset("old", "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := s.GetPreset("new"); err != nil {
		t.Fatalf("renamed preset must be fetchable: %v", err)
	}
	if _, err := s.GetPreset("old"); !errors.Is(err, ErrPresetNotFound) {
		t.Fatalf("old name must be gone, got %v", err)
	}
}

func TestHistoryAppendAndRecent(t *testing.T) {
	s := testStore(t)

	for i, outcome := range []string{OutcomeSucceeded, OutcomeFailed, OutcomeCacheHit} {
		argv := []string{"astscript-color-faint-gray", "r.fits", "g.fits", "b.fits"}
		p := params.Defaults()
		p.Quality = 90 + i
		if err := s.AppendHistory(argv, p, outcome); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	recs, err := s.RecentHistory(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[0].Outcome != OutcomeCacheHit || recs[2].Outcome != OutcomeSucceeded {
		t.Fatalf("records out of order: %s, %s, %s", recs[0].Outcome, recs[1].Outcome, recs[2].Outcome)
	}
	if recs[0].Parameters.Quality != 92 {
		t.Fatalf("parameters not round-tripped: %+v", recs[0].Parameters)
	}

	limited, err := s.RecentHistory(2)
	if err != nil {
		t.Fatalf("recent limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit not applied, got %d", len(limited))
	}
}

func TestHistoryFilter(t *testing.T) {
	s := testStore(t)

	if err := s.AppendHistory([]string{"astscript-color-faint-gray", "M31_r.fits"}, params.Defaults(), OutcomeSucceeded); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.AppendHistory([]string{"astscript-color-faint-gray", "ngc7000_r.fits"}, params.Defaults(), OutcomeSucceeded); err != nil {
		t.Fatalf("append: %v", err)
	}

	hits, err := s.FilterHistory("m31", 10)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("case-insensitive filter must hit once, got %d", len(hits))
	}
	none, err := s.FilterHistory("horsehead", 10)
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no hits, got %d", len(none))
	}
}

func TestHistoryPrune(t *testing.T) {
	s := testStore(t)

	for i := 0; i < 3; i++ {
		if err := s.AppendHistory([]string{"astscript-color-faint-gray"}, params.Defaults(), OutcomeSucceeded); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	removed, err := s.PruneHistory()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	recs, err := s.RecentHistory(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("history must be empty after prune")
	}
}
