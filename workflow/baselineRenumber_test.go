package workflow

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/projects_backend/models"
)

func TestComputeBaselineRanks_ConsistentLedgerProducesNoChanges(t *testing.T) {
	jan10 := time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC)
	jan20 := time.Date(2023, 1, 20, 0, 0, 0, 0, time.UTC)

	rows := []*models.BaselineVersion{
		{ID: 1, MilestoneId: 7, Version: 1, VariationId: nil, CreatedAt: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: 2, MilestoneId: 7, Version: 2, VariationId: intPtr(11), CreatedAt: jan10},
		{ID: 3, MilestoneId: 7, Version: 3, VariationId: intPtr(12), CreatedAt: jan20},
	}

	if changes := computeBaselineRanks(rows); len(changes) != 0 {
		t.Fatalf("expected no changes on a consistent ledger, got %d", len(changes))
	}
}

func TestComputeBaselineRanks_OriginalRowAlwaysRanksFirst(t *testing.T) {
	// A reconstructed original can carry a created_at LATER than existing
	// amendment rows (current-time fallback). It must still rank 1.
	rows := []*models.BaselineVersion{
		{ID: 2, MilestoneId: 7, Version: 2, VariationId: intPtr(11), CreatedAt: time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC)},
		{ID: 9, MilestoneId: 7, Version: 6, VariationId: nil, CreatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)},
	}

	changes := computeBaselineRanks(rows)
	if len(changes) != 1 {
		t.Fatalf("expected 1 change, got %d", len(changes))
	}
	if changes[0].Row.ID != 9 || changes[0].Version != 1 {
		t.Fatalf("expected original row 9 to be assigned version 1, got row %d version %d", changes[0].Row.ID, changes[0].Version)
	}
}

func TestComputeBaselineRanks_CompactsGapsInApplicationOrder(t *testing.T) {
	// Milestone with rows version=2 (Jan 10) and version=5 (Jan 20) plus a
	// reconstructed original parked at version 6: final numbering is 1, 2, 3.
	jan10 := time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC)
	jan20 := time.Date(2023, 1, 20, 0, 0, 0, 0, time.UTC)

	rows := []*models.BaselineVersion{
		{ID: 21, MilestoneId: 7, Version: 2, VariationId: intPtr(2), CreatedAt: jan10},
		{ID: 22, MilestoneId: 7, Version: 5, VariationId: intPtr(5), CreatedAt: jan20},
		{ID: 23, MilestoneId: 7, Version: 6, VariationId: nil, CreatedAt: time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC)},
	}

	changes := computeBaselineRanks(rows)
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(changes))
	}
	want := map[int]int{23: 1, 21: 2, 22: 3}
	for _, ch := range changes {
		if want[ch.Row.ID] != ch.Version {
			t.Fatalf("row %d: expected version %d, got %d", ch.Row.ID, want[ch.Row.ID], ch.Version)
		}
	}
}

func TestComputeBaselineRanks_DirtySlotOneYieldsToParkedOriginal(t *testing.T) {
	// Dirty data holds version 1 with a non-null variation, so the
	// reconstructed original was parked at the next free slot. The original
	// still takes rank 1 and the dirty row falls into created_at order.
	rows := []*models.BaselineVersion{
		{ID: 41, MilestoneId: 7, Version: 1, VariationId: intPtr(9), CreatedAt: time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC)},
		{ID: 42, MilestoneId: 7, Version: 2, VariationId: intPtr(2), CreatedAt: time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC)},
		{ID: 43, MilestoneId: 7, Version: 3, VariationId: nil, CreatedAt: time.Date(2023, 1, 5, 0, 0, 0, 0, time.UTC)},
	}

	changes := computeBaselineRanks(rows)
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes (row 42 already at its rank), got %d", len(changes))
	}
	want := map[int]int{43: 1, 41: 3}
	for _, ch := range changes {
		if want[ch.Row.ID] != ch.Version {
			t.Fatalf("row %d: expected version %d, got %d", ch.Row.ID, want[ch.Row.ID], ch.Version)
		}
	}
}

func TestComputeBaselineRanks_IdenticalTimestampsBreakTiesOnRowId(t *testing.T) {
	at := time.Date(2023, 1, 10, 0, 0, 0, 0, time.UTC)
	rows := []*models.BaselineVersion{
		{ID: 1, MilestoneId: 7, Version: 1, VariationId: nil, CreatedAt: at},
		{ID: 31, MilestoneId: 7, Version: 5, VariationId: intPtr(11), CreatedAt: at},
		{ID: 30, MilestoneId: 7, Version: 4, VariationId: intPtr(12), CreatedAt: at},
	}

	for run := 0; run < 10; run++ {
		changes := computeBaselineRanks(rows)
		if len(changes) != 2 {
			t.Fatalf("run=%d expected 2 changes, got %d", run, len(changes))
		}
		want := map[int]int{30: 2, 31: 3}
		for _, ch := range changes {
			if want[ch.Row.ID] != ch.Version {
				t.Fatalf("run=%d row %d: expected version %d, got %d", run, ch.Row.ID, want[ch.Row.ID], ch.Version)
			}
		}
	}
}
