package workflow

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/projects_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. They validate the timestamp
// and billable selection rules the write path and the backfill share.
// Full DB integration tests live in baseline_integration_test.go and require
// docker (INTEGRATION_TESTS=1).

func timePtr(t time.Time) *time.Time { return &t }

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func intPtr(i int) *int { return &i }

func TestOriginalBaselineTimestamp_EarlierSignatureWins(t *testing.T) {
	t1 := time.Date(2023, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 := time.Date(2023, 3, 2, 17, 30, 0, 0, time.UTC)

	m := &models.Milestone{SupplierSignedAt: timePtr(t1), CustomerSignedAt: timePtr(t2)}
	if got := originalBaselineTimestamp(m); !got.Equal(t1) {
		t.Fatalf("expected supplier time %v, got %v", t1, got)
	}

	// Swapped: customer signed first.
	m = &models.Milestone{SupplierSignedAt: timePtr(t2), CustomerSignedAt: timePtr(t1)}
	if got := originalBaselineTimestamp(m); !got.Equal(t1) {
		t.Fatalf("expected customer time %v, got %v", t1, got)
	}
}

func TestOriginalBaselineTimestamp_SingleSignatureFallback(t *testing.T) {
	t1 := time.Date(2023, 3, 1, 9, 0, 0, 0, time.UTC)

	m := &models.Milestone{SupplierSignedAt: timePtr(t1)}
	if got := originalBaselineTimestamp(m); !got.Equal(t1) {
		t.Fatalf("expected supplier-only time %v, got %v", t1, got)
	}

	m = &models.Milestone{CustomerSignedAt: timePtr(t1)}
	if got := originalBaselineTimestamp(m); !got.Equal(t1) {
		t.Fatalf("expected customer-only time %v, got %v", t1, got)
	}
}

func TestOriginalBaselineTimestamp_NoSignaturesUsesNow(t *testing.T) {
	before := time.Now().UTC()
	got := originalBaselineTimestamp(&models.Milestone{})
	after := time.Now().UTC()

	if got.Before(before) || got.After(after) {
		t.Fatalf("expected current time between %v and %v, got %v", before, after, got)
	}
}

func TestCommittedBillable_PrefersBaselineFigure(t *testing.T) {
	m := &models.Milestone{
		BaselineBillable: decimalPtr(decimal.NewFromInt(12000)),
		Billable:         decimal.NewFromInt(15000),
	}
	if got := committedBillable(m); !got.Equal(decimal.NewFromInt(12000)) {
		t.Fatalf("expected baseline billable 12000, got %s", got)
	}
}

func TestCommittedBillable_FallsBackToGeneralFigure(t *testing.T) {
	m := &models.Milestone{Billable: decimal.NewFromInt(15000)}
	if got := committedBillable(m); !got.Equal(decimal.NewFromInt(15000)) {
		t.Fatalf("expected general billable 15000, got %s", got)
	}
}

func TestIsDuplicateKeyErr(t *testing.T) {
	dup := &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry '7-2' for key 'uix_baseline_versions_milestone_version'"}
	if !isDuplicateKeyErr(dup) {
		t.Fatalf("expected mysql error 1062 to be detected")
	}
	// Wrapped errors must still be detected.
	if !isDuplicateKeyErr(fmt.Errorf("create row: %w", dup)) {
		t.Fatalf("expected wrapped mysql error 1062 to be detected")
	}
	deadlock := &mysqlDriver.MySQLError{Number: 1213, Message: "Deadlock found"}
	if isDuplicateKeyErr(deadlock) {
		t.Fatalf("expected mysql error 1213 not to be treated as duplicate key")
	}
	if isDuplicateKeyErr(errors.New("connection refused")) {
		t.Fatalf("expected plain error not to be treated as duplicate key")
	}
	if isDuplicateKeyErr(nil) {
		t.Fatalf("expected nil error not to be treated as duplicate key")
	}
}

func TestShouldRetryAmendmentInsert(t *testing.T) {
	dup := &mysqlDriver.MySQLError{Number: 1062}

	// Slot contention is retried while attempts remain.
	for attempt := 1; attempt < amendmentInsertAttempts; attempt++ {
		if !shouldRetryAmendmentInsert(dup, attempt) {
			t.Fatalf("expected retry on duplicate key at attempt %d", attempt)
		}
	}
	// The final attempt's contention surfaces instead of looping forever.
	if shouldRetryAmendmentInsert(dup, amendmentInsertAttempts) {
		t.Fatalf("expected no retry once attempts are exhausted")
	}
	// Non-contention failures are never retried with a new slot.
	if shouldRetryAmendmentInsert(errors.New("connection refused"), 1) {
		t.Fatalf("expected no retry on a non-duplicate-key error")
	}
	if shouldRetryAmendmentInsert(nil, 1) {
		t.Fatalf("expected no retry on success")
	}
}

func TestReconstructedBaselineTimestamp_FallbackChain(t *testing.T) {
	t1 := time.Date(2023, 1, 5, 8, 0, 0, 0, time.UTC)
	t2 := time.Date(2023, 1, 6, 8, 0, 0, 0, time.UTC)
	vSigned := time.Date(2023, 2, 1, 8, 0, 0, 0, time.UTC)

	// Milestone signatures present: earliest wins, variation ignored.
	m := &models.Milestone{SupplierSignedAt: timePtr(t2), CustomerSignedAt: timePtr(t1)}
	v := &models.Variation{SupplierSignedAt: timePtr(vSigned)}
	if got := reconstructedBaselineTimestamp(m, v); !got.Equal(t1) {
		t.Fatalf("expected milestone signature time %v, got %v", t1, got)
	}

	// No milestone signatures: variation supplier-side signature.
	m = &models.Milestone{}
	if got := reconstructedBaselineTimestamp(m, v); !got.Equal(vSigned) {
		t.Fatalf("expected variation signature time %v, got %v", vSigned, got)
	}

	// Nothing at all: current time.
	before := time.Now().UTC()
	got := reconstructedBaselineTimestamp(&models.Milestone{}, &models.Variation{})
	after := time.Now().UTC()
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected current time between %v and %v, got %v", before, after, got)
	}
}
