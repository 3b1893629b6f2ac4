package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dfetterman/taxjimmy/internal/models"
)

func testDetermination() *models.TaxDetermination {
	return &models.TaxDetermination{
		InvoiceID:   uuid.New(),
		Status:      models.DeterminationPartial,
		ExpectedTax: decimal.RequireFromString("82.11"),
		ActualTax:   decimal.RequireFromString("82.11"),
		Discrepancy: decimal.Zero,
		Notes:       "1 of 2 line items verified",
		VerifiedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Lines: []models.LineVerification{
			{
				LineIndex:   0,
				Description: "Exterior painting",
				Verdict: &models.TaxVerdict{
					LineItemID:            11,
					IsCorrect:             true,
					Confidence:            0.9,
					ExpectedTaxRate:       decimal.RequireFromString("0.0675"),
					EffectiveExpectedRate: decimal.RequireFromString("0.0675"),
					AppliedTaxRate:        decimal.RequireFromString("0.0675"),
					Reasoning:             "taxable at the state rate",
					DisplayPattern:        models.PatternTotalTaxed,
					VerifiedAt:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
				},
			},
			{
				LineIndex:     1,
				Description:   "Permit fee",
				FailureReason: "advisory query: timeout",
			},
		},
	}
}

// The full-replace contract: delete and inserts happen inside one
// transaction, so readers never see mixed generations of verdicts.
func TestReplaceDeterminationTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	det := testDetermination()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM tax_determinations WHERE invoice_id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO tax_determinations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO line_item_tax_verifications`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO line_item_tax_verifications`).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	if err := store.ReplaceDetermination(context.Background(), det); err != nil {
		t.Fatalf("ReplaceDetermination: %v", err)
	}
	if det.ID == uuid.Nil {
		t.Error("determination id not assigned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// Re-verifying an invoice produces the same determination id, so two
// runs over identical inputs persist identical rows.
func TestReplaceDeterminationDerivesStableID(t *testing.T) {
	store, mock := newMockStore(t)
	det := testDetermination()
	want := uuid.NewSHA1(uuid.NameSpaceOID, det.InvoiceID[:])

	for range 2 {
		mock.ExpectBegin()
		mock.ExpectExec(`DELETE FROM tax_determinations`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO tax_determinations`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO line_item_tax_verifications`).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec(`INSERT INTO line_item_tax_verifications`).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit()

		det.ID = uuid.Nil
		if err := store.ReplaceDetermination(context.Background(), det); err != nil {
			t.Fatalf("ReplaceDetermination: %v", err)
		}
		if det.ID != want {
			t.Errorf("determination id = %s, want %s", det.ID, want)
		}
	}
}

func TestReplaceDeterminationRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)
	det := testDetermination()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM tax_determinations`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO tax_determinations`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	if err := store.ReplaceDetermination(context.Background(), det); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetDeterminationNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New().String()

	mock.ExpectQuery(`SELECT .+ FROM tax_determinations`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetDetermination(context.Background(), id)
	if !models.IsKind(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetDetermination(t *testing.T) {
	store, mock := newMockStore(t)
	detID := uuid.New()
	invID := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM tax_determinations`).
		WithArgs(invID.String()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "invoice_id", "status", "expected_tax", "actual_tax", "discrepancy", "notes", "verified_at",
		}).AddRow(detID.String(), invID.String(), "partial", "82.11", "60.00", "22.11", "1 of 2 line items verified", now))

	mock.ExpectQuery(`SELECT .+ FROM line_item_tax_verifications`).
		WillReturnRows(sqlmock.NewRows([]string{
			"line_item_id", "line_index", "description", "is_correct", "confidence",
			"expected_tax_rate", "effective_expected_rate", "applied_tax_rate",
			"reasoning", "contradiction_corrected", "display_pattern", "failure_reason", "verified_at",
		}).
			AddRow(int64(11), 0, "Exterior painting", true, 0.9, "0.0675", "0.0675", "0.0675", "ok", false, "total_taxed", "", now).
			AddRow(nil, 1, "Permit fee", nil, 0.0, "0", "0", "0", "", false, "", "advisory query: timeout", nil))

	det, err := store.GetDetermination(context.Background(), invID.String())
	if err != nil {
		t.Fatalf("GetDetermination: %v", err)
	}
	if det.Status != models.DeterminationPartial {
		t.Errorf("status = %s, want partial", det.Status)
	}
	if !det.Discrepancy.Equal(decimal.RequireFromString("22.11")) {
		t.Errorf("discrepancy = %s, want 22.11", det.Discrepancy)
	}
	if len(det.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(det.Lines))
	}
	if det.Lines[0].Verdict == nil || !det.Lines[0].Verdict.IsCorrect {
		t.Error("first line must carry a correct verdict")
	}
	if det.Lines[1].Verdict != nil || det.Lines[1].FailureReason == "" {
		t.Error("second line must carry only a failure reason")
	}
}
