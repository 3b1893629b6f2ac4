package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dfetterman/taxjimmy/internal/models"
)

// ReplaceDetermination persists a determination with full-replace
// semantics: in one transaction any previous determination for the
// invoice is deleted (verdict rows cascade) and the new one inserted.
// Readers never observe a mix of old and new verdicts.
func (s *Store) ReplaceDetermination(ctx context.Context, det *models.TaxDetermination) error {
	if det.ID == uuid.Nil {
		// One determination per invoice, so the id derives from the
		// invoice id and survives replacement.
		det.ID = uuid.NewSHA1(uuid.NameSpaceOID, det.InvoiceID[:])
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tax_determinations WHERE invoice_id = $1`, det.InvoiceID); err != nil {
		return fmt.Errorf("delete previous determination: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tax_determinations (
			id, invoice_id, status, expected_tax, actual_tax, discrepancy, notes, verified_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		det.ID, det.InvoiceID, string(det.Status),
		det.ExpectedTax.String(), det.ActualTax.String(), det.Discrepancy.String(),
		det.Notes, det.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("insert determination: %w", err)
	}

	for _, line := range det.Lines {
		if line.Verdict != nil {
			v := line.Verdict
			_, err = tx.ExecContext(ctx, `
				INSERT INTO line_item_tax_verifications (
					determination_id, line_item_id, line_index, description,
					is_correct, confidence, expected_tax_rate, effective_expected_rate,
					applied_tax_rate, reasoning, contradiction_corrected, display_pattern, verified_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
				det.ID, v.LineItemID, line.LineIndex, line.Description,
				v.IsCorrect, v.Confidence, v.ExpectedTaxRate.String(), v.EffectiveExpectedRate.String(),
				v.AppliedTaxRate.String(), v.Reasoning, v.ContradictionCorrected, string(v.DisplayPattern), v.VerifiedAt,
			)
		} else {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO line_item_tax_verifications (
					determination_id, line_index, description, failure_reason
				) VALUES ($1,$2,$3,$4)`,
				det.ID, line.LineIndex, line.Description, line.FailureReason,
			)
		}
		if err != nil {
			return fmt.Errorf("insert line verification %d: %w", line.LineIndex, err)
		}
	}
	return tx.Commit()
}

// GetDetermination loads the current determination for an invoice,
// including its per-line verdicts in line order.
func (s *Store) GetDetermination(ctx context.Context, invoiceID string) (*models.TaxDetermination, error) {
	var (
		det                       models.TaxDetermination
		status                    string
		expected, actual, discrep string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, invoice_id, status, expected_tax::text, actual_tax::text, discrepancy::text, notes, verified_at
		FROM tax_determinations
		WHERE invoice_id = $1`, invoiceID).
		Scan(&det.ID, &det.InvoiceID, &status, &expected, &actual, &discrep, &det.Notes, &det.VerifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.WrapError(models.ErrNotFound, "get determination",
				fmt.Errorf("invoice %s", invoiceID))
		}
		return nil, fmt.Errorf("get determination: %w", err)
	}
	det.Status = models.DeterminationStatus(status)
	det.ExpectedTax = models.ParseDecimal(expected)
	det.ActualTax = models.ParseDecimal(actual)
	det.Discrepancy = models.ParseDecimal(discrep)

	rows, err := s.db.QueryContext(ctx, `
		SELECT line_item_id, line_index, description, is_correct, confidence,
		       expected_tax_rate::text, effective_expected_rate::text, applied_tax_rate::text,
		       reasoning, contradiction_corrected, display_pattern, failure_reason, verified_at
		FROM line_item_tax_verifications
		WHERE determination_id = $1
		ORDER BY line_index`, det.ID)
	if err != nil {
		return nil, fmt.Errorf("load line verifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			line                        models.LineVerification
			lineItemID                  sql.NullInt64
			isCorrect                   sql.NullBool
			confidence                  float64
			expRate, effRate, appRate   string
			reasoning, pattern, failure string
			corrected                   bool
			verifiedAt                  sql.NullTime
		)
		if err := rows.Scan(&lineItemID, &line.LineIndex, &line.Description, &isCorrect, &confidence,
			&expRate, &effRate, &appRate, &reasoning, &corrected, &pattern, &failure, &verifiedAt); err != nil {
			return nil, fmt.Errorf("scan line verification: %w", err)
		}
		if isCorrect.Valid {
			v := &models.TaxVerdict{
				LineItemID:             lineItemID.Int64,
				IsCorrect:              isCorrect.Bool,
				Confidence:             confidence,
				ExpectedTaxRate:        models.ParseDecimal(expRate),
				EffectiveExpectedRate:  models.ParseDecimal(effRate),
				AppliedTaxRate:         models.ParseDecimal(appRate),
				Reasoning:              reasoning,
				ContradictionCorrected: corrected,
				DisplayPattern:         models.DisplayPattern(pattern),
			}
			if verifiedAt.Valid {
				v.VerifiedAt = verifiedAt.Time
			}
			line.Verdict = v
		} else {
			line.FailureReason = failure
		}
		det.Lines = append(det.Lines, line)
	}
	return &det, rows.Err()
}
