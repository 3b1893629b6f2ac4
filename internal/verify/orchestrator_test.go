package verify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dfetterman/taxjimmy/internal/advisory"
	"github.com/dfetterman/taxjimmy/internal/extraction"
	"github.com/dfetterman/taxjimmy/internal/models"
	"github.com/dfetterman/taxjimmy/internal/reconcile"
	"github.com/dfetterman/taxjimmy/internal/resilience"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeProvider answers from a prompt-inspecting function, so responses
// stay deterministic under concurrent fan-out.
type fakeProvider struct {
	respond func(kbID, prompt string) (string, error)

	mu    sync.Mutex
	calls int
}

func (p *fakeProvider) QueryKnowledgeBase(ctx context.Context, kbID, prompt string) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.respond(kbID, prompt)
}

type fakeStore struct {
	mu             sync.Mutex
	determinations []*models.TaxDetermination
	statuses       []models.InvoiceStatus
	replaceErr     error
}

func (s *fakeStore) ReplaceDetermination(ctx context.Context, det *models.TaxDetermination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.determinations = append(s.determinations, det)
	return nil
}

func (s *fakeStore) UpdateInvoiceStatus(ctx context.Context, invoiceID string, status models.InvoiceStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

func newTestOrchestrator(provider advisory.Provider, store Store) *Orchestrator {
	log := zerolog.Nop()
	return NewOrchestrator(Options{
		Provider:    provider,
		Interpreter: advisory.NewInterpreter(dec("0.0001"), log),
		Engine: reconcile.NewEngine(reconcile.Tolerances{
			Amount:   dec("0.01"),
			Relative: dec("0.001"),
		}, log),
		Store: store,
		Executor: resilience.NewExecutor(resilience.Policy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2.0,
		}, resilience.ClassifyAdvisoryError, log),
		KnowledgeBases: map[string]string{"NC": "kb-nc-001"},
		Concurrency:    2,
		RequestTimeout: time.Second,
		Clock:          func() time.Time { return testNow },
	}, log)
}

func testInvoice() *models.Invoice {
	return &models.Invoice{
		ID:             uuid.New(),
		InvoiceNumber:  "INV-2201",
		StateCode:      "NC",
		TotalTaxAmount: dec("82.11"),
		TotalAmount:    dec("3325.00"),
		LineItems: []models.LineItem{
			{
				ID:              11,
				Description:     "Exterior painting labor and materials",
				DiscountedTotal: dec("1216.50"),
				TaxStatus:       models.TaxStatusTaxable,
				TaxRate:         dec("0.0675"),
			},
			{
				ID:              12,
				Description:     "Permit fee",
				DiscountedTotal: dec("2026.39"),
				TaxStatus:       models.TaxStatusExempt,
			},
		},
	}
}

func correctReply(prompt string) string {
	if strings.Contains(prompt, "Permit fee") {
		return `{"is_correct": true, "confidence": 0.9, "expected_tax_rate": 0.0, "reasoning": "Government permit fees are exempt from sales tax."}`
	}
	return `{"is_correct": true, "confidence": 0.9, "expected_tax_rate": 0.0675, "reasoning": "Painting services with materials are taxable at the state rate."}`
}

func TestVerifyInvoiceVerified(t *testing.T) {
	provider := &fakeProvider{respond: func(kbID, prompt string) (string, error) {
		if kbID != "kb-nc-001" {
			t.Errorf("kb id = %q, want kb-nc-001", kbID)
		}
		return correctReply(prompt), nil
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(provider, store)

	inv := testInvoice()
	det, err := o.VerifyInvoice(context.Background(), inv)
	if err != nil {
		t.Fatalf("VerifyInvoice: %v", err)
	}

	if det.Status != models.DeterminationVerified {
		t.Errorf("status = %s, want verified", det.Status)
	}
	if !det.ExpectedTax.Equal(dec("82.11")) {
		t.Errorf("expected tax = %s, want 82.11", det.ExpectedTax)
	}
	if got := det.VerifiedCount(); got != 2 {
		t.Errorf("verified lines = %d, want 2", got)
	}
	if det.Lines[0].Verdict.LineItemID != 11 {
		t.Error("verdict not linked to its line item")
	}

	if len(store.determinations) != 1 {
		t.Fatalf("persisted determinations = %d, want 1", len(store.determinations))
	}
	if len(store.statuses) != 1 || store.statuses[0] != models.InvoiceStatusCompleted {
		t.Errorf("invoice statuses = %v, want [completed]", store.statuses)
	}
	if inv.Status != models.InvoiceStatusCompleted {
		t.Errorf("invoice status = %s, want completed", inv.Status)
	}
}

func TestVerifyInvoicePartialOnSingleLineFailure(t *testing.T) {
	provider := &fakeProvider{respond: func(kbID, prompt string) (string, error) {
		if strings.Contains(prompt, "Permit fee") {
			return "", models.WrapError(models.ErrAdvisoryService, "query", errors.New("timeout"))
		}
		return correctReply(prompt), nil
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(provider, store)

	det, err := o.VerifyInvoice(context.Background(), testInvoice())
	if err != nil {
		t.Fatalf("VerifyInvoice: %v", err)
	}

	if det.Status != models.DeterminationPartial {
		t.Errorf("status = %s, want partial", det.Status)
	}
	if len(det.Lines) != 2 {
		t.Fatalf("lines = %d, want 2 (failed line preserved)", len(det.Lines))
	}
	if det.Lines[1].Verdict != nil {
		t.Error("failed line must carry no verdict")
	}
	if !strings.Contains(det.Lines[1].FailureReason, "timeout") {
		t.Errorf("failure reason = %q, want the underlying cause", det.Lines[1].FailureReason)
	}
	// The healthy line still contributed.
	if !det.ExpectedTax.Equal(dec("82.11")) {
		t.Errorf("expected tax = %s, want 82.11", det.ExpectedTax)
	}
}

func TestVerifyInvoiceUnparseableReply(t *testing.T) {
	provider := &fakeProvider{respond: func(kbID, prompt string) (string, error) {
		if strings.Contains(prompt, "Permit fee") {
			return "I am not sure about this one.", nil
		}
		return correctReply(prompt), nil
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(provider, store)

	det, err := o.VerifyInvoice(context.Background(), testInvoice())
	if err != nil {
		t.Fatalf("VerifyInvoice: %v", err)
	}
	if det.Status != models.DeterminationPartial {
		t.Errorf("status = %s, want partial", det.Status)
	}
	if !strings.Contains(det.Lines[1].FailureReason, "interpret reply") {
		t.Errorf("failure reason = %q, want interpretation failure", det.Lines[1].FailureReason)
	}
}

func TestVerifyInvoiceMissingKnowledgeBase(t *testing.T) {
	provider := &fakeProvider{respond: func(kbID, prompt string) (string, error) {
		t.Error("advisory must not be queried without a knowledge base")
		return "", nil
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(provider, store)

	inv := testInvoice()
	inv.StateCode = "TX"
	det, err := o.VerifyInvoice(context.Background(), inv)
	if err != nil {
		t.Fatalf("VerifyInvoice: %v", err)
	}

	if det.Status != models.DeterminationError {
		t.Errorf("status = %s, want error", det.Status)
	}
	for _, line := range det.Lines {
		if !strings.Contains(line.FailureReason, "knowledge base") {
			t.Errorf("line %d failure = %q, want configuration cause", line.LineIndex, line.FailureReason)
		}
	}
	// The unverifiable invoice is still recorded.
	if len(store.determinations) != 1 {
		t.Fatalf("persisted determinations = %d, want 1", len(store.determinations))
	}
	if len(store.statuses) != 1 || store.statuses[0] != models.InvoiceStatusError {
		t.Errorf("invoice statuses = %v, want [error]", store.statuses)
	}
}

func TestVerifyInvoicePersistFailureSurfaces(t *testing.T) {
	provider := &fakeProvider{respond: func(kbID, prompt string) (string, error) {
		return correctReply(prompt), nil
	}}
	store := &fakeStore{replaceErr: errors.New("connection reset")}
	o := newTestOrchestrator(provider, store)

	if _, err := o.VerifyInvoice(context.Background(), testInvoice()); err == nil {
		t.Fatal("persist failure must surface to the caller")
	}
	if len(store.statuses) != 0 {
		t.Error("invoice status must not change when the determination was not stored")
	}
}

func TestVerifyInvoiceRetriesTransientAdvisoryFailures(t *testing.T) {
	var mu sync.Mutex
	failedOnce := false
	provider := &fakeProvider{respond: func(kbID, prompt string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if !failedOnce {
			failedOnce = true
			return "", models.WrapError(models.ErrAdvisoryService, "query", errors.New("503"))
		}
		return correctReply(prompt), nil
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(provider, store)

	det, err := o.VerifyInvoice(context.Background(), testInvoice())
	if err != nil {
		t.Fatalf("VerifyInvoice: %v", err)
	}
	if det.Status != models.DeterminationVerified {
		t.Errorf("status = %s, want verified after retry", det.Status)
	}
}

// Full pipeline from raw extraction JSON: an undeclared discount is
// inferred from the gap between the line sum and the total, tax is
// expected on the discounted amount, and the determination verifies
// against the declared tax total.
func TestVerifyInvoiceEndToEndFromExtraction(t *testing.T) {
	raw := `{
		"invoice_number": "INV-2201",
		"vendor_name": "Coastal Painting LLC",
		"state_code": "NC",
		"total_amount": 1216.50,
		"total_tax_amount": 82.11,
		"line_items": [
			{"description": "Exterior painting labor and materials", "line_total": 3325.00, "tax_rate": 0.0675, "tax_status": "taxable"}
		]
	}`

	normalizer := extraction.NewNormalizer(dec("0.02"), zerolog.Nop())
	inv, err := normalizer.Normalize([]byte(raw))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !inv.DiscountInferred || !inv.DiscountAmount.Equal(dec("2108.50")) {
		t.Fatalf("inferred discount = %s (inferred=%v), want 2108.50", inv.DiscountAmount, inv.DiscountInferred)
	}
	if !inv.LineItems[0].DiscountedTotal.Equal(dec("1216.50")) {
		t.Fatalf("discounted total = %s, want 1216.50", inv.LineItems[0].DiscountedTotal)
	}

	provider := &fakeProvider{respond: func(kbID, prompt string) (string, error) {
		return `{"is_correct": true, "confidence": 0.9, "expected_tax_rate": 0.0675, "reasoning": "Painting services with materials are taxable at the state rate."}`, nil
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(provider, store)

	det, err := o.VerifyInvoice(context.Background(), inv)
	if err != nil {
		t.Fatalf("VerifyInvoice: %v", err)
	}
	if !det.ExpectedTax.Equal(dec("82.11")) {
		t.Errorf("expected tax = %s, want 82.11", det.ExpectedTax)
	}
	if det.Status != models.DeterminationVerified {
		t.Errorf("status = %s, want verified", det.Status)
	}
}

func TestVerifyInvoiceDeterministic(t *testing.T) {
	provider := &fakeProvider{respond: func(kbID, prompt string) (string, error) {
		return correctReply(prompt), nil
	}}
	store := &fakeStore{}
	o := newTestOrchestrator(provider, store)

	first, err := o.VerifyInvoice(context.Background(), testInvoice())
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := o.VerifyInvoice(context.Background(), testInvoice())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if first.Status != second.Status {
		t.Errorf("statuses differ: %s vs %s", first.Status, second.Status)
	}
	if !first.ExpectedTax.Equal(second.ExpectedTax) {
		t.Errorf("expected tax differs: %s vs %s", first.ExpectedTax, second.ExpectedTax)
	}
	if !first.VerifiedAt.Equal(second.VerifiedAt) {
		t.Error("fixed clock must yield identical timestamps")
	}
}
