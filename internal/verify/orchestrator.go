// Package verify drives per-line advisory verification and the
// invoice-level tax determination that follows it.
package verify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dfetterman/taxjimmy/internal/advisory"
	"github.com/dfetterman/taxjimmy/internal/models"
	"github.com/dfetterman/taxjimmy/internal/observability/metrics"
	"github.com/dfetterman/taxjimmy/internal/reconcile"
	"github.com/dfetterman/taxjimmy/internal/resilience"
)

// Store is the persistence surface the orchestrator needs. It is
// satisfied by db.Store.
type Store interface {
	ReplaceDetermination(ctx context.Context, det *models.TaxDetermination) error
	UpdateInvoiceStatus(ctx context.Context, invoiceID string, status models.InvoiceStatus, errMsg string) error
}

// Options configures an Orchestrator.
type Options struct {
	Provider       advisory.Provider
	Interpreter    *advisory.Interpreter
	Engine         *reconcile.Engine
	Store          Store
	Executor       *resilience.Executor
	Metrics        *metrics.Metrics
	KnowledgeBases map[string]string // state code -> knowledge base id
	Concurrency    int
	RequestTimeout time.Duration
	RequestsPerSec float64
	Burst          int
	Clock          func() time.Time
}

type Orchestrator struct {
	provider    advisory.Provider
	interpreter *advisory.Interpreter
	engine      *reconcile.Engine
	store       Store
	executor    *resilience.Executor
	metrics     *metrics.Metrics
	kbByState   map[string]string
	concurrency int
	timeout     time.Duration
	limiter     *rate.Limiter
	clock       func() time.Time
	log         zerolog.Logger
}

func NewOrchestrator(opts Options, log zerolog.Logger) *Orchestrator {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), burst)
	}

	return &Orchestrator{
		provider:    opts.Provider,
		interpreter: opts.Interpreter,
		engine:      opts.Engine,
		store:       opts.Store,
		executor:    opts.Executor,
		metrics:     opts.Metrics,
		kbByState:   opts.KnowledgeBases,
		concurrency: concurrency,
		timeout:     timeout,
		limiter:     limiter,
		clock:       clock,
		log:         log.With().Str("component", "verify").Logger(),
	}
}

// VerifyInvoice runs the full pipeline for one invoice: fan out
// advisory queries per line item, interpret the replies, reconcile the
// verdicts into a determination and persist it atomically. One line's
// failure never aborts the others.
func (o *Orchestrator) VerifyInvoice(ctx context.Context, inv *models.Invoice) (*models.TaxDetermination, error) {
	started := o.clock()
	log := o.log.With().
		Str("invoice_id", inv.ID.String()).
		Str("invoice_number", inv.InvoiceNumber).
		Str("state_code", inv.StateCode).
		Logger()

	kbID, err := o.knowledgeBaseFor(inv.StateCode)
	if err != nil {
		log.Error().Err(err).Msg("no knowledge base for state")
		det := o.configFailureDetermination(inv, err)
		if perr := o.persist(ctx, inv, det); perr != nil {
			return nil, perr
		}
		o.observe(det, started)
		return det, nil
	}

	lines := o.verifyLines(ctx, inv, kbID, log)
	det := o.engine.Reconcile(inv, lines, o.clock())

	if err := o.persist(ctx, inv, det); err != nil {
		return nil, err
	}
	o.observe(det, started)

	log.Info().
		Str("status", string(det.Status)).
		Str("expected_tax", det.ExpectedTax.StringFixed(2)).
		Str("actual_tax", det.ActualTax.StringFixed(2)).
		Dur("elapsed", o.clock().Sub(started)).
		Msg("invoice verification complete")
	return det, nil
}

// verifyLines fans the line items out over a bounded worker pool.
// Results land in a pre-sized slice indexed by line position, so no
// lock is needed on the way back in.
func (o *Orchestrator) verifyLines(ctx context.Context, inv *models.Invoice, kbID string, log zerolog.Logger) []models.LineVerification {
	results := make([]models.LineVerification, len(inv.LineItems))
	sem := make(chan struct{}, o.concurrency)
	var wg sync.WaitGroup

	for i := range inv.LineItems {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = o.verifyLine(ctx, inv, idx, kbID, log)
		}(i)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) verifyLine(ctx context.Context, inv *models.Invoice, idx int, kbID string, log zerolog.Logger) models.LineVerification {
	item := inv.LineItems[idx]
	result := models.LineVerification{
		LineIndex:   idx,
		Description: item.Description,
	}

	pattern := advisory.ClassifyPattern(item, inv)
	prompt := advisory.BuildQuery(item, inv).Prompt()

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			result.FailureReason = fmt.Sprintf("rate limiter: %v", err)
			o.observeLine(false)
			return result
		}
	}

	var reply string
	op := "advisory/" + strings.ToLower(inv.StateCode)
	callStart := o.clock()
	err := o.executor.Execute(ctx, op, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()
		var callErr error
		reply, callErr = o.provider.QueryKnowledgeBase(callCtx, kbID, prompt)
		return callErr
	})
	o.observeAdvisory(err, o.clock().Sub(callStart))
	if err != nil {
		log.Warn().
			Int("line_index", idx).
			Err(err).
			Msg("advisory query failed")
		result.FailureReason = fmt.Sprintf("advisory query: %v", err)
		o.observeLine(false)
		return result
	}

	verdict, err := o.interpreter.Interpret(reply, item, pattern, o.clock())
	if err != nil {
		log.Warn().
			Int("line_index", idx).
			Err(err).
			Msg("advisory reply could not be interpreted")
		result.FailureReason = fmt.Sprintf("interpret reply: %v", err)
		o.observeLine(false)
		return result
	}
	verdict.LineItemID = item.ID

	if verdict.ContradictionCorrected && o.metrics != nil {
		o.metrics.ObserveContradictionCorrected()
	}
	result.Verdict = verdict
	o.observeLine(true)
	return result
}

func (o *Orchestrator) knowledgeBaseFor(stateCode string) (string, error) {
	kbID, ok := o.kbByState[strings.ToUpper(stateCode)]
	if !ok || kbID == "" {
		return "", models.WrapError(models.ErrConfiguration, "knowledge base lookup",
			fmt.Errorf("no knowledge base mapped for state %q", stateCode))
	}
	return kbID, nil
}

// configFailureDetermination records an unverifiable invoice instead
// of dropping it: every line carries the configuration failure and the
// determination is persisted with status error.
func (o *Orchestrator) configFailureDetermination(inv *models.Invoice, cause error) *models.TaxDetermination {
	lines := make([]models.LineVerification, len(inv.LineItems))
	for i := range inv.LineItems {
		lines[i] = models.LineVerification{
			LineIndex:     i,
			Description:   inv.LineItems[i].Description,
			FailureReason: cause.Error(),
		}
	}
	return o.engine.Reconcile(inv, lines, o.clock())
}

func (o *Orchestrator) persist(ctx context.Context, inv *models.Invoice, det *models.TaxDetermination) error {
	if err := o.store.ReplaceDetermination(ctx, det); err != nil {
		o.log.Error().
			Str("invoice_id", inv.ID.String()).
			Err(err).
			Msg("persisting determination failed")
		return fmt.Errorf("persist determination: %w", err)
	}
	status := models.InvoiceStatusCompleted
	errMsg := ""
	if det.Status == models.DeterminationError {
		status = models.InvoiceStatusError
		errMsg = det.Notes
	}
	if err := o.store.UpdateInvoiceStatus(ctx, inv.ID.String(), status, errMsg); err != nil {
		return fmt.Errorf("update invoice status: %w", err)
	}
	inv.Status = status
	return nil
}

func (o *Orchestrator) observe(det *models.TaxDetermination, started time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.ObserveVerification(string(det.Status), o.clock().Sub(started))
}

func (o *Orchestrator) observeLine(verified bool) {
	if o.metrics != nil {
		o.metrics.ObserveLine(verified)
	}
}

func (o *Orchestrator) observeAdvisory(err error, elapsed time.Duration) {
	if o.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.metrics.ObserveAdvisoryRequest(outcome, elapsed)
}
