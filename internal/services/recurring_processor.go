package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "fintrack/internal/errors"
	"fintrack/internal/events"
	"fintrack/internal/logger"
	"fintrack/internal/metrics"
	"fintrack/internal/models"
	"fintrack/internal/period"
)

// ProcessResult summarizes one catch-up invocation.
type ProcessResult struct {
	// ProcessedCount is the number of ledger entries created by this call.
	ProcessedCount   int `json:"processed_count"`
	TemplatesChecked int `json:"templates_checked"`
	TemplatesFailed  int `json:"templates_failed"`
}

// RecurringProcessor materializes one ledger entry per elapsed month for every
// active recurring template, including months missed while nothing ran.
//
// Each period is handled as: look up the (template, period) entry; create it
// together with its balance effect if absent; then checkpoint the template
// marker at the period's entry date. The checkpoint is per period, so an
// interrupted run resumes at the first unhandled period. A failing template is
// logged and skipped without affecting the others.
type RecurringProcessor struct {
	templates RecurringTemplateStore
	ledger    RecurringLedger
	publisher events.Publisher
	metrics   *metrics.Recurring
	workers   int
	locks     *templateLocks
	log       *zap.SugaredLogger
}

// ProcessorOption configures a RecurringProcessor.
type ProcessorOption func(*RecurringProcessor)

// WithWorkers sets how many templates are processed in parallel.
func WithWorkers(n int) ProcessorOption {
	return func(p *RecurringProcessor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithPublisher sets the publisher notified after every created entry.
func WithPublisher(pub events.Publisher) ProcessorOption {
	return func(p *RecurringProcessor) {
		if pub != nil {
			p.publisher = pub
		}
	}
}

// WithMetrics sets the engine collectors.
func WithMetrics(m *metrics.Recurring) ProcessorOption {
	return func(p *RecurringProcessor) { p.metrics = m }
}

// NewRecurringProcessor creates a catch-up engine over the given seams.
func NewRecurringProcessor(templates RecurringTemplateStore, ledger RecurringLedger, opts ...ProcessorOption) *RecurringProcessor {
	p := &RecurringProcessor{
		templates: templates,
		ledger:    ledger,
		publisher: events.NopPublisher{},
		workers:   1,
		locks:     newTemplateLocks(),
		log:       logger.Named("recurring"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessDue catches every eligible template up to the month containing asOf.
// It only returns an error when the template set cannot be read at all;
// per-template failures are reported in the result and retried next time.
func (p *RecurringProcessor) ProcessDue(ctx context.Context, asOf time.Time) (ProcessResult, error) {
	if p.templates == nil || p.ledger == nil {
		return ProcessResult{}, fmt.Errorf("recurring processor not properly initialized")
	}
	return p.run(ctx, asOf, "all", p.templates.ListEligibleTemplates)
}

// ProcessDueForUser is ProcessDue restricted to the templates owned by userID.
func (p *RecurringProcessor) ProcessDueForUser(ctx context.Context, userID string, asOf time.Time) (ProcessResult, error) {
	if p.templates == nil || p.ledger == nil {
		return ProcessResult{}, fmt.Errorf("recurring processor not properly initialized")
	}
	return p.run(ctx, asOf, userID, func(ctx context.Context) ([]models.RecurringTemplate, error) {
		return p.templates.ListUserEligibleTemplates(ctx, userID)
	})
}

func (p *RecurringProcessor) run(ctx context.Context, asOf time.Time, scope string, list func(context.Context) ([]models.RecurringTemplate, error)) (ProcessResult, error) {
	start := time.Now()
	asOf = period.Truncate(asOf)

	templates, err := list(ctx)
	if err != nil {
		p.metrics.RunFinished("error", time.Since(start))
		if errors.Is(err, apperrors.ErrInvalidInput) {
			return ProcessResult{}, err
		}
		return ProcessResult{}, apperrors.Wrap(apperrors.ErrInternalServer, fmt.Errorf("list recurring templates: %w", err))
	}

	var (
		mu     sync.Mutex
		result = ProcessResult{TemplatesChecked: len(templates)}
	)

	g := new(errgroup.Group)
	g.SetLimit(p.workers)
	for i := range templates {
		tpl := templates[i]
		g.Go(func() error {
			created, err := p.processTemplate(ctx, &tpl, asOf)

			mu.Lock()
			result.ProcessedCount += created
			if err != nil {
				result.TemplatesFailed++
			}
			mu.Unlock()

			if err != nil {
				p.metrics.TemplateFailed()
				p.log.Errorw("recurring template catch-up failed",
					"template_id", tpl.ID,
					"account_id", tpl.AccountID,
					"created_before_failure", created,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	outcome := "ok"
	if result.TemplatesFailed > 0 {
		outcome = "partial"
	}
	p.metrics.RunFinished(outcome, time.Since(start))

	p.log.Infow("recurring catch-up complete",
		"scope", scope,
		"as_of", asOf.Format(time.DateOnly),
		"templates_checked", result.TemplatesChecked,
		"templates_failed", result.TemplatesFailed,
		"entries_created", result.ProcessedCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

// processTemplate runs one template's catch-up pass and returns how many
// entries it created, including those committed before an error.
func (p *RecurringProcessor) processTemplate(ctx context.Context, tpl *models.RecurringTemplate, asOf time.Time) (int, error) {
	if !tpl.IsActive {
		return 0, nil
	}
	if asOf.Before(period.Truncate(tpl.StartDate)) {
		return 0, nil
	}

	unlock := p.locks.lock(tpl.ID)
	defer unlock()

	pending := period.Enumerate(baseline(tpl), period.Of(asOf))

	created := 0
	for _, due := range pending {
		if err := ctx.Err(); err != nil {
			return created, err
		}

		date := due.Date(tpl.DayOfMonth)
		if tpl.EndDate != nil && date.After(period.Truncate(*tpl.EndDate)) {
			break
		}

		handled, isNew, err := p.materialize(ctx, tpl, due, date)
		if err != nil {
			return created, fmt.Errorf("period %s: %w", due, err)
		}
		if isNew {
			created++
		}

		if err := p.templates.AdvanceMarker(ctx, tpl.ID, handled); err != nil {
			return created, fmt.Errorf("advance marker to %s: %w", handled.Format(time.DateOnly), err)
		}
		tpl.LastProcessedDate = &handled
	}

	return created, nil
}

// materialize ensures exactly one entry exists for the template and period.
// It returns the date of that entry, which differs from date when the entry
// predates a day-of-month edit, and whether this call created it.
func (p *RecurringProcessor) materialize(ctx context.Context, tpl *models.RecurringTemplate, due period.Period, date time.Time) (time.Time, bool, error) {
	existing, err := p.ledger.FindEntry(ctx, tpl.ID, tpl.AccountID, due)
	if err != nil {
		return time.Time{}, false, err
	}
	if existing != nil {
		p.metrics.EntryExisting()
		return period.Truncate(existing.Date), false, nil
	}

	entry, err := p.ledger.CreateEntryAndAdjustBalance(ctx, RecurringEntry{
		UserID:     tpl.UserID,
		AccountID:  tpl.AccountID,
		TemplateID: tpl.ID,
		Period:     due,
		Date:       date,
		Amount:     tpl.SignedAmount(),
		Metadata: EntryMetadata{
			Description: tpl.Description,
			Merchant:    tpl.Merchant,
			Category:    tpl.Category,
		},
	})
	if errors.Is(err, apperrors.ErrDuplicateRecurringEntry) {
		// Another runner committed this period between our lookup and insert.
		p.metrics.EntryExisting()
		return date, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	p.metrics.EntryCreated()
	p.publish(ctx, tpl, entry, due)
	return date, true, nil
}

func (p *RecurringProcessor) publish(ctx context.Context, tpl *models.RecurringTemplate, entry *models.Transaction, due period.Period) {
	evt := events.EntryCreated{
		TemplateID:    tpl.ID,
		TransactionID: entry.ID,
		AccountID:     entry.AccountID,
		UserID:        entry.UserID,
		Period:        due.Key(),
		Date:          entry.Date.Format(time.DateOnly),
		Amount:        entry.Amount,
	}
	evt.Stamp(time.Now())
	if err := p.publisher.PublishEntryCreated(ctx, evt); err != nil {
		p.log.Warnw("failed to publish recurring entry event",
			"template_id", tpl.ID,
			"transaction_id", entry.ID,
			"period", due.Key(),
			"error", err,
		)
	}
}

// baseline is the last period considered handled: the marker's period, or the
// month before the start date for a template that has never run. A start date
// moved past the marker wins, so edits cannot backfill skipped months.
func baseline(tpl *models.RecurringTemplate) period.Period {
	b := period.Of(tpl.StartDate).Prev()
	if tpl.LastProcessedDate != nil {
		if marker := period.Of(*tpl.LastProcessedDate); b.Before(marker) {
			b = marker
		}
	}
	return b
}

// templateLocks serializes overlapping passes over the same template within
// one process. Cross-process races are resolved by the ledger's unique index.
type templateLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newTemplateLocks() *templateLocks {
	return &templateLocks{locks: make(map[string]*refLock)}
}

func (l *templateLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &refLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
