package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	apperrors "fintrack/internal/errors"
	"fintrack/internal/events"
	"fintrack/internal/metrics"
	"fintrack/internal/models"
	"fintrack/internal/period"
	"fintrack/internal/testutil"
)

type engineFixture struct {
	db        *gorm.DB
	accounts  AccountServicer
	ledger    *LedgerService
	templates RecurringTemplateService
	userID    string
	account   *models.Account
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.TeardownTestDB(t, db) })

	accounts := NewAccountService(db)
	userID := testutil.NewUserID()
	account, err := accounts.CreateAccount(userID, "Checking", "", "USD", decimal.NewFromInt(1000))
	require.NoError(t, err)

	return &engineFixture{
		db:        db,
		accounts:  accounts,
		ledger:    NewLedgerService(db, accounts),
		templates: NewRecurringTemplateService(db, accounts),
		userID:    userID,
		account:   account,
	}
}

func (f *engineFixture) processor(opts ...ProcessorOption) *RecurringProcessor {
	return NewRecurringProcessor(f.templates, f.ledger, opts...)
}

func (f *engineFixture) entryDates(t *testing.T, templateID string) []string {
	t.Helper()
	var dates []string
	for _, e := range testutil.GeneratedEntries(t, f.db, templateID) {
		dates = append(dates, e.Date.UTC().Format(time.DateOnly))
	}
	return dates
}

func (f *engineFixture) assertBalanceConsistent(t *testing.T) decimal.Decimal {
	t.Helper()
	check, err := f.accounts.ReconcileBalance(f.userID, f.account.ID)
	require.NoError(t, err)
	assert.True(t, check.Consistent, "stored %s, computed %s", check.Stored, check.Computed)
	return check.Stored
}

func counterValue(t *testing.T, g prometheus.Gatherer, name string) float64 {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.EntryCreated
	err    error
}

func (p *recordingPublisher) PublishEntryCreated(_ context.Context, evt events.EntryCreated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

// failingLedger fails every lookup for one template and delegates the rest.
type failingLedger struct {
	RecurringLedger
	templateID string
}

func (l *failingLedger) FindEntry(ctx context.Context, templateID, accountID string, p period.Period) (*models.Transaction, error) {
	if templateID == l.templateID {
		return nil, errors.New("storage timeout")
	}
	return l.RecurringLedger.FindEntry(ctx, templateID, accountID, p)
}

// staticStore serves a fixed template list and records marker writes.
type staticStore struct {
	mu        sync.Mutex
	templates []models.RecurringTemplate
	markers   map[string]time.Time
}

func (s *staticStore) ListEligibleTemplates(context.Context) ([]models.RecurringTemplate, error) {
	return s.templates, nil
}

func (s *staticStore) ListUserEligibleTemplates(_ context.Context, userID string) ([]models.RecurringTemplate, error) {
	var owned []models.RecurringTemplate
	for _, tpl := range s.templates {
		if tpl.UserID == userID {
			owned = append(owned, tpl)
		}
	}
	return owned, nil
}

func (s *staticStore) AdvanceMarker(_ context.Context, id string, date time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markers == nil {
		s.markers = make(map[string]time.Time)
	}
	s.markers[id] = date
	return nil
}

func TestProcessDue_CatchesUpEveryMissedMonth(t *testing.T) {
	f := newEngineFixture(t)
	tpl := testutil.CreateTestTemplate(t, f.db, f.account, 15, "100", testutil.Date(2024, 1, 15))
	pub := &recordingPublisher{}

	result, err := f.processor(WithPublisher(pub)).ProcessDue(context.Background(), testutil.Date(2024, 4, 20))
	require.NoError(t, err)

	assert.Equal(t, 4, result.ProcessedCount)
	assert.Equal(t, 1, result.TemplatesChecked)
	assert.Zero(t, result.TemplatesFailed)
	assert.Equal(t, []string{"2024-01-15", "2024-02-15", "2024-03-15", "2024-04-15"}, f.entryDates(t, tpl.ID))

	marker := testutil.ReloadTemplate(t, f.db, tpl.ID).LastProcessedDate
	require.NotNil(t, marker)
	assert.True(t, marker.Equal(testutil.Date(2024, 4, 15)), "marker %s", marker)

	balance := f.assertBalanceConsistent(t)
	assert.True(t, balance.Equal(decimal.NewFromInt(600)), "balance %s", balance)

	require.Len(t, pub.events, 4)
	assert.Equal(t, "2024-01", pub.events[0].Period)
	assert.Equal(t, tpl.ID, pub.events[0].TemplateID)
	assert.Equal(t, events.TypeEntryCreated, pub.events[0].Type)
	assert.NotEmpty(t, pub.events[0].EventID)
}

func TestProcessDue_IsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	tpl := testutil.CreateTestTemplate(t, f.db, f.account, 1, "25", testutil.Date(2024, 1, 1))
	proc := f.processor()
	asOf := testutil.Date(2024, 3, 10)

	first, err := proc.ProcessDue(context.Background(), asOf)
	require.NoError(t, err)
	before := f.entryDates(t, tpl.ID)

	second, err := proc.ProcessDue(context.Background(), asOf)
	require.NoError(t, err)

	assert.Equal(t, 3, first.ProcessedCount)
	assert.Zero(t, second.ProcessedCount)
	assert.Equal(t, before, f.entryDates(t, tpl.ID))
	f.assertBalanceConsistent(t)
}

func TestProcessDue_ClampsDayToMonthLength(t *testing.T) {
	f := newEngineFixture(t)
	tpl := testutil.CreateTestTemplate(t, f.db, f.account, 31, "10", testutil.Date(2024, 1, 31))

	result, err := f.processor().ProcessDue(context.Background(), testutil.Date(2024, 4, 30))
	require.NoError(t, err)

	assert.Equal(t, 4, result.ProcessedCount)
	assert.Equal(t, []string{"2024-01-31", "2024-02-29", "2024-03-31", "2024-04-30"}, f.entryDates(t, tpl.ID))
}

func TestProcessDue_CurrentMonthEntryMayBeFutureDated(t *testing.T) {
	f := newEngineFixture(t)
	tpl := testutil.CreateTestTemplate(t, f.db, f.account, 28, "10", testutil.Date(2024, 5, 1))

	result, err := f.processor().ProcessDue(context.Background(), testutil.Date(2024, 5, 2))
	require.NoError(t, err)

	assert.Equal(t, 1, result.ProcessedCount)
	assert.Equal(t, []string{"2024-05-28"}, f.entryDates(t, tpl.ID))
}

func TestProcessDue_StopsAtEndDate(t *testing.T) {
	f := newEngineFixture(t)
	tpl := testutil.CreateTestTemplate(t, f.db, f.account, 10, "10", testutil.Date(2024, 1, 10),
		testutil.WithEndDate(testutil.Date(2024, 3, 5)))
	proc := f.processor()

	result, err := proc.ProcessDue(context.Background(), testutil.Date(2024, 6, 30))
	require.NoError(t, err)

	assert.Equal(t, 2, result.ProcessedCount)
	assert.Equal(t, []string{"2024-01-10", "2024-02-10"}, f.entryDates(t, tpl.ID))

	marker := testutil.ReloadTemplate(t, f.db, tpl.ID).LastProcessedDate
	require.NotNil(t, marker)
	assert.True(t, marker.Equal(testutil.Date(2024, 2, 10)), "marker %s", marker)

	again, err := proc.ProcessDue(context.Background(), testutil.Date(2024, 9, 30))
	require.NoError(t, err)
	assert.Zero(t, again.ProcessedCount)
}

func TestProcessDue_EndDateBoundary(t *testing.T) {
	t.Run("entry on the end date is materialized", func(t *testing.T) {
		f := newEngineFixture(t)
		tpl := testutil.CreateTestTemplate(t, f.db, f.account, 10, "10", testutil.Date(2024, 1, 10),
			testutil.WithEndDate(testutil.Date(2024, 3, 10)))

		result, err := f.processor().ProcessDue(context.Background(), testutil.Date(2024, 6, 30))
		require.NoError(t, err)

		assert.Equal(t, 3, result.ProcessedCount)
		assert.Equal(t, []string{"2024-01-10", "2024-02-10", "2024-03-10"}, f.entryDates(t, tpl.ID))
	})

	t.Run("end date before the day of month stops that month", func(t *testing.T) {
		f := newEngineFixture(t)
		tpl := testutil.CreateTestTemplate(t, f.db, f.account, 20, "10", testutil.Date(2024, 1, 1),
			testutil.WithEndDate(testutil.Date(2024, 2, 15)))

		result, err := f.processor().ProcessDue(context.Background(), testutil.Date(2024, 4, 30))
		require.NoError(t, err)

		assert.Equal(t, 1, result.ProcessedCount)
		assert.Equal(t, []string{"2024-01-20"}, f.entryDates(t, tpl.ID))

		marker := testutil.ReloadTemplate(t, f.db, tpl.ID).LastProcessedDate
		require.NotNil(t, marker)
		assert.True(t, marker.Equal(testutil.Date(2024, 1, 20)), "marker %s", marker)
	})
}

func TestProcessDue_MarkerFollowsExistingEntryDate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	// The template was moved from the 20th to the 5th after March was generated.
	tpl := testutil.CreateTestTemplate(t, f.db, f.account, 5, "10", testutil.Date(2024, 1, 5),
		testutil.WithMarker(testutil.Date(2024, 2, 20)))
	march := period.New(2024, 3)
	_, err := f.ledger.CreateEntryAndAdjustBalance(ctx, RecurringEntry{
		UserID:     f.userID,
		AccountID:  f.account.ID,
		TemplateID: tpl.ID,
		Period:     march,
		Date:       march.Date(20),
		Amount:     decimal.NewFromInt(-10),
	})
	require.NoError(t, err)

	result, err := f.processor().ProcessDue(ctx, testutil.Date(2024, 3, 31))
	require.NoError(t, err)

	assert.Zero(t, result.ProcessedCount)
	assert.Equal(t, []string{"2024-03-20"}, f.entryDates(t, tpl.ID))
	marker := testutil.ReloadTemplate(t, f.db, tpl.ID).LastProcessedDate
	require.NotNil(t, marker)
	assert.True(t, marker.Equal(testutil.Date(2024, 3, 20)), "marker %s", marker)
}

func TestProcessDueForUser_OnlyTouchesOwnTemplates(t *testing.T) {
	f := newEngineFixture(t)
	own := testutil.CreateTestTemplate(t, f.db, f.account, 15, "10", testutil.Date(2024, 1, 15))

	otherAccount := testutil.CreateTestAccount(t, f.db, testutil.NewUserID())
	other := testutil.CreateTestTemplate(t, f.db, otherAccount, 15, "10", testutil.Date(2024, 1, 15))

	result, err := f.processor().ProcessDueForUser(context.Background(), f.userID, testutil.Date(2024, 3, 31))
	require.NoError(t, err)

	assert.Equal(t, 1, result.TemplatesChecked)
	assert.Equal(t, 3, result.ProcessedCount)
	assert.Len(t, f.entryDates(t, own.ID), 3)
	assert.Empty(t, f.entryDates(t, other.ID))
	assert.Nil(t, testutil.ReloadTemplate(t, f.db, other.ID).LastProcessedDate)
}

func TestProcessDueForUser_RequiresUser(t *testing.T) {
	f := newEngineFixture(t)
	testutil.CreateTestTemplate(t, f.db, f.account, 15, "10", testutil.Date(2024, 1, 15))

	_, err := f.processor().ProcessDueForUser(context.Background(), "", testutil.Date(2024, 3, 31))
	testutil.AssertAppError(t, err, apperrors.ErrInvalidInput.Code)
}

func TestProcessDue_SkipsTemplatesNotYetStarted(t *testing.T) {
	f := newEngineFixture(t)
	future := testutil.CreateTestTemplate(t, f.db, f.account, 1, "10", testutil.Date(2024, 6, 1))
	testutil.CreateTestTemplate(t, f.db, f.account, 1, "10", testutil.Date(2024, 1, 1), testutil.Inactive())

	result, err := f.processor().ProcessDue(context.Background(), testutil.Date(2024, 4, 30))
	require.NoError(t, err)

	assert.Zero(t, result.ProcessedCount)
	assert.Equal(t, 1, result.TemplatesChecked)
	assert.Nil(t, testutil.ReloadTemplate(t, f.db, future.ID).LastProcessedDate)
}

func TestProcessDue_StartDateInSameMonthAsOf(t *testing.T) {
	f := newEngineFixture(t)
	tpl := testutil.CreateTestTemplate(t, f.db, f.account, 5, "10", testutil.Date(2024, 4, 20))

	result, err := f.processor().ProcessDue(context.Background(), testutil.Date(2024, 4, 10))
	require.NoError(t, err)

	assert.Zero(t, result.ProcessedCount)
	assert.Empty(t, f.entryDates(t, tpl.ID))
}

func TestProcessDue_ResumesAfterInterruptedRun(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	tpl := testutil.CreateTestTemplate(t, f.db, f.account, 15, "50", testutil.Date(2024, 1, 15),
		testutil.WithMarker(testutil.Date(2024, 2, 15)))

	// March was committed but the run stopped before checkpointing it.
	march := period.New(2024, 3)
	_, err := f.ledger.CreateEntryAndAdjustBalance(ctx, RecurringEntry{
		UserID:     f.userID,
		AccountID:  f.account.ID,
		TemplateID: tpl.ID,
		Period:     march,
		Date:       march.Date(15),
		Amount:     decimal.NewFromInt(-50),
	})
	require.NoError(t, err)

	result, err := f.processor().ProcessDue(ctx, testutil.Date(2024, 4, 20))
	require.NoError(t, err)

	assert.Equal(t, 1, result.ProcessedCount)
	assert.Equal(t, []string{"2024-03-15", "2024-04-15"}, f.entryDates(t, tpl.ID))

	marker := testutil.ReloadTemplate(t, f.db, tpl.ID).LastProcessedDate
	require.NotNil(t, marker)
	assert.True(t, marker.Equal(testutil.Date(2024, 4, 15)), "marker %s", marker)

	balance := f.assertBalanceConsistent(t)
	assert.True(t, balance.Equal(decimal.NewFromInt(900)), "balance %s", balance)
}

func TestProcessDue_DeletedEntryIsNotRecreated(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	tpl := testutil.CreateTestTemplate(t, f.db, f.account, 1, "10", testutil.Date(2024, 1, 1))
	proc := f.processor()

	_, err := proc.ProcessDue(ctx, testutil.Date(2024, 2, 1))
	require.NoError(t, err)

	entries := testutil.GeneratedEntries(t, f.db, tpl.ID)
	require.Len(t, entries, 2)
	require.NoError(t, f.ledger.DeleteTransaction(f.userID, entries[0].ID))

	// Rewind the marker to force the engine to revisit January.
	require.NoError(t, f.db.Model(&models.RecurringTemplate{}).Where("id = ?", tpl.ID).
		Update("last_processed_date", nil).Error)

	result, err := proc.ProcessDue(ctx, testutil.Date(2024, 2, 1))
	require.NoError(t, err)
	assert.Zero(t, result.ProcessedCount)
	assert.Len(t, testutil.GeneratedEntries(t, f.db, tpl.ID), 1)
	f.assertBalanceConsistent(t)
}

func TestProcessDue_ConcurrentInvocations(t *testing.T) {
	f := newEngineFixture(t)
	tpl := testutil.CreateTestTemplate(t, f.db, f.account, 28, "10", testutil.Date(2024, 1, 1))
	testutil.CreateTestTemplate(t, f.db, f.account, 3, "1", testutil.Date(2024, 2, 1), testutil.WithIncome())
	asOf := testutil.Date(2024, 6, 30)

	shared := f.processor(WithWorkers(2))
	procs := []*RecurringProcessor{shared, shared, f.processor(), f.processor(WithWorkers(4))}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for _, proc := range procs {
		wg.Add(1)
		go func(proc *RecurringProcessor) {
			defer wg.Done()
			result, err := proc.ProcessDue(context.Background(), asOf)
			assert.NoError(t, err)
			mu.Lock()
			total += result.ProcessedCount
			mu.Unlock()
		}(proc)
	}
	wg.Wait()

	assert.Equal(t, 11, total)
	assert.Len(t, f.entryDates(t, tpl.ID), 6)

	balance := f.assertBalanceConsistent(t)
	assert.True(t, balance.Equal(decimal.NewFromInt(1000-60+5)), "balance %s", balance)
}

func TestProcessDue_IsolatesTemplateFailures(t *testing.T) {
	f := newEngineFixture(t)
	broken := testutil.CreateTestTemplate(t, f.db, f.account, 1, "10", testutil.Date(2024, 1, 1))
	healthy := testutil.CreateTestTemplate(t, f.db, f.account, 2, "10", testutil.Date(2024, 1, 1))

	reg := prometheus.NewRegistry()
	m := metrics.NewRecurring(reg)
	proc := NewRecurringProcessor(f.templates, &failingLedger{RecurringLedger: f.ledger, templateID: broken.ID},
		WithMetrics(m), WithWorkers(2))

	result, err := proc.ProcessDue(context.Background(), testutil.Date(2024, 3, 31))
	require.NoError(t, err)

	assert.Equal(t, 3, result.ProcessedCount)
	assert.Equal(t, 2, result.TemplatesChecked)
	assert.Equal(t, 1, result.TemplatesFailed)
	assert.Len(t, f.entryDates(t, healthy.ID), 3)
	assert.Empty(t, f.entryDates(t, broken.ID))
	assert.Nil(t, testutil.ReloadTemplate(t, f.db, broken.ID).LastProcessedDate)

	assert.Equal(t, 3.0, counterValue(t, reg, "recurring_entries_created_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "recurring_template_failures_total"))
}

func TestProcessDue_PublishFailureKeepsEntry(t *testing.T) {
	f := newEngineFixture(t)
	tpl := testutil.CreateTestTemplate(t, f.db, f.account, 1, "10", testutil.Date(2024, 1, 1))
	pub := &recordingPublisher{err: errors.New("broker down")}

	result, err := f.processor(WithPublisher(pub)).ProcessDue(context.Background(), testutil.Date(2024, 1, 31))
	require.NoError(t, err)

	assert.Equal(t, 1, result.ProcessedCount)
	assert.Zero(t, result.TemplatesFailed)
	assert.Len(t, f.entryDates(t, tpl.ID), 1)
}

func TestProcessDue_CancelledContext(t *testing.T) {
	store := &staticStore{templates: []models.RecurringTemplate{
		{Base: models.Base{ID: "a"}, AccountID: "acc", DayOfMonth: 1, StartDate: testutil.Date(2024, 1, 1), IsActive: true},
		{Base: models.Base{ID: "b"}, AccountID: "acc", DayOfMonth: 1, StartDate: testutil.Date(2024, 1, 1), IsActive: true},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := NewRecurringProcessor(store, &failingLedger{}).ProcessDue(ctx, testutil.Date(2024, 3, 1))
	require.NoError(t, err)

	assert.Zero(t, result.ProcessedCount)
	assert.Equal(t, 2, result.TemplatesFailed)
	assert.Empty(t, store.markers)
}

func TestProcessDue_SkipsInactiveTemplateFromStore(t *testing.T) {
	store := &staticStore{templates: []models.RecurringTemplate{
		{Base: models.Base{ID: "paused"}, AccountID: "acc", DayOfMonth: 1, StartDate: testutil.Date(2024, 1, 1), IsActive: false},
	}}

	result, err := NewRecurringProcessor(store, &failingLedger{templateID: "paused"}).ProcessDue(context.Background(), testutil.Date(2024, 3, 1))
	require.NoError(t, err)

	assert.Zero(t, result.ProcessedCount)
	assert.Zero(t, result.TemplatesFailed)
	assert.Empty(t, store.markers)
}

func TestProcessDue_SystemicListingFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM "recurring_templates"`).WillReturnError(errors.New("connection refused"))

	templates := NewRecurringTemplateService(db, NewAccountService(db))
	proc := NewRecurringProcessor(templates, NewLedgerService(db, NewAccountService(db)))

	result, err := proc.ProcessDue(context.Background(), testutil.Date(2024, 3, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrInternalServer)
	assert.Equal(t, ProcessResult{}, result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessDue_Uninitialized(t *testing.T) {
	_, err := NewRecurringProcessor(nil, nil).ProcessDue(context.Background(), time.Now())
	assert.Error(t, err)
}

func TestBaseline(t *testing.T) {
	t.Run("never_processed", func(t *testing.T) {
		tpl := &models.RecurringTemplate{StartDate: testutil.Date(2024, 1, 20)}
		assert.Equal(t, period.New(2023, 12), baseline(tpl))
	})

	t.Run("marker_wins_when_later", func(t *testing.T) {
		marker := testutil.Date(2024, 5, 20)
		tpl := &models.RecurringTemplate{StartDate: testutil.Date(2024, 1, 20), LastProcessedDate: &marker}
		assert.Equal(t, period.New(2024, 5), baseline(tpl))
	})

	t.Run("start_moved_past_marker", func(t *testing.T) {
		marker := testutil.Date(2024, 2, 20)
		tpl := &models.RecurringTemplate{StartDate: testutil.Date(2024, 6, 1), LastProcessedDate: &marker}
		assert.Equal(t, period.New(2024, 5), baseline(tpl))
	})
}

func TestTemplateLocks(t *testing.T) {
	locks := newTemplateLocks()

	unlock := locks.lock("a")
	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		release := locks.lock("a")
		close(acquired)
		release()
		close(released)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held lock")
	case <-time.After(50 * time.Millisecond):
	}

	otherUnlock := locks.lock("b")
	otherUnlock()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the lock")
	}
	<-released

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.locks)
}
