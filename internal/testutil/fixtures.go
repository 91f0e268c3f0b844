package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"fintrack/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// counter provides unique values across fixtures within a test run.
var counter atomic.Int64

func nextID() int64 {
	return counter.Add(1)
}

// NewUserID returns a fresh user identifier. Users live in the identity
// service, so fixtures only need the id.
func NewUserID() string {
	return uuid.NewString()
}

// Date returns midnight UTC on the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// CreateTestAccount creates an active account with zero balance.
func CreateTestAccount(t *testing.T, db *gorm.DB, userID string) *models.Account {
	t.Helper()
	return CreateTestAccountWithBalance(t, db, userID, decimal.Zero)
}

// CreateTestAccountWithBalance creates an account whose stored balance is set
// directly, without a matching opening entry.
func CreateTestAccountWithBalance(t *testing.T, db *gorm.DB, userID string, balance decimal.Decimal) *models.Account {
	t.Helper()

	account := &models.Account{
		UserID:   userID,
		Name:     fmt.Sprintf("Test Account %d", nextID()),
		Balance:  balance,
		Currency: "USD",
		IsActive: true,
	}
	if err := db.Create(account).Error; err != nil {
		t.Fatalf("failed to create test account: %v", err)
	}
	return account
}

// TemplateOption customizes a fixture template before it is stored.
type TemplateOption func(*models.RecurringTemplate)

// WithEndDate sets the template's last valid date.
func WithEndDate(d time.Time) TemplateOption {
	return func(tpl *models.RecurringTemplate) { tpl.EndDate = &d }
}

// WithMarker sets the template's last processed date.
func WithMarker(d time.Time) TemplateOption {
	return func(tpl *models.RecurringTemplate) { tpl.LastProcessedDate = &d }
}

// WithIncome flips the template to an income.
func WithIncome() TemplateOption {
	return func(tpl *models.RecurringTemplate) { tpl.IsExpense = false }
}

// Inactive marks the template as paused.
func Inactive() TemplateOption {
	return func(tpl *models.RecurringTemplate) { tpl.IsActive = false }
}

// CreateTestTemplate creates an active monthly expense template.
func CreateTestTemplate(t *testing.T, db *gorm.DB, account *models.Account, day int, amount string, start time.Time, opts ...TemplateOption) *models.RecurringTemplate {
	t.Helper()

	tpl := &models.RecurringTemplate{
		UserID:      account.UserID,
		AccountID:   account.ID,
		DayOfMonth:  day,
		Amount:      decimal.RequireFromString(amount),
		IsExpense:   true,
		Description: fmt.Sprintf("Recurring %d", nextID()),
		Category:    "Bills",
		StartDate:   start,
		IsActive:    true,
	}
	for _, opt := range opts {
		opt(tpl)
	}
	if err := db.Create(tpl).Error; err != nil {
		t.Fatalf("failed to create test template: %v", err)
	}
	return tpl
}

// CreateTestTransaction stores a manual entry without touching the balance.
func CreateTestTransaction(t *testing.T, db *gorm.DB, account *models.Account, amount string, date time.Time) *models.Transaction {
	t.Helper()

	tx := &models.Transaction{
		UserID:      account.UserID,
		AccountID:   account.ID,
		Amount:      decimal.RequireFromString(amount),
		Description: fmt.Sprintf("Test Transaction %d", nextID()),
		Date:        date,
	}
	if err := db.Create(tx).Error; err != nil {
		t.Fatalf("failed to create test transaction: %v", err)
	}
	return tx
}

// ReloadTemplate reads the template back from the database.
func ReloadTemplate(t *testing.T, db *gorm.DB, id string) *models.RecurringTemplate {
	t.Helper()

	var tpl models.RecurringTemplate
	if err := db.First(&tpl, "id = ?", id).Error; err != nil {
		t.Fatalf("failed to reload template: %v", err)
	}
	return &tpl
}

// GeneratedEntries returns the live entries generated from a template in
// period order.
func GeneratedEntries(t *testing.T, db *gorm.DB, templateID string) []models.Transaction {
	t.Helper()

	var entries []models.Transaction
	if err := db.Where("recurring_template_id = ?", templateID).Order("period_key").Find(&entries).Error; err != nil {
		t.Fatalf("failed to load generated entries: %v", err)
	}
	return entries
}
