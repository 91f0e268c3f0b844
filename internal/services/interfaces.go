package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"fintrack/internal/models"
	"fintrack/internal/pagination"
	"fintrack/internal/period"
)

// AccountServicer defines the contract for account-related business logic.
type AccountServicer interface {
	CreateAccount(userID, name, description, currency string, openingBalance decimal.Decimal) (*models.Account, error)
	GetUserAccounts(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.Account], error)
	GetAccountByID(userID, accountID string) (*models.Account, error)
	AdjustBalance(tx *gorm.DB, accountID string, delta decimal.Decimal) error
	ReconcileBalance(userID, accountID string) (*BalanceCheck, error)
}

// BalanceCheck compares the stored balance with the sum of the account's entries.
type BalanceCheck struct {
	AccountID  string          `json:"account_id"`
	Stored     decimal.Decimal `json:"stored"`
	Computed   decimal.Decimal `json:"computed"`
	Consistent bool            `json:"consistent"`
}

// TransactionInput carries a manual ledger entry. Amount is a magnitude; the
// sign comes from IsExpense.
type TransactionInput struct {
	AccountID   string
	IsExpense   bool
	Amount      decimal.Decimal
	Description string
	Merchant    string
	Category    string
	Date        time.Time
}

// TransactionServicer defines the contract for manual ledger entries.
type TransactionServicer interface {
	CreateTransaction(userID string, in TransactionInput) (*models.Transaction, error)
	GetAccountTransactions(userID, accountID string, page pagination.PageRequest) (*pagination.PageResponse[models.Transaction], error)
	GetTransactionByID(userID, transactionID string) (*models.Transaction, error)
	DeleteTransaction(userID, transactionID string) error
}

// EntryMetadata is copied verbatim from a template onto its generated entries.
type EntryMetadata struct {
	Description string
	Merchant    string
	Category    string
}

// RecurringEntry is one template-period pair to materialize.
type RecurringEntry struct {
	UserID     string
	AccountID  string
	TemplateID string
	Period     period.Period
	Date       time.Time
	Amount     decimal.Decimal
	Metadata   EntryMetadata
}

// RecurringLedger is the ledger seam used by the catch-up engine.
type RecurringLedger interface {
	// FindEntry returns the entry generated for the template, account and
	// period, or nil when none exists. Soft-deleted entries are included.
	FindEntry(ctx context.Context, templateID, accountID string, p period.Period) (*models.Transaction, error)
	// CreateEntryAndAdjustBalance inserts the entry and applies its amount to
	// the account balance atomically. A concurrent duplicate yields
	// ErrDuplicateRecurringEntry and leaves the balance untouched.
	CreateEntryAndAdjustBalance(ctx context.Context, entry RecurringEntry) (*models.Transaction, error)
}

// RecurringTemplateStore is the template seam used by the catch-up engine.
type RecurringTemplateStore interface {
	// ListEligibleTemplates returns every user's active templates.
	ListEligibleTemplates(ctx context.Context) ([]models.RecurringTemplate, error)
	// ListUserEligibleTemplates returns the active templates owned by userID.
	ListUserEligibleTemplates(ctx context.Context, userID string) ([]models.RecurringTemplate, error)
	// AdvanceMarker moves last_processed_date forward to date. It never moves
	// the marker backwards.
	AdvanceMarker(ctx context.Context, templateID string, date time.Time) error
}

// RecurringTemplateInput describes a new template.
type RecurringTemplateInput struct {
	AccountID   string
	DayOfMonth  int
	Amount      decimal.Decimal
	IsExpense   bool
	Description string
	Merchant    string
	Category    string
	StartDate   time.Time
	EndDate     *time.Time
}

// RecurringTemplateUpdate lists the user-editable fields; nil means unchanged.
type RecurringTemplateUpdate struct {
	DayOfMonth   *int
	Amount       *decimal.Decimal
	IsExpense    *bool
	Description  *string
	Merchant     *string
	Category     *string
	StartDate    *time.Time
	EndDate      *time.Time
	ClearEndDate bool
	IsActive     *bool
}

// RecurringTemplateServicer defines the contract for user management of templates.
type RecurringTemplateServicer interface {
	CreateTemplate(userID string, in RecurringTemplateInput) (*models.RecurringTemplate, error)
	CreateTemplateFromTransaction(userID, transactionID string, endDate *time.Time) (*models.RecurringTemplate, error)
	GetTemplate(userID, templateID string) (*models.RecurringTemplate, error)
	ListTemplates(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.RecurringTemplate], error)
	UpdateTemplate(userID, templateID string, upd RecurringTemplateUpdate) (*models.RecurringTemplate, error)
	DeleteTemplate(userID, templateID string) error
}

// RecurringProcessorer runs the catch-up engine, either over all templates or
// over a single user's.
type RecurringProcessorer interface {
	ProcessDue(ctx context.Context, asOf time.Time) (ProcessResult, error)
	ProcessDueForUser(ctx context.Context, userID string, asOf time.Time) (ProcessResult, error)
}

// AuditServicer defines the contract for audit logging.
type AuditServicer interface {
	Log(userID, action, resourceType, resourceID, ipAddress string, changes map[string]any)
}
