package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	apperrors "fintrack/internal/errors"
	"fintrack/internal/models"
	"fintrack/internal/pagination"
	"fintrack/internal/period"
)

// LedgerService owns the ledger: manual entries, entries generated by the
// recurring engine, and the balance adjustment paired with each of them.
type LedgerService struct {
	db             *gorm.DB
	accountService AccountServicer
}

// NewLedgerService creates the ledger service. The returned value
// implements both TransactionServicer and RecurringLedger.
func NewLedgerService(db *gorm.DB, accountService AccountServicer) *LedgerService {
	return &LedgerService{
		db:             db,
		accountService: accountService,
	}
}

var (
	_ TransactionServicer = (*LedgerService)(nil)
	_ RecurringLedger     = (*LedgerService)(nil)
)

// CreateTransaction records a manual entry for a user's account
func (s *LedgerService) CreateTransaction(userID string, in TransactionInput) (*models.Transaction, error) {
	if !in.Amount.IsPositive() {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "amount must be greater than zero")
	}
	if in.AccountID == "" {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "account ID is required")
	}

	date := in.Date
	if date.IsZero() {
		date = time.Now()
	}

	account, err := s.accountService.GetAccountByID(userID, in.AccountID)
	if err != nil {
		return nil, err
	}

	entry := &models.Transaction{
		UserID:      userID,
		AccountID:   account.ID,
		Amount:      models.SignedAmount(in.Amount, in.IsExpense),
		Description: in.Description,
		Merchant:    in.Merchant,
		Category:    in.Category,
		Date:        period.Truncate(date),
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.insertWithBalance(tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// insertWithBalance is the single write path for ledger entries: the row and
// its balance effect commit together or not at all.
func (s *LedgerService) insertWithBalance(tx *gorm.DB, entry *models.Transaction) error {
	if err := tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.Wrap(apperrors.ErrDuplicateRecurringEntry, err)
		}
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return s.accountService.AdjustBalance(tx, entry.AccountID, entry.Amount)
}

// GetAccountTransactions retrieves a paginated list of entries for an account, newest first.
func (s *LedgerService) GetAccountTransactions(userID, accountID string, page pagination.PageRequest) (*pagination.PageResponse[models.Transaction], error) {
	if _, err := s.accountService.GetAccountByID(userID, accountID); err != nil {
		return nil, err
	}

	page.Defaults()

	base := s.db.Model(&models.Transaction{}).Where("user_id = ? AND account_id = ?", userID, accountID)

	var totalItems int64
	if err := base.Count(&totalItems).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	var transactions []models.Transaction
	if err := base.Scopes(pagination.Paginate(page)).
		Order("date DESC").
		Order("id DESC").
		Find(&transactions).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	return pagination.NewPageResponse(transactions, page, totalItems), nil
}

// GetTransactionByID retrieves a transaction by ID for a specific user
func (s *LedgerService) GetTransactionByID(userID, transactionID string) (*models.Transaction, error) {
	var transaction models.Transaction
	if err := s.db.Where("id = ? AND user_id = ?", transactionID, userID).First(&transaction).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTransactionNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &transaction, nil
}

// DeleteTransaction soft-deletes an entry and reverses its balance effect.
// Generated entries keep their (template, period) key, so the recurring engine
// treats the period as handled and does not recreate it.
func (s *LedgerService) DeleteTransaction(userID, transactionID string) error {
	transaction, err := s.GetTransactionByID(userID, transactionID)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(transaction)
		if res.Error != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrTransactionNotFound
		}
		return s.accountService.AdjustBalance(tx, transaction.AccountID, transaction.Amount.Neg())
	})
}

// FindEntry implements RecurringLedger. A missing entry is the normal case for
// every new period, so it is queried with Find rather than First/Take to keep
// gorm from reporting it as an error.
func (s *LedgerService) FindEntry(ctx context.Context, templateID, accountID string, p period.Period) (*models.Transaction, error) {
	var entries []models.Transaction
	err := s.db.WithContext(ctx).
		Unscoped().
		Where("recurring_template_id = ? AND account_id = ? AND period_key = ?", templateID, accountID, p.Key()).
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// CreateEntryAndAdjustBalance implements RecurringLedger.
func (s *LedgerService) CreateEntryAndAdjustBalance(ctx context.Context, in RecurringEntry) (*models.Transaction, error) {
	templateID := in.TemplateID
	periodKey := in.Period.Key()

	entry := &models.Transaction{
		UserID:              in.UserID,
		AccountID:           in.AccountID,
		Amount:              in.Amount,
		Description:         in.Metadata.Description,
		Merchant:            in.Metadata.Merchant,
		Category:            in.Metadata.Category,
		Date:                in.Date,
		RecurringTemplateID: &templateID,
		PeriodKey:           &periodKey,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.insertWithBalance(tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
