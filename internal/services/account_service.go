package services

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "fintrack/internal/errors"
	"fintrack/internal/models"
	"fintrack/internal/pagination"
)

// accountService handles account-related business logic.
type accountService struct {
	db *gorm.DB
}

// NewAccountService creates a new AccountServicer.
func NewAccountService(db *gorm.DB) AccountServicer {
	return &accountService{db: db}
}

// CreateAccount creates an account. A positive opening balance is recorded as
// an income entry in the same transaction so the balance always equals the
// sum of the entries.
func (s *accountService) CreateAccount(userID, name, description, currency string, openingBalance decimal.Decimal) (*models.Account, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "account name is required")
	}
	if openingBalance.IsNegative() {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "opening balance must not be negative")
	}

	if currency == "" {
		currency = "USD"
	}

	account := &models.Account{
		UserID:      userID,
		Name:        name,
		Description: description,
		Balance:     decimal.Zero,
		Currency:    currency,
		IsActive:    true,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(account).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}

		if openingBalance.IsPositive() {
			entry := &models.Transaction{
				UserID:      userID,
				AccountID:   account.ID,
				Amount:      openingBalance,
				Description: "Opening balance",
				Date:        time.Now().UTC(),
			}
			if err := tx.Create(entry).Error; err != nil {
				return apperrors.Wrap(apperrors.ErrInternalServer, err)
			}
			if err := s.AdjustBalance(tx, account.ID, openingBalance); err != nil {
				return err
			}
			account.Balance = openingBalance
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return account, nil
}

// GetUserAccounts retrieves a paginated list of active accounts for a user.
func (s *accountService) GetUserAccounts(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.Account], error) {
	page.Defaults()

	var totalItems int64
	base := s.db.Model(&models.Account{}).Where("user_id = ? AND is_active = ?", userID, true)
	if err := base.Count(&totalItems).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	var accounts []models.Account
	if err := base.Scopes(pagination.Paginate(page)).Order("created_at").Find(&accounts).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	return pagination.NewPageResponse(accounts, page, totalItems), nil
}

// GetAccountByID retrieves an account by ID for a specific user
func (s *accountService) GetAccountByID(userID, accountID string) (*models.Account, error) {
	var account models.Account
	if err := s.db.Where("id = ? AND user_id = ? AND is_active = ?", accountID, userID, true).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrAccountNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &account, nil
}

// AdjustBalance adds delta to the account balance inside the caller's
// transaction. The row is locked for the read-modify-write so concurrent
// writers to the same account serialize; the arithmetic is done in decimal.
func (s *accountService) AdjustBalance(tx *gorm.DB, accountID string, delta decimal.Decimal) error {
	var account models.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "balance").
		Where("id = ?", accountID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrAccountNotFound
		}
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	balance := account.Balance.Add(delta)
	if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Update("balance", balance).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return nil
}

// ReconcileBalance recomputes the balance from the account's live entries and
// compares it with the stored value.
func (s *accountService) ReconcileBalance(userID, accountID string) (*BalanceCheck, error) {
	account, err := s.GetAccountByID(userID, accountID)
	if err != nil {
		return nil, err
	}

	var amounts []decimal.Decimal
	if err := s.db.Model(&models.Transaction{}).
		Where("account_id = ?", accountID).
		Pluck("amount", &amounts).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	computed := decimal.Zero
	for _, a := range amounts {
		computed = computed.Add(a)
	}

	return &BalanceCheck{
		AccountID:  account.ID,
		Stored:     account.Balance,
		Computed:   computed,
		Consistent: account.Balance.Equal(computed),
	}, nil
}
