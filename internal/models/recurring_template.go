package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RecurringTemplate describes a transaction that repeats on a fixed day of
// every month. The sign of generated entries comes from IsExpense; Amount is
// always stored as a non-negative magnitude.
//
// LastProcessedDate is the date of the most recent entry materialized from the
// template. It only ever moves forward.
type RecurringTemplate struct {
	Base
	UserID      string          `gorm:"type:uuid;not null;index" json:"user_id"`
	AccountID   string          `gorm:"type:uuid;not null;index" json:"account_id"`
	DayOfMonth  int             `gorm:"not null" json:"day_of_month"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	IsExpense   bool            `gorm:"not null" json:"is_expense"`
	Description string          `json:"description"`
	Merchant    string          `json:"merchant,omitempty"`
	Category    string          `json:"category,omitempty"`

	StartDate         time.Time  `gorm:"not null" json:"start_date"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	LastProcessedDate *time.Time `json:"last_processed_date,omitempty"`
	IsActive          bool       `gorm:"not null;index" json:"is_active"`

	// Relationships
	Account Account `gorm:"foreignKey:AccountID" json:"-"`
}

// SignedAmount returns the amount every generated entry carries.
func (r *RecurringTemplate) SignedAmount() decimal.Decimal {
	return SignedAmount(r.Amount, r.IsExpense)
}
