package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an immutable, dated ledger entry. Amount is signed: negative
// for expenses, positive for income.
//
// Entries generated from a recurring template carry the template id and the
// period key ("YYYY-MM") they materialize. The unique index over
// (recurring_template_id, account_id, period_key) allows at most one generated
// entry per template, account and month; manual entries leave both NULL.
type Transaction struct {
	Base
	UserID      string          `gorm:"type:uuid;not null;index" json:"user_id"`
	AccountID   string          `gorm:"type:uuid;not null;uniqueIndex:idx_recurring_period,priority:2" json:"account_id"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"amount"`
	Description string          `json:"description"`
	Merchant    string          `json:"merchant,omitempty"`
	Category    string          `json:"category,omitempty"`
	Date        time.Time       `gorm:"not null;index" json:"date"`

	RecurringTemplateID *string `gorm:"type:uuid;uniqueIndex:idx_recurring_period,priority:1" json:"recurring_template_id,omitempty"`
	PeriodKey           *string `gorm:"size:7;uniqueIndex:idx_recurring_period,priority:3" json:"period_key,omitempty"`

	// Relationships
	Account Account `gorm:"foreignKey:AccountID" json:"-"`
}

// IsExpense reports whether the entry reduces the account balance.
func (t *Transaction) IsExpense() bool {
	return t.Amount.IsNegative()
}

// SignedAmount derives the ledger amount from an unsigned magnitude.
func SignedAmount(magnitude decimal.Decimal, isExpense bool) decimal.Decimal {
	magnitude = magnitude.Abs()
	if isExpense {
		return magnitude.Neg()
	}
	return magnitude
}
