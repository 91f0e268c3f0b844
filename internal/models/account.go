package models

import "github.com/shopspring/decimal"

// Account holds the running balance of a user's ledger. Balance is always the
// sum of the amounts of its transactions; every write that creates or removes a
// transaction adjusts it in the same database transaction.
type Account struct {
	Base
	UserID      string          `gorm:"type:uuid;not null;index" json:"user_id"`
	Name        string          `gorm:"not null" json:"name"`
	Description string          `json:"description"`
	Balance     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"balance"`
	Currency    string          `gorm:"not null;default:'USD'" json:"currency"`
	IsActive    bool            `gorm:"default:true" json:"is_active"`

	// Relationships
	Transactions []Transaction `gorm:"foreignKey:AccountID" json:"transactions,omitempty"`
}
