package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	apperrors "fintrack/internal/errors"
	"fintrack/internal/pagination"
	"fintrack/internal/services"
)

// TransactionHandler handles manual ledger entries.
type TransactionHandler struct {
	transactionService services.TransactionServicer
}

// NewTransactionHandler creates a new TransactionHandler.
func NewTransactionHandler(transactionService services.TransactionServicer) *TransactionHandler {
	return &TransactionHandler{transactionService: transactionService}
}

// CreateTransactionRequest represents the request payload for creating a transaction.
// Amount is a positive magnitude; is_expense decides the sign.
type CreateTransactionRequest struct {
	AccountID   string  `json:"account_id" binding:"required,uuid"`
	IsExpense   bool    `json:"is_expense"`
	Amount      string  `json:"amount" binding:"required,money"`
	Description string  `json:"description" binding:"max=500"`
	Merchant    string  `json:"merchant" binding:"max=200"`
	Category    string  `json:"category" binding:"max=100"`
	Date        *string `json:"date" binding:"omitempty,civil_date"`
}

// TransactionResponse represents a transaction in the response
type TransactionResponse struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	AccountID           string          `json:"account_id"`
	Amount              decimal.Decimal `json:"amount" swaggertype:"string"`
	Description         string          `json:"description"`
	Merchant            string          `json:"merchant,omitempty"`
	Category            string          `json:"category,omitempty"`
	Date                time.Time       `json:"date"`
	RecurringTemplateID *string         `json:"recurring_template_id,omitempty"`
	PeriodKey           *string         `json:"period_key,omitempty"`
}

// CreateTransaction handles the creation of a new transaction
// @Summary     Create a transaction
// @Description Record a manual income or expense and update the account balance atomically
// @Tags        transactions
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       request body CreateTransactionRequest true "Transaction details"
// @Success     201 {object} TransactionResponse "Transaction created"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Account not found"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /transactions [post]
func (h *TransactionHandler) CreateTransaction(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	amount, err := parseMoney("amount", req.Amount)
	if err != nil {
		respondWithError(c, err)
		return
	}
	date, err := parseOptionalDate("date", req.Date)
	if err != nil {
		respondWithError(c, err)
		return
	}

	in := services.TransactionInput{
		AccountID:   req.AccountID,
		IsExpense:   req.IsExpense,
		Amount:      amount,
		Description: req.Description,
		Merchant:    req.Merchant,
		Category:    req.Category,
	}
	if date != nil {
		in.Date = *date
	}

	transaction, err := h.transactionService.CreateTransaction(userID, in)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": transaction})
}

// GetAccountTransactions lists the entries of one account, newest first
// @Summary     List account transactions
// @Tags        transactions
// @Produce     json
// @Security    BearerAuth
// @Param       id        path  string true  "Account ID"
// @Param       page      query int    false "Page number"
// @Param       page_size query int    false "Page size"
// @Success     200 {object} pagination.PageResponse[TransactionResponse] "Transactions"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Account not found"
// @Router      /accounts/{id}/transactions [get]
func (h *TransactionHandler) GetAccountTransactions(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var page pagination.PageRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	result, err := h.transactionService.GetAccountTransactions(userID, c.Param("id"), page)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetTransactionByID handles the retrieval of a specific transaction
// @Summary     Get transaction by ID
// @Tags        transactions
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Transaction ID"
// @Success     200 {object} TransactionResponse "Transaction details"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Transaction not found"
// @Router      /transactions/{id} [get]
func (h *TransactionHandler) GetTransactionByID(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	transaction, err := h.transactionService.GetTransactionByID(userID, c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": transaction})
}

// DeleteTransaction removes an entry and reverses its balance effect
// @Summary     Delete a transaction
// @Tags        transactions
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Transaction ID"
// @Success     204 "Deleted"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Transaction not found"
// @Router      /transactions/{id} [delete]
func (h *TransactionHandler) DeleteTransaction(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	if err := h.transactionService.DeleteTransaction(userID, c.Param("id")); err != nil {
		respondWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
