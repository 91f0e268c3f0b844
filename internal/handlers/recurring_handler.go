package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "fintrack/internal/errors"
	"fintrack/internal/pagination"
	"fintrack/internal/period"
	"fintrack/internal/services"
)

// RecurringHandler exposes recurring template management and the catch-up trigger.
type RecurringHandler struct {
	templateService services.RecurringTemplateServicer
	processor       services.RecurringProcessorer
	auditService    services.AuditServicer
	now             func() time.Time
}

// NewRecurringHandler creates a new RecurringHandler.
func NewRecurringHandler(templateService services.RecurringTemplateServicer, processor services.RecurringProcessorer, auditService services.AuditServicer) *RecurringHandler {
	return &RecurringHandler{
		templateService: templateService,
		processor:       processor,
		auditService:    auditService,
		now:             time.Now,
	}
}

// CreateRecurringTemplateRequest represents the request payload for creating a template
type CreateRecurringTemplateRequest struct {
	AccountID   string  `json:"account_id" binding:"required,uuid"`
	DayOfMonth  int     `json:"day_of_month" binding:"required,day_of_month"`
	Amount      string  `json:"amount" binding:"required,money"`
	IsExpense   bool    `json:"is_expense"`
	Description string  `json:"description" binding:"max=500"`
	Merchant    string  `json:"merchant" binding:"max=200"`
	Category    string  `json:"category" binding:"max=100"`
	StartDate   string  `json:"start_date" binding:"required,civil_date"`
	EndDate     *string `json:"end_date" binding:"omitempty,civil_date"`
}

// UpdateRecurringTemplateRequest lists editable fields; omitted fields are unchanged.
type UpdateRecurringTemplateRequest struct {
	DayOfMonth   *int    `json:"day_of_month" binding:"omitempty,day_of_month"`
	Amount       *string `json:"amount" binding:"omitempty,money"`
	IsExpense    *bool   `json:"is_expense"`
	Description  *string `json:"description" binding:"omitempty,max=500"`
	Merchant     *string `json:"merchant" binding:"omitempty,max=200"`
	Category     *string `json:"category" binding:"omitempty,max=100"`
	StartDate    *string `json:"start_date" binding:"omitempty,civil_date"`
	EndDate      *string `json:"end_date" binding:"omitempty,civil_date"`
	ClearEndDate bool    `json:"clear_end_date"`
	IsActive     *bool   `json:"is_active"`
}

// TemplateFromTransactionRequest opts an existing entry into recurring mode.
type TemplateFromTransactionRequest struct {
	TransactionID string  `json:"transaction_id" binding:"required,uuid"`
	EndDate       *string `json:"end_date" binding:"omitempty,civil_date"`
}

// CreateTemplate handles the creation of a recurring template
// @Summary     Create a recurring template
// @Tags        recurring
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       request body CreateRecurringTemplateRequest true "Template details"
// @Success     201 {object} models.RecurringTemplate "Template created"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Account not found"
// @Router      /recurring [post]
func (h *RecurringHandler) CreateTemplate(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req CreateRecurringTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	amount, err := parseMoney("amount", req.Amount)
	if err != nil {
		respondWithError(c, err)
		return
	}
	start, err := parseDate("start_date", req.StartDate)
	if err != nil {
		respondWithError(c, err)
		return
	}
	end, err := parseOptionalDate("end_date", req.EndDate)
	if err != nil {
		respondWithError(c, err)
		return
	}

	tpl, err := h.templateService.CreateTemplate(userID, services.RecurringTemplateInput{
		AccountID:   req.AccountID,
		DayOfMonth:  req.DayOfMonth,
		Amount:      amount,
		IsExpense:   req.IsExpense,
		Description: req.Description,
		Merchant:    req.Merchant,
		Category:    req.Category,
		StartDate:   start,
		EndDate:     end,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(userID, services.AuditCreateTemplate, "recurring_template", tpl.ID, c.ClientIP(),
		map[string]any{"account_id": tpl.AccountID, "day_of_month": tpl.DayOfMonth, "amount": tpl.Amount.String()})

	c.JSON(http.StatusCreated, gin.H{"template": tpl})
}

// CreateTemplateFromTransaction turns an existing entry into the first period of a template
// @Summary     Make a transaction recurring
// @Tags        recurring
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       request body TemplateFromTransactionRequest true "Source transaction"
// @Success     201 {object} models.RecurringTemplate "Template created"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     404 {object} ErrorResponse "Transaction not found"
// @Router      /recurring/from-transaction [post]
func (h *RecurringHandler) CreateTemplateFromTransaction(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req TemplateFromTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}
	end, err := parseOptionalDate("end_date", req.EndDate)
	if err != nil {
		respondWithError(c, err)
		return
	}

	tpl, err := h.templateService.CreateTemplateFromTransaction(userID, req.TransactionID, end)
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(userID, services.AuditCreateTemplate, "recurring_template", tpl.ID, c.ClientIP(),
		map[string]any{"source_transaction_id": req.TransactionID})

	c.JSON(http.StatusCreated, gin.H{"template": tpl})
}

// ListTemplates lists the user's templates
// @Summary     List recurring templates
// @Tags        recurring
// @Produce     json
// @Security    BearerAuth
// @Param       page      query int false "Page number"
// @Param       page_size query int false "Page size"
// @Success     200 {object} pagination.PageResponse[models.RecurringTemplate] "Templates"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Router      /recurring [get]
func (h *RecurringHandler) ListTemplates(c *gin.Context) {
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

	result, err := h.templateService.ListTemplates(userID, page)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetTemplate returns one template
// @Summary     Get recurring template
// @Tags        recurring
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Template ID"
// @Success     200 {object} models.RecurringTemplate "Template"
// @Failure     404 {object} ErrorResponse "Template not found"
// @Router      /recurring/{id} [get]
func (h *RecurringHandler) GetTemplate(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	tpl, err := h.templateService.GetTemplate(userID, c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"template": tpl})
}

// UpdateTemplate edits cadence, validity, activity or metadata
// @Summary     Update recurring template
// @Tags        recurring
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string                         true "Template ID"
// @Param       request body UpdateRecurringTemplateRequest true "Fields to change"
// @Success     200 {object} models.RecurringTemplate "Template updated"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     404 {object} ErrorResponse "Template not found"
// @Router      /recurring/{id} [put]
func (h *RecurringHandler) UpdateTemplate(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req UpdateRecurringTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	upd := services.RecurringTemplateUpdate{
		DayOfMonth:   req.DayOfMonth,
		IsExpense:    req.IsExpense,
		Description:  req.Description,
		Merchant:     req.Merchant,
		Category:     req.Category,
		ClearEndDate: req.ClearEndDate,
		IsActive:     req.IsActive,
	}
	if req.Amount != nil {
		amount, err := parseMoney("amount", *req.Amount)
		if err != nil {
			respondWithError(c, err)
			return
		}
		upd.Amount = &amount
	}
	if upd.StartDate, err = parseOptionalDate("start_date", req.StartDate); err != nil {
		respondWithError(c, err)
		return
	}
	if upd.EndDate, err = parseOptionalDate("end_date", req.EndDate); err != nil {
		respondWithError(c, err)
		return
	}

	tpl, err := h.templateService.UpdateTemplate(userID, c.Param("id"), upd)
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(userID, services.AuditUpdateTemplate, "recurring_template", tpl.ID, c.ClientIP(),
		map[string]any{"request": req})

	c.JSON(http.StatusOK, gin.H{"template": tpl})
}

// DeleteTemplate soft-deletes a template; generated entries are kept
// @Summary     Delete recurring template
// @Tags        recurring
// @Security    BearerAuth
// @Param       id path string true "Template ID"
// @Success     204 "Deleted"
// @Failure     404 {object} ErrorResponse "Template not found"
// @Router      /recurring/{id} [delete]
func (h *RecurringHandler) DeleteTemplate(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	id := c.Param("id")
	if err := h.templateService.DeleteTemplate(userID, id); err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(userID, services.AuditDeleteTemplate, "recurring_template", id, c.ClientIP(), nil)

	c.Status(http.StatusNoContent)
}

// ProcessDue catches up the caller's own templates on demand. as_of defaults
// to today and may not lie in the future, since markers never move back.
// @Summary     Run recurring catch-up for the caller
// @Tags        recurring
// @Produce     json
// @Security    BearerAuth
// @Param       as_of query string false "Catch up through this date (YYYY-MM-DD, not after today)"
// @Success     200 {object} services.ProcessResult "Run summary"
// @Failure     400 {object} ErrorResponse "Invalid as_of"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     500 {object} ErrorResponse "Storage unavailable"
// @Router      /recurring/process [post]
func (h *RecurringHandler) ProcessDue(c *gin.Context) {
	userID, err := getUserID(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	asOf, err := h.asOf(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	result, err := h.processor.ProcessDueForUser(c.Request.Context(), userID, asOf)
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(userID, services.AuditTriggerRecurring, "recurring", "", c.ClientIP(),
		map[string]any{"as_of": asOf.Format(time.DateOnly), "processed_count": result.ProcessedCount})

	c.JSON(http.StatusOK, result)
}

// ProcessAllDue runs the catch-up over every user's templates. It is mounted
// only behind the scheduler API key.
func (h *RecurringHandler) ProcessAllDue(c *gin.Context) {
	asOf, err := h.asOf(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	result, err := h.processor.ProcessDue(c.Request.Context(), asOf)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// asOf reads the optional as_of query parameter, rejecting dates after today.
func (h *RecurringHandler) asOf(c *gin.Context) (time.Time, error) {
	today := period.Truncate(h.now().UTC())
	raw := c.Query("as_of")
	if raw == "" {
		return today, nil
	}
	asOf, err := parseDate("as_of", raw)
	if err != nil {
		return time.Time{}, err
	}
	if asOf.After(today) {
		return time.Time{}, apperrors.WithMessage(apperrors.ErrInvalidInput, "as_of must not be after today")
	}
	return asOf, nil
}
