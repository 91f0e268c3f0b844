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

// recurringTemplateService manages recurring templates for users and serves
// as the template store of the catch-up engine.
type recurringTemplateService struct {
	db             *gorm.DB
	accountService AccountServicer
}

// RecurringTemplateService is the union of the user-facing and engine-facing
// template contracts.
type RecurringTemplateService interface {
	RecurringTemplateServicer
	RecurringTemplateStore
}

// NewRecurringTemplateService creates a RecurringTemplateService.
func NewRecurringTemplateService(db *gorm.DB, accountService AccountServicer) RecurringTemplateService {
	return &recurringTemplateService{db: db, accountService: accountService}
}

// CreateTemplate validates and stores a new active template.
func (s *recurringTemplateService) CreateTemplate(userID string, in RecurringTemplateInput) (*models.RecurringTemplate, error) {
	if in.StartDate.IsZero() {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "start date is required")
	}

	tpl := &models.RecurringTemplate{
		UserID:      userID,
		AccountID:   in.AccountID,
		DayOfMonth:  in.DayOfMonth,
		Amount:      in.Amount,
		IsExpense:   in.IsExpense,
		Description: in.Description,
		Merchant:    in.Merchant,
		Category:    in.Category,
		StartDate:   period.Truncate(in.StartDate),
		EndDate:     truncatePtr(in.EndDate),
		IsActive:    true,
	}
	if err := validateTemplate(tpl); err != nil {
		return nil, err
	}

	if _, err := s.accountService.GetAccountByID(userID, in.AccountID); err != nil {
		return nil, err
	}

	if err := s.db.Create(tpl).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return tpl, nil
}

// CreateTemplateFromTransaction opts an existing manual entry into recurring
// mode. The entry becomes the template's first period: it is linked to the
// template and the marker starts at its date, so the engine never duplicates it.
func (s *recurringTemplateService) CreateTemplateFromTransaction(userID, transactionID string, endDate *time.Time) (*models.RecurringTemplate, error) {
	var source models.Transaction
	if err := s.db.Where("id = ? AND user_id = ?", transactionID, userID).First(&source).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTransactionNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if source.RecurringTemplateID != nil {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "transaction is already linked to a recurring template")
	}

	date := period.Truncate(source.Date)
	tpl := &models.RecurringTemplate{
		UserID:            userID,
		AccountID:         source.AccountID,
		DayOfMonth:        date.Day(),
		Amount:            source.Amount.Abs(),
		IsExpense:         source.IsExpense(),
		Description:       source.Description,
		Merchant:          source.Merchant,
		Category:          source.Category,
		StartDate:         date,
		EndDate:           truncatePtr(endDate),
		LastProcessedDate: &date,
		IsActive:          true,
	}
	if err := validateTemplate(tpl); err != nil {
		return nil, err
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(tpl).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND recurring_template_id IS NULL", source.ID).
			Updates(map[string]any{
				"recurring_template_id": tpl.ID,
				"period_key":            period.Of(date).Key(),
			})
		if res.Error != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.WithMessage(apperrors.ErrInvalidInput, "transaction is already linked to a recurring template")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tpl, nil
}

// GetTemplate retrieves a template owned by the user.
func (s *recurringTemplateService) GetTemplate(userID, templateID string) (*models.RecurringTemplate, error) {
	var tpl models.RecurringTemplate
	if err := s.db.Where("id = ? AND user_id = ?", templateID, userID).First(&tpl).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrRecurringTemplateNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &tpl, nil
}

// ListTemplates retrieves a paginated list of the user's templates, active and inactive.
func (s *recurringTemplateService) ListTemplates(userID string, page pagination.PageRequest) (*pagination.PageResponse[models.RecurringTemplate], error) {
	page.Defaults()

	base := s.db.Model(&models.RecurringTemplate{}).Where("user_id = ?", userID)

	var totalItems int64
	if err := base.Count(&totalItems).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	var templates []models.RecurringTemplate
	if err := base.Scopes(pagination.Paginate(page)).Order("id").Find(&templates).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	return pagination.NewPageResponse(templates, page, totalItems), nil
}

// UpdateTemplate applies user edits to cadence, validity, activity and
// metadata. The progress marker is never touched here.
func (s *recurringTemplateService) UpdateTemplate(userID, templateID string, upd RecurringTemplateUpdate) (*models.RecurringTemplate, error) {
	tpl, err := s.GetTemplate(userID, templateID)
	if err != nil {
		return nil, err
	}

	updates := make(map[string]any)

	if upd.DayOfMonth != nil {
		tpl.DayOfMonth = *upd.DayOfMonth
		updates["day_of_month"] = tpl.DayOfMonth
	}
	if upd.Amount != nil {
		tpl.Amount = *upd.Amount
		updates["amount"] = tpl.Amount
	}
	if upd.IsExpense != nil {
		tpl.IsExpense = *upd.IsExpense
		updates["is_expense"] = tpl.IsExpense
	}
	if upd.Description != nil {
		tpl.Description = *upd.Description
		updates["description"] = tpl.Description
	}
	if upd.Merchant != nil {
		tpl.Merchant = *upd.Merchant
		updates["merchant"] = tpl.Merchant
	}
	if upd.Category != nil {
		tpl.Category = *upd.Category
		updates["category"] = tpl.Category
	}
	if upd.StartDate != nil {
		tpl.StartDate = period.Truncate(*upd.StartDate)
		updates["start_date"] = tpl.StartDate
	}
	switch {
	case upd.ClearEndDate:
		tpl.EndDate = nil
		updates["end_date"] = nil
	case upd.EndDate != nil:
		tpl.EndDate = truncatePtr(upd.EndDate)
		updates["end_date"] = *tpl.EndDate
	}
	if upd.IsActive != nil {
		tpl.IsActive = *upd.IsActive
		updates["is_active"] = tpl.IsActive
	}

	if len(updates) == 0 {
		return tpl, nil
	}
	if err := validateTemplate(tpl); err != nil {
		return nil, err
	}

	if err := s.db.Model(tpl).Updates(updates).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return s.GetTemplate(userID, templateID)
}

// DeleteTemplate soft-deletes the template. Entries already generated from it
// stay in the ledger with their back-reference intact.
func (s *recurringTemplateService) DeleteTemplate(userID, templateID string) error {
	res := s.db.Where("id = ? AND user_id = ?", templateID, userID).Delete(&models.RecurringTemplate{})
	if res.Error != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrRecurringTemplateNotFound
	}
	return nil
}

// ListEligibleTemplates implements RecurringTemplateStore.
func (s *recurringTemplateService) ListEligibleTemplates(ctx context.Context) ([]models.RecurringTemplate, error) {
	return s.listActive(s.db.WithContext(ctx))
}

// ListUserEligibleTemplates implements RecurringTemplateStore.
func (s *recurringTemplateService) ListUserEligibleTemplates(ctx context.Context, userID string) ([]models.RecurringTemplate, error) {
	if userID == "" {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "user ID is required")
	}
	return s.listActive(s.db.WithContext(ctx).Where("user_id = ?", userID))
}

func (s *recurringTemplateService) listActive(q *gorm.DB) ([]models.RecurringTemplate, error) {
	var templates []models.RecurringTemplate
	if err := q.Where("is_active = ?", true).Order("id").Find(&templates).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return templates, nil
}

// AdvanceMarker implements RecurringTemplateStore. The conditional update
// makes a stale writer a no-op instead of rewinding the marker.
func (s *recurringTemplateService) AdvanceMarker(ctx context.Context, templateID string, date time.Time) error {
	date = period.Truncate(date)
	err := s.db.WithContext(ctx).
		Model(&models.RecurringTemplate{}).
		Where("id = ?", templateID).
		Where("(last_processed_date IS NULL OR last_processed_date < ?)", date).
		Update("last_processed_date", date).Error
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return nil
}

func validateTemplate(tpl *models.RecurringTemplate) error {
	if tpl.DayOfMonth < 1 || tpl.DayOfMonth > 31 {
		return apperrors.ErrInvalidDayOfMonth
	}
	if tpl.Amount.IsNegative() {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "amount must not be negative")
	}
	if tpl.AccountID == "" {
		return apperrors.WithMessage(apperrors.ErrInvalidInput, "account ID is required")
	}
	if tpl.EndDate != nil && tpl.EndDate.Before(tpl.StartDate) {
		return apperrors.ErrInvalidDateRange
	}
	return nil
}

func truncatePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := period.Truncate(*t)
	return &d
}
