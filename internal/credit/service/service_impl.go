package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tiffinly/tiffinly/internal/clock"
	"github.com/tiffinly/tiffinly/internal/config"
	"github.com/tiffinly/tiffinly/internal/credit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Settings *config.PlatformSettingsHolder
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	settings *config.PlatformSettingsHolder
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("credit.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		settings: p.Settings,
	}
}

func (s *Service) Grant(ctx context.Context, req domain.GrantRequest) (*domain.Credit, error) {
	if req.Quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	now := s.clock.Now()
	expiryDays := s.settings.Get().CreditExpiryDays
	credit := domain.Credit{
		ID:             s.genID.Generate(),
		GroupID:        req.GroupID,
		SubscriptionID: req.SubscriptionID,
		ConsumerID:     req.ConsumerID,
		Slot:           req.Slot,
		Quantity:       req.Quantity,
		PricePerMeal:   req.PricePerMeal,
		Reason:         req.Reason,
		Status:         domain.StatusAvailable,
		ExpiresAt:      now.AddDate(0, 0, expiryDays),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&credit).Error; err != nil {
		return nil, err
	}

	s.log.Info("credit granted",
		zap.Int64("credit_id", int64(credit.ID)),
		zap.Int64("group_id", int64(req.GroupID)),
		zap.String("reason", string(req.Reason)),
		zap.Int("quantity", req.Quantity),
	)
	return &credit, nil
}

func (s *Service) GrantGlobal(ctx context.Context, consumerID snowflake.ID, sourceGroupID *snowflake.ID, amount int64) (*domain.GlobalCredit, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	now := s.clock.Now()
	expiryDays := s.settings.Get().CreditExpiryDays
	gc := domain.GlobalCredit{
		ID:            s.genID.Generate(),
		ConsumerID:    consumerID,
		SourceGroupID: sourceGroupID,
		Amount:        amount,
		Status:        domain.StatusAvailable,
		ExpiresAt:     now.AddDate(0, 0, expiryDays),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(&gc).Error; err != nil {
		return nil, err
	}
	return &gc, nil
}

// ApplyCreditsToInvoice walks the invoice lines and draws each line's own
// subscription+slot credits (oldest grant first), never covering more meals
// than the line schedules. Global credits then cover the remaining balance.
func (s *Service) ApplyCreditsToInvoice(ctx context.Context, tx *gorm.DB, invoiceID, consumerID snowflake.ID, lines []domain.LineCharge) (*domain.ApplyResult, error) {
	db := tx
	if db == nil {
		db = s.db
	}

	result := &domain.ApplyResult{}
	now := s.clock.Now()

	var gross int64
	for _, line := range lines {
		gross += int64(line.MealCount) * line.PricePerMeal
	}
	if gross <= 0 {
		return result, nil
	}

	for _, line := range lines {
		if line.MealCount <= 0 || line.PricePerMeal <= 0 {
			continue
		}

		var credits []domain.Credit
		err := db.WithContext(ctx).
			Where("subscription_id = ? AND slot = ? AND status = ? AND consumed_quantity < quantity AND expires_at > ?",
				line.SubscriptionID, line.Slot, domain.StatusAvailable, now).
			Order("created_at asc, id asc").
			Find(&credits).Error
		if err != nil {
			return nil, err
		}

		lineApplied := 0
		var lineAmount int64
		for i := range credits {
			mealsLeft := line.MealCount - lineApplied
			if mealsLeft <= 0 {
				break
			}
			credit := &credits[i]
			qty := credit.Remaining()
			if qty > mealsLeft {
				qty = mealsLeft
			}
			if qty <= 0 {
				continue
			}

			res := db.WithContext(ctx).Model(&domain.Credit{}).
				Where("id = ? AND status = ? AND consumed_quantity + ? <= quantity", credit.ID, domain.StatusAvailable, qty).
				Updates(map[string]any{
					"consumed_quantity": gorm.Expr("consumed_quantity + ?", qty),
					"updated_at":        now,
				})
			if res.Error != nil {
				return nil, res.Error
			}
			if res.RowsAffected == 0 {
				// Raced with another consumer of this credit; leave it alone.
				continue
			}

			amount := int64(qty) * line.PricePerMeal
			app := domain.CreditApplication{
				ID:        s.genID.Generate(),
				InvoiceID: invoiceID,
				CreditID:  &credit.ID,
				Quantity:  qty,
				Amount:    amount,
				CreatedAt: now,
			}
			if err := db.WithContext(ctx).Create(&app).Error; err != nil {
				return nil, err
			}
			result.Applications = append(result.Applications, domain.Application{
				CreditID: &credit.ID,
				Quantity: qty,
				Amount:   amount,
			})
			lineApplied += qty
			lineAmount += amount
		}

		if lineApplied > 0 {
			result.Lines = append(result.Lines, domain.LineApplication{
				LineItemID:     line.LineItemID,
				CreditsApplied: lineApplied,
				Amount:         lineAmount,
			})
			result.AmountCovered += lineAmount
		}
	}

	remaining := gross - result.AmountCovered
	if remaining <= 0 {
		return result, nil
	}

	var globals []domain.GlobalCredit
	err := db.WithContext(ctx).
		Where("consumer_id = ? AND status = ? AND consumed_amount < amount AND expires_at > ?",
			consumerID, domain.StatusAvailable, now).
		Order("created_at asc, id asc").
		Find(&globals).Error
	if err != nil {
		return nil, err
	}

	for i := range globals {
		if remaining <= 0 {
			break
		}
		gc := &globals[i]
		amount := gc.Remaining()
		if amount > remaining {
			amount = remaining
		}

		res := db.WithContext(ctx).Model(&domain.GlobalCredit{}).
			Where("id = ? AND status = ? AND consumed_amount = ?", gc.ID, domain.StatusAvailable, gc.ConsumedAmount).
			Updates(map[string]any{
				"consumed_amount": gc.ConsumedAmount + amount,
				"updated_at":      now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}

		app := domain.CreditApplication{
			ID:             s.genID.Generate(),
			InvoiceID:      invoiceID,
			GlobalCreditID: &gc.ID,
			Amount:         amount,
			CreatedAt:      now,
		}
		if err := db.WithContext(ctx).Create(&app).Error; err != nil {
			return nil, err
		}
		result.Applications = append(result.Applications, domain.Application{
			GlobalCreditID: &gc.ID,
			Amount:         amount,
		})
		result.AmountCovered += amount
		remaining -= amount
	}

	return result, nil
}

func (s *Service) ExpireBatch(ctx context.Context, asOf time.Time, limit int) (*domain.ExpiryResult, error) {
	if limit <= 0 {
		limit = 1000
	}
	result := &domain.ExpiryResult{BySlot: map[string]int{}, ByReason: map[string]int{}}

	var credits []domain.Credit
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", domain.StatusAvailable, asOf).
		Order("expires_at asc, id asc").
		Limit(limit).
		Find(&credits).Error
	if err != nil {
		return nil, err
	}
	if len(credits) == 0 {
		return result, nil
	}

	ids := make([]snowflake.ID, 0, len(credits))
	for i := range credits {
		ids = append(ids, credits[i].ID)
	}
	res := s.db.WithContext(ctx).Model(&domain.Credit{}).
		Where("id IN ? AND status = ?", ids, domain.StatusAvailable).
		Updates(map[string]any{
			"status":     domain.StatusExpired,
			"updated_at": s.clock.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}

	result.Expired = int(res.RowsAffected)
	for i := range credits {
		result.BySlot[string(credits[i].Slot)]++
		result.ByReason[string(credits[i].Reason)]++
	}
	return result, nil
}

// ConvertGroupCredits values each available credit at remaining * price and
// mints one global credit for the total.
func (s *Service) ConvertGroupCredits(ctx context.Context, tx *gorm.DB, groupID, consumerID snowflake.ID, expiresAt time.Time) (*domain.ConversionResult, error) {
	db := tx
	if db == nil {
		db = s.db
	}
	now := s.clock.Now()

	var credits []domain.Credit
	err := db.WithContext(ctx).
		Where("group_id = ? AND status = ? AND expires_at > ?", groupID, domain.StatusAvailable, now).
		Order("created_at asc, id asc").
		Find(&credits).Error
	if err != nil {
		return nil, err
	}

	result := &domain.ConversionResult{}
	var total int64
	for i := range credits {
		credit := &credits[i]
		value := int64(credit.Remaining()) * credit.PricePerMeal

		res := db.WithContext(ctx).Model(&domain.Credit{}).
			Where("id = ? AND status = ?", credit.ID, domain.StatusAvailable).
			Updates(map[string]any{
				"status":     domain.StatusConverted,
				"updated_at": now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		result.CreditsConverted++
		total += value
	}

	if total <= 0 {
		return result, nil
	}

	gc := domain.GlobalCredit{
		ID:            s.genID.Generate(),
		ConsumerID:    consumerID,
		SourceGroupID: &groupID,
		Amount:        total,
		Status:        domain.StatusAvailable,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.WithContext(ctx).Create(&gc).Error; err != nil {
		return nil, err
	}
	result.GlobalCredit = &gc

	s.log.Info("group credits converted",
		zap.Int64("group_id", int64(groupID)),
		zap.Int("credits", result.CreditsConverted),
		zap.Int64("amount", total),
	)
	return result, nil
}

func (s *Service) AvailableFor(ctx context.Context, groupID snowflake.ID) ([]domain.Credit, error) {
	var credits []domain.Credit
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND status = ? AND consumed_quantity < quantity AND expires_at > ?",
			groupID, domain.StatusAvailable, s.clock.Now()).
		Order("created_at asc, id asc").
		Find(&credits).Error
	return credits, err
}
