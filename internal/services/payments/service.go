package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/wallet"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/webhook"
	"gorm.io/gorm"
)

// Service sells credit packages through Stripe and lands the purchased
// credits in the wallet. Credits only move on a verified webhook, never
// on checkout redirect.
type Service struct {
	db            *gorm.DB
	wallet        *wallet.Service
	webhookSecret string
}

func NewService(db *gorm.DB, walletSvc *wallet.Service, cfg models.StripeConfig) *Service {
	if cfg.SecretKey != "" {
		stripe.Key = cfg.SecretKey
	}
	return &Service{
		db:            db,
		wallet:        walletSvc,
		webhookSecret: cfg.WebhookSecret,
	}
}

// SeedPackages upserts the configured catalog by package name, so a
// config change updates prices without duplicating rows.
func (s *Service) SeedPackages(ctx context.Context, configs []models.PackageConfig) error {
	for _, cfg := range configs {
		active := true
		if cfg.Active != nil {
			active = *cfg.Active
		}

		var existing models.Package
		err := s.db.WithContext(ctx).Where("name = ?", cfg.Name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			pkg := models.Package{Name: cfg.Name, Credits: cfg.Credits, Price: cfg.Price, Active: active}
			if err := s.db.WithContext(ctx).Create(&pkg).Error; err != nil {
				return models.NewStorageUnavailableError("seed packages", err)
			}
		case err != nil:
			return models.NewStorageUnavailableError("seed packages", err)
		default:
			updates := map[string]any{"credits": cfg.Credits, "price": cfg.Price, "active": active}
			if err := s.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
				return models.NewStorageUnavailableError("seed packages", err)
			}
		}
	}
	return nil
}

// ListPackages returns the active catalog, cheapest first.
func (s *Service) ListPackages(ctx context.Context) ([]models.Package, error) {
	var packages []models.Package
	err := s.db.WithContext(ctx).
		Where("active = ?", true).
		Order("credits ASC").
		Find(&packages).Error
	if err != nil {
		return nil, models.NewStorageUnavailableError("list packages", err)
	}
	return packages, nil
}

// GetPackage returns one active package by id.
func (s *Service) GetPackage(ctx context.Context, id uint) (*models.Package, error) {
	var pkg models.Package
	err := s.db.WithContext(ctx).Where("id = ? AND active = ?", id, true).First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("package")
	}
	if err != nil {
		return nil, models.NewStorageUnavailableError("get package", err)
	}
	return &pkg, nil
}

// SmallestCovering finds the cheapest active package whose credits cover
// the shortfall; when no package is large enough it returns the biggest
// one, which is still the best suggestion available.
func (s *Service) SmallestCovering(ctx context.Context, credits int64) (*models.Package, error) {
	var pkg models.Package
	err := s.db.WithContext(ctx).
		Where("active = ? AND credits >= ?", true, credits).
		Order("credits ASC").
		First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = s.db.WithContext(ctx).
			Where("active = ?", true).
			Order("credits DESC").
			First(&pkg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, models.NewStorageUnavailableError("find package", err)
	}
	return &pkg, nil
}

// Grant adds promotional credits outside of a payment.
func (s *Service) Grant(ctx context.Context, userID, amount int64, reason, correlationID string) (*models.MutationResult, error) {
	return s.wallet.Credit(ctx, models.CreditParams{
		UserID:        userID,
		Amount:        amount,
		Kind:          models.LedgerKindGrant,
		Description:   reason,
		CorrelationID: correlationID,
	})
}

// CheckoutParams describes one checkout session request.
type CheckoutParams struct {
	UserID     int64
	PackageID  uint
	SuccessURL string
	CancelURL  string
	Email      string
}

// CreateCheckoutSession opens a Stripe checkout for one package. The
// metadata carries everything the webhook needs to credit the wallet.
func (s *Service) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*stripe.CheckoutSession, error) {
	pkg, err := s.GetPackage(ctx, params.PackageID)
	if err != nil {
		return nil, err
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(int64(pkg.Price * 100)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(pkg.Name),
						Description: stripe.String(fmt.Sprintf("%d credits", pkg.Credits)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"user_id":    strconv.FormatInt(params.UserID, 10),
			"package_id": strconv.FormatUint(uint64(params.PackageID), 10),
			"credits":    strconv.FormatInt(pkg.Credits, 10),
		},
	}
	if params.Email != "" {
		sessionParams.CustomerEmail = stripe.String(params.Email)
	}

	sess, err := session.New(sessionParams)
	if err != nil {
		return nil, models.NewUpstreamUnavailableError("stripe", err)
	}
	return sess, nil
}

// HandleWebhook verifies and processes one Stripe event.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return models.NewValidationError("invalid webhook signature", err)
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return models.NewValidationError("malformed checkout session payload", err)
		}
		return s.applyCheckout(ctx, &sess)
	default:
		return nil
	}
}

// applyCheckout credits the wallet for a completed checkout. The session
// id doubles as the correlation id, so replayed webhooks resolve to the
// already-recorded purchase instead of crediting twice.
func (s *Service) applyCheckout(ctx context.Context, sess *stripe.CheckoutSession) error {
	userID, err := strconv.ParseInt(sess.Metadata["user_id"], 10, 64)
	if err != nil {
		return models.NewValidationError("checkout session missing user_id metadata", err)
	}
	credits, err := strconv.ParseInt(sess.Metadata["credits"], 10, 64)
	if err != nil || credits <= 0 {
		return models.NewValidationError("checkout session missing credits metadata", err)
	}
	packageID, _ := strconv.ParseUint(sess.Metadata["package_id"], 10, 64)

	paid := float64(sess.AmountTotal) / 100.0
	result, err := s.wallet.Credit(ctx, models.CreditParams{
		UserID:        userID,
		Amount:        credits,
		Kind:          models.LedgerKindPurchase,
		Description:   fmt.Sprintf("purchase:%d credits", credits),
		CorrelationID: "stripe:" + sess.ID,
		Price:         paid,
	})
	if err != nil {
		return err
	}
	if result.Replayed {
		fiberlog.Infof("payments: webhook replay for session %s ignored", sess.ID)
		return nil
	}

	payment := models.Payment{
		UserID:     userID,
		PackageID:  uint(packageID),
		Gateway:    "stripe",
		ExternalID: sess.ID,
		Status:     models.PaymentStatusCompleted,
		Amount:     paid,
	}
	if err := s.db.WithContext(ctx).Create(&payment).Error; err != nil {
		// The credit already landed; the payment row is bookkeeping only
		fiberlog.Errorf("payments: failed to record payment for session %s: %v", sess.ID, err)
	}
	return nil
}
