package api

import (
	"github.com/creditgate/creditgate/internal/services/middleware"
	"github.com/creditgate/creditgate/internal/services/payments"
	"github.com/gofiber/fiber/v2"
)

type StripeHandler struct {
	payments *payments.Service
}

func NewStripeHandler(paymentsSvc *payments.Service) *StripeHandler {
	return &StripeHandler{payments: paymentsSvc}
}

// CreateCheckoutSessionRequest represents the request body for creating a checkout session
type CreateCheckoutSessionRequest struct {
	PackageID  uint   `json:"package_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
	Email      string `json:"email,omitempty"`
}

// CreateCheckoutSessionResponse represents the response for checkout session creation
type CreateCheckoutSessionResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// CreateCheckoutSession opens a Stripe checkout for one credit package
func (h *StripeHandler) CreateCheckoutSession(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Authentication required",
		})
	}

	var req CreateCheckoutSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.PackageID == 0 || req.SuccessURL == "" || req.CancelURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "package_id, success_url and cancel_url are required",
		})
	}

	sess, err := h.payments.CreateCheckoutSession(c.Context(), payments.CheckoutParams{
		UserID:     userID,
		PackageID:  req.PackageID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Email:      req.Email,
	})
	if err != nil {
		return renderError(c, err)
	}

	return c.JSON(CreateCheckoutSessionResponse{
		SessionID:   sess.ID,
		CheckoutURL: sess.URL,
	})
}

// HandleWebhook processes Stripe webhook events. The route is
// unauthenticated; the payload signature is the credential.
func (h *StripeHandler) HandleWebhook(c *fiber.Ctx) error {
	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing Stripe-Signature header",
		})
	}

	if err := h.payments.HandleWebhook(c.Context(), c.Body(), signature); err != nil {
		return renderError(c, err)
	}

	return c.JSON(fiber.Map{
		"received": true,
	})
}
