package api

import (
	"github.com/creditgate/creditgate/internal/services/payments"
	"github.com/gofiber/fiber/v2"
)

type PackagesHandler struct {
	payments *payments.Service
}

func NewPackagesHandler(paymentsSvc *payments.Service) *PackagesHandler {
	return &PackagesHandler{payments: paymentsSvc}
}

// ListPackages returns the active credit package catalog
func (h *PackagesHandler) ListPackages(c *fiber.Ctx) error {
	packages, err := h.payments.ListPackages(c.Context())
	if err != nil {
		return renderError(c, err)
	}

	return c.JSON(fiber.Map{
		"packages": packages,
	})
}
