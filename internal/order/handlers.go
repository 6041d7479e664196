package order

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-poster/internal/common"
)

// Reader loads a customer's order.
type Reader interface {
	Get(ctx context.Context, customerID, orderID uuid.UUID) (Order, error)
}

type Handler struct {
	Orders Reader
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Orders == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order service not configured", nil)
		return
	}
	customerID, ok := common.CustomerID(r.Context())
	if !ok {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "orderId"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return
	}
	o, err := h.Orders.Get(r.Context(), customerID, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
		return
	}
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load order", nil)
		return
	}
	items := make([]map[string]any, 0, len(o.Lines))
	for _, line := range o.Lines {
		items = append(items, map[string]any{
			"productId": line.ProductID,
			"quantity":  line.Quantity,
			"unitPrice": line.UnitPrice,
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"orderId":     o.ID,
		"status":      o.Status,
		"subtotal":    o.TotalAmount,
		"discount":    o.DiscountAmount,
		"shipping":    o.ShippingFee,
		"finalAmount": o.FinalAmount,
		"currency":    o.Currency,
		"appliedRule": o.AppliedRule,
		"items":       items,
		"createdAt":   o.CreatedAt,
		"paidAt":      o.PaidAt,
	}})
}
