package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payment-core/internal/errors"
	"payment-core/internal/service"
)

// HTTPOrderClient asks the order service whether an order may be paid.
type HTTPOrderClient struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

var _ service.OrderService = (*HTTPOrderClient)(nil)

func NewHTTPOrderClient(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPOrderClient {
	return &HTTPOrderClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type orderResponse struct {
	Data struct {
		ID         uuid.UUID `json:"id"`
		CustomerID uuid.UUID `json:"customer_id"`
		Status     string    `json:"status"`
	} `json:"data"`
}

func (c *HTTPOrderClient) ValidateOrder(ctx context.Context, orderID, customerID uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/orders/"+orderID.String(), nil)
	if err != nil {
		return fmt.Errorf("build order request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("order service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.NewAppErrorf(errors.NotFound, "order %s not found", orderID)
	case resp.StatusCode >= 300:
		return fmt.Errorf("order service returned %d", resp.StatusCode)
	}

	var body orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode order: %w", err)
	}
	if body.Data.CustomerID != customerID {
		return errors.Validationf("order %s belongs to another customer", orderID)
	}
	if body.Data.Status != "confirmed" {
		return errors.InvalidTransitionf("order %s is %s, not confirmed", orderID, body.Data.Status)
	}
	c.logger.Debug("Order validated", zap.String("order_id", orderID.String()))
	return nil
}

// AllowAllOrders accepts every order. Used when no order service is configured.
type AllowAllOrders struct{}

func (AllowAllOrders) ValidateOrder(context.Context, uuid.UUID, uuid.UUID) error { return nil }
