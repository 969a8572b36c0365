package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"payment-core/internal/gateway"
	"payment-core/internal/idempotency"
	"payment-core/internal/repository/memory"
	"payment-core/internal/service"
	"payment-core/internal/telemetry"
)

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *Error          `json:"error"`
}

type HandlerSuite struct {
	suite.Suite
	server   *httptest.Server
	customer uuid.UUID
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := zap.NewNop()
	store := memory.NewStore()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	processors := gateway.NewSandboxRegistry("https://checkout.test", logger)

	payments := service.NewPaymentService(store, service.Collaborators{
		Processors:   processors,
		Fraud:        gateway.NewRuleFraudScorer(nil, logger),
		ThreeDSecure: gateway.SandboxThreeDSecure{},
		Orders:       gateway.AllowAllOrders{},
	}, service.DefaultPaymentConfig(), metrics, logger)
	refunds := service.NewRefundService(store, processors, nil, metrics, logger)
	methods := service.NewPaymentMethodService(store, gateway.NewHMACTokenizer("secret"), metrics, logger)

	router := mux.NewRouter()
	router.Use(Idempotency(idempotency.NewMemoryStore(), time.Hour, logger))
	NewHandlers(payments, refunds, methods).Register(router)

	s.server = httptest.NewServer(router)
	s.customer = uuid.New()
}

func (s *HandlerSuite) TearDownTest() {
	s.server.Close()
}

func (s *HandlerSuite) do(method, path string, body interface{}, headers ...string) (*http.Response, envelope) {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var env envelope
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (s *HandlerSuite) decode(env envelope, dst interface{}) {
	s.Require().Nil(env.Error)
	s.Require().NoError(json.Unmarshal(env.Data, dst))
}

type idResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *HandlerSuite) addWallet() string {
	resp, env := s.do(http.MethodPost, "/customers/"+s.customer.String()+"/payment-methods", map[string]interface{}{
		"type":         "wallet",
		"display_name": "Wallet",
		"token":        "tok_wallet",
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var pm idResponse
	s.decode(env, &pm)
	return pm.ID
}

func (s *HandlerSuite) createPayment(amount string, headers ...string) (*http.Response, idResponse) {
	resp, env := s.do(http.MethodPost, "/payments", map[string]interface{}{
		"customer_id": s.customer.String(),
		"merchant_id": uuid.NewString(),
		"order_id":    uuid.NewString(),
		"method":      "wallet",
		"amount":      amount,
		"currency":    "eur",
		"metadata":    map[string]string{"channel": "web"},
	}, headers...)
	var p idResponse
	if resp.StatusCode == http.StatusCreated {
		s.decode(env, &p)
	}
	return resp, p
}

func (s *HandlerSuite) TestPaymentLifecycle() {
	methodID := s.addWallet()
	resp, env := s.do(http.MethodGet, "/payment-methods/"+methodID, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var method struct {
		IsDefault bool `json:"is_default"`
	}
	s.decode(env, &method)
	s.True(method.IsDefault)

	resp, payment := s.createPayment("100.00")
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	s.Equal("created", payment.Status)

	resp, env = s.do(http.MethodPost, "/payments/"+payment.ID+"/process", map[string]string{
		"payment_method_id": methodID,
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var result struct {
		Outcome     string     `json:"outcome"`
		Payment     idResponse `json:"payment"`
		Transaction idResponse `json:"transaction"`
	}
	s.decode(env, &result)
	s.Equal("captured", result.Outcome)
	s.Equal("completed", result.Payment.Status)
	s.Equal("successful", result.Transaction.Status)

	resp, env = s.do(http.MethodPost, "/payments/"+payment.ID+"/refunds", map[string]string{
		"amount":       "30",
		"reason":       "damaged item",
		"initiated_by": "agent-7",
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var refund idResponse
	s.decode(env, &refund)
	s.Equal("pending", refund.Status)

	resp, env = s.do(http.MethodPost, "/refunds/"+refund.ID+"/approve", map[string]string{"approved_by": "supervisor"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.decode(env, &refund)
	s.Equal("completed", refund.Status)

	resp, env = s.do(http.MethodGet, "/payments/"+payment.ID, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.decode(env, &payment)
	s.Equal("partially_refunded", payment.Status)

	resp, env = s.do(http.MethodGet, "/payments/"+payment.ID+"/refunds", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var refunds []idResponse
	s.decode(env, &refunds)
	s.Len(refunds, 1)

	resp, env = s.do(http.MethodGet, "/transactions/"+result.Transaction.ID, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var tx struct {
		Amount struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"amount"`
	}
	s.decode(env, &tx)
	s.Equal("100.00", tx.Amount.Amount)
	s.Equal("EUR", tx.Amount.Currency)
}

func (s *HandlerSuite) TestCreatePayment_IdempotencyKey() {
	key := uuid.NewString()
	body := map[string]interface{}{
		"customer_id": s.customer.String(),
		"merchant_id": uuid.NewString(),
		"order_id":    uuid.NewString(),
		"method":      "wallet",
		"amount":      "25.00",
		"currency":    "EUR",
	}

	first, env := s.do(http.MethodPost, "/payments", body, IdempotencyKeyHeader, key)
	s.Require().Equal(http.StatusCreated, first.StatusCode)
	var p1 idResponse
	s.decode(env, &p1)

	again, env := s.do(http.MethodPost, "/payments", body, IdempotencyKeyHeader, key)
	s.Require().Equal(http.StatusCreated, again.StatusCode)
	s.Equal("true", again.Header.Get(ReplayedHeader))
	var p2 idResponse
	s.decode(env, &p2)
	s.Equal(p1.ID, p2.ID)

	body["amount"] = "26.00"
	resp, env := s.do(http.MethodPost, "/payments", body, IdempotencyKeyHeader, key)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("invalid_input", env.Error.Code)

	resp, env = s.do(http.MethodGet, "/payments?customer_id="+s.customer.String(), nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var page struct {
		Total int `json:"total"`
	}
	s.decode(env, &page)
	s.Equal(1, page.Total)
}

func (s *HandlerSuite) TestErrorMapping() {
	resp, env := s.do(http.MethodGet, "/payments/not-a-uuid", nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("invalid_input", env.Error.Code)

	resp, env = s.do(http.MethodGet, "/payments/"+uuid.NewString(), nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.Equal("payment_not_found", env.Error.Code)

	resp, env = s.do(http.MethodPost, "/payments", map[string]string{"method": "cheque"})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation_error", env.Error.Code)
	s.Contains(env.Error.Details, "CustomerID: required")

	resp, env = s.do(http.MethodPost, "/payments", `{"unexpected": true}`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("invalid_input", env.Error.Code)

	resp, _ = s.createPayment("10.005")
	s.Equal(http.StatusBadRequest, resp.StatusCode, "sub-cent amounts are rejected")

	resp, env = s.do(http.MethodGet, "/payments?from=yesterday", nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("invalid_input", env.Error.Code)

	resp, env = s.do(http.MethodGet, "/refunds/"+uuid.NewString(), nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.Equal("refund_not_found", env.Error.Code)
}

func (s *HandlerSuite) TestCancelAndInvalidTransition() {
	methodID := s.addWallet()
	_, payment := s.createPayment("40.00")

	resp, env := s.do(http.MethodPost, "/payments/"+payment.ID+"/cancel", map[string]string{"reason": "changed mind"})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.decode(env, &payment)
	s.Equal("cancelled", payment.Status)

	resp, env = s.do(http.MethodPost, "/payments/"+payment.ID+"/process", map[string]string{"payment_method_id": methodID})
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
	s.Equal("invalid_state_transition", env.Error.Code)

	resp, _ = s.do(http.MethodDelete, "/payments/"+payment.ID, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, env = s.do(http.MethodGet, "/payments?customer_id="+s.customer.String(), nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var page struct {
		Total int `json:"total"`
	}
	s.decode(env, &page)
	s.Equal(0, page.Total, "archived payments drop out of search")

	resp, _ = s.do(http.MethodGet, "/payments/"+payment.ID, nil)
	s.Equal(http.StatusOK, resp.StatusCode)

	resp, env = s.do(http.MethodPost, "/payments/"+payment.ID+"/retry", nil)
	s.Equal(http.StatusUnprocessableEntity, resp.StatusCode)
	s.Equal("invalid_state_transition", env.Error.Code)
}

func (s *HandlerSuite) TestPaymentMethods() {
	path := "/customers/" + s.customer.String() + "/payment-methods"

	resp, env := s.do(http.MethodPost, path, map[string]interface{}{
		"type":         "credit_card",
		"display_name": "Visa",
		"card": map[string]interface{}{
			"number":       "4242424242424242",
			"expiry_month": 12,
			"expiry_year":  2099,
			"holder_name":  "Ada Lovelace",
			"cvc":          "123",
		},
		"currency":          "EUR",
		"daily_limit":       "500",
		"transaction_limit": "200",
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var card struct {
		ID        string `json:"id"`
		IsDefault bool   `json:"is_default"`
		Card      struct {
			Last4 string `json:"last4"`
		} `json:"card"`
	}
	s.decode(env, &card)
	s.True(card.IsDefault)
	s.Equal("4242", card.Card.Last4)

	walletID := s.addWallet()

	resp, _ = s.do(http.MethodPut, path+"/"+walletID+"/default", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, env = s.do(http.MethodGet, path, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var methods []struct {
		ID        string `json:"id"`
		IsDefault bool   `json:"is_default"`
	}
	s.decode(env, &methods)
	s.Require().Len(methods, 2)
	for _, m := range methods {
		s.Equal(m.ID == walletID, m.IsDefault, m.ID)
	}

	resp, env = s.do(http.MethodPut, "/payment-methods/"+card.ID+"/limits", map[string]string{
		"currency":          "EUR",
		"daily_limit":       "50",
		"transaction_limit": "100",
	})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation_error", env.Error.Code)

	resp, env = s.do(http.MethodPost, "/payment-methods/"+card.ID+"/deactivate", nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var deactivated struct {
		IsActive bool `json:"is_active"`
	}
	s.decode(env, &deactivated)
	s.False(deactivated.IsActive)

	resp, env = s.do(http.MethodPost, path, map[string]interface{}{
		"type":         "debit_card",
		"display_name": "Bad card",
		"card": map[string]interface{}{
			"number": "4242424242424241", "expiry_month": 1, "expiry_year": 2099,
			"holder_name": "X", "cvc": "123",
		},
	})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("validation_error", env.Error.Code)
}
