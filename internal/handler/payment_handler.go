package handler

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"payment-core/internal/domain"
	"payment-core/internal/service"
)

type PaymentHandler struct {
	paymentService *service.PaymentService
}

func NewPaymentHandler(paymentService *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
	}
}

type CreatePaymentRequest struct {
	CustomerID           string            `json:"customer_id" validate:"required,uuid"`
	MerchantID           string            `json:"merchant_id" validate:"required,uuid"`
	OrderID              string            `json:"order_id" validate:"required,uuid"`
	Method               string            `json:"method" validate:"required,oneof=credit_card debit_card wallet bank_transfer cash"`
	Amount               string            `json:"amount" validate:"required,numeric"`
	Currency             string            `json:"currency" validate:"required,len=3,alpha"`
	Description          string            `json:"description" validate:"max=500"`
	Metadata             map[string]string `json:"metadata"`
	ReturnURL            string            `json:"return_url" validate:"omitempty,url"`
	CancelURL            string            `json:"cancel_url" validate:"omitempty,url"`
	WebhookURL           string            `json:"webhook_url" validate:"omitempty,url"`
	AllowPartialPayments bool              `json:"allow_partial_payments"`
	MinimumPartialAmount string            `json:"minimum_partial_amount" validate:"omitempty,numeric"`
}

func (h *PaymentHandler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	amount, err := parseMoney("amount", req.Amount, req.Currency)
	if err != nil {
		writeError(w, err)
		return
	}
	minimum, err := parseOptionalMoney("minimum_partial_amount", req.MinimumPartialAmount, req.Currency)
	if err != nil {
		writeError(w, err)
		return
	}
	customerID, _ := parseUUID("customer_id", req.CustomerID)
	merchantID, _ := parseUUID("merchant_id", req.MerchantID)
	orderID, _ := parseUUID("order_id", req.OrderID)

	payment, err := h.paymentService.CreatePayment(r.Context(), &service.CreatePaymentRequest{
		CustomerID:           customerID,
		MerchantID:           merchantID,
		OrderID:              orderID,
		Method:               domain.PaymentMethodType(req.Method),
		Amount:               amount,
		Description:          req.Description,
		Metadata:             domain.MetadataFromStrings(req.Metadata),
		ReturnURL:            req.ReturnURL,
		CancelURL:            req.CancelURL,
		WebhookURL:           req.WebhookURL,
		AllowPartialPayments: req.AllowPartialPayments,
		MinimumPartialAmount: minimum,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, payment)
}

func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "payment_id")
	if err != nil {
		writeError(w, err)
		return
	}

	payment, err := h.paymentService.GetPayment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *PaymentHandler) GetPaymentByReference(w http.ResponseWriter, r *http.Request) {
	payment, err := h.paymentService.GetPaymentByReference(r.Context(), mux.Vars(r)["reference"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// SearchPayments handles GET /payments with optional customer_id, merchant_id,
// order_id, status, from, to, page and page_size query parameters.
func (h *PaymentHandler) SearchPayments(w http.ResponseWriter, r *http.Request) {
	var (
		filter domain.PaymentFilter
		err    error
	)
	if filter.CustomerID, err = queryUUID(r, "customer_id"); err != nil {
		writeError(w, err)
		return
	}
	if filter.MerchantID, err = queryUUID(r, "merchant_id"); err != nil {
		writeError(w, err)
		return
	}
	if filter.OrderID, err = queryUUID(r, "order_id"); err != nil {
		writeError(w, err)
		return
	}
	if filter.From, err = queryTime(r, "from"); err != nil {
		writeError(w, err)
		return
	}
	if filter.To, err = queryTime(r, "to"); err != nil {
		writeError(w, err)
		return
	}
	if filter.Page, err = queryInt(r, "page"); err != nil {
		writeError(w, err)
		return
	}
	if filter.PageSize, err = queryInt(r, "page_size"); err != nil {
		writeError(w, err)
		return
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := domain.PaymentStatus(raw)
		filter.Status = &status
	}

	page, err := h.paymentService.SearchPayments(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type ProcessPaymentRequest struct {
	PaymentMethodID string `json:"payment_method_id" validate:"required,uuid"`
	// Amount is only needed for partial payments; the remaining amount is used otherwise.
	Amount                string `json:"amount" validate:"omitempty,numeric"`
	ThreeDSecureChallenge string `json:"three_d_secure_challenge"`
	Country               string `json:"country" validate:"omitempty,len=2,alpha"`
}

func (h *PaymentHandler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathUUID(r, "payment_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req ProcessPaymentRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	methodID, _ := parseUUID("payment_method_id", req.PaymentMethodID)

	var amount *domain.Money
	if req.Amount != "" {
		payment, err := h.paymentService.GetPayment(r.Context(), paymentID)
		if err != nil {
			writeError(w, err)
			return
		}
		if amount, err = parseOptionalMoney("amount", req.Amount, string(payment.Amount.Currency())); err != nil {
			writeError(w, err)
			return
		}
	}

	result, err := h.paymentService.ProcessPayment(r.Context(), &service.ProcessPaymentRequest{
		PaymentID:             paymentID,
		PaymentMethodID:       methodID,
		Amount:                amount,
		ThreeDSecureChallenge: req.ThreeDSecureChallenge,
		IPAddress:             clientIP(r),
		Country:               req.Country,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Outcome == service.OutcomeRequiresAction {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *PaymentHandler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "payment_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req ReasonRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	payment, err := h.paymentService.CancelPayment(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *PaymentHandler) ArchivePayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "payment_id")
	if err != nil {
		writeError(w, err)
		return
	}

	payment, err := h.paymentService.ArchivePayment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *PaymentHandler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "payment_id")
	if err != nil {
		writeError(w, err)
		return
	}

	payment, err := h.paymentService.RetryPayment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
