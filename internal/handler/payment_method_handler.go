package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
	"payment-core/internal/service"
)

type PaymentMethodHandler struct {
	methodService *service.PaymentMethodService
}

func NewPaymentMethodHandler(methodService *service.PaymentMethodService) *PaymentMethodHandler {
	return &PaymentMethodHandler{
		methodService: methodService,
	}
}

type CardRequest struct {
	Number      string `json:"number" validate:"required,min=12,max=19,numeric"`
	ExpiryMonth int    `json:"expiry_month" validate:"required,min=1,max=12"`
	ExpiryYear  int    `json:"expiry_year" validate:"required,min=2000,max=2100"`
	HolderName  string `json:"holder_name" validate:"required,max=100"`
	CVC         string `json:"cvc" validate:"required,min=3,max=4,numeric"`
}

type LimitsRequest struct {
	Currency         string `json:"currency" validate:"required_with=DailyLimit TransactionLimit"`
	DailyLimit       string `json:"daily_limit" validate:"omitempty,numeric"`
	TransactionLimit string `json:"transaction_limit" validate:"omitempty,numeric"`
}

func (l LimitsRequest) parse() (daily, perTx *domain.Money, err error) {
	if daily, err = parseOptionalMoney("daily_limit", l.DailyLimit, l.Currency); err != nil {
		return nil, nil, err
	}
	if perTx, err = parseOptionalMoney("transaction_limit", l.TransactionLimit, l.Currency); err != nil {
		return nil, nil, err
	}
	return daily, perTx, nil
}

type AddPaymentMethodRequest struct {
	Type        string       `json:"type" validate:"required,oneof=credit_card debit_card wallet bank_transfer cash"`
	DisplayName string       `json:"display_name" validate:"max=100"`
	Card        *CardRequest `json:"card" validate:"omitempty"`
	Token       string       `json:"token" validate:"max=255"`
	// ExpiryDate is YYYY-MM-DD and only meaningful for non-card methods.
	ExpiryDate string            `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	SetDefault bool              `json:"set_default"`
	Metadata   map[string]string `json:"metadata"`
	LimitsRequest
}

func (h *PaymentMethodHandler) AddPaymentMethod(w http.ResponseWriter, r *http.Request) {
	customerID, err := pathUUID(r, "customer_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req AddPaymentMethodRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	daily, perTx, err := req.LimitsRequest.parse()
	if err != nil {
		writeError(w, err)
		return
	}

	add := &service.AddPaymentMethodRequest{
		CustomerID:       customerID,
		Type:             domain.PaymentMethodType(req.Type),
		DisplayName:      strings.TrimSpace(req.DisplayName),
		Token:            req.Token,
		DailyLimit:       daily,
		TransactionLimit: perTx,
		SetDefault:       req.SetDefault,
		Metadata:         domain.MetadataFromStrings(req.Metadata),
	}
	if req.Card != nil {
		add.Card = &service.CardInput{
			Number:      req.Card.Number,
			ExpiryMonth: req.Card.ExpiryMonth,
			ExpiryYear:  req.Card.ExpiryYear,
			HolderName:  req.Card.HolderName,
			CVC:         req.Card.CVC,
		}
	}
	if req.ExpiryDate != "" {
		expiry, err := time.Parse("2006-01-02", req.ExpiryDate)
		if err != nil {
			writeError(w, errors.NewAppError(errors.InvalidInput, "invalid expiry_date"))
			return
		}
		add.ExpiryDate = &expiry
	}

	pm, err := h.methodService.AddPaymentMethod(r.Context(), add)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pm)
}

func (h *PaymentMethodHandler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	customerID, err := pathUUID(r, "customer_id")
	if err != nil {
		writeError(w, err)
		return
	}

	methods, err := h.methodService.ListCustomerPaymentMethods(r.Context(), customerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, methods)
}

func (h *PaymentMethodHandler) SetDefaultPaymentMethod(w http.ResponseWriter, r *http.Request) {
	customerID, err := pathUUID(r, "customer_id")
	if err != nil {
		writeError(w, err)
		return
	}
	methodID, err := pathUUID(r, "payment_method_id")
	if err != nil {
		writeError(w, err)
		return
	}

	pm, err := h.methodService.SetDefaultPaymentMethod(r.Context(), customerID, methodID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}

func (h *PaymentMethodHandler) GetPaymentMethod(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "payment_method_id")
	if err != nil {
		writeError(w, err)
		return
	}

	pm, err := h.methodService.GetPaymentMethod(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}

func (h *PaymentMethodHandler) ActivatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.methodService.ActivatePaymentMethod)
}

func (h *PaymentMethodHandler) DeactivatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.methodService.DeactivatePaymentMethod)
}

func (h *PaymentMethodHandler) toggle(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) (*domain.PaymentMethod, error)) {
	id, err := pathUUID(r, "payment_method_id")
	if err != nil {
		writeError(w, err)
		return
	}

	pm, err := op(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}

func (h *PaymentMethodHandler) UpdateLimits(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "payment_method_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req LimitsRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	daily, perTx, err := req.parse()
	if err != nil {
		writeError(w, err)
		return
	}

	pm, err := h.methodService.UpdateLimits(r.Context(), id, daily, perTx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}
