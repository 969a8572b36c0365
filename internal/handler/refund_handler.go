package handler

import (
	"net/http"

	"github.com/google/uuid"

	"payment-core/internal/service"
)

type RefundHandler struct {
	refundService  *service.RefundService
	paymentService *service.PaymentService
}

func NewRefundHandler(refundService *service.RefundService, paymentService *service.PaymentService) *RefundHandler {
	return &RefundHandler{
		refundService:  refundService,
		paymentService: paymentService,
	}
}

type RequestRefundRequest struct {
	// TransactionID pins the refund to one attempt; otherwise captured
	// attempts are refunded newest first.
	TransactionID    string `json:"transaction_id" validate:"omitempty,uuid"`
	Amount           string `json:"amount" validate:"required,numeric"`
	Reason           string `json:"reason" validate:"required,max=500"`
	InitiatedBy      string `json:"initiated_by" validate:"required,max=100"`
	ExternalRefundID string `json:"external_refund_id" validate:"max=100"`
}

func (h *RefundHandler) RequestRefund(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathUUID(r, "payment_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req RequestRefundRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	payment, err := h.paymentService.GetPayment(r.Context(), paymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseMoney("amount", req.Amount, string(payment.Amount.Currency()))
	if err != nil {
		writeError(w, err)
		return
	}
	var txID *uuid.UUID
	if req.TransactionID != "" {
		id, _ := parseUUID("transaction_id", req.TransactionID)
		txID = &id
	}

	refund, err := h.refundService.RequestRefund(r.Context(), &service.RequestRefundRequest{
		PaymentID:        paymentID,
		TransactionID:    txID,
		Amount:           amount,
		Reason:           req.Reason,
		InitiatedBy:      req.InitiatedBy,
		ExternalRefundID: req.ExternalRefundID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, refund)
}

func (h *RefundHandler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	paymentID, err := pathUUID(r, "payment_id")
	if err != nil {
		writeError(w, err)
		return
	}

	refunds, err := h.refundService.ListRefunds(r.Context(), paymentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refunds)
}

func (h *RefundHandler) GetRefund(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "refund_id")
	if err != nil {
		writeError(w, err)
		return
	}

	refund, err := h.refundService.GetRefund(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

type ApproveRefundRequest struct {
	ApprovedBy string `json:"approved_by" validate:"required,max=100"`
}

// ApproveRefund returns 200 whether the processor accepted the refund or not;
// the refund's status tells which.
func (h *RefundHandler) ApproveRefund(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "refund_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req ApproveRefundRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	refund, err := h.refundService.ApproveRefund(r.Context(), id, req.ApprovedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (h *RefundHandler) CancelRefund(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "refund_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req ReasonRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	refund, err := h.refundService.CancelRefund(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}
