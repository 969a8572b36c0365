package handler

import (
	"net/http"

	"github.com/google/uuid"

	"payment-core/internal/domain"
	"payment-core/internal/service"
)

// TransactionHandler serves the per-attempt operations: capture, cancel,
// refund, settle and 3-D Secure completion.
type TransactionHandler struct {
	paymentService *service.PaymentService
}

func NewTransactionHandler(paymentService *service.PaymentService) *TransactionHandler {
	return &TransactionHandler{
		paymentService: paymentService,
	}
}

type AmountRequest struct {
	// Amount defaults to the full capturable or refundable amount.
	Amount string `json:"amount" validate:"omitempty,numeric"`
	Reason string `json:"reason" validate:"max=500"`
}

func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "transaction_id")
	if err != nil {
		writeError(w, err)
		return
	}

	tx, err := h.paymentService.GetTransaction(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// amountFor loads the transaction so the amount is parsed in its currency.
func (h *TransactionHandler) amountFor(r *http.Request, id uuid.UUID, raw string) (*domain.Money, error) {
	if raw == "" {
		return nil, nil
	}
	tx, err := h.paymentService.GetTransaction(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return parseOptionalMoney("amount", raw, string(tx.Amount.Currency()))
}

func (h *TransactionHandler) CaptureTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "transaction_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req AmountRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := h.amountFor(r, id, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	tx, err := h.paymentService.CaptureTransaction(r.Context(), id, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *TransactionHandler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "transaction_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req ReasonRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	tx, err := h.paymentService.CancelTransaction(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *TransactionHandler) RefundTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "transaction_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req AmountRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := h.amountFor(r, id, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}

	child, err := h.paymentService.RefundTransaction(r.Context(), &service.RefundTransactionRequest{
		TransactionID: id,
		Amount:        amount,
		Reason:        req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

func (h *TransactionHandler) SettleTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "transaction_id")
	if err != nil {
		writeError(w, err)
		return
	}

	tx, err := h.paymentService.SettleTransaction(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *TransactionHandler) GetThreeDSecure(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "authentication_id")
	if err != nil {
		writeError(w, err)
		return
	}

	auth, err := h.paymentService.GetThreeDSecure(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auth)
}

type CompleteThreeDSecureRequest struct {
	Challenge string `json:"challenge" validate:"required"`
}

func (h *TransactionHandler) CompleteThreeDSecure(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "authentication_id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req CompleteThreeDSecureRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.paymentService.CompleteThreeDSecure(r.Context(), &service.CompleteThreeDSecureRequest{
		AuthenticationID: id,
		Challenge:        req.Challenge,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
