package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"payment-core/internal/service"
)

// Handlers groups the API handlers so the server can mount them in one call.
type Handlers struct {
	Payments       *PaymentHandler
	Transactions   *TransactionHandler
	Refunds        *RefundHandler
	PaymentMethods *PaymentMethodHandler
}

func NewHandlers(payments *service.PaymentService, refunds *service.RefundService, methods *service.PaymentMethodService) *Handlers {
	return &Handlers{
		Payments:       NewPaymentHandler(payments),
		Transactions:   NewTransactionHandler(payments),
		Refunds:        NewRefundHandler(refunds, payments),
		PaymentMethods: NewPaymentMethodHandler(methods),
	}
}

func (h *Handlers) Register(router *mux.Router) {
	p := h.Payments
	router.HandleFunc("/payments", p.CreatePayment).Methods(http.MethodPost)
	router.HandleFunc("/payments", p.SearchPayments).Methods(http.MethodGet)
	router.HandleFunc("/payments/reference/{reference}", p.GetPaymentByReference).Methods(http.MethodGet)
	router.HandleFunc("/payments/{payment_id}", p.GetPayment).Methods(http.MethodGet)
	router.HandleFunc("/payments/{payment_id}", p.ArchivePayment).Methods(http.MethodDelete)
	router.HandleFunc("/payments/{payment_id}/process", p.ProcessPayment).Methods(http.MethodPost)
	router.HandleFunc("/payments/{payment_id}/cancel", p.CancelPayment).Methods(http.MethodPost)
	router.HandleFunc("/payments/{payment_id}/retry", p.RetryPayment).Methods(http.MethodPost)

	t := h.Transactions
	router.HandleFunc("/transactions/{transaction_id}", t.GetTransaction).Methods(http.MethodGet)
	router.HandleFunc("/transactions/{transaction_id}/capture", t.CaptureTransaction).Methods(http.MethodPost)
	router.HandleFunc("/transactions/{transaction_id}/cancel", t.CancelTransaction).Methods(http.MethodPost)
	router.HandleFunc("/transactions/{transaction_id}/refund", t.RefundTransaction).Methods(http.MethodPost)
	router.HandleFunc("/transactions/{transaction_id}/settle", t.SettleTransaction).Methods(http.MethodPost)
	router.HandleFunc("/three-d-secure/{authentication_id}", t.GetThreeDSecure).Methods(http.MethodGet)
	router.HandleFunc("/three-d-secure/{authentication_id}/complete", t.CompleteThreeDSecure).Methods(http.MethodPost)

	r := h.Refunds
	router.HandleFunc("/payments/{payment_id}/refunds", r.RequestRefund).Methods(http.MethodPost)
	router.HandleFunc("/payments/{payment_id}/refunds", r.ListRefunds).Methods(http.MethodGet)
	router.HandleFunc("/refunds/{refund_id}", r.GetRefund).Methods(http.MethodGet)
	router.HandleFunc("/refunds/{refund_id}/approve", r.ApproveRefund).Methods(http.MethodPost)
	router.HandleFunc("/refunds/{refund_id}/cancel", r.CancelRefund).Methods(http.MethodPost)

	m := h.PaymentMethods
	router.HandleFunc("/customers/{customer_id}/payment-methods", m.AddPaymentMethod).Methods(http.MethodPost)
	router.HandleFunc("/customers/{customer_id}/payment-methods", m.ListPaymentMethods).Methods(http.MethodGet)
	router.HandleFunc("/customers/{customer_id}/payment-methods/{payment_method_id}/default", m.SetDefaultPaymentMethod).Methods(http.MethodPut)
	router.HandleFunc("/payment-methods/{payment_method_id}", m.GetPaymentMethod).Methods(http.MethodGet)
	router.HandleFunc("/payment-methods/{payment_method_id}/activate", m.ActivatePaymentMethod).Methods(http.MethodPost)
	router.HandleFunc("/payment-methods/{payment_method_id}/deactivate", m.DeactivatePaymentMethod).Methods(http.MethodPost)
	router.HandleFunc("/payment-methods/{payment_method_id}/limits", m.UpdateLimits).Methods(http.MethodPut)
}
