package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
	"payment-core/internal/telemetry"
)

// Outcome is the business result of a payment attempt. Declines are outcomes,
// not errors.
type Outcome string

const (
	OutcomeAuthorized     Outcome = "authorized"
	OutcomeCaptured       Outcome = "captured"
	OutcomeDeclined       Outcome = "declined"
	OutcomeRequiresAction Outcome = "requires_action"
)

type PaymentConfig struct {
	// FraudThreshold is the score from which attempts are declined as fraud.
	FraudThreshold int
	// ThreeDSecureThreshold forces step-up on card payments at or above this
	// amount, in the payment's currency. Zero only honours card enrolment.
	ThreeDSecureThreshold decimal.Decimal
	AutoCapture           bool
	PaymentExpiry         time.Duration
}

func DefaultPaymentConfig() PaymentConfig {
	return PaymentConfig{
		FraudThreshold: domain.HighFraudRiskScore,
		AutoCapture:    true,
		PaymentExpiry:  domain.DefaultPaymentExpiry,
	}
}

// Collaborators groups the external services the payment flow calls out to.
// Notifier may be nil.
type Collaborators struct {
	Processors   ProcessorFactory
	Fraud        FraudDetectionService
	ThreeDSecure ThreeDSecureService
	Orders       OrderService
	Notifier     Notifier
}

type PaymentService struct {
	core
	deps Collaborators
	cfg  PaymentConfig
}

func NewPaymentService(
	store domain.UnitOfWork,
	deps Collaborators,
	cfg PaymentConfig,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *PaymentService {
	if cfg.FraudThreshold <= 0 {
		cfg.FraudThreshold = domain.HighFraudRiskScore
	}
	if cfg.PaymentExpiry <= 0 {
		cfg.PaymentExpiry = domain.DefaultPaymentExpiry
	}
	return &PaymentService{
		core: newCore(store, metrics, logger),
		deps: deps,
		cfg:  cfg,
	}
}

type CreatePaymentRequest struct {
	CustomerID           uuid.UUID
	MerchantID           uuid.UUID
	OrderID              uuid.UUID
	Method               domain.PaymentMethodType
	Amount               domain.Money
	Description          string
	Metadata             domain.Metadata
	ReturnURL            string
	CancelURL            string
	WebhookURL           string
	AllowPartialPayments bool
	MinimumPartialAmount *domain.Money
}

func (s *PaymentService) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (p *domain.Payment, err error) {
	ctx, cmd := s.begin(ctx, "create_payment", attribute.String("order_id", req.OrderID.String()))
	defer func() { cmd.end("created", err) }()

	s.logger.Info("Creating payment",
		zap.String("customer_id", req.CustomerID.String()),
		zap.String("order_id", req.OrderID.String()),
		zap.Stringer("amount", req.Amount))

	if err := s.deps.Orders.ValidateOrder(ctx, req.OrderID, req.CustomerID); err != nil {
		s.logger.Warn("Order validation failed", zap.String("order_id", req.OrderID.String()), zap.Error(err))
		if errors.As(err).Code == errors.InternalError {
			return nil, externalFailure("order validation", err)
		}
		return nil, err
	}

	p, err = domain.NewPayment(domain.NewPaymentParams{
		CustomerID:           req.CustomerID,
		MerchantID:           req.MerchantID,
		OrderID:              req.OrderID,
		Method:               req.Method,
		Amount:               req.Amount,
		Description:          req.Description,
		Metadata:             req.Metadata,
		ReturnURL:            req.ReturnURL,
		CancelURL:            req.CancelURL,
		WebhookURL:           req.WebhookURL,
		AllowPartialPayments: req.AllowPartialPayments,
		MinimumPartialAmount: req.MinimumPartialAmount,
		ExpiresIn:            s.cfg.PaymentExpiry,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Payments().Create(ctx, p); err != nil {
			return err
		}
		return appendEvents(ctx, repos, p)
	})
	if err != nil {
		s.logger.Error("Failed to create payment", zap.Error(err))
		return nil, err
	}

	s.logger.Info("Payment created",
		zap.String("payment_id", p.ID.String()),
		zap.String("reference", p.Reference))
	return p, nil
}

type ProcessPaymentRequest struct {
	PaymentID       uuid.UUID
	PaymentMethodID uuid.UUID
	// Amount defaults to the payment's remaining balance.
	Amount *domain.Money
	// ThreeDSecureChallenge lets a client that already holds challenge data
	// complete step-up inline.
	ThreeDSecureChallenge string
	IPAddress             string
	Country               string
}

type PaymentResult struct {
	Payment      *domain.Payment                    `json:"payment"`
	Transaction  *domain.Transaction                `json:"transaction"`
	ThreeDSecure *domain.ThreeDSecureAuthentication `json:"three_d_secure,omitempty"`
	Outcome      Outcome                            `json:"outcome"`
}

// attempt is one in-flight authorization, threaded through the steps of
// ProcessPayment and CompleteThreeDSecure.
type attempt struct {
	payment *domain.Payment
	tx      *domain.Transaction
	method  *domain.PaymentMethod
	auth    *domain.ThreeDSecureAuthentication
	outcome Outcome
}

func (a *attempt) result() *PaymentResult {
	return &PaymentResult{Payment: a.payment, Transaction: a.tx, ThreeDSecure: a.auth, Outcome: a.outcome}
}

func (s *PaymentService) ProcessPayment(ctx context.Context, req *ProcessPaymentRequest) (res *PaymentResult, err error) {
	ctx, cmd := s.begin(ctx, "process_payment", attribute.String("payment_id", req.PaymentID.String()))
	defer func() {
		outcome := ""
		if res != nil {
			outcome = string(res.Outcome)
		}
		cmd.end(outcome, err)
	}()

	s.logger.Info("Processing payment",
		zap.String("payment_id", req.PaymentID.String()),
		zap.String("payment_method_id", req.PaymentMethodID.String()))

	p, err := loadPayment(ctx, s.store, req.PaymentID)
	if err != nil {
		return nil, err
	}

	if p.IsExpired() {
		return nil, s.expirePayment(ctx, p)
	}

	if p.Status != domain.PaymentProcessing && !p.Status.CanTransitionTo(domain.PaymentProcessing) {
		return nil, errors.InvalidTransitionf("payment %s cannot take a new attempt in status %s", p.Reference, p.Status)
	}

	pm, err := loadPaymentMethod(ctx, s.store, req.PaymentMethodID)
	if err != nil {
		return nil, err
	}
	if err := checkPaymentMethod(p, pm); err != nil {
		return nil, err
	}

	amount := p.RemainingAmount()
	if req.Amount != nil {
		amount = *req.Amount
	}
	if err := s.checkLimits(ctx, pm, amount); err != nil {
		return nil, err
	}

	orderID := p.OrderID
	tx, err := domain.NewTransaction(domain.NewTransactionParams{
		PaymentID:       p.ID,
		Amount:          amount,
		Type:            domain.TransactionTypePayment,
		PaymentMethodID: pm.ID,
		CustomerID:      p.CustomerID,
		MerchantID:      p.MerchantID,
		OrderID:         &orderID,
		Description:     p.Description,
	})
	if err != nil {
		return nil, err
	}
	if err := p.AddTransaction(tx); err != nil {
		return nil, err
	}
	moveTo(p, domain.PaymentProcessing)
	pm.MarkUsed()

	a := &attempt{payment: p, tx: tx, method: pm}
	s.run(ctx, a, req)

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Payments().Update(ctx, p); err != nil {
			return err
		}
		if err := repos.Transactions().Create(ctx, tx); err != nil {
			return err
		}
		if err := repos.PaymentMethods().Update(ctx, pm); err != nil {
			return err
		}
		sources := []eventSource{p, tx, pm}
		if a.auth != nil {
			if err := repos.ThreeDSecure().Create(ctx, a.auth); err != nil {
				return err
			}
			sources = append(sources, a.auth)
		}
		return appendEvents(ctx, repos, sources...)
	})
	if err != nil {
		s.logger.Error("Failed to persist payment attempt",
			zap.String("payment_id", p.ID.String()),
			zap.String("transaction_id", tx.ID.String()),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Payment attempt finished",
		zap.String("payment_id", p.ID.String()),
		zap.String("transaction_id", tx.ID.String()),
		zap.String("reference", p.Reference),
		zap.String("outcome", string(a.outcome)),
		zap.String("payment_status", string(p.Status)))

	if a.outcome != OutcomeRequiresAction {
		s.notify(ctx, p)
	}
	return a.result(), nil
}

func checkPaymentMethod(p *domain.Payment, pm *domain.PaymentMethod) error {
	if pm.CustomerID != p.CustomerID {
		return errors.Validationf("payment method %s does not belong to the paying customer", pm.ID)
	}
	if pm.Type != p.Method {
		return errors.Validationf("payment expects %s but payment method %s is %s", p.Method, pm.ID, pm.Type)
	}
	if !pm.CanBeUsed() {
		return errors.InvalidTransitionf("payment method %s is inactive or expired", pm.ID)
	}
	return nil
}

// checkLimits applies the per-transaction limit and the daily limit. The daily
// window is the current UTC day. It counts what successful attempts captured
// and the full amount of attempts still open; declined and cancelled attempts
// do not count.
func (s *PaymentService) checkLimits(ctx context.Context, pm *domain.PaymentMethod, amount domain.Money) error {
	ok, err := pm.IsWithinLimits(amount)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewAppErrorf(errors.LimitExceeded, "amount %s exceeds the transaction limit %s", amount, pm.TransactionLimit)
	}
	if pm.DailyLimit == nil {
		return nil
	}

	today, err := s.store.Transactions().GetByPaymentMethodID(ctx, pm.ID, startOfDay(time.Now()))
	if err != nil {
		return err
	}
	used := domain.Zero(amount.Currency())
	for _, tx := range today {
		var spent domain.Money
		switch tx.Status {
		case domain.TransactionFailed, domain.TransactionCancelled:
			continue
		case domain.TransactionSuccessful:
			spent = tx.SettledAmount()
		default:
			spent = tx.Amount
		}
		if used, err = used.Add(spent); err != nil {
			return err
		}
	}
	total, err := used.Add(amount)
	if err != nil {
		return err
	}
	over, err := total.GreaterThan(*pm.DailyLimit)
	if err != nil {
		return err
	}
	if over {
		return errors.NewAppErrorf(errors.LimitExceeded, "amount %s exceeds the daily limit %s (already used %s)", amount, pm.DailyLimit, used)
	}
	return nil
}

// run drives a fresh attempt through fraud screening, step-up and
// authorization. Every path ends with a.outcome set; none of them errors.
func (s *PaymentService) run(ctx context.Context, a *attempt, req *ProcessPaymentRequest) {
	score, err := s.deps.Fraud.AnalyzeTransaction(ctx, FraudCheck{
		Transaction:   a.tx,
		PaymentMethod: a.method,
		IPAddress:     req.IPAddress,
		Country:       req.Country,
	})
	if err != nil {
		s.logger.Warn("Fraud check unavailable",
			zap.String("transaction_id", a.tx.ID.String()),
			zap.Error(err))
		s.decline(a, domain.DeclineSystemError, "fraud screening unavailable")
		return
	}
	if err := a.tx.SetFraudScore(score); err != nil {
		s.logger.Warn("Fraud service returned an invalid score", zap.Int("score", score), zap.Error(err))
		s.decline(a, domain.DeclineSystemError, "fraud screening returned an invalid score")
		return
	}
	if score >= s.cfg.FraudThreshold {
		s.logger.Warn("Transaction blocked by fraud screening",
			zap.String("transaction_id", a.tx.ID.String()),
			zap.Int("fraud_score", score))
		s.decline(a, domain.DeclineFraud, "transaction blocked by fraud screening")
		return
	}

	processor, err := s.deps.Processors.ProcessorFor(a.method.Type)
	if err != nil {
		s.logger.Error("No processor for payment method", zap.String("type", string(a.method.Type)), zap.Error(err))
		s.decline(a, domain.DeclineSystemError, "no processor available")
		return
	}

	if a.method.RequiresThreeDSecure(a.tx.Amount, s.threeDSecureThreshold(a.tx.Amount.Currency())) {
		url, err := processor.GeneratePaymentURL(ctx, a.payment, a.tx)
		if err != nil {
			s.logger.Error("Failed to generate 3DS URL", zap.String("transaction_id", a.tx.ID.String()), zap.Error(err))
			s.decline(a, domain.DeclineSystemError, "3-D Secure unavailable")
			return
		}
		auth, err := domain.NewThreeDSecureAuthentication(a.tx.ID, a.method.ID, url, uuid.NewString())
		if err != nil {
			s.decline(a, domain.DeclineSystemError, err.Error())
			return
		}
		a.auth = auth

		if req.ThreeDSecureChallenge == "" {
			moveTo(a.payment, domain.PaymentPending)
			a.outcome = OutcomeRequiresAction
			return
		}
		if !s.verifyThreeDSecure(ctx, a, req.ThreeDSecureChallenge) {
			return
		}
	} else if a.method.Type.RequiresCardDetails() && a.method.Card != nil {
		s.skipThreeDSecure(a)
	}

	s.authorize(ctx, a, processor)
}

// skipThreeDSecure records that a card attempt went to authorization without
// step-up, so every card transaction has an authentication on file.
func (s *PaymentService) skipThreeDSecure(a *attempt) {
	auth, err := domain.NewThreeDSecureAuthentication(a.tx.ID, a.method.ID, "", "")
	if err != nil {
		s.logger.Warn("Failed to record skipped 3DS", zap.String("transaction_id", a.tx.ID.String()), zap.Error(err))
		return
	}
	_ = auth.MarkAsNotRequired()
	a.auth = auth
}

func (s *PaymentService) threeDSecureThreshold(currency domain.Currency) *domain.Money {
	if !s.cfg.ThreeDSecureThreshold.IsPositive() {
		return nil
	}
	m, err := domain.NewMoney(s.cfg.ThreeDSecureThreshold, currency)
	if err != nil {
		return nil
	}
	return &m
}

// verifyThreeDSecure validates the challenge and reports whether the attempt
// may continue to authorization.
func (s *PaymentService) verifyThreeDSecure(ctx context.Context, a *attempt, challenge string) bool {
	res, err := s.deps.ThreeDSecure.Validate(ctx, a.method, a.auth, challenge)
	if err != nil {
		s.logger.Warn("3DS verification unavailable",
			zap.String("authentication_id", a.auth.ID.String()),
			zap.Error(err))
		_ = a.auth.MarkAsFailed("verification unavailable")
		s.decline(a, domain.DeclineSystemError, "3-D Secure verification unavailable")
		return false
	}
	if !res.Valid {
		reason := res.FailureReason
		if reason == "" {
			reason = "challenge rejected"
		}
		_ = a.auth.MarkAsFailed(reason)
		s.decline(a, domain.DeclineThreeDSecureFailed, reason)
		return false
	}
	if err := a.auth.MarkAsSuccessful(res.CAVV, res.ECI, res.XID); err != nil {
		s.logger.Warn("3DS result rejected",
			zap.String("authentication_id", a.auth.ID.String()),
			zap.Error(err))
		if a.auth.Status == domain.ThreeDSecurePending {
			_ = a.auth.MarkAsFailed(errors.As(err).Message)
		}
		s.decline(a, domain.DeclineThreeDSecureFailed, errors.As(err).Message)
		return false
	}
	return true
}

func (s *PaymentService) authorize(ctx context.Context, a *attempt, processor PaymentProcessor) {
	res, err := processor.ProcessPayment(ctx, ProcessorRequest{
		Payment:       a.payment,
		Transaction:   a.tx,
		PaymentMethod: a.method,
		ThreeDSecure:  a.auth,
	})
	if err != nil {
		s.logger.Error("Processor call failed",
			zap.String("transaction_id", a.tx.ID.String()),
			zap.Error(err))
		s.decline(a, domain.DeclineSystemError, "processor unavailable")
		return
	}
	if !res.Approved {
		reason := res.DeclineReason
		if reason == "" {
			reason = domain.DeclineProcessorDeclined
		}
		s.decline(a, reason, res.DeclineMessage)
		return
	}

	if err := a.tx.Authorize(res.AuthorizationCode, res.ExternalReference); err != nil {
		s.logger.Error("Processor approval could not be applied", zap.String("transaction_id", a.tx.ID.String()), zap.Error(err))
		s.decline(a, domain.DeclineSystemError, "invalid processor response")
		return
	}
	if res.Fees != nil {
		if err := a.tx.SetFees(*res.Fees); err != nil {
			s.logger.Warn("Ignoring invalid processor fees", zap.Error(err))
		}
	}
	a.outcome = OutcomeAuthorized

	if !s.cfg.AutoCapture {
		moveTo(a.payment, domain.PaymentAuthorized)
		return
	}
	if err := processor.Capture(ctx, a.tx, a.tx.Amount, captureKey(a.tx)); err != nil {
		// The authorization stands; capture can be retried explicitly.
		s.logger.Warn("Auto-capture failed, leaving transaction authorized",
			zap.String("transaction_id", a.tx.ID.String()),
			zap.Error(err))
		moveTo(a.payment, domain.PaymentAuthorized)
		return
	}
	if err := a.tx.CaptureFull(); err != nil {
		s.logger.Error("Capture could not be applied", zap.String("transaction_id", a.tx.ID.String()), zap.Error(err))
		moveTo(a.payment, domain.PaymentAuthorized)
		return
	}
	a.outcome = OutcomeCaptured
	if a.payment.IsFullyCaptured() {
		moveTo(a.payment, domain.PaymentCompleted)
	} else {
		moveTo(a.payment, domain.PaymentPending)
	}
}

// decline fails the attempt. The payment fails with it unless an earlier
// attempt already captured part of it, in which case it waits for the rest.
func (s *PaymentService) decline(a *attempt, reason domain.DeclineReason, message string) {
	a.outcome = OutcomeDeclined
	if err := a.tx.Decline(reason, message); err != nil {
		s.logger.Error("Failed to decline transaction", zap.String("transaction_id", a.tx.ID.String()), zap.Error(err))
	}
	if a.payment.CapturedAmount().IsPositive() {
		moveTo(a.payment, domain.PaymentPending)
		return
	}
	failure := string(reason)
	if message != "" {
		failure += ": " + message
	}
	if err := a.payment.MarkAsFailed(failure); err != nil {
		s.logger.Warn("Payment could not be failed",
			zap.String("payment_id", a.payment.ID.String()),
			zap.String("status", string(a.payment.Status)),
			zap.Error(err))
	}
}

func (s *PaymentService) expirePayment(ctx context.Context, p *domain.Payment) error {
	s.logger.Info("Payment expired", zap.String("payment_id", p.ID.String()), zap.String("reference", p.Reference))
	if err := p.UpdateStatus(domain.PaymentExpired); err != nil {
		return err
	}
	err := s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Payments().Update(ctx, p); err != nil {
			return err
		}
		return appendEvents(ctx, repos, p)
	})
	if err != nil {
		return err
	}
	s.notify(ctx, p)
	return errors.ErrPaymentExpired.WithDetails(p.Reference)
}

type CompleteThreeDSecureRequest struct {
	AuthenticationID uuid.UUID
	Challenge        string
}

func (s *PaymentService) CompleteThreeDSecure(ctx context.Context, req *CompleteThreeDSecureRequest) (res *PaymentResult, err error) {
	ctx, cmd := s.begin(ctx, "complete_three_d_secure", attribute.String("authentication_id", req.AuthenticationID.String()))
	defer func() {
		outcome := ""
		if res != nil {
			outcome = string(res.Outcome)
		}
		cmd.end(outcome, err)
	}()

	auth, err := s.store.ThreeDSecure().GetByID(ctx, req.AuthenticationID)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, errors.ErrThreeDSecureNotFound.WithDetails(req.AuthenticationID.String())
	}
	if auth.Status != domain.ThreeDSecurePending {
		return nil, errors.InvalidTransitionf("3DS authentication %s already %s", auth.ID, auth.Status)
	}

	p, tx, err := loadTransaction(ctx, s.store, auth.TransactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.TransactionPending {
		return nil, errors.InvalidTransitionf("transaction %s is %s, not awaiting authentication", tx.TransactionNumber, tx.Status)
	}
	pm, err := loadPaymentMethod(ctx, s.store, tx.PaymentMethodID)
	if err != nil {
		return nil, err
	}

	a := &attempt{payment: p, tx: tx, method: pm, auth: auth}
	moveTo(p, domain.PaymentProcessing)

	if auth.ResolveExpiry() {
		s.logger.Info("3DS window expired",
			zap.String("authentication_id", auth.ID.String()),
			zap.String("transaction_id", tx.ID.String()))
		s.decline(a, domain.DeclineThreeDSecureFailed, auth.FailureReason)
	} else if s.verifyThreeDSecure(ctx, a, req.Challenge) {
		processor, err := s.deps.Processors.ProcessorFor(pm.Type)
		if err != nil {
			s.decline(a, domain.DeclineSystemError, "no processor available")
		} else {
			s.authorize(ctx, a, processor)
		}
	}

	if err := s.saveAttempt(ctx, a); err != nil {
		return nil, err
	}

	s.logger.Info("3DS authentication completed",
		zap.String("payment_id", p.ID.String()),
		zap.String("transaction_id", tx.ID.String()),
		zap.String("three_d_secure_status", string(auth.Status)),
		zap.String("outcome", string(a.outcome)))
	s.notify(ctx, p)
	return a.result(), nil
}

// saveAttempt persists an attempt whose transaction and 3DS record already exist.
func (s *PaymentService) saveAttempt(ctx context.Context, a *attempt) error {
	return s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Payments().Update(ctx, a.payment); err != nil {
			return err
		}
		if err := repos.Transactions().Update(ctx, a.tx); err != nil {
			return err
		}
		sources := []eventSource{a.payment, a.tx}
		if a.auth != nil {
			if err := repos.ThreeDSecure().Update(ctx, a.auth); err != nil {
				return err
			}
			sources = append(sources, a.auth)
		}
		return appendEvents(ctx, repos, sources...)
	})
}

// GetThreeDSecure returns the authentication, abandoning it first when its
// window has passed.
func (s *PaymentService) GetThreeDSecure(ctx context.Context, id uuid.UUID) (*domain.ThreeDSecureAuthentication, error) {
	auth, err := s.store.ThreeDSecure().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if auth == nil {
		return nil, errors.ErrThreeDSecureNotFound.WithDetails(id.String())
	}
	if auth.Status != domain.ThreeDSecurePending || !auth.IsExpired() {
		return auth, nil
	}

	p, tx, err := loadTransaction(ctx, s.store, auth.TransactionID)
	if err != nil {
		return nil, err
	}
	auth.ResolveExpiry()
	a := &attempt{payment: p, tx: tx, auth: auth}
	if !tx.Status.IsTerminal() {
		moveTo(p, domain.PaymentProcessing)
		s.decline(a, domain.DeclineThreeDSecureFailed, auth.FailureReason)
	}
	if err := s.saveAttempt(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("Abandoned expired 3DS authentication",
		zap.String("authentication_id", auth.ID.String()),
		zap.String("transaction_id", tx.ID.String()))
	return auth, nil
}

func (s *PaymentService) CaptureTransaction(ctx context.Context, transactionID uuid.UUID, amount *domain.Money) (tx *domain.Transaction, err error) {
	ctx, cmd := s.begin(ctx, "capture_transaction", attribute.String("transaction_id", transactionID.String()))
	defer func() { cmd.end("captured", err) }()

	s.logger.Info("Capturing transaction", zap.String("transaction_id", transactionID.String()))

	p, tx, err := loadTransaction(ctx, s.store, transactionID)
	if err != nil {
		return nil, err
	}

	if tx.Status == domain.TransactionAuthorized && tx.IsAuthorizationExpired() {
		return nil, s.expireAuthorization(ctx, p, tx)
	}

	captureAmount := tx.Amount
	if amount != nil {
		captureAmount = *amount
	}
	if err := tx.Capture(captureAmount); err != nil {
		return nil, err
	}

	processor, err := s.deps.Processors.ProcessorFor(p.Method)
	if err != nil {
		return nil, externalFailure("processor lookup", err)
	}
	if err := processor.Capture(ctx, tx, captureAmount, captureKey(tx)); err != nil {
		s.logger.Error("Processor capture failed", zap.String("transaction_id", tx.ID.String()), zap.Error(err))
		return nil, externalFailure("capture", err)
	}

	// A partial capture releases the rest of the authorization, so without
	// partial payments nothing more can be collected.
	if p.IsFullyCaptured() || (!p.AllowPartialPayments && !p.HasOpenTransactions()) {
		moveTo(p, domain.PaymentCaptured)
	}

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Payments().Update(ctx, p); err != nil {
			return err
		}
		if err := repos.Transactions().Update(ctx, tx); err != nil {
			return err
		}
		return appendEvents(ctx, repos, p, tx)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction captured",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("payment_id", p.ID.String()),
		zap.Stringer("amount", captureAmount))
	s.notify(ctx, p)
	return tx, nil
}

func (s *PaymentService) expireAuthorization(ctx context.Context, p *domain.Payment, tx *domain.Transaction) error {
	s.logger.Info("Authorization expired", zap.String("transaction_id", tx.ID.String()))
	s.decline(&attempt{payment: p, tx: tx}, domain.DeclineAuthorizationExpired, "authorization window elapsed before capture")
	if err := s.saveAttempt(ctx, &attempt{payment: p, tx: tx}); err != nil {
		return err
	}
	s.notify(ctx, p)
	return errors.ErrAuthorizationExpired.WithDetails(tx.TransactionNumber)
}

func (s *PaymentService) CancelTransaction(ctx context.Context, transactionID uuid.UUID, reason string) (tx *domain.Transaction, err error) {
	ctx, cmd := s.begin(ctx, "cancel_transaction", attribute.String("transaction_id", transactionID.String()))
	defer func() { cmd.end("cancelled", err) }()

	p, tx, err := loadTransaction(ctx, s.store, transactionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Cancel(reason); err != nil {
		return nil, err
	}

	auth, err := s.store.ThreeDSecure().GetByTransactionID(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if auth != nil && auth.Status == domain.ThreeDSecurePending {
		_ = auth.MarkAsAbandoned()
	} else {
		auth = nil
	}

	if !p.HasOpenTransactions() && !p.CapturedAmount().IsPositive() {
		moveTo(p, domain.PaymentCancelled)
	}

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		return s.persistAttempt(ctx, repos, &attempt{payment: p, tx: tx, auth: auth})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction cancelled",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("payment_id", p.ID.String()),
		zap.String("reason", reason))
	s.notify(ctx, p)
	return tx, nil
}

func (s *PaymentService) persistAttempt(ctx context.Context, repos domain.Repositories, a *attempt) error {
	if err := repos.Payments().Update(ctx, a.payment); err != nil {
		return err
	}
	if err := repos.Transactions().Update(ctx, a.tx); err != nil {
		return err
	}
	sources := []eventSource{a.payment, a.tx}
	if a.auth != nil {
		if err := repos.ThreeDSecure().Update(ctx, a.auth); err != nil {
			return err
		}
		sources = append(sources, a.auth)
	}
	return appendEvents(ctx, repos, sources...)
}

type RefundTransactionRequest struct {
	TransactionID uuid.UUID
	// Amount defaults to everything still refundable.
	Amount *domain.Money
	Reason string
}

// RefundTransaction books a refund straight against the ledger. Refunds that
// need approval go through RefundService instead.
func (s *PaymentService) RefundTransaction(ctx context.Context, req *RefundTransactionRequest) (child *domain.Transaction, err error) {
	ctx, cmd := s.begin(ctx, "refund_transaction", attribute.String("transaction_id", req.TransactionID.String()))
	defer func() { cmd.end("refunded", err) }()

	p, tx, err := loadTransaction(ctx, s.store, req.TransactionID)
	if err != nil {
		return nil, err
	}
	processor, err := s.deps.Processors.ProcessorFor(p.Method)
	if err != nil {
		return nil, externalFailure("processor lookup", err)
	}

	child, err = refundTransaction(ctx, processor, p, tx, req.Amount, req.Reason, ledgerRefundKey(tx), s.logger)
	if err != nil {
		return nil, err
	}

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Payments().Update(ctx, p); err != nil {
			return err
		}
		if err := repos.Transactions().Update(ctx, tx); err != nil {
			return err
		}
		if err := repos.Transactions().Create(ctx, child); err != nil {
			return err
		}
		return appendEvents(ctx, repos, p, tx, child)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction refunded",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("refund_transaction_id", child.ID.String()),
		zap.Stringer("amount", child.Amount))
	s.notify(ctx, p)
	return child, nil
}

// refundTransaction applies the domain refund first, so nothing reaches the
// processor unless the ledger accepts it, then moves the payment along.
func refundTransaction(
	ctx context.Context,
	processor PaymentProcessor,
	p *domain.Payment,
	tx *domain.Transaction,
	amount *domain.Money,
	reason string,
	idempotencyKey string,
	logger *zap.Logger,
) (*domain.Transaction, error) {
	refundAmount := tx.GetRefundableAmount()
	if amount != nil {
		refundAmount = *amount
	}
	child, err := tx.Refund(refundAmount, reason)
	if err != nil {
		return nil, err
	}

	ref, err := processor.Refund(ctx, tx, refundAmount, reason, idempotencyKey)
	if err != nil {
		logger.Error("Processor refund failed",
			zap.String("transaction_id", tx.ID.String()),
			zap.Stringer("amount", refundAmount),
			zap.Error(err))
		return nil, externalFailure("refund", err)
	}
	child.ExternalReference = ref

	if p.RefundableAmount().IsZero() {
		moveTo(p, domain.PaymentRefunded)
	} else {
		moveTo(p, domain.PaymentPartiallyRefunded)
	}
	return child, nil
}

// captureKey is stable for a transaction: it captures at most once.
func captureKey(tx *domain.Transaction) string {
	return "capture:" + tx.ID.String()
}

// ledgerRefundKey derives the key from what the transaction had refunded
// before this call. A retry after a rolled-back write sees the same total and
// reuses the key; a later refund sees a larger total and gets a new one.
func ledgerRefundKey(tx *domain.Transaction) string {
	return fmt.Sprintf("refund:%s:%s", tx.ID, tx.RefundedAmount().Amount().String())
}

// SettleTransaction marks processor clearing. The payment completes once every
// captured attempt has settled.
func (s *PaymentService) SettleTransaction(ctx context.Context, transactionID uuid.UUID) (tx *domain.Transaction, err error) {
	ctx, cmd := s.begin(ctx, "settle_transaction", attribute.String("transaction_id", transactionID.String()))
	defer func() { cmd.end("settled", err) }()

	p, tx, err := loadTransaction(ctx, s.store, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.SettledAt != nil && tx.Status == domain.TransactionSuccessful {
		return tx, nil
	}
	if err := tx.Settle(); err != nil {
		return nil, err
	}

	if p.Status == domain.PaymentCaptured && allSettled(p) {
		moveTo(p, domain.PaymentCompleted)
	}

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Payments().Update(ctx, p); err != nil {
			return err
		}
		if err := repos.Transactions().Update(ctx, tx); err != nil {
			return err
		}
		return appendEvents(ctx, repos, p, tx)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Transaction settled", zap.String("transaction_id", tx.ID.String()))
	return tx, nil
}

func allSettled(p *domain.Payment) bool {
	for _, tx := range p.Transactions {
		if tx.Type == domain.TransactionTypePayment && tx.Status == domain.TransactionSuccessful && tx.SettledAt == nil {
			return false
		}
	}
	return true
}

// CancelPayment voids every open attempt and cancels the payment.
func (s *PaymentService) CancelPayment(ctx context.Context, paymentID uuid.UUID, reason string) (p *domain.Payment, err error) {
	ctx, cmd := s.begin(ctx, "cancel_payment", attribute.String("payment_id", paymentID.String()))
	defer func() { cmd.end("cancelled", err) }()

	p, err = loadPayment(ctx, s.store, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.Status.CanTransitionTo(domain.PaymentCancelled) {
		return nil, errors.InvalidTransitionf("payment %s cannot be cancelled from %s", p.Reference, p.Status)
	}

	var cancelled []*domain.Transaction
	var auths []*domain.ThreeDSecureAuthentication
	for _, tx := range p.Transactions {
		if !tx.IsOpen() {
			continue
		}
		if err := tx.Cancel(reason); err != nil {
			return nil, err
		}
		cancelled = append(cancelled, tx)

		auth, err := s.store.ThreeDSecure().GetByTransactionID(ctx, tx.ID)
		if err != nil {
			return nil, err
		}
		if auth != nil && auth.Status == domain.ThreeDSecurePending {
			_ = auth.MarkAsAbandoned()
			auths = append(auths, auth)
		}
	}
	if err := p.UpdateStatus(domain.PaymentCancelled); err != nil {
		return nil, err
	}

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Payments().Update(ctx, p); err != nil {
			return err
		}
		sources := []eventSource{p}
		for _, tx := range cancelled {
			if err := repos.Transactions().Update(ctx, tx); err != nil {
				return err
			}
			sources = append(sources, tx)
		}
		for _, auth := range auths {
			if err := repos.ThreeDSecure().Update(ctx, auth); err != nil {
				return err
			}
			sources = append(sources, auth)
		}
		return appendEvents(ctx, repos, sources...)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Payment cancelled",
		zap.String("payment_id", p.ID.String()),
		zap.Int("cancelled_transactions", len(cancelled)))
	s.notify(ctx, p)
	return p, nil
}

func (s *PaymentService) RetryPayment(ctx context.Context, paymentID uuid.UUID) (p *domain.Payment, err error) {
	ctx, cmd := s.begin(ctx, "retry_payment", attribute.String("payment_id", paymentID.String()))
	defer func() { cmd.end("pending", err) }()

	p, err = loadPayment(ctx, s.store, paymentID)
	if err != nil {
		return nil, err
	}
	if err := p.Retry(s.cfg.PaymentExpiry); err != nil {
		return nil, err
	}

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.Payments().Update(ctx, p); err != nil {
			return err
		}
		return appendEvents(ctx, repos, p)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Payment reopened for retry", zap.String("payment_id", p.ID.String()))
	return p, nil
}

// ArchivePayment soft-deletes a failed, cancelled or expired payment.
func (s *PaymentService) ArchivePayment(ctx context.Context, paymentID uuid.UUID) (p *domain.Payment, err error) {
	ctx, cmd := s.begin(ctx, "archive_payment", attribute.String("payment_id", paymentID.String()))
	defer func() { cmd.end("archived", err) }()

	p, err = loadPayment(ctx, s.store, paymentID)
	if err != nil {
		return nil, err
	}
	if err := p.Archive(); err != nil {
		return nil, err
	}
	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		return repos.Payments().Update(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Payment archived", zap.String("payment_id", p.ID.String()))
	return p, nil
}

func (s *PaymentService) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return loadPayment(ctx, s.store, id)
}

func (s *PaymentService) GetPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	p, err := s.store.Payments().GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.ErrPaymentNotFound.WithDetails(reference)
	}
	return p, nil
}

type PaymentPage struct {
	Payments []*domain.Payment `json:"payments"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

func (s *PaymentService) SearchPayments(ctx context.Context, filter domain.PaymentFilter) (*PaymentPage, error) {
	filter = filter.Normalize()
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, errors.Validationf("search window ends before it starts")
	}
	payments, total, err := s.store.Payments().Search(ctx, filter)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []*domain.Payment{}
	}
	return &PaymentPage{Payments: payments, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

func (s *PaymentService) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.store.Transactions().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, errors.ErrTransactionNotFound.WithDetails(id.String())
	}
	return tx, nil
}

func (s *PaymentService) notify(ctx context.Context, p *domain.Payment) {
	if s.deps.Notifier == nil {
		return
	}
	if err := s.deps.Notifier.PaymentUpdated(ctx, p); err != nil {
		s.logger.Warn("Failed to enqueue payment notification",
			zap.String("payment_id", p.ID.String()),
			zap.Error(err))
	}
}
