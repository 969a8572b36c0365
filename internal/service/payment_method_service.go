package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
	"payment-core/internal/telemetry"
)

type PaymentMethodService struct {
	core
	tokenizer CardTokenizationService
}

func NewPaymentMethodService(
	store domain.UnitOfWork,
	tokenizer CardTokenizationService,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) *PaymentMethodService {
	return &PaymentMethodService{
		core:      newCore(store, metrics, logger),
		tokenizer: tokenizer,
	}
}

type AddPaymentMethodRequest struct {
	CustomerID  uuid.UUID
	Type        domain.PaymentMethodType
	DisplayName string
	// Card is required for card types and tokenized before anything is stored.
	Card *CardInput
	// Token is the provider token for non-card types.
	Token            string
	ExpiryDate       *time.Time
	DailyLimit       *domain.Money
	TransactionLimit *domain.Money
	SetDefault       bool
	Metadata         domain.Metadata
}

func (s *PaymentMethodService) AddPaymentMethod(ctx context.Context, req *AddPaymentMethodRequest) (pm *domain.PaymentMethod, err error) {
	ctx, cmd := s.begin(ctx, "add_payment_method", attribute.String("customer_id", req.CustomerID.String()))
	defer func() { cmd.end("created", err) }()

	s.logger.Info("Adding payment method",
		zap.String("customer_id", req.CustomerID.String()),
		zap.String("type", string(req.Type)))

	params := domain.NewPaymentMethodParams{
		CustomerID:  req.CustomerID,
		Type:        req.Type,
		DisplayName: req.DisplayName,
		Token:       req.Token,
		ExpiryDate:  req.ExpiryDate,
		Metadata:    req.Metadata,
	}
	if req.Type.RequiresCardDetails() {
		if req.Card == nil {
			return nil, errors.Validationf("%s requires card details", req.Type)
		}
		card, err := s.tokenizer.TokenizeCard(ctx, *req.Card)
		if err != nil {
			s.logger.Warn("Card tokenization failed", zap.String("customer_id", req.CustomerID.String()), zap.Error(err))
			if appErr := errors.As(err); appErr.Code != errors.InternalError {
				return nil, appErr
			}
			return nil, externalFailure("card tokenization", err)
		}
		params.Token = card.Token
		params.Card = &domain.CardDetails{
			Brand:                card.Brand,
			Last4:                card.Last4,
			ExpiryMonth:          req.Card.ExpiryMonth,
			ExpiryYear:           req.Card.ExpiryYear,
			HolderName:           strings.TrimSpace(req.Card.HolderName),
			Fingerprint:          card.Fingerprint,
			ThreeDSecureEnrolled: card.ThreeDSecureEnrolled,
		}
	} else if req.Card != nil {
		return nil, errors.Validationf("%s cannot carry card details", req.Type)
	}

	pm, err = domain.NewPaymentMethod(params)
	if err != nil {
		return nil, err
	}
	if req.DailyLimit != nil || req.TransactionLimit != nil {
		if err := pm.UpdateLimits(req.DailyLimit, req.TransactionLimit); err != nil {
			return nil, err
		}
	}

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		existing, err := repos.PaymentMethods().GetByCustomerID(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		if err := repos.PaymentMethods().Create(ctx, pm); err != nil {
			return err
		}
		sources := []eventSource{pm}

		if req.SetDefault || !hasUsableDefault(existing) {
			changed, err := domain.AssignDefaultPaymentMethod(append(existing, pm), pm.ID)
			if err != nil {
				return err
			}
			// The old default is cleared first so the one-default index never
			// sees two rows.
			for _, m := range changed {
				if err := repos.PaymentMethods().Update(ctx, m); err != nil {
					return err
				}
				if m != pm {
					sources = append(sources, m)
				}
			}
		}
		return appendEvents(ctx, repos, sources...)
	})
	if err != nil {
		s.logger.Error("Failed to add payment method", zap.String("customer_id", req.CustomerID.String()), zap.Error(err))
		return nil, err
	}

	s.logger.Info("Payment method added",
		zap.String("payment_method_id", pm.ID.String()),
		zap.Bool("default", pm.IsDefault))
	return pm, nil
}

func hasUsableDefault(methods []*domain.PaymentMethod) bool {
	for _, m := range methods {
		if m.IsDefault && m.CanBeUsed() {
			return true
		}
	}
	return false
}

func (s *PaymentMethodService) SetDefaultPaymentMethod(ctx context.Context, customerID, methodID uuid.UUID) (pm *domain.PaymentMethod, err error) {
	ctx, cmd := s.begin(ctx, "set_default_payment_method", attribute.String("payment_method_id", methodID.String()))
	defer func() { cmd.end("updated", err) }()

	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		methods, err := repos.PaymentMethods().GetByCustomerID(ctx, customerID)
		if err != nil {
			return err
		}
		changed, err := domain.AssignDefaultPaymentMethod(methods, methodID)
		if err != nil {
			return err
		}
		sources := make([]eventSource, 0, len(changed))
		for _, m := range changed {
			if err := repos.PaymentMethods().Update(ctx, m); err != nil {
				return err
			}
			sources = append(sources, m)
		}
		for _, m := range methods {
			if m.ID == methodID {
				pm = m
			}
		}
		return appendEvents(ctx, repos, sources...)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Default payment method changed",
		zap.String("customer_id", customerID.String()),
		zap.String("payment_method_id", methodID.String()))
	return pm, nil
}

func (s *PaymentMethodService) ActivatePaymentMethod(ctx context.Context, id uuid.UUID) (*domain.PaymentMethod, error) {
	return s.update(ctx, "activate_payment_method", id, func(pm *domain.PaymentMethod) error {
		return pm.Activate()
	})
}

func (s *PaymentMethodService) DeactivatePaymentMethod(ctx context.Context, id uuid.UUID) (*domain.PaymentMethod, error) {
	return s.update(ctx, "deactivate_payment_method", id, func(pm *domain.PaymentMethod) error {
		pm.Deactivate()
		return nil
	})
}

func (s *PaymentMethodService) UpdateLimits(ctx context.Context, id uuid.UUID, dailyLimit, transactionLimit *domain.Money) (*domain.PaymentMethod, error) {
	return s.update(ctx, "update_payment_method_limits", id, func(pm *domain.PaymentMethod) error {
		return pm.UpdateLimits(dailyLimit, transactionLimit)
	})
}

func (s *PaymentMethodService) update(ctx context.Context, name string, id uuid.UUID, mutate func(*domain.PaymentMethod) error) (pm *domain.PaymentMethod, err error) {
	ctx, cmd := s.begin(ctx, name, attribute.String("payment_method_id", id.String()))
	defer func() { cmd.end("updated", err) }()

	pm, err = loadPaymentMethod(ctx, s.store, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(pm); err != nil {
		return nil, err
	}
	err = s.store.WithTransaction(ctx, func(repos domain.Repositories) error {
		if err := repos.PaymentMethods().Update(ctx, pm); err != nil {
			return err
		}
		return appendEvents(ctx, repos, pm)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Payment method updated",
		zap.String("payment_method_id", pm.ID.String()),
		zap.String("command", name))
	return pm, nil
}

func (s *PaymentMethodService) GetPaymentMethod(ctx context.Context, id uuid.UUID) (*domain.PaymentMethod, error) {
	return loadPaymentMethod(ctx, s.store, id)
}

func (s *PaymentMethodService) ListCustomerPaymentMethods(ctx context.Context, customerID uuid.UUID) ([]*domain.PaymentMethod, error) {
	methods, err := s.store.PaymentMethods().GetByCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if methods == nil {
		methods = []*domain.PaymentMethod{}
	}
	return methods, nil
}
