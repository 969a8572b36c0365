package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
)

func clonePayment(p *domain.Payment) *domain.Payment {
	cp := *p
	cp.PullEvents()
	cp.Metadata = p.Metadata.Clone()
	cp.Transactions = nil
	return &cp
}

func cloneTransaction(t *domain.Transaction) *domain.Transaction {
	cp := *t
	cp.PullEvents()
	cp.Metadata = t.Metadata.Clone()
	cp.ChildTransactions = nil
	return &cp
}

func cloneMethod(pm *domain.PaymentMethod) *domain.PaymentMethod {
	cp := *pm
	cp.PullEvents()
	cp.Metadata = pm.Metadata.Clone()
	if pm.Card != nil {
		card := *pm.Card
		cp.Card = &card
	}
	return &cp
}

func cloneRefund(r *domain.PaymentRefund) *domain.PaymentRefund {
	cp := *r
	cp.PullEvents()
	return &cp
}

func cloneThreeDS(a *domain.ThreeDSecureAuthentication) *domain.ThreeDSecureAuthentication {
	cp := *a
	cp.PullEvents()
	return &cp
}

type paymentRepository struct{ s *Store }

func (r *paymentRepository) Create(_ context.Context, p *domain.Payment) error {
	return r.s.do(func(st *state) error {
		if _, ok := st.payments[p.ID]; ok {
			return errors.ErrDuplicatePayment.WithDetails(p.Reference)
		}
		for _, existing := range st.payments {
			if existing.Reference == p.Reference {
				return errors.ErrDuplicatePayment.WithDetails(p.Reference)
			}
		}
		st.payments[p.ID] = clonePayment(p)
		return nil
	})
}

func (r *paymentRepository) Update(_ context.Context, p *domain.Payment) error {
	return r.s.do(func(st *state) error {
		stored, ok := st.payments[p.ID]
		if !ok || stored.Version != p.Version {
			return errors.ErrConcurrencyConflict
		}
		p.Version++
		st.payments[p.ID] = clonePayment(p)
		return nil
	})
}

func (r *paymentRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	var out *domain.Payment
	err := r.s.do(func(st *state) error {
		if p, ok := st.payments[id]; ok {
			out = st.loadPayment(p)
		}
		return nil
	})
	return out, err
}

func (r *paymentRepository) GetByReference(_ context.Context, reference string) (*domain.Payment, error) {
	var out *domain.Payment
	err := r.s.do(func(st *state) error {
		for _, p := range st.payments {
			if p.Reference == reference {
				out = st.loadPayment(p)
				break
			}
		}
		return nil
	})
	return out, err
}

func (r *paymentRepository) Search(_ context.Context, filter domain.PaymentFilter) ([]*domain.Payment, int, error) {
	filter = filter.Normalize()
	var (
		page  []*domain.Payment
		total int
	)
	err := r.s.do(func(st *state) error {
		var matches []*domain.Payment
		for _, p := range st.payments {
			if matchPayment(p, filter) {
				matches = append(matches, p)
			}
		}
		sort.Slice(matches, func(i, j int) bool {
			if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
				return matches[i].ID.String() < matches[j].ID.String()
			}
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		})
		total = len(matches)
		for i := filter.Offset(); i < len(matches) && len(page) < filter.PageSize; i++ {
			cp := clonePayment(matches[i])
			cp.Transactions = []*domain.Transaction{}
			page = append(page, cp)
		}
		return nil
	})
	return page, total, err
}

func matchPayment(p *domain.Payment, f domain.PaymentFilter) bool {
	switch {
	case p.IsDeleted():
		return false
	case f.CustomerID != nil && p.CustomerID != *f.CustomerID:
		return false
	case f.MerchantID != nil && p.MerchantID != *f.MerchantID:
		return false
	case f.OrderID != nil && p.OrderID != *f.OrderID:
		return false
	case f.Status != nil && p.Status != *f.Status:
		return false
	case f.From != nil && p.CreatedAt.Before(*f.From):
		return false
	case f.To != nil && !p.CreatedAt.Before(*f.To):
		return false
	}
	return true
}

func (st *state) loadPayment(p *domain.Payment) *domain.Payment {
	cp := clonePayment(p)
	cp.Transactions = st.paymentTransactions(p.ID)
	return cp
}

// paymentTransactions returns top-level transactions with children attached.
func (st *state) paymentTransactions(paymentID uuid.UUID) []*domain.Transaction {
	var all []*domain.Transaction
	for _, id := range st.txOrder {
		if t := st.transactions[id]; t.PaymentID == paymentID {
			all = append(all, cloneTransaction(t))
		}
	}
	byID := make(map[uuid.UUID]*domain.Transaction, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}
	top := []*domain.Transaction{}
	for _, t := range all {
		if t.ParentTransactionID != nil {
			if parent, ok := byID[*t.ParentTransactionID]; ok {
				parent.ChildTransactions = append(parent.ChildTransactions, t)
				continue
			}
		}
		top = append(top, t)
	}
	return top
}

type transactionRepository struct{ s *Store }

func (r *transactionRepository) Create(_ context.Context, t *domain.Transaction) error {
	return r.s.do(func(st *state) error {
		if _, ok := st.transactions[t.ID]; ok {
			return errors.NewAppErrorf(errors.ConcurrencyConflict, "transaction %s already exists", t.TransactionNumber)
		}
		if _, ok := st.payments[t.PaymentID]; !ok {
			return errors.NewAppErrorf(errors.InternalError, "payment %s does not exist", t.PaymentID)
		}
		st.transactions[t.ID] = cloneTransaction(t)
		st.txOrder = append(st.txOrder, t.ID)
		return nil
	})
}

func (r *transactionRepository) Update(_ context.Context, t *domain.Transaction) error {
	return r.s.do(func(st *state) error {
		stored, ok := st.transactions[t.ID]
		if !ok || stored.Version != t.Version {
			return errors.ErrConcurrencyConflict
		}
		t.Version++
		st.transactions[t.ID] = cloneTransaction(t)
		return nil
	})
}

func (r *transactionRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := r.s.do(func(st *state) error {
		t, ok := st.transactions[id]
		if !ok {
			return nil
		}
		out = cloneTransaction(t)
		for _, cid := range st.txOrder {
			c := st.transactions[cid]
			if c.ParentTransactionID != nil && *c.ParentTransactionID == id {
				out.ChildTransactions = append(out.ChildTransactions, cloneTransaction(c))
			}
		}
		return nil
	})
	return out, err
}

func (r *transactionRepository) GetByPaymentID(_ context.Context, paymentID uuid.UUID) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	err := r.s.do(func(st *state) error {
		out = st.paymentTransactions(paymentID)
		return nil
	})
	return out, err
}

func (r *transactionRepository) GetByPaymentMethodID(_ context.Context, methodID uuid.UUID, since time.Time) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	err := r.s.do(func(st *state) error {
		for _, id := range st.txOrder {
			t := st.transactions[id]
			if t.PaymentMethodID == methodID && t.Type == domain.TransactionTypePayment && !t.CreatedAt.Before(since) {
				out = append(out, cloneTransaction(t))
			}
		}
		return nil
	})
	return out, err
}

type paymentMethodRepository struct{ s *Store }

func (r *paymentMethodRepository) Create(_ context.Context, pm *domain.PaymentMethod) error {
	return r.s.do(func(st *state) error {
		if _, ok := st.methods[pm.ID]; ok {
			return errors.NewAppErrorf(errors.ConcurrencyConflict, "payment method %s already exists", pm.ID)
		}
		if err := st.checkSingleDefault(pm); err != nil {
			return err
		}
		st.methods[pm.ID] = cloneMethod(pm)
		st.methodOrder = append(st.methodOrder, pm.ID)
		return nil
	})
}

func (r *paymentMethodRepository) Update(_ context.Context, pm *domain.PaymentMethod) error {
	return r.s.do(func(st *state) error {
		stored, ok := st.methods[pm.ID]
		if !ok || stored.Version != pm.Version {
			return errors.ErrConcurrencyConflict
		}
		if err := st.checkSingleDefault(pm); err != nil {
			return err
		}
		pm.Version++
		st.methods[pm.ID] = cloneMethod(pm)
		return nil
	})
}

// checkSingleDefault mirrors the partial unique index on payment_methods.
func (st *state) checkSingleDefault(pm *domain.PaymentMethod) error {
	if !pm.IsDefault {
		return nil
	}
	for id, other := range st.methods {
		if id != pm.ID && other.CustomerID == pm.CustomerID && other.IsDefault {
			return errors.ErrConcurrencyConflict.WithDetails("customer already has a default payment method")
		}
	}
	return nil
}

func (r *paymentMethodRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.PaymentMethod, error) {
	var out *domain.PaymentMethod
	err := r.s.do(func(st *state) error {
		if pm, ok := st.methods[id]; ok {
			out = cloneMethod(pm)
		}
		return nil
	})
	return out, err
}

func (r *paymentMethodRepository) GetByCustomerID(_ context.Context, customerID uuid.UUID) ([]*domain.PaymentMethod, error) {
	var out []*domain.PaymentMethod
	err := r.s.do(func(st *state) error {
		for _, id := range st.methodOrder {
			pm := st.methods[id]
			if pm.CustomerID == customerID && !pm.IsDeleted() {
				out = append(out, cloneMethod(pm))
			}
		}
		return nil
	})
	return out, err
}

type refundRepository struct{ s *Store }

func (r *refundRepository) Create(_ context.Context, rf *domain.PaymentRefund) error {
	return r.s.do(func(st *state) error {
		if _, ok := st.refunds[rf.ID]; ok {
			return errors.NewAppErrorf(errors.ConcurrencyConflict, "refund %s already exists", rf.RefundNumber)
		}
		st.refunds[rf.ID] = cloneRefund(rf)
		st.refundOrder = append(st.refundOrder, rf.ID)
		return nil
	})
}

func (r *refundRepository) Update(_ context.Context, rf *domain.PaymentRefund) error {
	return r.s.do(func(st *state) error {
		stored, ok := st.refunds[rf.ID]
		if !ok || stored.Version != rf.Version {
			return errors.ErrConcurrencyConflict
		}
		rf.Version++
		st.refunds[rf.ID] = cloneRefund(rf)
		return nil
	})
}

func (r *refundRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.PaymentRefund, error) {
	var out *domain.PaymentRefund
	err := r.s.do(func(st *state) error {
		if rf, ok := st.refunds[id]; ok {
			out = cloneRefund(rf)
		}
		return nil
	})
	return out, err
}

func (r *refundRepository) GetByPaymentID(_ context.Context, paymentID uuid.UUID) ([]*domain.PaymentRefund, error) {
	var out []*domain.PaymentRefund
	err := r.s.do(func(st *state) error {
		for _, id := range st.refundOrder {
			if rf := st.refunds[id]; rf.PaymentID == paymentID {
				out = append(out, cloneRefund(rf))
			}
		}
		return nil
	})
	return out, err
}

type threeDSecureRepository struct{ s *Store }

func (r *threeDSecureRepository) Create(_ context.Context, a *domain.ThreeDSecureAuthentication) error {
	return r.s.do(func(st *state) error {
		st.threeDS[a.ID] = cloneThreeDS(a)
		return nil
	})
}

func (r *threeDSecureRepository) Update(_ context.Context, a *domain.ThreeDSecureAuthentication) error {
	return r.s.do(func(st *state) error {
		stored, ok := st.threeDS[a.ID]
		if !ok || stored.Version != a.Version {
			return errors.ErrConcurrencyConflict
		}
		a.Version++
		st.threeDS[a.ID] = cloneThreeDS(a)
		return nil
	})
}

func (r *threeDSecureRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.ThreeDSecureAuthentication, error) {
	var out *domain.ThreeDSecureAuthentication
	err := r.s.do(func(st *state) error {
		if a, ok := st.threeDS[id]; ok {
			out = cloneThreeDS(a)
		}
		return nil
	})
	return out, err
}

func (r *threeDSecureRepository) GetByTransactionID(_ context.Context, transactionID uuid.UUID) (*domain.ThreeDSecureAuthentication, error) {
	var out *domain.ThreeDSecureAuthentication
	err := r.s.do(func(st *state) error {
		var latest *domain.ThreeDSecureAuthentication
		for _, a := range st.threeDS {
			if a.TransactionID == transactionID && (latest == nil || a.CreatedAt.After(latest.CreatedAt)) {
				latest = a
			}
		}
		if latest != nil {
			out = cloneThreeDS(latest)
		}
		return nil
	})
	return out, err
}

type outboxRepository struct{ s *Store }

func (r *outboxRepository) Append(_ context.Context, events ...domain.Event) error {
	return r.s.do(func(st *state) error {
		for _, e := range events {
			msg, err := domain.NewOutboxMessage(e)
			if err != nil {
				return errors.NewAppError(errors.InternalError, "failed to encode event").WithDetails(err.Error())
			}
			st.outbox = append(st.outbox, msg)
		}
		return nil
	})
}

func (r *outboxRepository) FetchUnpublished(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	var out []domain.OutboxMessage
	err := r.s.do(func(st *state) error {
		for _, msg := range st.outbox {
			if msg.PublishedAt == nil && len(out) < limit {
				out = append(out, msg)
			}
		}
		return nil
	})
	return out, err
}

func (r *outboxRepository) MarkPublished(_ context.Context, ids ...uuid.UUID) error {
	now := time.Now().UTC()
	return r.s.do(func(st *state) error {
		want := make(map[uuid.UUID]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		for i := range st.outbox {
			if want[st.outbox[i].ID] {
				st.outbox[i].PublishedAt = &now
				st.outbox[i].Attempts++
			}
		}
		return nil
	})
}

func (r *outboxRepository) MarkFailed(_ context.Context, id uuid.UUID) error {
	return r.s.do(func(st *state) error {
		for i := range st.outbox {
			if st.outbox[i].ID == id {
				st.outbox[i].Attempts++
			}
		}
		return nil
	})
}
