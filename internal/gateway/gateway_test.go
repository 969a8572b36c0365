package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payment-core/internal/domain"
	"payment-core/internal/errors"
	"payment-core/internal/service"
)

func TestHMACTokenizer(t *testing.T) {
	tok := NewHMACTokenizer("secret")
	ctx := context.Background()

	card, err := tok.TokenizeCard(ctx, service.CardInput{Number: "4242 4242 4242 4242", ExpiryMonth: 12, ExpiryYear: 2030, HolderName: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "visa", card.Brand)
	assert.Equal(t, "4242", card.Last4)
	assert.NotContains(t, card.Token, "4242424242424242")
	assert.False(t, card.ThreeDSecureEnrolled)

	again, err := tok.TokenizeCard(ctx, service.CardInput{Number: "4242-4242-4242-4242"})
	require.NoError(t, err)
	assert.Equal(t, card.Fingerprint, again.Fingerprint)

	other, err := NewHMACTokenizer("other").TokenizeCard(ctx, service.CardInput{Number: "4242424242424242"})
	require.NoError(t, err)
	assert.NotEqual(t, card.Fingerprint, other.Fingerprint)

	enrolled, err := tok.TokenizeCard(ctx, service.CardInput{Number: "4000000000003220"})
	require.NoError(t, err)
	assert.True(t, enrolled.ThreeDSecureEnrolled)

	_, err = tok.TokenizeCard(ctx, service.CardInput{Number: "4242424242424241"})
	assert.True(t, errors.HasCode(err, errors.ValidationError))

	_, err = tok.TokenizeCard(ctx, service.CardInput{Number: "abcd"})
	assert.True(t, errors.HasCode(err, errors.ValidationError))
}

func TestCardBrand(t *testing.T) {
	cases := map[string]string{
		"4111111111111111": "visa",
		"5555555555554444": "mastercard",
		"378282246310005":  "amex",
		"6011111111111117": "discover",
		"9999999999999995": "unknown",
	}
	for number, brand := range cases {
		assert.Equal(t, brand, cardBrand(number), number)
	}
}

func cardMethod(t *testing.T, last4 string) *domain.PaymentMethod {
	t.Helper()
	pm, err := domain.NewPaymentMethod(domain.NewPaymentMethodParams{
		CustomerID:  uuid.New(),
		Type:        domain.PaymentMethodCreditCard,
		DisplayName: "Visa " + last4,
		Token:       "tok_x",
		Card:        &domain.CardDetails{Brand: "visa", Last4: last4, ExpiryMonth: 12, ExpiryYear: 2099, HolderName: "Ada"},
	})
	require.NoError(t, err)
	return pm
}

func processorRequest(t *testing.T, pm *domain.PaymentMethod, amount string) service.ProcessorRequest {
	t.Helper()
	tx, err := domain.NewTransaction(domain.NewTransactionParams{
		PaymentID:       uuid.New(),
		Amount:          domain.MustMoney(amount, "EUR"),
		PaymentMethodID: pm.ID,
		CustomerID:      pm.CustomerID,
		MerchantID:      uuid.New(),
	})
	require.NoError(t, err)
	return service.ProcessorRequest{Transaction: tx, PaymentMethod: pm}
}

func TestSandboxProcessor(t *testing.T) {
	p := NewSandboxProcessor("sbx", "https://checkout.test/", zap.NewNop())
	ctx := context.Background()

	t.Run("approves and charges fees", func(t *testing.T) {
		res, err := p.ProcessPayment(ctx, processorRequest(t, cardMethod(t, "4242"), "100"))
		require.NoError(t, err)
		assert.True(t, res.Approved)
		assert.Len(t, res.AuthorizationCode, 6)
		require.NotNil(t, res.Fees)
		assert.Equal(t, "3.20 EUR", res.Fees.String())
	})

	t.Run("declines test cards", func(t *testing.T) {
		res, err := p.ProcessPayment(ctx, processorRequest(t, cardMethod(t, DeclineInsufficientFundsLast4), "10"))
		require.NoError(t, err)
		assert.False(t, res.Approved)
		assert.Equal(t, domain.DeclineInsufficientFunds, res.DeclineReason)
	})

	t.Run("fails on the error card", func(t *testing.T) {
		_, err := p.ProcessPayment(ctx, processorRequest(t, cardMethod(t, ProcessorErrorLast4), "10"))
		assert.Error(t, err)
	})

	t.Run("payment url points at checkout", func(t *testing.T) {
		req := processorRequest(t, cardMethod(t, "4242"), "10")
		url, err := p.GeneratePaymentURL(ctx, &domain.Payment{Reference: "PAY-1"}, req.Transaction)
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.test/3ds/"+req.Transaction.ID.String()+"?payment=PAY-1", url)
	})

	t.Run("refunds are deduplicated by key", func(t *testing.T) {
		req := processorRequest(t, cardMethod(t, "4242"), "10")
		amount := domain.MustMoney("4", "EUR")
		first, err := p.Refund(ctx, req.Transaction, amount, "damaged", "refund:a")
		require.NoError(t, err)
		again, err := p.Refund(ctx, req.Transaction, amount, "damaged", "refund:a")
		require.NoError(t, err)
		other, err := p.Refund(ctx, req.Transaction, amount, "damaged", "refund:b")
		require.NoError(t, err)

		assert.Equal(t, first, again)
		assert.NotEqual(t, first, other)
	})

	t.Run("capture needs an authorization", func(t *testing.T) {
		req := processorRequest(t, cardMethod(t, "4242"), "10")
		assert.Error(t, p.Capture(ctx, req.Transaction, req.Transaction.Amount, "capture:x"))

		req.Transaction.AuthorizationCode = "AUTH01"
		require.NoError(t, p.Capture(ctx, req.Transaction, req.Transaction.Amount, "capture:x"))
		require.NoError(t, p.Capture(ctx, req.Transaction, req.Transaction.Amount, "capture:x"))
	})
}

func TestProcessorRegistry(t *testing.T) {
	reg := NewSandboxRegistry("https://checkout.test", zap.NewNop())
	for _, typ := range []domain.PaymentMethodType{
		domain.PaymentMethodCreditCard, domain.PaymentMethodDebitCard, domain.PaymentMethodWallet,
		domain.PaymentMethodBankTransfer, domain.PaymentMethodCash,
	} {
		_, err := reg.ProcessorFor(typ)
		assert.NoError(t, err, typ)
	}
	_, err := NewProcessorRegistry().ProcessorFor(domain.PaymentMethodCash)
	assert.Error(t, err)
}

type countingVelocity struct{ n int64 }

func (c *countingVelocity) Hit(context.Context, string, time.Duration) (int64, error) {
	c.n++
	return c.n, nil
}

func TestRuleFraudScorer(t *testing.T) {
	ctx := context.Background()
	pm := cardMethod(t, "4242")
	pm.CreatedAt = time.Now().Add(-48 * time.Hour)

	scorer := NewRuleFraudScorer(nil, zap.NewNop())

	low := processorRequest(t, pm, "20")
	score, err := scorer.AnalyzeTransaction(ctx, service.FraudCheck{Transaction: low.Transaction, PaymentMethod: pm, IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Zero(t, score)

	score, err = scorer.AnalyzeTransaction(ctx, service.FraudCheck{Transaction: low.Transaction, PaymentMethod: pm, IPAddress: "10.0.0.1", Country: "kp"})
	require.NoError(t, err)
	assert.Equal(t, 85, score)

	huge := processorRequest(t, pm, "9000")
	score, err = scorer.AnalyzeTransaction(ctx, service.FraudCheck{Transaction: huge.Transaction, PaymentMethod: pm, Country: "KP"})
	require.NoError(t, err)
	assert.Equal(t, 100, score, "capped")

	velocity := &countingVelocity{}
	scorer = NewRuleFraudScorer(velocity, zap.NewNop())
	for i := 0; i < 5; i++ {
		score, err = scorer.AnalyzeTransaction(ctx, service.FraudCheck{Transaction: low.Transaction, PaymentMethod: pm, IPAddress: "10.0.0.1"})
		require.NoError(t, err)
		assert.Zero(t, score)
	}
	score, err = scorer.AnalyzeTransaction(ctx, service.FraudCheck{Transaction: low.Transaction, PaymentMethod: pm, IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, 40, score)
}

func TestSandboxThreeDSecure(t *testing.T) {
	ctx := context.Background()
	pm := cardMethod(t, "3220")
	auth, err := domain.NewThreeDSecureAuthentication(uuid.New(), pm.ID, "https://acs.test", "tok")
	require.NoError(t, err)

	res, err := SandboxThreeDSecure{}.Validate(ctx, pm, auth, "123456")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.NotEmpty(t, res.CAVV)
	assert.Equal(t, "05", res.ECI)

	res, err = SandboxThreeDSecure{}.Validate(ctx, pm, auth, ChallengeFail)
	require.NoError(t, err)
	assert.False(t, res.Valid)

	_, err = SandboxThreeDSecure{}.Validate(ctx, pm, auth, ChallengeError)
	assert.Error(t, err)
}

func TestHTTPOrderClient(t *testing.T) {
	customer := uuid.New()
	confirmed, draft := uuid.New(), uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := ""
		switch r.URL.Path {
		case "/orders/" + confirmed.String():
			status = "confirmed"
		case "/orders/" + draft.String():
			status = "draft"
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": uuid.New(), "customer_id": customer, "status": status},
		})
	}))
	defer srv.Close()

	client := NewHTTPOrderClient(srv.URL, time.Second, zap.NewNop())
	ctx := context.Background()

	assert.NoError(t, client.ValidateOrder(ctx, confirmed, customer))
	assert.True(t, errors.HasCode(client.ValidateOrder(ctx, confirmed, uuid.New()), errors.ValidationError))
	assert.True(t, errors.HasCode(client.ValidateOrder(ctx, draft, customer), errors.InvalidStateTransition))
	assert.True(t, errors.HasCode(client.ValidateOrder(ctx, uuid.New(), customer), errors.NotFound))
}
