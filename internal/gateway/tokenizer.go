package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"payment-core/internal/errors"
	"payment-core/internal/service"
)

// HMACTokenizer derives tokens from the PAN with a keyed hash. The same card
// always yields the same fingerprint; the PAN itself is discarded.
type HMACTokenizer struct {
	secret []byte
	// enrolled lists the last4 digits of sandbox cards enrolled in 3-D Secure.
	enrolled map[string]bool
}

var _ service.CardTokenizationService = (*HMACTokenizer)(nil)

func NewHMACTokenizer(secret string) *HMACTokenizer {
	return &HMACTokenizer{
		secret:   []byte(secret),
		enrolled: map[string]bool{"3220": true, "3184": true},
	}
}

func (t *HMACTokenizer) TokenizeCard(ctx context.Context, card service.CardInput) (*service.TokenizedCard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	number := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, card.Number)

	if len(number) < 12 || len(number) > 19 || strings.IndexFunc(number, func(r rune) bool { return !unicode.IsDigit(r) }) >= 0 {
		return nil, errors.Validationf("card number must have 12 to 19 digits")
	}
	if !luhnValid(number) {
		return nil, errors.Validationf("card number fails the checksum")
	}

	last4 := number[len(number)-4:]
	return &service.TokenizedCard{
		Token:                "tok_" + t.sign("token", number)[:32],
		Brand:                cardBrand(number),
		Last4:                last4,
		Fingerprint:          t.sign("fingerprint", number)[:16],
		ThreeDSecureEnrolled: t.enrolled[last4],
	}, nil
}

func (t *HMACTokenizer) sign(purpose, number string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(purpose + ":" + number))
	return hex.EncodeToString(mac.Sum(nil))
}

func luhnValid(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func cardBrand(number string) string {
	switch {
	case strings.HasPrefix(number, "4"):
		return "visa"
	case strings.HasPrefix(number, "34"), strings.HasPrefix(number, "37"):
		return "amex"
	case number[0] == '5' && number[1] >= '1' && number[1] <= '5', strings.HasPrefix(number, "2"):
		return "mastercard"
	case strings.HasPrefix(number, "6011"), strings.HasPrefix(number, "65"):
		return "discover"
	default:
		return "unknown"
	}
}
