package gateway

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"

	"payment-core/internal/domain"
	"payment-core/internal/service"
)

// Sandbox challenge answers.
const (
	ChallengeFail  = "fail"
	ChallengeError = "error"
)

// SandboxThreeDSecure accepts any challenge except the sandbox failure
// answers and fills in proof artifacts shaped like a real ACS response.
type SandboxThreeDSecure struct{}

var _ service.ThreeDSecureService = SandboxThreeDSecure{}

func (SandboxThreeDSecure) Validate(ctx context.Context, method *domain.PaymentMethod, auth *domain.ThreeDSecureAuthentication, challenge string) (*service.ThreeDSecureResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(challenge)) {
	case "":
		return &service.ThreeDSecureResult{FailureReason: "empty challenge response"}, nil
	case ChallengeFail:
		return &service.ThreeDSecureResult{FailureReason: "cardholder failed authentication"}, nil
	case ChallengeError:
		return nil, context.DeadlineExceeded
	}
	if method.Card == nil {
		return &service.ThreeDSecureResult{FailureReason: "payment method has no card"}, nil
	}

	proof := uuid.New()
	return &service.ThreeDSecureResult{
		Valid: true,
		CAVV:  base64.StdEncoding.EncodeToString(proof[:]),
		ECI:   "05",
		XID:   base64.StdEncoding.EncodeToString([]byte(auth.ID.String()[:20])),
	}, nil
}
