package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-core/internal/errors"
)

func TestThreeDSecure_SuccessIsOneShot(t *testing.T) {
	a, err := NewThreeDSecureAuthentication(uuid.New(), uuid.New(), "https://acs.example/c/1", "tok")
	require.NoError(t, err)
	assert.True(t, a.IsPending())
	assert.Equal(t, a.CreatedAt.Add(ThreeDSecureWindow), a.ExpiresAt)

	require.NoError(t, a.MarkAsSuccessful("AAABBB", "05", "xid-1"))
	assert.Equal(t, ThreeDSecureSuccessful, a.Status)
	assert.Equal(t, "05", a.ECI)

	assert.True(t, errors.HasCode(a.MarkAsFailed("late"), errors.InvalidStateTransition))
	assert.True(t, errors.HasCode(a.MarkAsSuccessful("C", "05", ""), errors.InvalidStateTransition))
	assert.Equal(t, "AAABBB", a.CAVV)
	assert.Len(t, a.PullEvents(), 1)
}

func TestThreeDSecure_ExpiryIsImplicit(t *testing.T) {
	advance := freezeClock(t, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	a, err := NewThreeDSecureAuthentication(uuid.New(), uuid.New(), "", "")
	require.NoError(t, err)

	advance(ThreeDSecureWindow + time.Second)
	assert.Equal(t, ThreeDSecurePending, a.Status)
	assert.True(t, a.IsExpired())
	assert.False(t, a.IsPending())

	assert.True(t, errors.HasCode(a.MarkAsSuccessful("C", "05", ""), errors.InvalidStateTransition))

	assert.True(t, a.ResolveExpiry())
	assert.Equal(t, ThreeDSecureAbandoned, a.Status)
	assert.False(t, a.ResolveExpiry())
}

func TestThreeDSecure_OtherTerminalStates(t *testing.T) {
	for _, tc := range []struct {
		status ThreeDSecureStatus
		mark   func(a *ThreeDSecureAuthentication) error
	}{
		{ThreeDSecureFailed, func(a *ThreeDSecureAuthentication) error { return a.MarkAsFailed("bad otp") }},
		{ThreeDSecureAbandoned, (*ThreeDSecureAuthentication).MarkAsAbandoned},
		{ThreeDSecureNotRequired, (*ThreeDSecureAuthentication).MarkAsNotRequired},
	} {
		a, err := NewThreeDSecureAuthentication(uuid.New(), uuid.New(), "", "")
		require.NoError(t, err)
		require.NoError(t, tc.mark(a))
		assert.Equal(t, tc.status, a.Status)
		assert.False(t, a.IsPending())
		assert.Error(t, tc.mark(a))
	}
}
