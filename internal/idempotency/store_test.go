package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-core/internal/errors"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, err := s.Begin(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = s.Begin(ctx, "k1", time.Minute)
	assert.ErrorIs(t, err, errors.ErrDuplicateRequest)

	require.NoError(t, s.Complete(ctx, "k1", Record{
		Fingerprint: "abc",
		StatusCode:  201,
		ContentType: "application/json",
		Body:        []byte(`{"data":{}}`),
	}, time.Minute))

	rec, err = s.Begin(ctx, "k1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 201, rec.StatusCode)
	assert.Equal(t, "abc", rec.Fingerprint)
	assert.JSONEq(t, `{"data":{}}`, string(rec.Body))
}

func TestMemoryStore_AbortAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	_, err := s.Begin(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Abort(ctx, "k"))

	rec, err := s.Begin(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, rec)

	now = now.Add(2 * time.Minute)
	rec, err = s.Begin(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemoryStore_BeginSweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	for _, key := range []string{"a", "b", "c"} {
		_, err := s.Begin(ctx, key, time.Minute)
		require.NoError(t, err)
	}
	_, err := s.Begin(ctx, "long", time.Hour)
	require.NoError(t, err)
	assert.Len(t, s.entries, 4)

	now = now.Add(2 * time.Minute)
	_, err = s.Begin(ctx, "d", time.Minute)
	require.NoError(t, err)

	assert.Len(t, s.entries, 2)
	assert.Contains(t, s.entries, "long")
	assert.Contains(t, s.entries, "d")
}
