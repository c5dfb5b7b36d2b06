package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberCancelPolicy_Verdicts(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	policy := MemberCancelPolicy{}

	cases := []struct {
		name    string
		startIn time.Duration
		want    CancellationVerdict
	}{
		{"2h before start", 2 * time.Hour, CannotCancel},
		{"exactly 3h", 3 * time.Hour, CancelNoCompensation},
		{"10h before start", 10 * time.Hour, CancelNoCompensation},
		{"exactly 24h", 24 * time.Hour, CancelWithCompensation},
		{"48h before start", 48 * time.Hour, CancelWithCompensation},
		{"already started", -time.Hour, CannotCancel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, policy.Decide(now, now.Add(tc.startIn)))
		})
	}
}

func TestAdminCancelPolicy_AlwaysPermits(t *testing.T) {
	// GIVEN a session starting in 1h, inside every member cutoff
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	startAt := now.Add(time.Hour)

	// THEN the admin override compensates unless explicitly skipped
	assert.Equal(t, CancelWithCompensation, AdminCancelPolicy{}.Decide(now, startAt))
	assert.Equal(t, CancelNoCompensation, AdminCancelPolicy{SkipCompensation: true}.Decide(now, startAt))
}

func TestWithRetry_RetriesConflictsBounded(t *testing.T) {
	// GIVEN a fn that conflicts twice before succeeding
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("%w: table locked", ErrStoreConflict)
		}
		return nil
	})

	// THEN the conflict is absorbed
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_GivesUpAfterBound(t *testing.T) {
	// GIVEN a fn that always conflicts
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return ErrStoreConflict
	})

	// THEN the conflict surfaces after the bounded attempts
	require.ErrorIs(t, err, ErrStoreConflict)
	assert.Equal(t, maxConflictRetries+1, attempts)
}

func TestWithRetry_DoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return ErrCapacityExceeded
	})
	require.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 1, attempts)
}
