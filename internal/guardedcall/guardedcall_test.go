package guardedcall_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consometers/sge-tiers-proxy/internal/guardedcall"
	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/ledger/ledgertest"
)

func seededSpec(store *ledgertest.Fake) guardedcall.CallSpec {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	c := store.SeedConsent(ledger.Consent{
		IssuerType: ledger.IssuerIndividual,
		BeginsAt:   now.Add(-time.Hour),
		ExpiresAt:  now.Add(time.Hour),
	}, "alice@example.com", "12345678901234")
	return guardedcall.CallSpec{
		Webservice:       ledger.WebserviceHistory,
		UsagePointID:     "12345678901234",
		UserID:           "alice@example.com",
		ConsentID:        c.ID,
		ConsentBeginsAt:  c.BeginsAt,
		ConsentExpiresAt: c.ExpiresAt,
	}
}

func TestDoRecordsOKOutcome(t *testing.T) {
	store := ledgertest.New()
	spec := seededSpec(store)

	result, err := guardedcall.Do(context.Background(), store, spec, func(ctx context.Context, callID int64) (string, error) {
		return "history-payload", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "history-payload", result)
}

func TestDoRecordsFailedOutcomeAndReraises(t *testing.T) {
	store := ledgertest.New()
	spec := seededSpec(store)
	wantErr := errors.New("upstream: timeout")

	_, err := guardedcall.Do(context.Background(), store, spec, func(ctx context.Context, callID int64) (string, error) {
		return "", wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestDoRejectsUnauthorizedIntentWithoutRunningCall(t *testing.T) {
	store := ledgertest.New()
	spec := guardedcall.CallSpec{
		Webservice:   ledger.WebserviceHistory,
		UsagePointID: "12345678901234",
		UserID:       "alice@example.com",
		ConsentID:    999, // no such consent seeded: CheckTZ on zero-value ConsentBeginsAt fails first
	}

	ran := false
	_, err := guardedcall.Do(context.Background(), store, spec, func(ctx context.Context, callID int64) (string, error) {
		ran = true
		return "", nil
	})
	assert.ErrorIs(t, err, guardedcall.ErrNotAuthorized)
	assert.False(t, ran, "embedded operation must not run when the intent insert is rejected")
}
