package consent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consometers/sge-tiers-proxy/internal/consent"
	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/ledger/ledgertest"
)

const user = "alice@example.com"
const usagePoint = "12345678901234"

func TestResolveScopedConsent(t *testing.T) {
	store := ledgertest.New()
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	store.SeedConsent(ledger.Consent{
		IssuerType: ledger.IssuerIndividual,
		BeginsAt:   now.Add(-time.Hour),
		ExpiresAt:  now.Add(time.Hour),
	}, user, usagePoint)

	r := consent.New(store)
	c, err := r.Resolve(context.Background(), user, usagePoint, now)
	require.NoError(t, err)
	assert.Equal(t, ledger.IssuerIndividual, c.IssuerType)
}

func TestResolveAppendsOpenConsentScope(t *testing.T) {
	store := ledgertest.New()
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	open := store.SeedConsent(ledger.Consent{
		IssuerType: ledger.IssuerCompany,
		IsOpen:     true,
		BeginsAt:   now.Add(-time.Hour),
		ExpiresAt:  now.Add(time.Hour),
	}, user)

	r := consent.New(store)
	c, err := r.Resolve(context.Background(), user, usagePoint, now)
	require.NoError(t, err)
	assert.Equal(t, open.ID, c.ID)

	again, err := store.ConsentsFor(context.Background(), user, usagePoint)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, open.ID, again[0].ID)
}

func TestResolveWindowIsHalfOpen(t *testing.T) {
	store := ledgertest.New()
	begins := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	expires := begins.Add(time.Hour)
	store.SeedConsent(ledger.Consent{
		IssuerType: ledger.IssuerIndividual,
		BeginsAt:   begins,
		ExpiresAt:  expires,
	}, user, usagePoint)

	r := consent.New(store)

	_, err := r.Resolve(context.Background(), user, usagePoint, begins)
	assert.NoError(t, err, "a call exactly at begins_at is accepted")

	_, err = r.Resolve(context.Background(), user, usagePoint, expires)
	assert.ErrorIs(t, err, consent.ErrExpired, "a call exactly at expires_at is rejected")
}

func TestResolveOpenConsentScopeAppendIsIdempotent(t *testing.T) {
	store := ledgertest.New()
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	open := store.SeedConsent(ledger.Consent{
		IssuerType: ledger.IssuerCompany,
		IsOpen:     true,
		BeginsAt:   now.Add(-time.Hour),
		ExpiresAt:  now.Add(time.Hour),
	}, user)

	r := consent.New(store)
	for i := 0; i < 2; i++ {
		c, err := r.Resolve(context.Background(), user, usagePoint, now)
		require.NoError(t, err)
		assert.Equal(t, open.ID, c.ID)
	}

	scoped, err := store.ConsentsFor(context.Background(), user, usagePoint)
	require.NoError(t, err)
	assert.Len(t, scoped, 1)
}

func TestResolveNoConsent(t *testing.T) {
	store := ledgertest.New()
	r := consent.New(store)
	_, err := r.Resolve(context.Background(), user, usagePoint, time.Now())
	assert.ErrorIs(t, err, consent.ErrNoConsent)
}

func TestResolveExpired(t *testing.T) {
	store := ledgertest.New()
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	store.SeedConsent(ledger.Consent{
		IssuerType: ledger.IssuerIndividual,
		BeginsAt:   now.Add(-2 * time.Hour),
		ExpiresAt:  now.Add(-time.Hour),
	}, user, usagePoint)

	r := consent.New(store)
	_, err := r.Resolve(context.Background(), user, usagePoint, now)
	assert.ErrorIs(t, err, consent.ErrExpired)
}

func TestResolveNotYetValid(t *testing.T) {
	store := ledgertest.New()
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	store.SeedConsent(ledger.Consent{
		IssuerType: ledger.IssuerIndividual,
		BeginsAt:   now.Add(time.Hour),
		ExpiresAt:  now.Add(2 * time.Hour),
	}, user, usagePoint)

	r := consent.New(store)
	_, err := r.Resolve(context.Background(), user, usagePoint, now)
	assert.ErrorIs(t, err, consent.ErrNotYetValid)
}
