package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consometers/sge-tiers-proxy/internal/consent"
	"github.com/consometers/sge-tiers-proxy/internal/coordinator"
	"github.com/consometers/sge-tiers-proxy/internal/dsoclient"
	"github.com/consometers/sge-tiers-proxy/internal/handler"
	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/ledger/ledgertest"
)

type fakeDso struct {
	nextCallID   int64
	historyCalls int
}

func (f *fakeDso) History(ctx context.Context, seriesName, usagePointID string, start, end time.Time) (dsoclient.Data, error) {
	f.historyCalls++
	return dsoclient.Data{}, nil
}
func (f *fakeDso) TechnicalData(ctx context.Context, usagePointID string) (dsoclient.TechnicalData, error) {
	return dsoclient.TechnicalData{Segment: ledger.SegmentC5, ServiceLevel: 1}, nil
}
func (f *fakeDso) Subscribe(ctx context.Context, req dsoclient.SubscribeRequest) (int64, error) {
	f.nextCallID++
	return f.nextCallID, nil
}
func (f *fakeDso) Unsubscribe(ctx context.Context, usagePointID string, callID int64) error {
	return nil
}

const userJID = "alice@example.com"
const usagePoint = "12345678901234"

func newHandlers(store *ledgertest.Fake, dso dsoclient.Client) *handler.Handlers {
	resolver := consent.New(store)
	co := coordinator.New(store, store, dso)
	return handler.New(store, store, resolver, co, dso)
}

func seedConsent(store *ledgertest.Fake) {
	now := time.Now()
	store.SeedConsent(ledger.Consent{
		IssuerType: ledger.IssuerIndividual,
		BeginsAt:   now.Add(-time.Hour),
		ExpiresAt:  now.Add(48 * time.Hour),
	}, userJID, usagePoint)
}

func TestGetHistoryRequiresSeriesPath(t *testing.T) {
	store := ledgertest.New()
	h := newHandlers(store, &fakeDso{})
	_, err := h.GetHistory(context.Background(), userJID, "urn:dev:prm:"+usagePoint, time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, handler.ErrBadRequest)
}

func TestGetHistoryNotAuthorizedWithoutConsent(t *testing.T) {
	store := ledgertest.New()
	dso := &fakeDso{}
	h := newHandlers(store, dso)
	_, err := h.GetHistory(context.Background(), userJID, "urn:dev:prm:"+usagePoint+"_consumption/power/active/raw",
		time.Now().Add(-time.Hour), time.Now())
	assert.ErrorIs(t, err, handler.ErrNotAuthorized)
	assert.Zero(t, dso.historyCalls, "no DSO request may be issued without consent")
}

func TestGetHistoryExpiredConsentIssuesNoDsoCall(t *testing.T) {
	store := ledgertest.New()
	now := time.Now()
	store.SeedConsent(ledger.Consent{
		IssuerType: ledger.IssuerIndividual,
		BeginsAt:   now.Add(-48 * time.Hour),
		ExpiresAt:  now.Add(-24 * time.Hour),
	}, userJID, usagePoint)
	dso := &fakeDso{}
	h := newHandlers(store, dso)

	_, err := h.GetHistory(context.Background(), userJID, "urn:dev:prm:"+usagePoint+"_consumption/power/active/raw",
		now.Add(-time.Hour), now)
	assert.ErrorIs(t, err, handler.ErrNotAuthorized)
	assert.Zero(t, dso.historyCalls)
}

func TestGetHistorySucceeds(t *testing.T) {
	store := ledgertest.New()
	seedConsent(store)
	dso := &fakeDso{}
	h := newHandlers(store, dso)

	_, err := h.GetHistory(context.Background(), userJID, "urn:dev:prm:"+usagePoint+"_consumption/power/active/raw",
		time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, dso.historyCalls)
}

func TestSubscribeRejectsUnsupportedSeries(t *testing.T) {
	store := ledgertest.New()
	seedConsent(store)
	h := newHandlers(store, &fakeDso{})

	_, err := h.Subscribe(context.Background(), userJID, "urn:dev:prm:"+usagePoint+"_not/a/series")
	assert.ErrorIs(t, err, handler.ErrBadRequest)
}

func TestSubscribeCreatesSubscriptionAndLinksOrders(t *testing.T) {
	store := ledgertest.New()
	seedConsent(store)
	h := newHandlers(store, &fakeDso{})

	sub, err := h.Subscribe(context.Background(), userJID, "urn:dev:prm:"+usagePoint+"_consumption/power/active/raw")
	require.NoError(t, err)
	assert.Equal(t, "consumption/power/active/raw", sub.SeriesName)

	orders, err := store.UpstreamOrdersFor(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 2, "consumption/power/active/raw requires CDC_ENABLE and CDC_RAW")
}

func TestSubscribeIsIdempotent(t *testing.T) {
	store := ledgertest.New()
	seedConsent(store)
	h := newHandlers(store, &fakeDso{})

	first, err := h.Subscribe(context.Background(), userJID, "urn:dev:prm:"+usagePoint+"_consumption/energy/active/index")
	require.NoError(t, err)
	second, err := h.Subscribe(context.Background(), userJID, "urn:dev:prm:"+usagePoint+"_consumption/energy/active/index")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestSubscribeSharesUpstreamOrderAcrossUsers(t *testing.T) {
	store := ledgertest.New()
	now := time.Now()
	const otherJID = "bob@example.com"
	store.SeedConsent(ledger.Consent{
		IssuerType: ledger.IssuerIndividual,
		BeginsAt:   now.Add(-time.Hour),
		ExpiresAt:  now.Add(48 * time.Hour),
	}, userJID, usagePoint)
	store.SeedConsent(ledger.Consent{
		IssuerType: ledger.IssuerIndividual,
		BeginsAt:   now.Add(-time.Hour),
		ExpiresAt:  now.Add(48 * time.Hour),
	}, otherJID, usagePoint)
	h := newHandlers(store, &fakeDso{})

	first, err := h.Subscribe(context.Background(), userJID, "urn:dev:prm:"+usagePoint+"_consumption/energy/active/index")
	require.NoError(t, err)
	second, err := h.Subscribe(context.Background(), otherJID, "urn:dev:prm:"+usagePoint+"_consumption/energy/active/index")
	require.NoError(t, err)

	firstOrders, err := store.UpstreamOrdersFor(context.Background(), first.ID)
	require.NoError(t, err)
	secondOrders, err := store.UpstreamOrdersFor(context.Background(), second.ID)
	require.NoError(t, err)
	require.Len(t, firstOrders, 1)
	require.Len(t, secondOrders, 1)
	assert.Equal(t, firstOrders[0].ID, secondOrders[0].ID,
		"the second subscription must link the existing CONSUMPTION_IDX order, not place a new one")
}

type sgt570Dso struct{ fakeDso }

func (f *sgt570Dso) Subscribe(context.Context, dsoclient.SubscribeRequest) (int64, error) {
	return 0, &dsoclient.Error{Code: "SGT570", Message: "already active"}
}

func TestSubscribeAbsorbsAlreadyActiveUpstreamFault(t *testing.T) {
	store := ledgertest.New()
	seedConsent(store)
	h := newHandlers(store, &sgt570Dso{})

	sub, err := h.Subscribe(context.Background(), userJID, "urn:dev:prm:"+usagePoint+"_consumption/energy/active/index")
	require.NoError(t, err, "SGT570 must be absorbed, not surfaced")
	assert.NotZero(t, sub.ID)
}

func TestUnsubscribeDeletesMatchingSubscriptions(t *testing.T) {
	store := ledgertest.New()
	seedConsent(store)
	h := newHandlers(store, &fakeDso{})

	_, err := h.Subscribe(context.Background(), userJID, "urn:dev:prm:"+usagePoint+"_consumption/energy/active/index")
	require.NoError(t, err)

	err = h.Unsubscribe(context.Background(), userJID, "urn:dev:prm:"+usagePoint)
	require.NoError(t, err)

	subs, err := store.ListSubscriptionsFor(context.Background(), userJID, usagePoint)
	require.NoError(t, err)
	assert.Empty(t, subs)
}
