package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consometers/sge-tiers-proxy/internal/handler"
	"github.com/consometers/sge-tiers-proxy/internal/ledger/ledgertest"
)

func TestSubmitGetHistoryRejectsMissingFields(t *testing.T) {
	store := ledgertest.New()
	h := newHandlers(store, &fakeDso{})

	_, err := h.SubmitGetHistory(context.Background(), userJID, map[string]string{
		"identifier": "urn:dev:prm:" + usagePoint + "_consumption/power/active/raw",
	})
	assert.ErrorIs(t, err, handler.ErrBadRequest)
}

func TestSubmitGetHistoryRejectsNaiveTimestamps(t *testing.T) {
	store := ledgertest.New()
	h := newHandlers(store, &fakeDso{})

	_, err := h.SubmitGetHistory(context.Background(), userJID, map[string]string{
		"identifier": "urn:dev:prm:" + usagePoint + "_consumption/power/active/raw",
		"start_time": "2020-06-01T00:00:00", // no offset
		"end_time":   "2020-06-02T00:00:00+02:00",
	})
	assert.ErrorIs(t, err, handler.ErrBadRequest)
}

func TestSubmitGetHistoryRunsOperation(t *testing.T) {
	store := ledgertest.New()
	seedConsent(store)
	dso := &fakeDso{}
	h := newHandlers(store, dso)

	start := time.Now().Add(-time.Hour).Format(time.RFC3339)
	end := time.Now().Format(time.RFC3339)
	_, err := h.SubmitGetHistory(context.Background(), userJID, map[string]string{
		"identifier": "urn:dev:prm:" + usagePoint + "_consumption/power/active/raw",
		"start_time": start,
		"end_time":   end,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, dso.historyCalls)
}

func TestFormsDeclareRequiredIdentifier(t *testing.T) {
	for _, f := range []handler.Form{handler.GetHistoryForm(), handler.SubscribeForm(), handler.UnsubscribeForm()} {
		found := false
		for _, field := range f.Fields {
			if field.Var == "identifier" {
				found = true
				assert.True(t, field.Required)
			}
		}
		assert.True(t, found, "form %q must carry an identifier field", f.Title)
	}
}
