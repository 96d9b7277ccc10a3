package dsoclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/consometers/sge-tiers-proxy/internal/dsoclient"
	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/metadata"
)

func TestSubscribeMapsFaultToError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<commandeCollectePublicationMesuresResponse>
			<fault><code>SGT570</code><message>already active</message></fault>
		</commandeCollectePublicationMesuresResponse>`))
	}))
	defer server.Close()

	loc, err := time.LoadLocation("Europe/Paris")
	require.NoError(t, err)
	client := dsoclient.New(server.URL, "login", "contract", loc)

	_, err = client.Subscribe(context.Background(), dsoclient.SubscribeRequest{
		UsagePointID: "12345678901234",
		CallType:     ledger.ConsumptionIdx,
		ExpiresAt:    time.Now().Add(24 * time.Hour),
	})
	require.Error(t, err)
	assert.True(t, dsoclient.IsCode(err, "SGT570"))
}

func TestSubscribeReturnsCallID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<commandeCollectePublicationMesuresResponse><idAffaire>42</idAffaire></commandeCollectePublicationMesuresResponse>`))
	}))
	defer server.Close()

	loc, _ := time.LoadLocation("Europe/Paris")
	client := dsoclient.New(server.URL, "login", "contract", loc)

	callID, err := client.Subscribe(context.Background(), dsoclient.SubscribeRequest{
		UsagePointID: "12345678901234",
		CallType:     ledger.ConsumptionCdcRaw,
		ExpiresAt:    time.Now().Add(24 * time.Hour),
		IsLinky:      true,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, callID)
}

func TestHistoryPopulatesRecordNamesAndMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(`<consultationMesuresResponse>
			<grandeurMetier>
				<unite>W</unite>
				<point><date>2020-06-01T00:00:00+02:00</date><valeur>100</valeur></point>
				<point><date>2020-06-01T00:30:00+02:00</date><valeur>110</valeur></point>
			</grandeurMetier>
		</consultationMesuresResponse>`))
	}))
	defer server.Close()

	loc, _ := time.LoadLocation("Europe/Paris")
	client := dsoclient.New(server.URL, "login", "contract", loc)

	usagePointID := "09111642617347"
	seriesName := "consumption/power/active/raw"
	data, err := client.History(context.Background(), seriesName, usagePointID,
		time.Now().Add(-48*time.Hour), time.Now())
	require.NoError(t, err)
	require.Len(t, data.Records, 2)

	wantPrefix := "urn:dev:prm:" + usagePointID + "_" + seriesName
	for _, rec := range data.Records {
		assert.Equal(t, wantPrefix, rec.Name)
	}
	assert.Equal(t, usagePointID, data.Metadata.Device.Identifier.Value)
	assert.Equal(t, metadata.DirectionConsumption, data.Metadata.Measurement.Direction)
	assert.Equal(t, metadata.QuantityPower, data.Metadata.Measurement.Quantity)
}

func TestHistoryNonOKStatusBecomesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	loc, _ := time.LoadLocation("Europe/Paris")
	client := dsoclient.New(server.URL, "login", "contract", loc)

	_, err := client.History(context.Background(), "consumption/power/active/raw", "12345678901234",
		time.Now().Add(-48*time.Hour), time.Now())
	require.Error(t, err)
	assert.True(t, dsoclient.IsCode(err, "HTTP_500"))
}
