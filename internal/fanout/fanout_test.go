package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/metadata"
	"github.com/consometers/sge-tiers-proxy/internal/streams"
)

type fakeLedger struct {
	mu    sync.Mutex
	subs  []ledger.Subscription
	calls []string
}

func (f *fakeLedger) ListActiveSubscriptions(context.Context) ([]ledger.Subscription, error) {
	return f.subs, nil
}

func (f *fakeLedger) SetNotificationState(_ context.Context, subscriptionID int64, _ *time.Time, status *ledger.SubscriptionStatus, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	verb := "clear"
	if status != nil {
		verb = string(*status)
	}
	f.calls = append(f.calls, verb)
	return nil
}

type fakeDeliverer struct {
	mu      sync.Mutex
	chunks  [][]interface{}
}

func (f *fakeDeliverer) Deliver(_ context.Context, _ ledger.Subscription, _ interface{}, records []interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, records)
	return nil
}

func TestWorkerDeliversOnlyMatchingSubscriptionPrefix(t *testing.T) {
	m := metadata.ConsumptionPowerActiveRaw("09111642617347", metadata.IntervalPT30M)
	name := m.Name("power", "active", "raw")
	pairs := []streams.Pair{
		{Metadata: m, Record: metadata.Record{Name: name, Time: "2020-06-01T00:00:00+02:00", Value: 1, Unit: metadata.UnitW}},
		{Metadata: m, Record: metadata.Record{Name: name, Time: "2020-06-01T00:30:00+02:00", Value: 2, Unit: metadata.UnitW}},
	}

	store := &fakeLedger{subs: []ledger.Subscription{
		{ID: 1, UsagePointID: "09111642617347", SeriesName: "consumption/power/active/raw"},
		{ID: 2, UsagePointID: "09111642617347", SeriesName: "consumption/power/apparent/max"},
	}}
	deliverer := &fakeDeliverer{}
	w := NewWorker(store, deliverer, 500, NewThrottle(1_000_000), zaptest.NewLogger(t))

	require.NoError(t, w.Deliver(context.Background(), pairs))

	require.Len(t, deliverer.chunks, 1)
	assert.Len(t, deliverer.chunks[0], 2)
	assert.Equal(t, []string{"clear", "OK"}, store.calls)
}

func TestWorkerChunksLargeGroups(t *testing.T) {
	m := metadata.ConsumptionPowerActiveRaw("09111642617347", metadata.IntervalPT30M)
	name := m.Name("power", "active", "raw")
	var pairs []streams.Pair
	for i := 0; i < 5; i++ {
		pairs = append(pairs, streams.Pair{Metadata: m, Record: metadata.Record{Name: name, Time: "t", Value: float64(i), Unit: metadata.UnitW}})
	}

	store := &fakeLedger{subs: []ledger.Subscription{{ID: 1, UsagePointID: "09111642617347", SeriesName: "consumption/power/active/raw"}}}
	deliverer := &fakeDeliverer{}
	w := NewWorker(store, deliverer, 2, NewThrottle(1_000_000), zaptest.NewLogger(t))

	require.NoError(t, w.Deliver(context.Background(), pairs))
	require.Len(t, deliverer.chunks, 3)
	assert.Len(t, deliverer.chunks[0], 2)
	assert.Len(t, deliverer.chunks[1], 2)
	assert.Len(t, deliverer.chunks[2], 1)
}

func TestMismatchedMetadataForSameNameIsRejected(t *testing.T) {
	m1 := metadata.ConsumptionPowerActiveRaw("09111642617347", metadata.IntervalPT30M)
	m2 := metadata.ConsumptionPowerActiveRaw("09111642617347", metadata.IntervalPT10M)
	name := m1.Name("power", "active", "raw")
	pairs := []streams.Pair{
		{Metadata: m1, Record: metadata.Record{Name: name, Time: "t1", Value: 1}},
		{Metadata: m2, Record: metadata.Record{Name: name, Time: "t2", Value: 2}},
	}

	store := &fakeLedger{}
	deliverer := &fakeDeliverer{}
	w := NewWorker(store, deliverer, 500, NewThrottle(1_000_000), zaptest.NewLogger(t))
	assert.Error(t, w.Deliver(context.Background(), pairs))
}
