// Package fanout is the delivery fan-out (spec.md §4.9, component I): it
// groups parsed records by identifier and metadata, matches them against
// active subscriptions, chunks and throttles the emission rate, and delivers
// each chunk inside a notification-check scope.
//
// Grounded on apps/notification-service/internal/dispatcher/webhook.go for
// the deliver-then-record-status shape, and on
// original_source/sgeproxy/publisher.py's RecordsByName/Throttle for the
// grouping and rate-limiting structures themselves.
package fanout

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/streams"
)

// Deliverer sends one chunk of records for a subscription to its
// subscriber. The messaging transport (out of scope, spec.md §6.1) provides
// the concrete implementation; this package is transport-agnostic.
type Deliverer interface {
	Deliver(ctx context.Context, sub ledger.Subscription, meta interface{}, records []interface{}) error
}

// group holds every record sharing one identifier name, together with the
// single Metadata they all share (spec.md §4.9: "all records sharing a name MUST share metadata").
type group struct {
	metadata streams.Pair // carries the representative Metadata; Record is unused here
	records  []recordValue
}

type recordValue struct {
	time  string
	value float64
	unit  string
}

// byName is the two-level map `name -> metadata -> list[record]` from
// spec.md §4.9, keyed first by name since a name determines its metadata.
type byName map[string]*group

// newByName builds the grouping from a flat slice of parsed pairs, asserting
// that every pair sharing a name carries identical metadata.
func newByName(pairs []streams.Pair) (byName, error) {
	m := byName{}
	for _, p := range pairs {
		g, ok := m[p.Record.Name]
		if !ok {
			m[p.Record.Name] = &group{metadata: p, records: []recordValue{{p.Record.Time, p.Record.Value, string(p.Record.Unit)}}}
			continue
		}
		if g.metadata.Metadata != p.Metadata {
			return nil, fmt.Errorf("fanout: records named %q carry mismatched metadata", p.Record.Name)
		}
		g.records = append(g.records, recordValue{p.Record.Time, p.Record.Value, string(p.Record.Unit)})
	}
	return m, nil
}

// Throttle is a token-bucket-style rate limiter capping the aggregate record
// emission rate (spec.md §4.9, "e.g., 100 records/s, configurable"). Ported
// from publisher.py's monotonic-clock Throttle.
type Throttle struct {
	ratePerSecond float64
	bucket        float64
	capacity      float64
	last          time.Time
	sleep         func(time.Duration)
	now           func() time.Time
}

// NewThrottle builds a Throttle allowing ratePerSecond records/s on average,
// bursting up to one second's worth.
func NewThrottle(ratePerSecond float64) *Throttle {
	if ratePerSecond <= 0 {
		ratePerSecond = 100
	}
	return &Throttle{
		ratePerSecond: ratePerSecond,
		bucket:        ratePerSecond,
		capacity:      ratePerSecond,
		last:          time.Now(),
		sleep:         time.Sleep,
		now:           time.Now,
	}
}

// Take blocks, if needed, until n more records may be emitted.
func (t *Throttle) Take(n int) {
	now := t.now()
	elapsed := now.Sub(t.last).Seconds()
	t.last = now
	t.bucket += elapsed * t.ratePerSecond
	if t.bucket > t.capacity {
		t.bucket = t.capacity
	}

	t.bucket -= float64(n)
	if t.bucket < 0 {
		wait := time.Duration(-t.bucket / t.ratePerSecond * float64(time.Second))
		t.sleep(wait)
		t.bucket = 0
	}
}

// Ledger is the narrow subset of ledger.Querier the fan-out worker needs.
type Ledger interface {
	ListActiveSubscriptions(ctx context.Context) ([]ledger.Subscription, error)
	SetNotificationState(ctx context.Context, subscriptionID int64, notifiedAt *time.Time, status *ledger.SubscriptionStatus, errMsg string) error
}

// Worker runs one fan-out pass over a batch of parsed pairs.
type Worker struct {
	store     Ledger
	deliverer Deliverer
	chunkSize int
	throttle  *Throttle
	logger    *zap.Logger
	now       func() time.Time
}

// NewWorker constructs a Worker. chunkSize defaults to 500 records per
// delivery chunk if zero or negative.
func NewWorker(store Ledger, deliverer Deliverer, chunkSize int, throttle *Throttle, logger *zap.Logger) *Worker {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	if throttle == nil {
		throttle = NewThrottle(100)
	}
	return &Worker{store: store, deliverer: deliverer, chunkSize: chunkSize, throttle: throttle, logger: logger, now: time.Now}
}

// Deliver runs the §4.9 algorithm over pairs: group by name, match every
// active subscription by identifier prefix, chunk, throttle, and deliver
// inside a notification-check scope.
func (w *Worker) Deliver(ctx context.Context, pairs []streams.Pair) error {
	grouped, err := newByName(pairs)
	if err != nil {
		return err
	}

	subs, err := w.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("fanout: list active subscriptions: %w", err)
	}

	for _, sub := range subs {
		if err := w.deliverSubscription(ctx, sub, grouped); err != nil {
			w.logger.Error("delivery failed",
				zap.Int64("subscription_id", sub.ID), zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) deliverSubscription(ctx context.Context, sub ledger.Subscription, grouped byName) error {
	prefix := "urn:dev:prm:" + sub.UsagePointID + "_" + sub.SeriesName

	var names []string
	for name := range grouped {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names) // deterministic iteration; parser emission order within a name is preserved below

	for _, name := range names {
		g := grouped[name]
		for chunkStart := 0; chunkStart < len(g.records); chunkStart += w.chunkSize {
			end := chunkStart + w.chunkSize
			if end > len(g.records) {
				end = len(g.records)
			}
			chunk := g.records[chunkStart:end]

			w.throttle.Take(len(chunk))

			if err := w.deliverChunk(ctx, sub, g, chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

// deliverChunk implements the notification-check scope from spec.md §4.9:
// clear status and bump notified_at before sending (the store re-validates
// the consent window), then set the terminal status on exit.
func (w *Worker) deliverChunk(ctx context.Context, sub ledger.Subscription, g *group, chunk []recordValue) error {
	notifiedAt := w.now()
	if err := w.store.SetNotificationState(ctx, sub.ID, &notifiedAt, nil, ""); err != nil {
		return fmt.Errorf("fanout: clear notification state: %w", err)
	}

	records := make([]interface{}, len(chunk))
	for i, r := range chunk {
		records[i] = r
	}

	deliverErr := w.deliverer.Deliver(ctx, sub, g.metadata.Metadata, records)

	status := ledger.SubStatusOK
	errMsg := ""
	if deliverErr != nil {
		status = ledger.SubStatusFailed
		errMsg = deliverErr.Error()
	}
	if err := w.store.SetNotificationState(ctx, sub.ID, &notifiedAt, &status, errMsg); err != nil {
		return fmt.Errorf("fanout: set terminal notification state: %w", err)
	}
	return deliverErr
}
