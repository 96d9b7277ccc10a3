// Package coordinator implements the subscription coordinator: which
// upstream order kinds a client series_name requires, how to reuse or
// place them, which calls have expired, and garbage collection of orders
// no subscription references any longer (spec.md §4.6).
//
// Grounded on original_source/sgeproxy/xmpp_interface.py's
// Subscribe.get_or_call_sge_subscription and do_renew_subscriptions.py's
// expired-calls sweep. The package runs no background loop of its own;
// cmd/renew drives it from a cron job.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/consometers/sge-tiers-proxy/internal/dsoclient"
	"github.com/consometers/sge-tiers-proxy/internal/guardedcall"
	"github.com/consometers/sge-tiers-proxy/internal/ledger"
)

// maxSubscriptionLifetime is the upper bound applied when computing an
// upstream order's expiry — 365 days, per spec.md §4.6.
const maxSubscriptionLifetime = 365 * 24 * time.Hour

// RequiredCallTypes maps a client-facing series_name to the set of
// upstream order kinds that must exist for it to be deliverable, per
// spec.md §4.6's table.
var RequiredCallTypes = map[string][]ledger.UpstreamOrderType{
	"consumption/power/active/raw":    {ledger.ConsumptionCdcEnable, ledger.ConsumptionCdcRaw},
	"consumption/energy/active/index": {ledger.ConsumptionIdx},
	"consumption/power/apparent/max":  {ledger.ConsumptionIdx},
}

// Coordinator wires the ledger and the DSO client together to satisfy
// subscription upstream-order requirements.
type Coordinator struct {
	store    ledger.Querier
	beginner ledger.Beginner
	dso      dsoclient.Client
}

// New builds a Coordinator. store and beginner are typically the same
// concrete *ledger.Store, split here because guardedcall.Do only needs the
// Beginner capability.
func New(store ledger.Querier, beginner ledger.Beginner, dso dsoclient.Client) *Coordinator {
	return &Coordinator{store: store, beginner: beginner, dso: dso}
}

// GetOrCallUpstreamOrder implements spec.md §4.6's
// get_or_call_sge_subscription: reuse an unexpired order for
// (usagePointID, callType) if one exists, otherwise place a new subscribe
// call through the guarded-call wrapper.
func (c *Coordinator) GetOrCallUpstreamOrder(
	ctx context.Context,
	call guardedcall.CallSpec,
	usagePointID string,
	callType ledger.UpstreamOrderType,
	isLinky, issuerIsCompany bool,
	issuerName string,
) (ledger.UpstreamOrder, error) {
	now := time.Now()

	existing, err := c.store.FindUpstreamOrder(ctx, usagePointID, callType, now)
	if err == nil {
		return existing, nil
	}
	if err != ledger.ErrNotFound {
		return ledger.UpstreamOrder{}, fmt.Errorf("coordinator: find upstream order: %w", err)
	}

	expiresAt := call.ConsentExpiresAt
	if maxExpiry := now.Add(maxSubscriptionLifetime); maxExpiry.Before(expiresAt) {
		expiresAt = maxExpiry
	}

	order, err := guardedcall.Do(ctx, c.beginner, call, func(ctx context.Context, callRowID int64) (ledger.UpstreamOrder, error) {
		callID, err := c.dso.Subscribe(ctx, dsoclient.SubscribeRequest{
			UsagePointID:    usagePointID,
			CallType:        callType,
			ExpiresAt:       expiresAt,
			IsLinky:         isLinky,
			IssuerIsCompany: issuerIsCompany,
			IssuerName:      issuerName,
		})
		if err != nil {
			return ledger.UpstreamOrder{}, err
		}

		return c.store.InsertUpstreamOrder(ctx, ledger.UpstreamOrder{
			WebservicesCallID: callRowID,
			UsagePointID:      usagePointID,
			CallType:          callType,
			CallID:            callID,
			ExpiresAt:         expiresAt,
		})
	})
	if err != nil {
		return ledger.UpstreamOrder{}, fmt.Errorf("coordinator: subscribe: %w", err)
	}
	return order, nil
}

// ExpiredCalls returns the subset of series's required call kinds that have
// no linked, still-valid upstream order, per spec.md §4.6.
func (c *Coordinator) ExpiredCalls(ctx context.Context, sub ledger.Subscription) ([]ledger.UpstreamOrderType, error) {
	required, ok := RequiredCallTypes[sub.SeriesName]
	if !ok {
		return nil, fmt.Errorf("coordinator: unknown series name %q", sub.SeriesName)
	}

	linked, err := c.store.UpstreamOrdersFor(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("coordinator: load linked orders: %w", err)
	}

	now := time.Now()
	valid := map[ledger.UpstreamOrderType]bool{}
	for _, o := range linked {
		if o.ExpiresAt.After(now) {
			valid[o.CallType] = true
		}
	}

	var expired []ledger.UpstreamOrderType
	for _, rt := range required {
		if !valid[rt] {
			expired = append(expired, rt)
		}
	}
	return expired, nil
}

// GarbageCollect finds upstream orders no subscription references, and
// deletes each — unsubscribing upstream first on a best-effort basis
// (spec.md §4.6: "unsubscription is optional; deletion is safe only after
// unlinking"). A failed unsubscribe does not block the deletion.
func (c *Coordinator) GarbageCollect(ctx context.Context) (deleted int, err error) {
	unused, err := c.store.UnusedUpstreamOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("coordinator: list unused upstream orders: %w", err)
	}

	for _, o := range unused {
		_ = c.dso.Unsubscribe(ctx, o.UsagePointID, o.CallID)
		if err := c.store.DeleteUpstreamOrder(ctx, o.ID); err != nil {
			return deleted, fmt.Errorf("coordinator: delete upstream order %d: %w", o.ID, err)
		}
		deleted++
	}
	return deleted, nil
}
