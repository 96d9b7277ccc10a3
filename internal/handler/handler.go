// Package handler implements the three client-facing operations —
// get-history, subscribe, unsubscribe — each pipelining identifier parsing,
// user/consent resolution, and a guarded DSO call (spec.md §4.5).
//
// Grounded on original_source/sgeproxy/xmpp_interface.py's GetHistory/
// Subscribe/Unsubscribe classes (identical control flow: parse_identifier
// → user.consent_for → CheckedWebserviceCall → DSO operation), adapted to
// a transport-agnostic core so the messaging front-end (explicitly out of
// scope, spec.md §1) can drive it through a small result type rather than
// this package depending on any particular wire protocol. The echo-handler
// error-to-status convention from
// apps/privacy-service/internal/handler/breaches_handler.go informs the
// admin HTTP surface built on top of this package in cmd/proxy.
package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/consometers/sge-tiers-proxy/internal/consent"
	"github.com/consometers/sge-tiers-proxy/internal/coordinator"
	"github.com/consometers/sge-tiers-proxy/internal/dsoclient"
	"github.com/consometers/sge-tiers-proxy/internal/guardedcall"
	"github.com/consometers/sge-tiers-proxy/internal/ledger"
)

// ErrNotAuthorized covers both a failed consent resolution and a rejected
// guarded-call intent — the two permission/integrity failure modes
// spec.md §4.5 groups under one name.
var ErrNotAuthorized = errors.New("handler: not authorized")

// supportedSubscribeSeries is the allow-list from spec.md §4.5.
var supportedSubscribeSeries = map[string]bool{
	"consumption/energy/active/index": true,
	"consumption/power/apparent/max":  true,
	"consumption/power/active/raw":    true,
}

// sgt570 is the DSO code for "subscription already active", absorbed
// silently rather than surfaced as an error (spec.md §4.5).
const sgt570 = "SGT570"

// Handlers implements the three client-facing operations.
type Handlers struct {
	store    ledger.Querier
	beginner ledger.Beginner
	resolver *consent.Resolver
	coord    *coordinator.Coordinator
	dso      dsoclient.Client
}

// New builds a Handlers.
func New(store ledger.Querier, beginner ledger.Beginner, resolver *consent.Resolver, coord *coordinator.Coordinator, dso dsoclient.Client) *Handlers {
	return &Handlers{store: store, beginner: beginner, resolver: resolver, coord: coord, dso: dso}
}

func (h *Handlers) ensureUser(ctx context.Context, userJID string) (ledger.User, error) {
	u, err := h.store.GetUser(ctx, userJID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.User{}, err
	}
	return h.store.CreateUser(ctx, userJID)
}

// GetHistory implements spec.md §4.5's get-history operation.
func (h *Handlers) GetHistory(ctx context.Context, userJID, identifier string, start, end time.Time) (dsoclient.Data, error) {
	usagePointID, seriesName, err := ParseIdentifier(identifier)
	if err != nil {
		return dsoclient.Data{}, err
	}
	if seriesName == "" {
		return dsoclient.Data{}, fmt.Errorf("%w: get-history requires a series path", ErrBadRequest)
	}
	if err := ledger.CheckTZ(start); err != nil {
		return dsoclient.Data{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := ledger.CheckTZ(end); err != nil {
		return dsoclient.Data{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	if _, err := h.ensureUser(ctx, userJID); err != nil {
		return dsoclient.Data{}, err
	}

	c, err := h.resolver.Resolve(ctx, userJID, usagePointID, time.Now())
	if err != nil {
		return dsoclient.Data{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	spec := guardedcall.CallSpec{
		Webservice: ledger.WebserviceHistory, UsagePointID: usagePointID, UserID: userJID,
		ConsentID: c.ID, ConsentBeginsAt: c.BeginsAt, ConsentExpiresAt: c.ExpiresAt,
	}
	data, err := guardedcall.Do(ctx, h.beginner, spec, func(ctx context.Context, callID int64) (dsoclient.Data, error) {
		return h.dso.History(ctx, seriesName, usagePointID, start, end)
	})
	if err != nil {
		if errors.Is(err, guardedcall.ErrNotAuthorized) {
			return dsoclient.Data{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
		}
		return dsoclient.Data{}, err
	}
	return data, nil
}

// Subscribe implements spec.md §4.5's subscribe operation.
func (h *Handlers) Subscribe(ctx context.Context, userJID, identifier string) (ledger.Subscription, error) {
	usagePointID, seriesName, err := ParseIdentifier(identifier)
	if err != nil {
		return ledger.Subscription{}, err
	}
	if !supportedSubscribeSeries[seriesName] {
		return ledger.Subscription{}, fmt.Errorf("%w: unsupported series %q", ErrBadRequest, seriesName)
	}

	if _, err := h.ensureUser(ctx, userJID); err != nil {
		return ledger.Subscription{}, err
	}

	c, err := h.resolver.Resolve(ctx, userJID, usagePointID, time.Now())
	if err != nil {
		return ledger.Subscription{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	// Created on demand (spec.md §3) — the scoped-consent resolve path never
	// touches the usage_points table itself.
	up, err := h.store.CreateUsagePointIfAbsent(ctx, usagePointID)
	if err != nil {
		return ledger.Subscription{}, err
	}
	if up.Segment == nil {
		if err := h.fetchTechnicalData(ctx, c, userJID, usagePointID); err != nil {
			if errors.Is(err, guardedcall.ErrNotAuthorized) {
				return ledger.Subscription{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
			}
			return ledger.Subscription{}, err
		}
		up, err = h.store.GetUsagePoint(ctx, usagePointID)
		if err != nil {
			return ledger.Subscription{}, err
		}
	}

	sub, err := h.store.CreateSubscription(ctx, ledger.Subscription{
		UserID: userJID, UsagePointID: usagePointID, SeriesName: seriesName,
		ConsentID: c.ID, ConsentBeginsAt: c.BeginsAt, ConsentExpiresAt: c.ExpiresAt,
	})
	if err != nil && !errors.Is(err, ledger.ErrConstraintViolation) {
		return ledger.Subscription{}, err
	}
	if err != nil {
		// Idempotent on uniqueness (spec.md §4.5): a repeat subscribe for the
		// same (user, usage point, series) reuses the existing row.
		sub, err = h.store.GetSubscription(ctx, userJID, usagePointID, seriesName)
		if err != nil {
			return ledger.Subscription{}, err
		}
	}

	isLinky := up.Segment != nil && up.Segment.IsLinky()
	spec := guardedcall.CallSpec{
		UsagePointID: usagePointID, UserID: userJID,
		ConsentID: c.ID, ConsentBeginsAt: c.BeginsAt, ConsentExpiresAt: c.ExpiresAt,
	}
	for _, callType := range coordinator.RequiredCallTypes[seriesName] {
		spec.Webservice = ledger.WebserviceSubscribe
		order, err := h.coord.GetOrCallUpstreamOrder(ctx, spec, usagePointID, callType, isLinky, c.IssuerType == ledger.IssuerCompany, c.IssuerName)
		if err != nil {
			if dsoclient.IsCode(err, sgt570) {
				continue
			}
			if errors.Is(err, guardedcall.ErrNotAuthorized) {
				return ledger.Subscription{}, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
			}
			return ledger.Subscription{}, err
		}
		if err := h.store.LinkSubscriptionOrder(ctx, sub.ID, order.ID); err != nil {
			return ledger.Subscription{}, err
		}
	}

	return sub, nil
}

func (h *Handlers) fetchTechnicalData(ctx context.Context, c ledger.Consent, userJID, usagePointID string) error {
	spec := guardedcall.CallSpec{
		Webservice: ledger.WebserviceTechnicalData, UsagePointID: usagePointID, UserID: userJID,
		ConsentID: c.ID, ConsentBeginsAt: c.BeginsAt, ConsentExpiresAt: c.ExpiresAt,
	}
	_, err := guardedcall.Do(ctx, h.beginner, spec, func(ctx context.Context, callID int64) (struct{}, error) {
		td, err := h.dso.TechnicalData(ctx, usagePointID)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, h.store.UpdateUsagePointTechnicalData(ctx, usagePointID, td.Segment, td.ServiceLevel)
	})
	return err
}

// Unsubscribe implements spec.md §4.5's unsubscribe operation: deletes
// every matching Subscription of userJID for usagePointID (all series if
// the identifier carries no series path), unlinking upstream orders —
// which become GC-eligible in internal/coordinator.
func (h *Handlers) Unsubscribe(ctx context.Context, userJID, identifier string) error {
	usagePointID, seriesName, err := ParseIdentifier(identifier)
	if err != nil {
		return err
	}

	subs, err := h.store.ListSubscriptionsFor(ctx, userJID, usagePointID)
	if err != nil {
		return err
	}

	for _, s := range subs {
		if seriesName != "" && s.SeriesName != seriesName {
			continue
		}
		if err := h.store.DeleteSubscription(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}
