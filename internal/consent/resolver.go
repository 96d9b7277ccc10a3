// Package consent implements the consent resolver: given a user and usage
// point, find the single consent authorizing access at a given instant,
// appending a new scope link to an open consent when that is the only way
// to satisfy the request (spec.md §4.2).
//
// Grounded on original_source/sgeproxy/db.py's Consent.find_for /
// scope-lookup queries for the three-step algorithm, translated into the
// same explicit-error-sentinel idiom apps/privacy-service uses for its own
// domain errors (privacy_service.go).
package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/consometers/sge-tiers-proxy/internal/ledger"
)

// ErrNoConsent means no scope link exists for (user, usage point) at all.
var ErrNoConsent = errors.New("consent: no consent covers this usage point")

// ErrNotYetValid means a scope link exists but begins_at is in the future.
var ErrNotYetValid = errors.New("consent: consent not yet valid")

// ErrExpired means a scope link exists but expires_at is in the past.
var ErrExpired = errors.New("consent: consent has expired")

// store is the capability the resolver needs: plain reads for steps 1-2's
// lookups, plus Beginner so the scope-append in step 2 runs as a single
// transaction rather than two independent statements.
type store interface {
	ledger.Querier
	ledger.Beginner
}

// Resolver resolves the single consent authorizing a (user, usage point)
// pair at a given instant, per spec.md §4.2.
type Resolver struct {
	store store
}

// New builds a Resolver backed by store.
func New(s store) *Resolver {
	return &Resolver{store: s}
}

// Resolve implements the 3-step algorithm. The only mutation it ever
// performs is step 2's scope append onto an existing open consent; it never
// creates or alters a Consent row itself.
func (r *Resolver) Resolve(ctx context.Context, userJID, usagePointID string, at time.Time) (ledger.Consent, error) {
	if err := ledger.CheckTZ(at); err != nil {
		return ledger.Consent{}, fmt.Errorf("consent: resolve: %w", err)
	}

	scoped, err := r.store.ConsentsFor(ctx, userJID, usagePointID)
	if err != nil {
		return ledger.Consent{}, fmt.Errorf("consent: load scoped consents: %w", err)
	}
	if c, ok := firstValidAt(scoped, at); ok {
		return c, nil
	}

	open, err := r.store.OpenConsentsFor(ctx, userJID)
	if err != nil {
		return ledger.Consent{}, fmt.Errorf("consent: load open consents: %w", err)
	}
	if c, ok := firstValidAt(open, at); ok {
		if err := r.appendScope(ctx, c.ID, usagePointID); err != nil {
			return ledger.Consent{}, err
		}
		return c, nil
	}

	return ledger.Consent{}, mostSpecificFailure(scoped, at)
}

// appendScope creates the usage point if absent and links it into
// consentID's scope, in a single transaction — the sole mutation the
// resolver performs (spec.md §4.2 step 2).
func (r *Resolver) appendScope(ctx context.Context, consentID int64, usagePointID string) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("consent: begin scope append: %w", err)
	}

	if _, err := tx.CreateUsagePointIfAbsent(ctx, usagePointID); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("consent: create usage point: %w", err)
	}
	if err := tx.AppendScope(ctx, consentID, usagePointID); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("consent: append scope: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("consent: commit scope append: %w", err)
	}
	return nil
}

// firstValidAt returns the first (lowest-id — both ConsentsFor and
// OpenConsentsFor return rows ordered by id, the deterministic tie-break
// DESIGN.md settles on) consent whose [begins_at, expires_at) window
// contains at.
func firstValidAt(cs []ledger.Consent, at time.Time) (ledger.Consent, bool) {
	for _, c := range cs {
		if !c.BeginsAt.After(at) && at.Before(c.ExpiresAt) {
			return c, true
		}
	}
	return ledger.Consent{}, false
}

// mostSpecificFailure picks NotYetValid or Expired over the generic
// NoConsent when a scope link exists but falls outside its window,
// spec.md §4.2 step 3.
func mostSpecificFailure(scoped []ledger.Consent, at time.Time) error {
	sawFuture, sawPast := false, false
	for _, c := range scoped {
		if at.Before(c.BeginsAt) {
			sawFuture = true
		} else if !at.Before(c.ExpiresAt) {
			sawPast = true
		}
	}
	switch {
	case sawFuture:
		return ErrNotYetValid
	case sawPast:
		return ErrExpired
	default:
		return ErrNoConsent
	}
}
