// Package guardedcall wraps every DSO call in the two-commit scope spec.md
// §4.3 requires: record intent, run the call, record the outcome. Grounded
// on original_source/sgeproxy/db.py's SubscriptionNotificationContext
// __enter__/__exit__ shape, translated into explicit begin/commit pairs in
// the style of apps/privacy-service/internal/repository's
// `tx, _ := pool.Begin(ctx); defer tx.Rollback(ctx); ...; tx.Commit(ctx)`.
package guardedcall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/consometers/sge-tiers-proxy/internal/ledger"
)

var tracer = otel.Tracer("github.com/consometers/sge-tiers-proxy/internal/guardedcall")

// ErrNotAuthorized is returned when the intent-recording insert itself
// violates a §4.1 invariant — the embedded operation never runs.
var ErrNotAuthorized = errors.New("guardedcall: call not authorized")

// CallSpec describes the WebservicesCall row to record before the embedded
// operation runs.
type CallSpec struct {
	Webservice       ledger.Webservice
	UsagePointID     string
	UserID           string
	ConsentID        int64
	ConsentBeginsAt  time.Time
	ConsentExpiresAt time.Time
}

// Do records spec as a WebservicesCall, runs fn (given the id of that row,
// in case fn needs to link further records to it — see
// internal/coordinator.GetOrCallUpstreamOrder), and records fn's outcome,
// returning fn's result and error unchanged (beyond wrapping a failed
// intent-insert in ErrNotAuthorized). fn never runs if the intent insert
// is rejected.
func Do[T any](ctx context.Context, store ledger.Beginner, spec CallSpec, fn func(ctx context.Context, callID int64) (T, error)) (T, error) {
	var zero T

	ctx, span := tracer.Start(ctx, "dso."+string(spec.Webservice), trace.WithAttributes(
		attribute.String("webservice", string(spec.Webservice)),
		attribute.String("usage_point_id", spec.UsagePointID),
	))
	defer span.End()

	call, err := recordIntent(ctx, store, spec)
	if err != nil {
		span.SetStatus(codes.Error, "not authorized")
		return zero, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}

	result, callErr := fn(ctx, call.ID)
	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, "call failed")
	}

	if err := recordOutcome(ctx, store, call.ID, callErr); err != nil {
		if callErr != nil {
			return zero, fmt.Errorf("%w (while recording original error %v)", err, callErr)
		}
		return zero, err
	}

	return result, callErr
}

func recordIntent(ctx context.Context, store ledger.Beginner, spec CallSpec) (ledger.WebservicesCall, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return ledger.WebservicesCall{}, fmt.Errorf("begin: %w", err)
	}

	call, err := tx.InsertCall(ctx, ledger.WebservicesCall{
		Webservice:       spec.Webservice,
		UsagePointID:     spec.UsagePointID,
		UserID:           spec.UserID,
		ConsentID:        spec.ConsentID,
		ConsentBeginsAt:  spec.ConsentBeginsAt,
		ConsentExpiresAt: spec.ConsentExpiresAt,
		CalledAt:         time.Now(),
	})
	if err != nil {
		_ = tx.Rollback(ctx)
		return ledger.WebservicesCall{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ledger.WebservicesCall{}, fmt.Errorf("commit intent: %w", err)
	}
	return call, nil
}

func recordOutcome(ctx context.Context, store ledger.Beginner, callID int64, callErr error) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	status := ledger.CallStatusOK
	errMsg := ""
	if callErr != nil {
		status = ledger.CallStatusFailed
		errMsg = callErr.Error()
	}

	if err := tx.SetCallStatus(ctx, callID, status, errMsg); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("set call status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	return nil
}
