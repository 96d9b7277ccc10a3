package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Free functions taking an executor (either *pgxpool.Pool or a pgx.Tx),
// shared by Store and txStore so the SQL is written exactly once. The
// pattern mirrors the teacher's sqlc-generated *Queries methods, hand
// written here since this repo has no sqlc codegen step.

func getUser(ctx context.Context, db executor, bareJID string) (User, error) {
	var u User
	err := db.QueryRow(ctx, `SELECT bare_jid FROM users WHERE bare_jid = $1`, bareJID).Scan(&u.BareJID)
	if err != nil {
		return User{}, wrapNotFound(err)
	}
	return u, nil
}

func createUser(ctx context.Context, db executor, bareJID string) (User, error) {
	_, err := db.Exec(ctx,
		`INSERT INTO users (bare_jid) VALUES ($1) ON CONFLICT (bare_jid) DO NOTHING`, bareJID)
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return User{BareJID: bareJID}, nil
}

func getUsagePoint(ctx context.Context, db executor, id string) (UsagePoint, error) {
	var up UsagePoint
	err := db.QueryRow(ctx,
		`SELECT id, segment, service_level FROM usage_points WHERE id = $1`, id,
	).Scan(&up.ID, &up.Segment, &up.ServiceLevel)
	if err != nil {
		return UsagePoint{}, wrapNotFound(err)
	}
	return up, nil
}

func createUsagePointIfAbsent(ctx context.Context, db executor, id string) (UsagePoint, error) {
	_, err := db.Exec(ctx,
		`INSERT INTO usage_points (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return UsagePoint{}, fmt.Errorf("create usage point: %w", err)
	}
	return getUsagePoint(ctx, db, id)
}

func updateUsagePointTechnicalData(ctx context.Context, db executor, id string, segment UsagePointSegment, serviceLevel int) error {
	_, err := db.Exec(ctx,
		`UPDATE usage_points SET segment = $2, service_level = $3 WHERE id = $1`,
		id, segment, serviceLevel)
	if err != nil {
		return fmt.Errorf("update usage point technical data: %w", err)
	}
	return nil
}

// consentsFor implements spec.md §4.2 step 1: every consent whose scope
// already covers (userJID, usagePointID), ordered by id for a deterministic
// tie-break when more than one is open-ended and active (DESIGN.md, Open
// Question decisions).
func consentsFor(ctx context.Context, db executor, userJID, usagePointID string) ([]Consent, error) {
	rows, err := db.Query(ctx, `
		SELECT c.id, c.issuer_name, c.issuer_type, c.is_open, c.begins_at, c.expires_at, c.created_at
		FROM consents c
		JOIN consents_users cu ON cu.consent_id = c.id
		JOIN consents_usage_points cup ON cup.consent_id = c.id
		WHERE cu.user_id = $1 AND cup.usage_point_id = $2
		ORDER BY c.id`, userJID, usagePointID)
	if err != nil {
		return nil, fmt.Errorf("consents for: %w", err)
	}
	defer rows.Close()
	return scanConsents(rows)
}

// openConsentsFor implements spec.md §4.2 step 2: every is_open consent
// linked to userJID regardless of usage-point scope, candidates for the
// scope-append the resolver performs when step 1 finds nothing.
func openConsentsFor(ctx context.Context, db executor, userJID string) ([]Consent, error) {
	rows, err := db.Query(ctx, `
		SELECT c.id, c.issuer_name, c.issuer_type, c.is_open, c.begins_at, c.expires_at, c.created_at
		FROM consents c
		JOIN consents_users cu ON cu.consent_id = c.id
		WHERE cu.user_id = $1 AND c.is_open
		ORDER BY c.id`, userJID)
	if err != nil {
		return nil, fmt.Errorf("open consents for: %w", err)
	}
	defer rows.Close()
	return scanConsents(rows)
}

func scanConsents(rows pgx.Rows) ([]Consent, error) {
	var out []Consent
	for rows.Next() {
		var c Consent
		if err := rows.Scan(&c.ID, &c.IssuerName, &c.IssuerType, &c.IsOpen, &c.BeginsAt, &c.ExpiresAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan consent: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func appendScope(ctx context.Context, db executor, consentID int64, usagePointID string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO consents_usage_points (consent_id, usage_point_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, consentID, usagePointID)
	if err != nil {
		return fmt.Errorf("append consent scope: %w", err)
	}
	return nil
}

func insertCall(ctx context.Context, db executor, call WebservicesCall) (WebservicesCall, error) {
	if err := CheckTZ(call.ConsentBeginsAt); err != nil {
		return WebservicesCall{}, err
	}
	if err := CheckTZ(call.ConsentExpiresAt); err != nil {
		return WebservicesCall{}, err
	}
	calledAt := call.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now()
	}
	err := db.QueryRow(ctx, `
		INSERT INTO webservices_calls
			(webservice, usage_point_id, user_id, consent_id, consent_begins_at, consent_expires_at, called_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, called_at`,
		call.Webservice, call.UsagePointID, call.UserID, call.ConsentID,
		call.ConsentBeginsAt, call.ConsentExpiresAt, calledAt,
	).Scan(&call.ID, &call.CalledAt)
	if err != nil {
		return WebservicesCall{}, fmt.Errorf("insert call: %w", classifyWriteErr(err))
	}
	return call, nil
}

func setCallStatus(ctx context.Context, db executor, callID int64, status WebservicesCallStatus, errMsg string) error {
	_, err := db.Exec(ctx,
		`UPDATE webservices_calls SET status = $2, error = $3 WHERE id = $1`,
		callID, status, nullIfEmpty(errMsg))
	if err != nil {
		return fmt.Errorf("set call status: %w", err)
	}
	return nil
}

func getSubscription(ctx context.Context, db executor, userJID, usagePointID, seriesName string) (Subscription, error) {
	var s Subscription
	err := db.QueryRow(ctx, `
		SELECT id, user_id, usage_point_id, series_name, subscribed_at, notified_at,
		       consent_id, consent_begins_at, consent_expires_at, status, error
		FROM subscriptions
		WHERE user_id = $1 AND usage_point_id = $2 AND series_name = $3`,
		userJID, usagePointID, seriesName,
	).Scan(&s.ID, &s.UserID, &s.UsagePointID, &s.SeriesName, &s.SubscribedAt, &s.NotifiedAt,
		&s.ConsentID, &s.ConsentBeginsAt, &s.ConsentExpiresAt, &s.Status, &s.Error)
	if err != nil {
		return Subscription{}, wrapNotFound(err)
	}
	return s, nil
}

func createSubscription(ctx context.Context, db executor, sub Subscription) (Subscription, error) {
	if err := CheckTZ(sub.ConsentBeginsAt); err != nil {
		return Subscription{}, err
	}
	if err := CheckTZ(sub.ConsentExpiresAt); err != nil {
		return Subscription{}, err
	}
	err := db.QueryRow(ctx, `
		INSERT INTO subscriptions
			(user_id, usage_point_id, series_name, consent_id, consent_begins_at, consent_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, subscribed_at`,
		sub.UserID, sub.UsagePointID, sub.SeriesName,
		sub.ConsentID, sub.ConsentBeginsAt, sub.ConsentExpiresAt,
	).Scan(&sub.ID, &sub.SubscribedAt)
	if err != nil {
		return Subscription{}, fmt.Errorf("create subscription: %w", classifyWriteErr(err))
	}
	return sub, nil
}

func listSubscriptionsFor(ctx context.Context, db executor, userJID, usagePointID string) ([]Subscription, error) {
	rows, err := db.Query(ctx, `
		SELECT id, user_id, usage_point_id, series_name, subscribed_at, notified_at,
		       consent_id, consent_begins_at, consent_expires_at, status, error
		FROM subscriptions
		WHERE user_id = $1 AND usage_point_id = $2
		ORDER BY id`, userJID, usagePointID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func listActiveSubscriptions(ctx context.Context, db executor) ([]Subscription, error) {
	rows, err := db.Query(ctx, `
		SELECT id, user_id, usage_point_id, series_name, subscribed_at, notified_at,
		       consent_id, consent_begins_at, consent_expires_at, status, error
		FROM subscriptions
		WHERE consent_expires_at > now()
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	var out []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.ID, &s.UserID, &s.UsagePointID, &s.SeriesName, &s.SubscribedAt, &s.NotifiedAt,
			&s.ConsentID, &s.ConsentBeginsAt, &s.ConsentExpiresAt, &s.Status, &s.Error); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func deleteSubscription(ctx context.Context, db executor, id int64) error {
	_, err := db.Exec(ctx,
		`DELETE FROM subscriptions_upstream_orders WHERE subscription_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription upstream order links: %w", err)
	}
	tag, err := db.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// setNotificationState implements both halves of the notification-check
// scope (spec.md §4.9): entry clears status with a fresh notifiedAt, exit
// records the terminal status. Callers distinguish by which pointers they pass.
func setNotificationState(ctx context.Context, db executor, subscriptionID int64, notifiedAt *time.Time, status *SubscriptionStatus, errMsg string) error {
	_, err := db.Exec(ctx,
		`UPDATE subscriptions SET notified_at = $2, status = $3, error = $4 WHERE id = $1`,
		subscriptionID, notifiedAt, status, nullIfEmpty(errMsg))
	if err != nil {
		return fmt.Errorf("set notification state: %w", classifyWriteErr(err))
	}
	return nil
}

func findUpstreamOrder(ctx context.Context, db executor, usagePointID string, callType UpstreamOrderType, notExpiredBefore time.Time) (UpstreamOrder, error) {
	var o UpstreamOrder
	err := db.QueryRow(ctx, `
		SELECT id, webservices_call_id, usage_point_id, call_type, call_id, expires_at
		FROM webservices_calls_subscriptions
		WHERE usage_point_id = $1 AND call_type = $2 AND expires_at > $3
		ORDER BY expires_at DESC
		LIMIT 1`, usagePointID, callType, notExpiredBefore,
	).Scan(&o.ID, &o.WebservicesCallID, &o.UsagePointID, &o.CallType, &o.CallID, &o.ExpiresAt)
	if err != nil {
		return UpstreamOrder{}, wrapNotFound(err)
	}
	return o, nil
}

// insertUpstreamOrder enforces, at the application layer, the cross-table
// invariant that a Postgres CHECK cannot express directly: this order's
// expiry must not exceed the consent that authorized the call which
// produced it. Postgres rejects anything a CHECK constraint *can* express
// (see migrations/0001_init.sql); this one spans webservices_calls and
// webservices_calls_subscriptions, so it is verified here before the insert.
func insertUpstreamOrder(ctx context.Context, db executor, order UpstreamOrder) (UpstreamOrder, error) {
	if err := CheckTZ(order.ExpiresAt); err != nil {
		return UpstreamOrder{}, err
	}
	var consentExpiresAt time.Time
	err := db.QueryRow(ctx,
		`SELECT consent_expires_at FROM webservices_calls WHERE id = $1`, order.WebservicesCallID,
	).Scan(&consentExpiresAt)
	if err != nil {
		return UpstreamOrder{}, fmt.Errorf("insert upstream order: load call: %w", wrapNotFound(err))
	}
	if order.ExpiresAt.After(consentExpiresAt) {
		return UpstreamOrder{}, fmt.Errorf("%w: upstream order expiry %s exceeds consent expiry %s",
			ErrConstraintViolation, order.ExpiresAt, consentExpiresAt)
	}

	err = db.QueryRow(ctx, `
		INSERT INTO webservices_calls_subscriptions
			(webservices_call_id, usage_point_id, call_type, call_id, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		order.WebservicesCallID, order.UsagePointID, order.CallType, order.CallID, order.ExpiresAt,
	).Scan(&order.ID)
	if err != nil {
		return UpstreamOrder{}, fmt.Errorf("insert upstream order: %w", classifyWriteErr(err))
	}
	return order, nil
}

func linkSubscriptionOrder(ctx context.Context, db executor, subscriptionID, orderID int64) error {
	_, err := db.Exec(ctx, `
		INSERT INTO subscriptions_upstream_orders (subscription_id, upstream_order_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, subscriptionID, orderID)
	if err != nil {
		return fmt.Errorf("link subscription order: %w", err)
	}
	return nil
}

func upstreamOrdersFor(ctx context.Context, db executor, subscriptionID int64) ([]UpstreamOrder, error) {
	rows, err := db.Query(ctx, `
		SELECT o.id, o.webservices_call_id, o.usage_point_id, o.call_type, o.call_id, o.expires_at
		FROM webservices_calls_subscriptions o
		JOIN subscriptions_upstream_orders link ON link.upstream_order_id = o.id
		WHERE link.subscription_id = $1
		ORDER BY o.id`, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("upstream orders for: %w", err)
	}
	defer rows.Close()
	return scanUpstreamOrders(rows)
}

// unusedUpstreamOrders returns every order no subscription references any
// longer, the GC set spec.md §4.6's "garbage collect upstream orders" sweep
// (internal/coordinator) unsubscribes and removes.
func unusedUpstreamOrders(ctx context.Context, db executor) ([]UpstreamOrder, error) {
	rows, err := db.Query(ctx, `
		SELECT o.id, o.webservices_call_id, o.usage_point_id, o.call_type, o.call_id, o.expires_at
		FROM webservices_calls_subscriptions o
		LEFT JOIN subscriptions_upstream_orders link ON link.upstream_order_id = o.id
		WHERE link.subscription_id IS NULL
		ORDER BY o.id`)
	if err != nil {
		return nil, fmt.Errorf("unused upstream orders: %w", err)
	}
	defer rows.Close()
	return scanUpstreamOrders(rows)
}

func scanUpstreamOrders(rows pgx.Rows) ([]UpstreamOrder, error) {
	var out []UpstreamOrder
	for rows.Next() {
		var o UpstreamOrder
		if err := rows.Scan(&o.ID, &o.WebservicesCallID, &o.UsagePointID, &o.CallType, &o.CallID, &o.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan upstream order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func deleteUpstreamOrder(ctx context.Context, db executor, id int64) error {
	tag, err := db.Exec(ctx, `DELETE FROM webservices_calls_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete upstream order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// classifyWriteErr turns a constraint-violating pgx error into
// ErrConstraintViolation, preserving the underlying error via %w so callers
// can still pgx.PgError-inspect it if they need the exact constraint name.
func classifyWriteErr(err error) error {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "23505", "23503", "23514": // unique_violation, foreign_key_violation, check_violation
			return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
		}
	}
	return err
}
