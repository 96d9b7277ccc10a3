package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the narrow repository surface every component in this repo
// depends on — never a *pgxpool.Pool directly — so that tests can supply a
// hand-written fake (internal/ledger/ledgertest, used by the tests in
// internal/consent, internal/guardedcall, internal/coordinator, internal/handler).
//
// Shaped after apps/privacy-service/internal/repository/db.Querier in the
// teacher repo: every method takes a context and an explicit DB executor
// capability (Pool or Tx), generated call sites never hide a transaction.
type Querier interface {
	GetUser(ctx context.Context, bareJID string) (User, error)
	CreateUser(ctx context.Context, bareJID string) (User, error)

	GetUsagePoint(ctx context.Context, id string) (UsagePoint, error)
	CreateUsagePointIfAbsent(ctx context.Context, id string) (UsagePoint, error)
	UpdateUsagePointTechnicalData(ctx context.Context, id string, segment UsagePointSegment, serviceLevel int) error

	// ConsentsFor returns every consent linked to both user and usagePoint,
	// ordered by consent id (the implementation-defined but deterministic
	// tie-break from spec.md §4.2).
	ConsentsFor(ctx context.Context, userJID, usagePointID string) ([]Consent, error)
	// OpenConsentsFor returns every is_open consent linked to user, regardless
	// of usage-point scope, ordered by consent id.
	OpenConsentsFor(ctx context.Context, userJID string) ([]Consent, error)
	// AppendScope inserts a new ConsentUsagePoint link — the sole mutation
	// the consent resolver is allowed to perform (spec.md §4.2 step 2).
	AppendScope(ctx context.Context, consentID int64, usagePointID string) error

	// InsertCall inserts a WebservicesCall with Status == nil. The database
	// constraints from migrations/0001_init.sql reject it immediately if it
	// violates any spec.md §4.1 invariant.
	InsertCall(ctx context.Context, call WebservicesCall) (WebservicesCall, error)
	// SetCallStatus sets the terminal status (and optional error) of a call row.
	SetCallStatus(ctx context.Context, callID int64, status WebservicesCallStatus, errMsg string) error

	GetSubscription(ctx context.Context, userJID, usagePointID, seriesName string) (Subscription, error)
	CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error)
	ListSubscriptionsFor(ctx context.Context, userJID, usagePointID string) ([]Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
	// SetNotificationState implements the two-phase notification-check
	// scope from spec.md §4.9: clearing status to nil and bumping
	// notified_at (phase 1, called on scope entry) or setting the terminal
	// status (phase 2, called on scope exit) both funnel through this.
	SetNotificationState(ctx context.Context, subscriptionID int64, notifiedAt *time.Time, status *SubscriptionStatus, errMsg string) error
	ListActiveSubscriptions(ctx context.Context) ([]Subscription, error)

	FindUpstreamOrder(ctx context.Context, usagePointID string, callType UpstreamOrderType, notExpiredBefore time.Time) (UpstreamOrder, error)
	InsertUpstreamOrder(ctx context.Context, order UpstreamOrder) (UpstreamOrder, error)
	LinkSubscriptionOrder(ctx context.Context, subscriptionID, orderID int64) error
	UpstreamOrdersFor(ctx context.Context, subscriptionID int64) ([]UpstreamOrder, error)
	UnusedUpstreamOrders(ctx context.Context) ([]UpstreamOrder, error)
	DeleteUpstreamOrder(ctx context.Context, id int64) error
}

// TxQuerier is a Querier bound to an in-flight transaction, plus the commit
// discipline the guarded-call wrapper and notification-check scope rely on.
// Mirrors privacy_service.go's `tx, _ := pool.Begin(ctx); qtx := db.New(tx)`.
type TxQuerier interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts a transaction and hands back a Querier bound to it.
// internal/guardedcall depends on this rather than *Store directly so tests
// can substitute internal/ledger/ledgertest.Fake.
type Beginner interface {
	Begin(ctx context.Context) (TxQuerier, error)
}

// Store is the pgx-backed Querier implementation plus transaction entry
// points. It is the sole authoritative implementation; tests use a
// hand-written fake implementing the same interface.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a ready pgxpool.Pool (callers configure tracing, TLS, etc.
// the same way cmd/proxy/main.go configures otelpgx on the pool).
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Begin starts a transaction and returns a Querier bound to it.
func (s *Store) Begin(ctx context.Context) (TxQuerier, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &txStore{tx: tx}, nil
}

func (s *Store) GetUser(ctx context.Context, bareJID string) (User, error) {
	return getUser(ctx, s.pool, bareJID)
}
func (s *Store) CreateUser(ctx context.Context, bareJID string) (User, error) {
	return createUser(ctx, s.pool, bareJID)
}
func (s *Store) GetUsagePoint(ctx context.Context, id string) (UsagePoint, error) {
	return getUsagePoint(ctx, s.pool, id)
}
func (s *Store) CreateUsagePointIfAbsent(ctx context.Context, id string) (UsagePoint, error) {
	return createUsagePointIfAbsent(ctx, s.pool, id)
}
func (s *Store) UpdateUsagePointTechnicalData(ctx context.Context, id string, segment UsagePointSegment, serviceLevel int) error {
	return updateUsagePointTechnicalData(ctx, s.pool, id, segment, serviceLevel)
}
func (s *Store) ConsentsFor(ctx context.Context, userJID, usagePointID string) ([]Consent, error) {
	return consentsFor(ctx, s.pool, userJID, usagePointID)
}
func (s *Store) OpenConsentsFor(ctx context.Context, userJID string) ([]Consent, error) {
	return openConsentsFor(ctx, s.pool, userJID)
}
func (s *Store) AppendScope(ctx context.Context, consentID int64, usagePointID string) error {
	return appendScope(ctx, s.pool, consentID, usagePointID)
}
func (s *Store) InsertCall(ctx context.Context, call WebservicesCall) (WebservicesCall, error) {
	return insertCall(ctx, s.pool, call)
}
func (s *Store) SetCallStatus(ctx context.Context, callID int64, status WebservicesCallStatus, errMsg string) error {
	return setCallStatus(ctx, s.pool, callID, status, errMsg)
}
func (s *Store) GetSubscription(ctx context.Context, userJID, usagePointID, seriesName string) (Subscription, error) {
	return getSubscription(ctx, s.pool, userJID, usagePointID, seriesName)
}
func (s *Store) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	return createSubscription(ctx, s.pool, sub)
}
func (s *Store) ListSubscriptionsFor(ctx context.Context, userJID, usagePointID string) ([]Subscription, error) {
	return listSubscriptionsFor(ctx, s.pool, userJID, usagePointID)
}
func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	return deleteSubscription(ctx, s.pool, id)
}
func (s *Store) SetNotificationState(ctx context.Context, subscriptionID int64, notifiedAt *time.Time, status *SubscriptionStatus, errMsg string) error {
	return setNotificationState(ctx, s.pool, subscriptionID, notifiedAt, status, errMsg)
}
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	return listActiveSubscriptions(ctx, s.pool)
}
func (s *Store) FindUpstreamOrder(ctx context.Context, usagePointID string, callType UpstreamOrderType, notExpiredBefore time.Time) (UpstreamOrder, error) {
	return findUpstreamOrder(ctx, s.pool, usagePointID, callType, notExpiredBefore)
}
func (s *Store) InsertUpstreamOrder(ctx context.Context, order UpstreamOrder) (UpstreamOrder, error) {
	return insertUpstreamOrder(ctx, s.pool, order)
}
func (s *Store) LinkSubscriptionOrder(ctx context.Context, subscriptionID, orderID int64) error {
	return linkSubscriptionOrder(ctx, s.pool, subscriptionID, orderID)
}
func (s *Store) UpstreamOrdersFor(ctx context.Context, subscriptionID int64) ([]UpstreamOrder, error) {
	return upstreamOrdersFor(ctx, s.pool, subscriptionID)
}
func (s *Store) UnusedUpstreamOrders(ctx context.Context) ([]UpstreamOrder, error) {
	return unusedUpstreamOrders(ctx, s.pool)
}
func (s *Store) DeleteUpstreamOrder(ctx context.Context, id int64) error {
	return deleteUpstreamOrder(ctx, s.pool, id)
}

// txStore is the same set of methods bound to a live transaction.
type txStore struct {
	tx pgx.Tx
}

func (s *txStore) Commit(ctx context.Context) error   { return s.tx.Commit(ctx) }
func (s *txStore) Rollback(ctx context.Context) error { return s.tx.Rollback(ctx) }

func (s *txStore) GetUser(ctx context.Context, bareJID string) (User, error) {
	return getUser(ctx, s.tx, bareJID)
}
func (s *txStore) CreateUser(ctx context.Context, bareJID string) (User, error) {
	return createUser(ctx, s.tx, bareJID)
}
func (s *txStore) GetUsagePoint(ctx context.Context, id string) (UsagePoint, error) {
	return getUsagePoint(ctx, s.tx, id)
}
func (s *txStore) CreateUsagePointIfAbsent(ctx context.Context, id string) (UsagePoint, error) {
	return createUsagePointIfAbsent(ctx, s.tx, id)
}
func (s *txStore) UpdateUsagePointTechnicalData(ctx context.Context, id string, segment UsagePointSegment, serviceLevel int) error {
	return updateUsagePointTechnicalData(ctx, s.tx, id, segment, serviceLevel)
}
func (s *txStore) ConsentsFor(ctx context.Context, userJID, usagePointID string) ([]Consent, error) {
	return consentsFor(ctx, s.tx, userJID, usagePointID)
}
func (s *txStore) OpenConsentsFor(ctx context.Context, userJID string) ([]Consent, error) {
	return openConsentsFor(ctx, s.tx, userJID)
}
func (s *txStore) AppendScope(ctx context.Context, consentID int64, usagePointID string) error {
	return appendScope(ctx, s.tx, consentID, usagePointID)
}
func (s *txStore) InsertCall(ctx context.Context, call WebservicesCall) (WebservicesCall, error) {
	return insertCall(ctx, s.tx, call)
}
func (s *txStore) SetCallStatus(ctx context.Context, callID int64, status WebservicesCallStatus, errMsg string) error {
	return setCallStatus(ctx, s.tx, callID, status, errMsg)
}
func (s *txStore) GetSubscription(ctx context.Context, userJID, usagePointID, seriesName string) (Subscription, error) {
	return getSubscription(ctx, s.tx, userJID, usagePointID, seriesName)
}
func (s *txStore) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	return createSubscription(ctx, s.tx, sub)
}
func (s *txStore) ListSubscriptionsFor(ctx context.Context, userJID, usagePointID string) ([]Subscription, error) {
	return listSubscriptionsFor(ctx, s.tx, userJID, usagePointID)
}
func (s *txStore) DeleteSubscription(ctx context.Context, id int64) error {
	return deleteSubscription(ctx, s.tx, id)
}
func (s *txStore) SetNotificationState(ctx context.Context, subscriptionID int64, notifiedAt *time.Time, status *SubscriptionStatus, errMsg string) error {
	return setNotificationState(ctx, s.tx, subscriptionID, notifiedAt, status, errMsg)
}
func (s *txStore) ListActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	return listActiveSubscriptions(ctx, s.tx)
}
func (s *txStore) FindUpstreamOrder(ctx context.Context, usagePointID string, callType UpstreamOrderType, notExpiredBefore time.Time) (UpstreamOrder, error) {
	return findUpstreamOrder(ctx, s.tx, usagePointID, callType, notExpiredBefore)
}
func (s *txStore) InsertUpstreamOrder(ctx context.Context, order UpstreamOrder) (UpstreamOrder, error) {
	return insertUpstreamOrder(ctx, s.tx, order)
}
func (s *txStore) LinkSubscriptionOrder(ctx context.Context, subscriptionID, orderID int64) error {
	return linkSubscriptionOrder(ctx, s.tx, subscriptionID, orderID)
}
func (s *txStore) UpstreamOrdersFor(ctx context.Context, subscriptionID int64) ([]UpstreamOrder, error) {
	return upstreamOrdersFor(ctx, s.tx, subscriptionID)
}
func (s *txStore) UnusedUpstreamOrders(ctx context.Context) ([]UpstreamOrder, error) {
	return unusedUpstreamOrders(ctx, s.tx)
}
func (s *txStore) DeleteUpstreamOrder(ctx context.Context, id int64) error {
	return deleteUpstreamOrder(ctx, s.tx, id)
}

// executor is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// query function below run unmodified whether or not it is inside a
// transaction — the same trick privacy_service.go relies on implicitly via
// sqlc's generated `*Queries`, made explicit here since this Querier is
// hand-authored rather than sqlc-generated (see DESIGN.md).
type executor interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

var _ Beginner = (*Store)(nil)

func wrapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
