// Package ledgertest provides an in-memory ledger.Querier for use in other
// packages' tests (internal/consent, internal/guardedcall, internal/coordinator,
// internal/handler), the same role the teacher's hand-rolled recorder-style
// mocks play for apps/privacy-service's repository interface — no codegen,
// just a small struct guarded by a mutex.
package ledgertest

import (
	"context"
	"sync"
	"time"

	"github.com/consometers/sge-tiers-proxy/internal/ledger"
)

// Fake is a thread-safe, in-memory ledger.Querier and ledger.TxQuerier.
// Begin returns the same Fake wrapped in a no-op commit/rollback — tests
// that want to assert transactional rollback behavior should instead seed
// two Fakes and compare, since this fake has no real atomicity to violate.
type Fake struct {
	mu sync.Mutex

	users         map[string]ledger.User
	usagePoints   map[string]ledger.UsagePoint
	consents      map[int64]ledger.Consent
	consentUsers  map[int64]map[string]bool
	consentScopes map[int64]map[string]bool
	calls         map[int64]ledger.WebservicesCall
	subs          map[int64]ledger.Subscription
	orders        map[int64]ledger.UpstreamOrder
	subOrders     map[int64]map[int64]bool

	nextConsentID int64
	nextCallID    int64
	nextSubID     int64
	nextOrderID   int64
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		users:         map[string]ledger.User{},
		usagePoints:   map[string]ledger.UsagePoint{},
		consents:      map[int64]ledger.Consent{},
		consentUsers:  map[int64]map[string]bool{},
		consentScopes: map[int64]map[string]bool{},
		calls:         map[int64]ledger.WebservicesCall{},
		subs:          map[int64]ledger.Subscription{},
		orders:        map[int64]ledger.UpstreamOrder{},
		subOrders:     map[int64]map[int64]bool{},
	}
}

// SeedConsent inserts a consent directly, bypassing the normal resolver
// flow, for test fixtures that need one to already exist.
func (f *Fake) SeedConsent(c ledger.Consent, userJID string, usagePointIDs ...string) ledger.Consent {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextConsentID++
	c.ID = f.nextConsentID
	f.consents[c.ID] = c
	f.consentUsers[c.ID] = map[string]bool{userJID: true}
	scopes := map[string]bool{}
	for _, id := range usagePointIDs {
		scopes[id] = true
	}
	f.consentScopes[c.ID] = scopes
	return c
}

func (f *Fake) Begin(ctx context.Context) (ledger.TxQuerier, error) {
	return &fakeTx{Fake: f}, nil
}

func (f *Fake) GetUser(ctx context.Context, bareJID string) (ledger.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[bareJID]
	if !ok {
		return ledger.User{}, ledger.ErrNotFound
	}
	return u, nil
}

func (f *Fake) CreateUser(ctx context.Context, bareJID string) (ledger.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := ledger.User{BareJID: bareJID}
	f.users[bareJID] = u
	return u, nil
}

func (f *Fake) GetUsagePoint(ctx context.Context, id string) (ledger.UsagePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.usagePoints[id]
	if !ok {
		return ledger.UsagePoint{}, ledger.ErrNotFound
	}
	return up, nil
}

func (f *Fake) CreateUsagePointIfAbsent(ctx context.Context, id string) (ledger.UsagePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if up, ok := f.usagePoints[id]; ok {
		return up, nil
	}
	up := ledger.UsagePoint{ID: id}
	f.usagePoints[id] = up
	return up, nil
}

func (f *Fake) UpdateUsagePointTechnicalData(ctx context.Context, id string, segment ledger.UsagePointSegment, serviceLevel int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.usagePoints[id]
	if !ok {
		return ledger.ErrNotFound
	}
	up.Segment = &segment
	up.ServiceLevel = &serviceLevel
	f.usagePoints[id] = up
	return nil
}

func (f *Fake) ConsentsFor(ctx context.Context, userJID, usagePointID string) ([]ledger.Consent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Consent
	for id, c := range f.consents {
		if f.consentUsers[id][userJID] && f.consentScopes[id][usagePointID] {
			out = append(out, c)
		}
	}
	sortConsentsByID(out)
	return out, nil
}

func (f *Fake) OpenConsentsFor(ctx context.Context, userJID string) ([]ledger.Consent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Consent
	for id, c := range f.consents {
		if f.consentUsers[id][userJID] && c.IsOpen {
			out = append(out, c)
		}
	}
	sortConsentsByID(out)
	return out, nil
}

func sortConsentsByID(cs []ledger.Consent) {
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && cs[j].ID < cs[j-1].ID; j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}

func (f *Fake) AppendScope(ctx context.Context, consentID int64, usagePointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.consents[consentID]; !ok {
		return ledger.ErrNotFound
	}
	if f.consentScopes[consentID] == nil {
		f.consentScopes[consentID] = map[string]bool{}
	}
	f.consentScopes[consentID][usagePointID] = true
	return nil
}

func (f *Fake) InsertCall(ctx context.Context, call ledger.WebservicesCall) (ledger.WebservicesCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ledger.CheckTZ(call.ConsentBeginsAt); err != nil {
		return ledger.WebservicesCall{}, err
	}
	if err := ledger.CheckTZ(call.ConsentExpiresAt); err != nil {
		return ledger.WebservicesCall{}, err
	}
	f.nextCallID++
	call.ID = f.nextCallID
	if call.CalledAt.IsZero() {
		call.CalledAt = time.Now()
	}
	f.calls[call.ID] = call
	return call, nil
}

func (f *Fake) SetCallStatus(ctx context.Context, callID int64, status ledger.WebservicesCallStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[callID]
	if !ok {
		return ledger.ErrNotFound
	}
	c.Status = &status
	c.Error = errMsg
	f.calls[callID] = c
	return nil
}

func (f *Fake) GetSubscription(ctx context.Context, userJID, usagePointID, seriesName string) (ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.UserID == userJID && s.UsagePointID == usagePointID && s.SeriesName == seriesName {
			return s, nil
		}
	}
	return ledger.Subscription{}, ledger.ErrNotFound
}

func (f *Fake) CreateSubscription(ctx context.Context, sub ledger.Subscription) (ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.UserID == sub.UserID && s.UsagePointID == sub.UsagePointID && s.SeriesName == sub.SeriesName {
			return ledger.Subscription{}, ledger.ErrConstraintViolation
		}
	}
	f.nextSubID++
	sub.ID = f.nextSubID
	sub.SubscribedAt = time.Now()
	f.subs[sub.ID] = sub
	return sub, nil
}

func (f *Fake) ListSubscriptionsFor(ctx context.Context, userJID, usagePointID string) ([]ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.Subscription
	for _, s := range f.subs {
		if s.UserID == userJID && s.UsagePointID == usagePointID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) DeleteSubscription(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return ledger.ErrNotFound
	}
	delete(f.subs, id)
	delete(f.subOrders, id)
	return nil
}

func (f *Fake) SetNotificationState(ctx context.Context, subscriptionID int64, notifiedAt *time.Time, status *ledger.SubscriptionStatus, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[subscriptionID]
	if !ok {
		return ledger.ErrNotFound
	}
	s.NotifiedAt = notifiedAt
	s.Status = status
	s.Error = errMsg
	f.subs[subscriptionID] = s
	return nil
}

func (f *Fake) ListActiveSubscriptions(ctx context.Context) ([]ledger.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []ledger.Subscription
	for _, s := range f.subs {
		if s.ConsentExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *Fake) FindUpstreamOrder(ctx context.Context, usagePointID string, callType ledger.UpstreamOrderType, notExpiredBefore time.Time) (ledger.UpstreamOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *ledger.UpstreamOrder
	for _, o := range f.orders {
		o := o
		if o.UsagePointID == usagePointID && o.CallType == callType && o.ExpiresAt.After(notExpiredBefore) {
			if best == nil || o.ExpiresAt.After(best.ExpiresAt) {
				best = &o
			}
		}
	}
	if best == nil {
		return ledger.UpstreamOrder{}, ledger.ErrNotFound
	}
	return *best, nil
}

func (f *Fake) InsertUpstreamOrder(ctx context.Context, order ledger.UpstreamOrder) (ledger.UpstreamOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ledger.CheckTZ(order.ExpiresAt); err != nil {
		return ledger.UpstreamOrder{}, err
	}
	call, ok := f.calls[order.WebservicesCallID]
	if !ok {
		return ledger.UpstreamOrder{}, ledger.ErrNotFound
	}
	if order.ExpiresAt.After(call.ConsentExpiresAt) {
		return ledger.UpstreamOrder{}, ledger.ErrConstraintViolation
	}
	f.nextOrderID++
	order.ID = f.nextOrderID
	f.orders[order.ID] = order
	return order, nil
}

func (f *Fake) LinkSubscriptionOrder(ctx context.Context, subscriptionID, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subOrders[subscriptionID] == nil {
		f.subOrders[subscriptionID] = map[int64]bool{}
	}
	f.subOrders[subscriptionID][orderID] = true
	return nil
}

func (f *Fake) UpstreamOrdersFor(ctx context.Context, subscriptionID int64) ([]ledger.UpstreamOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ledger.UpstreamOrder
	for orderID := range f.subOrders[subscriptionID] {
		out = append(out, f.orders[orderID])
	}
	return out, nil
}

func (f *Fake) UnusedUpstreamOrders(ctx context.Context) ([]ledger.UpstreamOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	used := map[int64]bool{}
	for _, links := range f.subOrders {
		for orderID := range links {
			used[orderID] = true
		}
	}
	var out []ledger.UpstreamOrder
	for id, o := range f.orders {
		if !used[id] {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *Fake) DeleteUpstreamOrder(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orders[id]; !ok {
		return ledger.ErrNotFound
	}
	delete(f.orders, id)
	return nil
}

// fakeTx wraps Fake to satisfy ledger.TxQuerier; all writes apply directly
// to the shared Fake (no isolation), which is sufficient for the
// transaction-shaped call sites under test (internal/guardedcall) since
// none of those tests assert rollback-on-panic semantics.
type fakeTx struct {
	*Fake
}

func (t *fakeTx) Commit(ctx context.Context) error   { return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { return nil }

var _ ledger.Querier = (*Fake)(nil)
var _ ledger.TxQuerier = (*fakeTx)(nil)
var _ ledger.Beginner = (*Fake)(nil)
