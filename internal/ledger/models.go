// Package ledger is the authoritative persistence layer for users, usage
// points, consents, DSO-call audit rows and subscriptions (spec.md §3, §4.1).
// Every invariant listed in §4.1 is enforced both here in Go and, more
// importantly, at the schema level by the migrations in migrations/ — the
// store is authoritative, the application checks are a courtesy.
package ledger

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("ledger: not found")

// ErrNaiveTimestamp is returned when a write attempts to persist an unset
// (zero-value) timestamp, mirroring the original's TZDateTime.process_bind_param
// check (db.py). Go's time.Time is always timezone-aware — unlike Python's
// naive datetime, it carries a Location at every call site — so the one
// remaining failure mode this package rejects is an accidentally-unset value.
var ErrNaiveTimestamp = errors.New("ledger: zero-value timestamp rejected")

// ErrConstraintViolation wraps a §4.1 invariant failure surfaced by the
// database (composite FK mismatch, uniqueness violation, ...).
var ErrConstraintViolation = errors.New("ledger: constraint violation")

// CheckTZ rejects a zero-value time.Time. Every write path in this package
// that persists a timestamp column calls this first.
func CheckTZ(t time.Time) error {
	if t.IsZero() {
		return ErrNaiveTimestamp
	}
	return nil
}

// User is a messaging-transport identity. Created on first registration,
// never deleted while any call references it (spec.md §3).
type User struct {
	BareJID string
}

// UsagePointSegment is the meter/contract segment enumeration.
type UsagePointSegment string

const (
	SegmentC1 UsagePointSegment = "C1"
	SegmentC2 UsagePointSegment = "C2"
	SegmentC3 UsagePointSegment = "C3"
	SegmentC4 UsagePointSegment = "C4"
	SegmentC5 UsagePointSegment = "C5"
	SegmentP1 UsagePointSegment = "P1"
	SegmentP2 UsagePointSegment = "P2"
	SegmentP3 UsagePointSegment = "P3"
	SegmentP4 UsagePointSegment = "P4"
)

// IsLinky reports whether the segment is a modern ("Linky"/AMI) meter,
// which governs the default load-curve sampling step (spec.md §4.4).
func (s UsagePointSegment) IsLinky() bool {
	return s == SegmentC5 || s == SegmentP4
}

// UsagePoint is a metered delivery location, 14-digit id.
type UsagePoint struct {
	ID           string
	Segment      *UsagePointSegment
	ServiceLevel *int
}

// ConsentIssuerType distinguishes an individual signatory from a company.
type ConsentIssuerType string

const (
	IssuerIndividual ConsentIssuerType = "INDIVIDUAL"
	IssuerCompany    ConsentIssuerType = "COMPANY"
)

// Consent authorizes the cartesian product of its linked users and usage
// points over [BeginsAt, ExpiresAt) (spec.md §3).
type Consent struct {
	ID         int64
	IssuerName string
	IssuerType ConsentIssuerType
	IsOpen     bool
	BeginsAt   time.Time
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// ConsentUsagePoint is the scope link: a usage point is in a consent's
// scope iff this row exists.
type ConsentUsagePoint struct {
	ConsentID    int64
	UsagePointID string
	Comment      string
}

// WebservicesCallStatus is the terminal status of an audit row.
type WebservicesCallStatus string

const (
	CallStatusOK     WebservicesCallStatus = "OK"
	CallStatusFailed WebservicesCallStatus = "FAILED"
)

// Webservice tags which DSO operation an audit row records.
type Webservice string

const (
	WebserviceHistory       Webservice = "DetailedMeasurementsV3"
	WebserviceTechnicalData Webservice = "ConsultationMesures"
	WebserviceSubscribe     Webservice = "CommandeCollectePublicationMesures"
	WebserviceUnsubscribe   Webservice = "CommandeArretServiceSouscritMesures"
)

// WebservicesCall is the immutable audit record of one attempted DSO call
// (spec.md §3, §4.1, §4.3). Inserted with Status == nil before the call,
// updated exactly once to OK or FAILED in the guarded-call scope.
type WebservicesCall struct {
	ID               int64
	Webservice       Webservice
	UsagePointID     string
	UserID           string
	ConsentID        int64
	ConsentBeginsAt  time.Time
	ConsentExpiresAt time.Time
	CalledAt         time.Time
	Status           *WebservicesCallStatus
	Error            string
}

// SubscriptionStatus is the terminal status of a subscription's most recent
// notification attempt.
type SubscriptionStatus string

const (
	SubStatusOK     SubscriptionStatus = "OK"
	SubStatusFailed SubscriptionStatus = "FAILED"
)

// Subscription is a client's standing request for (user, usage point,
// series_name). Unique on that triple (spec.md §4.1).
type Subscription struct {
	ID               int64
	UserID           string
	UsagePointID     string
	SeriesName       string
	SubscribedAt     time.Time
	NotifiedAt       *time.Time
	ConsentID        int64
	ConsentBeginsAt  time.Time
	ConsentExpiresAt time.Time
	Status           *SubscriptionStatus
	Error            string
}

// UpstreamOrderType is one of the 8 DSO order kinds (spec.md §3).
type UpstreamOrderType string

const (
	ConsumptionIdx          UpstreamOrderType = "CONSUMPTION_IDX"
	ConsumptionCdcRaw       UpstreamOrderType = "CONSUMPTION_CDC_RAW"
	ConsumptionCdcCorrected UpstreamOrderType = "CONSUMPTION_CDC_CORRECTED"
	ConsumptionCdcEnable    UpstreamOrderType = "CONSUMPTION_CDC_ENABLE"
	ProductionIdx           UpstreamOrderType = "PRODUCTION_IDX"
	ProductionCdcRaw        UpstreamOrderType = "PRODUCTION_CDC_RAW"
	ProductionCdcCorrected  UpstreamOrderType = "PRODUCTION_CDC_CORRECTED"
	ProductionCdcEnable     UpstreamOrderType = "PRODUCTION_CDC_ENABLE"
)

// UpstreamOrder is a WebservicesCallsSubscriptions row: the result of one
// successful CommandeCollectePublicationMesures call, shared by every
// Subscription that needs it (spec.md §3, §4.6).
type UpstreamOrder struct {
	ID                int64
	WebservicesCallID int64
	UsagePointID      string
	CallType          UpstreamOrderType
	CallID            int64
	ExpiresAt         time.Time
}
