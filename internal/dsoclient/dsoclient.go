// Package dsoclient is the typed facade over the distributor's four web
// service operations (spec.md §4.4): history, technical data, subscribe,
// unsubscribe. Every upstream failure — SOAP fault or raw HTTP status — is
// normalized to a single Error{Code, Message}.
//
// Grounded on original_source/sgeproxy/sge.py for the operation semantics
// (sub_params ordered construction, the mesuresPas decision table, civil-day
// date reduction) and on
// apps/discovery-service/internal/client/scanner_client.go for the
// idiomatic Go shape of an external-API facade: an interface for callers to
// mock, an unexported http-backed struct, newRequest/do helpers, one
// request/response pair per operation. The teacher's facade talks JSON;
// this one talks XML, since that is the DSO WS wire format (spec.md §6) —
// encoding/xml is stdlib and used here for lack of any ecosystem
// alternative shown anywhere in the retrieval pack (DESIGN.md).
package dsoclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/metadata"
)

// Error normalizes both SOAP-fault-shaped and raw-HTTP-tuple-shaped
// upstream failures into a single (code, message) pair (spec.md §4.4).
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dsoclient: %s: %s", e.Code, e.Message)
}

// IsCode reports whether err carries an *Error with the given DSO code,
// however deeply wrapped — used by internal/handler to absorb SGT570
// ("already active") silently.
func IsCode(err error, code string) bool {
	var dsoErr *Error
	return errors.As(err, &dsoErr) && dsoErr.Code == code
}

// Data is the typed response of a history call: metadata plus the records
// it covers.
type Data struct {
	Metadata metadata.Metadata
	Records  []metadata.Record
}

// TechnicalData is the segment/service-level pair a technical_data call returns.
type TechnicalData struct {
	Segment      ledger.UsagePointSegment
	ServiceLevel int
}

// Client is the interface callers (internal/handler, internal/coordinator,
// tests) depend on.
type Client interface {
	History(ctx context.Context, seriesName, usagePointID string, start, end time.Time) (Data, error)
	TechnicalData(ctx context.Context, usagePointID string) (TechnicalData, error)
	Subscribe(ctx context.Context, req SubscribeRequest) (callID int64, err error)
	Unsubscribe(ctx context.Context, usagePointID string, callID int64) error
}

// SubscribeRequest is the full parameter set of a subscribe call, named
// after sge.py's sub_params() positional argument list.
type SubscribeRequest struct {
	UsagePointID    string
	CallType        ledger.UpstreamOrderType
	ExpiresAt       time.Time
	IsLinky         bool
	IssuerIsCompany bool
	IssuerName      string
}

// httpClient is the production Client, backed by XML-over-HTTP calls to
// the distributor's endpoint.
type httpClient struct {
	baseURL    string
	login      string
	contractID string
	httpClient *http.Client
	location   *time.Location
}

// New constructs a ready-to-use Client. location is the DSO's civil time
// zone (Europe/Paris in production) used to reduce history call bounds to
// whole days before the call (spec.md §4.4).
func New(baseURL, login, contractID string, location *time.Location) Client {
	return &httpClient{
		baseURL:    baseURL,
		login:      login,
		contractID: contractID,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		location:   location,
	}
}

// NewWithClientCert builds a Client authenticating to the DSO WS bus with a
// client TLS certificate, per spec.md §6.4's "certificate path, private-key
// path" config fields — production DSO access requires mutual TLS, unlike
// the plain http.Client New() builds for tests.
func NewWithClientCert(baseURL, login, contractID string, location *time.Location, certPath, keyPath string) (Client, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("dsoclient: load client certificate: %w", err)
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}
	return &httpClient{
		baseURL:    baseURL,
		login:      login,
		contractID: contractID,
		httpClient: &http.Client{Timeout: 60 * time.Second, Transport: transport},
		location:   location,
	}, nil
}

// mesuresPas picks the load-curve sampling step for a subscribe call:
// PT30M for Linky (AMI) meters, PT10M otherwise; P1D for index orders
// (spec.md §4.4).
func mesuresPas(callType ledger.UpstreamOrderType, isLinky bool) string {
	switch callType {
	case ledger.ConsumptionIdx, ledger.ProductionIdx:
		return "P1D"
	default:
		if isLinky {
			return "PT30M"
		}
		return "PT10M"
	}
}

// civilDayBounds truncates start and end to their own civil days in loc —
// pure truncation, no rounding up: the end date is included as-is, unlike
// the SGE API's own exclusive convention.
func civilDayBounds(loc *time.Location, start, end time.Time) (time.Time, time.Time) {
	day := func(t time.Time) time.Time {
		y, m, d := t.In(loc).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return day(start), day(end)
}

// consultationMesuresRequest mirrors the DSO's request field order exactly
// — encoding/xml serializes struct fields in declaration order, and the DSO
// WS is strict about element ordering (spec.md §9's "parameter ordering"
// note).
type consultationMesuresRequest struct {
	XMLName      xml.Name `xml:"consultationMesures"`
	Login        string   `xml:"login"`
	UsagePointID string   `xml:"pointId"`
	SeriesName   string   `xml:"grandeurPhysique"`
	DateDebut    string   `xml:"dateDebut"`
	DateFin      string   `xml:"dateFin"`
}

type consultationMesuresResponse struct {
	XMLName xml.Name      `xml:"consultationMesuresResponse"`
	Fault   *soapFault    `xml:"fault"`
	Unit    string        `xml:"grandeurMetier>unite"`
	Points  []measurePoint `xml:"grandeurMetier>point"`
}

type measurePoint struct {
	Timestamp string  `xml:"date"`
	Value     float64 `xml:"valeur"`
}

type soapFault struct {
	Code    string `xml:"code"`
	Message string `xml:"message"`
}

// History implements spec.md §4.4's history operation.
func (c *httpClient) History(ctx context.Context, seriesName, usagePointID string, start, end time.Time) (Data, error) {
	dayStart, dayEnd := civilDayBounds(c.location, start, end)

	req := consultationMesuresRequest{
		Login:        c.login,
		UsagePointID: usagePointID,
		SeriesName:   seriesName,
		DateDebut:    dayStart.Format("2006-01-02"),
		DateFin:      dayEnd.Format("2006-01-02"),
	}

	var resp consultationMesuresResponse
	if err := c.doXML(ctx, "/consultationMesures", req, &resp); err != nil {
		return Data{}, err
	}
	if resp.Fault != nil {
		return Data{}, &Error{Code: resp.Fault.Code, Message: resp.Fault.Message}
	}

	unit := metadata.MeasurementUnit(resp.Unit)
	meta := historyMetadata(usagePointID, seriesName, unit)
	name := fmt.Sprintf("urn:dev:prm:%s_%s", usagePointID, seriesName)

	records := make([]metadata.Record, 0, len(resp.Points))
	for _, p := range resp.Points {
		records = append(records, metadata.Record{
			Name:  name,
			Time:  p.Timestamp,
			Value: p.Value,
			Unit:  unit,
		})
	}
	return Data{Metadata: meta, Records: records}, nil
}

// historyMetadata builds the Metadata for a history response from the
// requested series path (spec.md §4.8's
// "<direction>/<category>/<subcategory>[/<max|raw>]" grammar) and the
// usage point it was fetched for — mirroring sge.py's
// `quoalise.data.Metadata(meta.to_dict())` construction at call_history time.
func historyMetadata(usagePointID, seriesName string, unit metadata.MeasurementUnit) metadata.Metadata {
	direction := metadata.DirectionConsumption
	quantity := metadata.MeasurementQuantity("")

	parts := strings.Split(seriesName, "/")
	if len(parts) > 0 && parts[0] == string(metadata.DirectionProduction) {
		direction = metadata.DirectionProduction
	}
	if len(parts) > 1 {
		switch parts[1] {
		case string(metadata.QuantityEnergy):
			quantity = metadata.QuantityEnergy
		case string(metadata.QuantityPower):
			quantity = metadata.QuantityPower
		}
	}

	return metadata.Metadata{
		Device: metadata.Device{
			Type:       metadata.DeviceTypeElectricityMeter,
			Identifier: metadata.NewEnedisDeviceIdentifier(usagePointID),
		},
		Measurement: metadata.Measurement{
			Name:      seriesName,
			Quantity:  quantity,
			Type:      metadata.TypeElectrical,
			Direction: direction,
			Unit:      unit,
		},
	}
}

type consultationPointRequest struct {
	XMLName      xml.Name `xml:"consultationPoint"`
	Login        string   `xml:"login"`
	UsagePointID string   `xml:"pointId"`
}

type consultationPointResponse struct {
	XMLName      xml.Name   `xml:"consultationPointResponse"`
	Fault        *soapFault `xml:"fault"`
	Segment      string     `xml:"segment"`
	ServiceLevel int        `xml:"niveauService"`
}

// TechnicalData implements spec.md §4.4's technical_data operation.
func (c *httpClient) TechnicalData(ctx context.Context, usagePointID string) (TechnicalData, error) {
	req := consultationPointRequest{Login: c.login, UsagePointID: usagePointID}

	var resp consultationPointResponse
	if err := c.doXML(ctx, "/consultationPoint", req, &resp); err != nil {
		return TechnicalData{}, err
	}
	if resp.Fault != nil {
		return TechnicalData{}, &Error{Code: resp.Fault.Code, Message: resp.Fault.Message}
	}
	return TechnicalData{
		Segment:      ledger.UsagePointSegment(resp.Segment),
		ServiceLevel: resp.ServiceLevel,
	}, nil
}

type commandeCollecteRequest struct {
	XMLName         xml.Name `xml:"commandeCollectePublicationMesures"`
	Login           string   `xml:"login"`
	ContractID      string   `xml:"idContrat"`
	UsagePointID    string   `xml:"pointId"`
	CallType        string   `xml:"typeDonnees"`
	MesuresPas      string   `xml:"mesuresPas"`
	DateFin         string   `xml:"dateFin"`
	IssuerIsCompany bool     `xml:"demandeurPersonneMorale"`
	IssuerName      string   `xml:"demandeurNom"`
}

type commandeCollecteResponse struct {
	XMLName xml.Name   `xml:"commandeCollectePublicationMesuresResponse"`
	Fault   *soapFault `xml:"fault"`
	CallID  int64      `xml:"idAffaire"`
}

// Subscribe implements spec.md §4.4's subscribe operation. SGT570
// ("already active") is returned as a normal *Error for the caller
// (internal/handler) to absorb — this client does not special-case it.
func (c *httpClient) Subscribe(ctx context.Context, req SubscribeRequest) (int64, error) {
	wireReq := commandeCollecteRequest{
		Login:           c.login,
		ContractID:      c.contractID,
		UsagePointID:    req.UsagePointID,
		CallType:        string(req.CallType),
		MesuresPas:      mesuresPas(req.CallType, req.IsLinky),
		DateFin:         req.ExpiresAt.In(c.location).Format("2006-01-02"),
		IssuerIsCompany: req.IssuerIsCompany,
		IssuerName:      req.IssuerName,
	}

	var resp commandeCollecteResponse
	if err := c.doXML(ctx, "/commandeCollectePublicationMesures", wireReq, &resp); err != nil {
		return 0, err
	}
	if resp.Fault != nil {
		return 0, &Error{Code: resp.Fault.Code, Message: resp.Fault.Message}
	}
	return resp.CallID, nil
}

type commandeArretRequest struct {
	XMLName      xml.Name `xml:"commandeArretServiceSouscritMesures"`
	Login        string   `xml:"login"`
	UsagePointID string   `xml:"pointId"`
	CallID       int64    `xml:"idAffaire"`
}

type commandeArretResponse struct {
	XMLName xml.Name   `xml:"commandeArretServiceSouscritMesuresResponse"`
	Fault   *soapFault `xml:"fault"`
}

// Unsubscribe implements spec.md §4.4's unsubscribe operation.
func (c *httpClient) Unsubscribe(ctx context.Context, usagePointID string, callID int64) error {
	req := commandeArretRequest{Login: c.login, UsagePointID: usagePointID, CallID: callID}

	var resp commandeArretResponse
	if err := c.doXML(ctx, "/commandeArretServiceSouscritMesures", req, &resp); err != nil {
		return err
	}
	if resp.Fault != nil {
		return &Error{Code: resp.Fault.Code, Message: resp.Fault.Message}
	}
	return nil
}

// doXML marshals body as the XML POST payload, executes it, and unmarshals
// a 2xx response into dest. A non-2xx raw HTTP status is normalized into
// the same *Error type a SOAP fault would produce (spec.md §4.4).
func (c *httpClient) doXML(ctx context.Context, path string, body interface{}, dest interface{}) error {
	raw, err := xml.Marshal(body)
	if err != nil {
		return fmt.Errorf("dsoclient: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("dsoclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/xml")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dsoclient: http do: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("dsoclient: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: resp.Status}
	}

	if err := xml.Unmarshal(respBody, dest); err != nil {
		return fmt.Errorf("dsoclient: unmarshal response: %w", err)
	}
	return nil
}
