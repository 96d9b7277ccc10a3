package streams

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/consometers/sge-tiers-proxy/internal/metadata"
)

// Wire XML shapes for R171 (detailed per-class indexes/maxima, one
// "serieMesuresDatees" element per (grandeur, temporal class) combination)
// and R151 (single daily per-usage-point snapshot), ported field-for-field
// from original_source/sgeproxy/streams.py's R171/R151 classes. The two
// formats do not share a wire shape — only the distributor-sum rule they
// both apply (spec.md §4.8); R171 accumulates it through the r171DerivedSet
// helpers below, R151 with its own running sum in parseR151.

type r171Envelope struct {
	XMLName xml.Name    `xml:"Flux_R171"`
	Series  []r171Serie `xml:"serieMesuresDatees"`
}

type r171Serie struct {
	UsagePoint      string        `xml:"prmId"`
	Direction       string        `xml:"grandeurMetier"`
	MeasurementCode string        `xml:"grandeurPhysique"`
	Unit            string        `xml:"unite"`
	TemporalClass   string        `xml:"codeClasseTemporelle"`
	CalendarOwner   string        `xml:"typeCalendrier"`
	Measures        []r171Measure `xml:"mesureDatee"`
}

type r171Measure struct {
	DateFin string  `xml:"dateFin"`
	Valeur  float64 `xml:"valeur"`
}

type r151Envelope struct {
	XMLName xml.Name  `xml:"Flux_R151"`
	PRMs    []r151PRM `xml:"PRM"`
}

type r151PRM struct {
	ID     string            `xml:"Id_PRM"`
	Releve r151DonneesReleve `xml:"Donnees_Releve"`
}

type r151DonneesReleve struct {
	DateReleve   string                 `xml:"Date_Releve"`
	Distributor  []r151ClasseTemporelle `xml:"Classe_Temporelle_Distributeur"`
	Provider     []r151ClasseTemporelle `xml:"Classe_Temporelle"`
	PuissanceMax *r151PuissanceMax      `xml:"Puissance_Maximale"`
}

type r151ClasseTemporelle struct {
	ID     string  `xml:"Id_Classe_Temporelle"`
	Valeur float64 `xml:"Valeur"`
}

type r151PuissanceMax struct {
	Valeur float64 `xml:"Valeur"`
}

// parisLocation is Europe/Paris, falling back to UTC if the local tzdata
// database is unavailable (e.g. a minimal container image) rather than
// failing every parse.
var parisLocation = func() *time.Location {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// parseParisNaiveDateTime parses a timezone-less "dateFin"/"Date_Releve"
// value, attaching Europe/Paris — streams.py's comment: "No time zone is
// specified in R171 ... it's Paris time" — and formats it timezone-bearing,
// as spec.md §8 requires of every persisted/emitted timestamp.
func parseParisNaiveDateTime(s string) (string, error) {
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, parisLocation)
	if err != nil {
		if t2, err2 := time.ParseInLocation("2006-01-02", s, parisLocation); err2 == nil {
			return t2.Format(time.RFC3339), nil
		}
		return "", err
	}
	return t.Format(time.RFC3339), nil
}

func directionOfR171(grandeurMetier string) (metadata.MeasurementDirection, error) {
	switch grandeurMetier {
	case "CONS":
		return metadata.DirectionConsumption, nil
	case "PROD":
		return metadata.DirectionProduction, nil
	default:
		return "", fmt.Errorf("unexpected grandeurMetier %q", grandeurMetier)
	}
}

// calendarOwnerOf maps typeCalendrier to distributor/provider. "D" is
// distributor; every other value (the Open Question flagged in spec.md
// §9) is treated as provider, per DESIGN.md's decision.
func calendarOwnerOf(typeCalendrier string) metadata.TemporalClassOwner {
	if typeCalendrier == "D" {
		return metadata.OwnerDistributor
	}
	return metadata.OwnerProvider
}

// r171DerivedEntry accumulates one derived series (energy/active/index,
// power/apparent/max or power/active/max) at a single instant across the
// distributor temporal classes of a single usage point.
type r171DerivedEntry struct {
	meta  metadata.Metadata
	name  string
	value *float64
}

func (e *r171DerivedEntry) accumulateSum(value float64) {
	if e.value == nil {
		v := value
		e.value = &v
		return
	}
	*e.value += value
}

func (e *r171DerivedEntry) accumulateMax(value float64) {
	if e.value == nil {
		v := value
		e.value = &v
		return
	}
	if value > *e.value {
		*e.value = value
	}
}

type r171DerivedSet struct {
	apparentMax r171DerivedEntry
	activeMax   r171DerivedEntry
	energyIndex r171DerivedEntry
}

// r171DerivedAccumulator keys a derived set by (usage point, instant),
// preserving first-seen order for deterministic output — the Go analogue
// of streams.py's insertion-ordered computed_records dict.
type r171DerivedAccumulator struct {
	sets  map[string]*r171DerivedSet
	order []string
}

func newR171DerivedAccumulator() *r171DerivedAccumulator {
	return &r171DerivedAccumulator{sets: map[string]*r171DerivedSet{}}
}

func (a *r171DerivedAccumulator) get(usagePoint, instant string) *r171DerivedSet {
	key := usagePoint + "\x00" + instant
	set, ok := a.sets[key]
	if ok {
		return set
	}
	baseName := fmt.Sprintf("urn:dev:prm:%s_consumption", usagePoint)
	set = &r171DerivedSet{
		apparentMax: r171DerivedEntry{meta: metadata.ConsumptionPowerApparentMax(usagePoint), name: baseName + "/power/apparent/max"},
		activeMax:   r171DerivedEntry{meta: metadata.ConsumptionPowerActiveMax(usagePoint), name: baseName + "/power/active/max"},
		energyIndex: r171DerivedEntry{meta: metadata.ConsumptionEnergyActiveIndex(usagePoint), name: baseName + "/energy/active/index"},
	}
	a.sets[key] = set
	a.order = append(a.order, key)
	return set
}

func (a *r171DerivedAccumulator) pairsByInstant(instants map[string]string) []Pair {
	var pairs []Pair
	for _, key := range a.order {
		set := a.sets[key]
		instant := instants[key]
		for _, e := range []*r171DerivedEntry{&set.apparentMax, &set.activeMax, &set.energyIndex} {
			if e.value == nil {
				continue
			}
			pairs = append(pairs, Pair{Metadata: e.meta, Record: metadata.Record{
				Name: e.name, Time: instant, Value: *e.value, Unit: e.meta.Measurement.Unit,
			}})
		}
	}
	return pairs
}

// parseR171 implements streams.py's R171.records(): one raw record per
// (temporal class, instant), plus derived distributor-only, consumption-only
// totals (sum of indexes, max of each PMA variant) at every instant.
// grandeurPhysique values other than EA/PMA are not handled and produce no
// record at all, matching the original's silent `continue`.
func parseR171(r io.Reader) ([]Pair, error) {
	var env r171Envelope
	if err := xml.NewDecoder(r).Decode(&env); err != nil {
		return nil, wrapParseError("R171", err)
	}

	var pairs []Pair
	derived := newR171DerivedAccumulator()
	instants := map[string]string{}

	for _, s := range env.Series {
		direction, err := directionOfR171(s.Direction)
		if err != nil {
			return nil, wrapParseError("R171", err)
		}
		owner := calendarOwnerOf(s.CalendarOwner)
		temporalClass := strings.ToLower(s.TemporalClass)
		baseName := fmt.Sprintf("urn:dev:prm:%s_%s", s.UsagePoint, direction)

		var meta metadata.Metadata
		var name string
		switch s.MeasurementCode {
		case "PMA":
			switch s.Unit {
			case "VA":
				meta = withDirection(metadata.ConsumptionPowerApparentMax(s.UsagePoint), direction)
				name = fmt.Sprintf("%s/power/apparent/max/%s/%s", baseName, owner, temporalClass)
			case "W":
				meta = withDirection(metadata.ConsumptionPowerActiveMax(s.UsagePoint), direction)
				name = fmt.Sprintf("%s/power/active/max/%s/%s", baseName, owner, temporalClass)
			default:
				return nil, newParseErrorf("R171", "unexpected PMA unit %q", s.Unit)
			}
		case "EA":
			if s.Unit != "Wh" {
				return nil, newParseErrorf("R171", "unexpected EA unit %q", s.Unit)
			}
			meta = withDirection(metadata.ConsumptionEnergyActiveIndex(s.UsagePoint), direction)
			name = fmt.Sprintf("%s/energy/active/index/%s/%s", baseName, owner, temporalClass)
		default:
			// EA, PMA are the only grandeurPhysique values this core handles
			// (ERC, ERI, TF, DD, DE, DQ are not metered quantities in scope).
			continue
		}

		for _, measure := range s.Measures {
			instant, err := parseParisNaiveDateTime(measure.DateFin)
			if err != nil {
				return nil, wrapParseError("R171", err)
			}

			pairs = append(pairs, Pair{Metadata: meta, Record: metadata.Record{
				Name: name, Time: instant, Value: measure.Valeur, Unit: metadata.MeasurementUnit(s.Unit),
			}})

			key := s.UsagePoint + "\x00" + instant
			instants[key] = instant
			set := derived.get(s.UsagePoint, instant)

			if owner != metadata.OwnerDistributor || direction != metadata.DirectionConsumption {
				continue
			}

			switch {
			case s.MeasurementCode == "PMA" && s.Unit == "VA":
				set.apparentMax.accumulateMax(measure.Valeur)
			case s.MeasurementCode == "PMA" && s.Unit == "W":
				set.activeMax.accumulateMax(measure.Valeur)
			case s.MeasurementCode == "EA":
				set.energyIndex.accumulateSum(measure.Valeur)
			}
		}
	}

	pairs = append(pairs, derived.pairsByInstant(instants)...)
	return pairs, nil
}

// parseR151 implements streams.py's R151.records(): a single daily snapshot
// per usage point, always consumption, distributor classes summed into one
// total index record, provider classes emitted without a second total, and
// an optional apparent-power daily maximum.
func parseR151(r io.Reader) ([]Pair, error) {
	var env r151Envelope
	if err := xml.NewDecoder(r).Decode(&env); err != nil {
		return nil, wrapParseError("R151", err)
	}

	var pairs []Pair
	for _, prm := range env.PRMs {
		instant, err := parseParisNaiveDateTime(prm.Releve.DateReleve)
		if err != nil {
			return nil, wrapParseError("R151", err)
		}

		baseName := fmt.Sprintf("urn:dev:prm:%s_consumption", prm.ID)
		eaMeta := metadata.ConsumptionEnergyActiveIndex(prm.ID)
		pmaxMeta := metadata.ConsumptionPowerApparentMax(prm.ID)

		var indexSum float64
		for _, class := range prm.Releve.Distributor {
			classID := strings.ToLower(class.ID)
			name := fmt.Sprintf("%s/energy/active/index/distributor/%s", baseName, classID)
			pairs = append(pairs, Pair{Metadata: eaMeta, Record: metadata.Record{
				Name: name, Time: instant, Value: class.Valeur, Unit: metadata.UnitWh,
			}})
			indexSum += class.Valeur
		}
		pairs = append(pairs, Pair{Metadata: eaMeta, Record: metadata.Record{
			Name: baseName + "/energy/active/index", Time: instant, Value: indexSum, Unit: metadata.UnitWh,
		}})

		for _, class := range prm.Releve.Provider {
			classID := strings.ToLower(class.ID)
			name := fmt.Sprintf("%s/energy/active/index/provider/%s", baseName, classID)
			pairs = append(pairs, Pair{Metadata: eaMeta, Record: metadata.Record{
				Name: name, Time: instant, Value: class.Valeur, Unit: metadata.UnitWh,
			}})
		}

		if prm.Releve.PuissanceMax != nil {
			pairs = append(pairs, Pair{Metadata: pmaxMeta, Record: metadata.Record{
				Name: baseName + "/power/apparent/max", Time: instant, Value: prm.Releve.PuissanceMax.Valeur, Unit: metadata.UnitVA,
			}})
		}
	}

	return pairs, nil
}

// sliceParser adapts a fully materialized []Pair to the Parser interface,
// for formats whose totals can only be known after the whole file is read
// (R171's per-instant sums and maxima).
type sliceParser struct {
	pairs []Pair
	pos   int
}

func (p *sliceParser) Next() (Pair, bool, error) {
	if p.pos >= len(p.pairs) {
		return Pair{}, false, nil
	}
	pair := p.pairs[p.pos]
	p.pos++
	return pair, true, nil
}

// NewR171Parser parses an R171 (time-series index/maximum) data file.
func NewR171Parser(r io.Reader) (Parser, error) {
	pairs, err := parseR171(r)
	if err != nil {
		return nil, err
	}
	return &sliceParser{pairs: pairs}, nil
}

// NewR151Parser parses an R151 (single daily index/maximum snapshot) data
// file — a distinct wire shape from R171, sharing only the distributor-sum
// derivation rule (spec.md §4.8).
func NewR151Parser(r io.Reader) (Parser, error) {
	pairs, err := parseR151(r)
	if err != nil {
		return nil, err
	}
	return &sliceParser{pairs: pairs}, nil
}
