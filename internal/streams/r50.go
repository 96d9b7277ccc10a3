package streams

import (
	"encoding/xml"
	"io"
	"sort"
	"time"

	"github.com/consometers/sge-tiers-proxy/internal/metadata"
)

// Wire shape of an R50 file, ported field-for-field from
// original_source/sgeproxy/streams.py's R50 class: a flux header carrying
// the declared publication step, one element per usage point, one PDC
// (point de courbe) per sample.

type r50Envelope struct {
	XMLName xml.Name  `xml:"Flux_R50"`
	Header  r50Header `xml:"En_Tete_Flux"`
	PRMs    []r50PRM  `xml:"PRM"`
}

type r50Header struct {
	PeriodMinutes int `xml:"Pas_Publication"`
}

type r50PRM struct {
	ID      string           `xml:"Id_PRM"`
	Releves r50DonneesReleve `xml:"Donnees_Releve"`
}

type r50DonneesReleve struct {
	Points []r50PDC `xml:"PDC"`
}

type r50PDC struct {
	Horodatage string `xml:"H"`
	Valeur     *int   `xml:"V"`
	Caution    int    `xml:"IV"`
}

// r50Parser streams pre-materialized Pairs — the median-step assertion
// (spec.md §8 "R50 interval whose median inter-sample delta deviates from
// declared step: assertion failure") needs every sample for a usage point
// collected before any can be validated.
type r50Parser struct {
	pairs []Pair
	pos   int
}

func (p *r50Parser) Next() (Pair, bool, error) {
	if p.pos >= len(p.pairs) {
		return Pair{}, false, nil
	}
	pair := p.pairs[p.pos]
	p.pos++
	return pair, true, nil
}

// NewR50Parser parses an R50 (30-minute consumption load curve) data file.
// The DSO stamps each point at the END of its interval; this parser shifts
// every timestamp to the START of the interval (spec.md §4.8). Missing
// values and non-zero caution ("IV") flags are warned and skipped.
func NewR50Parser(r io.Reader, warn Warner) (Parser, error) {
	if warn == nil {
		warn = NoopWarner
	}

	var env r50Envelope
	if err := xml.NewDecoder(r).Decode(&env); err != nil {
		return nil, wrapParseError("R50", err)
	}

	period := time.Duration(env.Header.PeriodMinutes) * time.Minute
	if env.Header.PeriodMinutes != 30 {
		return nil, newParseErrorf("R50", "unexpected publication step %d minutes, expected 30", env.Header.PeriodMinutes)
	}

	var pairs []Pair
	for _, prm := range env.PRMs {
		meta := metadata.ConsumptionPowerActiveRaw(prm.ID, metadata.IntervalPT30M)
		name := meta.Name("power", "active", "raw")

		type sample struct {
			t time.Time
			v int
		}
		var samples []sample

		for _, pdc := range prm.Releves.Points {
			if pdc.Valeur == nil {
				warn.Warnf("streams: R50: missing value for usage point %s at %s", prm.ID, pdc.Horodatage)
				continue
			}
			if pdc.Caution != 0 {
				warn.Warnf("streams: R50: caution flag %d not handled for usage point %s at %s", pdc.Caution, prm.ID, pdc.Horodatage)
				continue
			}
			t, err := time.Parse(time.RFC3339, pdc.Horodatage)
			if err != nil {
				return nil, wrapParseError("R50", err)
			}
			// Data is stamped at the end of the period; shift to the start.
			samples = append(samples, sample{t: t.Add(-period), v: *pdc.Valeur})
		}

		if len(samples) > 1 {
			times := make([]time.Time, len(samples))
			for i, s := range samples {
				times[i] = s.t
			}
			sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
			deltas := make([]time.Duration, 0, len(times)-1)
			for i := 1; i < len(times); i++ {
				deltas = append(deltas, times[i].Sub(times[i-1]))
			}
			if medianDuration(deltas) != period {
				return nil, newParseErrorf("R50", "median inter-sample delta for usage point %s does not match declared step %s", prm.ID, period)
			}
		}

		for _, s := range samples {
			pairs = append(pairs, Pair{Metadata: meta, Record: metadata.Record{
				Name: name, Time: s.t.Format(time.RFC3339), Value: float64(s.v), Unit: metadata.UnitW,
			}})
		}
	}

	return &r50Parser{pairs: pairs}, nil
}

func medianDuration(ds []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
