package streams

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/consometers/sge-tiers-proxy/internal/metadata"
)

// hdmLineReader is a thin line cursor over the decrypted HDM CSV, ported
// from original_source/sgeproxy/streams.py's Hdm class, which consumes the
// file as a sequence of `next(self.csv_file)` calls rather than a uniform
// table — HDM mixes a metadata header, a value table, an optional calendar
// table and a trailing PMA sub-table, with no single consistent column
// count encoding/csv could parse in one pass.
type hdmLineReader struct {
	scanner *bufio.Scanner
	last    []string
	atEnd   bool
}

func newHDMLineReader(r io.Reader) *hdmLineReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &hdmLineReader{scanner: scanner}
}

// next returns the next semicolon-split row, or nil at EOF.
func (l *hdmLineReader) next() []string {
	if !l.scanner.Scan() {
		l.atEnd = true
		l.last = nil
		return nil
	}
	line := strings.TrimPrefix(l.scanner.Text(), "\ufeff")
	line = strings.TrimRight(line, "\r")
	l.last = strings.Split(line, ";")
	return l.last
}

// hdmMeta is the two-row key/value block every HDM file opens with.
type hdmMeta map[string]string

func readHDMMeta(l *hdmLineReader, warn Warner) hdmMeta {
	header := l.next()
	values := l.next()
	if header == nil || values == nil || len(header) != len(values) {
		warn.Warnf("streams: HDM: unexpected meta block")
		return nil
	}
	m := hdmMeta{}
	for i, k := range header {
		m[k] = values[i]
	}
	return m
}

// NewHDMParser parses an HDM (Enedis SGE) CSV file, which carries either a
// load-curve or an index+PMA sub-format depending on the "Type de donnees"
// meta field (spec.md §4.8). isC5 is asked — with the "Identifiant PRM"
// read from the file's own meta block — whether the usage point's segment
// is C5, which selects the load-curve timestamp convention: C5 segments
// stamp at the end of the interval (shifted to start here), C4 at the
// start already. A nil isC5 assumes C5, the common Linky case.
func NewHDMParser(r io.Reader, isC5 func(usagePointID string) bool, warn Warner) (Parser, error) {
	if warn == nil {
		warn = NoopWarner
	}
	if isC5 == nil {
		isC5 = func(string) bool { return true }
	}

	l := newHDMLineReader(r)
	meta := readHDMMeta(l, warn)
	if meta == nil {
		return &sliceParser{}, nil
	}

	switch meta["Type de donnees"] {
	case "Courbe de charge":
		pairs, err := hdmLoadCurveRecords(l, meta, isC5(meta["Identifiant PRM"]), warn)
		if err != nil {
			return nil, err
		}
		return &sliceParser{pairs: pairs}, nil
	case "Index":
		pairs, err := hdmIndexRecords(l, meta, warn)
		if err != nil {
			return nil, err
		}
		return &sliceParser{pairs: pairs}, nil
	default:
		return nil, newParseErrorf("HDM", "unexpected Type de donnees %q", meta["Type de donnees"])
	}
}

func hdmLoadCurveRecords(l *hdmLineReader, meta hdmMeta, isC5 bool, warn Warner) ([]Pair, error) {
	if meta["Grandeur physique"] != "Energie active" {
		return nil, newParseErrorf("HDM", "unexpected Grandeur physique %q", meta["Grandeur physique"])
	}
	if meta["Grandeur metier"] != "Consommation" {
		return nil, newParseErrorf("HDM", "unexpected Grandeur metier %q", meta["Grandeur metier"])
	}
	if meta["Etape metier"] != "Comptage Brut" {
		return nil, newParseErrorf("HDM", "unexpected Etape metier %q", meta["Etape metier"])
	}

	unit := metadata.UnitW
	if u := meta["Unite"]; u != "W" && u != "" {
		return nil, newParseErrorf("HDM", "unexpected stream unit %q", u)
	}

	usagePoint := meta["Identifiant PRM"]
	name := "urn:dev:prm:" + usagePoint + "_consumption/power/active/raw"

	header := l.next()
	if len(header) != 2 || header[0] != "Horodate" || header[1] != "Valeur" {
		return nil, newParseErrorf("HDM", "unexpected load-curve header %v", header)
	}

	type row struct {
		t time.Time
		v *int
	}
	var rows []row
	for {
		r := l.next()
		if r == nil || len(r) != 2 || r[0] == "" {
			break
		}
		t, err := time.Parse(time.RFC3339, r[0])
		if err != nil {
			return nil, wrapParseError("HDM", err)
		}
		var v *int
		if r[1] != "" {
			n, err := strconv.Atoi(r[1])
			if err != nil {
				return nil, wrapParseError("HDM", err)
			}
			v = &n
		}
		rows = append(rows, row{t: t, v: v})
	}

	if len(rows) < 2 {
		warn.Warnf("streams: HDM: not enough rows to infer sampling for usage point %s, skip", usagePoint)
		return nil, nil
	}

	// First row's own interval is assumed equal to the following one's,
	// mirroring the original's `rows.insert(0, (first_row[0], rows[0][1], ...))`.
	diffs := make([]time.Duration, len(rows))
	diffs[0] = rows[1].t.Sub(rows[0].t)
	for i := 1; i < len(rows); i++ {
		diffs[i] = rows[i].t.Sub(rows[i-1].t)
	}

	var pairs []Pair
	for i, r := range rows {
		if r.v == nil {
			continue
		}
		diff := diffs[i]
		t := r.t
		if isC5 {
			t = t.Add(-diff)
		}
		minutes := int(diff.Round(time.Minute) / time.Minute)
		interval, ok := metadata.SamplingIntervalForStepMinutes(minutes)
		if !ok {
			warn.Warnf("streams: HDM: unexpected sampling interval %d minutes, skip value", minutes)
			continue
		}
		m := metadata.ConsumptionPowerActiveRaw(usagePoint, interval)
		pairs = append(pairs, Pair{Metadata: m, Record: metadata.Record{
			Name: name, Time: t.Format(time.RFC3339), Value: float64(*r.v), Unit: unit,
		}})
	}
	return pairs, nil
}

type hdmCalendarSegment struct {
	from, to       time.Time
	providerIDs    [10]string
	distributorIDs [4]string
}

func hdmIndexRecords(l *hdmLineReader, meta hdmMeta, warn Warner) ([]Pair, error) {
	if meta["Grandeur physique"] != "Energie active" {
		return nil, newParseErrorf("HDM", "unexpected Grandeur physique %q", meta["Grandeur physique"])
	}

	usagePoint := meta["Identifiant PRM"]
	eaMeta := metadata.ConsumptionEnergyActiveIndex(usagePoint)
	baseName := "urn:dev:prm:" + usagePoint + "_consumption"

	header := l.next()
	if len(header) < 17 || header[0] != "Horodate" {
		return nil, newParseErrorf("HDM", "unexpected index header")
	}

	type indexRow struct {
		t           time.Time
		provider    [10]*int
		distributor [4]*int
		total       *int
	}
	var rows []indexRow
	gotValues := false
	var lastRow []string
	for {
		row := l.next()
		if row == nil || len(row) != len(header) {
			lastRow = row
			break
		}
		t, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, wrapParseError("HDM", err)
		}
		var ir indexRow
		ir.t = t
		for i := 0; i < 10; i++ {
			ir.provider[i] = parseOptionalInt(row[2+i])
		}
		for i := 0; i < 4; i++ {
			ir.distributor[i] = parseOptionalInt(row[2+10+i])
		}
		ir.total = parseOptionalInt(row[2+10+4])
		if ir.total != nil {
			gotValues = true
		}
		rows = append(rows, ir)
	}

	var pairs []Pair

	if gotValues {
		// lastRow is the calendar header; calendar rows follow until one no
		// longer matches its column count (the PMA meta header).
		calHeader := lastRow
		var segments []hdmCalendarSegment
		for {
			row := l.next()
			if row == nil || len(row) != len(calHeader) {
				lastRow = row
				break
			}
			seg, err := parseCalendarSegment(row)
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
		}

		for _, seg := range segments {
			var pTotalPrev, dTotalPrev, totalPrev *int
			for len(rows) > 0 {
				r := rows[0]
				if r.t.Before(seg.from) {
					return nil, newParseErrorf("HDM", "index row %s precedes its calendar segment", r.t)
				}
				if !r.t.Before(seg.to) {
					break
				}
				rows = rows[1:]

				for i := 0; i < 10; i++ {
					if seg.providerIDs[i] == "" {
						r.provider[i] = nil
					}
				}
				for i := 0; i < 4; i++ {
					if seg.distributorIDs[i] == "" {
						r.distributor[i] = nil
					}
				}

				pTotal := sumOptional(r.provider[:])
				dTotal := sumOptional(r.distributor[:])

				var diff, dDiff, pDiff *int
				diff = subOptional(r.total, totalPrev)
				dDiff = subOptional(dTotal, dTotalPrev)
				pDiff = subOptional(pTotal, pTotalPrev)
				if dDiff != nil && diff != nil && *dDiff != *diff {
					warn.Warnf("streams: HDM: unexpected distributor index for usage point %s at %s", usagePoint, r.t)
				}
				if pDiff != nil && diff != nil && *pDiff != *diff {
					warn.Warnf("streams: HDM: unexpected provider index for usage point %s at %s", usagePoint, r.t)
				}

				pTotalPrev, dTotalPrev, totalPrev = pTotal, dTotal, r.total

				if dTotal == nil {
					if pTotal != nil {
						warn.Warnf("streams: HDM: index for provider only at %s, skip", r.t)
					}
					continue
				}

				timeStr := r.t.Format(time.RFC3339)
				for i := 0; i < 10; i++ {
					if seg.providerIDs[i] == "" || r.provider[i] == nil {
						continue
					}
					name := baseName + "/energy/active/index/provider/" + seg.providerIDs[i]
					pairs = append(pairs, Pair{Metadata: eaMeta, Record: metadata.Record{
						Name: name, Time: timeStr, Value: float64(*r.provider[i]), Unit: metadata.UnitWh,
					}})
				}
				for i := 0; i < 4; i++ {
					if seg.distributorIDs[i] == "" || r.distributor[i] == nil {
						continue
					}
					name := baseName + "/energy/active/index/distributor/" + seg.distributorIDs[i]
					pairs = append(pairs, Pair{Metadata: eaMeta, Record: metadata.Record{
						Name: name, Time: timeStr, Value: float64(*r.distributor[i]), Unit: metadata.UnitWh,
					}})
				}
				// Distributor sum is the canonical total (spec.md §9 open
				// question, resolved per DESIGN.md: matches original behavior).
				pairs = append(pairs, Pair{Metadata: eaMeta, Record: metadata.Record{
					Name: baseName + "/energy/active/index", Time: timeStr, Value: float64(*dTotal), Unit: metadata.UnitWh,
				}})
			}
		}
		if len(rows) != 0 {
			return nil, newParseErrorf("HDM", "index rows left unconsumed by any calendar segment")
		}
	}

	// PMA sub-table: a meta header/values pair, then a (Horodate, Valeur) table.
	var pmaMetaHeader []string
	if lastRow != nil {
		pmaMetaHeader = lastRow
	} else {
		pmaMetaHeader = l.next()
	}
	pmaMetaValues := l.next()
	if pmaMetaHeader == nil || pmaMetaValues == nil || len(pmaMetaHeader) != len(pmaMetaValues) {
		return pairs, nil
	}
	pmaMeta := hdmMeta{}
	for i, k := range pmaMetaHeader {
		pmaMeta[k] = pmaMetaValues[i]
	}
	if pmaMeta["Identifiant PRM"] != usagePoint || pmaMeta["Type de donnees"] != "Puissance maximale quotidienne" {
		return pairs, nil
	}

	pmaHeader := l.next()
	if len(pmaHeader) != 2 || pmaHeader[0] != "Horodate" || pmaHeader[1] != "Valeur" {
		return nil, newParseErrorf("HDM", "unexpected PMA header %v", pmaHeader)
	}
	pmaRecordMeta := metadata.ConsumptionPowerApparentMax(usagePoint)
	for {
		row := l.next()
		if row == nil {
			break
		}
		if len(row) != 2 || row[1] == "" {
			continue
		}
		v, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, wrapParseError("HDM", err)
		}
		pairs = append(pairs, Pair{Metadata: pmaRecordMeta, Record: metadata.Record{
			Name: baseName + "/power/apparent/max", Time: row[0], Value: float64(v), Unit: metadata.UnitVA,
		}})
	}

	return pairs, nil
}

func parseOptionalInt(s string) *int {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

func sumOptional(vs []*int) *int {
	var sum int
	any := false
	for _, v := range vs {
		if v != nil {
			sum += *v
			any = true
		}
	}
	if !any {
		return nil
	}
	return &sum
}

func subOptional(a, b *int) *int {
	if a == nil || b == nil {
		return nil
	}
	d := *a - *b
	return &d
}

// "Du 2020-03-31T00:00:00+02:00 au 2020-11-18T23:00:00+01:00" or
// "Du 2020-11-18T23:00:00+01:00 au" (open-ended, current segment).
func parseCalendarSegment(row []string) (hdmCalendarSegment, error) {
	const prefix = "Du "
	field := row[0]
	if !strings.HasPrefix(field, prefix) {
		return hdmCalendarSegment{}, newParseErrorf("HDM", "unexpected calendar period %q", field)
	}
	rest := strings.TrimPrefix(field, prefix)
	parts := strings.SplitN(rest, " au", 2)
	if len(parts) != 2 {
		return hdmCalendarSegment{}, newParseErrorf("HDM", "unexpected calendar period %q", field)
	}
	from, err := time.Parse(time.RFC3339, strings.TrimSpace(parts[0]))
	if err != nil {
		return hdmCalendarSegment{}, wrapParseError("HDM", err)
	}
	to := time.Now()
	if toStr := strings.TrimSpace(parts[1]); toStr != "" {
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			return hdmCalendarSegment{}, wrapParseError("HDM", err)
		}
	}

	var seg hdmCalendarSegment
	seg.from, seg.to = from, to
	for i := 0; i < 10; i++ {
		seg.providerIDs[i] = strings.ToLower(row[3+3*i])
	}
	for i := 0; i < 4; i++ {
		seg.distributorIDs[i] = strings.ToLower(row[3+3*10+2+3*i])
	}
	return seg, nil
}
