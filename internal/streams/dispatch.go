package streams

import "regexp"

// dispatchEntry pairs a basename pattern with the Format it selects.
type dispatchEntry struct {
	pattern *regexp.Regexp
	format  Format
}

// dispatchTable is spec.md §6.2's filename dispatch table, checked in
// order; ".*_svc.xml$" files are archived without emitting a Format at all.
var dispatchTable = []dispatchEntry{
	{regexp.MustCompile(`^ENEDIS_R171_.+\.zip$`), FormatR171},
	{regexp.MustCompile(`^ERDF_R151_.+\.zip$`), FormatR151},
	{regexp.MustCompile(`^ERDF_R50_.+\.zip$`), FormatR50},
	{regexp.MustCompile(`^ENEDIS_.+_R4Q_CDC_.+\.zip$`), FormatR4x},
	{regexp.MustCompile(`^Enedis_SGE_HDM.+\.csv$`), FormatHDM},
}

var serviceCompanionRE = regexp.MustCompile(`.*_svc\.xml$`)

// DispatchFormat matches basename against the dispatch table, returning
// the Format to parse it with. ok is false for a recognized-but-ignored
// service companion file; err is ErrUnrecognizedFile for anything else.
func DispatchFormat(basename string) (format Format, ok bool, err error) {
	if serviceCompanionRE.MatchString(basename) {
		return "", false, nil
	}
	for _, e := range dispatchTable {
		if e.pattern.MatchString(basename) {
			return e.format, true, nil
		}
	}
	return "", false, ErrUnrecognizedFile
}
