package handler

import (
	"errors"
	"regexp"
)

// ErrBadRequest covers every malformed-input failure this package surfaces:
// bad identifier grammar, unsupported series name, invalid timestamps.
var ErrBadRequest = errors.New("handler: bad request")

var identifierRE = regexp.MustCompile(`^urn:dev:prm:(\d{14})(?:_(.+))?$`)

// ParseIdentifier splits the `urn:dev:prm:<14-digit>[_<series-path>]`
// grammar into (usagePointID, seriesName), per spec.md §4.5. seriesName is
// "" when the identifier carries no series path.
func ParseIdentifier(identifier string) (usagePointID, seriesName string, err error) {
	m := identifierRE.FindStringSubmatch(identifier)
	if m == nil {
		return "", "", ErrBadRequest
	}
	return m[1], m[2], nil
}
