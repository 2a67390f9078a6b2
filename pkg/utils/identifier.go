package utils

import (
	"fmt"
	"regexp"
	"strings"
)

var identSegment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// ValidateIdentifier checks a possibly schema-qualified SQL identifier
// (e.g. "dbo.users") before it is interpolated into a query.
func ValidateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier")
	}
	for _, seg := range strings.Split(name, ".") {
		if !identSegment.MatchString(seg) {
			return fmt.Errorf("invalid identifier %q", name)
		}
	}
	return nil
}

// QuoteIdentifier quotes every segment of a validated identifier using the
// dialect's quote characters ("[" "]" for SQL Server, `"` for Postgres, "`" for MySQL).
func QuoteIdentifier(name, open, close string) string {
	segs := strings.Split(name, ".")
	for i, s := range segs {
		segs[i] = open + s + close
	}
	return strings.Join(segs, ".")
}
