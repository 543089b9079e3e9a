// Package helper holds small cross-cutting utilities with no monitor-specific
// domain logic of their own, the same bucket the teacher's internal/helper
// serves for Gitaly. SanitizeError/SanitizeString exist here because
// datastore.OpenDB's DSN may embed a password in its scheme://user@host
// form, and that string must never reach a log line or an error returned
// to a caller unredacted.
package helper

import (
	"errors"
	"regexp"
)

// hostPattern matches scheme://user@host, covering a Postgres DSN's URL
// form only; lib/pq's key=value connection strings are not matched.
//                                        |Scheme                |User                         |Named/IPv4 host|IPv6+ host
var hostPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9+\-.]*://)([a-z0-9\-._~%!$&'()*+,;=:]+@)([a-z0-9\-._~%]+|\[[a-z0-9\-._~%!$&'()*+,;=:]+\])`)

// SanitizeString replaces the user-info portion of any DSN-shaped
// substring of str with [FILTERED].
func SanitizeString(str string) string {
	return hostPattern.ReplaceAllString(str, "$1[FILTERED]@$3$4")
}

// SanitizeError does the same thing as SanitizeString but for error values,
// so a connection failure's %w-wrapped DSN never leaks a password.
func SanitizeError(err error) error {
	return errors.New(SanitizeString(err.Error()))
}
