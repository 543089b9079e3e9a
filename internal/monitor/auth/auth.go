// Package auth authenticates keeper and operator calls against the
// monitor's protocol surface (spec §6: "Parameter names are design-level;
// any transport may carry them" — this monitor's transport is the plain
// HTTP API in cmd/monitor, not Gitaly's gRPC). It keeps the teacher's
// HMAC-v2 signing scheme (auth/token.go) but detaches it from gRPC
// metadata extraction: a token here is a bare string a caller attaches to
// a request however its transport likes (an Authorization header, in
// cmd/monitor's case), not something pulled out of context.Context.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// tokenVersion is the only version this package understands, mirroring
// the teacher's "v2" scheme (HMAC-SHA256 over a timestamp, decoupled from
// any particular resource).
const tokenVersion = "v2"

var (
	// ErrUnauthenticated means the token was missing or malformed.
	ErrUnauthenticated = errors.New("auth: missing or malformed token")
	// ErrDenied means the token was well-formed but did not verify.
	ErrDenied = errors.New("auth: token denied")
)

// Sign produces a token for secret valid around now, in the form
// "v2.<hex-hmac>.<unix-timestamp>" — the same three-part shape as the
// teacher's "version.signature.message" token, with the message fixed to
// a timestamp since this monitor has no per-RPC message to bind the
// signature to.
func Sign(secret string, now time.Time) string {
	message := strconv.FormatInt(now.Unix(), 10)
	sig := hex.EncodeToString(hmacSign(secret, message))
	return strings.Join([]string{tokenVersion, sig, message}, ".")
}

// Check verifies token against secret, accepting it if its timestamp
// falls within validity of target — the same symmetric window the
// teacher's v2HmacInfoValid uses, guarding against both a stale token and
// a clock skewed into the future.
func Check(token, secret string, target time.Time, validity time.Duration) error {
	if secret == "" {
		panic("auth.Check: secret may not be empty")
	}
	if token == "" {
		return ErrUnauthenticated
	}

	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return ErrUnauthenticated
	}
	version, sigHex, message := parts[0], parts[1], parts[2]
	if version != tokenVersion {
		return ErrDenied
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return ErrUnauthenticated
	}

	expected := hmacSign(secret, message)
	if !hmac.Equal(sig, expected) {
		return ErrDenied
	}

	timestamp, err := strconv.ParseInt(message, 10, 64)
	if err != nil {
		return ErrDenied
	}
	issuedAt := time.Unix(timestamp, 0)

	if issuedAt.Before(target.Add(-validity)) || issuedAt.After(target.Add(validity)) {
		return ErrDenied
	}
	return nil
}

func hmacSign(secret, message string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(message))
	return mac.Sum(nil)
}
