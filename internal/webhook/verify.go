// Package webhook authenticates inbound events at the trust boundary.
// Nothing downstream (idempotency guard, classifier, scorer) sees an event
// until its signature and freshness have been verified here.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Signature header wire format, case-sensitive key names:
//
//	t=<unix-seconds>,v1=<64-hex-char-lowercase>[,v1=...]
//
// Unknown key=value pairs are ignored for forward compatibility.

const (
	// DefaultHeaderName is the signature header checked by default.
	DefaultHeaderName = "X-Actiongate-Signature"
	// AltHeaderName is the second accepted header name, for integrations
	// that cannot set custom header prefixes.
	AltHeaderName = "X-Hub-Signature-256"

	// DefaultMaxAge is the replay window. An event exactly this old is
	// still accepted (inclusive boundary).
	DefaultMaxAge = 5 * time.Minute

	// DefaultFutureSkew tolerates clocks slightly ahead of ours.
	DefaultFutureSkew = 5 * time.Second
)

// Trust boundary rejection reasons. Callers surface a generic rejection to
// the remote peer and log the specific sentinel internally.
var (
	ErrNoSecrets        = errors.New("webhook: no signing secrets configured")
	ErrMissingHeader    = errors.New("webhook: signature header missing")
	ErrMalformedHeader  = errors.New("webhook: malformed signature header token")
	ErrMissingTimestamp = errors.New("webhook: signature header has no timestamp")
	ErrBadTimestamp     = errors.New("webhook: signature timestamp is not an integer")
	ErrNoSignatures     = errors.New("webhook: signature header has no v1 entries")
	ErrTimestampTooOld  = errors.New("webhook: signature timestamp outside replay window")
	ErrTimestampFuture  = errors.New("webhook: signature timestamp too far in the future")
	ErrNoMatch          = errors.New("webhook: no signature matched any configured secret")
)

// SignedHeader is the parsed form of the signature header.
type SignedHeader struct {
	Timestamp  int64    // unix seconds from the t= pair
	Signatures []string // hex digests from v1= pairs, order preserved
}

// Options tunes freshness checking. Zero values take defaults.
type Options struct {
	MaxAge     time.Duration
	FutureSkew time.Duration
}

func (o Options) maxAge() time.Duration {
	if o.MaxAge <= 0 {
		return DefaultMaxAge
	}
	return o.MaxAge
}

func (o Options) futureSkew() time.Duration {
	if o.FutureSkew <= 0 {
		return DefaultFutureSkew
	}
	return o.FutureSkew
}

// ParseHeader parses a signature header value. It fails with a distinct
// sentinel for each malformation so rejections are distinguishable in
// audit logs.
func ParseHeader(value string) (SignedHeader, error) {
	if strings.TrimSpace(value) == "" {
		return SignedHeader{}, ErrMissingHeader
	}

	var (
		parsed       SignedHeader
		sawTimestamp bool
	)
	for _, token := range strings.Split(value, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		key, val, ok := strings.Cut(token, "=")
		if !ok {
			return SignedHeader{}, fmt.Errorf("%w: %q", ErrMalformedHeader, token)
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return SignedHeader{}, ErrBadTimestamp
			}
			parsed.Timestamp = ts
			sawTimestamp = true
		case "v1":
			parsed.Signatures = append(parsed.Signatures, val)
		default:
			// Unknown keys (v0, future schemes) are ignored.
		}
	}

	if !sawTimestamp {
		return SignedHeader{}, ErrMissingTimestamp
	}
	if len(parsed.Signatures) == 0 {
		return SignedHeader{}, ErrNoSignatures
	}
	return parsed, nil
}

// Verify authenticates rawBody against the signature header. now is passed
// explicitly so replay-window behavior is deterministic under test.
//
// Every configured secret is tried against every v1 signature; any match
// accepts the event. Secrets rotate with zero downtime by listing the old
// and new secret together, and one header may carry multiple signers.
func Verify(rawBody []byte, headerValue string, secrets []string, now time.Time, opts Options) error {
	if len(secrets) == 0 {
		return ErrNoSecrets
	}

	header, err := ParseHeader(headerValue)
	if err != nil {
		return err
	}

	if err := checkFreshness(header.Timestamp, now, opts); err != nil {
		return err
	}

	// Signed message is "<t>.<body>".
	message := make([]byte, 0, len(rawBody)+21)
	message = strconv.AppendInt(message, header.Timestamp, 10)
	message = append(message, '.')
	message = append(message, rawBody...)

	for _, secret := range secrets {
		expected := computeSignature([]byte(secret), message)
		for _, provided := range header.Signatures {
			if constantTimeEqualHex(expected, provided) {
				return nil
			}
		}
	}
	return ErrNoMatch
}

// checkFreshness rejects stale and future-dated timestamps. The age boundary
// is inclusive: an event exactly maxAge old still passes.
func checkFreshness(timestamp int64, now time.Time, opts Options) error {
	age := now.Unix() - timestamp
	if age > int64(opts.maxAge()/time.Second) {
		return ErrTimestampTooOld
	}
	if -age > int64(opts.futureSkew()/time.Second) {
		return ErrTimestampFuture
	}
	return nil
}

func computeSignature(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// constantTimeEqualHex compares two hex digests without leaking timing or
// length information. A length mismatch returns false before any byte
// comparison; equal-length inputs always take the full constant-time path.
func constantTimeEqualHex(expected, provided string) bool {
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(provided))) == 1
}

// Sign produces a header value for rawBody at the given time. Used by tests
// and by outbound callback signing.
func Sign(rawBody []byte, secret string, at time.Time) string {
	ts := at.Unix()
	message := fmt.Sprintf("%d.%s", ts, rawBody)
	return fmt.Sprintf("t=%d,v1=%s", ts, computeSignature([]byte(secret), []byte(message)))
}
