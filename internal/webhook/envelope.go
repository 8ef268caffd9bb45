package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// Envelope mode verifies the chat-platform callback format: the signature is
// base64(HMAC-SHA256(secret, "<timestamp>:<body>")) carried in its own
// header, and new endpoints must answer a challenge-echo handshake before
// the platform will deliver events. Same trust contract as Verify, different
// canonicalization.

var (
	// ErrBadEnvelopeSignature reports an envelope-mode signature mismatch.
	ErrBadEnvelopeSignature = errors.New("webhook: envelope signature mismatch")
	// ErrNotChallenge reports that a payload is not a challenge handshake.
	ErrNotChallenge = errors.New("webhook: payload is not a challenge handshake")
)

// VerifyEnvelope authenticates an envelope-mode callback. timestamp is the
// raw header string; it is canonicalized as-is, not parsed, because the
// platform signs the literal header bytes.
func VerifyEnvelope(rawBody []byte, timestamp, signature string, secrets []string, now time.Time, opts Options) error {
	if len(secrets) == 0 {
		return ErrNoSecrets
	}
	if signature == "" {
		return ErrMissingHeader
	}

	// Freshness uses the same window as header mode.
	ts, err := parseEnvelopeTimestamp(timestamp)
	if err != nil {
		return err
	}
	if err := checkFreshness(ts, now, opts); err != nil {
		return err
	}

	message := make([]byte, 0, len(timestamp)+1+len(rawBody))
	message = append(message, timestamp...)
	message = append(message, ':')
	message = append(message, rawBody...)

	provided := []byte(signature)
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(message)
		expected := []byte(base64.StdEncoding.EncodeToString(mac.Sum(nil)))
		if len(expected) != len(provided) {
			continue
		}
		if subtle.ConstantTimeCompare(expected, provided) == 1 {
			return nil
		}
	}
	return ErrBadEnvelopeSignature
}

func parseEnvelopeTimestamp(timestamp string) (int64, error) {
	if timestamp == "" {
		return 0, ErrMissingTimestamp
	}
	var ts int64
	for _, c := range timestamp {
		if c < '0' || c > '9' {
			return 0, ErrBadTimestamp
		}
		ts = ts*10 + int64(c-'0')
	}
	return ts, nil
}

type challengePayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// Challenge extracts the echo value from a challenge handshake payload.
// The platform sends {"type":"url_verification","challenge":"<token>"} when
// an endpoint is registered; the endpoint must respond with the token.
func Challenge(rawBody []byte) (string, error) {
	var payload challengePayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return "", ErrNotChallenge
	}
	if payload.Type != "url_verification" || payload.Challenge == "" {
		return "", ErrNotChallenge
	}
	return payload.Challenge, nil
}
