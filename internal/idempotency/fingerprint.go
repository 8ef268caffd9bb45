package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fingerprint derives the stable identity of an operation:
// conversation, tool name, and the first 16 hex chars of the SHA-256 of
// the canonical JSON encoding of the arguments. Two calls with the same
// semantic arguments produce the same fingerprint regardless of key
// order in the incoming JSON.
func Fingerprint(conversationID, toolName string, args json.RawMessage) (string, error) {
	canonical, err := CanonicalJSON(args)
	if err != nil {
		return "", fmt.Errorf("canonicalize args: %w", err)
	}
	sum := sha256.Sum256([]byte(canonical))
	return conversationID + ":" + toolName + ":" + hex.EncodeToString(sum[:])[:16], nil
}

// CanonicalJSON re-encodes a JSON document with object keys sorted
// recursively and no insignificant whitespace. Arrays keep their order;
// numbers round-trip through float64, which is fine for argument hashing
// since both sides of a duplicate pass through the same encoder.
func CanonicalJSON(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "null", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kb)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
		return nil
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(enc)
		return nil
	}
}
