package audit_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/actiongate/internal/audit"
	"github.com/basket/actiongate/internal/shared"
)

func TestTrail_RecordWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	trail, err := audit.Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx := shared.WithTraceID(context.Background(), "tr-123")
	trail.Record(ctx, "webhook.verify", "deny", "timestamp outside freshness window", "helpdesk")
	trail.Record(ctx, "gate.evaluate", "allow", "all conditions met", "app-1/billing")
	if err := trail.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line not JSON: %v", err)
	}
	if first["decision"] != "deny" || first["action"] != "webhook.verify" || first["trace_id"] != "tr-123" {
		t.Fatalf("entry = %v", first)
	}

	if trail.DenyCount() != 1 {
		t.Fatalf("deny count = %d, want 1", trail.DenyCount())
	}
}

func TestTrail_RedactsSecretsInReason(t *testing.T) {
	dir := t.TempDir()
	trail, err := audit.Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	trail.Record(context.Background(), "webhook.verify", "deny",
		"no match for v1=0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", "helpdesk")
	_ = trail.Close()

	raw, err := os.ReadFile(filepath.Join(dir, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "0123456789abcdef0123456789abcdef") {
		t.Fatal("signature digest leaked into audit trail")
	}
}

func TestTrail_CloseIdempotent(t *testing.T) {
	trail, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := trail.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := trail.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	// Recording after close must not panic.
	trail.Record(context.Background(), "gate.evaluate", "deny", "late", "")
}
