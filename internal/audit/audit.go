// Package audit writes the decision trail: every webhook verification
// verdict, gate decision, and duplicate hit lands in an append-only
// JSONL file and, when a database is attached, the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/actiongate/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

// Trail is one audit destination pair (file plus optional DB).
type Trail struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
}

// Open creates the audit trail under <dataDir>/logs/audit.jsonl.
func Open(dataDir string) (*Trail, error) {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Trail{file: f}, nil
}

// AttachDB mirrors entries into the audit_log table.
func (t *Trail) AttachDB(db *sql.DB) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.db = db
}

func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// DenyCount returns the total deny decisions since startup.
func (t *Trail) DenyCount() int64 {
	return t.denyCount.Load()
}

// Record appends one decision. Reasons and subjects pass redaction so a
// rejected signature header never lands verbatim in the trail. Audit
// write failures are deliberately swallowed; auditing must not break
// the request path.
func (t *Trail) Record(ctx context.Context, action, decision, reason, subject string) {
	if decision == "deny" {
		t.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Action:    action,
			Decision:  decision,
			Reason:    reason,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = t.file.Write(append(b, '\n'))
		}
	}

	if t.db != nil {
		_, _ = t.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version)
			VALUES (?, ?, ?, ?, ?, '');
		`, traceID, subject, action, decision, reason)
	}
}
