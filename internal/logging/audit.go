// Package logging also provides audit logging: one structured event per
// patch-lifecycle step (validate/apply/commit), transport exchange, and
// command run, so a run can be reconstructed from its log alone.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names the kind of event recorded.
type AuditEventType string

const (
	AuditPatchValidated   AuditEventType = "patch_validated"
	AuditPatchRejected    AuditEventType = "patch_rejected"
	AuditPatchApplied     AuditEventType = "patch_applied"
	AuditPatchNoop        AuditEventType = "patch_noop"
	AuditCommitCreated    AuditEventType = "commit_created"
	AuditTransportCall    AuditEventType = "transport_call"
	AuditTransportRetry   AuditEventType = "transport_retry"
	AuditCommandRun       AuditEventType = "command_run"
	AuditIterationAdvance AuditEventType = "iteration_advance"
	AuditRunAborted       AuditEventType = "run_aborted"
	AuditChmodNoop        AuditEventType = "chmod_noop"
)

// AuditEvent is one structured record.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`
	RunID      string                 `json:"run_id,omitempty"`
	EventType  AuditEventType         `json:"event"`
	File       string                 `json:"file,omitempty"`
	CommitID   string                 `json:"commit_id,omitempty"`
	Iteration  int                    `json:"iteration,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
	runID     string
)

// SetRunID stamps every subsequent audit event with id, so the audit events
// of one orchestrator run can be picked out of a shared audit log. Category
// log lines written through Get are not stamped.
func SetRunID(id string) {
	auditMu.Lock()
	defer auditMu.Unlock()
	runID = id
}

// InitAudit opens the run-scoped audit log under <repo>/.cpl/logs/.
func InitAudit() error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if logsDir == "" {
		return nil // logging not initialized; audit becomes a no-op
	}
	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file, if open.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile != nil {
		_ = auditFile.Close()
		auditFile = nil
	}
}

// Record appends one audit event as a JSON line. A no-op if the audit log
// was never opened (e.g. logging disabled).
func Record(ev AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	if ev.RunID == "" {
		ev.RunID = runID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = auditFile.Write(append(data, '\n'))
}
