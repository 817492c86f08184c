package versioning

import (
	"time"

	"github.com/google/uuid"

	"github.com/polver/polver/core/infra/logging"
)

// NATS subjects carrying versioning audit events and the hot-reload
// notification consumed by policy evaluators.
const (
	SubjectVersionCreated    = "policy.audit.version.created"
	SubjectVersionPromoted   = "policy.audit.version.promoted"
	SubjectVersionRolledBack = "policy.audit.version.rolled_back"
	SubjectValidationSkipped = "policy.audit.validation_skipped"
	SubjectPolicyReload      = "policy.reload"
)

// AuditEvent is the JSON payload published on policy.audit.* subjects.
type AuditEvent struct {
	ID         string            `json:"id"`
	PolicyID   string            `json:"policyId"`
	Branch     string            `json:"branch,omitempty"`
	CommitID   string            `json:"commitId,omitempty"`
	Version    string            `json:"version,omitempty"`
	Actor      string            `json:"actor,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// EventID lets JetStream deduplicate redelivered events.
func (e AuditEvent) EventID() string { return e.ID }

// ReloadNotice tells evaluators to refresh a policy after its active
// content changed.
type ReloadNotice struct {
	ID       string `json:"id"`
	PolicyID string `json:"policyId"`
	Branch   string `json:"branch"`
	CommitID string `json:"commitId"`
}

func (n ReloadNotice) EventID() string { return n.ID }

// Publisher is the slice of the message bus the audit sink needs.
type Publisher interface {
	Publish(subject string, event any) error
}

// AuditSink publishes audit events best-effort. Publish failures are
// logged and never fail the operation that produced them; a nil bus
// degrades to log-only.
type AuditSink struct {
	bus Publisher
}

func NewAuditSink(bus Publisher) *AuditSink {
	return &AuditSink{bus: bus}
}

// Emit publishes event on subject, filling in the ID and timestamp.
func (s *AuditSink) Emit(subject string, event AuditEvent) {
	event.ID = uuid.NewString()
	event.OccurredAt = time.Now().UTC()
	if s == nil || s.bus == nil {
		logging.Info("audit", subject, "policy", event.PolicyID, "branch", event.Branch, "commit", event.CommitID)
		return
	}
	if err := s.bus.Publish(subject, event); err != nil {
		logging.Warn("audit", "publish failed", "subject", subject, "policy", event.PolicyID, "error", err)
	}
}

// NotifyReload tells evaluators the branch head moved.
func (s *AuditSink) NotifyReload(policyID, branch, commitID string) {
	if s == nil || s.bus == nil {
		return
	}
	notice := ReloadNotice{ID: uuid.NewString(), PolicyID: policyID, Branch: branch, CommitID: commitID}
	if err := s.bus.Publish(SubjectPolicyReload, notice); err != nil {
		logging.Warn("audit", "reload notify failed", "policy", policyID, "branch", branch, "error", err)
	}
}
