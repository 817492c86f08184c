package bus

import (
	"testing"
)

func TestInitJetStreamEnabled(t *testing.T) {
	t.Setenv(envUseJetStream, "")
	if initJetStreamEnabled() {
		t.Fatalf("expected jetstream disabled by default")
	}
	for _, val := range []string{"1", "true", "yes", "y", "on"} {
		t.Setenv(envUseJetStream, val)
		if !initJetStreamEnabled() {
			t.Fatalf("expected jetstream enabled for %s", val)
		}
	}
	t.Setenv(envUseJetStream, "no")
	if initJetStreamEnabled() {
		t.Fatalf("expected jetstream disabled for no")
	}
}

func TestIsDurableSubject(t *testing.T) {
	cases := map[string]bool{
		SubjectAuditPrefix + "version.created":  true,
		SubjectAuditPrefix + "version.promoted": true,
		SubjectReload:                           false,
		"sys.ping":                              false,
	}
	for subject, expect := range cases {
		if got := isDurableSubject(subject); got != expect {
			t.Fatalf("subject %s expected durable=%v got=%v", subject, expect, got)
		}
	}
}

func TestDurableName(t *testing.T) {
	if durableName("", "") != "" {
		t.Fatalf("expected empty durable name")
	}
	name := durableName("policy.audit.*", "auditors")
	if name != "dur_auditors__policy_audit_STAR" {
		t.Fatalf("unexpected durable name: %s", name)
	}
	if durableName("policy.audit.>", "") != "dur_policy_audit_GT" {
		t.Fatalf("unexpected durable name without queue")
	}
}

type idEvent struct{ ID string }

func (e idEvent) EventID() string { return e.ID }

func TestEventID(t *testing.T) {
	if eventID(idEvent{ID: " evt-1 "}) != "evt-1" {
		t.Fatalf("expected trimmed event id")
	}
	if eventID(struct{}{}) != "" {
		t.Fatalf("expected empty id for plain event")
	}
}

func TestPublishNilBus(t *testing.T) {
	var b *NatsBus
	if err := b.Publish("policy.reload", map[string]string{}); err == nil {
		t.Fatalf("expected error on nil bus")
	}
}
