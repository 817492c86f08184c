package audittrail

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/polver/polver/core/infra/bus"
)

func newArchiver(t *testing.T) (*Archiver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewArchiver(client), mr
}

func TestHandleArchivesPerPolicy(t *testing.T) {
	a, _ := newArchiver(t)
	ctx := context.Background()

	events := []string{
		`{"id":"e1","policyId":"pol-1","version":"1.0.0"}`,
		`{"id":"e2","policyId":"pol-1","version":"1.1.0"}`,
		`{"id":"e3","policyId":"pol-2","version":"1.0.0"}`,
	}
	for _, ev := range events {
		if err := a.Handle("policy.audit.version.created", []byte(ev)); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	trail, err := a.List(ctx, "pol-1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("pol-1 trail has %d entries, want 2", len(trail))
	}
	// Newest first.
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(trail[0], &head); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if head.ID != "e2" {
		t.Fatalf("newest entry = %s, want e2", head.ID)
	}

	other, err := a.List(ctx, "pol-2", 10)
	if err != nil {
		t.Fatalf("List pol-2: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("pol-2 trail has %d entries, want 1", len(other))
	}
}

func TestHandleDropsMalformedEvents(t *testing.T) {
	a, _ := newArchiver(t)

	if err := a.Handle("policy.audit.version.created", []byte("not-json")); err != nil {
		t.Fatalf("malformed event must not error: %v", err)
	}
	if err := a.Handle("policy.audit.version.created", []byte(`{"id":"e1"}`)); err != nil {
		t.Fatalf("event without policy must not error: %v", err)
	}
	trail, err := a.List(context.Background(), "pol-1", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(trail) != 0 {
		t.Fatalf("dropped events were archived: %d", len(trail))
	}
}

func TestHandleRetriesOnStorageFailure(t *testing.T) {
	a, mr := newArchiver(t)
	mr.Close()

	err := a.Handle("policy.audit.version.created", []byte(`{"id":"e1","policyId":"pol-1"}`))
	if err == nil {
		t.Fatalf("expected storage failure")
	}
	delay, ok := bus.RetryDelay(err)
	if !ok {
		t.Fatalf("storage failure must be retryable: %v", err)
	}
	if delay != 5*time.Second {
		t.Fatalf("retry delay = %s", delay)
	}
}
