// Package audittrail archives published audit events into Redis so the
// trail outlives bus retention and stays queryable per policy.
package audittrail

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polver/polver/core/infra/bus"
	"github.com/polver/polver/core/infra/logging"
)

const (
	trailKeyPrefix = "pv:audit:trail:"

	// maxEntries bounds each policy's trail; older entries fall off.
	maxEntries = 10000

	retryDelay = 5 * time.Second
)

func trailKey(policyID string) string { return trailKeyPrefix + policyID }

// Archiver persists audit events as they arrive off the bus.
type Archiver struct {
	client redis.UniversalClient
}

func NewArchiver(client redis.UniversalClient) *Archiver {
	return &Archiver{client: client}
}

// Handle is the bus subscription handler. Malformed events are dropped;
// storage failures are surfaced as retryable so durable consumers
// redeliver.
func (a *Archiver) Handle(subject string, data []byte) error {
	var env struct {
		PolicyID string `json:"policyId"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.PolicyID == "" {
		logging.Warn("audittrail", "dropping malformed event", "subject", subject, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := a.client.TxPipeline()
	pipe.LPush(ctx, trailKey(env.PolicyID), data)
	pipe.LTrim(ctx, trailKey(env.PolicyID), 0, maxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return bus.RetryAfter(fmt.Errorf("archive %s for %s: %w", subject, env.PolicyID, err), retryDelay)
	}
	return nil
}

// List returns the newest archived events for a policy, newest first.
func (a *Archiver) List(ctx context.Context, policyID string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 || limit > maxEntries {
		limit = maxEntries
	}
	raw, err := a.client.LRange(ctx, trailKey(policyID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list audit trail for %s: %w", policyID, err)
	}
	out := make([]json.RawMessage, 0, len(raw))
	for _, entry := range raw {
		out = append(out, json.RawMessage(entry))
	}
	return out, nil
}
