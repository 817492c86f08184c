package schema

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const schemaIndexMaxLen = 500

// Registry stores JSON Schemas in Redis and validates payloads against
// them. The versioning core uses it for per-branch validation rules.
type Registry struct {
	client redis.UniversalClient
}

// NewRegistry constructs a Redis-backed schema registry over an existing client.
func NewRegistry(client redis.UniversalClient) *Registry {
	return &Registry{client: client}
}

// Register stores a schema by id.
func (r *Registry) Register(ctx context.Context, id string, schema []byte) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("registry unavailable")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("schema id required")
	}
	if len(schema) == 0 {
		return fmt.Errorf("schema body required")
	}
	now := time.Now().UTC()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, schemaKey(id), schema, 0)
	pipe.ZAdd(ctx, schemaIndexKey(), redis.Z{Score: float64(now.Unix()), Member: id})
	pipe.ZRemRangeByRank(ctx, schemaIndexKey(), 0, -schemaIndexMaxLen-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the raw schema bytes.
func (r *Registry) Get(ctx context.Context, id string) ([]byte, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("registry unavailable")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("schema id required")
	}
	return r.client.Get(ctx, schemaKey(id)).Bytes()
}

// Delete removes a schema from the registry.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if r == nil || r.client == nil {
		return fmt.Errorf("registry unavailable")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("schema id required")
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, schemaKey(id))
	pipe.ZRem(ctx, schemaIndexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns recent schema ids.
func (r *Registry) List(ctx context.Context, limit int64) ([]string, error) {
	if r == nil || r.client == nil {
		return nil, fmt.Errorf("registry unavailable")
	}
	if limit <= 0 {
		limit = 100
	}
	return r.client.ZRevRange(ctx, schemaIndexKey(), 0, limit-1).Result()
}

// ValidateID validates payload against a stored schema.
func (r *Registry) ValidateID(ctx context.Context, id string, value any) error {
	schema, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return ValidateSchema(schemaID(id), schema, value)
}

func schemaKey(id string) string {
	return "schema:" + id
}

func schemaIndexKey() string {
	return "schema:index"
}
