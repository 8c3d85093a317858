package health

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	relayerrors "github.com/llmrelay/llmrelay/pkg/errors"
)

// RedisStore implements Store on Redis so provider health survives restarts
// and can be read by external observers. Each provider is one hash; updates
// that need the previous EWMA run as Lua scripts to stay atomic.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string

	recordOutcome   *redis.Script
	setCircuitState *redis.Script

	now func() time.Time
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "llmrelay:health").
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(r *RedisStore) {
		r.keyPrefix = prefix
	}
}

// NewRedisStore creates a Redis-backed health store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	store := &RedisStore{
		client:          client,
		keyPrefix:       "llmrelay:health",
		recordOutcome:   redis.NewScript(recordOutcomeScript),
		setCircuitState: redis.NewScript(setCircuitStateScript),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (r *RedisStore) key(providerID string) string {
	return r.keyPrefix + ":" + providerID
}

func (r *RedisStore) indexKey() string {
	return r.keyPrefix + ":providers"
}

// Get returns the record for a provider.
func (r *RedisStore) Get(ctx context.Context, providerID string) (*ProviderHealth, error) {
	fields, err := r.client.HGetAll(ctx, r.key(providerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return recordFromFields(providerID, fields), nil
}

// GetAll returns all records keyed by provider ID.
func (r *RedisStore) GetAll(ctx context.Context) (map[string]*ProviderHealth, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}

	out := make(map[string]*ProviderHealth, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = rec
	}
	return out, nil
}

// RecordSuccess folds a successful observation into the record.
func (r *RedisStore) RecordSuccess(ctx context.Context, providerID string, latencyMs float64) error {
	return r.record(ctx, providerID, latencyMs, true, "")
}

// RecordFailure folds a failed observation into the record.
func (r *RedisStore) RecordFailure(ctx context.Context, providerID string, latencyMs float64, kind relayerrors.Kind) error {
	return r.record(ctx, providerID, latencyMs, false, string(kind))
}

func (r *RedisStore) record(ctx context.Context, providerID string, latencyMs float64, success bool, kind string) error {
	successArg := "0"
	if success {
		successArg = "1"
	}
	args := []interface{}{
		strconv.FormatFloat(latencyMs, 'f', -1, 64),
		successArg,
		kind,
		strconv.FormatInt(r.now().UnixMilli(), 10),
		strconv.FormatFloat(EWMAAlpha, 'f', -1, 64),
		strconv.FormatFloat(latencyPenaltyDivisorMs, 'f', -1, 64),
	}
	if err := r.recordOutcome.Run(ctx, r.client, []string{r.key(providerID)}, args...).Err(); err != nil {
		return fmt.Errorf("redis record outcome: %w", err)
	}
	if err := r.client.SAdd(ctx, r.indexKey(), providerID).Err(); err != nil {
		return fmt.Errorf("redis index add: %w", err)
	}
	return nil
}

// SetCircuitState persists a circuit transition.
func (r *RedisStore) SetCircuitState(ctx context.Context, providerID string, state CircuitState, openedAt, cooldownUntil *time.Time) error {
	openedArg := ""
	if openedAt != nil {
		openedArg = strconv.FormatInt(openedAt.UnixMilli(), 10)
	}
	cooldownArg := ""
	if cooldownUntil != nil {
		cooldownArg = strconv.FormatInt(cooldownUntil.UnixMilli(), 10)
	} else if state == CircuitClosed {
		cooldownArg = "clear"
	}

	keys := []string{r.key(providerID)}
	if err := r.setCircuitState.Run(ctx, r.client, keys, string(state), openedArg, cooldownArg).Err(); err != nil {
		return fmt.Errorf("redis set circuit state: %w", err)
	}
	if err := r.client.SAdd(ctx, r.indexKey(), providerID).Err(); err != nil {
		return fmt.Errorf("redis index add: %w", err)
	}
	return nil
}

// SetCooldown sets the admission cooldown.
func (r *RedisStore) SetCooldown(ctx context.Context, providerID string, until time.Time) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key(providerID), "cooldown_until", strconv.FormatInt(until.UnixMilli(), 10))
	pipe.SAdd(ctx, r.indexKey(), providerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set cooldown: %w", err)
	}
	return nil
}

// ClearCooldown removes any admission cooldown.
func (r *RedisStore) ClearCooldown(ctx context.Context, providerID string) error {
	if err := r.client.HDel(ctx, r.key(providerID), "cooldown_until").Err(); err != nil {
		return fmt.Errorf("redis clear cooldown: %w", err)
	}
	return nil
}

// Reset restores the provider to a fresh healthy record.
func (r *RedisStore) Reset(ctx context.Context, providerID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(providerID))
	pipe.HSet(ctx, r.key(providerID), "score", "1", "circuit_state", string(CircuitClosed))
	pipe.SAdd(ctx, r.indexKey(), providerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	return nil
}

// Close is a no-op; the caller owns the Redis client.
func (r *RedisStore) Close() error {
	return nil
}

func recordFromFields(providerID string, fields map[string]string) *ProviderHealth {
	rec := fresh(providerID)
	if v, ok := fields["score"]; ok {
		rec.Score, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["latency_ewma_ms"]; ok {
		rec.LatencyEWMAMs, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["success_count"]; ok {
		rec.SuccessCount, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["failure_count"]; ok {
		rec.FailureCount, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["last_error_kind"]; ok && v != "" {
		rec.LastErrorKind = relayerrors.Kind(v)
	}
	if v, ok := fields["circuit_state"]; ok && v != "" {
		rec.CircuitState = CircuitState(v)
	}
	rec.LastSuccessAt = millisField(fields, "last_success_at")
	rec.LastFailureAt = millisField(fields, "last_failure_at")
	rec.CircuitOpenedAt = millisField(fields, "circuit_opened_at")
	rec.CooldownUntil = millisField(fields, "cooldown_until")
	return rec
}

func millisField(fields map[string]string, name string) *time.Time {
	v, ok := fields[name]
	if !ok || v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}
