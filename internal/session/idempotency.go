package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/modelmgmt/model"
)

// SaveLedger remembers the result of a save under its idempotency key so a
// retried save returns the original result instead of persisting twice.
// Keys have the form "save:{tenantId}:{modelId}:{key}".
type SaveLedger interface {
	// Lookup returns the remembered result of key. A key remembered with a
	// different change payload yields a CONFLICT error.
	Lookup(ctx context.Context, key, payloadHash string) (result *model.SaveResult, found bool, err error)

	// Remember stores result under key for ttl.
	Remember(ctx context.Context, key, payloadHash string, result model.SaveResult, ttl time.Duration) error
}

type ledgerEntry struct {
	PayloadHash string           `json:"payload_hash"`
	Result      model.SaveResult `json:"result"`
}

func conflict(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with different changes", key),
	)
}

// MemoryLedger is an in-process SaveLedger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	ledgerEntry
	expiresAt time.Time
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Lookup implements SaveLedger.
func (l *MemoryLedger) Lookup(_ context.Context, key, payloadHash string) (*model.SaveResult, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return nil, false, nil
	}
	if l.now().After(entry.expiresAt) {
		delete(l.entries, key)
		return nil, false, nil
	}
	if entry.PayloadHash != payloadHash {
		return nil, true, conflict(key)
	}
	result := entry.Result
	return &result, true, nil
}

// Remember implements SaveLedger.
func (l *MemoryLedger) Remember(_ context.Context, key, payloadHash string, result model.SaveResult, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[key] = memoryEntry{
		ledgerEntry: ledgerEntry{PayloadHash: payloadHash, Result: result},
		expiresAt:   l.now().Add(ttl),
	}
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (l *MemoryLedger) Purge() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for key, entry := range l.entries {
		if now.After(entry.expiresAt) {
			delete(l.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of entries, expired ones included.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RedisLedger is a SaveLedger shared between instances through Redis.
type RedisLedger struct {
	client redis.Cmdable
}

// NewRedisLedger creates a RedisLedger on client.
func NewRedisLedger(client redis.Cmdable) *RedisLedger {
	return &RedisLedger{client: client}
}

// Lookup implements SaveLedger.
func (l *RedisLedger) Lookup(ctx context.Context, key, payloadHash string) (*model.SaveResult, bool, error) {
	raw, err := l.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry ledgerEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal save entry %q: %w", key, err)
	}
	if entry.PayloadHash != payloadHash {
		return nil, true, conflict(key)
	}
	return &entry.Result, true, nil
}

// Remember implements SaveLedger.
func (l *RedisLedger) Remember(ctx context.Context, key, payloadHash string, result model.SaveResult, ttl time.Duration) error {
	data, err := json.Marshal(ledgerEntry{PayloadHash: payloadHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal save entry: %w", err)
	}
	if err := l.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (l *RedisLedger) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// LedgerKey builds the ledger key of a save.
func LedgerKey(tenantID, modelID, key string) string {
	return fmt.Sprintf("save:%s:%s:%s", tenantID, modelID, key)
}

// HashChanges returns a stable digest of a change payload.
func HashChanges(changes []model.ChangeSet) string {
	data, _ := json.Marshal(changes)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
