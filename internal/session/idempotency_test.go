package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/modelmgmt/model"
)

func sampleResult() model.SaveResult {
	return model.SaveResult{
		RecordID: "rec-1",
		Changes: []model.ChangeSet{{
			Selector:  "definition=case/attribute=title",
			OldValue:  "a",
			NewValue:  "b",
			Operation: model.OperationModifyAttribute,
		}},
		SavedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func isConflict(err error) bool {
	var env *model.ErrorEnvelope
	return errors.As(err, &env) && env.Code == model.ErrConflict
}

func TestMemoryLedger_LookupMiss(t *testing.T) {
	l := NewMemoryLedger()
	result, found, err := l.Lookup(context.Background(), "save:t:m:k", "h")
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if found || result != nil {
		t.Errorf("Lookup = (%v, %v), want miss", result, found)
	}
}

func TestMemoryLedger_RememberAndLookup(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	if err := l.Remember(ctx, "k", "h", sampleResult(), time.Minute); err != nil {
		t.Fatalf("Remember error: %v", err)
	}
	result, found, err := l.Lookup(ctx, "k", "h")
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if !found {
		t.Fatal("expected entry to be found")
	}
	if result.RecordID != "rec-1" {
		t.Errorf("RecordID = %q, want %q", result.RecordID, "rec-1")
	}
}

func TestMemoryLedger_DifferentPayloadConflicts(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()
	_ = l.Remember(ctx, "k", "h1", sampleResult(), time.Minute)

	_, found, err := l.Lookup(ctx, "k", "h2")
	if !found {
		t.Error("expected found = true on conflict")
	}
	if !isConflict(err) {
		t.Errorf("Lookup error = %v, want CONFLICT", err)
	}
}

func TestMemoryLedger_Expiry(t *testing.T) {
	l := NewMemoryLedger()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()
	_ = l.Remember(ctx, "k1", "h", sampleResult(), time.Minute)
	_ = l.Remember(ctx, "k2", "h", sampleResult(), time.Hour)

	now = now.Add(2 * time.Minute)
	if _, found, _ := l.Lookup(ctx, "k1", "h"); found {
		t.Error("expected k1 to be expired")
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}

	now = now.Add(2 * time.Hour)
	if n := l.Purge(); n != 1 {
		t.Errorf("Purge = %d, want 1", n)
	}
	if l.Len() != 0 {
		t.Errorf("Len after purge = %d, want 0", l.Len())
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLedger_RememberAndLookup(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLedger(client)
	ctx := context.Background()

	if err := l.Remember(ctx, "k", "h", sampleResult(), time.Minute); err != nil {
		t.Fatalf("Remember error: %v", err)
	}
	result, found, err := l.Lookup(ctx, "k", "h")
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	if !found {
		t.Fatal("expected entry to be found")
	}
	if result.RecordID != "rec-1" {
		t.Errorf("RecordID = %q, want %q", result.RecordID, "rec-1")
	}
	if len(result.Changes) != 1 || result.Changes[0].NewValue != "b" {
		t.Errorf("Changes = %+v, want one change to %q", result.Changes, "b")
	}
	if !result.SavedAt.Equal(sampleResult().SavedAt) {
		t.Errorf("SavedAt = %v, want %v", result.SavedAt, sampleResult().SavedAt)
	}
}

func TestRedisLedger_DifferentPayloadConflicts(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLedger(client)
	ctx := context.Background()
	_ = l.Remember(ctx, "k", "h1", sampleResult(), time.Minute)

	_, _, err := l.Lookup(ctx, "k", "h2")
	if !isConflict(err) {
		t.Errorf("Lookup error = %v, want CONFLICT", err)
	}
}

func TestRedisLedger_Expiry(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLedger(client)
	ctx := context.Background()
	_ = l.Remember(ctx, "k", "h", sampleResult(), time.Minute)

	mr.FastForward(2 * time.Minute)

	if _, found, err := l.Lookup(ctx, "k", "h"); err != nil || found {
		t.Errorf("Lookup = (found %v, err %v), want expired miss", found, err)
	}
}

func TestRedisLedger_CorruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLedger(client)
	_ = mr.Set("k", "not json")

	if _, _, err := l.Lookup(context.Background(), "k", "h"); err == nil {
		t.Error("expected error for corrupt entry")
	}
}

func TestRedisLedger_HealthCheck(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLedger(client)

	if err := l.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck error: %v", err)
	}
	mr.Close()
	if err := l.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck after shutdown = nil, want error")
	}
}

func TestLedgerKey(t *testing.T) {
	if got := LedgerKey("t1", "case", "abc"); got != "save:t1:case:abc" {
		t.Errorf("LedgerKey = %q, want %q", got, "save:t1:case:abc")
	}
}

func TestHashChanges_Stable(t *testing.T) {
	a := []model.ChangeSet{{Selector: "s", NewValue: map[string]any{"en": "x", "fr": "y"}}}
	b := []model.ChangeSet{{Selector: "s", NewValue: map[string]any{"fr": "y", "en": "x"}}}
	if HashChanges(a) != HashChanges(b) {
		t.Error("HashChanges differs for equal payloads")
	}
	c := []model.ChangeSet{{Selector: "s", NewValue: "z"}}
	if HashChanges(a) == HashChanges(c) {
		t.Error("HashChanges equal for different payloads")
	}
}
