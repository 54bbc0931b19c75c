package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/modelmgmt/model"
)

var (
	_ ChangeSetStore = (*MemoryStore)(nil)
	_ ChangeSetStore = (*PgStore)(nil)
)

func testRecord(id, tenantID, modelID string, createdAt time.Time) model.ChangeSetRecord {
	return model.ChangeSetRecord{
		ID:        id,
		SessionID: "session-1",
		ModelID:   modelID,
		TenantID:  tenantID,
		SubjectID: "user-alice",
		Changes: []model.ChangeSet{{
			Selector:  "definition=case/attribute=title",
			OldValue:  "Case",
			NewValue:  "Claim",
			Operation: model.OperationModifyAttribute,
		}},
		CreatedAt: createdAt,
	}
}

func TestMemoryStore_Append(t *testing.T) {
	store := NewMemoryStore()

	err := store.Append(context.Background(), testRecord("cs-1", "tenant-1", "case", time.Now().UTC()))
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_Append_duplicate(t *testing.T) {
	store := NewMemoryStore()
	rec := testRecord("cs-1", "tenant-1", "case", time.Now().UTC())

	_ = store.Append(context.Background(), rec)
	err := store.Append(context.Background(), rec)
	if err == nil {
		t.Fatal("expected conflict error for duplicate")
	}
	var envErr *model.ErrorEnvelope
	if !errors.As(err, &envErr) || envErr.Code != model.ErrConflict {
		t.Errorf("error = %v, want CONFLICT", err)
	}
	if store.Len() != 1 {
		t.Errorf("Len() = %d, want 1", store.Len())
	}
}

func TestMemoryStore_List_sortedByCreation(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_ = store.Append(context.Background(), testRecord("cs-2", "tenant-1", "case", base.Add(time.Minute)))
	_ = store.Append(context.Background(), testRecord("cs-1", "tenant-1", "case", base))
	_ = store.Append(context.Background(), testRecord("cs-3", "tenant-1", "case", base.Add(2*time.Minute)))

	records, err := store.List(context.Background(), "tenant-1", "case")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	for i, want := range []string{"cs-1", "cs-2", "cs-3"} {
		if records[i].ID != want {
			t.Errorf("records[%d].ID = %q, want %q", i, records[i].ID, want)
		}
	}
}

func TestMemoryStore_List_tenantIsolation(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()

	_ = store.Append(context.Background(), testRecord("cs-1", "tenant-1", "case", now))
	_ = store.Append(context.Background(), testRecord("cs-2", "tenant-2", "case", now))

	records, _ := store.List(context.Background(), "tenant-2", "case")
	if len(records) != 1 || records[0].ID != "cs-2" {
		t.Errorf("tenant-2 records = %+v, want only cs-2", records)
	}
}

func TestMemoryStore_List_filtersModel(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now().UTC()

	_ = store.Append(context.Background(), testRecord("cs-1", "tenant-1", "case", now))
	_ = store.Append(context.Background(), testRecord("cs-2", "tenant-1", "incident", now))

	records, _ := store.List(context.Background(), "tenant-1", "incident")
	if len(records) != 1 || records[0].ModelID != "incident" {
		t.Errorf("records = %+v, want only incident", records)
	}
}

func TestMemoryStore_List_empty(t *testing.T) {
	store := NewMemoryStore()

	records, err := store.List(context.Background(), "tenant-1", "case")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("records = %v, want empty non-nil slice", records)
	}
}

func TestMemoryStore_Append_copiesChanges(t *testing.T) {
	store := NewMemoryStore()
	rec := testRecord("cs-1", "tenant-1", "case", time.Now().UTC())

	_ = store.Append(context.Background(), rec)
	rec.Changes[0].NewValue = "mutated"

	records, _ := store.List(context.Background(), "tenant-1", "case")
	if records[0].Changes[0].NewValue != "Claim" {
		t.Errorf("stored NewValue = %v, want Claim", records[0].Changes[0].NewValue)
	}
}

func TestMemoryStore_HealthCheck(t *testing.T) {
	if err := NewMemoryStore().HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}
}
