package source

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/model"
)

func loadTestPayloads(t *testing.T) []*model.ModelsPayload {
	t.Helper()
	payloads, err := NewLoader().LoadAll([]string{"testdata/models"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	return payloads
}

func TestRegistry_Models(t *testing.T) {
	r := NewRegistry(loadTestPayloads(t), nil)

	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	models := r.Models()
	want := []string{"case", "incident", "base"}
	for i, id := range want {
		if models[i].ID != id {
			t.Errorf("Models()[%d] = %q, want %q", i, models[i].ID, id)
		}
	}
	base, ok := r.Model("base")
	if !ok {
		t.Fatal("Model(base) not found")
	}
	if base.Kind != "class" || !base.Abstract {
		t.Errorf("base = %+v, want abstract class", base)
	}
	incident, _ := r.Model("incident")
	if incident.Parent != "case" {
		t.Errorf("incident.Parent = %q, want case", incident.Parent)
	}
}

func TestRegistry_Load(t *testing.T) {
	payloads := loadTestPayloads(t)
	r := NewRegistry(payloads, nil)

	meta, got, err := r.Load(context.Background(), "case")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !meta.IsSealed() {
		t.Error("catalogue should be sealed")
	}
	if _, ok := meta.Attribute(metadata.KindField, "size"); !ok {
		t.Error("catalogue should contain field attribute size")
	}
	if len(got) != len(payloads) {
		t.Errorf("Load() = %d payloads, want %d", len(got), len(payloads))
	}
	if meta != r.Catalogue() {
		t.Error("Load() should share the snapshot catalogue")
	}
}

func TestRegistry_Load_unknownModel(t *testing.T) {
	r := NewRegistry(loadTestPayloads(t), nil)

	_, _, err := r.Load(context.Background(), "nope")
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || env.Code != model.ErrNotFound {
		t.Errorf("Load(nope) error = %v, want NOT_FOUND", err)
	}
}

func TestRegistry_definitionShadowsClass(t *testing.T) {
	r := NewRegistry([]*model.ModelsPayload{
		{Classes: []model.ModelItem{{ID: "same"}}},
		{Definitions: []model.ModelItem{{ID: "same", Parent: "same"}}},
	}, nil)

	m, _ := r.Model("same")
	if m.Kind != "definition" {
		t.Errorf("Kind = %q, want definition", m.Kind)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_Checksum(t *testing.T) {
	a := &model.ModelsPayload{Checksum: "aaa"}
	b := &model.ModelsPayload{Checksum: "bbb"}

	r1 := NewRegistry([]*model.ModelsPayload{a, b}, nil)
	r2 := NewRegistry([]*model.ModelsPayload{b, a}, nil)
	if r1.Checksum() == "" {
		t.Fatal("Checksum should not be empty")
	}
	if r1.Checksum() != r2.Checksum() {
		t.Error("Checksum should not depend on payload order")
	}

	r1.Replace([]*model.ModelsPayload{a})
	if r1.Checksum() == r2.Checksum() {
		t.Error("Checksum should change after Replace")
	}
}

func TestRegistry_Replace(t *testing.T) {
	r := NewRegistry(loadTestPayloads(t), nil)
	old := r.Catalogue()

	r.Replace([]*model.ModelsPayload{{Definitions: []model.ModelItem{{ID: "other"}}}})

	if _, ok := r.Model("case"); ok {
		t.Error("case should be gone after Replace")
	}
	if _, ok := r.Model("other"); !ok {
		t.Error("other should be present after Replace")
	}
	if r.Catalogue() == old {
		t.Error("Replace should build a new catalogue")
	}
}

func TestRegistry_concurrentReadsDuringReplace(t *testing.T) {
	payloads := loadTestPayloads(t)
	r := NewRegistry(payloads, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = r.Models()
				_, _, _ = r.Load(context.Background(), "case")
			}
		}()
	}
	for i := 0; i < 10; i++ {
		r.Replace(payloads)
	}
	wg.Wait()
}

func TestMergeMetaData(t *testing.T) {
	merged := MergeMetaData([]*model.ModelsPayload{
		{MetaData: &model.MetaDataDefinition{Classes: []model.AttributeMetaDataDefinition{{ID: "a"}}}},
		{},
		{MetaData: &model.MetaDataDefinition{
			Classes: []model.AttributeMetaDataDefinition{{ID: "b"}},
			Headers: []model.AttributeMetaDataDefinition{{ID: "h"}},
		}},
	})
	if len(merged.Classes) != 2 || merged.Classes[1].ID != "b" {
		t.Errorf("Classes = %+v, want [a b]", merged.Classes)
	}
	if len(merged.Headers) != 1 {
		t.Errorf("Headers = %+v, want [h]", merged.Headers)
	}
}
