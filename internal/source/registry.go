package source

import (
	"cmp"
	"context"
	"crypto/sha256"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/metadata"
	"github.com/pitabwire/modelmgmt/model"
)

// snapshot is an immutable view of a loaded payload set.
type snapshot struct {
	meta     *metadata.ModelsMetaData
	payloads []*model.ModelsPayload
	models   map[string]model.ModelSummary
	checksum string
}

// Registry is a read-optimized, thread-safe store of the loaded payloads and
// their sealed catalogue. It uses atomic pointer swap for lock-free
// concurrent reads.
type Registry struct {
	snap   atomic.Pointer[snapshot]
	logger *zap.Logger
}

// NewRegistry creates a Registry from the given payloads.
func NewRegistry(payloads []*model.ModelsPayload, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger}
	r.Replace(payloads)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given payloads. Open sessions keep the graph they were linked
// from.
func (r *Registry) Replace(payloads []*model.ModelsPayload) {
	s := &snapshot{
		meta:     metadata.Build(MergeMetaData(payloads), r.logger),
		payloads: slices.Clone(payloads),
		models:   make(map[string]model.ModelSummary),
	}

	var checksumParts []string
	for _, p := range payloads {
		checksumParts = append(checksumParts, p.Checksum)

		// Definitions shadow classes and properties of the same id, matching
		// the lookup order of the session graph.
		add := func(kind metadata.Kind, items []model.ModelItem) {
			for _, it := range items {
				if existing, ok := s.models[it.ID]; ok && rank(metadata.Kind(existing.Kind)) <= rank(kind) {
					continue
				}
				s.models[it.ID] = model.ModelSummary{
					ID:       it.ID,
					Kind:     string(kind),
					Parent:   it.Parent,
					Abstract: it.Abstract,
				}
			}
		}
		add(metadata.KindDefinition, p.Definitions)
		add(metadata.KindClass, p.Classes)
		add(metadata.KindProperty, p.Properties)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func rank(k metadata.Kind) int {
	switch k {
	case metadata.KindDefinition:
		return 0
	case metadata.KindClass:
		return 1
	}
	return 2
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Load returns the catalogue and the payloads a session for modelID is
// linked from.
func (r *Registry) Load(_ context.Context, modelID string) (*metadata.ModelsMetaData, []*model.ModelsPayload, error) {
	s := r.current()
	if _, ok := s.models[modelID]; !ok {
		return nil, nil, model.NewNotFoundError(fmt.Sprintf("model %q not found", modelID))
	}
	return s.meta, s.payloads, nil
}

// Model returns the summary of the model with the given id.
func (r *Registry) Model(modelID string) (model.ModelSummary, bool) {
	m, ok := r.current().models[modelID]
	return m, ok
}

// Models returns the summaries of all top-level models, ordered by kind and id.
func (r *Registry) Models() []model.ModelSummary {
	s := r.current()
	out := make([]model.ModelSummary, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b model.ModelSummary) int {
		if c := cmp.Compare(rank(metadata.Kind(a.Kind)), rank(metadata.Kind(b.Kind))); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Catalogue returns the sealed catalogue of the current snapshot.
func (r *Registry) Catalogue() *metadata.ModelsMetaData {
	return r.current().meta
}

// Len returns the number of top-level models.
func (r *Registry) Len() int {
	return len(r.current().models)
}

// Checksum returns the combined checksum of all loaded payloads.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// MergeMetaData concatenates the metaData sections of all payloads in order.
func MergeMetaData(payloads []*model.ModelsPayload) *model.MetaDataDefinition {
	merged := &model.MetaDataDefinition{}
	for _, p := range payloads {
		d := p.MetaData
		if d == nil {
			continue
		}
		merged.Classes = append(merged.Classes, d.Classes...)
		merged.Definitions = append(merged.Definitions, d.Definitions...)
		merged.Properties = append(merged.Properties, d.Properties...)
		merged.Fields = append(merged.Fields, d.Fields...)
		merged.Regions = append(merged.Regions, d.Regions...)
		merged.Actions = append(merged.Actions, d.Actions...)
		merged.ActionGroups = append(merged.ActionGroups, d.ActionGroups...)
		merged.ActionExecutions = append(merged.ActionExecutions, d.ActionExecutions...)
		merged.Headers = append(merged.Headers, d.Headers...)
	}
	return merged
}
