package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/modelmgmt/internal/store"
	"github.com/pitabwire/modelmgmt/model"
)

func handleListModels(catalogue ModelCatalogue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if model.RequestContextFrom(r.Context()) == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		summaries := []model.ModelSummary{}
		if catalogue != nil {
			summaries = append(summaries, catalogue.Models()...)
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        summaries,
			"total_count": len(summaries),
		})
	}
}

func handleModelHistory(history store.ChangeSetStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		modelID := chi.URLParam(r, "modelId")

		records := []model.ChangeSetRecord{}
		if history != nil {
			stored, err := history.List(r.Context(), rctx.TenantID, modelID)
			if err != nil {
				WriteError(w, err)
				return
			}
			records = append(records, stored...)
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":        records,
			"total_count": len(records),
		})
	}
}
