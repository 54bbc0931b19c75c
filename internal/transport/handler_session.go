package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/modelmgmt/internal/session"
	"github.com/pitabwire/modelmgmt/model"
)

// maxBodyBytes bounds request bodies of session endpoints.
const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// sessionFor resolves the session named in the URL and checks it belongs to
// the caller's tenant. Sessions of other tenants are reported as not found.
func sessionFor(mgr *session.Manager, r *http.Request) (string, *model.RequestContext, error) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		return "", nil, model.NewUnauthorizedError("missing request context")
	}
	id := chi.URLParam(r, "sessionId")
	tenant, err := mgr.Owner(id)
	if err != nil {
		return "", nil, err
	}
	if tenant != rctx.TenantID {
		return "", nil, model.NewSessionNotFoundError(id)
	}
	return id, rctx, nil
}

func handleOpenSession(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body model.OpenSessionInput
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.ModelID == "" {
			WriteError(w, model.NewBadRequestError("model_id is required"))
			return
		}

		desc, err := mgr.Open(r.Context(), rctx, body.ModelID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, desc)
	}
}

func handleDescribeSession(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _, err := sessionFor(mgr, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		desc, err := mgr.Describe(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleCloseSession(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _, err := sessionFor(mgr, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		if err := mgr.Close(r.Context(), id); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "closed"})
	}
}

func handleEditSession(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, rctx, err := sessionFor(mgr, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		var body model.EditInput
		if err := decodeBody(w, r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.Selector == "" {
			WriteError(w, model.NewBadRequestError("selector is required"))
			return
		}

		desc, err := mgr.Edit(r.Context(), rctx, id, body)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

// sessionStep adapts the manager operations that take no input and return
// the new descriptor.
func sessionStep(mgr *session.Manager, step func(*session.Manager, *http.Request, string) (model.SessionDescriptor, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _, err := sessionFor(mgr, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		desc, err := step(mgr, r, id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleUndo(mgr *session.Manager) http.HandlerFunc {
	return sessionStep(mgr, func(m *session.Manager, r *http.Request, id string) (model.SessionDescriptor, error) {
		return m.Undo(r.Context(), id)
	})
}

func handleRedo(mgr *session.Manager) http.HandlerFunc {
	return sessionStep(mgr, func(m *session.Manager, r *http.Request, id string) (model.SessionDescriptor, error) {
		return m.Redo(r.Context(), id)
	})
}

func handleCancel(mgr *session.Manager) http.HandlerFunc {
	return sessionStep(mgr, func(m *session.Manager, r *http.Request, id string) (model.SessionDescriptor, error) {
		return m.Cancel(r.Context(), id)
	})
}

func handleValidate(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _, err := sessionFor(mgr, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		report, err := mgr.Validate(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func handleChangeSets(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _, err := sessionFor(mgr, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		changes, err := mgr.ChangeSets(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		if changes == nil {
			changes = []model.ChangeSet{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": changes})
	}
}

func handleSave(mgr *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _, err := sessionFor(mgr, r)
		if err != nil {
			WriteError(w, err)
			return
		}

		result, err := mgr.Save(r.Context(), id, r.Header.Get("X-Idempotency-Key"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
