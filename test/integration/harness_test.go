package integration

import (
	"context"
	"net/http"
	"testing"

	"github.com/pitabwire/modelmgmt/model"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())

	// Verify the server is running.
	resp := h.GET("/ui/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		var body map[string]string
		h.AssertJSON(t, h.GET("/ui/health", ""), http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		var body struct {
			Status string                    `json:"status"`
			Checks map[string]map[string]any `json:"checks"`
		}
		h.AssertJSON(t, h.GET("/ui/ready", ""), http.StatusOK, &body)
		if body.Status != "ready" {
			t.Errorf("ready status = %q, want ready", body.Status)
		}
		if _, ok := body.Checks["change_set_store"]; !ok {
			t.Errorf("checks = %v, want change_set_store", body.Checks)
		}
	})
}

func TestHarness_AuthenticationRequired(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("no token returns 401", func(t *testing.T) {
		resp := h.GET("/api/models", "")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		token := h.GenerateExpiredToken(OwnerClaims())
		resp := h.GET("/api/models", token)
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		resp := h.GET("/api/models", "invalid-token")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})
}

func TestHarness_ListModels(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ReaderClaims())

	var body struct {
		Data       []model.ModelSummary `json:"data"`
		TotalCount int                  `json:"total_count"`
	}
	h.AssertJSON(t, h.GET("/api/models", token), http.StatusOK, &body)

	if body.TotalCount != 3 || len(body.Data) != 3 {
		t.Fatalf("models = %s, want 3 entries", FormatJSON(body))
	}
	byID := map[string]model.ModelSummary{}
	for _, m := range body.Data {
		byID[m.ID] = m
	}
	if !byID["document"].Abstract {
		t.Errorf("document.Abstract = false, want true")
	}
	if byID["order"].Parent != "document" {
		t.Errorf("order.Parent = %q, want document", byID["order"].Parent)
	}
}

func TestHarness_OpenSessionResolvesInheritance(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(AuthorClaims())

	d := h.OpenSession(t, token, "order")
	if d.ID == "" || d.ModelID != "order" {
		t.Fatalf("descriptor = %s", FormatJSON(d))
	}
	if d.Dirty || !d.SaveDisabled || d.CanUndo {
		t.Errorf("fresh session state = %+v, want clean", d)
	}

	title, ok := Attribute(d, "title")
	if !ok || title.Value != "Order" || title.Inherited {
		t.Errorf("title = %+v, want local Order", title)
	}
	code, ok := Attribute(d, "code")
	if !ok || code.Value != "DOC" || !code.Inherited {
		t.Errorf("code = %+v, want inherited DOC", code)
	}
	if h.Sessions.Len() != 1 {
		t.Errorf("Sessions.Len() = %d, want 1", h.Sessions.Len())
	}
}

func TestHarness_HistoryRecording(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OwnerClaims())

	d := h.OpenSession(t, token, "invoice")
	h.Edit(t, token, d.ID, "attribute=title", "Invoice v2")
	h.AssertStatus(t, h.POST(SessionPath(d.ID, "save"), nil, token), http.StatusOK)

	records, err := h.History.List(context.Background(), "acme-corp", "invoice")
	if err != nil {
		t.Fatalf("History.List() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].SubjectID != "user-owner" || records[0].SessionID != d.ID {
		t.Errorf("record = %+v", records[0])
	}
}
