package model

import "time"

// Change-set operations.
const (
	OperationModifyAttribute  = "modifyAttribute"
	OperationRestoreAttribute = "restoreAttribute"
)

// ChangeSet is a single flat diff record submitted to the model service on
// save. Field order is part of the wire contract.
type ChangeSet struct {
	Selector  string `json:"selector"`
	OldValue  any    `json:"oldValue"`
	NewValue  any    `json:"newValue"`
	Operation string `json:"operation"`
}

// ChangeSetRecord is one persisted save of an editing session.
type ChangeSetRecord struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	ModelID   string      `json:"model_id"`
	TenantID  string      `json:"tenant_id"`
	SubjectID string      `json:"subject_id"`
	Changes   []ChangeSet `json:"changes"`
	CreatedAt time.Time   `json:"created_at"`
}

// OpenSessionInput is the request payload for opening an editing session.
type OpenSessionInput struct {
	ModelID string `json:"model_id"`
}

// EditInput is the request payload for applying an edit action. Selector
// addresses the attribute from the owning model down, e.g.
// "definition=case/field=title/attribute=label". Value is used for single
// valued attributes, Values (language → value) for multi-language ones.
type EditInput struct {
	Type     string         `json:"type"`
	Selector string         `json:"selector"`
	Value    any            `json:"value,omitempty"`
	Values   map[string]any `json:"values,omitempty"`
}

// SaveResult is returned after a session has been saved.
type SaveResult struct {
	RecordID string      `json:"record_id"`
	Changes  []ChangeSet `json:"changes"`
	SavedAt  time.Time   `json:"saved_at"`
}

// ValidationReport summarises the validation state of a session.
type ValidationReport struct {
	Valid        bool         `json:"valid"`
	SaveDisabled bool         `json:"save_disabled"`
	Errors       []FieldError `json:"errors,omitempty"`
}
