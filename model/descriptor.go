package model

import "time"

// ModelSummary lists a model available for editing.
type ModelSummary struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Parent   string `json:"parent,omitempty"`
	Abstract bool   `json:"abstract"`
}

// SessionDescriptor is the resolved state of an editing session sent to the
// client.
type SessionDescriptor struct {
	ID           string          `json:"id"`
	ModelID      string          `json:"model_id"`
	Dirty        bool            `json:"dirty"`
	SaveDisabled bool            `json:"save_disabled"`
	CanUndo      bool            `json:"can_undo"`
	CanRedo      bool            `json:"can_redo"`
	CreatedAt    time.Time       `json:"created_at"`
	Model        ModelDescriptor `json:"model"`
}

// ModelDescriptor is a resolved model node with its effective attributes.
type ModelDescriptor struct {
	ID         string                `json:"id"`
	Kind       string                `json:"kind"`
	Selector   string                `json:"selector"`
	Inherited  bool                  `json:"inherited"`
	Valid      bool                  `json:"valid"`
	Attributes []AttributeDescriptor `json:"attributes"`
	Children   []ModelDescriptor     `json:"children,omitempty"`
}

// AttributeDescriptor is a single effective attribute of a model.
type AttributeDescriptor struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Selector   string   `json:"selector"`
	Value      any      `json:"value"`
	Inherited  bool     `json:"inherited"`
	Dirty      bool     `json:"dirty"`
	Updateable bool     `json:"updateable"`
	Mandatory  bool     `json:"mandatory"`
	Visible    bool     `json:"visible"`
	Errors     []string `json:"errors,omitempty"`
}
