// Package store persists the change-sets produced by saved editing sessions.
package store

import (
	"context"

	"github.com/pitabwire/modelmgmt/model"
)

// ChangeSetStore persists saved change-set records.
type ChangeSetStore interface {
	// Append stores a new record. A duplicate record ID returns CONFLICT.
	Append(ctx context.Context, record model.ChangeSetRecord) error

	// List returns the records of a model for a tenant, oldest first.
	List(ctx context.Context, tenantID, modelID string) ([]model.ChangeSetRecord, error)

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}
