// Package entity abstracts the CRM record store the orchestration subsystem
// reads snapshots from and writes accepted field updates into.
package entity

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-research/internal/merge"
	"github.com/sells-group/crm-research/internal/model"
)

// ErrNotFound is returned when an entity record does not exist.
var ErrNotFound = eris.New("entity: record not found")

// Store is the record store interface consumed by the executor and campaign.
type Store interface {
	// Snapshot returns the entity's current field values plus its declared
	// custom field definitions.
	Snapshot(ctx context.Context, ref model.EntityRef) (*model.EntitySnapshot, error)

	// ApplyUpdates writes the given field mappings and returns the number of
	// fields actually written.
	ApplyUpdates(ctx context.Context, ref model.EntityRef, mappings []merge.FieldMapping) (int, error)

	// CustomFieldDefs lists the custom field definitions for an entity type.
	CustomFieldDefs(ctx context.Context, t model.EntityType) ([]model.CustomFieldDef, error)
}
