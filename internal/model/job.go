// Package model defines the shared data shapes for research and enrichment
// jobs: job records, canonical provider results, and field definitions.
package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a job record.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobKind identifies which pipeline produced a job.
type JobKind string

const (
	JobKindResearch   JobKind = "research"
	JobKindEnrichment JobKind = "enrichment"
)

// EntityType identifies the CRM record type a job targets.
type EntityType string

const (
	EntityOrganization EntityType = "organization"
	EntityPerson       EntityType = "person"
	EntityRFP          EntityType = "rfp"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityOrganization, EntityPerson, EntityRFP:
		return true
	}
	return false
}

// EntityRef identifies one CRM record.
type EntityRef struct {
	Type EntityType `json:"entity_type"`
	ID   string     `json:"entity_id"`
	Name string     `json:"name,omitempty"`
}

// JobRecord is the persisted state of one research or enrichment attempt
// against one entity. Records are retained as history and never deleted by
// the orchestration subsystem.
//
// Invariants: a completed record has a non-nil Result and empty Error; a
// failed record has a non-empty Error. Once terminal, a record is immutable
// except for AppliedFields bookkeeping.
type JobRecord struct {
	ID             string           `json:"id"`
	ProjectID      string           `json:"project_id"`
	EntityType     EntityType       `json:"entity_type"`
	EntityID       string           `json:"entity_id"`
	Kind           JobKind          `json:"kind"`
	Status         JobStatus        `json:"status"`
	RequestPayload json.RawMessage  `json:"request_payload,omitempty"`
	Result         *CanonicalResult `json:"result,omitempty"`
	Error          string           `json:"error,omitempty"`
	ModelUsed      string           `json:"model_used,omitempty"`
	TokensUsed     int              `json:"tokens_used,omitempty"`
	AppliedFields  int              `json:"applied_fields,omitempty"`
	ProviderRef    string           `json:"provider_ref,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	CreatedBy      string           `json:"created_by,omitempty"`
}
