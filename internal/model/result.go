package model

import "strings"

// CanonicalResult is the normalized, provider-agnostic output of an adapter.
// Exactly one of the entity-specific sections is populated, matching the
// job's entity type and kind.
type CanonicalResult struct {
	Organization *OrgFacts    `json:"organization,omitempty"`
	Person       *PersonFacts `json:"person,omitempty"`
	RFP          *RFPFacts    `json:"rfp,omitempty"`

	// Contact holds the enrichment (contact discovery) variant.
	Contact *ContactResult `json:"contact,omitempty"`

	// CustomFieldValues carries values keyed by custom field name, for
	// fields the caller declared AI-extractable.
	CustomFieldValues map[string]any `json:"custom_field_values,omitempty"`
}

// OrgFacts holds researched organization profile fields. All fields are
// optional; absent means the provider could not determine a value.
type OrgFacts struct {
	LegalName     *string `json:"legal_name,omitempty"`
	Website       *string `json:"website,omitempty"`
	Industry      *string `json:"industry,omitempty"`
	Description   *string `json:"description,omitempty"`
	EmployeeCount *int    `json:"employee_count,omitempty"`
	AnnualRevenue *string `json:"annual_revenue,omitempty"`
	Headquarters  *string `json:"headquarters,omitempty"`
	FoundedYear   *int    `json:"founded_year,omitempty"`
	LinkedInURL   *string `json:"linkedin_url,omitempty"`
}

// PersonFacts holds researched person profile fields.
type PersonFacts struct {
	Title       *string `json:"title,omitempty"`
	Company     *string `json:"company,omitempty"`
	Location    *string `json:"location,omitempty"`
	LinkedInURL *string `json:"linkedin_url,omitempty"`
	Bio         *string `json:"bio,omitempty"`
}

// RFPFacts holds researched RFP context fields.
type RFPFacts struct {
	Summary         *string  `json:"summary,omitempty"`
	IssuingOrg      *string  `json:"issuing_org,omitempty"`
	Deadline        *string  `json:"deadline,omitempty"`
	EstimatedValue  *string  `json:"estimated_value,omitempty"`
	KeyRequirements []string `json:"key_requirements,omitempty"`
}

// ContactCandidate is one discovered value for a contact channel.
type ContactCandidate struct {
	Value  string `json:"value"`
	Type   string `json:"type,omitempty"`   // e.g. "work", "mobile", "personal"
	Status string `json:"status,omitempty"` // provider verification tag
}

// ContactResult is the enrichment-variant canonical result: a best value per
// channel plus the full candidate list, and an optional confidence score used
// as an acceptance gate by merge policies.
type ContactResult struct {
	BestEmail       string             `json:"best_email,omitempty"`
	BestPhone       string             `json:"best_phone,omitempty"`
	Emails          []ContactCandidate `json:"emails,omitempty"`
	Phones          []ContactCandidate `json:"phones,omitempty"`
	ConfidenceScore *float64           `json:"confidence_score,omitempty"`
	Correlation     Correlation        `json:"correlation"`
}

// Correlation ties a provider record back to the originating request. The
// provider echoes it verbatim; result matching keys off it rather than
// response ordering.
type Correlation struct {
	PersonID string `json:"person_id"`
	JobID    string `json:"job_id"`
}

// Validate reports whether the correlation payload is usable for matching.
func (c Correlation) Validate() bool {
	return strings.TrimSpace(c.PersonID) != "" && strings.TrimSpace(c.JobID) != ""
}
