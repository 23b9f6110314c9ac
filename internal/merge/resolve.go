// Package merge computes the field updates a canonical result may apply to
// an entity snapshot under a conflict policy. Resolution is a pure function
// so policies can be tested against fixed input/expected-output pairs.
package merge

import (
	"strings"

	"github.com/sells-group/crm-research/internal/model"
)

// Mode decides whether a new value may replace an existing one.
type Mode string

const (
	// ModeFillEmpty only writes fields whose current value is null or empty.
	ModeFillEmpty Mode = "fill_empty"
	// ModeOverwrite replaces current values with non-null new values.
	ModeOverwrite Mode = "overwrite"
)

// Policy is the rule set governing one resolution pass.
type Policy struct {
	Mode Mode

	// MinConfidence gates enrichment results: when the result carries a
	// confidence score below this threshold, nothing is applied. Zero
	// disables the gate.
	MinConfidence float64
}

// FieldMapping is one candidate field update. Only mappings that survive the
// policy's exclusion rules are returned by Resolve.
type FieldMapping struct {
	TargetField    string `json:"target_field"`
	TargetIsCustom bool   `json:"target_is_custom"`
	Value          any    `json:"value"`
	CurrentValue   any    `json:"current_value"`
	IsNull         bool   `json:"is_null"`
}

// Resolve computes the applicable field updates for a canonical result
// against the entity's current snapshot. A mapping is excluded when its new
// value is null/absent, when the policy is fill-empty and the current value
// is non-empty, or when the enrichment confidence gate rejects the result.
func Resolve(result *model.CanonicalResult, snap model.EntitySnapshot, policy Policy) []FieldMapping {
	if result == nil {
		return nil
	}
	if policy.Mode == "" {
		policy.Mode = ModeFillEmpty
	}

	var out []FieldMapping

	if result.Contact != nil {
		if gated(result.Contact, policy) {
			return nil
		}
		out = append(out, resolveContact(result.Contact, snap, policy)...)
	}

	for _, c := range fixedCandidates(result) {
		out = appendMapping(out, snap, policy, c.field, false, c.value)
	}

	out = append(out, resolveCustom(result, snap, policy)...)
	return out
}

// FilterUpdates applies the policy's exclusion rules to caller-supplied
// updates. Used when a client picks fields to apply explicitly rather than
// resolving a full result.
func FilterUpdates(updates []FieldMapping, snap model.EntitySnapshot, policy Policy) []FieldMapping {
	if policy.Mode == "" {
		policy.Mode = ModeFillEmpty
	}

	var out []FieldMapping
	for _, u := range updates {
		if u.IsNull {
			continue
		}
		out = appendMapping(out, snap, policy, u.TargetField, u.TargetIsCustom, u.Value)
	}
	return out
}

// gated reports whether the enrichment confidence gate rejects the result.
func gated(contact *model.ContactResult, policy Policy) bool {
	return policy.MinConfidence > 0 &&
		contact.ConfidenceScore != nil &&
		*contact.ConfidenceScore < policy.MinConfidence
}

type candidate struct {
	field string
	value any
}

// fixedCandidates flattens the entity-specific result section into
// field-name/value pairs matching the snapshot's fixed schema names.
func fixedCandidates(result *model.CanonicalResult) []candidate {
	var cs []candidate
	add := func(field string, v any) {
		cs = append(cs, candidate{field: field, value: v})
	}

	switch {
	case result.Organization != nil:
		o := result.Organization
		add("legal_name", deref(o.LegalName))
		add("website", deref(o.Website))
		add("industry", deref(o.Industry))
		add("description", deref(o.Description))
		add("employee_count", derefInt(o.EmployeeCount))
		add("annual_revenue", deref(o.AnnualRevenue))
		add("headquarters", deref(o.Headquarters))
		add("founded_year", derefInt(o.FoundedYear))
		add("linkedin_url", deref(o.LinkedInURL))
	case result.Person != nil:
		p := result.Person
		add("title", deref(p.Title))
		add("company", deref(p.Company))
		add("location", deref(p.Location))
		add("linkedin_url", deref(p.LinkedInURL))
		add("bio", deref(p.Bio))
	case result.RFP != nil:
		r := result.RFP
		add("summary", deref(r.Summary))
		add("issuing_org", deref(r.IssuingOrg))
		add("deadline", deref(r.Deadline))
		add("estimated_value", deref(r.EstimatedValue))
		if len(r.KeyRequirements) > 0 {
			add("key_requirements", r.KeyRequirements)
		}
	}
	return cs
}

// resolveContact maps discovered contact channels onto the person's email
// and phone fields. Fallback priority per channel: explicit best value, then
// a work-email/mobile-phone typed candidate, then the first raw candidate.
func resolveContact(contact *model.ContactResult, snap model.EntitySnapshot, policy Policy) []FieldMapping {
	var out []FieldMapping
	out = appendMapping(out, snap, policy, "email", false,
		channelValue(contact.BestEmail, contact.Emails, "work"))
	out = appendMapping(out, snap, policy, "phone", false,
		channelValue(contact.BestPhone, contact.Phones, "mobile"))
	return out
}

func channelValue(best string, candidates []model.ContactCandidate, preferredType string) any {
	if best != "" {
		return best
	}
	for _, c := range candidates {
		if strings.EqualFold(c.Type, preferredType) && c.Value != "" {
			return c.Value
		}
	}
	for _, c := range candidates {
		if c.Value != "" {
			return c.Value
		}
	}
	return nil
}

// resolveCustom maps result custom values onto the entity's declared custom
// fields. Values for undeclared names are dropped.
func resolveCustom(result *model.CanonicalResult, snap model.EntitySnapshot, policy Policy) []FieldMapping {
	if len(result.CustomFieldValues) == 0 {
		return nil
	}

	var out []FieldMapping
	for _, def := range snap.CustomDefs {
		v, ok := result.CustomFieldValues[def.Name]
		if !ok {
			continue
		}
		out = appendMapping(out, snap, policy, def.Name, true, v)
	}
	return out
}

// appendMapping applies the exclusion rules and appends a surviving mapping.
func appendMapping(out []FieldMapping, snap model.EntitySnapshot, policy Policy, field string, isCustom bool, value any) []FieldMapping {
	if isEmpty(value) {
		return out
	}

	current, _ := snap.FieldValue(field, isCustom)
	if policy.Mode != ModeOverwrite && !isEmpty(current) {
		return out
	}

	return append(out, FieldMapping{
		TargetField:    field,
		TargetIsCustom: isCustom,
		Value:          value,
		CurrentValue:   current,
	})
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func deref(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func derefInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
