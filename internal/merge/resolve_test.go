package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-research/internal/model"
)

func strp(s string) *string     { return &s }
func intp(i int) *int           { return &i }
func floatp(f float64) *float64 { return &f }

func orgSnapshot(fields map[string]any) model.EntitySnapshot {
	return model.EntitySnapshot{
		Ref:    model.EntityRef{Type: model.EntityOrganization, ID: "org-1", Name: "Acme"},
		Fields: fields,
	}
}

func mappedFields(ms []FieldMapping) map[string]any {
	out := make(map[string]any, len(ms))
	for _, m := range ms {
		out[m.TargetField] = m.Value
	}
	return out
}

func TestResolveNilAndEmptyValuesExcluded(t *testing.T) {
	result := &model.CanonicalResult{
		Organization: &model.OrgFacts{
			LegalName: strp("Acme Corp"),
			Website:   nil,
			Industry:  strp("   "),
		},
	}

	ms := Resolve(result, orgSnapshot(map[string]any{}), Policy{Mode: ModeOverwrite})
	fields := mappedFields(ms)

	assert.Equal(t, "Acme Corp", fields["legal_name"])
	assert.NotContains(t, fields, "website")
	assert.NotContains(t, fields, "industry")
}

func TestResolvePolicyMatrix(t *testing.T) {
	result := &model.CanonicalResult{
		Organization: &model.OrgFacts{Industry: strp("Manufacturing")},
	}

	tests := []struct {
		name    string
		mode    Mode
		current map[string]any
		want    bool
	}{
		{"fill empty writes empty field", ModeFillEmpty, map[string]any{}, true},
		{"fill empty skips populated field", ModeFillEmpty, map[string]any{"industry": "Retail"}, false},
		{"fill empty treats whitespace as empty", ModeFillEmpty, map[string]any{"industry": "  "}, true},
		{"overwrite replaces populated field", ModeOverwrite, map[string]any{"industry": "Retail"}, true},
		{"default mode is fill empty", "", map[string]any{"industry": "Retail"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := Resolve(result, orgSnapshot(tt.current), Policy{Mode: tt.mode})
			_, ok := mappedFields(ms)["industry"]
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestResolveConfidenceGate(t *testing.T) {
	snap := model.EntitySnapshot{
		Ref:    model.EntityRef{Type: model.EntityPerson, ID: "p-1"},
		Fields: map[string]any{},
	}

	tests := []struct {
		name       string
		confidence *float64
		min        float64
		wantFields int
	}{
		{"below threshold applies nothing", floatp(0.3), 0.5, 0},
		{"above threshold applies", floatp(0.6), 0.5, 1},
		{"gate disabled at zero", floatp(0.1), 0, 1},
		{"missing score passes gate", nil, 0.5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := &model.CanonicalResult{
				Contact: &model.ContactResult{
					BestEmail:       "jane@acme.com",
					ConfidenceScore: tt.confidence,
					Correlation:     model.Correlation{PersonID: "p-1", JobID: "j-1"},
				},
			}
			ms := Resolve(result, snap, Policy{Mode: ModeFillEmpty, MinConfidence: tt.min})
			assert.Len(t, ms, tt.wantFields)
		})
	}
}

func TestResolveContactChannelFallback(t *testing.T) {
	snap := model.EntitySnapshot{
		Ref:    model.EntityRef{Type: model.EntityPerson, ID: "p-1"},
		Fields: map[string]any{},
	}

	tests := []struct {
		name      string
		contact   model.ContactResult
		wantEmail any
		wantPhone any
	}{
		{
			name: "explicit best values win",
			contact: model.ContactResult{
				BestEmail: "best@acme.com",
				BestPhone: "+1-555-0100",
				Emails:    []model.ContactCandidate{{Value: "other@acme.com", Type: "work"}},
			},
			wantEmail: "best@acme.com",
			wantPhone: "+1-555-0100",
		},
		{
			name: "typed candidate preferred over first",
			contact: model.ContactResult{
				Emails: []model.ContactCandidate{
					{Value: "personal@gmail.com", Type: "personal"},
					{Value: "work@acme.com", Type: "work"},
				},
				Phones: []model.ContactCandidate{
					{Value: "+1-555-0200", Type: "office"},
					{Value: "+1-555-0300", Type: "mobile"},
				},
			},
			wantEmail: "work@acme.com",
			wantPhone: "+1-555-0300",
		},
		{
			name: "first raw candidate as last resort",
			contact: model.ContactResult{
				Emails: []model.ContactCandidate{{Value: "a@acme.com", Type: "personal"}},
			},
			wantEmail: "a@acme.com",
			wantPhone: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.contact.Correlation = model.Correlation{PersonID: "p-1", JobID: "j-1"}
			ms := Resolve(&model.CanonicalResult{Contact: &tt.contact}, snap, Policy{Mode: ModeFillEmpty})
			fields := mappedFields(ms)
			assert.Equal(t, tt.wantEmail, fields["email"])
			if tt.wantPhone == nil {
				assert.NotContains(t, fields, "phone")
			} else {
				assert.Equal(t, tt.wantPhone, fields["phone"])
			}
		})
	}
}

func TestResolveCustomFieldsRequireDeclaration(t *testing.T) {
	snap := orgSnapshot(map[string]any{})
	snap.CustomDefs = []model.CustomFieldDef{
		{Name: "naics_code", EntityType: model.EntityOrganization, DataType: "string"},
	}

	result := &model.CanonicalResult{
		Organization:      &model.OrgFacts{},
		CustomFieldValues: map[string]any{"naics_code": "332710", "undeclared": "x"},
	}

	ms := Resolve(result, snap, Policy{Mode: ModeFillEmpty})
	fields := mappedFields(ms)
	assert.Equal(t, "332710", fields["naics_code"])
	assert.NotContains(t, fields, "undeclared")

	custom := ms[0]
	assert.True(t, custom.TargetIsCustom)
}

func TestResolveNumericFields(t *testing.T) {
	result := &model.CanonicalResult{
		Organization: &model.OrgFacts{
			EmployeeCount: intp(120),
			FoundedYear:   intp(1987),
		},
	}

	ms := Resolve(result, orgSnapshot(map[string]any{}), Policy{Mode: ModeFillEmpty})
	fields := mappedFields(ms)
	assert.Equal(t, 120, fields["employee_count"])
	assert.Equal(t, 1987, fields["founded_year"])
}

func TestResolveNilResult(t *testing.T) {
	assert.Nil(t, Resolve(nil, orgSnapshot(nil), Policy{Mode: ModeOverwrite}))
}

// Applying resolved mappings then re-resolving under fill-empty must yield
// nothing further for those fields.
func TestResolveIdempotentAfterApply(t *testing.T) {
	result := &model.CanonicalResult{
		Person: &model.PersonFacts{
			Title:   strp("VP Operations"),
			Company: strp("Acme Corp"),
		},
	}
	snap := model.EntitySnapshot{
		Ref:    model.EntityRef{Type: model.EntityPerson, ID: "p-1"},
		Fields: map[string]any{},
	}

	first := Resolve(result, snap, Policy{Mode: ModeFillEmpty})
	require.Len(t, first, 2)

	for _, m := range first {
		snap.Fields[m.TargetField] = m.Value
	}

	second := Resolve(result, snap, Policy{Mode: ModeFillEmpty})
	assert.Empty(t, second)
}

func TestFilterUpdates(t *testing.T) {
	snap := orgSnapshot(map[string]any{"industry": "Retail"})
	updates := []FieldMapping{
		{TargetField: "industry", Value: "Manufacturing"},
		{TargetField: "website", Value: "https://acme.com"},
		{TargetField: "description", IsNull: true},
	}

	kept := FilterUpdates(updates, snap, Policy{Mode: ModeFillEmpty})
	fields := mappedFields(kept)
	assert.NotContains(t, fields, "industry")
	assert.Equal(t, "https://acme.com", fields["website"])
	assert.NotContains(t, fields, "description")

	kept = FilterUpdates(updates, snap, Policy{Mode: ModeOverwrite})
	fields = mappedFields(kept)
	assert.Equal(t, "Manufacturing", fields["industry"])
}
