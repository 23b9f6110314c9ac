package model

// CustomFieldDef declares a project-level custom field on an entity type.
// Only definitions with AIExtractable set are offered to the research
// adapter's prompt; everything else is invisible to providers.
type CustomFieldDef struct {
	Name          string     `json:"name"`
	Label         string     `json:"label,omitempty"`
	EntityType    EntityType `json:"entity_type"`
	DataType      string     `json:"data_type"` // text, number, date, url
	AIExtractable bool       `json:"ai_extractable"`
	Description   string     `json:"description,omitempty"`
}

// EntitySnapshot is the current state of an entity's fields at merge time:
// fixed schema fields plus declared custom field values.
type EntitySnapshot struct {
	Ref          EntityRef        `json:"ref"`
	Fields       map[string]any   `json:"fields"`
	CustomFields map[string]any   `json:"custom_fields,omitempty"`
	CustomDefs   []CustomFieldDef `json:"custom_defs,omitempty"`
}

// FieldValue returns the current value of a fixed or custom field, with a
// found flag distinguishing "absent" from "present but nil".
func (s *EntitySnapshot) FieldValue(name string, isCustom bool) (any, bool) {
	if isCustom {
		v, ok := s.CustomFields[name]
		return v, ok
	}
	v, ok := s.Fields[name]
	return v, ok
}
