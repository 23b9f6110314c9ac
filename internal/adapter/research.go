package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sells-group/crm-research/internal/model"
	"github.com/sells-group/crm-research/pkg/anthropic"
)

const researchSystemText = "You are a CRM research analyst. Research the given record using your knowledge and return only a valid JSON object matching the requested schema. Use null for facts you cannot determine. Do not invent values."

const orgSchema = `{
  "legal_name": "string or null",
  "website": "string or null",
  "industry": "string or null",
  "description": "string or null",
  "employee_count": "integer or null",
  "annual_revenue": "string or null",
  "headquarters": "string or null",
  "founded_year": "integer or null",
  "linkedin_url": "string or null",
  "custom_fields": {"<field name>": "value"}
}`

const personSchema = `{
  "title": "string or null",
  "company": "string or null",
  "location": "string or null",
  "linkedin_url": "string or null",
  "bio": "string or null",
  "custom_fields": {"<field name>": "value"}
}`

const rfpSchema = `{
  "summary": "string or null",
  "issuing_org": "string or null",
  "deadline": "string or null",
  "estimated_value": "string or null",
  "key_requirements": ["string"],
  "custom_fields": {"<field name>": "value"}
}`

// ResearchRequest carries everything needed to research one entity.
type ResearchRequest struct {
	Snapshot model.EntitySnapshot

	// CustomDefs are the caller's custom field definitions; only those
	// flagged AIExtractable are offered to the model.
	CustomDefs []model.CustomFieldDef

	// AdditionalContext is free-form caller guidance (RFP research).
	AdditionalContext string
}

// ResearchOutcome is the adapter's successful translation of a model response.
type ResearchOutcome struct {
	Result    *model.CanonicalResult
	ModelUsed string
	Usage     anthropic.TokenUsage
}

// ResearchAdapter asks the AI completion service to discover facts about a
// CRM entity and normalizes the structured response.
type ResearchAdapter struct {
	ai        anthropic.Client
	modelName string
	maxTokens int64
	timeout   time.Duration
}

// NewResearchAdapter creates a research adapter for the given model.
func NewResearchAdapter(ai anthropic.Client, modelName string, maxTokens int64, timeout time.Duration) *ResearchAdapter {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ResearchAdapter{ai: ai, modelName: modelName, maxTokens: maxTokens, timeout: timeout}
}

// Research runs one structured research call. All failures are typed adapter
// errors; a response that does not match the expected schema is
// KindSchemaInvalid, never silently coerced.
func (a *ResearchAdapter) Research(ctx context.Context, req ResearchRequest) (*ResearchOutcome, error) {
	prompt, err := a.buildPrompt(req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.ai.CreateMessage(callCtx, anthropic.MessageRequest{
		Model:     a.modelName,
		MaxTokens: a.maxTokens,
		System:    []anthropic.SystemBlock{{Text: researchSystemText}},
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, Classify(err)
	}

	raw := extractJSONObject(responseText(resp))
	if raw == "" {
		return nil, NewError(KindSchemaInvalid, "response contains no JSON object")
	}

	result, err := decodeResearch(req.Snapshot.Ref.Type, raw)
	if err != nil {
		return nil, WrapError(KindSchemaInvalid, "response does not match schema", err)
	}

	return &ResearchOutcome{
		Result:    result,
		ModelUsed: resp.Model,
		Usage:     resp.Usage,
	}, nil
}

func (a *ResearchAdapter) buildPrompt(req ResearchRequest) (string, error) {
	ref := req.Snapshot.Ref

	var schema string
	switch ref.Type {
	case model.EntityOrganization:
		schema = orgSchema
	case model.EntityPerson:
		schema = personSchema
	case model.EntityRFP:
		schema = rfpSchema
	default:
		return "", NewError(KindSchemaInvalid, fmt.Sprintf("unsupported entity type %q", ref.Type))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Research this %s record.\n\nKnown fields:\n", ref.Type)
	writeKnownFields(&b, ref, req.Snapshot.Fields)

	if defs := extractableDefs(ref.Type, req.CustomDefs); len(defs) > 0 {
		b.WriteString("\nAdditionally extract these custom fields into \"custom_fields\":\n")
		for _, d := range defs {
			fmt.Fprintf(&b, "- %s (%s)", d.Name, d.DataType)
			if d.Description != "" {
				fmt.Fprintf(&b, ": %s", d.Description)
			}
			b.WriteString("\n")
		}
	}

	if req.AdditionalContext != "" {
		b.WriteString("\nAdditional context from the requester:\n")
		b.WriteString(req.AdditionalContext)
		b.WriteString("\n")
	}

	b.WriteString("\nReturn a JSON object matching this schema:\n")
	b.WriteString(schema)
	return b.String(), nil
}

func writeKnownFields(b *strings.Builder, ref model.EntityRef, fields map[string]any) {
	if ref.Name != "" {
		fmt.Fprintf(b, "- name: %s\n", ref.Name)
	}
	for k, v := range fields {
		if v == nil || v == "" {
			continue
		}
		fmt.Fprintf(b, "- %s: %v\n", k, v)
	}
}

// extractableDefs filters custom field definitions down to the ones the
// prompt may expose: AI-extractable and declared for this entity type.
func extractableDefs(t model.EntityType, defs []model.CustomFieldDef) []model.CustomFieldDef {
	var out []model.CustomFieldDef
	for _, d := range defs {
		if d.AIExtractable && d.EntityType == t {
			out = append(out, d)
		}
	}
	return out
}

func responseText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "" || b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// extractJSONObject strips markdown fences and locates the substring between
// the first '{' and the last '}'. Some upstream models wrap the JSON object
// in explanatory prose.
func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

// orgWire mirrors orgSchema on the wire.
type orgWire struct {
	model.OrgFacts
	CustomFields map[string]any `json:"custom_fields"`
}

type personWire struct {
	model.PersonFacts
	CustomFields map[string]any `json:"custom_fields"`
}

type rfpWire struct {
	model.RFPFacts
	CustomFields map[string]any `json:"custom_fields"`
}

func decodeResearch(t model.EntityType, raw string) (*model.CanonicalResult, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.DisallowUnknownFields()

	switch t {
	case model.EntityOrganization:
		var w orgWire
		if err := dec.Decode(&w); err != nil {
			return nil, err
		}
		return &model.CanonicalResult{Organization: &w.OrgFacts, CustomFieldValues: w.CustomFields}, nil
	case model.EntityPerson:
		var w personWire
		if err := dec.Decode(&w); err != nil {
			return nil, err
		}
		return &model.CanonicalResult{Person: &w.PersonFacts, CustomFieldValues: w.CustomFields}, nil
	case model.EntityRFP:
		var w rfpWire
		if err := dec.Decode(&w); err != nil {
			return nil, err
		}
		return &model.CanonicalResult{RFP: &w.RFPFacts, CustomFieldValues: w.CustomFields}, nil
	}
	return nil, fmt.Errorf("unsupported entity type %q", t)
}
