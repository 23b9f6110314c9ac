package entity

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-research/internal/merge"
	"github.com/sells-group/crm-research/internal/model"
	"github.com/sells-group/crm-research/pkg/salesforce"
)

// sObjectFor maps entity types onto the Salesforce objects backing them.
var sObjectFor = map[model.EntityType]string{
	model.EntityOrganization: "Account",
	model.EntityPerson:       "Contact",
	model.EntityRFP:          "Opportunity",
}

// fieldNameFor maps canonical field names onto Salesforce API names, per
// entity type.
var fieldNameFor = map[model.EntityType]map[string]string{
	model.EntityOrganization: {
		"legal_name":     "Name",
		"website":        "Website",
		"industry":       "Industry",
		"description":    "Description",
		"employee_count": "NumberOfEmployees",
		"annual_revenue": "AnnualRevenue",
		"headquarters":   "Headquarters__c",
		"founded_year":   "Founded_Year__c",
		"linkedin_url":   "LinkedIn_URL__c",
	},
	model.EntityPerson: {
		"title":        "Title",
		"location":     "MailingCity",
		"bio":          "Description",
		"linkedin_url": "LinkedIn_URL__c",
		"email":        "Email",
		"phone":        "Phone",
	},
	model.EntityRFP: {
		"summary":          "Description",
		"issuing_org":      "Issuing_Org__c",
		"deadline":         "CloseDate",
		"estimated_value":  "Amount",
		"key_requirements": "Key_Requirements__c",
	},
}

// SalesforceStore implements Store against the Salesforce org.
type SalesforceStore struct {
	client salesforce.Client

	// aiExtractable names the custom fields (canonical names, without the
	// __c suffix) the research prompt may ask for.
	aiExtractable map[string]bool
}

// NewSalesforce creates a Salesforce-backed entity store. aiExtractable
// lists custom field names that research prompts may extract.
func NewSalesforce(client salesforce.Client, aiExtractable []string) *SalesforceStore {
	set := make(map[string]bool, len(aiExtractable))
	for _, n := range aiExtractable {
		set[strings.TrimSuffix(n, "__c")] = true
	}
	return &SalesforceStore{client: client, aiExtractable: set}
}

type sfRecord map[string]any

func (s *SalesforceStore) Snapshot(ctx context.Context, ref model.EntityRef) (*model.EntitySnapshot, error) {
	sObject, fields, err := s.schemaFor(ref.Type)
	if err != nil {
		return nil, err
	}

	defs, err := s.CustomFieldDefs(ctx, ref.Type)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{"Id": true, "Name": true}
	names := []string{"Id", "Name"}
	for _, sfName := range fields {
		if !seen[sfName] {
			seen[sfName] = true
			names = append(names, sfName)
		}
	}
	for _, d := range defs {
		api := customAPIName(d.Name)
		if !seen[api] {
			seen[api] = true
			names = append(names, api)
		}
	}

	soql := fmt.Sprintf("SELECT %s FROM %s WHERE Id = '%s'",
		strings.Join(names, ", "), sObject, sanitizeID(ref.ID))

	var records []sfRecord
	if err := s.client.Query(ctx, soql, &records); err != nil {
		return nil, eris.Wrapf(err, "entity: snapshot %s %s", ref.Type, ref.ID)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	rec := records[0]

	snap := &model.EntitySnapshot{
		Ref:          ref,
		Fields:       make(map[string]any, len(fields)),
		CustomFields: map[string]any{},
	}
	for canonical, sfName := range fields {
		snap.Fields[canonical] = rec[sfName]
	}
	if name, ok := rec["Name"].(string); ok && snap.Ref.Name == "" {
		snap.Ref.Name = name
	}

	snap.CustomDefs = defs
	for _, d := range defs {
		if v, ok := rec[customAPIName(d.Name)]; ok {
			snap.CustomFields[d.Name] = v
		}
	}
	return snap, nil
}

func (s *SalesforceStore) ApplyUpdates(ctx context.Context, ref model.EntityRef, mappings []merge.FieldMapping) (int, error) {
	if len(mappings) == 0 {
		return 0, nil
	}

	sObject, fields, err := s.schemaFor(ref.Type)
	if err != nil {
		return 0, err
	}

	updates := make(map[string]any, len(mappings))
	for _, m := range mappings {
		if m.TargetIsCustom {
			updates[customAPIName(m.TargetField)] = m.Value
			continue
		}
		sfName, ok := fields[m.TargetField]
		if !ok {
			continue // unrecognized fixed field, never guessed
		}
		updates[sfName] = m.Value
	}
	if len(updates) == 0 {
		return 0, nil
	}

	if err := s.client.UpdateOne(ctx, sObject, ref.ID, updates); err != nil {
		return 0, eris.Wrapf(err, "entity: apply updates %s %s", ref.Type, ref.ID)
	}
	return len(updates), nil
}

func (s *SalesforceStore) CustomFieldDefs(ctx context.Context, t model.EntityType) ([]model.CustomFieldDef, error) {
	sObject, ok := sObjectFor[t]
	if !ok {
		return nil, eris.Errorf("entity: unsupported entity type %q", t)
	}

	desc, err := s.client.DescribeSObject(ctx, sObject)
	if err != nil {
		return nil, eris.Wrapf(err, "entity: describe %s", sObject)
	}

	var defs []model.CustomFieldDef
	for _, f := range desc.Fields {
		if !f.Custom || !f.Updateable {
			continue
		}
		name := strings.TrimSuffix(f.Name, "__c")
		defs = append(defs, model.CustomFieldDef{
			Name:          name,
			Label:         f.Label,
			EntityType:    t,
			DataType:      f.Type,
			AIExtractable: s.aiExtractable[name],
		})
	}
	return defs, nil
}

func (s *SalesforceStore) schemaFor(t model.EntityType) (string, map[string]string, error) {
	sObject, ok := sObjectFor[t]
	if !ok {
		return "", nil, eris.Errorf("entity: unsupported entity type %q", t)
	}
	return sObject, fieldNameFor[t], nil
}

func customAPIName(name string) string {
	if strings.HasSuffix(name, "__c") {
		return name
	}
	return name + "__c"
}

// sanitizeID strips characters that could break out of a SOQL string literal.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\'', '\\':
			return -1
		}
		return r
	}, id)
}
