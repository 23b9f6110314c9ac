package entity

import (
	"context"
	"sync"

	"github.com/sells-group/crm-research/internal/merge"
	"github.com/sells-group/crm-research/internal/model"
)

// MemoryStore is an in-process Store used by tests and by local runs that
// have no CRM connection configured.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]*model.EntitySnapshot
	defs  map[model.EntityType][]model.CustomFieldDef
}

// NewMemory creates an empty in-memory entity store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*model.EntitySnapshot),
		defs:  make(map[model.EntityType][]model.CustomFieldDef),
	}
}

// Put seeds or replaces an entity snapshot.
func (s *MemoryStore) Put(snap model.EntitySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := snap
	if cp.Fields == nil {
		cp.Fields = map[string]any{}
	}
	if cp.CustomFields == nil {
		cp.CustomFields = map[string]any{}
	}
	s.snaps[snap.Ref.ID] = &cp
}

// SetCustomFieldDefs seeds custom field definitions for an entity type.
func (s *MemoryStore) SetCustomFieldDefs(t model.EntityType, defs []model.CustomFieldDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[t] = defs
}

func (s *MemoryStore) Snapshot(_ context.Context, ref model.EntityRef) (*model.EntitySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[ref.ID]
	if !ok {
		return nil, ErrNotFound
	}

	out := model.EntitySnapshot{
		Ref:          snap.Ref,
		Fields:       make(map[string]any, len(snap.Fields)),
		CustomFields: make(map[string]any, len(snap.CustomFields)),
		CustomDefs:   append([]model.CustomFieldDef(nil), s.defs[ref.Type]...),
	}
	for k, v := range snap.Fields {
		out.Fields[k] = v
	}
	for k, v := range snap.CustomFields {
		out.CustomFields[k] = v
	}
	return &out, nil
}

func (s *MemoryStore) ApplyUpdates(_ context.Context, ref model.EntityRef, mappings []merge.FieldMapping) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := s.snaps[ref.ID]
	if !ok {
		return 0, ErrNotFound
	}

	written := 0
	for _, m := range mappings {
		if m.TargetIsCustom {
			snap.CustomFields[m.TargetField] = m.Value
		} else {
			snap.Fields[m.TargetField] = m.Value
		}
		written++
	}
	return written, nil
}

func (s *MemoryStore) CustomFieldDefs(_ context.Context, t model.EntityType) ([]model.CustomFieldDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.CustomFieldDef(nil), s.defs[t]...), nil
}
