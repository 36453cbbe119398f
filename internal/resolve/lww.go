// Package resolve derives the effective value of collaboratively edited
// fields using last-write-wins by edit timestamp.
package resolve

import (
	"encoding/json"
	"slices"

	"secondbrain/api/internal/model"
)

// ResourceKey identifies one edited entity.
type ResourceKey struct {
	Type string `json:"resource_type"`
	ID   string `json:"resource_id"`
}

// Fields returns the winning value per field. Edits are ordered by
// timestamp, newest first; among equal timestamps the input order is kept.
// A deletion wins like any other edit and yields a nil value.
func Fields(edits []model.CollaborativeEdit) map[string]json.RawMessage {
	resolved := make(map[string]json.RawMessage)
	for _, edit := range newestFirst(edits) {
		if _, ok := resolved[edit.Field]; ok {
			continue
		}
		resolved[edit.Field] = valueOf(edit)
	}
	return resolved
}

// Resources applies Fields per (resource_type, resource_id).
func Resources(edits []model.CollaborativeEdit) map[ResourceKey]map[string]json.RawMessage {
	grouped := make(map[ResourceKey]map[string]json.RawMessage)
	for _, edit := range newestFirst(edits) {
		key := ResourceKey{Type: edit.ResourceType, ID: edit.ResourceID}
		fields, ok := grouped[key]
		if !ok {
			fields = make(map[string]json.RawMessage)
			grouped[key] = fields
		}
		if _, ok := fields[edit.Field]; ok {
			continue
		}
		fields[edit.Field] = valueOf(edit)
	}
	return grouped
}

// Latest returns the winning edit for one field.
func Latest(edits []model.CollaborativeEdit, field string) (model.CollaborativeEdit, bool) {
	for _, edit := range newestFirst(edits) {
		if edit.Field == field {
			return edit, true
		}
	}
	return model.CollaborativeEdit{}, false
}

func newestFirst(edits []model.CollaborativeEdit) []model.CollaborativeEdit {
	sorted := slices.Clone(edits)
	slices.SortStableFunc(sorted, func(a, b model.CollaborativeEdit) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	return sorted
}

func valueOf(edit model.CollaborativeEdit) json.RawMessage {
	if edit.Deleted() {
		return nil
	}
	return edit.Value
}
