package collab

import (
	"slices"
	"time"

	"secondbrain/api/internal/model"
)

// editorSet holds the advisory active-editor claims seen in a room. It is
// not safe for concurrent use; the Manager guards it.
type editorSet struct {
	items []model.ActiveEditor
}

// claim adds the claim, replacing an earlier claim by the same user on the
// same field.
func (s *editorSet) claim(editor model.ActiveEditor) {
	for i, existing := range s.items {
		if existing.SameClaim(editor) {
			s.items[i] = editor
			return
		}
	}
	s.items = append(s.items, editor)
}

// release drops every claim on resourceID+field.
func (s *editorSet) release(resourceID, field string) bool {
	before := len(s.items)
	s.items = slices.DeleteFunc(s.items, func(editor model.ActiveEditor) bool {
		return editor.ResourceID == resourceID && editor.Field == field
	})
	return len(s.items) != before
}

func (s *editorSet) prune(now time.Time) bool {
	before := len(s.items)
	s.items = slices.DeleteFunc(s.items, func(editor model.ActiveEditor) bool {
		return editor.Expired(now)
	})
	return len(s.items) != before
}

func (s *editorSet) list() []model.ActiveEditor {
	return append([]model.ActiveEditor{}, s.items...)
}
