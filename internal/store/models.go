package store

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// EditFilter narrows ListEdits. Empty fields match everything.
type EditFilter struct {
	Room         string
	ResourceType string
	ResourceID   string
	Field        string
	Limit        int
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
