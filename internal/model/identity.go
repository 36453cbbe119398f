package model

import "strings"

const (
	PlaceholderUserID   = "local-user"
	PlaceholderUsername = "You"
	PlaceholderRole     = "editor"
)

// Identity is the local user a room session acts as.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Role     string `json:"role"`
}

// PlaceholderIdentity keeps collaboration usable without an authenticated
// session.
func PlaceholderIdentity() Identity {
	return Identity{
		UserID:   PlaceholderUserID,
		Username: PlaceholderUsername,
		Role:     PlaceholderRole,
	}
}

// OrPlaceholder returns the identity, or the placeholder when it has no
// user id.
func (i Identity) OrPlaceholder() Identity {
	if strings.TrimSpace(i.UserID) == "" {
		return PlaceholderIdentity()
	}
	if strings.TrimSpace(i.Username) == "" {
		i.Username = i.UserID
	}
	return i
}

// Presence builds the initial presence tracked when joining a room.
func (i Identity) Presence(page string) Presence {
	return Presence{
		UserID:      i.UserID,
		Username:    i.Username,
		Avatar:      i.Avatar,
		CurrentPage: page,
	}
}
