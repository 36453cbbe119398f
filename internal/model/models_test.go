package model

import (
	"encoding/json"
	"testing"
	"time"
)

func strPtr(value string) *string { return &value }

func TestPresenceUpdateApplyKeepsUnmentionedFields(t *testing.T) {
	base := Presence{UserID: "u1", Username: "Ann", Avatar: "ann.png", CurrentPage: "/tasks"}

	moved := PresenceUpdate{Cursor: &Cursor{X: 10, Y: 20}}.Apply(base)
	navigated := PresenceUpdate{CurrentPage: strPtr("/journal")}.Apply(moved)

	if navigated.UserID != "u1" || navigated.Username != "Ann" || navigated.Avatar != "ann.png" {
		t.Fatalf("identity fields lost: %+v", navigated)
	}
	if navigated.Cursor == nil || navigated.Cursor.X != 10 || navigated.Cursor.Y != 20 {
		t.Fatalf("cursor lost: %+v", navigated.Cursor)
	}
	if navigated.CurrentPage != "/journal" {
		t.Fatalf("current_page = %q, want /journal", navigated.CurrentPage)
	}
	if base.Cursor != nil {
		t.Fatal("Apply mutated its base")
	}
}

func TestPresenceUpdateApplyLastSeen(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	merged := PresenceUpdate{LastSeen: &now}.Apply(Presence{UserID: "u1"})
	if !merged.LastSeen.Equal(now) {
		t.Fatalf("last_seen = %v, want %v", merged.LastSeen, now)
	}
}

func TestEditKind(t *testing.T) {
	cases := []struct {
		name string
		edit CollaborativeEdit
		want EditKind
	}{
		{name: "added", edit: CollaborativeEdit{Value: json.RawMessage(`"x"`)}, want: EditAdded},
		{name: "removed", edit: CollaborativeEdit{OldValue: json.RawMessage(`"x"`)}, want: EditRemoved},
		{name: "removed null", edit: CollaborativeEdit{Value: json.RawMessage(`null`), OldValue: json.RawMessage(`1`)}, want: EditRemoved},
		{name: "changed", edit: CollaborativeEdit{Value: json.RawMessage(`2`), OldValue: json.RawMessage(`1`)}, want: EditChanged},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.edit.Kind(); got != tc.want {
				t.Fatalf("Kind() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestActiveEditorExpired(t *testing.T) {
	now := time.Now()
	if (ActiveEditor{}).Expired(now) {
		t.Fatal("claim without lease must not expire")
	}
	if !(ActiveEditor{ExpiresAt: now}).Expired(now) {
		t.Fatal("claim must expire at its deadline")
	}
	if (ActiveEditor{ExpiresAt: now.Add(time.Second)}).Expired(now) {
		t.Fatal("claim expired early")
	}
}

func TestIdentityOrPlaceholder(t *testing.T) {
	if got := (Identity{}).OrPlaceholder(); got != PlaceholderIdentity() {
		t.Fatalf("OrPlaceholder() = %+v, want placeholder", got)
	}
	got := Identity{UserID: "u1"}.OrPlaceholder()
	if got.UserID != "u1" || got.Username != "u1" {
		t.Fatalf("OrPlaceholder() = %+v", got)
	}
}
