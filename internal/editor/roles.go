package editor

import "curator/api/internal/presence"

// Role of a participant on an editing topic. Roles are computed from the
// ordered presence list on every membership change, never stored.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleSpectator Role = "spectator"
)

// Identity names the human behind a participant session.
type Identity struct {
	ParticipantID string `json:"participant_id"`
	UserID        string `json:"user_id"`
	UserName      string `json:"user_name"`
}

// EditorsView is the flattened "who is editing" projection shown in the
// UI: the owner plus spectators in join order. It is a pure projection of
// the presence list, not state.
type EditorsView struct {
	Owner      Identity   `json:"owner"`
	Spectators []Identity `json:"spectators"`
}

// Resolve derives exactly one owner (the earliest joiner) and zero or more
// spectators from a non-empty ordered participant list. Entries must
// already be ordered by joined_at with participant id as tiebreak, which
// is what presence.Store.List returns. ok is false for an empty list; the
// resolver is never consulted for a record nobody is editing.
func Resolve(entries []presence.Entry) (owner presence.Entry, spectators []presence.Entry, ok bool) {
	if len(entries) == 0 {
		return presence.Entry{}, nil, false
	}
	return entries[0], entries[1:], true
}

// RoleOf recomputes a single participant's role from the ordered list.
func RoleOf(entries []presence.Entry, participantID string) Role {
	owner, _, ok := Resolve(entries)
	if ok && owner.ParticipantID == participantID {
		return RoleOwner
	}
	return RoleSpectator
}

// View materializes the editors projection for display.
func View(entries []presence.Entry) EditorsView {
	owner, spectators, ok := Resolve(entries)
	if !ok {
		return EditorsView{Spectators: []Identity{}}
	}
	view := EditorsView{
		Owner:      identityOf(owner),
		Spectators: make([]Identity, 0, len(spectators)),
	}
	for _, entry := range spectators {
		view.Spectators = append(view.Spectators, identityOf(entry))
	}
	return view
}

func identityOf(entry presence.Entry) Identity {
	return Identity{
		ParticipantID: entry.ParticipantID,
		UserID:        entry.UserID,
		UserName:      entry.UserName,
	}
}
