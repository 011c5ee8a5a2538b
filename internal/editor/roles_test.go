package editor

import (
	"testing"
	"time"

	"curator/api/internal/presence"
)

func entry(id, userID, name string, joined time.Time) presence.Entry {
	return presence.Entry{ParticipantID: id, UserID: userID, UserName: name, JoinedAt: joined}
}

func TestResolveEmpty(t *testing.T) {
	if _, _, ok := Resolve(nil); ok {
		t.Fatal("expected ok=false for empty list")
	}
}

func TestResolveSingleOwner(t *testing.T) {
	base := time.Now()
	entries := []presence.Entry{
		entry("p1", "u1", "Ada", base),
		entry("p2", "u2", "Grace", base.Add(time.Second)),
		entry("p3", "u3", "Edsger", base.Add(2*time.Second)),
	}

	owner, spectators, ok := Resolve(entries)
	if !ok {
		t.Fatal("expected ok")
	}
	if owner.ParticipantID != "p1" {
		t.Fatalf("owner = %s, want p1", owner.ParticipantID)
	}
	if len(spectators) != 2 {
		t.Fatalf("spectators = %d, want 2", len(spectators))
	}
	if RoleOf(entries, "p1") != RoleOwner {
		t.Fatal("p1 should be owner")
	}
	for _, id := range []string{"p2", "p3"} {
		if RoleOf(entries, id) != RoleSpectator {
			t.Fatalf("%s should be spectator", id)
		}
	}
}

func TestRoleOfSecondSessionOfOwnerIsSpectator(t *testing.T) {
	// the same user in a second tab gets its own participant id and no
	// special treatment
	base := time.Now()
	entries := []presence.Entry{
		entry("tab-a", "u1", "Ada", base),
		entry("tab-b", "u1", "Ada", base.Add(time.Second)),
	}
	if RoleOf(entries, "tab-b") != RoleSpectator {
		t.Fatal("second session of the owning user should spectate")
	}
}

func TestRoleOfUnknownParticipant(t *testing.T) {
	entries := []presence.Entry{entry("p1", "u1", "Ada", time.Now())}
	if RoleOf(entries, "ghost") != RoleSpectator {
		t.Fatal("unknown participant should resolve to spectator")
	}
}

func TestView(t *testing.T) {
	base := time.Now()
	entries := []presence.Entry{
		entry("p1", "u1", "Ada", base),
		entry("p2", "u2", "Grace", base.Add(time.Second)),
	}

	view := View(entries)
	if view.Owner.UserName != "Ada" {
		t.Fatalf("owner name = %s, want Ada", view.Owner.UserName)
	}
	if len(view.Spectators) != 1 || view.Spectators[0].UserName != "Grace" {
		t.Fatalf("unexpected spectators: %+v", view.Spectators)
	}

	empty := View(nil)
	if empty.Spectators == nil {
		t.Fatal("empty view should carry an empty, non-nil spectator list")
	}
}
