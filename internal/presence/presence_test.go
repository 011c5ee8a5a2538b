package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewStore("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create presence store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTrackAndListOrdering(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		{ParticipantID: "p-b", UserID: "u1", JoinedAt: base.Add(2 * time.Second)},
		{ParticipantID: "p-a", UserID: "u2", JoinedAt: base},
		{ParticipantID: "p-c", UserID: "u3", JoinedAt: base.Add(time.Second)},
	}
	for _, entry := range entries {
		if err := store.Track(ctx, "edit:posts:1", entry); err != nil {
			t.Fatalf("Track failed: %v", err)
		}
	}

	listed, err := store.List(ctx, "edit:posts:1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	got := []string{}
	for _, entry := range listed {
		got = append(got, entry.ParticipantID)
	}
	want := []string{"p-a", "p-c", "p-b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestListBreaksTiesByParticipantID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"p-z", "p-a"} {
		if err := store.Track(ctx, "edit:posts:2", Entry{ParticipantID: id, JoinedAt: at}); err != nil {
			t.Fatalf("Track failed: %v", err)
		}
	}
	listed, err := store.List(ctx, "edit:posts:2")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if listed[0].ParticipantID != "p-a" {
		t.Errorf("expected stable id tiebreak, got %s first", listed[0].ParticipantID)
	}
}

func TestUntrackRemovesParticipant(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Track(ctx, "edit:posts:3", Entry{ParticipantID: "p-1"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	if err := store.Untrack(ctx, "edit:posts:3", "p-1"); err != nil {
		t.Fatalf("Untrack failed: %v", err)
	}

	listed, err := store.List(ctx, "edit:posts:3")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("expected empty topic, got %d entries", len(listed))
	}
}

func TestSetMetaRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Track(ctx, "edit:posts:4", Entry{ParticipantID: "p-1"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	state := map[string]any{"params": map[string]any{"title": "Hello"}}
	if err := store.SetMeta(ctx, "edit:posts:4", "p-1", "form_state", state); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}

	listed, err := store.List(ctx, "edit:posts:4")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	formState, ok := listed[0].Meta["form_state"].(map[string]any)
	if !ok {
		t.Fatalf("expected form_state meta, got %v", listed[0].Meta)
	}
	params := formState["params"].(map[string]any)
	if params["title"] != "Hello" {
		t.Errorf("expected title Hello, got %v", params["title"])
	}
}

func TestSetMetaUntrackedParticipant(t *testing.T) {
	store := setupTestStore(t)
	if err := store.SetMeta(context.Background(), "edit:posts:5", "ghost", "k", "v"); err == nil {
		t.Error("expected error for untracked participant, got nil")
	}
}

func TestWatchDeliversJoinsAndLeaves(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	diffs, cancel, err := store.Watch(ctx, "edit:posts:6")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer cancel()

	if err := store.Track(ctx, "edit:posts:6", Entry{ParticipantID: "p-1", UserName: "Avery"}); err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	select {
	case diff := <-diffs:
		if len(diff.Joins) != 1 || diff.Joins[0].ParticipantID != "p-1" {
			t.Fatalf("unexpected join diff: %+v", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for join diff")
	}

	if err := store.Untrack(ctx, "edit:posts:6", "p-1"); err != nil {
		t.Fatalf("Untrack failed: %v", err)
	}

	select {
	case diff := <-diffs:
		if len(diff.Leaves) != 1 || diff.Leaves[0] != "p-1" {
			t.Fatalf("unexpected leave diff: %+v", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for leave diff")
	}
}

func TestWatchCancelReleasesUndrainedForwarder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	diffs, cancel, err := store.Watch(ctx, "edit:posts:7")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// fill well past the delivery buffer without ever draining
	for i := 0; i < 64; i++ {
		store.publishDiff(ctx, "edit:posts:7", Diff{Topic: "edit:posts:7"})
	}
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-diffs:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("diff channel still open after cancel")
		}
	}
}
