package sessions

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"
)

func newTestManager(ttl time.Duration) (*Manager, *time.Time) {
	manager := NewManager(ttl, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return now }
	return manager, &now
}

func TestGetOrCreatePlaceholder(t *testing.T) {
	manager, _ := newTestManager(time.Hour)

	session := manager.GetOrCreate(7, "/projects/app")
	if !session.Temporary() || !session.IsNew {
		t.Errorf("new session should be a temporary placeholder: %+v", session)
	}
	if session.UserID != 7 || session.ProjectPath != "/projects/app" {
		t.Errorf("session = %+v", session)
	}

	again := manager.GetOrCreate(7, "/projects/app")
	if again.SessionID != session.SessionID {
		t.Error("same user and project should reuse the session")
	}
	other := manager.GetOrCreate(7, "/projects/other")
	if other.SessionID == session.SessionID {
		t.Error("different project should get its own session")
	}
}

func TestConfirmRekeysAndAccumulates(t *testing.T) {
	manager, _ := newTestManager(time.Hour)

	placeholder := manager.GetOrCreate(7, "/p")
	confirmed := manager.Confirm(placeholder.SessionID, "agent-1", 7, "/p", 0.10, 2, []string{"Read"})
	if confirmed.SessionID != "agent-1" || confirmed.IsNew {
		t.Errorf("confirmed = %+v", confirmed)
	}
	if manager.Get(placeholder.SessionID) != nil {
		t.Error("placeholder id should be gone after re-key")
	}

	// Second run on the same agent id accumulates. Cost is a float sum,
	// so compare within a tolerance.
	confirmed = manager.Confirm("agent-1", "agent-1", 7, "/p", 0.05, 1, []string{"Read", "Bash"})
	if math.Abs(confirmed.TotalCost-0.15) > 1e-9 {
		t.Errorf("TotalCost = %v, want 0.15", confirmed.TotalCost)
	}
	if confirmed.TotalTurns != 3 || confirmed.MessageCount != 2 {
		t.Errorf("accumulation = %+v", confirmed)
	}
	if len(confirmed.ToolsUsed) != 2 {
		t.Errorf("tools = %v", confirmed.ToolsUsed)
	}

	// Re-use the re-keyed session for the same user/project pair.
	reused := manager.GetOrCreate(7, "/p")
	if reused.SessionID != "agent-1" {
		t.Errorf("GetOrCreate after confirm = %q, want agent-1", reused.SessionID)
	}
}

func TestConfirmUnknownPreviousCreatesFresh(t *testing.T) {
	manager, _ := newTestManager(time.Hour)
	session := manager.Confirm("never-existed", "agent-9", 7, "/p", 0.01, 1, nil)
	if session.SessionID != "agent-9" || session.UserID != 7 || session.ProjectPath != "/p" {
		t.Errorf("session = %+v", session)
	}
}

func TestListAndMostRecent(t *testing.T) {
	manager, now := newTestManager(time.Hour)

	a := manager.GetOrCreate(7, "/a")
	manager.Confirm(a.SessionID, "agent-a", 7, "/a", 0, 1, nil)
	*now = now.Add(time.Minute)
	b := manager.GetOrCreate(7, "/b")
	manager.Confirm(b.SessionID, "agent-b", 7, "/b", 0, 1, nil)
	*now = now.Add(time.Minute)
	manager.GetOrCreate(7, "/c") // still temporary
	manager.GetOrCreate(8, "/a") // different user

	list := manager.ListUserSessions(7)
	if len(list) != 3 {
		t.Fatalf("got %d sessions, want 3", len(list))
	}
	if !list[0].LastUsed.After(list[1].LastUsed) && !list[0].LastUsed.Equal(list[1].LastUsed) {
		t.Error("list should be ordered most recent first")
	}

	recent := manager.MostRecent(7, "")
	if recent == nil || recent.SessionID != "agent-b" {
		t.Errorf("MostRecent = %+v, want agent-b (temporaries excluded)", recent)
	}

	// Scoped to a project path, only sessions from that directory match.
	scoped := manager.MostRecent(7, "/a")
	if scoped == nil || scoped.SessionID != "agent-a" {
		t.Errorf("MostRecent(/a) = %+v, want agent-a", scoped)
	}
	if got := manager.MostRecent(7, "/c"); got != nil {
		t.Errorf("MostRecent(/c) = %+v, want nil (only a temporary there)", got)
	}
	if got := manager.MostRecent(7, "/elsewhere"); got != nil {
		t.Errorf("MostRecent(/elsewhere) = %+v, want nil", got)
	}
}

func TestCleanupExpired(t *testing.T) {
	manager, now := newTestManager(time.Hour)

	old := manager.GetOrCreate(7, "/old")
	manager.Confirm(old.SessionID, "agent-old", 7, "/old", 0, 1, nil)
	*now = now.Add(2 * time.Hour)
	fresh := manager.GetOrCreate(7, "/fresh")
	manager.Confirm(fresh.SessionID, "agent-fresh", 7, "/fresh", 0, 1, nil)

	removed := manager.CleanupExpired(context.Background())
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if manager.Get("agent-old") != nil {
		t.Error("expired session still retrievable")
	}
	if manager.Get("agent-fresh") == nil {
		t.Error("fresh session should survive cleanup")
	}
	if manager.Count() != 1 {
		t.Errorf("Count = %d, want 1", manager.Count())
	}
}

func TestExpiredSessionReplacedOnGet(t *testing.T) {
	manager, now := newTestManager(time.Hour)

	first := manager.GetOrCreate(7, "/p")
	manager.Confirm(first.SessionID, "agent-1", 7, "/p", 0, 1, nil)
	*now = now.Add(2 * time.Hour)

	replacement := manager.GetOrCreate(7, "/p")
	if replacement.SessionID == "agent-1" {
		t.Error("expired session should not be reused")
	}
	if !replacement.Temporary() {
		t.Error("replacement should be a fresh placeholder")
	}
}

func TestInvalidate(t *testing.T) {
	manager, _ := newTestManager(time.Hour)
	s := manager.GetOrCreate(7, "/p")
	manager.Confirm(s.SessionID, "agent-1", 7, "/p", 0, 1, nil)
	manager.Invalidate("agent-1")
	if manager.Get("agent-1") != nil {
		t.Error("invalidated session still retrievable")
	}
	next := manager.GetOrCreate(7, "/p")
	if next.SessionID == "agent-1" {
		t.Error("invalidated id should not come back")
	}
}
