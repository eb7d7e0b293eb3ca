package state

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/ClassWaves-AI/classwaves-student/internal/domain"
	"github.com/ClassWaves-AI/classwaves-student/internal/storage"
)

func TestStoreGroupReadinessMergesOnly(t *testing.T) {
	t.Parallel()

	store := NewStore(nil, nil)
	store.SetGroup(&domain.Group{
		ID:      "g1",
		Name:    "Blue Team",
		Members: []domain.GroupMember{{ID: "s1", Name: "Ada", IsLeader: true}},
	})
	store.SetGroupReadiness(true)

	snap := store.Snapshot()
	if snap.Group == nil || snap.Group.ID != "g1" || !snap.Group.IsReady {
		t.Fatalf("unexpected group after readiness toggle: %+v", snap.Group)
	}

	store.SetGroupReadiness(false)
	snap = store.Snapshot()
	if snap.Group.ID != "g1" || snap.Group.Name != "Blue Team" {
		t.Fatalf("readiness update must not alter group identity: %+v", snap.Group)
	}
	if snap.Group.IsReady {
		t.Fatalf("expected readiness false")
	}
	if len(snap.Group.Members) != 1 || snap.Group.Members[0].Name != "Ada" {
		t.Fatalf("readiness update must not alter members: %+v", snap.Group.Members)
	}
}

func TestStoreGroupReadinessWithoutGroup(t *testing.T) {
	t.Parallel()

	store := NewStore(nil, nil)
	store.SetGroupReadiness(true)

	if snap := store.Snapshot(); snap.Group != nil {
		t.Fatalf("expected no group, got %+v", snap.Group)
	}
}

func TestStoreLogoutResetsEverything(t *testing.T) {
	t.Parallel()

	store := NewStore(nil, nil)
	store.SetAuth("tok-123", &domain.Student{ID: "s1", DisplayName: "Ada", SessionID: "sess-1"})
	store.SetSession(&domain.Session{ID: "sess-1", Title: "Biology", Status: domain.SessionActive})
	store.SetGroup(&domain.Group{ID: "g1", Name: "Blue Team"})
	store.SetConnected(true)
	store.SetRecording(true)

	store.Logout()

	snap := store.Snapshot()
	if snap.IsAuthenticated {
		t.Fatalf("expected isAuthenticated=false")
	}
	if snap.Token != "" {
		t.Fatalf("expected empty token, got %q", snap.Token)
	}
	if snap.Student != nil || snap.Session != nil || snap.Group != nil {
		t.Fatalf("expected entities cleared: %+v", snap)
	}
	if snap.IsConnected || snap.IsRecording {
		t.Fatalf("expected flags cleared: %+v", snap)
	}
}

func TestStorePersistsOnlyAuthSubset(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "auth.json")
	store := NewStore(storage.NewJSONFile(path), nil)
	store.SetAuth("tok-123", &domain.Student{ID: "s1", DisplayName: "Ada", SessionID: "sess-1"})
	store.SetSession(&domain.Session{ID: "sess-1", Title: "Biology", Status: domain.SessionActive})
	store.SetGroup(&domain.Group{ID: "g1", Name: "Blue Team", IsReady: true})
	store.SetConnected(true)
	store.SetRecording(true)

	restored := NewStore(storage.NewJSONFile(path), nil)
	snap := restored.Snapshot()
	if !snap.IsAuthenticated || snap.Token != "tok-123" {
		t.Fatalf("expected auth restored, got %+v", snap)
	}
	if snap.Student == nil || snap.Student.ID != "s1" {
		t.Fatalf("expected student restored, got %+v", snap.Student)
	}
	if snap.Session == nil || snap.Session.ID != "sess-1" {
		t.Fatalf("expected session restored, got %+v", snap.Session)
	}
	if snap.Group != nil {
		t.Fatalf("group must not survive a restart, got %+v", snap.Group)
	}
	if snap.IsConnected || snap.IsRecording {
		t.Fatalf("connection/recording flags must not survive a restart")
	}
}

func TestStoreLogoutRemovesPersistedState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "auth.json")
	store := NewStore(storage.NewJSONFile(path), nil)
	store.SetAuth("tok-123", &domain.Student{ID: "s1"})
	store.Logout()

	restored := NewStore(storage.NewJSONFile(path), nil)
	if snap := restored.Snapshot(); snap.IsAuthenticated || snap.Token != "" {
		t.Fatalf("expected nothing restored after logout, got %+v", snap)
	}
}

func TestStoreSessionStatusUpdatesOnlyStatus(t *testing.T) {
	t.Parallel()

	store := NewStore(nil, nil)
	store.SetSession(&domain.Session{ID: "sess-1", Title: "Biology", Status: domain.SessionPending})
	store.SetSessionStatus(domain.SessionActive)

	snap := store.Snapshot()
	if snap.Session.ID != "sess-1" || snap.Session.Title != "Biology" {
		t.Fatalf("status update must not alter session identity: %+v", snap.Session)
	}
	if snap.Session.Status != domain.SessionActive {
		t.Fatalf("expected active status, got %s", snap.Session.Status)
	}
}

func TestStoreSnapshotIsDefensiveCopy(t *testing.T) {
	t.Parallel()

	store := NewStore(nil, nil)
	store.SetGroup(&domain.Group{ID: "g1", Members: []domain.GroupMember{{ID: "s1", Name: "Ada"}}})

	snap := store.Snapshot()
	snap.Group.ID = "mutated"
	snap.Group.Members[0].Name = "mutated"

	fresh := store.Snapshot()
	if fresh.Group.ID != "g1" || fresh.Group.Members[0].Name != "Ada" {
		t.Fatalf("snapshot mutation leaked into store: %+v", fresh.Group)
	}
}

func TestStoreNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	store := NewStore(nil, nil)

	var mu sync.Mutex
	var seen []Snapshot
	store.Subscribe(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, snap)
	})

	store.SetConnected(true)
	store.SetGroup(&domain.Group{ID: "g1"})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(seen))
	}
	if !seen[0].IsConnected {
		t.Fatalf("first notification missing connected flag")
	}
	if seen[1].Group == nil || seen[1].Group.ID != "g1" {
		t.Fatalf("second notification missing group")
	}
}
