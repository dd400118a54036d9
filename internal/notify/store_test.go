package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"opsdash/internal/models"
	"opsdash/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.FileStore) {
	t.Helper()
	kv := storage.NewFileStore(t.TempDir())
	s := NewStore(kv, 0, nil)
	s.SwitchUser("alice")
	return s, kv
}

func checkUnread(t *testing.T, s *Store) {
	t.Helper()
	want := 0
	for _, n := range s.List() {
		if !n.Read {
			want++
		}
	}
	if got := s.UnreadCount(); got != want {
		t.Fatalf("unread counter %d does not match recomputed %d", got, want)
	}
}

func TestAddOnEmptyStore(t *testing.T) {
	s, _ := newTestStore(t)
	n, added := s.Add(models.Notification{Title: "X", Message: "Y"})
	if !added {
		t.Fatalf("expected notification to be added")
	}
	if len(s.List()) != 1 || s.UnreadCount() != 1 {
		t.Fatalf("expected length 1 and unread 1, got %d/%d", len(s.List()), s.UnreadCount())
	}
	if n.ID == "" || n.Timestamp.IsZero() {
		t.Fatalf("expected generated id and timestamp, got %+v", n)
	}
	if n.Read || n.Severity != models.SeverityInfo {
		t.Fatalf("unexpected defaults %+v", n)
	}
}

func TestAddPrependsAndDeduplicates(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(models.Notification{ID: "a", Title: "first"})
	s.Add(models.Notification{ID: "b", Title: "second"})
	if _, added := s.Add(models.Notification{ID: "a", Title: "again"}); added {
		t.Fatalf("duplicate id must be ignored")
	}
	list := s.List()
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("expected most-recent-first [b a], got %+v", list)
	}
	if list[1].Title != "first" {
		t.Fatalf("duplicate must not overwrite the original")
	}
	checkUnread(t, s)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(models.Notification{ID: "a"})
	s.Add(models.Notification{ID: "b"})
	if !s.MarkRead("a") {
		t.Fatalf("expected first MarkRead to change state")
	}
	if s.MarkRead("a") {
		t.Fatalf("expected second MarkRead to be a no-op")
	}
	if s.MarkRead("missing") {
		t.Fatalf("unknown id must be a no-op")
	}
	if s.UnreadCount() != 1 {
		t.Fatalf("expected unread 1, got %d", s.UnreadCount())
	}
	s.MarkAllRead()
	s.MarkAllRead()
	if s.UnreadCount() != 0 {
		t.Fatalf("expected unread 0, got %d", s.UnreadCount())
	}
	checkUnread(t, s)
}

func TestRemove(t *testing.T) {
	s, _ := newTestStore(t)
	s.Add(models.Notification{ID: "a"})
	s.Add(models.Notification{ID: "b"})
	s.MarkRead("a")

	if !s.Remove("a") {
		t.Fatalf("expected removal")
	}
	if s.UnreadCount() != 1 {
		t.Fatalf("removing a read entry must not change unread, got %d", s.UnreadCount())
	}
	if s.Remove("a") || s.Remove("nope") {
		t.Fatalf("removing a nonexistent id must be a no-op")
	}
	if s.UnreadCount() != 1 {
		t.Fatalf("no-op remove altered unread count")
	}
	s.Remove("b")
	if s.UnreadCount() != 0 || len(s.List()) != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestPersistenceAcrossUsers(t *testing.T) {
	s, kv := newTestStore(t)
	s.Add(models.Notification{ID: "a1", Title: "for alice"})

	s.SwitchUser("bob")
	if len(s.List()) != 0 || s.UnreadCount() != 0 {
		t.Fatalf("bob must start empty, got %+v", s.List())
	}
	s.Add(models.Notification{ID: "b1"})

	s.SwitchUser("alice")
	list := s.List()
	if len(list) != 1 || list[0].ID != "a1" {
		t.Fatalf("expected alice's persisted feed, got %+v", list)
	}

	s.Logout()
	if len(s.List()) != 0 || s.UserID() != "" {
		t.Fatalf("logout must clear memory")
	}
	var persisted []models.Notification
	if ok, _ := kv.Get(Namespace, "alice", &persisted); !ok || len(persisted) != 1 {
		t.Fatalf("logout must keep the persisted record, got ok=%v %+v", ok, persisted)
	}
}

func TestClearAllErasesPersistedRecord(t *testing.T) {
	s, kv := newTestStore(t)
	s.Add(models.Notification{ID: "a"})
	s.ClearAll()
	if len(s.List()) != 0 || s.UnreadCount() != 0 {
		t.Fatalf("expected empty store after ClearAll")
	}
	if ok, _ := kv.Get(Namespace, "alice", nil); ok {
		t.Fatalf("expected persisted record to be erased")
	}
	s.SwitchUser("alice")
	if len(s.List()) != 0 {
		t.Fatalf("expected nothing to reload after ClearAll")
	}
}

// hookKV runs before on every Set and Delete, then forwards to the file store.
type hookKV struct {
	*storage.FileStore
	before func()
}

func (h *hookKV) Set(namespace, key string, value interface{}, ttl time.Duration) error {
	h.before()
	return h.FileStore.Set(namespace, key, value, ttl)
}

func (h *hookKV) Delete(namespace, key string) error {
	h.before()
	return h.FileStore.Delete(namespace, key)
}

func TestStorageWritesRunOutsideStoreLock(t *testing.T) {
	kv := &hookKV{FileStore: storage.NewFileStore(t.TempDir())}
	s := NewStore(kv, 0, nil)
	kv.before = func() { _ = s.UnreadCount() }
	s.SwitchUser("alice")

	done := make(chan struct{})
	go func() {
		s.Add(models.Notification{ID: "a"})
		s.MarkRead("a")
		s.Remove("a")
		s.ClearAll()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("store held its lock across a storage write")
	}
}

func TestClearAllDoesNotEraseLaterAdd(t *testing.T) {
	kv := &hookKV{FileStore: storage.NewFileStore(t.TempDir()), before: func() {}}
	s := NewStore(kv, 0, nil)
	s.SwitchUser("alice")
	s.Add(models.Notification{ID: "old"})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once bool
	kv.before = func() {
		if !once {
			once = true
			close(entered)
			<-release
		}
	}

	cleared := make(chan struct{})
	go func() {
		s.ClearAll()
		close(cleared)
	}()
	<-entered

	added := make(chan struct{})
	go func() {
		s.Add(models.Notification{ID: "new"})
		close(added)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-cleared
	<-added

	var persisted []models.Notification
	if ok, err := kv.Get(Namespace, "alice", &persisted); err != nil || !ok {
		t.Fatalf("expected the later add to be persisted, ok=%v err=%v", ok, err)
	}
	if len(persisted) != 1 || persisted[0].ID != "new" {
		t.Fatalf("expected only the later add on disk, got %+v", persisted)
	}
}

func TestStaleWriteIsSkipped(t *testing.T) {
	s, kv := newTestStore(t)
	s.mu.Lock()
	stale := s.pendingLocked(true)
	s.mu.Unlock()

	s.Add(models.Notification{ID: "fresh"})
	s.persist(stale)

	var persisted []models.Notification
	if ok, _ := kv.Get(Namespace, "alice", &persisted); !ok || len(persisted) != 1 {
		t.Fatalf("expected an older erase to leave the newer record, got ok=%v %+v", ok, persisted)
	}
}

func TestLimitDropsOldest(t *testing.T) {
	s := NewStore(nil, 3, nil)
	s.SwitchUser("carol")
	for i := 0; i < 5; i++ {
		s.Add(models.Notification{ID: fmt.Sprintf("n%d", i)})
	}
	list := s.List()
	if len(list) != 3 || list[0].ID != "n4" || list[2].ID != "n2" {
		t.Fatalf("expected newest three, got %+v", list)
	}
	checkUnread(t, s)
}

type failingKV struct{}

func (failingKV) Get(string, string, interface{}) (bool, error) {
	return false, &storage.StorageError{Op: "get", Err: errors.New("disk gone")}
}
func (failingKV) Set(string, string, interface{}, time.Duration) error {
	return &storage.StorageError{Op: "set", Err: errors.New("disk gone")}
}
func (failingKV) Delete(string, string) error {
	return &storage.StorageError{Op: "delete", Err: errors.New("disk gone")}
}

func TestStorageFailuresAreBestEffort(t *testing.T) {
	s := NewStore(failingKV{}, 0, nil)
	s.SwitchUser("dave")
	s.Add(models.Notification{ID: "x"})
	s.MarkRead("x")
	s.Add(models.Notification{ID: "y"})
	if len(s.List()) != 2 || s.UnreadCount() != 1 {
		t.Fatalf("memory must stay authoritative when storage fails")
	}
	s.ClearAll()
	if len(s.List()) != 0 {
		t.Fatalf("expected ClearAll to empty memory despite storage failure")
	}
}

func TestHandleFrame(t *testing.T) {
	s, _ := newTestStore(t)
	received := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.HandleFrame(models.Frame{
		Type:       models.FrameNotification,
		Envelope:   models.Envelope{Data: json.RawMessage(`{"id":"p1","title":"Device offline","message":"gw-7","severity":"critical","read":true}`)},
		ReceivedAt: received,
	})
	s.HandleFrame(models.Frame{Type: models.FrameNotification, Envelope: models.Envelope{Data: json.RawMessage(`{"id":"p1"}`)}})
	s.HandleFrame(models.Frame{Type: models.FrameNotification, Envelope: models.Envelope{Data: json.RawMessage(`[`)}})

	list := s.List()
	if len(list) != 1 {
		t.Fatalf("expected one deduplicated push notification, got %d", len(list))
	}
	n := list[0]
	if n.Source != "push" || n.Severity != models.SeverityError || n.Read || !n.Timestamp.Equal(received) {
		t.Fatalf("unexpected push notification %+v", n)
	}
}

func TestUnreadInvariantUnderRandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s, _ := newTestStore(t)
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for i := 0; i < 2000; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(6) {
		case 0, 1:
			s.Add(models.Notification{ID: id, Read: rng.Intn(4) == 0})
		case 2:
			s.MarkRead(id)
		case 3:
			if rng.Intn(5) == 0 {
				s.MarkAllRead()
			}
		case 4:
			s.Remove(id)
		case 5:
			if rng.Intn(20) == 0 {
				s.ClearAll()
			}
		}
		checkUnread(t, s)
	}
}

func TestOnChangeReceivesSnapshots(t *testing.T) {
	s, _ := newTestStore(t)
	var last Snapshot
	calls := 0
	s.OnChange(func(snap Snapshot) {
		calls++
		last = snap
	})
	s.Add(models.Notification{ID: "a"})
	s.MarkRead("a")
	if calls != 2 || last.UnreadCount != 0 || len(last.Notifications) != 1 || last.UserID != "alice" {
		t.Fatalf("unexpected change notifications: calls=%d last=%+v", calls, last)
	}
}
