// Package notify keeps the per-user notification feed with read/unread
// tracking, persisted through the durable key-value store.
package notify

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"opsdash/internal/models"
	"opsdash/internal/storage"
	"opsdash/internal/utils"
)

const (
	// Namespace is the storage namespace for notification lists.
	Namespace    = "notifications"
	DefaultLimit = 100
	pushSource   = "push"
)

// Snapshot is a consistent view of the feed.
type Snapshot struct {
	UserID        string                `json:"user_id"`
	Notifications []models.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
}

// Store is the notification feed of the active user.
type Store struct {
	kv     storage.KV
	limit  int
	logger *utils.Logger

	mu        sync.Mutex
	userID    string
	items     []models.Notification
	unread    int
	version   uint64
	listeners []func(Snapshot)

	// persistMu orders writes to kv; written holds the newest version
	// stored per user so a stale write never lands after a newer one.
	persistMu sync.Mutex
	written   map[string]uint64

	now   func() time.Time
	newID func() string
}

// NewStore creates an empty store with no active user. kv may be nil, in
// which case nothing is persisted.
func NewStore(kv storage.KV, limit int, logger *utils.Logger) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{
		kv:      kv,
		limit:   limit,
		logger:  logger,
		written: make(map[string]uint64),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// OnChange registers a listener called after every mutation.
func (s *Store) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// SwitchUser discards in-memory state and loads the persisted feed of userID.
func (s *Store) SwitchUser(userID string) {
	userID = strings.TrimSpace(userID)
	var loaded []models.Notification
	if userID != "" && s.kv != nil {
		if _, err := s.kv.Get(Namespace, userID, &loaded); err != nil {
			s.logf("Loading notifications for %s failed: %v", userID, err)
			loaded = nil
		}
	}
	loaded = dedupe(loaded)
	if len(loaded) > s.limit {
		loaded = loaded[:s.limit]
	}

	s.mu.Lock()
	s.userID = userID
	s.items = loaded
	s.unread = countUnread(loaded)
	s.version++
	s.mu.Unlock()
	s.changed()
}

// Logout clears in-memory state but keeps the persisted record.
func (s *Store) Logout() {
	s.mu.Lock()
	s.userID = ""
	s.items = nil
	s.unread = 0
	s.version++
	s.mu.Unlock()
	s.changed()
}

// Add inserts n at the head of the feed. Missing id and timestamp are
// generated; an id already present is treated as a duplicate and ignored.
// The stored notification and whether it was added are returned.
func (s *Store) Add(n models.Notification) (models.Notification, bool) {
	n.ID = strings.TrimSpace(n.ID)
	if n.ID == "" {
		n.ID = s.newID()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = s.now()
	}
	n.Severity = models.NormalizeSeverity(n.Severity)
	n.Title = utils.SanitizeString(n.Title)
	n.Message = utils.SanitizeString(n.Message)
	n.Source = utils.SanitizeString(n.Source)

	s.mu.Lock()
	for _, existing := range s.items {
		if existing.ID == n.ID {
			s.mu.Unlock()
			return existing, false
		}
	}
	next := make([]models.Notification, 0, len(s.items)+1)
	next = append(next, n)
	next = append(next, s.items...)
	if len(next) > s.limit {
		next = next[:s.limit]
	}
	s.items = next
	s.unread = countUnread(next)
	w := s.pendingLocked(false)
	s.mu.Unlock()

	s.persist(w)
	s.changed()
	return n, true
}

// HandleFrame adds a push-delivered notification.
func (s *Store) HandleFrame(f models.Frame) {
	payload := f.Payload()
	if len(payload) == 0 {
		s.logf("notification frame without payload ignored")
		return
	}
	var n models.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		s.logf("Dropping notification frame: %v", err)
		return
	}
	if n.Source == "" {
		n.Source = pushSource
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = f.ReceivedAt
	}
	n.Read = false
	s.Add(n)
}

// MarkRead marks one notification read. Unknown or already read ids are no-ops.
func (s *Store) MarkRead(id string) bool {
	s.mu.Lock()
	changed := false
	for i := range s.items {
		if s.items[i].ID == id {
			if !s.items[i].Read {
				s.items[i].Read = true
				if s.unread > 0 {
					s.unread--
				}
				changed = true
			}
			break
		}
	}
	var w pendingWrite
	if changed {
		w = s.pendingLocked(false)
	}
	s.mu.Unlock()
	if changed {
		s.persist(w)
		s.changed()
	}
	return changed
}

// MarkAllRead marks every notification read.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	marked := 0
	for i := range s.items {
		if !s.items[i].Read {
			s.items[i].Read = true
			marked++
		}
	}
	s.unread = 0
	var w pendingWrite
	if marked > 0 {
		w = s.pendingLocked(false)
	}
	s.mu.Unlock()
	if marked > 0 {
		s.persist(w)
		s.changed()
	}
	return marked
}

// Remove deletes one notification. A nonexistent id is a no-op.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	idx := -1
	for i := range s.items {
		if s.items[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	wasUnread := !s.items[idx].Read
	next := make([]models.Notification, 0, len(s.items)-1)
	next = append(next, s.items[:idx]...)
	next = append(next, s.items[idx+1:]...)
	s.items = next
	if wasUnread && s.unread > 0 {
		s.unread--
	}
	w := s.pendingLocked(false)
	s.mu.Unlock()

	s.persist(w)
	s.changed()
	return true
}

// ClearAll empties the feed and erases the persisted record of the current user.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.items = nil
	s.unread = 0
	w := s.pendingLocked(true)
	s.mu.Unlock()

	s.persist(w)
	s.changed()
}

// List returns a copy of the feed, most recent first.
func (s *Store) List() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Notification, len(s.items))
	copy(out, s.items)
	return out
}

// UnreadCount returns the incrementally maintained unread counter.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// UserID returns the active user, empty when logged out.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Snapshot returns the feed and counter together.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	items := make([]models.Notification, len(s.items))
	copy(items, s.items)
	return Snapshot{UserID: s.userID, Notifications: items, UnreadCount: s.unread}
}

// pendingWrite is the state to store for one user, captured under mu.
type pendingWrite struct {
	userID  string
	items   []models.Notification
	version uint64
	erase   bool
}

// pendingLocked bumps the version and captures the feed of the current user.
func (s *Store) pendingLocked(erase bool) pendingWrite {
	s.version++
	w := pendingWrite{userID: s.userID, version: s.version, erase: erase}
	if !erase {
		w.items = make([]models.Notification, len(s.items))
		copy(w.items, s.items)
	}
	return w
}

// persist writes w outside mu. Writes older than the last one stored for the
// same user are skipped. Failures are logged; memory stays authoritative.
func (s *Store) persist(w pendingWrite) {
	if w.userID == "" || s.kv == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if w.version <= s.written[w.userID] {
		return
	}
	var err error
	if w.erase {
		err = s.kv.Delete(Namespace, w.userID)
	} else {
		err = s.kv.Set(Namespace, w.userID, w.items, 0)
	}
	if err != nil {
		s.logf("Persisting notifications for %s failed: %v", w.userID, err)
		return
	}
	s.written[w.userID] = w.version
}

func (s *Store) changed() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func (s *Store) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Writef(format, args...)
	}
}

func countUnread(items []models.Notification) int {
	n := 0
	for _, it := range items {
		if !it.Read {
			n++
		}
	}
	return n
}

func dedupe(items []models.Notification) []models.Notification {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	out := make([]models.Notification, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}
