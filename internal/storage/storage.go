// Package storage provides the durable namespaced key-value store used for
// session credentials and per-user notification lists.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"opsdash/internal/utils"
)

// KV is a namespaced key-value store holding JSON values.
type KV interface {
	// Get decodes the stored value into out and reports whether it existed.
	Get(namespace, key string, out interface{}) (bool, error)
	// Set stores value; a positive ttl records an expiration.
	Set(namespace, key string, value interface{}, ttl time.Duration) error
	Delete(namespace, key string) error
}

// StorageError wraps a failed storage operation with the affected key.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// record is the on-disk envelope for a value.
type record struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// FileStore keeps one JSON file per namespace_key under dir.
type FileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewFileStore returns a store rooted at dir. The directory is created lazily.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, now: time.Now}
}

// Dir returns the directory backing this store.
func (s *FileStore) Dir() string {
	return s.dir
}

// StorageKey joins namespace and key using the namespace_key convention.
func StorageKey(namespace, key string) string {
	namespace = strings.TrimSpace(namespace)
	key = strings.TrimSpace(key)
	if namespace == "" {
		return key
	}
	return namespace + "_" + key
}

// fileName escapes namespace and key separately so the "_" separator is
// unambiguous and distinct keys never share a file.
func fileName(namespace, key string) string {
	namespace = strings.TrimSpace(namespace)
	key = strings.TrimSpace(key)
	if namespace == "" {
		return utils.EscapeFilename(key)
	}
	return utils.EscapeFilename(namespace) + "_" + utils.EscapeFilename(key)
}

// keyFromFileName reverses fileName into the namespace_key form.
func keyFromFileName(name string) (string, error) {
	namespace, key, found := strings.Cut(name, "_")
	if !found {
		return utils.UnescapeFilename(name)
	}
	ns, err := utils.UnescapeFilename(namespace)
	if err != nil {
		return "", err
	}
	k, err := utils.UnescapeFilename(key)
	if err != nil {
		return "", err
	}
	return StorageKey(ns, k), nil
}

func (s *FileStore) pathFor(namespace, key string) (string, string, error) {
	full := StorageKey(namespace, key)
	if strings.TrimSpace(key) == "" {
		return full, "", errors.New("empty key")
	}
	p, err := utils.SecureJoin(s.dir, fileName(namespace, key)+".json")
	if err != nil {
		return full, "", err
	}
	return full, p, nil
}

func (s *FileStore) Get(namespace, key string, out interface{}) (bool, error) {
	full, p, err := s.pathFor(namespace, key)
	if err != nil {
		return false, &StorageError{Op: "get", Key: full, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "get", Key: full, Err: err}
	}
	if len(data) == 0 {
		return false, nil
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, &StorageError{Op: "get", Key: full, Err: err}
	}
	if rec.ExpiresAt != nil && !s.now().Before(*rec.ExpiresAt) {
		_ = os.Remove(p)
		return false, nil
	}
	if out != nil && len(rec.Value) > 0 {
		if err := json.Unmarshal(rec.Value, out); err != nil {
			return false, &StorageError{Op: "get", Key: full, Err: err}
		}
	}
	return true, nil
}

func (s *FileStore) Set(namespace, key string, value interface{}, ttl time.Duration) error {
	full, p, err := s.pathFor(namespace, key)
	if err != nil {
		return &StorageError{Op: "set", Key: full, Err: err}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return &StorageError{Op: "set", Key: full, Err: err}
	}
	rec := record{Value: raw}
	if ttl > 0 {
		exp := s.now().Add(ttl)
		rec.ExpiresAt = &exp
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return &StorageError{Op: "set", Key: full, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &StorageError{Op: "set", Key: full, Err: err}
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return &StorageError{Op: "set", Key: full, Err: err}
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return &StorageError{Op: "set", Key: full, Err: err}
	}
	return nil
}

func (s *FileStore) Delete(namespace, key string) error {
	full, p, err := s.pathFor(namespace, key)
	if err != nil {
		return &StorageError{Op: "delete", Key: full, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "delete", Key: full, Err: err}
	}
	return nil
}

// Keys lists the stored namespace_key names, mainly for diagnostics.
func (s *FileStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "list", Key: s.dir, Err: err}
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := keyFromFileName(strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
