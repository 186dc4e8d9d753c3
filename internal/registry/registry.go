package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/faanross/simulacra_vid/internal/protocol"
	"github.com/sirupsen/logrus"
)

// ================================================================================
// SESSION REGISTRY
// Keeps a ledger of sender and receiver sessions for the control surface.
// Records never carry key material: only the agreed secrets, which the
// sender operator is shown anyway.
// ================================================================================

// ErrNotFound is returned for unknown session ids
var ErrNotFound = errors.New("session not found")

// Backends
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Record is the persisted view of one session
type Record struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	State       string    `json:"state"`
	KeySecret   uint64    `json:"key_secret"`
	MsgSecret   uint64    `json:"msg_secret"`
	HaveSecrets bool      `json:"have_secrets"`
	Selection   string    `json:"selection,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	VideoPath   string    `json:"video_path,omitempty"`
	Verified    bool      `json:"verified"`
	Complete    bool      `json:"complete"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Failed reports whether the session ended in error
func (r *Record) Failed() bool {
	return r.State == protocol.StateFailed.String()
}

// FromSnapshot converts a live session view into a record
func FromSnapshot(s protocol.Snapshot) *Record {
	rec := &Record{
		ID:          s.ID,
		Role:        string(s.Role),
		State:       s.State.String(),
		KeySecret:   s.Secrets.Key,
		MsgSecret:   s.Secrets.Msg,
		HaveSecrets: s.HaveSecrets,
		Fingerprint: s.Fingerprint,
		VideoPath:   s.VideoPath,
		Verified:    s.Verified,
		Complete:    s.Complete,
		Error:       s.Error,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	if s.Selection != nil {
		rec.Selection = s.Selection.String()
	}
	return rec
}

// Store is the registry backend
type Store interface {
	Put(rec *Record) error // insert or replace
	Get(id string) (*Record, error)
	List() ([]*Record, error) // oldest first
	CleanExpired(ttl time.Duration) (int, error)
	Stats() (Stats, error)
	Close() error
}

// Stats summarizes the ledger
type Stats struct {
	Total     int `json:"total"`
	Senders   int `json:"senders"`
	Receivers int `json:"receivers"`
	Complete  int `json:"complete"`
	Failed    int `json:"failed"`
	Verified  int `json:"verified"`
}

func (s *Stats) add(rec *Record) {
	s.Total++
	switch protocol.Role(rec.Role) {
	case protocol.RoleSender:
		s.Senders++
	case protocol.RoleReceiver:
		s.Receivers++
	}
	if rec.Complete {
		s.Complete++
	}
	if rec.Failed() {
		s.Failed++
	}
	if rec.Verified {
		s.Verified++
	}
}

// Open returns the named backend. path is ignored for memory.
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(path)
	case BackendSQLite:
		return OpenSQL(path)
	default:
		return nil, fmt.Errorf("unknown registry backend %q", backend)
	}
}

// Observer records every session change in store
func Observer(store Store) protocol.Observer {
	return func(s protocol.Snapshot) {
		if err := store.Put(FromSnapshot(s)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "registry.Observer",
				"session":  s.ID,
			}).WithError(err).Warn("Failed to record session")
		}
	}
}

// ================================================================================
// IN-MEMORY STORE
// ================================================================================

// MemoryStore keeps records in RAM
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Put stores a copy of rec
func (ms *MemoryStore) Put(rec *Record) error {
	if rec.ID == "" {
		return errors.New("record without id")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cp := *rec
	ms.records[rec.ID] = &cp
	return nil
}

// Get returns a copy of the record
func (ms *MemoryStore) Get(id string) (*Record, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	rec, exists := ms.records[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

// List returns copies ordered by creation time
func (ms *MemoryStore) List() ([]*Record, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	list := make([]*Record, 0, len(ms.records))
	for _, rec := range ms.records {
		cp := *rec
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

// CleanExpired drops records not updated within ttl
func (ms *MemoryStore) CleanExpired(ttl time.Duration) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, rec := range ms.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(ms.records, id)
			removed++
		}
	}
	return removed, nil
}

// Stats counts records
func (ms *MemoryStore) Stats() (Stats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var stats Stats
	for _, rec := range ms.records {
		stats.add(rec)
	}
	return stats, nil
}

// Close is a no-op
func (ms *MemoryStore) Close() error { return nil }
