package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/faanross/simulacra_vid/internal/frames"
	"github.com/faanross/simulacra_vid/internal/keyagree"
	"github.com/faanross/simulacra_vid/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"file": func() Store {
			fs, err := NewFileStore(filepath.Join(t.TempDir(), "registry.json"))
			require.NoError(t, err)
			return fs
		},
		"sqlite": func() Store {
			s, err := OpenSQL(":memory:")
			require.NoError(t, err)
			return s
		},
	}
}

func record(id string, role protocol.Role, state protocol.State, created time.Time) *Record {
	return &Record{
		ID:          id,
		Role:        string(role),
		State:       state.String(),
		KeySecret:   7,
		MsgSecret:   7,
		HaveSecrets: true,
		Selection:   "signature=0 key=7 message=8",
		Complete:    state == protocol.StateDone || state == protocol.StateReady,
		Verified:    state == protocol.StateReady,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestStores(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := open()
			defer store.Close()

			now := time.Now().Truncate(time.Millisecond)
			require.NoError(t, store.Put(record("b", protocol.RoleReceiver, protocol.StateReady, now.Add(time.Second))))
			require.NoError(t, store.Put(record("a", protocol.RoleSender, protocol.StateListening, now)))

			got, err := store.Get("a")
			require.NoError(t, err)
			assert.Equal(t, "sender", got.Role)
			assert.Equal(t, uint64(7), got.KeySecret)
			assert.True(t, got.CreatedAt.Equal(now))

			// upsert
			updated := record("a", protocol.RoleSender, protocol.StateFailed, now)
			updated.Error = "accept: context canceled"
			updated.UpdatedAt = now.Add(2 * time.Second)
			require.NoError(t, store.Put(updated))

			got, err = store.Get("a")
			require.NoError(t, err)
			assert.Equal(t, "Failed", got.State)
			assert.Equal(t, "accept: context canceled", got.Error)
			assert.True(t, got.Failed())

			list, err := store.List()
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "a", list[0].ID)
			assert.Equal(t, "b", list[1].ID)

			stats, err := store.Stats()
			require.NoError(t, err)
			assert.Equal(t, Stats{Total: 2, Senders: 1, Receivers: 1, Complete: 1, Failed: 1, Verified: 1}, stats)

			_, err = store.Get("missing")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.Error(t, store.Put(&Record{}))
		})
	}
}

func TestCleanExpired(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := open()
			defer store.Close()

			require.NoError(t, store.Put(record("old", protocol.RoleSender, protocol.StateDone, time.Now().Add(-2*time.Hour))))
			require.NoError(t, store.Put(record("new", protocol.RoleSender, protocol.StateDone, time.Now())))

			removed, err := store.CleanExpired(time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			list, err := store.List()
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "new", list[0].ID)
		})
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	fs, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, fs.Put(record("a", protocol.RoleSender, protocol.StateDone, time.Now())))

	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	got, err := reopened.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "Done", got.State)

	assert.NoFileExists(t, path+".tmp")
}

func TestSQLStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")

	s, err := OpenSQL(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(record("a", protocol.RoleReceiver, protocol.StateReady, time.Now())))
	require.NoError(t, s.Close())

	s, err = OpenSQL(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, got.Verified)
}

func TestFromSnapshot(t *testing.T) {
	sel := frames.Selection{Signature: 0, Key: 7, Message: 8, Bumped: true}
	snap := protocol.Snapshot{
		ID:          "abc",
		Role:        protocol.RoleReceiver,
		State:       protocol.StateReady,
		Secrets:     keyagree.Secrets{Key: 7, Msg: 7},
		HaveSecrets: true,
		Selection:   &sel,
		Fingerprint: "ff",
		Verified:    true,
		Complete:    true,
	}

	rec := FromSnapshot(snap)
	assert.Equal(t, "abc", rec.ID)
	assert.Equal(t, "receiver", rec.Role)
	assert.Equal(t, "Ready", rec.State)
	assert.Equal(t, "signature=0 key=7 message=8", rec.Selection)
	assert.True(t, rec.Verified)
	assert.True(t, rec.Complete)
}

func TestObserverRecordsTransitions(t *testing.T) {
	store := NewMemoryStore()
	obs := Observer(store)

	obs(protocol.Snapshot{ID: "s1", Role: protocol.RoleSender, State: protocol.StateListening})
	got, err := store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "Listening", got.State)

	obs(protocol.Snapshot{ID: "s1", Role: protocol.RoleSender, State: protocol.StateDone, Complete: true})
	got, err = store.Get("s1")
	require.NoError(t, err)
	assert.Equal(t, "Done", got.State)
	assert.True(t, got.Complete)

	// a record without id is logged, not fatal
	obs(protocol.Snapshot{})
	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestOpen(t *testing.T) {
	s, err := Open(BackendMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(BackendFile, "")
	assert.Error(t, err)

	s, err = Open(BackendSQLite, ":memory:")
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	s.Close()

	_, err = Open("etcd", "")
	assert.Error(t, err)
}
