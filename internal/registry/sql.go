package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLStore keeps the ledger in sqlite
type SQLStore struct {
	db *sql.DB
}

// OpenSQL opens the database at path (":memory:" works) and migrates it
func OpenSQL(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite registry needs a path")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			state TEXT NOT NULL,
			key_secret INTEGER NOT NULL DEFAULT 0,
			msg_secret INTEGER NOT NULL DEFAULT 0,
			have_secrets INTEGER NOT NULL DEFAULT 0,
			selection TEXT,
			fingerprint TEXT,
			video_path TEXT,
			verified INTEGER NOT NULL DEFAULT 0,
			complete INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate registry: %w", err)
	}
	return nil
}

const recordColumns = `id, role, state, key_secret, msg_secret, have_secrets, selection,
	fingerprint, video_path, verified, complete, error, created_at, updated_at`

// Put upserts rec
func (s *SQLStore) Put(rec *Record) error {
	if rec.ID == "" {
		return errors.New("record without id")
	}
	_, err := s.db.Exec(`INSERT INTO sessions (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			state = excluded.state,
			key_secret = excluded.key_secret,
			msg_secret = excluded.msg_secret,
			have_secrets = excluded.have_secrets,
			selection = excluded.selection,
			fingerprint = excluded.fingerprint,
			video_path = excluded.video_path,
			verified = excluded.verified,
			complete = excluded.complete,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Role, rec.State, int64(rec.KeySecret), int64(rec.MsgSecret), rec.HaveSecrets,
		rec.Selection, rec.Fingerprint, rec.VideoPath, rec.Verified, rec.Complete, rec.Error,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store session %s: %w", rec.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                          Record
		keySecret, msgSecret         int64
		selection, fp, path, errText sql.NullString
		createdAt, updatedAt         string
	)
	err := row.Scan(&rec.ID, &rec.Role, &rec.State, &keySecret, &msgSecret, &rec.HaveSecrets,
		&selection, &fp, &path, &rec.Verified, &rec.Complete, &errText, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.KeySecret = uint64(keySecret)
	rec.MsgSecret = uint64(msgSecret)
	rec.Selection = selection.String
	rec.Fingerprint = fp.String
	rec.VideoPath = path.String
	rec.Error = errText.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

// Get returns the record for id
func (s *SQLStore) Get(id string) (*Record, error) {
	row := s.db.QueryRow("SELECT "+recordColumns+" FROM sessions WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	return rec, nil
}

// List returns every record, oldest first
func (s *SQLStore) List() ([]*Record, error) {
	rows, err := s.db.Query("SELECT " + recordColumns + " FROM sessions ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var list []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		list = append(list, rec)
	}
	return list, rows.Err()
}

// CleanExpired deletes records not updated within ttl
func (s *SQLStore) CleanExpired(ttl time.Duration) (int, error) {
	cutoff := formatTime(time.Now().Add(-ttl))
	res, err := s.db.Exec("DELETE FROM sessions WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("clean sessions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats counts records
func (s *SQLStore) Stats() (Stats, error) {
	list, err := s.List()
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, rec := range list {
		stats.add(rec)
	}
	return stats, nil
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// fixed-width UTC so text ordering matches time ordering
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}
