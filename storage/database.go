package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "msnslp.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  call_id      TEXT PRIMARY KEY,
  session_id   INTEGER NOT NULL,
  peer         TEXT NOT NULL,
  direction    TEXT NOT NULL CHECK(direction IN ('incoming','outgoing')),
  app_id       INTEGER NOT NULL,
  name         TEXT NOT NULL DEFAULT '',
  size         INTEGER NOT NULL DEFAULT 0,
  bytes        INTEGER NOT NULL DEFAULT 0,
  status       TEXT NOT NULL CHECK(status IN ('pending','active','complete','canceled','declined','failed')) DEFAULT 'pending',
  error        TEXT NOT NULL DEFAULT '',
  started_at   INTEGER NOT NULL,
  updated_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_peer_time
ON transfers (peer, started_at DESC, call_id);
`,
	`
CREATE TABLE IF NOT EXISTS objects (
  sha1d       TEXT PRIMARY KEY,
  creator     TEXT NOT NULL,
  type        INTEGER NOT NULL,
  location    TEXT NOT NULL,
  size        INTEGER NOT NULL,
  data        BLOB NOT NULL,
  stored_at   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_objects_creator_location
ON objects (creator, location);
`,
	`
CREATE TABLE IF NOT EXISTS peers (
  passport            TEXT PRIMARY KEY,
  display_name        TEXT NOT NULL DEFAULT '',
  last_known_ip       TEXT,
  last_known_port     INTEGER,
  last_seen_timestamp INTEGER
);
`,
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) the database under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", errors.Wrap(err, "create storage directory")
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite database")
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin migration transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return errors.Wrapf(err, "apply migration %d", i+1)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return errors.Wrapf(err, "set schema version %d", i+1)
		}
	}

	return errors.Wrap(tx.Commit(), "commit migration transaction")
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if !strings.EqualFold(journalMode, "wal") {
		return errors.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return errors.Wrap(err, "wal checkpoint truncate")
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
