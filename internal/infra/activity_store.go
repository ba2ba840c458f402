package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"
	"go.uber.org/zap"

	"github.com/Letdown2491/runkit/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	activityDBName = "activity.db"

	metaPolicyKey   = "auth_policy"
	metaSnapshotKey = "snapshot_saved_at"
)

// EncryptedActivityStore implements domain.ActivityStore on a SQLCipher
// encrypted SQLite database.
type EncryptedActivityStore struct {
	db     *sql.DB
	dbPath string
	logger *zap.Logger
}

// OpenActivityStore opens (or creates) the activity database in dataDir.
// A database that cannot be opened or fails its integrity check is moved
// aside and replaced by an empty one; a single warning is logged.
func OpenActivityStore(dataDir string, key []byte, logger *zap.Logger) (*EncryptedActivityStore, error) {
	logger = logger.With(zap.String("component", "activity-store"))
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, activityDBName)

	store, err := openActivityDB(dbPath, key, logger)
	if err == nil {
		return store, nil
	}
	if _, statErr := os.Stat(dbPath); statErr != nil {
		// Nothing to recover from; the failure is environmental.
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
	if rerr := os.Rename(dbPath, aside); rerr != nil {
		return nil, fmt.Errorf("move corrupt store aside: %w (open error: %v)", rerr, err)
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		_ = os.Remove(dbPath + suffix)
	}
	logger.Warn("activity store unreadable, starting with empty history",
		zap.String("path", dbPath),
		zap.String("moved_to", aside),
		zap.Error(err))

	return openActivityDB(dbPath, key, logger)
}

func openActivityDB(dbPath string, key []byte, logger *zap.Logger) (*EncryptedActivityStore, error) {
	keyHex := hex.EncodeToString(key)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// Single writer; also keeps the keyed connection the only connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode=WAL`).Scan(&mode); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &EncryptedActivityStore{db: db, dbPath: dbPath, logger: logger}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := s.integrityCheck(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *EncryptedActivityStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS activity_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		service TEXT NOT NULL,
		type TEXT NOT NULL,
		from_state TEXT NOT NULL DEFAULT '',
		to_state TEXT NOT NULL DEFAULT '',
		change TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		synthetic INTEGER NOT NULL DEFAULT 0,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS activity_events_service ON activity_events (service, id);

	CREATE TABLE IF NOT EXISTS session_snapshot (
		service TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		uptime_ns INTEGER NOT NULL DEFAULT 0,
		normally_up INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *EncryptedActivityStore) integrityCheck() error {
	var result string
	if err := s.db.QueryRow(`PRAGMA quick_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

// LoadHistory returns every service's history, oldest event first.
func (s *EncryptedActivityStore) LoadHistory(ctx context.Context) (map[string][]domain.ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, type, from_state, to_state, change, action, outcome, message, pid, synthetic, ts
		FROM activity_events ORDER BY service, id`)
	if err != nil {
		return nil, persistenceErr("load history", err)
	}
	defer rows.Close()

	out := map[string][]domain.ActivityEvent{}
	for rows.Next() {
		var (
			ev        domain.ActivityEvent
			synthetic int
			ts        int64
		)
		if err := rows.Scan(&ev.Service, &ev.Type, &ev.From, &ev.To, &ev.Change, &ev.Action,
			&ev.Outcome, &ev.Message, &ev.PID, &synthetic, &ts); err != nil {
			return nil, persistenceErr("load history", err)
		}
		ev.Synthetic = synthetic != 0
		ev.Timestamp = time.Unix(0, ts).UTC()
		out[ev.Service] = append(out[ev.Service], ev)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("load history", err)
	}
	return out, nil
}

// ReplaceHistory replaces one service's history inside a transaction.
func (s *EncryptedActivityStore) ReplaceHistory(ctx context.Context, service string, events []domain.ActivityEvent) error {
	return s.inTx(ctx, "replace history", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM activity_events WHERE service = ?`, service); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO activity_events
				(service, type, from_state, to_state, change, action, outcome, message, pid, synthetic, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, ev := range events {
			if _, err := stmt.ExecContext(ctx, service, ev.Type, ev.From, ev.To, ev.Change, ev.Action,
				ev.Outcome, ev.Message, ev.PID, boolInt(ev.Synthetic), ev.Timestamp.UnixNano()); err != nil {
				return err
			}
		}
		return nil
	})
}

// TakeSnapshot reads and deletes the stored snapshot in one transaction.
func (s *EncryptedActivityStore) TakeSnapshot(ctx context.Context) (domain.SessionSnapshot, bool, error) {
	var (
		snap domain.SessionSnapshot
		ok   bool
	)
	err := s.inTx(ctx, "take snapshot", func(tx *sql.Tx) error {
		var savedAt string
		err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaSnapshotKey).Scan(&savedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT service, state, pid, uptime_ns, normally_up, exit_code FROM session_snapshot`)
		if err != nil {
			return err
		}
		snap = domain.SessionSnapshot{}
		for rows.Next() {
			var (
				st       domain.ServiceStatus
				uptimeNs int64
				normally int
			)
			if err := rows.Scan(&st.Service, &st.State, &st.PID, &uptimeNs, &normally, &st.ExitCode); err != nil {
				rows.Close()
				return err
			}
			st.Uptime = time.Duration(uptimeNs)
			st.NormallyUp = normally != 0
			snap[st.Service] = st
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM session_snapshot`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, metaSnapshotKey); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return snap, ok, nil
}

// SaveSnapshot replaces the stored snapshot.
func (s *EncryptedActivityStore) SaveSnapshot(ctx context.Context, snap domain.SessionSnapshot) error {
	return s.inTx(ctx, "save snapshot", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_snapshot`); err != nil {
			return err
		}
		for name, st := range snap {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO session_snapshot (service, state, pid, uptime_ns, normally_up, exit_code)
				VALUES (?, ?, ?, ?, ?, ?)`,
				name, st.State, st.PID, int64(st.Uptime), boolInt(st.NormallyUp), st.ExitCode); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
			metaSnapshotKey, time.Now().UTC().Format(time.RFC3339))
		return err
	})
}

// LoadPolicy returns the stored authorization policy.
func (s *EncryptedActivityStore) LoadPolicy(ctx context.Context) (domain.AuthorizationPolicy, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaPolicyKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AuthorizationPolicy{}, false, nil
	}
	if err != nil {
		return domain.AuthorizationPolicy{}, false, persistenceErr("load policy", err)
	}
	var p domain.AuthorizationPolicy
	if err := json.Unmarshal([]byte(raw), &p); err != nil || !p.Mode.Valid() {
		s.logger.Warn("ignoring invalid stored policy", zap.String("value", raw))
		return domain.AuthorizationPolicy{}, false, nil
	}
	return p, true, nil
}

// SavePolicy persists the authorization policy.
func (s *EncryptedActivityStore) SavePolicy(ctx context.Context, p domain.AuthorizationPolicy) error {
	data, err := json.Marshal(p)
	if err != nil {
		return persistenceErr("save policy", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`,
		metaPolicyKey, string(data)); err != nil {
		return persistenceErr("save policy", err)
	}
	return nil
}

// Path returns the database file location.
func (s *EncryptedActivityStore) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *EncryptedActivityStore) Close() error {
	return s.db.Close()
}

func (s *EncryptedActivityStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return persistenceErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return persistenceErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return persistenceErr(op, err)
	}
	return nil
}

func persistenceErr(op string, err error) error {
	return domain.NewError(domain.KindPersistence, op, "", "", err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ domain.ActivityStore = (*EncryptedActivityStore)(nil)
