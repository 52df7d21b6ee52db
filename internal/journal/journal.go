// Package journal implements the append-only durable event log that
// the kernel writes to and the control-plane server subscribes to.
// It is the one shared, mutable structure the rest of the system is
// allowed to depend on, which is what breaks the otherwise-cyclic
// journal -> server -> WS -> kernel dependency graph (see
// DESIGN.md's internal/journal entry).
package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the concrete journal: SQLite-backed, WAL mode, with
// in-process fan-out to every subscriber done synchronously inside
// Emit.
type Store struct {
	db *sql.DB

	subMu sync.RWMutex
	subs  map[int64]chan types.Event
	subID int64
}

// Open creates (or opens) the SQLite-backed journal at path and runs
// pending migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{db: db, subs: make(map[int64]chan types.Event)}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version TEXT PRIMARY KEY);`); err != nil {
		return err
	}
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		v := e.Name()
		var exists string
		err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations WHERE version = ?", v).Scan(&exists)
		if err == nil {
			continue
		} else if err != sql.ErrNoRows {
			return err
		}
		body, err := migrationFS.ReadFile("migrations/" + v)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migration %s: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations(version) VALUES(?)", v); err != nil {
			return err
		}
	}
	return nil
}

// Emit appends one event to the journal, assigning it the next
// monotonically increasing sequence number, and re-publishes it to
// every live subscriber via a non-blocking send.
func (s *Store) Emit(ctx context.Context, sessionID string, typ types.EventType, payload any) (types.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO events(session_id, type, payload, created_at) VALUES(?,?,?,?)",
		sessionID, string(typ), []byte(raw), now.Format(time.RFC3339Nano))
	if err != nil {
		return types.Event{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return types.Event{}, err
	}
	ev := types.Event{
		Seq:       seq,
		Type:      typ,
		SessionID: sessionID,
		Timestamp: now,
		Payload:   json.RawMessage(raw),
	}
	s.publish(ev)
	return ev, nil
}

func (s *Store) publish(ev types.Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop rather than block the emitting
			// goroutine. Backpressure/eviction policy for SSE/WS
			// clients lives in internal/eventbus, one layer up.
		}
	}
}

// Subscribe returns a channel fed by every future Emit, and a cancel
// function that must be called to release it.
func (s *Store) Subscribe() (<-chan types.Event, func()) {
	s.subMu.Lock()
	id := s.subID
	s.subID++
	ch := make(chan types.Event, 256)
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

// ReadSession returns up to limit events for sessionID starting at
// seq offset (inclusive), ordered by seq ascending.
func (s *Store) ReadSession(ctx context.Context, sessionID string, offset int64, limit int) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, type, payload, created_at FROM events WHERE session_id=? AND seq>=? ORDER BY seq ASC LIMIT ?",
		sessionID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows, sessionID)
}

// CountSession returns the total number of events recorded for sessionID.
func (s *Store) CountSession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE session_id=?", sessionID).Scan(&n)
	return n, err
}

// ReadAllStream returns every event across every session with
// seq > afterSeq, ordered by seq ascending. Session resume does not use
// it; Kernel.ResumeSession reads a single session via ReadSession.
func (s *Store) ReadAllStream(ctx context.Context, afterSeq int64) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, session_id, type, payload, created_at FROM events WHERE seq>? ORDER BY seq ASC",
		afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Event
	for rows.Next() {
		var ev types.Event
		var payload []byte
		var created string
		if err := rows.Scan(&ev.Seq, &ev.SessionID, &ev.Type, &payload, &created); err != nil {
			return nil, err
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvents(rows *sql.Rows, sessionID string) ([]types.Event, error) {
	var out []types.Event
	for rows.Next() {
		var ev types.Event
		var payload []byte
		var created string
		if err := rows.Scan(&ev.Seq, &ev.Type, &payload, &created); err != nil {
			return nil, err
		}
		ev.SessionID = sessionID
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, created)
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Compact deletes events belonging to sessions not present in
// retainSessions; callers include their still-active sessions in it.
// An empty retainSessions deletes every event in the journal.
func (s *Store) Compact(ctx context.Context, retainSessions []string) (int64, error) {
	if len(retainSessions) == 0 {
		res, err := s.db.ExecContext(ctx, "DELETE FROM events")
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	query := "DELETE FROM events WHERE session_id NOT IN ("
	args := make([]any, len(retainSessions))
	for i, id := range retainSessions {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListSessionIDs returns the distinct session IDs known to the
// journal, most recently first (by their highest seq).
func (s *Store) ListSessionIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM events WHERE session_id != ? GROUP BY session_id ORDER BY MAX(seq) DESC LIMIT ?`,
		types.SystemSessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
