// Package tracedb records VM execution events in a SQLite database so a
// run can be examined after it ends.
package tracedb

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("run not found")

// Kind classifies a recorded event.
type Kind string

const (
	KindStep       Kind = "step"
	KindPause      Kind = "pause"
	KindBreakpoint Kind = "breakpoint"
	KindPrint      Kind = "print"
	KindTerminate  Kind = "terminate"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	program    TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at   INTEGER,
	error      TEXT
);
CREATE TABLE IF NOT EXISTS events (
	run_id INTEGER NOT NULL REFERENCES runs(id),
	seq    INTEGER NOT NULL,
	kind   TEXT NOT NULL,
	ip     INTEGER NOT NULL,
	file   TEXT NOT NULL DEFAULT '',
	line   INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, seq)
);
`

// DB is a trace database.
type DB struct {
	db  *sql.DB
	log commonlog.Logger
	mu  sync.Mutex
}

// Open opens or creates the trace database at path. Use ":memory:" for a
// throwaway database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening trace database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &DB{db: db, log: commonlog.GetLogger("svm.tracedb")}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// RunInfo summarizes one recorded run.
type RunInfo struct {
	ID        int64
	Program   string
	StartedAt time.Time
	EndedAt   time.Time // zero while the run is open
	Error     string
	Events    int
}

// Event is one recorded event.
type Event struct {
	Seq    int
	Kind   Kind
	IP     int
	File   string
	Line   int
	Detail string
}

// Run records the events of one execution.
type Run struct {
	ID  int64
	db  *DB
	seq int
}

// BeginRun starts recording a new run of program.
func (d *DB) BeginRun(program string) (*Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.Exec("INSERT INTO runs (program, started_at) VALUES (?, ?)",
		program, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("starting run: %w", err)
	}
	d.log.Debugf("recording run %d of %s", id, program)
	return &Run{ID: id, db: d}, nil
}

// Record appends an event to the run.
func (r *Run) Record(e Event) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	r.seq++
	_, err := r.db.db.Exec(
		"INSERT INTO events (run_id, seq, kind, ip, file, line, detail) VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.seq, string(e.Kind), e.IP, e.File, e.Line, e.Detail,
	)
	if err != nil {
		return fmt.Errorf("recording %s event: %w", e.Kind, err)
	}
	return nil
}

// End closes the run, storing runErr's message when it is not nil.
func (r *Run) End(runErr error) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := r.db.db.Exec("UPDATE runs SET ended_at = ?, error = ? WHERE id = ?",
		time.Now().UnixNano(), msg, r.ID)
	if err != nil {
		return fmt.Errorf("ending run %d: %w", r.ID, err)
	}
	return nil
}

// Runs lists recorded runs, oldest first.
func (d *DB) Runs() ([]RunInfo, error) {
	rows, err := d.db.Query(`
		SELECT r.id, r.program, r.started_at, r.ended_at, r.error,
		       (SELECT COUNT(*) FROM events e WHERE e.run_id = r.id)
		FROM runs r ORDER BY r.id`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []RunInfo
	for rows.Next() {
		var info RunInfo
		var started int64
		var ended sql.NullInt64
		var msg sql.NullString
		if err := rows.Scan(&info.ID, &info.Program, &started, &ended, &msg, &info.Events); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		info.StartedAt = time.Unix(0, started)
		if ended.Valid {
			info.EndedAt = time.Unix(0, ended.Int64)
		}
		info.Error = msg.String
		out = append(out, info)
	}
	return out, rows.Err()
}

// Events returns the events of a run in order.
func (d *DB) Events(runID int64) ([]Event, error) {
	var exists int
	err := d.db.QueryRow("SELECT COUNT(*) FROM runs WHERE id = ?", runID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	if exists == 0 {
		return nil, ErrRunNotFound
	}

	rows, err := d.db.Query(
		"SELECT seq, kind, ip, file, line, detail FROM events WHERE run_id = ? ORDER BY seq", runID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var kind string
		if err := rows.Scan(&e.Seq, &kind, &e.IP, &e.File, &e.Line, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Kind = Kind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}
