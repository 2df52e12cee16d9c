package journal

import (
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/reh3376/ignition-tools-sub003/internal/alarm"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS alarm_events (
	id            TEXT PRIMARY KEY,
	alarm_id      TEXT NOT NULL,
	alarm_key     TEXT NOT NULL,
	parameter     TEXT NOT NULL,
	kind          TEXT NOT NULL,
	priority      TEXT NOT NULL,
	state         TEXT NOT NULL,
	value         REAL NOT NULL,
	escalation    INTEGER NOT NULL,
	message       TEXT,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS control_decisions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	tick          INTEGER NOT NULL,
	setpoint      REAL NOT NULL,
	output        REAL NOT NULL,
	control       REAL NOT NULL,
	fallback      INTEGER NOT NULL,
	error_kind    TEXT,
	elapsed_ms    INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS emergency_notices (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	reason        TEXT NOT NULL,
	last_resort   INTEGER NOT NULL,
	created_at    TEXT NOT NULL
);
`

// #endregion schema

// #region store-struct

// Store is the sqlite-backed decision and alarm-event journal. It gives
// operators an inspectable record of every alarm transition and control
// tick; configuration and long-term history persistence stay external.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor

// Open opens (or creates) the journal database and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open journal db")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, errors.Wrap(err, "pragma")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle for read-only tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion constructor

// #region alarm-events

// LogAlarmEvent appends one alarm lifecycle event.
func (s *Store) LogAlarmEvent(ev alarm.Event) error {
	_, err := s.db.Exec(
		`INSERT INTO alarm_events (id, alarm_id, alarm_key, parameter, kind, priority, state, value, escalation, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		ev.Alarm.ID,
		ev.Alarm.Key,
		ev.Alarm.Parameter,
		string(ev.Kind),
		ev.Alarm.Priority.String(),
		string(ev.Alarm.State),
		ev.Alarm.Value,
		ev.Alarm.EscalationLevel,
		nullIfEmpty(ev.Alarm.Message),
		ev.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "log alarm event")
	}
	return nil
}

// AlarmEventRow is one persisted alarm event.
type AlarmEventRow struct {
	AlarmID    string
	Key        string
	Parameter  string
	Kind       string
	Priority   string
	State      string
	Value      float64
	Escalation int
	Message    string
	CreatedAt  time.Time
}

// RecentAlarmEvents returns up to n events, newest first.
func (s *Store) RecentAlarmEvents(n int) ([]AlarmEventRow, error) {
	rows, err := s.db.Query(
		`SELECT alarm_id, alarm_key, parameter, kind, priority, state, value, escalation, COALESCE(message, ''), created_at
		 FROM alarm_events ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "query alarm events")
	}
	defer rows.Close()

	var out []AlarmEventRow
	for rows.Next() {
		var r AlarmEventRow
		var created string
		if err := rows.Scan(&r.AlarmID, &r.Key, &r.Parameter, &r.Kind, &r.Priority, &r.State, &r.Value, &r.Escalation, &r.Message, &created); err != nil {
			return nil, errors.Wrap(err, "scan alarm event")
		}
		r.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, errors.Wrap(err, "parse alarm event timestamp")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion alarm-events

// #region control-decisions

// ControlDecision is one persisted control tick outcome.
type ControlDecision struct {
	Tick      int64
	Setpoint  float64
	Output    float64
	Control   float64
	Fallback  bool
	ErrorKind string
	ElapsedMS int64
	At        time.Time
}

// LogControlDecision appends one control tick record.
func (s *Store) LogControlDecision(d ControlDecision) error {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO control_decisions (tick, setpoint, output, control, fallback, error_kind, elapsed_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Tick, d.Setpoint, d.Output, d.Control, boolInt(d.Fallback), nullIfEmpty(d.ErrorKind), d.ElapsedMS,
		d.At.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "log control decision")
	}
	return nil
}

// RecentControlDecisions returns up to n decisions, newest first.
func (s *Store) RecentControlDecisions(n int) ([]ControlDecision, error) {
	rows, err := s.db.Query(
		`SELECT tick, setpoint, output, control, fallback, COALESCE(error_kind, ''), elapsed_ms, created_at
		 FROM control_decisions ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "query control decisions")
	}
	defer rows.Close()

	var out []ControlDecision
	for rows.Next() {
		var d ControlDecision
		var fallback int
		var created string
		if err := rows.Scan(&d.Tick, &d.Setpoint, &d.Output, &d.Control, &fallback, &d.ErrorKind, &d.ElapsedMS, &created); err != nil {
			return nil, errors.Wrap(err, "scan control decision")
		}
		d.Fallback = fallback != 0
		d.At, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, errors.Wrap(err, "parse decision timestamp")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// #endregion control-decisions

// #region emergency

// LogEmergencyNotice records an emergency dispatch for external pagers.
func (s *Store) LogEmergencyNotice(reason string, lastResort bool, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO emergency_notices (reason, last_resort, created_at) VALUES (?, ?, ?)`,
		reason, boolInt(lastResort), at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "log emergency notice")
	}
	return nil
}

// EmergencyNotice is one persisted emergency dispatch.
type EmergencyNotice struct {
	Reason     string
	LastResort bool
	At         time.Time
}

// RecentEmergencyNotices returns up to n notices, newest first.
func (s *Store) RecentEmergencyNotices(n int) ([]EmergencyNotice, error) {
	rows, err := s.db.Query(
		`SELECT reason, last_resort, created_at FROM emergency_notices ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, errors.Wrap(err, "query emergency notices")
	}
	defer rows.Close()

	var out []EmergencyNotice
	for rows.Next() {
		var en EmergencyNotice
		var lastResort int
		var created string
		if err := rows.Scan(&en.Reason, &lastResort, &created); err != nil {
			return nil, errors.Wrap(err, "scan emergency notice")
		}
		en.LastResort = lastResort != 0
		en.At, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, errors.Wrap(err, "parse notice timestamp")
		}
		out = append(out, en)
	}
	return out, rows.Err()
}

// #endregion emergency

// #region helpers

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
