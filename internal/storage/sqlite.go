package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

const reminderColumns = `id, user_id, kind, message, trigger_at, created_at, stage, last_fired_date, zone`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer, and ":memory:" databases are per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrationsSQL)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, r *Reminder) error {
	if err := normalize(r); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+reminderColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, string(r.Kind), r.Message, r.TriggerAt.UnixMilli(), r.CreatedAt.UnixMilli(),
		string(r.Stage), r.LastFiredDate, r.Zone,
	)
	if err != nil && isUniqueViolation(err) && r.Kind == KindDailyDigest {
		return ErrDuplicateDigest
	}
	return unavailable("create", err)
}

func (s *sqliteStore) Get(ctx context.Context, id string) (Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, ErrNotFound
	}
	if err != nil {
		return Reminder{}, unavailable("get", err)
	}
	return r, nil
}

// UpdateStage only moves forward; the CASE keeps a late "warned" from overwriting "fired".
func (s *sqliteStore) UpdateStage(ctx context.Context, id string, stage Stage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET stage = CASE
		   WHEN ? > (CASE stage WHEN 'fired' THEN 2 WHEN 'warned' THEN 1 ELSE 0 END) THEN ?
		   ELSE stage END
		 WHERE id = ?`,
		stage.rank(), string(stage), id,
	)
	return affectedOrNotFound("update stage", res, err)
}

func (s *sqliteStore) UpdateTrigger(ctx context.Context, id string, at time.Time, zone, lastFiredDate string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET trigger_at = ?, zone = ?, last_fired_date = ? WHERE id = ?`,
		at.UTC().UnixMilli(), zone, lastFiredDate, id,
	)
	return affectedOrNotFound("update trigger", res, err)
}

func (s *sqliteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	return unavailable("delete", err)
}

func (s *sqliteStore) DueBefore(ctx context.Context, t time.Time) ([]Reminder, error) {
	return s.query(ctx, "due before",
		`SELECT `+reminderColumns+` FROM reminders WHERE trigger_at < ? ORDER BY trigger_at, id`, t.UnixMilli())
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]Reminder, error) {
	return s.query(ctx, "list", `SELECT `+reminderColumns+` FROM reminders ORDER BY trigger_at, id`)
}

func (s *sqliteStore) ByUser(ctx context.Context, userID int64) ([]Reminder, error) {
	return s.query(ctx, "by user",
		`SELECT `+reminderColumns+` FROM reminders WHERE user_id = ? ORDER BY trigger_at, id`, userID)
}

func (s *sqliteStore) DailyDigestUsers(ctx context.Context) ([]DigestUser, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, zone FROM reminders WHERE kind = ? ORDER BY trigger_at, id`, string(KindDailyDigest))
	if err != nil {
		return nil, unavailable("digest users", err)
	}
	defer rows.Close()
	var out []DigestUser
	for rows.Next() {
		var u DigestUser
		if err := rows.Scan(&u.UserID, &u.Zone); err != nil {
			return nil, unavailable("digest users", err)
		}
		out = append(out, u)
	}
	return out, unavailable("digest users", rows.Err())
}

func (s *sqliteStore) DeleteAllForUser(ctx context.Context, userID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE user_id = ?`, userID)
	if err != nil {
		return 0, unavailable("delete user", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) query(ctx context.Context, op, q string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	out := make([]Reminder, 0)
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, r)
	}
	return out, unavailable(op, rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(sc rowScanner) (Reminder, error) {
	var (
		r                   Reminder
		kind, stage         string
		triggerMS, createMS int64
	)
	if err := sc.Scan(&r.ID, &r.UserID, &kind, &r.Message, &triggerMS, &createMS, &stage, &r.LastFiredDate, &r.Zone); err != nil {
		return Reminder{}, err
	}
	r.Kind = Kind(kind)
	r.Stage = Stage(stage)
	r.TriggerAt = time.UnixMilli(triggerMS).UTC()
	r.CreatedAt = time.UnixMilli(createMS).UTC()
	return r, nil
}

func affectedOrNotFound(op string, res sql.Result, err error) error {
	if err != nil {
		return unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
