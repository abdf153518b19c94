package memory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "growthbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// unavailable tags a driver error so callers can recognize the
// "persistence unavailable" condition with errors.Is(err, ErrUnavailable).
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func (s *sqliteStore) UpsertTarget(ctx context.Context, t Target) (Target, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = TargetJoined
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets(chat_id, title, topic, member_count, status, cooldown_until, last_seen_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   title=excluded.title,
		   topic=excluded.topic,
		   member_count=excluded.member_count,
		   status=excluded.status,
		   cooldown_until=excluded.cooldown_until`,
		t.ChatID, t.Title, t.Topic, t.MemberCount, string(t.Status),
		nullMilli(t.CooldownUntil), nullMilli(t.LastSeenAt), t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Target{}, unavailable("upsert target", err)
	}
	got, ok, err := s.Target(ctx, t.ChatID)
	if err != nil {
		return Target{}, err
	}
	if !ok {
		return Target{}, unavailable("upsert target", sql.ErrNoRows)
	}
	return got, nil
}

func (s *sqliteStore) Target(ctx context.Context, chatID int64) (Target, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, title, topic, member_count, status, cooldown_until, last_seen_at, created_at
		 FROM targets WHERE chat_id = ?`, chatID)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, false, nil
	}
	if err != nil {
		return Target{}, false, unavailable("load target", err)
	}
	return t, true, nil
}

func (s *sqliteStore) Targets(ctx context.Context) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, title, topic, member_count, status, cooldown_until, last_seen_at, created_at
		 FROM targets ORDER BY chat_id`)
	if err != nil {
		return nil, unavailable("load targets", err)
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, unavailable("load targets", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load targets", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(r rowScanner) (Target, error) {
	var (
		t        Target
		status   string
		cooldown sql.NullInt64
		lastSeen sql.NullInt64
		created  int64
	)
	if err := r.Scan(&t.ChatID, &t.Title, &t.Topic, &t.MemberCount, &status, &cooldown, &lastSeen, &created); err != nil {
		return Target{}, err
	}
	t.Status = TargetStatus(status)
	if cooldown.Valid {
		t.CooldownUntil = time.UnixMilli(cooldown.Int64)
	}
	if lastSeen.Valid {
		t.LastSeenAt = time.UnixMilli(lastSeen.Int64)
	}
	t.CreatedAt = time.UnixMilli(created)
	return t, nil
}

func (s *sqliteStore) TouchTarget(ctx context.Context, chatID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE targets SET last_seen_at = ? WHERE chat_id = ?`,
		at.UnixMilli(), chatID)
	if err != nil {
		return unavailable("touch target", err)
	}
	return nil
}

func (s *sqliteStore) Counter(ctx context.Context, chatID int64, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM counters WHERE chat_id = ? AND day = ?`, chatID, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("read counter", err)
	}
	return n, nil
}

func (s *sqliteStore) ReserveSlot(ctx context.Context, chatID int64, day string, cap int) (int, error) {
	if cap <= 0 {
		return 0, ErrQuotaExhausted
	}
	// Compare-and-increment in one statement. The WHERE guards the update
	// branch; the insert branch starts a fresh day at 1 (cap >= 1 here).
	// No row back means the counter was already at the cap.
	var n int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters(chat_id, day, count) VALUES(?,?,1)
		 ON CONFLICT(chat_id, day) DO UPDATE SET count = count + 1 WHERE counters.count < ?
		 RETURNING count`,
		chatID, day, cap).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrQuotaExhausted
	}
	if err != nil {
		return 0, unavailable("reserve slot", err)
	}
	return n, nil
}

func (s *sqliteStore) Seen(ctx context.Context, chatID int64, messageID int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dedup(chat_id, message_id, seen_at) VALUES(?,?,?)`,
		chatID, messageID, time.Now().UnixMilli())
	if err != nil {
		return false, unavailable("dedup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("dedup", err)
	}
	return n == 0, nil
}

func (s *sqliteStore) RecordSent(ctx context.Context, r SentRecord) error {
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_log(chat_id, message_id, sent_at, status, with_link) VALUES(?,?,?,?,?)
		 ON CONFLICT(chat_id, message_id) DO NOTHING`,
		r.ChatID, r.MessageID, r.SentAt.UnixMilli(), string(r.Status), boolInt(r.WithLink))
	if err != nil {
		return unavailable("record sent", err)
	}
	return nil
}

func (s *sqliteStore) SentCountSince(ctx context.Context, chatID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sent_log WHERE chat_id = ? AND sent_at >= ? AND status = ?`,
		chatID, since.UnixMilli(), string(SendOK)).Scan(&n)
	if err != nil {
		return 0, unavailable("count sent", err)
	}
	return n, nil
}

func (s *sqliteStore) LinkUsedInLast(ctx context.Context, chatID int64, n int) (bool, error) {
	if n <= 0 {
		return false, nil
	}
	var cnt int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (
		   SELECT with_link FROM sent_log
		   WHERE chat_id = ? AND status = ?
		   ORDER BY sent_at DESC LIMIT ?
		 ) WHERE with_link = 1`,
		chatID, string(SendOK), n).Scan(&cnt)
	if err != nil {
		return false, unavailable("link ratio", err)
	}
	return cnt > 0, nil
}

func (s *sqliteStore) PutAction(ctx context.Context, a Action) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions(id, chat_id, message_id, text, with_link, send_at, status, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, send_at=excluded.send_at`,
		a.ID, a.ChatID, a.MessageID, a.Text, boolInt(a.WithLink),
		a.SendAt.UnixMilli(), string(a.Status), a.CreatedAt.UnixMilli())
	if err != nil {
		return unavailable("put action", err)
	}
	return nil
}

func (s *sqliteStore) UpdateActionStatus(ctx context.Context, id string, status ActionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return unavailable("update action", err)
	}
	return nil
}

func (s *sqliteStore) PendingActions(ctx context.Context) ([]Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, message_id, text, with_link, send_at, status, created_at
		 FROM actions WHERE status = ? ORDER BY send_at, id`, string(ActionPending))
	if err != nil {
		return nil, unavailable("load pending actions", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var (
			a        Action
			withLink int
			sendAt   int64
			status   string
			created  int64
		)
		if err := rows.Scan(&a.ID, &a.ChatID, &a.MessageID, &a.Text, &withLink, &sendAt, &status, &created); err != nil {
			return nil, unavailable("load pending actions", err)
		}
		a.WithLink = withLink != 0
		a.SendAt = time.UnixMilli(sendAt)
		a.Status = ActionStatus(status)
		a.CreatedAt = time.UnixMilli(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("load pending actions", err)
	}
	return out, nil
}

func (s *sqliteStore) Prune(ctx context.Context, cutoff time.Time) error {
	ms := cutoff.UnixMilli()
	day := cutoff.UTC().Format("2006-01-02")
	stmts := []struct {
		q    string
		args []any
	}{
		{`DELETE FROM dedup WHERE seen_at < ?`, []any{ms}},
		{`DELETE FROM sent_log WHERE sent_at < ?`, []any{ms}},
		// Day keys sort lexicographically; UTC day is a conservative cutoff
		// for any reference timezone.
		{`DELETE FROM counters WHERE day < ?`, []any{day}},
		{`DELETE FROM actions WHERE status != ? AND created_at < ?`, []any{string(ActionPending), ms}},
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st.q, st.args...); err != nil {
			return unavailable("prune", err)
		}
	}
	return nil
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
