package memory

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "growthbot/pkg/logx"
)

// ErrUnavailable marks storage-layer failures. Callers must treat it as
// "persistence unavailable" and abort the affected admission or send instead
// of proceeding with unknown quota state.
var ErrUnavailable = errors.New("memory unavailable")

// ErrQuotaExhausted is returned by ReserveSlot when the target's daily
// counter already reached the cap. It is a normal outcome, not a failure.
var ErrQuotaExhausted = errors.New("quota exhausted")

type TargetStatus string

const (
	TargetJoined TargetStatus = "joined"
	TargetLeft   TargetStatus = "left"
	TargetBanned TargetStatus = "banned"
)

// Target is a monitored conversation. Created by explicit registration,
// never deleted automatically.
type Target struct {
	ChatID      int64
	Title       string
	Topic       string
	MemberCount int
	Status      TargetStatus
	// CooldownUntil pauses engagement without touching counters.
	CooldownUntil time.Time
	LastSeenAt    time.Time
	CreatedAt     time.Time
}

// Active reports whether the target may be engaged at the given time.
func (t Target) Active(now time.Time) bool {
	if t.Status != TargetJoined {
		return false
	}
	if !t.CooldownUntil.IsZero() && t.CooldownUntil.After(now) {
		return false
	}
	return true
}

type SendStatus string

const (
	SendOK     SendStatus = "sent"
	SendFailed SendStatus = "failed"
)

// SentRecord is the append-only log of actuated sends, keyed by
// (chat id, source message id).
type SentRecord struct {
	ChatID    int64
	MessageID int
	SentAt    time.Time
	Status    SendStatus
	WithLink  bool
}

type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionSent      ActionStatus = "sent"
	ActionFailed    ActionStatus = "failed"
	ActionAbandoned ActionStatus = "abandoned"
)

// Action is a scheduled send. It is persisted at admission time, before any
// delay timer starts, so a restart can resume or explicitly abandon it.
type Action struct {
	ID        string
	ChatID    int64
	MessageID int
	Text      string
	WithLink  bool
	SendAt    time.Time
	Status    ActionStatus
	CreatedAt time.Time
}

// Store is the single source of truth for targets, quota counters, the dedup
// set and the sent log. All writes are durable before the call returns.
type Store interface {
	UpsertTarget(ctx context.Context, t Target) (Target, error)
	Target(ctx context.Context, chatID int64) (Target, bool, error)
	Targets(ctx context.Context) ([]Target, error)
	TouchTarget(ctx context.Context, chatID int64, at time.Time) error

	// Counter returns the current value for (chatID, day); 0 when absent.
	Counter(ctx context.Context, chatID int64, day string) (int, error)
	// ReserveSlot atomically increments the (chatID, day) counter iff it is
	// below cap, returning the post-increment value. ErrQuotaExhausted when
	// the cap is already reached. This is the only counter mutation primitive;
	// callers never read-then-write.
	ReserveSlot(ctx context.Context, chatID int64, day string, cap int) (int, error)

	// Seen tests-and-sets the dedup key (chatID, messageID). It returns true
	// if the key was already present; a false return has durably marked it.
	Seen(ctx context.Context, chatID int64, messageID int) (bool, error)

	RecordSent(ctx context.Context, r SentRecord) error
	SentCountSince(ctx context.Context, chatID int64, since time.Time) (int, error)
	// LinkUsedInLast reports whether any of the last n sent records for the
	// target carried the channel link.
	LinkUsedInLast(ctx context.Context, chatID int64, n int) (bool, error)

	PutAction(ctx context.Context, a Action) error
	UpdateActionStatus(ctx context.Context, id string, status ActionStatus) error
	PendingActions(ctx context.Context) ([]Action, error)

	// Prune removes dedup keys, counter rows and sent records older than the
	// cutoff. Targets and pending actions are never pruned.
	Prune(ctx context.Context, cutoff time.Time) error

	Close() error
}

// Config configures the store backend.
//
// Driver values:
//   - "sqlite": durable SQLite database file (live operation)
//   - "memory": volatile in-memory store (replay, tests)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemStore(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

// DayKey formats the daily counter key for t in the reference timezone.
// A new day simply addresses a fresh counter row, which is what makes the
// midnight reset lazy: nothing is mutated at the boundary.
func DayKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02")
}
