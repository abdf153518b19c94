package listener

import (
	"context"
	"strings"
	"time"

	"growthbot/internal/memory"
	"growthbot/internal/transport"
	logx "growthbot/pkg/logx"
)

// Verdict classifies the outcome of the prefilter for one event.
type Verdict string

const (
	VerdictPass           Verdict = "pass"
	VerdictIgnoredSender  Verdict = "ignored-sender"
	VerdictUnknownTarget  Verdict = "unknown-target"
	VerdictInactiveTarget Verdict = "inactive-target"
	VerdictQuietPeriod    Verdict = "quiet-period"
	VerdictDuplicate      Verdict = "duplicate"
	VerdictLowRelevance   Verdict = "low-relevance"
)

// Candidate is an event that passed the prefilter, carrying its target
// context and relevance score for the decision engine.
type Candidate struct {
	Event     transport.Event
	Target    memory.Target
	Relevance float64
}

// Options are the listener's policy knobs. Rebuilt on config reload.
type Options struct {
	Keywords      []string
	IgnoreSenders []int64
	MinRelevance  float64
	QuietPeriod   time.Duration
	// SelfID is the bot's own account id; its messages are never candidates.
	SelfID int64
}

// Listener is the cheap prefilter in front of the decision engine. Checks are
// ordered so the cheapest run first and so a quiet-period rejection does not
// burn the event's dedup slot.
type Listener struct {
	store memory.Store
	log   logx.Logger
	now   func() time.Time

	keywords []string
	ignore   map[int64]struct{}
	minScore float64
	quiet    time.Duration
	selfID   int64
}

func New(store memory.Store, opts Options, log logx.Logger) *Listener {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Listener{
		store:    store,
		log:      log,
		now:      time.Now,
		minScore: opts.MinRelevance,
		quiet:    opts.QuietPeriod,
		selfID:   opts.SelfID,
	}
	l.keywords = make([]string, 0, len(opts.Keywords))
	for _, k := range opts.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			l.keywords = append(l.keywords, k)
		}
	}
	l.ignore = make(map[int64]struct{}, len(opts.IgnoreSenders))
	for _, id := range opts.IgnoreSenders {
		l.ignore[id] = struct{}{}
	}
	return l
}

// WithNow overrides the clock. Replay and tests only.
func (l *Listener) WithNow(now func() time.Time) *Listener {
	l.now = now
	return l
}

// Check runs the prefilter. A non-nil error means persistence was unavailable
// and the event must be dropped with no decision recorded.
func (l *Listener) Check(ctx context.Context, ev transport.Event) (Candidate, Verdict, error) {
	none := Candidate{Event: ev}

	if ev.SenderID == l.selfID && l.selfID != 0 {
		return none, VerdictIgnoredSender, nil
	}
	if _, ok := l.ignore[ev.SenderID]; ok {
		return none, VerdictIgnoredSender, nil
	}

	t, ok, err := l.store.Target(ctx, ev.ChatID)
	if err != nil {
		return none, "", err
	}
	if !ok {
		return none, VerdictUnknownTarget, nil
	}
	now := l.now()
	if !t.Active(now) {
		return none, VerdictInactiveTarget, nil
	}

	// Quiet period runs before the dedup write: a message arriving in the
	// settle window stays eligible if it is redelivered after the window.
	if l.quiet > 0 && !t.LastSeenAt.IsZero() && now.Sub(t.LastSeenAt) < l.quiet {
		return none, VerdictQuietPeriod, nil
	}

	seen, err := l.store.Seen(ctx, ev.ChatID, ev.MessageID)
	if err != nil {
		return none, "", err
	}
	if seen {
		return none, VerdictDuplicate, nil
	}

	score := l.Score(ev.Text)
	if score < l.minScore {
		return none, VerdictLowRelevance, nil
	}

	if err := l.store.TouchTarget(ctx, ev.ChatID, now); err != nil {
		// Dedup is already marked, so the event will not be re-decided; the
		// stale last-seen only widens the next quiet window slightly.
		l.log.Warn("touch target failed", logx.Int64("chat_id", ev.ChatID), logx.Err(err))
	}

	return Candidate{Event: ev, Target: t, Relevance: score}, VerdictPass, nil
}

// Score computes keyword relevance: distinct matched keywords over three,
// capped at 1.0. Matching is case-insensitive substring, as coarse as the
// prefilter needs to be; the oracle makes the real call.
func (l *Listener) Score(text string) float64 {
	if len(l.keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, k := range l.keywords {
		if strings.Contains(lower, k) {
			hits++
		}
	}
	score := float64(hits) / 3.0
	if score > 1.0 {
		score = 1.0
	}
	return score
}
