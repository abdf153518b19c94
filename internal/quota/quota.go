package quota

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"growthbot/internal/brain"
	"growthbot/internal/listener"
	"growthbot/internal/memory"
	logx "growthbot/pkg/logx"
)

type Result string

const (
	ResultSkip           Result = "skip"
	ResultScheduled      Result = "scheduled"
	ResultRejectedQuota  Result = "rejected-quota"
	ResultRejectedGlobal Result = "rejected-global-rate"
)

// Admission is the controller's outcome for one decision. Action is set only
// for ResultScheduled; Slot is the post-reservation counter value.
type Admission struct {
	Result Result
	Action memory.Action
	Slot   int
}

// Options are the controller's policy knobs.
type Options struct {
	PerTargetDailyCap int
	PerHour           int
	Burst             int
	DelayMin          time.Duration
	DelayMax          time.Duration
	Location          *time.Location
}

// Controller admits respond decisions against the per-target daily cap and
// the global rate ceiling, then schedules them with a randomized delay.
//
// Check order: cap first (an advisory counter read), then the global limiter,
// then the authoritative slot reservation. A target already at its cap never
// draws down global budget, and a globally rejected event never consumes
// target quota.
type Controller struct {
	store   memory.Store
	limiter *rate.Limiter
	opts    Options
	log     logx.Logger

	now   func() time.Time
	newID func() string

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewController(store memory.Store, opts Options, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	perHour := opts.PerHour
	if perHour <= 0 {
		perHour = 20
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Controller{
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(float64(perHour)/3600.0), burst),
		opts:    opts,
		log:     log,
		now:     time.Now,
		newID:   uuid.NewString,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithClock overrides the controller's clock. Replay and tests only.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// WithSeed makes delay jitter deterministic. Replay and tests only.
func (c *Controller) WithSeed(seed int64) *Controller {
	c.rngMu.Lock()
	c.rng = rand.New(rand.NewSource(seed))
	c.rngMu.Unlock()
	return c
}

// WithIDGenerator overrides action id generation. Replay only.
func (c *Controller) WithIDGenerator(fn func() string) *Controller {
	c.newID = fn
	return c
}

// Admit runs the admission sequence for one decision. An error is returned
// only when persistence is unavailable; policy rejections are values.
func (c *Controller) Admit(ctx context.Context, cand listener.Candidate, dec brain.Decision) (Admission, error) {
	if dec.Outcome != brain.OutcomeRespond {
		return Admission{Result: ResultSkip}, nil
	}

	now := c.now()
	day := memory.DayKey(now, c.opts.Location)

	// Advisory cap check. ReserveSlot below stays the only authority (a race
	// here just falls through to the CAS), but a target that is plainly over
	// its cap must not consume a global rate token on the way to rejection.
	capped := c.opts.PerTargetDailyCap <= 0
	if !capped {
		n, err := c.store.Counter(ctx, cand.Event.ChatID, day)
		if err != nil {
			return Admission{}, err
		}
		capped = n >= c.opts.PerTargetDailyCap
	}
	if capped {
		c.log.Info("admission rejected by daily cap",
			logx.Int64("chat_id", cand.Event.ChatID),
			logx.String("day", day),
			logx.Int("cap", c.opts.PerTargetDailyCap))
		return Admission{Result: ResultRejectedQuota}, nil
	}

	if !c.limiter.AllowN(now, 1) {
		c.log.Info("admission rejected by global rate",
			logx.Int64("chat_id", cand.Event.ChatID),
			logx.Int("message_id", cand.Event.MessageID))
		return Admission{Result: ResultRejectedGlobal}, nil
	}

	slot, err := c.store.ReserveSlot(ctx, cand.Event.ChatID, day, c.opts.PerTargetDailyCap)
	if err != nil {
		if errors.Is(err, memory.ErrQuotaExhausted) {
			c.log.Info("admission rejected by daily cap",
				logx.Int64("chat_id", cand.Event.ChatID),
				logx.String("day", day),
				logx.Int("cap", c.opts.PerTargetDailyCap))
			return Admission{Result: ResultRejectedQuota}, nil
		}
		return Admission{}, err
	}

	action := memory.Action{
		ID:        c.newID(),
		ChatID:    cand.Event.ChatID,
		MessageID: cand.Event.MessageID,
		Text:      dec.Text,
		WithLink:  dec.IncludeLink,
		SendAt:    now.Add(c.delay()),
		Status:    memory.ActionPending,
		CreatedAt: now,
	}

	// Persist before handing off so a crash between here and the actuator
	// leaves a resumable pending action, not a silently lost slot.
	if err := c.store.PutAction(ctx, action); err != nil {
		return Admission{}, err
	}

	c.log.Info("action scheduled",
		logx.String("action_id", action.ID),
		logx.Int64("chat_id", action.ChatID),
		logx.Int("slot", slot),
		logx.Time("send_at", action.SendAt))

	return Admission{Result: ResultScheduled, Action: action, Slot: slot}, nil
}

// delay draws uniformly from [DelayMin, DelayMax].
func (c *Controller) delay() time.Duration {
	min, max := c.opts.DelayMin, c.opts.DelayMax
	if max <= min {
		return min
	}
	c.rngMu.Lock()
	d := min + time.Duration(c.rng.Int63n(int64(max-min)+1))
	c.rngMu.Unlock()
	return d
}
