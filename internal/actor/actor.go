package actor

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"growthbot/internal/memory"
	"growthbot/internal/transport"
	logx "growthbot/pkg/logx"
)

// Outcome reports how one scheduled action ended.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeInterrupted means shutdown cut the attempt short. The action
	// stays pending and the next Start reconciles it.
	OutcomeInterrupted Outcome = "interrupted"
)

// Notify receives terminal outcomes. Used by the pipeline for eventbus
// publication and by the replay report. May be nil.
type Notify func(a memory.Action, out Outcome)

type Options struct {
	SendTimeout   time.Duration
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	Workers       int
	// ResumeGrace bounds how stale an overdue pending action may be at
	// startup before it is abandoned instead of fired.
	ResumeGrace time.Duration
}

func (o *Options) normalize() {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay < o.RetryBase {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.ResumeGrace <= 0 {
		o.ResumeGrace = 10 * time.Minute
	}
}

// Executor performs one scheduled action: send with retries, then record the
// terminal state. It has no timing logic of its own, which lets the replay
// harness run it synchronously at virtual send times.
type Executor struct {
	store  memory.Store
	sender transport.Sender
	opts   Options
	log    logx.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

func NewExecutor(store memory.Store, sender transport.Sender, opts Options, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts.normalize()
	return &Executor{
		store:  store,
		sender: sender,
		opts:   opts,
		log:    log,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// WithClock overrides the executor's clock and disables retry sleeps.
// Replay and tests only.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	e.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Execute sends the action and records its terminal state. The quota slot is
// never refunded: a failed send still counts against the day.
func (e *Executor) Execute(ctx context.Context, a memory.Action) Outcome {
	var lastErr error
	for attempt := 0; attempt <= e.opts.RetryMax; attempt++ {
		if attempt > 0 {
			if !e.sleep(ctx, retryDelay(e.opts.RetryBase, e.opts.RetryMaxDelay, attempt)) {
				break
			}
		}
		actx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
		ref, err := e.sender.Send(actx, transport.SendRequest{
			ChatID:  a.ChatID,
			ReplyTo: a.MessageID,
			Text:    a.Text,
		})
		cancel()
		if err == nil {
			e.finish(a, memory.ActionSent, memory.SentRecord{
				ChatID:    a.ChatID,
				MessageID: a.MessageID,
				SentAt:    e.now(),
				Status:    memory.SendOK,
				WithLink:  a.WithLink,
			})
			e.log.Info("action sent",
				logx.String("action_id", a.ID),
				logx.Int64("chat_id", a.ChatID),
				logx.Int("sent_message_id", ref.MessageID),
				logx.Int("attempt", attempt+1))
			return OutcomeSent
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		e.log.Warn("send attempt failed",
			logx.String("action_id", a.ID),
			logx.Int64("chat_id", a.ChatID),
			logx.Int("attempt", attempt+1),
			logx.Err(err))
	}

	// A shutdown mid-send is not a terminal failure: leave the action pending
	// so the next start can resume it within the grace window.
	if ctx.Err() != nil {
		e.log.Warn("send interrupted, action left pending",
			logx.String("action_id", a.ID),
			logx.Int64("chat_id", a.ChatID),
			logx.Err(lastErr))
		return OutcomeInterrupted
	}

	e.finish(a, memory.ActionFailed, memory.SentRecord{
		ChatID:    a.ChatID,
		MessageID: a.MessageID,
		SentAt:    e.now(),
		Status:    memory.SendFailed,
		WithLink:  a.WithLink,
	})
	e.log.Error("action failed",
		logx.String("action_id", a.ID),
		logx.Int64("chat_id", a.ChatID),
		logx.Err(lastErr))
	return OutcomeFailed
}

// finish records the terminal state with a background context so a shutdown
// in progress cannot leave a sent message unrecorded.
func (e *Executor) finish(a memory.Action, status memory.ActionStatus, rec memory.SentRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.RecordSent(ctx, rec); err != nil {
		e.log.Error("record sent failed", logx.String("action_id", a.ID), logx.Err(err))
	}
	if err := e.store.UpdateActionStatus(ctx, a.ID, status); err != nil {
		e.log.Error("update action status failed", logx.String("action_id", a.ID), logx.Err(err))
	}
	if status == memory.ActionSent {
		if err := e.store.TouchTarget(ctx, a.ChatID, rec.SentAt); err != nil {
			e.log.Warn("touch target failed", logx.Int64("chat_id", a.ChatID), logx.Err(err))
		}
	}
}

func retryDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		d = max
	}
	// Full jitter keeps concurrent retries from aligning.
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// actionHeap orders pending actions by SendAt, earliest first.
type actionHeap []memory.Action

func (h actionHeap) Len() int           { return len(h) }
func (h actionHeap) Less(i, j int) bool { return h[i].SendAt.Before(h[j].SendAt) }
func (h actionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *actionHeap) Push(x any)        { *h = append(*h, x.(memory.Action)) }
func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	*h = old[:n-1]
	return a
}

// Dispatcher owns the delay timers. It keeps every scheduled action in one
// min-heap and sleeps only until the earliest deadline; per-target goroutines
// never block on wall-clock delays.
type Dispatcher struct {
	exec   *Executor
	store  memory.Store
	opts   Options
	log    logx.Logger
	notify Notify

	mu      sync.Mutex
	heap    actionHeap
	wake    chan struct{}
	stopped bool

	work chan memory.Action
	wg   sync.WaitGroup
}

func NewDispatcher(exec *Executor, store memory.Store, opts Options, notify Notify, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts.normalize()
	return &Dispatcher{
		exec:   exec,
		store:  store,
		opts:   opts,
		log:    log,
		notify: notify,
		wake:   make(chan struct{}, 1),
		work:   make(chan memory.Action),
	}
}

// Start reconciles persisted pending actions and launches the dispatch loop
// and the worker pool. It returns once running; Stop (or ctx cancel) ends it.
func (d *Dispatcher) Start(ctx context.Context) error {
	pending, err := d.store.PendingActions(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	resumed, fired, abandoned := 0, 0, 0
	for _, a := range pending {
		overdue := now.Sub(a.SendAt)
		switch {
		case overdue <= 0:
			d.push(a)
			resumed++
		case overdue <= d.opts.ResumeGrace:
			a.SendAt = now
			d.push(a)
			fired++
		default:
			if err := d.store.UpdateActionStatus(ctx, a.ID, memory.ActionAbandoned); err != nil {
				d.log.Error("abandon action failed", logx.String("action_id", a.ID), logx.Err(err))
			}
			if d.notify != nil {
				d.notify(a, OutcomeAbandoned)
			}
			abandoned++
		}
	}
	if len(pending) > 0 {
		d.log.Info("pending actions reconciled",
			logx.Int("resumed", resumed),
			logx.Int("fired", fired),
			logx.Int("abandoned", abandoned))
	}

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for a := range d.work {
				out := d.exec.Execute(ctx, a)
				if d.notify != nil {
					d.notify(a, out)
				}
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop(ctx)
	}()
	return nil
}

// Schedule enqueues an already-persisted action for dispatch at its SendAt.
func (d *Dispatcher) Schedule(a memory.Action) {
	d.push(a)
}

func (d *Dispatcher) push(a memory.Action) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	heap.Push(&d.heap, a)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		d.mu.Lock()
		var nextAt time.Time
		hasNext := len(d.heap) > 0
		if hasNext {
			nextAt = d.heap[0].SendAt
		}
		d.mu.Unlock()

		if !hasNext {
			select {
			case <-ctx.Done():
				d.drain()
				return
			case <-d.wake:
				continue
			}
		}

		wait := time.Until(nextAt)
		if wait <= 0 {
			d.mu.Lock()
			a := heap.Pop(&d.heap).(memory.Action)
			d.mu.Unlock()
			select {
			case d.work <- a:
			case <-ctx.Done():
				d.drain()
				return
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			d.drain()
			return
		case <-d.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// drain marks the dispatcher stopped and closes the worker feed. Pending
// actions stay persisted; the next Start reconciles them.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	d.stopped = true
	d.heap = nil
	d.mu.Unlock()
	close(d.work)
}

// Wait blocks until the dispatch loop and all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
