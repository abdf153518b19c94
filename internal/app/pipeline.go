package app

import (
	"context"
	"errors"
	"sync"

	"growthbot/internal/actor"
	"growthbot/internal/brain"
	"growthbot/internal/config"
	"growthbot/internal/eventbus"
	"growthbot/internal/listener"
	"growthbot/internal/memory"
	"growthbot/internal/quota"
	"growthbot/internal/transport"
	logx "growthbot/pkg/logx"
)

const laneBuffer = 16

// Pipeline routes inbound events through listener → brain → quota → actuator.
//
// Ordering: one goroutine + bounded queue per target, created on first event,
// so same-target events are processed strictly in arrival order. A semaphore
// bounds concurrent oracle calls across all targets.
type Pipeline struct {
	store      memory.Store
	oracle     brain.Oracle
	dispatcher *actor.Dispatcher
	bus        eventbus.Bus
	log        logx.Logger
	selfID     int64

	// Policy components are swapped wholesale on config reload; the RWMutex
	// only guards the pointers, never a call in progress. The semaphore
	// bounding oracle calls lives here too, so a reload can resize it.
	polMu sync.RWMutex
	lst   *listener.Listener
	eng   *brain.Engine
	ctrl  *quota.Controller
	sem   chan struct{}

	laneMu sync.Mutex
	lanes  map[int64]chan transport.Event
	closed bool
	wg     sync.WaitGroup
}

func NewPipeline(store memory.Store, oracle brain.Oracle, dispatcher *actor.Dispatcher, bus eventbus.Bus, st *config.Settings, selfID int64, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pipeline{
		store:      store,
		oracle:     oracle,
		dispatcher: dispatcher,
		bus:        bus,
		log:        log,
		selfID:     selfID,
		lanes:      map[int64]chan transport.Event{},
	}
	p.ApplySettings(st)
	return p
}

// ApplySettings rebuilds the policy components from new settings. The global
// rate limiter restarts with a full burst, and a changed oracle.max_concurrent
// replaces the semaphore while calls in flight still hold the old one; a
// reload is rare enough that the momentary slack does not matter.
func (p *Pipeline) ApplySettings(st *config.Settings) {
	lst := listener.New(p.store, listener.Options{
		Keywords:      st.Engagement.Keywords,
		IgnoreSenders: st.Engagement.IgnoreSenders,
		MinRelevance:  st.Engagement.MinRelevance,
		QuietPeriod:   st.Engagement.QuietPeriod,
		SelfID:        p.selfID,
	}, p.log)
	eng := brain.NewEngine(p.oracle, p.store, brain.Options{
		Style:         st.Oracle.Style,
		MinConfidence: st.Oracle.MinConfidence,
		LinkEveryN:    st.Engagement.LinkEveryN,
		ChannelLink:   st.Engagement.ChannelLink,
	}, p.log)
	ctrl := quota.NewController(p.store, quota.Options{
		PerTargetDailyCap: st.Engagement.PerTargetDailyCap,
		PerHour:           st.GlobalRate.PerHour,
		Burst:             st.GlobalRate.Burst,
		DelayMin:          st.Delay.Min,
		DelayMax:          st.Delay.Max,
		Location:          st.Reset.Location,
	}, p.log)

	p.polMu.Lock()
	p.lst, p.eng, p.ctrl = lst, eng, ctrl
	if cap(p.sem) != st.Oracle.MaxConcurrent {
		p.sem = make(chan struct{}, st.Oracle.MaxConcurrent)
	}
	p.polMu.Unlock()
}

func (p *Pipeline) policy() (*listener.Listener, *brain.Engine, *quota.Controller, chan struct{}) {
	p.polMu.RLock()
	defer p.polMu.RUnlock()
	return p.lst, p.eng, p.ctrl, p.sem
}

// Run consumes inbound events until ctx is cancelled or in is closed, then
// tears down the per-target lanes and waits for them.
func (p *Pipeline) Run(ctx context.Context, in <-chan transport.Event) error {
	defer p.shutdownLanes()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			p.route(ctx, ev)
		}
	}
}

func (p *Pipeline) route(ctx context.Context, ev transport.Event) {
	p.laneMu.Lock()
	if p.closed {
		p.laneMu.Unlock()
		return
	}
	lane, ok := p.lanes[ev.ChatID]
	if !ok {
		lane = make(chan transport.Event, laneBuffer)
		p.lanes[ev.ChatID] = lane
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for e := range lane {
				p.process(ctx, e)
			}
		}()
	}
	p.laneMu.Unlock()

	select {
	case lane <- ev:
	default:
		// A full lane means the target is already far behind; newest-first
		// would break ordering, so the newest is the one to lose.
		p.log.Warn("target lane full, event dropped",
			logx.Int64("chat_id", ev.ChatID),
			logx.Int("message_id", ev.MessageID))
	}
}

func (p *Pipeline) shutdownLanes() {
	p.laneMu.Lock()
	p.closed = true
	for _, lane := range p.lanes {
		close(lane)
	}
	p.lanes = map[int64]chan transport.Event{}
	p.laneMu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) process(ctx context.Context, ev transport.Event) {
	lst, eng, ctrl, sem := p.policy()

	cand, verdict, err := lst.Check(ctx, ev)
	if err != nil {
		if errors.Is(err, memory.ErrUnavailable) {
			p.log.Error("event dropped: persistence unavailable",
				logx.Int64("chat_id", ev.ChatID),
				logx.Int("message_id", ev.MessageID),
				logx.Err(err))
			return
		}
		p.log.Error("listener check failed", logx.Int64("chat_id", ev.ChatID), logx.Err(err))
		return
	}
	if verdict != listener.VerdictPass {
		p.bus.Publish(eventbus.Event{Type: eventbus.TypeEventFiltered, Data: map[string]any{
			"chat_id":    ev.ChatID,
			"message_id": ev.MessageID,
			"verdict":    string(verdict),
		}})
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeEventCandidate, Data: map[string]any{
		"chat_id":    ev.ChatID,
		"message_id": ev.MessageID,
		"relevance":  cand.Relevance,
	}})

	// The oracle call is the only slow stage; bound it across targets. Acquire
	// and release the same channel: a reload may swap p.sem in between.
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	dec := eng.Decide(ctx, cand)
	<-sem

	p.bus.Publish(eventbus.Event{Type: eventbus.TypeDecision, Data: map[string]any{
		"chat_id":    ev.ChatID,
		"message_id": ev.MessageID,
		"outcome":    string(dec.Outcome),
		"reason":     dec.Reason,
		"confidence": dec.Confidence,
	}})

	adm, err := ctrl.Admit(ctx, cand, dec)
	if err != nil {
		p.log.Error("admission aborted",
			logx.Int64("chat_id", ev.ChatID),
			logx.Int("message_id", ev.MessageID),
			logx.Err(err))
		return
	}
	p.bus.Publish(eventbus.Event{Type: eventbus.TypeAdmission, Data: map[string]any{
		"chat_id":    ev.ChatID,
		"message_id": ev.MessageID,
		"result":     string(adm.Result),
	}})

	if adm.Result == quota.ResultScheduled {
		p.dispatcher.Schedule(adm.Action)
	}
}
