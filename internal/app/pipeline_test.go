package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"growthbot/internal/actor"
	"growthbot/internal/brain"
	"growthbot/internal/config"
	"growthbot/internal/eventbus"
	"growthbot/internal/memory"
	"growthbot/internal/transport"
	logx "growthbot/pkg/logx"
)

type scriptedOracle struct {
	content string
	err     error
}

func (o scriptedOracle) Complete(context.Context, brain.OracleRequest) (brain.OracleReply, error) {
	if o.err != nil {
		return brain.OracleReply{}, o.err
	}
	return brain.OracleReply{Content: o.content}, nil
}

type captureSender struct {
	mu    sync.Mutex
	sends []transport.SendRequest
}

func (c *captureSender) Send(_ context.Context, req transport.SendRequest) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, req)
	return transport.MessageRef{ChatID: req.ChatID, MessageID: 5000 + len(c.sends)}, nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sends)
}

func pipelineSettings(t *testing.T) *config.Settings {
	t.Helper()
	cfg := &config.Config{}
	cfg.Engagement.Keywords = []string{"deploy"}
	cfg.Engagement.QuietPeriod = "1ms"
	cfg.Storage.Driver = "memory"
	cfg.Delay.Min = "1ms"
	cfg.Delay.Max = "2ms"
	cfg.GlobalRate.PerHour = 3600
	cfg.GlobalRate.Burst = 100
	st, err := config.Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return st
}

// runPipeline pushes the events through a fully wired pipeline and returns
// the store and sender after everything has settled.
func runPipeline(t *testing.T, oracle brain.Oracle, bus eventbus.Bus, events []transport.Event) (*memory.MemStore, *captureSender) {
	t.Helper()

	st := pipelineSettings(t)
	store := memory.NewMemStore()
	if _, err := store.UpsertTarget(context.Background(), memory.Target{ChatID: 10, Title: "dev chat", Topic: "backend"}); err != nil {
		t.Fatalf("seed target: %v", err)
	}

	sender := &captureSender{}
	opts := actor.Options{SendTimeout: time.Second, RetryMax: 0, Workers: 2, ResumeGrace: time.Minute}
	exec := actor.NewExecutor(store, sender, opts, logx.Logger{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := actor.NewDispatcher(exec, store, opts, nil, logx.Logger{})
	if err := dispatcher.Start(ctx); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}

	p := NewPipeline(store, oracle, dispatcher, bus, st, 0, logx.Logger{})

	in := make(chan transport.Event, len(events))
	for _, ev := range events {
		in <- ev
	}
	close(in)

	if err := p.Run(ctx, in); err != nil {
		t.Fatalf("pipeline run: %v", err)
	}

	// Let scheduled sends (a few ms of delay) drain before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pending, err := store.PendingActions(context.Background())
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(pending) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	dispatcher.Wait()
	return store, sender
}

func TestPipelineSendsAdmittedResponse(t *testing.T) {
	t.Parallel()

	oracle := scriptedOracle{content: `{"should_respond": true, "reason": "on topic", "response": "Use the release script.", "confidence": 0.9}`}
	store, sender := runPipeline(t, oracle, eventbus.New(), []transport.Event{
		{ChatID: 10, MessageID: 1, SenderID: 5, Text: "how do I deploy this", At: time.Now()},
	})

	if sender.count() != 1 {
		t.Fatalf("sends = %d, want 1", sender.count())
	}
	recs := store.SentRecords()
	if len(recs) != 1 || recs[0].Status != memory.SendOK {
		t.Fatalf("unexpected records %+v", recs)
	}

	day := memory.DayKey(time.Now(), time.UTC)
	if n, _ := store.Counter(context.Background(), 10, day); n != 1 {
		t.Fatalf("counter = %d, want 1", n)
	}
}

func TestPipelineOracleFailureLeavesNoTrace(t *testing.T) {
	t.Parallel()

	oracle := scriptedOracle{err: errors.New("oracle timeout")}
	store, sender := runPipeline(t, oracle, eventbus.New(), []transport.Event{
		{ChatID: 10, MessageID: 1, SenderID: 5, Text: "how do I deploy this", At: time.Now()},
	})

	// Fail closed: no send, no action, no counter mutation.
	if sender.count() != 0 {
		t.Fatalf("sends = %d, want 0", sender.count())
	}
	if got := store.Actions(); len(got) != 0 {
		t.Fatalf("actions = %+v, want none", got)
	}
	day := memory.DayKey(time.Now(), time.UTC)
	if n, _ := store.Counter(context.Background(), 10, day); n != 0 {
		t.Fatalf("counter = %d, want 0", n)
	}
}

func TestPipelineSameTargetEventsAreOrdered(t *testing.T) {
	t.Parallel()

	oracle := scriptedOracle{content: `{"should_respond": false, "reason": "off topic", "response": "", "confidence": 0.1}`}

	// Duplicate message ids: the first delivery must consume the dedup slot
	// before the second is examined, which only holds if same-target events
	// are processed in order.
	var events []transport.Event
	for i := 0; i < 8; i++ {
		events = append(events, transport.Event{ChatID: 10, MessageID: 1, SenderID: 5, Text: "deploy?", At: time.Now()})
	}
	store, sender := runPipeline(t, oracle, eventbus.New(), events)

	if sender.count() != 0 {
		t.Fatalf("sends = %d, want 0", sender.count())
	}
	// Exactly one dedup mark: Seen was test-and-set once by the first pass.
	if seen, _ := store.Seen(context.Background(), 10, 1); !seen {
		t.Fatal("dedup key missing after pipeline run")
	}
}

func TestPipelinePublishesStageEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	oracle := scriptedOracle{content: `{"should_respond": false, "reason": "off topic", "response": "", "confidence": 0.1}`}
	runPipeline(t, oracle, bus, []transport.Event{
		{ChatID: 99, MessageID: 1, SenderID: 5, Text: "how do I deploy", At: time.Now()}, // unregistered chat
		{ChatID: 10, MessageID: 2, SenderID: 5, Text: "how do I deploy", At: time.Now()},
	})

	got := map[string]int{}
drain:
	for {
		select {
		case e := <-ch:
			got[e.Type]++
		default:
			break drain
		}
	}
	for _, typ := range []string{eventbus.TypeEventFiltered, eventbus.TypeEventCandidate, eventbus.TypeDecision, eventbus.TypeAdmission} {
		if got[typ] == 0 {
			t.Fatalf("no %s event on the bus (got %v)", typ, got)
		}
	}
}

func TestApplySettingsResizesOracleSemaphore(t *testing.T) {
	t.Parallel()

	st := pipelineSettings(t)
	p := NewPipeline(memory.NewMemStore(), scriptedOracle{}, nil, eventbus.New(), st, 0, logx.Logger{})
	if cap(p.sem) != st.Oracle.MaxConcurrent {
		t.Fatalf("sem cap = %d, want %d", cap(p.sem), st.Oracle.MaxConcurrent)
	}
	prev := p.sem

	// Unchanged limit keeps the channel; a changed limit replaces it.
	p.ApplySettings(st)
	if p.sem != prev {
		t.Fatal("semaphore rebuilt without a limit change")
	}

	cfg := &config.Config{}
	cfg.Engagement.Keywords = []string{"deploy"}
	cfg.Storage.Driver = "memory"
	cfg.Oracle.MaxConcurrent = 9
	next, err := config.Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p.ApplySettings(next)
	if cap(p.sem) != 9 {
		t.Fatalf("sem cap after reload = %d, want 9", cap(p.sem))
	}
}
