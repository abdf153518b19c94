package replay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"growthbot/internal/actor"
	"growthbot/internal/brain"
	"growthbot/internal/config"
	"growthbot/internal/listener"
	"growthbot/internal/memory"
	"growthbot/internal/quota"
	"growthbot/internal/transport"
	logx "growthbot/pkg/logx"
)

// Script is a recorded (or hand-written) stream of inbound events plus the
// oracle decision table. Same script + same settings = same report.
type Script struct {
	// Start anchors virtual time; events are offset from it by their gaps.
	Start   time.Time        `json:"start"`
	Targets []ScriptTarget   `json:"targets"`
	Events  []ScriptEvent    `json:"events"`
	Oracle  []ScriptDecision `json:"oracle"`
}

type ScriptTarget struct {
	ChatID      int64  `json:"chat_id"`
	Title       string `json:"title"`
	Topic       string `json:"topic"`
	MemberCount int    `json:"member_count"`
}

type ScriptEvent struct {
	ChatID     int64  `json:"chat_id"`
	MessageID  int    `json:"message_id"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Text       string `json:"text"`
	// Gap is the virtual time between the previous event and this one
	// (Go duration string; empty means zero).
	Gap string `json:"gap"`
}

// ScriptDecision maps event text (substring match) to a canned oracle verdict.
// Unmatched events get a skip, same as a live oracle failure would.
type ScriptDecision struct {
	Match         string  `json:"match"`
	ShouldRespond bool    `json:"should_respond"`
	Reason        string  `json:"reason"`
	Response      string  `json:"response"`
	Confidence    float64 `json:"confidence"`
}

// LoadScript reads a JSON or YAML script file.
func LoadScript(path string) (*Script, error) {
	var s Script
	if err := config.DecodeFileStrict(path, &s); err != nil {
		return nil, fmt.Errorf("load script %s: %w", path, err)
	}
	if s.Start.IsZero() {
		s.Start = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	}
	if len(s.Events) == 0 {
		return nil, fmt.Errorf("script %s has no events", path)
	}
	return &s, nil
}

// Clock is the harness's virtual time source. It only moves forward when the
// runner advances it; nothing in the replay path sleeps.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(to time.Time) {
	c.mu.Lock()
	if to.After(c.now) {
		c.now = to
	}
	c.mu.Unlock()
}

// StubOracle answers from the script's decision table. It speaks the same
// JSON contract as the live endpoint so the engine's parser is exercised.
type StubOracle struct {
	decisions []ScriptDecision
}

func NewStubOracle(decisions []ScriptDecision) *StubOracle {
	return &StubOracle{decisions: decisions}
}

func (s *StubOracle) Complete(_ context.Context, req brain.OracleRequest) (brain.OracleReply, error) {
	for _, d := range s.decisions {
		if d.Match != "" && strings.Contains(req.Prompt, d.Match) {
			return brain.OracleReply{Content: fmt.Sprintf(
				`{"should_respond": %t, "reason": %q, "response": %q, "confidence": %g}`,
				d.ShouldRespond, d.Reason, d.Response, d.Confidence)}, nil
		}
	}
	return brain.OracleReply{Content: `{"should_respond": false, "reason": "no scripted decision", "response": "", "confidence": 0}`}, nil
}

// RecordingSender captures sends instead of hitting the platform and assigns
// deterministic message ids.
type RecordingSender struct {
	mu    sync.Mutex
	sends []transport.SendRequest
	next  int
}

func NewRecordingSender() *RecordingSender { return &RecordingSender{next: 1000} }

func (r *RecordingSender) Send(_ context.Context, req transport.SendRequest) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.sends = append(r.sends, req)
	return transport.MessageRef{ChatID: req.ChatID, MessageID: r.next}, nil
}

func (r *RecordingSender) Sends() []transport.SendRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.SendRequest(nil), r.sends...)
}

// EventResult is one script event's trip through the pipeline.
type EventResult struct {
	Event     ScriptEvent
	At        time.Time
	Verdict   listener.Verdict
	Relevance float64
	// Decision and Admission are zero-valued unless the event passed the
	// respective earlier stage.
	Decision  brain.Decision
	Admission quota.Result
}

// Report is the full deterministic outcome of a replay run.
type Report struct {
	Events  []EventResult
	Actions []memory.Action
	Sent    []memory.SentRecord
}

// Summary renders a human-readable digest for the CLI.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "events: %d\n", len(r.Events))
	for _, e := range r.Events {
		fmt.Fprintf(&b, "  [%s] chat=%d msg=%d verdict=%s", e.At.Format(time.RFC3339), e.Event.ChatID, e.Event.MessageID, e.Verdict)
		if e.Verdict == listener.VerdictPass {
			fmt.Fprintf(&b, " decision=%s admission=%s", e.Decision.Outcome, e.Admission)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "actions: %d\n", len(r.Actions))
	for _, a := range r.Actions {
		fmt.Fprintf(&b, "  %s chat=%d status=%s send_at=%s\n", a.ID, a.ChatID, a.Status, a.SendAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "sent: %d\n", len(r.Sent))
	for _, s := range r.Sent {
		fmt.Fprintf(&b, "  chat=%d msg=%d status=%s link=%t\n", s.ChatID, s.MessageID, s.Status, s.WithLink)
	}
	return b.String()
}

// Runner drives the whole pipeline against a script in virtual time.
type Runner struct {
	script   *Script
	settings *config.Settings
	log      logx.Logger
}

func NewRunner(script *Script, settings *config.Settings, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{script: script, settings: settings, log: log}
}

// Run executes the script synchronously: listener, brain and admission at
// each event's virtual time, then the executor at each action's send time.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	st := r.settings
	clock := NewClock(r.script.Start)
	store := memory.NewMemStore()

	for _, t := range r.script.Targets {
		if _, err := store.UpsertTarget(ctx, memory.Target{
			ChatID:      t.ChatID,
			Title:       t.Title,
			Topic:       t.Topic,
			MemberCount: t.MemberCount,
			CreatedAt:   r.script.Start,
		}); err != nil {
			return nil, err
		}
	}

	lst := listener.New(store, listener.Options{
		Keywords:      st.Engagement.Keywords,
		IgnoreSenders: st.Engagement.IgnoreSenders,
		MinRelevance:  st.Engagement.MinRelevance,
		QuietPeriod:   st.Engagement.QuietPeriod,
	}, r.log).WithNow(clock.Now)

	engine := brain.NewEngine(NewStubOracle(r.script.Oracle), store, brain.Options{
		Style:         st.Oracle.Style,
		MinConfidence: st.Oracle.MinConfidence,
		LinkEveryN:    st.Engagement.LinkEveryN,
		ChannelLink:   st.Engagement.ChannelLink,
	}, r.log)

	actionSeq := 0
	ctrl := quota.NewController(store, quota.Options{
		PerTargetDailyCap: st.Engagement.PerTargetDailyCap,
		PerHour:           st.GlobalRate.PerHour,
		Burst:             st.GlobalRate.Burst,
		DelayMin:          st.Delay.Min,
		DelayMax:          st.Delay.Max,
		Location:          st.Reset.Location,
	}, r.log).
		WithClock(clock.Now).
		WithSeed(st.Replay.Seed).
		WithIDGenerator(func() string {
			actionSeq++
			return fmt.Sprintf("replay-%04d", actionSeq)
		})

	sender := NewRecordingSender()
	exec := actor.NewExecutor(store, sender, actor.Options{
		SendTimeout: st.Actuator.SendTimeout,
		RetryMax:    st.Actuator.RetryMax,
	}, r.log).WithClock(clock.Now)

	report := &Report{}
	at := r.script.Start
	for i, sev := range r.script.Events {
		if sev.Gap != "" {
			gap, err := time.ParseDuration(sev.Gap)
			if err != nil {
				return nil, fmt.Errorf("event %d: bad gap %q: %w", i, sev.Gap, err)
			}
			at = at.Add(gap)
		}
		clock.Advance(at)

		ev := transport.Event{
			ChatID:     sev.ChatID,
			MessageID:  sev.MessageID,
			SenderID:   sev.SenderID,
			SenderName: sev.SenderName,
			Text:       sev.Text,
			At:         at,
		}

		res := EventResult{Event: sev, At: at}
		cand, verdict, err := lst.Check(ctx, ev)
		if err != nil {
			return nil, err
		}
		res.Verdict = verdict
		res.Relevance = cand.Relevance

		if verdict == listener.VerdictPass {
			dec := engine.Decide(ctx, cand)
			res.Decision = dec
			adm, err := ctrl.Admit(ctx, cand, dec)
			if err != nil {
				return nil, err
			}
			res.Admission = adm.Result
		}
		report.Events = append(report.Events, res)
	}

	// Fire pending actions in send order at their virtual deadlines.
	pending, err := store.PendingActions(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range pending {
		clock.Advance(a.SendAt)
		exec.Execute(ctx, a)
	}

	report.Actions = store.Actions()
	report.Sent = store.SentRecords()
	return report, nil
}
