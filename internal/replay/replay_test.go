package replay

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"growthbot/internal/config"
	"growthbot/internal/listener"
	"growthbot/internal/memory"
	"growthbot/internal/quota"
	logx "growthbot/pkg/logx"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	cfg := &config.Config{}
	cfg.Engagement.Keywords = []string{"deploy", "golang", "docker"}
	cfg.Engagement.LinkEveryN = 5
	cfg.Engagement.ChannelLink = "https://t.me/example"
	cfg.Storage.Driver = "memory"
	cfg.Oracle.MinConfidence = 0.5
	cfg.Replay.Seed = 42
	st, err := config.Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve settings: %v", err)
	}
	return st
}

func testScript() *Script {
	return &Script{
		Start: time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
		Targets: []ScriptTarget{
			{ChatID: 10, Title: "dev chat", Topic: "backend"},
			{ChatID: 20, Title: "ops chat", Topic: "infra"},
		},
		Events: []ScriptEvent{
			{ChatID: 10, MessageID: 1, SenderID: 5, SenderName: "sam", Text: "how do I deploy this"},
			{ChatID: 10, MessageID: 2, SenderID: 6, SenderName: "kim", Text: "lunch anyone?", Gap: "5m"},
			{ChatID: 10, MessageID: 1, SenderID: 5, SenderName: "sam", Text: "how do I deploy this", Gap: "5m"},
			{ChatID: 20, MessageID: 3, SenderID: 7, SenderName: "lee", Text: "docker build is slow", Gap: "1m"},
			{ChatID: 99, MessageID: 4, SenderID: 8, SenderName: "pat", Text: "deploy question", Gap: "1m"},
		},
		Oracle: []ScriptDecision{
			{Match: "deploy this", ShouldRespond: true, Reason: "on topic", Response: "Use the release script.", Confidence: 0.9},
			{Match: "docker build", ShouldRespond: true, Reason: "on topic", Response: "Enable BuildKit caching.", Confidence: 0.8},
		},
	}
}

func TestRunPipeline(t *testing.T) {
	t.Parallel()

	r := NewRunner(testScript(), testSettings(t), logx.Logger{})
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(rep.Events) != 5 {
		t.Fatalf("events = %d, want 5", len(rep.Events))
	}

	wantVerdicts := []listener.Verdict{
		listener.VerdictPass,
		listener.VerdictLowRelevance,
		listener.VerdictDuplicate,
		listener.VerdictPass,
		listener.VerdictUnknownTarget,
	}
	for i, want := range wantVerdicts {
		if rep.Events[i].Verdict != want {
			t.Fatalf("event %d verdict = %q, want %q", i, rep.Events[i].Verdict, want)
		}
	}

	if rep.Events[0].Admission != quota.ResultScheduled {
		t.Fatalf("event 0 admission = %q, want scheduled", rep.Events[0].Admission)
	}
	if rep.Events[3].Admission != quota.ResultScheduled {
		t.Fatalf("event 3 admission = %q, want scheduled", rep.Events[3].Admission)
	}

	if len(rep.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(rep.Actions))
	}
	for _, a := range rep.Actions {
		if a.Status != memory.ActionSent {
			t.Fatalf("action %s status = %q, want sent", a.ID, a.Status)
		}
	}
	if len(rep.Sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(rep.Sent))
	}
	for _, s := range rep.Sent {
		if s.Status != memory.SendOK {
			t.Fatalf("sent record %+v not ok", s)
		}
	}
}

func TestRunDeterministic(t *testing.T) {
	t.Parallel()

	run := func() *Report {
		r := NewRunner(testScript(), testSettings(t), logx.Logger{})
		rep, err := r.Run(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return rep
	}

	a, b := run(), run()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("reports differ:\n--- first\n%s\n--- second\n%s", a.Summary(), b.Summary())
	}
}

func TestRunEnforcesDailyCap(t *testing.T) {
	t.Parallel()

	s := &Script{
		Start:   time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
		Targets: []ScriptTarget{{ChatID: 10, Title: "dev chat", Topic: "backend"}},
		Oracle: []ScriptDecision{
			{Match: "deploy", ShouldRespond: true, Reason: "on topic", Response: "Answer.", Confidence: 0.9},
		},
	}
	// Six qualifying events spaced past the quiet window; cap is 3.
	for i := 0; i < 6; i++ {
		s.Events = append(s.Events, ScriptEvent{
			ChatID: 10, MessageID: i + 1, SenderID: 5, Text: "deploy question", Gap: "10m",
		})
	}

	r := NewRunner(s, testSettings(t), logx.Logger{})
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	scheduled, rejected := 0, 0
	for _, e := range rep.Events {
		switch e.Admission {
		case quota.ResultScheduled:
			scheduled++
		case quota.ResultRejectedQuota:
			rejected++
		}
	}
	if scheduled != 3 {
		t.Fatalf("scheduled = %d, want 3 (daily cap)", scheduled)
	}
	if rejected != 3 {
		t.Fatalf("rejected-quota = %d, want 3", rejected)
	}
	if len(rep.Sent) != 3 {
		t.Fatalf("sent = %d, want 3", len(rep.Sent))
	}
}

func TestRunUnscriptedTextSkips(t *testing.T) {
	t.Parallel()

	s := &Script{
		Start:   time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
		Targets: []ScriptTarget{{ChatID: 10, Title: "dev chat", Topic: "backend"}},
		Events: []ScriptEvent{
			{ChatID: 10, MessageID: 1, SenderID: 5, Text: "deploy question with no scripted answer"},
		},
	}

	r := NewRunner(s, testSettings(t), logx.Logger{})
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Events[0].Verdict != listener.VerdictPass {
		t.Fatalf("verdict = %q, want pass", rep.Events[0].Verdict)
	}
	if rep.Events[0].Admission != quota.ResultSkip {
		t.Fatalf("admission = %q, want skip", rep.Events[0].Admission)
	}
	if len(rep.Actions) != 0 || len(rep.Sent) != 0 {
		t.Fatalf("actions=%d sent=%d, want none", len(rep.Actions), len(rep.Sent))
	}
}

func TestLoadScript(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "script.yaml")
	data := `
start: 2026-08-25T09:00:00Z
targets:
  - chat_id: 10
    title: dev chat
    topic: backend
events:
  - chat_id: 10
    message_id: 1
    sender_id: 5
    sender_name: sam
    text: how do I deploy this
  - chat_id: 10
    message_id: 2
    sender_id: 6
    text: second message
    gap: 5m
oracle:
  - match: deploy
    should_respond: true
    reason: on topic
    response: Use the release script.
    confidence: 0.9
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	s, err := LoadScript(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(s.Events) != 2 || len(s.Targets) != 1 || len(s.Oracle) != 1 {
		t.Fatalf("unexpected script %+v", s)
	}
	if s.Events[1].Gap != "5m" {
		t.Fatalf("gap = %q, want 5m", s.Events[1].Gap)
	}
	if !s.Start.Equal(time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("start = %v", s.Start)
	}
}
