package brain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"growthbot/internal/listener"
	"growthbot/internal/memory"
	logx "growthbot/pkg/logx"
)

type Outcome string

const (
	OutcomeSkip    Outcome = "skip"
	OutcomeRespond Outcome = "respond"
)

// Decision is the engine's verdict for one candidate event. Exactly one
// Decision is produced per dedup key; any oracle failure degrades to a skip
// rather than an error.
type Decision struct {
	Outcome     Outcome
	Reason      string
	Text        string
	Confidence  float64
	IncludeLink bool
}

func skip(reason string) Decision {
	return Decision{Outcome: OutcomeSkip, Reason: reason}
}

// Options are the engine's policy knobs. Rebuilt on config reload.
type Options struct {
	Style         string
	MinConfidence float64
	// LinkEveryN enables the channel-link ratio: at most one of every N sent
	// responses per target carries the link. 0 disables links entirely.
	LinkEveryN  int
	ChannelLink string
}

// Engine turns candidates into decisions by consulting the oracle.
// It fails closed: a silent skip is always safer than a bad send.
type Engine struct {
	oracle Oracle
	store  memory.Store
	opts   Options
	log    logx.Logger
}

func NewEngine(oracle Oracle, store memory.Store, opts Options, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{oracle: oracle, store: store, opts: opts, log: log}
}

// oracleVerdict is the strict JSON contract the model must return.
type oracleVerdict struct {
	ShouldRespond bool    `json:"should_respond"`
	Reason        string  `json:"reason"`
	Response      string  `json:"response"`
	Confidence    float64 `json:"confidence"`
}

const systemTemplate = `You observe messages in the group "%s" (topic: %s) and decide whether a short, genuinely helpful reply is warranted. %s
Reply ONLY with a JSON object: {"should_respond": bool, "reason": string, "response": string, "confidence": number between 0 and 1}.
Respond rarely. When in doubt, set should_respond to false.`

// Decide consults the oracle for one candidate. It never returns an error:
// transport failures, timeouts, malformed replies and empty responses all
// collapse into a skip with a reason.
func (e *Engine) Decide(ctx context.Context, cand listener.Candidate) Decision {
	system := fmt.Sprintf(systemTemplate, cand.Target.Title, cand.Target.Topic, e.opts.Style)
	prompt := fmt.Sprintf("Message from %s:\n%s", cand.Event.SenderName, cand.Event.Text)

	reply, err := e.oracle.Complete(ctx, OracleRequest{System: system, Prompt: prompt})
	if err != nil {
		e.log.Warn("oracle call failed",
			logx.Int64("chat_id", cand.Event.ChatID),
			logx.Int("message_id", cand.Event.MessageID),
			logx.Err(err))
		return skip("oracle unavailable: " + err.Error())
	}

	v, err := parseVerdict(reply.Content)
	if err != nil {
		e.log.Warn("oracle reply unparseable",
			logx.Int64("chat_id", cand.Event.ChatID),
			logx.Err(err))
		return skip("unparseable oracle reply")
	}

	if !v.ShouldRespond {
		return Decision{Outcome: OutcomeSkip, Reason: v.Reason, Confidence: v.Confidence}
	}
	if strings.TrimSpace(v.Response) == "" {
		return skip("oracle voted respond with empty text")
	}
	if v.Confidence < e.opts.MinConfidence {
		return Decision{
			Outcome:    OutcomeSkip,
			Reason:     fmt.Sprintf("confidence %.2f below threshold", v.Confidence),
			Confidence: v.Confidence,
		}
	}

	d := Decision{
		Outcome:    OutcomeRespond,
		Reason:     v.Reason,
		Text:       strings.TrimSpace(v.Response),
		Confidence: v.Confidence,
	}

	if e.opts.LinkEveryN > 0 && e.opts.ChannelLink != "" {
		used, err := e.store.LinkUsedInLast(ctx, cand.Event.ChatID, e.opts.LinkEveryN)
		if err != nil {
			// Persistence trouble only suppresses the link, never the reply.
			e.log.Warn("link ratio lookup failed", logx.Int64("chat_id", cand.Event.ChatID), logx.Err(err))
		} else if !used {
			d.IncludeLink = true
			d.Text = d.Text + "\n\n" + e.opts.ChannelLink
		}
	}

	return d
}

// parseVerdict decodes the oracle's JSON, tolerating markdown code fences and
// leading prose around the object.
func parseVerdict(content string) (oracleVerdict, error) {
	var v oracleVerdict
	raw := strings.TrimSpace(content)
	if raw == "" {
		return v, fmt.Errorf("empty reply")
	}

	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if i := strings.LastIndex(raw, "```"); i >= 0 {
			raw = raw[:i]
		}
		raw = strings.TrimSpace(raw)
	}

	// Models sometimes wrap the object in prose; cut to the outermost braces.
	if !strings.HasPrefix(raw, "{") {
		start := strings.Index(raw, "{")
		end := strings.LastIndex(raw, "}")
		if start < 0 || end <= start {
			return v, fmt.Errorf("no JSON object in reply")
		}
		raw = raw[start : end+1]
	}

	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("decode verdict: %w", err)
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return v, nil
}
