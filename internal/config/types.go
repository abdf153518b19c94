package config

// Config is the on-disk configuration. All durations are Go duration strings
// (e.g. "500ms", "45s", "2m"). Secrets (Telegram token, oracle API key) are
// NOT part of the file; they come from the environment.
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Oracle      OracleConfig      `json:"oracle"`
	Engagement  EngagementConfig  `json:"engagement"`
	GlobalRate  GlobalRateConfig  `json:"global_rate"`
	Delay       DelayConfig       `json:"delay"`
	Actuator    ActuatorConfig    `json:"actuator"`
	Storage     StorageConfig     `json:"storage"`
	Reset       ResetConfig       `json:"reset"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Logging     LoggingConfig     `json:"logging"`
	Replay      ReplayConfig      `json:"replay,omitempty"`
}

type TelegramConfig struct {
	// PollTimeout is the long-poll timeout, e.g. "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// OracleConfig controls the external relevance/response oracle.
//
// BaseURL may point at any OpenAI-compatible endpoint. The API key is read
// from the ORACLE_API_KEY environment variable.
type OracleConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model"`
	// Style is appended to the system prompt (tone, persona, language).
	Style string `json:"style,omitempty"`
	// Timeout is the hard per-call timeout; exceeding it is a failure (skip).
	Timeout string `json:"timeout,omitempty"`
	// MinConfidence coerces low-confidence respond decisions to skip. 0..1.
	MinConfidence float64 `json:"min_confidence,omitempty"`
	// MaxConcurrent bounds in-flight oracle calls across all targets.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// EngagementConfig is the per-target response policy.
type EngagementConfig struct {
	PerTargetDailyCap int `json:"per_target_daily_cap,omitempty"`
	// QuietPeriod is the minimum gap since the target's last processed event.
	QuietPeriod string `json:"quiet_period,omitempty"`
	// MinRelevance is the keyword prefilter threshold. 0..1.
	MinRelevance float64  `json:"min_relevance,omitempty"`
	Keywords     []string `json:"keywords"`
	// IgnoreSenders lists sender ids whose messages are never considered
	// (the agent's own account id belongs here).
	IgnoreSenders []int64 `json:"ignore_senders,omitempty"`
	// LinkEveryN: append ChannelLink at most once per N sent responses per target.
	// 0 disables link insertion.
	LinkEveryN  int    `json:"link_every_n,omitempty"`
	ChannelLink string `json:"channel_link,omitempty"`
}

// GlobalRateConfig is the platform-visible send ceiling across all targets.
type GlobalRateConfig struct {
	PerHour int `json:"per_hour,omitempty"`
	Burst   int `json:"burst,omitempty"`
}

// DelayConfig is the randomized actuation delay range.
type DelayConfig struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

type ActuatorConfig struct {
	SendTimeout   string `json:"send_timeout,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	// ResumeGrace: on restart, a pending action overdue by more than this is
	// marked abandoned instead of fired.
	ResumeGrace string `json:"resume_grace,omitempty"`
}

// StorageConfig selects the memory store backend.
//
// Driver values:
//   - "sqlite": durable SQLite database file (live operation)
//   - "memory": volatile in-memory store (replay, tests)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ResetConfig fixes the reference timezone for daily counter boundaries.
type ResetConfig struct {
	Timezone string `json:"timezone,omitempty"` // IANA TZ, e.g. "Europe/Moscow"
}

type MaintenanceConfig struct {
	// PruneAfter is the retention window for dedup keys, counters and sent
	// records. Rows older than this are removed by the nightly job.
	PruneAfter string `json:"prune_after,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type ReplayConfig struct {
	// Seed drives every random draw (jitter) so replays are reproducible.
	Seed int64 `json:"seed,omitempty"`
}
