package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Settings is the resolved, validated form of Config: durations parsed,
// defaults applied, timezone loaded. Components consume Settings sections,
// never the raw Config.
type Settings struct {
	Telegram struct {
		PollTimeout time.Duration
	}
	Oracle struct {
		BaseURL       string
		Model         string
		Style         string
		Timeout       time.Duration
		MinConfidence float64
		MaxConcurrent int
	}
	Engagement struct {
		PerTargetDailyCap int
		QuietPeriod       time.Duration
		MinRelevance      float64
		Keywords          []string
		IgnoreSenders     []int64
		LinkEveryN        int
		ChannelLink       string
	}
	GlobalRate struct {
		PerHour int
		Burst   int
	}
	Delay struct {
		Min time.Duration
		Max time.Duration
	}
	Actuator struct {
		SendTimeout   time.Duration
		RetryMax      int
		RetryBase     time.Duration
		RetryMaxDelay time.Duration
		Workers       int
		ResumeGrace   time.Duration
	}
	Storage struct {
		Driver      string
		Path        string
		BusyTimeout time.Duration
	}
	Reset struct {
		Timezone string
		Location *time.Location
	}
	Maintenance struct {
		PruneAfter time.Duration
	}
	Logging LoggingConfig
	Replay  struct {
		Seed int64
	}
}

// Resolve validates cfg and fills in defaults. Any error here is a startup
// configuration error and must be treated as fatal by the caller.
func Resolve(cfg *Config) (*Settings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	s := &Settings{}
	var err error

	if s.Telegram.PollTimeout, err = durationOr("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return nil, err
	}

	s.Oracle.BaseURL = cfg.Oracle.BaseURL
	s.Oracle.Model = cfg.Oracle.Model
	s.Oracle.Style = cfg.Oracle.Style
	if s.Oracle.Timeout, err = durationOr("oracle.timeout", cfg.Oracle.Timeout, 30*time.Second); err != nil {
		return nil, err
	}
	s.Oracle.MinConfidence = cfg.Oracle.MinConfidence
	if s.Oracle.MinConfidence < 0 || s.Oracle.MinConfidence > 1 {
		return nil, fmt.Errorf("oracle.min_confidence: must be within [0,1], got %v", s.Oracle.MinConfidence)
	}
	s.Oracle.MaxConcurrent = cfg.Oracle.MaxConcurrent
	if s.Oracle.MaxConcurrent <= 0 {
		s.Oracle.MaxConcurrent = 4
	}

	s.Engagement.PerTargetDailyCap = cfg.Engagement.PerTargetDailyCap
	if s.Engagement.PerTargetDailyCap <= 0 {
		s.Engagement.PerTargetDailyCap = 3
	}
	if s.Engagement.QuietPeriod, err = durationOr("engagement.quiet_period", cfg.Engagement.QuietPeriod, 2*time.Minute); err != nil {
		return nil, err
	}
	s.Engagement.MinRelevance = cfg.Engagement.MinRelevance
	if s.Engagement.MinRelevance < 0 || s.Engagement.MinRelevance > 1 {
		return nil, fmt.Errorf("engagement.min_relevance: must be within [0,1], got %v", s.Engagement.MinRelevance)
	}
	if s.Engagement.MinRelevance == 0 {
		s.Engagement.MinRelevance = 0.3
	}
	if len(cfg.Engagement.Keywords) == 0 {
		return nil, errors.New("engagement.keywords: at least one keyword is required")
	}
	s.Engagement.Keywords = append([]string(nil), cfg.Engagement.Keywords...)
	s.Engagement.IgnoreSenders = append([]int64(nil), cfg.Engagement.IgnoreSenders...)
	s.Engagement.LinkEveryN = cfg.Engagement.LinkEveryN
	if s.Engagement.LinkEveryN < 0 {
		return nil, errors.New("engagement.link_every_n: must be >= 0")
	}
	s.Engagement.ChannelLink = cfg.Engagement.ChannelLink
	if s.Engagement.LinkEveryN > 0 && s.Engagement.ChannelLink == "" {
		return nil, errors.New("engagement.channel_link: required when link_every_n is set")
	}

	s.GlobalRate.PerHour = cfg.GlobalRate.PerHour
	if s.GlobalRate.PerHour <= 0 {
		s.GlobalRate.PerHour = 20
	}
	s.GlobalRate.Burst = cfg.GlobalRate.Burst
	if s.GlobalRate.Burst <= 0 {
		s.GlobalRate.Burst = 3
	}

	if s.Delay.Min, err = durationOr("delay.min", cfg.Delay.Min, 30*time.Second); err != nil {
		return nil, err
	}
	if s.Delay.Max, err = durationOr("delay.max", cfg.Delay.Max, 120*time.Second); err != nil {
		return nil, err
	}
	if s.Delay.Max < s.Delay.Min {
		return nil, fmt.Errorf("delay: max (%s) must be >= min (%s)", s.Delay.Max, s.Delay.Min)
	}

	if s.Actuator.SendTimeout, err = durationOr("actuator.send_timeout", cfg.Actuator.SendTimeout, 15*time.Second); err != nil {
		return nil, err
	}
	s.Actuator.RetryMax = cfg.Actuator.RetryMax
	if s.Actuator.RetryMax < 0 {
		return nil, errors.New("actuator.retry_max: must be >= 0")
	}
	if cfg.Actuator.RetryMax == 0 {
		s.Actuator.RetryMax = 2
	}
	if s.Actuator.RetryBase, err = durationOr("actuator.retry_base", cfg.Actuator.RetryBase, 500*time.Millisecond); err != nil {
		return nil, err
	}
	if s.Actuator.RetryMaxDelay, err = durationOr("actuator.retry_max_delay", cfg.Actuator.RetryMaxDelay, 15*time.Second); err != nil {
		return nil, err
	}
	s.Actuator.Workers = cfg.Actuator.Workers
	if s.Actuator.Workers <= 0 {
		s.Actuator.Workers = 2
	}
	if s.Actuator.ResumeGrace, err = durationOr("actuator.resume_grace", cfg.Actuator.ResumeGrace, 10*time.Minute); err != nil {
		return nil, err
	}

	s.Storage.Driver = cfg.Storage.Driver
	if s.Storage.Driver == "" {
		return nil, errors.New("storage.driver: required (sqlite or memory)")
	}
	s.Storage.Path = cfg.Storage.Path
	if s.Storage.BusyTimeout, err = durationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return nil, err
	}

	s.Reset.Timezone = cfg.Reset.Timezone
	if s.Reset.Timezone == "" {
		s.Reset.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(s.Reset.Timezone)
	if err != nil {
		return nil, fmt.Errorf("reset.timezone: %w", err)
	}
	s.Reset.Location = loc

	if s.Maintenance.PruneAfter, err = durationOr("maintenance.prune_after", cfg.Maintenance.PruneAfter, 30*24*time.Hour); err != nil {
		return nil, err
	}

	s.Logging = cfg.Logging
	s.Replay.Seed = cfg.Replay.Seed

	return s, nil
}

// parseDuration parses one duration field; empty means zero (field absent).
// path names the field in the error, e.g. "delay.min".
func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: parse duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, nil
}

// durationOr substitutes def for an absent (zero) field.
func durationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDuration(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
