package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Engagement.Keywords = []string{"golang"}
	cfg.Storage.Driver = "memory"
	return cfg
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"empty is zero", "", 0, false},
		{"seconds", "45s", 45 * time.Second, false},
		{"compound", "1m30s", 90 * time.Second, false},
		{"negative rejected", "-5s", 0, true},
		{"bare number rejected", "30", 0, true},
		{"garbage rejected", "soon", 0, true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseDuration("x.y", tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()

	st, err := Resolve(validConfig())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if st.Engagement.PerTargetDailyCap != 3 {
		t.Errorf("daily cap = %d, want 3", st.Engagement.PerTargetDailyCap)
	}
	if st.Engagement.QuietPeriod != 2*time.Minute {
		t.Errorf("quiet period = %v, want 2m", st.Engagement.QuietPeriod)
	}
	if st.Engagement.MinRelevance != 0.3 {
		t.Errorf("min relevance = %v, want 0.3", st.Engagement.MinRelevance)
	}
	if st.Delay.Min != 30*time.Second || st.Delay.Max != 120*time.Second {
		t.Errorf("delay = [%v, %v], want [30s, 2m]", st.Delay.Min, st.Delay.Max)
	}
	if st.GlobalRate.PerHour != 20 || st.GlobalRate.Burst != 3 {
		t.Errorf("global rate = %d/%d, want 20/3", st.GlobalRate.PerHour, st.GlobalRate.Burst)
	}
	if st.Actuator.ResumeGrace != 10*time.Minute {
		t.Errorf("resume grace = %v, want 10m", st.Actuator.ResumeGrace)
	}
	if st.Reset.Location != time.UTC {
		t.Errorf("location = %v, want UTC", st.Reset.Location)
	}
	if st.Maintenance.PruneAfter != 30*24*time.Hour {
		t.Errorf("prune after = %v, want 720h", st.Maintenance.PruneAfter)
	}
}

func TestResolveValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "keywords required",
			mutate:  func(c *Config) { c.Engagement.Keywords = nil },
			wantErr: "keywords",
		},
		{
			name:    "storage driver required",
			mutate:  func(c *Config) { c.Storage.Driver = "" },
			wantErr: "storage.driver",
		},
		{
			name: "delay max below min",
			mutate: func(c *Config) {
				c.Delay.Min = "2m"
				c.Delay.Max = "30s"
			},
			wantErr: "delay",
		},
		{
			name:    "confidence out of range",
			mutate:  func(c *Config) { c.Oracle.MinConfidence = 1.5 },
			wantErr: "min_confidence",
		},
		{
			name:    "link requires channel link",
			mutate:  func(c *Config) { c.Engagement.LinkEveryN = 5 },
			wantErr: "channel_link",
		},
		{
			name:    "bad timezone",
			mutate:  func(c *Config) { c.Reset.Timezone = "Mars/Olympus" },
			wantErr: "timezone",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Engagement.QuietPeriod = "later" },
			wantErr: "quiet_period",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			_, err := Resolve(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestResolveTimezone(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Reset.Timezone = "Europe/Moscow"
	st, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if st.Reset.Location == nil || st.Reset.Location.String() != "Europe/Moscow" {
		t.Fatalf("location = %v", st.Reset.Location)
	}
}

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestManagerLoadJSON(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{
		"engagement": {"keywords": ["golang", "deploy"], "per_target_daily_cap": 5},
		"storage": {"driver": "sqlite", "path": "/tmp/agent.db"},
		"delay": {"min": "10s", "max": "20s"},
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}}
	}`)

	m := NewManager(path)
	st, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Engagement.PerTargetDailyCap != 5 {
		t.Fatalf("cap = %d, want 5", st.Engagement.PerTargetDailyCap)
	}
	if st.Delay.Min != 10*time.Second || st.Delay.Max != 20*time.Second {
		t.Fatalf("delay = [%v, %v]", st.Delay.Min, st.Delay.Max)
	}
	if got := m.Get(); got != st {
		t.Fatal("Get() did not return committed settings")
	}
}

func TestManagerLoadYAML(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", `
engagement:
  keywords: [golang, deploy]
  quiet_period: 3m
storage:
  driver: memory
reset:
  timezone: Europe/Moscow
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
`)

	st, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Engagement.QuietPeriod != 3*time.Minute {
		t.Fatalf("quiet period = %v, want 3m", st.Engagement.QuietPeriod)
	}
	if st.Reset.Location.String() != "Europe/Moscow" {
		t.Fatalf("location = %v", st.Reset.Location)
	}
}

func TestManagerRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json", `{
		"engagement": {"keywords": ["golang"], "max_replies": 10},
		"storage": {"driver": "memory"}
	}`)

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestManagerRejectsTrailingData(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.json",
		`{"engagement": {"keywords": ["golang"]}, "storage": {"driver": "memory"}}{"extra": true}`)

	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestSubscribePublishAndUnsubscribe(t *testing.T) {
	t.Parallel()

	m := NewManager("unused")
	ch := m.Subscribe(1)

	st := &Settings{}
	m.publish(st)
	select {
	case got := <-ch:
		if got != st {
			t.Fatal("wrong settings delivered")
		}
	default:
		t.Fatal("no settings delivered")
	}

	// Full buffer: the oldest update is replaced by the newest.
	older, newer := &Settings{}, &Settings{}
	m.publish(older)
	m.publish(newer)
	select {
	case got := <-ch:
		if got != newer {
			t.Fatal("expected newest settings after overflow")
		}
	default:
		t.Fatal("no settings delivered after overflow")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
}
