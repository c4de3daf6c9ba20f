package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
server:
  port: 9090
logging:
  level: debug
  format: json
lesson:
  name: intro-markets
  starting_cash: 100000
  total_days: 5
  ms_per_day: 60000
  ticks_per_day: 390
  news_frequency: 0.3
  seed: 42
  securities:
    - symbol: ACME
      tick_size: 0.01
      min_quantity: 1
      start_price: 50.00
      volatility: 0.02
      drift: 0.001
      spread_bps: 20
      liquidity: 500
  bots:
    - user_id: bot-momo
      strategy: momentum
      symbol: ACME
      max_position: 1000
      order_size: 100
      trade_frequency: 0.5
      aggressiveness: 0.8
journal:
  dir: /tmp/journals
auth:
  tokens:
    tok-teach:
      user_id: teacher
      role: instructor
    tok-s1:
      user_id: alice
      role: student
`

func writeSample(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write sample config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeSample(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if cfg.Lesson.TicksPerDay != 390 {
		t.Errorf("Lesson.TicksPerDay = %d, want 390", cfg.Lesson.TicksPerDay)
	}
	if len(cfg.Lesson.Securities) != 1 || cfg.Lesson.Securities[0].Symbol != "ACME" {
		t.Errorf("Lesson.Securities = %+v, want one ACME entry", cfg.Lesson.Securities)
	}
	if got := cfg.Auth.Tokens["tok-teach"]; got.UserID != "teacher" || got.Role != "instructor" {
		t.Errorf("Auth.Tokens[tok-teach] = %+v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeSample(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Lesson.QueueSize != 4096 {
		t.Errorf("Lesson.QueueSize default = %d, want 4096", cfg.Lesson.QueueSize)
	}
	if cfg.Lesson.MarketMakerUser == "" {
		t.Error("Lesson.MarketMakerUser default is empty")
	}
	if cfg.Server.RateBurst != 100 {
		t.Errorf("Server.RateBurst default = %d, want 100", cfg.Server.RateBurst)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Server: ServerConfig{Port: 8080, RatePerSec: 10, RateBurst: 10},
			Lesson: LessonConfig{
				StartingCash:    1000,
				QueueSize:       64,
				TotalDays:       1,
				MsPerDay:        1000,
				TicksPerDay:     10,
				MarketMakerUser: "__mm__",
				Securities: []SecurityConfig{{
					Symbol: "ACME", TickSize: 0.01, MinQuantity: 1,
					StartPrice: 50, Volatility: 0.01, SpreadBps: 10, Liquidity: 100,
				}},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"no securities", func(c *Config) { c.Lesson.Securities = nil }},
		{"zero starting cash", func(c *Config) { c.Lesson.StartingCash = 0 }},
		{"zero ticks per day", func(c *Config) { c.Lesson.TicksPerDay = 0 }},
		{"negative tick size", func(c *Config) { c.Lesson.Securities[0].TickSize = -0.01 }},
		{"news frequency above one", func(c *Config) { c.Lesson.NewsFrequency = 1.5 }},
		{"duplicate symbol", func(c *Config) {
			c.Lesson.Securities = append(c.Lesson.Securities, c.Lesson.Securities[0])
		}},
		{"unknown strategy", func(c *Config) {
			c.Lesson.Bots = []BotConfig{{
				UserID: "b", Strategy: "arbitrage", Symbol: "ACME",
				MaxPosition: 10, OrderSize: 1,
			}}
		}},
		{"bot symbol without security", func(c *Config) {
			c.Lesson.Bots = []BotConfig{{
				UserID: "b", Strategy: "random", Symbol: "NOPE",
				MaxPosition: 10, OrderSize: 1,
			}}
		}},
		{"bad token role", func(c *Config) {
			c.Auth.Tokens = map[string]TokenIdentity{"t": {UserID: "u", Role: "admin"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
