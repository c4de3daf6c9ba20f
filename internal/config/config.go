// Package config defines all configuration for the exchange daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via OUTCRY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Lesson  LessonConfig  `mapstructure:"lesson"`
	Journal JournalConfig `mapstructure:"journal"`
	Auth    AuthConfig    `mapstructure:"auth"`
}

// ServerConfig controls the HTTP/WebSocket gateway.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RatePerSec      float64       `mapstructure:"rate_per_sec"`  // per-client command rate
	RateBurst       int           `mapstructure:"rate_burst"`    // per-client burst allowance
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LessonConfig is the template applied to new sessions. Instructors may
// override parts of it per session at creation time.
//
//   - StartingCash: cash granted to each participant on join.
//   - QueueSize: bound of the matching worker's submission queue.
//   - AllowShort: permit SELL orders that take a position negative.
//   - TotalDays/MsPerDay/TicksPerDay: the accelerated calendar.
//   - NewsFrequency: probability of a news event per day.
//   - Seed: simulator seed; 0 means derive from wall clock.
//   - MarketMakerUser: synthetic user that owns injected liquidity.
type LessonConfig struct {
	Name            string           `mapstructure:"name"`
	StartingCash    float64          `mapstructure:"starting_cash"`
	QueueSize       int              `mapstructure:"queue_size"`
	AllowShort      bool             `mapstructure:"allow_short"`
	TotalDays       int              `mapstructure:"total_days"`
	MsPerDay        int              `mapstructure:"ms_per_day"`
	TicksPerDay     int              `mapstructure:"ticks_per_day"`
	NewsFrequency   float64          `mapstructure:"news_frequency"`
	Seed            int64            `mapstructure:"seed"`
	MarketMakerUser string           `mapstructure:"market_maker_user"`
	MarketMakerCash float64          `mapstructure:"market_maker_cash"`
	Securities      []SecurityConfig `mapstructure:"securities"`
	Bots            []BotConfig      `mapstructure:"bots"`
}

// SecurityConfig describes one tradeable instrument and its price process.
// Volatility and Drift are per virtual day; SpreadBps is the full quoted
// spread in basis points; Liquidity is the size of each injected quote.
type SecurityConfig struct {
	Symbol      string  `mapstructure:"symbol"`
	TickSize    float64 `mapstructure:"tick_size"`
	MinQuantity int64   `mapstructure:"min_quantity"`
	StartPrice  float64 `mapstructure:"start_price"`
	Volatility  float64 `mapstructure:"volatility"`
	Drift       float64 `mapstructure:"drift"`
	SpreadBps   float64 `mapstructure:"spread_bps"`
	Liquidity   int64   `mapstructure:"liquidity"`
}

// BotConfig configures one strategy instance.
type BotConfig struct {
	UserID         string  `mapstructure:"user_id"`
	Strategy       string  `mapstructure:"strategy"`
	Symbol         string  `mapstructure:"symbol"`
	MaxPosition    int64   `mapstructure:"max_position"`
	OrderSize      int64   `mapstructure:"order_size"`
	TradeFrequency float64 `mapstructure:"trade_frequency"`
	Aggressiveness float64 `mapstructure:"aggressiveness"`
}

// JournalConfig sets where the write-behind journal lands. Both sinks are
// optional; an empty value disables that sink.
type JournalConfig struct {
	Dir        string `mapstructure:"dir"`         // JSONL files, one per session
	SQLitePath string `mapstructure:"sqlite_path"` // single SQLite database
	BufferSize int    `mapstructure:"buffer_size"` // journal subscriber buffer
}

// AuthConfig maps bearer tokens to identities. Tokens are opaque strings;
// Role is "instructor" or "student".
type AuthConfig struct {
	Tokens map[string]TokenIdentity `mapstructure:"tokens"`
}

// TokenIdentity is the identity a bearer token resolves to.
type TokenIdentity struct {
	UserID string `mapstructure:"user_id"`
	Role   string `mapstructure:"role"`
}

// Strategy names accepted in BotConfig.Strategy.
var validStrategies = map[string]bool{
	"momentum":           true,
	"mean_reversion":     true,
	"random":             true,
	"market_maker":       true,
	"liquidity_provider": true,
}

// Load reads config from a YAML file with env var overrides.
// A .env file in the working directory is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OUTCRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_per_sec", 50.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("lesson.queue_size", 4096)
	v.SetDefault("lesson.market_maker_user", "__mm__")
	v.SetDefault("lesson.market_maker_cash", 1e12)
	v.SetDefault("journal.buffer_size", 8192)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override deploy-specific fields from env
	if dir := os.Getenv("OUTCRY_JOURNAL_DIR"); dir != "" {
		cfg.Journal.Dir = dir
	}
	if db := os.Getenv("OUTCRY_JOURNAL_SQLITE"); db != "" {
		cfg.Journal.SQLitePath = db
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Server.RatePerSec <= 0 {
		return fmt.Errorf("server.rate_per_sec must be > 0")
	}
	if err := c.Lesson.Validate(); err != nil {
		return fmt.Errorf("lesson: %w", err)
	}
	for token, id := range c.Auth.Tokens {
		if id.UserID == "" {
			return fmt.Errorf("auth.tokens[%q].user_id is required", token)
		}
		switch id.Role {
		case "instructor", "student":
		default:
			return fmt.Errorf("auth.tokens[%q].role must be instructor or student", token)
		}
	}
	return nil
}

// Validate checks the lesson template on its own so session-creation
// overrides can be re-checked with the same rules.
func (l *LessonConfig) Validate() error {
	if l.StartingCash <= 0 {
		return fmt.Errorf("starting_cash must be > 0")
	}
	if l.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be > 0")
	}
	if l.TotalDays <= 0 {
		return fmt.Errorf("total_days must be > 0")
	}
	if l.MsPerDay <= 0 {
		return fmt.Errorf("ms_per_day must be > 0")
	}
	if l.TicksPerDay <= 0 {
		return fmt.Errorf("ticks_per_day must be > 0")
	}
	if l.NewsFrequency < 0 || l.NewsFrequency > 1 {
		return fmt.Errorf("news_frequency must be in [0, 1]")
	}
	if l.MarketMakerUser == "" {
		return fmt.Errorf("market_maker_user is required")
	}
	if len(l.Securities) == 0 {
		return fmt.Errorf("at least one security is required")
	}
	seen := make(map[string]bool, len(l.Securities))
	for i, s := range l.Securities {
		if s.Symbol == "" {
			return fmt.Errorf("securities[%d].symbol is required", i)
		}
		if seen[s.Symbol] {
			return fmt.Errorf("securities[%d].symbol %q is duplicated", i, s.Symbol)
		}
		seen[s.Symbol] = true
		if s.TickSize <= 0 {
			return fmt.Errorf("securities[%d].tick_size must be > 0", i)
		}
		if s.MinQuantity <= 0 {
			return fmt.Errorf("securities[%d].min_quantity must be > 0", i)
		}
		if s.StartPrice <= 0 {
			return fmt.Errorf("securities[%d].start_price must be > 0", i)
		}
		if s.Volatility < 0 {
			return fmt.Errorf("securities[%d].volatility must be >= 0", i)
		}
		if s.SpreadBps <= 0 {
			return fmt.Errorf("securities[%d].spread_bps must be > 0", i)
		}
		if s.Liquidity <= 0 {
			return fmt.Errorf("securities[%d].liquidity must be > 0", i)
		}
	}
	for i, b := range l.Bots {
		if b.UserID == "" {
			return fmt.Errorf("bots[%d].user_id is required", i)
		}
		if !validStrategies[b.Strategy] {
			return fmt.Errorf("bots[%d].strategy %q is unknown", i, b.Strategy)
		}
		if !seen[b.Symbol] {
			return fmt.Errorf("bots[%d].symbol %q does not match any security", i, b.Symbol)
		}
		if b.MaxPosition <= 0 {
			return fmt.Errorf("bots[%d].max_position must be > 0", i)
		}
		if b.OrderSize <= 0 {
			return fmt.Errorf("bots[%d].order_size must be > 0", i)
		}
		if b.TradeFrequency < 0 || b.TradeFrequency > 1 {
			return fmt.Errorf("bots[%d].trade_frequency must be in [0, 1]", i)
		}
		if b.Aggressiveness < 0 || b.Aggressiveness > 1 {
			return fmt.Errorf("bots[%d].aggressiveness must be in [0, 1]", i)
		}
	}
	return nil
}
