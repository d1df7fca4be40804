package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Bot        BotConfig        `mapstructure:"bot"`
	Fleet      FleetConfig      `mapstructure:"fleet"`
	Channels   ChannelsConfig   `mapstructure:"channels"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Emoji      EmojiConfig      `mapstructure:"emoji"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

// RateLimitConfig throttles command handling per group.
type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	CommandsPerMinute int  `mapstructure:"commands_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type BotConfig struct {
	Token         string `mapstructure:"token"`
	UpdateTimeout int    `mapstructure:"update_timeout"`
}

// FleetConfig identifies this service among the cooperating bots and lists
// the receiver groups for each broadcast kind.
type FleetConfig struct {
	Sender    string    `mapstructure:"sender"`
	BotIDs    []int64   `mapstructure:"bot_ids"`
	NospamID  int64     `mapstructure:"nospam_id"`
	Receivers Receivers `mapstructure:"receivers"`
}

type Receivers struct {
	Bad     []string `mapstructure:"bad"`
	Declare []string `mapstructure:"declare"`
	Score   []string `mapstructure:"score"`
	Watch   []string `mapstructure:"watch"`
}

type ChannelsConfig struct {
	// Debug receives operational reports, Logging receives evidence copies.
	DebugID   int64 `mapstructure:"debug_id"`
	LoggingID int64 `mapstructure:"logging_id"`
	// Exchange is the redis pub/sub channel name shared by the fleet.
	Exchange string `mapstructure:"exchange"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Prefix string       `mapstructure:"prefix"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MemoryConfig struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

type CacheConfig struct {
	ContentTTL time.Duration `mapstructure:"content_ttl"`
	MemberTTL  time.Duration `mapstructure:"member_ttl"`
	MemberSize int           `mapstructure:"member_size"`
}

// ThresholdsConfig carries the fixed decision constants of the enforcement
// machine. Values are given in seconds where they describe durations.
type ThresholdsConfig struct {
	// ScoreBan is the aggregate score above which a spam detection bans.
	ScoreBan float64 `mapstructure:"score_ban"`
	// TimeBan is the watch entry lifetime.
	TimeBan int64 `mapstructure:"time_ban"`
	// TimeNew is the account/membership age below which a user is "new".
	TimeNew int64 `mapstructure:"time_new"`
	// TimeLimited is the membership age below which a user is "limited".
	TimeLimited int64 `mapstructure:"time_limited"`
	// TimeSticker is how long tracked stickers live before timed deletion.
	TimeSticker int64 `mapstructure:"time_sticker"`
	// ImageSize is the largest media size the QR check will download.
	ImageSize int64 `mapstructure:"image_size"`
	// ConfigLock throttles /config requests per group, in seconds.
	ConfigLock int64 `mapstructure:"config_lock"`
	// PurgeSpan caps the /purge range.
	PurgeSpan int64 `mapstructure:"purge_span"`
	// ResetDay is the day of month the monthly data reset runs on.
	ResetDay int `mapstructure:"reset_day"`
}

type EmojiConfig struct {
	AdSingle int      `mapstructure:"ad_single"`
	AdTotal  int      `mapstructure:"ad_total"`
	WbSingle int      `mapstructure:"wb_single"`
	WbTotal  int      `mapstructure:"wb_total"`
	Many     int      `mapstructure:"many"`
	Ad       []string `mapstructure:"ad"`
	Wb       []string `mapstructure:"wb"`
	Protect  []string `mapstructure:"protect"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
	Directory       string   `mapstructure:"directory"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	viper.SetEnvPrefix("")
	viper.BindEnv("bot.token", "BOT_TOKEN")
	viper.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	viper.BindEnv("storage.redis.db", "REDIS_DB")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Handle Redis address special case
	if redisHost := viper.GetString("REDIS_HOST"); redisHost != "" {
		redisPort := viper.GetString("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Bot.UpdateTimeout == 0 {
		cfg.Bot.UpdateTimeout = 60
	}
	if cfg.Thresholds.ScoreBan == 0 {
		cfg.Thresholds.ScoreBan = 3.0
	}
	if cfg.Thresholds.TimeBan == 0 {
		cfg.Thresholds.TimeBan = 86400 * 7
	}
	if cfg.Thresholds.TimeNew == 0 {
		cfg.Thresholds.TimeNew = 86400 * 3
	}
	if cfg.Thresholds.TimeLimited == 0 {
		cfg.Thresholds.TimeLimited = 3600
	}
	if cfg.Thresholds.TimeSticker == 0 {
		cfg.Thresholds.TimeSticker = 3600 * 6
	}
	if cfg.Thresholds.ImageSize == 0 {
		cfg.Thresholds.ImageSize = 512 * 1024
	}
	if cfg.Thresholds.ConfigLock == 0 {
		cfg.Thresholds.ConfigLock = 310
	}
	if cfg.Thresholds.PurgeSpan == 0 {
		cfg.Thresholds.PurgeSpan = 1000
	}
	if cfg.Thresholds.ResetDay == 0 {
		cfg.Thresholds.ResetDay = 1
	}
	if cfg.Cache.ContentTTL == 0 {
		cfg.Cache.ContentTTL = 24 * time.Hour
	}
	if cfg.Cache.MemberTTL == 0 {
		cfg.Cache.MemberTTL = 7 * 24 * time.Hour
	}
	if cfg.Cache.MemberSize == 0 {
		cfg.Cache.MemberSize = 4096
	}
	if cfg.RateLimit.CommandsPerMinute == 0 {
		cfg.RateLimit.CommandsPerMinute = 20
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 5
	}
	if cfg.Channels.Exchange == "" {
		cfg.Channels.Exchange = "exchange"
	}
	if len(cfg.Fleet.Receivers.Watch) == 0 {
		cfg.Fleet.Receivers.Watch = []string{"WATCH"}
	}
	if cfg.Storage.Prefix == "" {
		cfg.Storage.Prefix = strings.ToLower(cfg.Fleet.Sender)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Bot.Token == "" {
		return fmt.Errorf("bot token is required")
	}
	if cfg.Fleet.Sender == "" {
		return fmt.Errorf("fleet sender name is required")
	}
	if cfg.Channels.DebugID == 0 || cfg.Channels.LoggingID == 0 {
		return fmt.Errorf("debug and logging channel ids are required")
	}
	if cfg.Storage.Type != "redis" && cfg.Storage.Type != "memory" {
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	return nil
}
