package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/divergen371/cacheproxy/internal/domain"
)

// Config はプロキシ全体の設定を表す
type Config struct {
	Port    int           `mapstructure:"port"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Server  ServerConfig  `mapstructure:"server"`
	Access  AccessConfig  `mapstructure:"access"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// AdminConfig は管理用HTTPサーバーの設定
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// CacheConfig はキャッシュの設定
type CacheConfig struct {
	Capacity   int64 `mapstructure:"capacity"`
	EntryLimit int64 `mapstructure:"entry_limit"`
	Validate   bool  `mapstructure:"validate"`
}

// RelayConfig はリレーエンジンの設定
type RelayConfig struct {
	ChunkSize   int           `mapstructure:"chunk_size"`
	MaxLine     int           `mapstructure:"max_line"`
	DefaultPort int           `mapstructure:"default_port"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// ServerConfig は接続受け付けの設定
type ServerConfig struct {
	MaxConnections  int           `mapstructure:"max_connections"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AccessConfig はブロックリストの設定. File が空なら無効.
type AccessConfig struct {
	File           string        `mapstructure:"file"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// LogConfig はログの設定
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MetricsConfig はメトリクス保存の設定
type MetricsConfig struct {
	File         string        `mapstructure:"file"`
	SaveInterval time.Duration `mapstructure:"save_interval"`
}

// Options はコマンドラインからの上書き値
// ゼロ値のフィールドは上書きしない. MaxConnections は 0 (無制限) も指定できるよう nil で未指定を表す.
type Options struct {
	Port           int
	AdminPort      int
	MaxConnections *int
	Debug          bool
}

// Load は設定ファイル、環境変数、コマンドラインの順に設定を読み込む
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("CACHEPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Port != 0 {
		v.Set("port", opts.Port)
	}
	if opts.AdminPort != 0 {
		v.Set("admin.enabled", true)
		v.Set("admin.port", opts.AdminPort)
	}
	if opts.MaxConnections != nil {
		v.Set("server.max_connections", *opts.MaxConnections)
	}
	if opts.Debug {
		v.Set("log.level", "debug")
		v.Set("log.format", "console")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 0)

	v.SetDefault("admin.enabled", false)
	v.SetDefault("admin.port", 0)

	// キャッシュの既定サイズ
	v.SetDefault("cache.capacity", 1049000)
	v.SetDefault("cache.entry_limit", 102400)
	v.SetDefault("cache.validate", false)

	v.SetDefault("relay.chunk_size", 8192)
	v.SetDefault("relay.max_line", 8192)
	v.SetDefault("relay.default_port", 80)
	v.SetDefault("relay.dial_timeout", 0)

	v.SetDefault("server.max_connections", 1024)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("access.file", "")
	v.SetDefault("access.reload_interval", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")

	v.SetDefault("metrics.file", "")
	v.SetDefault("metrics.save_interval", time.Minute)
}

// Validate は設定値の整合性を検証
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}
	if c.Admin.Enabled {
		if c.Admin.Port < 1 || c.Admin.Port > 65535 {
			errs = append(errs, fmt.Errorf("admin.port must be between 1 and 65535, got %d", c.Admin.Port))
		} else if c.Admin.Port == c.Port {
			errs = append(errs, errors.New("admin.port must differ from the proxy port"))
		}
	}

	if c.Cache.Capacity <= 0 || c.Cache.EntryLimit <= 0 {
		errs = append(errs, fmt.Errorf("%w: cache sizes must be positive", domain.ErrMisconfigured))
	} else if c.Cache.Capacity < c.Cache.EntryLimit {
		errs = append(errs, fmt.Errorf("%w: cache.capacity %d is smaller than cache.entry_limit %d",
			domain.ErrMisconfigured, c.Cache.Capacity, c.Cache.EntryLimit))
	}

	if c.Relay.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("relay.chunk_size must be positive, got %d", c.Relay.ChunkSize))
	}
	if c.Relay.MaxLine <= 0 {
		errs = append(errs, fmt.Errorf("relay.max_line must be positive, got %d", c.Relay.MaxLine))
	}
	if c.Relay.DefaultPort < 1 || c.Relay.DefaultPort > 65535 {
		errs = append(errs, fmt.Errorf("relay.default_port must be between 1 and 65535, got %d", c.Relay.DefaultPort))
	}
	if c.Relay.DialTimeout < 0 {
		errs = append(errs, errors.New("relay.dial_timeout must not be negative"))
	}

	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
