package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all chanfix configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Service  ServiceConfig  `toml:"service"`
	Chanfix  ChanfixConfig  `toml:"chanfix"`
	Schedule ScheduleConfig `toml:"schedule"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// ServiceConfig describes the acting service identity on the network.
type ServiceConfig struct {
	Nick string `toml:"nick"`
}

// ChanfixConfig holds the scoring and recovery policy.
type ChanfixConfig struct {
	OpThreshold   int      `toml:"op_threshold"`   // live ops at/above which a channel is healthy
	MinFixScore   int      `toml:"min_fix_score"`  // floor on high score to start a fix
	AccountWeight float64  `toml:"account_weight"` // multiplier for account-backed records
	InitialStep   float64  `toml:"initial_step"`
	FinalStep     float64  `toml:"final_step"`
	FixTime       Duration `toml:"fix_time"`
	RetentionTime Duration `toml:"retention_time"`
	ExpireDivisor int      `toml:"expire_divisor"`

	DoAutofix               bool `toml:"do_autofix"`
	JoinToFix               bool `toml:"join_to_fix"`
	ClearModesOnFix         bool `toml:"clear_modes_on_fix"`
	ClearBansOnFix          bool `toml:"clear_bans_on_fix"`
	ClearModeratedOnFix     bool `toml:"clear_moderated_on_fix"`
	DeopBelowThresholdOnFix bool `toml:"deop_below_threshold_on_fix"`
}

type ScheduleConfig struct {
	GatherInterval  Duration `toml:"gather_interval"`
	ExpireInterval  Duration `toml:"expire_interval"`
	AutofixInterval Duration `toml:"autofix_interval"`
	SaveInterval    Duration `toml:"save_interval"`
}

// Duration is a time.Duration that decodes from TOML strings like "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Service: ServiceConfig{
			Nick: "ChanFix",
		},
		Chanfix: ChanfixConfig{
			OpThreshold:   3,
			MinFixScore:   12,
			AccountWeight: 1.5,
			InitialStep:   0.70,
			FinalStep:     0.30,
			FixTime:       Duration{time.Hour},
			RetentionTime: Duration{28 * 24 * time.Hour}, // 2419200s
			ExpireDivisor: 672,

			DoAutofix:               true,
			JoinToFix:               false,
			ClearModesOnFix:         true,
			ClearBansOnFix:          true,
			ClearModeratedOnFix:     false,
			DeopBelowThresholdOnFix: false,
		},
		Schedule: ScheduleConfig{
			GatherInterval:  Duration{5 * time.Minute},
			ExpireInterval:  Duration{time.Hour},
			AutofixInterval: Duration{time.Minute},
			SaveInterval:    Duration{5 * time.Second},
		},
	}
}

// DefaultPath returns the default config path: ~/.chanfix/chanfix.toml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".chanfix", "chanfix.toml"), nil
}

// Load reads a TOML config file on top of Default(). A missing file at the
// default location is not an error; a missing explicit path is.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("CHANFIX_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the engine cannot work with.
func (c *Config) Validate() error {
	cf := c.Chanfix
	if cf.OpThreshold < 1 {
		return fmt.Errorf("op_threshold must be >= 1, got %d", cf.OpThreshold)
	}
	if cf.MinFixScore < 0 {
		return fmt.Errorf("min_fix_score must be >= 0, got %d", cf.MinFixScore)
	}
	if cf.AccountWeight < 0 {
		return fmt.Errorf("account_weight must be >= 0, got %v", cf.AccountWeight)
	}
	if cf.InitialStep < 0 || cf.InitialStep > 1 || cf.FinalStep < 0 || cf.FinalStep > 1 {
		return fmt.Errorf("initial_step and final_step must be within [0, 1]")
	}
	if cf.FixTime.Duration < 0 || cf.RetentionTime.Duration < 0 {
		return fmt.Errorf("fix_time and retention_time must not be negative")
	}
	if cf.ExpireDivisor < 1 {
		return fmt.Errorf("expire_divisor must be >= 1, got %d", cf.ExpireDivisor)
	}
	s := c.Schedule
	for name, d := range map[string]Duration{
		"gather_interval":  s.GatherInterval,
		"expire_interval":  s.ExpireInterval,
		"autofix_interval": s.AutofixInterval,
		"save_interval":    s.SaveInterval,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
