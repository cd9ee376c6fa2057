package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EngineConfig tunes the attribution and reconciliation engines.
type EngineConfig struct {
	AttributionWindowDays   int           `mapstructure:"attributionWindowDays"`
	BatchSize               int           `mapstructure:"batchSize"`
	BatchDelay              time.Duration `mapstructure:"batchDelay"`
	PersonalDomains         []string      `mapstructure:"personalDomains"`
	DefaultReviewWindowDays int           `mapstructure:"defaultReviewWindowDays"`
	RunLockTTL              time.Duration `mapstructure:"runLockTTL"`
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		AttributionWindowDays:   31,
		BatchSize:               1000,
		BatchDelay:              100 * time.Millisecond,
		DefaultReviewWindowDays: 7,
		RunLockTTL:              15 * time.Minute,
	}
}

type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

// NewStaticEngineConfigHolder returns a holder that never reloads.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func NewEngineConfigHolder(log *zap.Logger) (*EngineConfigHolder, error) {
	log = log.Named("config.engine")
	v := viper.New()

	v.SetConfigName("engine")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/attribution")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ATTRIBUTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultEngineConfig()
	v.SetDefault("engine.attributionWindowDays", defaults.AttributionWindowDays)
	v.SetDefault("engine.batchSize", defaults.BatchSize)
	v.SetDefault("engine.batchDelay", defaults.BatchDelay)
	v.SetDefault("engine.defaultReviewWindowDays", defaults.DefaultReviewWindowDays)
	v.SetDefault("engine.runLockTTL", defaults.RunLockTTL)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EngineConfigHolder{}
	holder.current.Store(cfg.withDefaults())

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated EngineConfig
			if err := v.UnmarshalKey("engine", &updated); err != nil {
				log.Warn("engine config reload failed", zap.Error(err))
				return
			}
			if err := ValidateEngineConfig(updated); err != nil {
				log.Warn("invalid engine config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated.withDefaults())
			log.Info("engine config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *EngineConfigHolder) Get() EngineConfig {
	if h == nil {
		return DefaultEngineConfig()
	}
	cfg, ok := h.current.Load().(EngineConfig)
	if !ok {
		return DefaultEngineConfig()
	}
	return cfg
}

func ValidateEngineConfig(cfg EngineConfig) error {
	if cfg.AttributionWindowDays < 0 {
		return errors.New("engine.attributionWindowDays cannot be negative")
	}
	if cfg.BatchSize < 0 {
		return errors.New("engine.batchSize cannot be negative")
	}
	if cfg.BatchDelay < 0 {
		return errors.New("engine.batchDelay cannot be negative")
	}
	if cfg.DefaultReviewWindowDays < 0 {
		return errors.New("engine.defaultReviewWindowDays cannot be negative")
	}
	for _, domain := range cfg.PersonalDomains {
		if strings.TrimSpace(domain) == "" {
			return errors.New("engine.personalDomains cannot contain empty entries")
		}
	}
	return nil
}

func (c EngineConfig) withDefaults() EngineConfig {
	defaults := DefaultEngineConfig()
	if c.AttributionWindowDays <= 0 {
		c.AttributionWindowDays = defaults.AttributionWindowDays
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.DefaultReviewWindowDays <= 0 {
		c.DefaultReviewWindowDays = defaults.DefaultReviewWindowDays
	}
	if c.RunLockTTL <= 0 {
		c.RunLockTTL = defaults.RunLockTTL
	}
	return c
}
