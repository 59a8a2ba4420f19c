package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PlatformSettings are the operator-tunable billing rules. They are read on
// every job run through the holder so edits take effect without a restart.
type PlatformSettings struct {
	MaxPauseDays         int `mapstructure:"maxPauseDays"`
	AutoCancelWarnDays   int `mapstructure:"autoCancelWarnDays"`
	SkipCutoffHours      int `mapstructure:"skipCutoffHours"`
	CreditExpiryDays     int `mapstructure:"creditExpiryDays"`
	PaymentRetryDeadline int `mapstructure:"paymentRetryDeadlineHours"`
}

func DefaultPlatformSettings() PlatformSettings {
	return PlatformSettings{
		MaxPauseDays:         30,
		AutoCancelWarnDays:   7,
		SkipCutoffHours:      12,
		CreditExpiryDays:     90,
		PaymentRetryDeadline: 72,
	}
}

func validatePlatformSettings(s PlatformSettings) error {
	if s.MaxPauseDays <= 0 {
		return errors.New("maxPauseDays must be positive")
	}
	if s.AutoCancelWarnDays < 0 || s.AutoCancelWarnDays >= s.MaxPauseDays {
		return errors.New("autoCancelWarnDays must be within the pause window")
	}
	if s.SkipCutoffHours < 0 {
		return errors.New("skipCutoffHours must not be negative")
	}
	if s.CreditExpiryDays <= 0 {
		return errors.New("creditExpiryDays must be positive")
	}
	if s.PaymentRetryDeadline <= 0 {
		return errors.New("paymentRetryDeadlineHours must be positive")
	}
	return nil
}

// PlatformSettingsHolder keeps a hot-reloadable snapshot of PlatformSettings.
type PlatformSettingsHolder struct {
	current atomic.Value
}

func NewPlatformSettingsHolder() (*PlatformSettingsHolder, error) {
	v := viper.New()

	v.SetConfigName("platform")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tiffinly/config")
	v.AddConfigPath("/etc/tiffinly")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TIFFINLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPlatformSettings()
	v.SetDefault("platform.maxPauseDays", defaults.MaxPauseDays)
	v.SetDefault("platform.autoCancelWarnDays", defaults.AutoCancelWarnDays)
	v.SetDefault("platform.skipCutoffHours", defaults.SkipCutoffHours)
	v.SetDefault("platform.creditExpiryDays", defaults.CreditExpiryDays)
	v.SetDefault("platform.paymentRetryDeadlineHours", defaults.PaymentRetryDeadline)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var settings PlatformSettings
	if err := v.UnmarshalKey("platform", &settings); err != nil {
		return nil, err
	}
	if err := validatePlatformSettings(settings); err != nil {
		return nil, err
	}

	holder := &PlatformSettingsHolder{}
	holder.current.Store(settings)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PlatformSettings
		if err := v.UnmarshalKey("platform", &updated); err != nil {
			log.Printf("[platform-config] reload failed: %v", err)
			return
		}
		if err := validatePlatformSettings(updated); err != nil {
			log.Printf("[platform-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
	})

	return holder, nil
}

// NewStaticPlatformSettingsHolder wraps fixed settings; used by tests.
func NewStaticPlatformSettingsHolder(s PlatformSettings) *PlatformSettingsHolder {
	holder := &PlatformSettingsHolder{}
	holder.current.Store(s)
	return holder
}

func (h *PlatformSettingsHolder) Get() PlatformSettings {
	if h == nil {
		return DefaultPlatformSettings()
	}
	if s, ok := h.current.Load().(PlatformSettings); ok {
		return s
	}
	return DefaultPlatformSettings()
}
