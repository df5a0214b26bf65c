package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type RealtimeConfig struct {
	URL               string        `mapstructure:"url"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap      time.Duration `mapstructure:"reconnect_cap"`
	DedupTTL          time.Duration `mapstructure:"dedup_ttl"`
	PendingBufferTTL  time.Duration `mapstructure:"pending_buffer_ttl"`
	CounterResyncCron string        `mapstructure:"counter_resync_cron"`
}

func (config *RealtimeConfig) setDefaults() {
	if config.ReconnectBase == 0 {
		config.ReconnectBase = time.Second
	}
	if config.ReconnectCap == 0 {
		config.ReconnectCap = 30 * time.Second
	}
	if config.DedupTTL == 0 {
		config.DedupTTL = 5 * time.Minute
	}
	if config.PendingBufferTTL == 0 {
		config.PendingBufferTTL = 30 * time.Second
	}
	if config.CounterResyncCron == "" {
		config.CounterResyncCron = "@every 30s"
	}
}

func (config RealtimeConfig) validate() error {

	if config.URL == "" {
		return fmt.Errorf("missing variable: realtime url")
	}

	if config.ReconnectBase > config.ReconnectCap {
		return fmt.Errorf("reconnect_base must not exceed reconnect_cap")
	}

	return nil
}

func (config RealtimeConfig) bindEnvironmentVariables() error {

	if err := viper.BindEnv("realtime.url", "REALTIME_URL"); err != nil {
		return err
	}

	return viper.BindEnv("realtime.counter_resync_cron", "REALTIME_COUNTER_RESYNC_CRON")
}
