package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type BackendConfig struct {
	BaseURL              string  `mapstructure:"base_url"`
	APIKey               string  `mapstructure:"api_key"`
	UserID               string  `mapstructure:"user_id"`
	Role                 string  `mapstructure:"role"`
	MaxRequestsPerSecond float32 `mapstructure:"max_requests_per_second"`
}

func (config BackendConfig) validate() error {

	var missingFields []string

	if config.BaseURL == "" {
		missingFields = append(missingFields, "base_url")
	}

	if config.APIKey == "" {
		missingFields = append(missingFields, "api_key")
	}

	if config.UserID == "" {
		missingFields = append(missingFields, "user_id")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required variables: %s", strings.Join(missingFields, ", "))
	}

	return nil
}

func (config BackendConfig) bindEnvironmentVariables() error {

	if err := viper.BindEnv("backend.base_url", "BACKEND_BASE_URL"); err != nil {
		return err
	}

	if err := viper.BindEnv("backend.api_key", "BACKEND_API_KEY"); err != nil {
		return err
	}

	if err := viper.BindEnv("backend.user_id", "BACKEND_USER_ID"); err != nil {
		return err
	}

	if err := viper.BindEnv("backend.role", "BACKEND_ROLE"); err != nil {
		return err
	}

	return viper.BindEnv("backend.max_requests_per_second", "BACKEND_MAX_REQUESTS_PER_SECOND")
}
