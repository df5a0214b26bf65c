package config

import (
	"errors"
	"fmt"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"os"
)

type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger"`
	Backend  BackendConfig  `mapstructure:"backend"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	DB       DBConfig       `mapstructure:"db"`
}

var configFile = "./configs/config.yaml"

func Get() *Config {

	if value, _ := os.LookupEnv("CONFIG_PATH"); value != "" {
		configFile = value
	}

	config, err := loadConfig(configFile)
	if err != nil {
		log.Fatal(err)
	}

	return config
}

func loadConfig(file string) (*Config, error) {

	viper.SetConfigFile(file)
	viper.AutomaticEnv()

	err := bindEnvironmentVariables()
	if err != nil {
		return nil, err
	}

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file, %s", err)
	}

	config := Config{}
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Realtime.setDefaults()

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return &config, nil
}

func bindEnvironmentVariables() error {
	var errs []error

	backend, realtime, db, logger := BackendConfig{}, RealtimeConfig{}, DBConfig{}, LoggerConfig{}

	if err := backend.bindEnvironmentVariables(); err != nil {
		errs = append(errs, fmt.Errorf("BackendConfig: %w", err))
	}

	if err := realtime.bindEnvironmentVariables(); err != nil {
		errs = append(errs, fmt.Errorf("RealtimeConfig: %w", err))
	}

	if err := db.bindEnvironmentVariables(); err != nil {
		errs = append(errs, fmt.Errorf("DBConfig: %w", err))
	}

	if err := logger.bindEnvironmentVariables(); err != nil {
		errs = append(errs, fmt.Errorf("LoggerConfig: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("multiple errors occurred: %w", errors.Join(errs...))
	}

	return nil
}

func (config Config) validate() error {
	var errs []error

	if err := config.Backend.validate(); err != nil {
		errs = append(errs, fmt.Errorf("BackendConfig: %w", err))
	}

	if err := config.Realtime.validate(); err != nil {
		errs = append(errs, fmt.Errorf("RealtimeConfig: %w", err))
	}

	if err := config.DB.validate(); err != nil {
		errs = append(errs, fmt.Errorf("DBConfig: %w", err))
	}

	if err := config.Logger.validate(); err != nil {
		errs = append(errs, fmt.Errorf("LoggerConfig: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("multiple errors occurred: %w", errors.Join(errs...))
	}

	return nil
}
