package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/fleetlink/fleetlink/internal/api/http"
)

type Config struct {
	Log   LogConfig
	Http  http.Config
	Store StoreConfig
	Fleet FleetConfig
	Auth  AuthConfig
}

type StoreConfig struct {
	// Driver selects the backend: memory, sqlite, or postgres.
	Driver string `mapstructure:"driver"`
	// URL is the PostgreSQL connection string.
	URL    string `mapstructure:"url"`
	Schema string `mapstructure:"schema"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
}

type FleetConfig struct {
	HeartbeatTimeoutSecs int `mapstructure:"heartbeat_timeout_secs"`
	SweepIntervalSecs    int `mapstructure:"sweep_interval_secs"`
}

type AuthConfig struct {
	JWTSecret        string `mapstructure:"jwt_secret"`
	TokenExpiryHours int    `mapstructure:"token_expiry_hours"`
	AdminUsername    string `mapstructure:"admin_username"`
	// AdminPassword is hashed at startup when AdminPasswordHash is not set.
	AdminPassword     string `mapstructure:"admin_password"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/fleetlink-server")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("FLEETLINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("store.driver", "memory")
	viper.SetDefault("store.path", "fleetlink.db")
	viper.SetDefault("fleet.heartbeat_timeout_secs", 120)
	viper.SetDefault("fleet.sweep_interval_secs", 60)
	viper.SetDefault("auth.token_expiry_hours", 24)
	viper.SetDefault("auth.admin_username", "admin")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
