package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LogConfig
	Agent     AgentConfig
	Transport TransportConfig
	Status    StatusConfig
}

type AgentConfig struct {
	ServerURL string `mapstructure:"server_url"`
	// ID is assigned by the coordinator on first registration and written
	// back to the config file so the agent keeps its identity across restarts.
	ID                    string   `mapstructure:"id"`
	Capabilities          []string `mapstructure:"capabilities"`
	HeartbeatIntervalSecs int      `mapstructure:"heartbeat_interval_secs"`
	MetricsEnabled        bool     `mapstructure:"metrics_enabled"`
}

type TransportConfig struct {
	// Cipher selects the AEAD for encrypted relays: aes-gcm or
	// chacha20-poly1305.
	Cipher string `mapstructure:"cipher"`
	// KeyHex is the 32-byte pre-shared key, hex encoded. KeyPassphrase is
	// the fallback: an arbitrary passphrase stretched to 32 bytes.
	KeyHex        string `mapstructure:"key_hex"`
	KeyPassphrase string `mapstructure:"key_passphrase"`
	// CAFile pins an explicit trust root for TLS relay exits; empty means
	// system roots.
	CAFile string `mapstructure:"ca_file"`
	// RateLimit caps relay throughput in bytes per second, 0 = unlimited.
	RateLimit int `mapstructure:"rate_limit"`
}

type StatusConfig struct {
	Port uint `mapstructure:"port"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/fleetlink-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("FLEETLINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("agent.server_url", "http://127.0.0.1:8080")
	viper.SetDefault("agent.heartbeat_interval_secs", 30)
	viper.SetDefault("agent.metrics_enabled", true)
	viper.SetDefault("status.port", 8091)

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

// saveAgentID writes the coordinator-assigned id back into the yaml config
// file, so restarts re-register under the same identity.
func saveAgentID(agentID string) error {
	configPath := viper.ConfigFileUsed()
	if configPath == "" {
		return fmt.Errorf("no config file in use")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if raw == nil {
		raw = make(map[string]interface{})
	}

	agentSection, ok := raw["agent"].(map[string]interface{})
	if !ok {
		agentSection = make(map[string]interface{})
		raw["agent"] = agentSection
	}
	agentSection["id"] = agentID

	updated, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	comment := "# Agent registered on " + time.Now().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(configPath, []byte(comment+string(updated)), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
