package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

const (
	EnvLinkAddress        = "CHARGEBAY_LINK_ADDRESS"
	EnvMQTTUsername       = "CHARGEBAY_MQTT_USERNAME"
	EnvMQTTPassword       = "CHARGEBAY_MQTT_PASSWORD"
	EnvDiscordToken       = "CHARGEBAY_DISCORD_TOKEN"
	EnvClickHousePassword = "CHARGEBAY_CLICKHOUSE_PASSWORD"
)

// LoadEnv loads a dotenv file into the process environment. A missing file
// is not an error; variables already set are left alone.
func LoadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides secrets and the link address from the environment.
func ApplyEnv(cfg *StationConfig) {
	if v := os.Getenv(EnvLinkAddress); v != "" {
		cfg.Link.Address = v
	}
	if v := os.Getenv(EnvMQTTUsername); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv(EnvDiscordToken); v != "" {
		cfg.Discord.BotToken = v
	}
	if v := os.Getenv(EnvClickHousePassword); v != "" {
		cfg.ClickHouse.Password = v
	}
}
