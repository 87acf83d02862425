package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

type AppConfig struct {
	WSURL  string `yaml:"ws_url"`
	APIURL string `yaml:"api_url"`

	UserID      int64  `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
	Token       string `yaml:"token"`
	ServerID    string `yaml:"server_id"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	InviteTimeout    time.Duration `yaml:"invite_timeout"`
	WorldSize        float64       `yaml:"world_size"`
	MoveRateHz       float64       `yaml:"move_rate_hz"`
	ChatHistoryPeers int           `yaml:"chat_history_peers"`

	// Energy thresholds for sending invites; zero disables the check.
	BattleMinEnergy int `yaml:"battle_min_energy"`
	ChatMinEnergy   int `yaml:"chat_min_energy"`

	MetricsAddr string `yaml:"metrics_addr"`
	MsgcatDir   string `yaml:"msgcat_dir"`
}

// Defaults mirror the lobby server's reference behaviour.
func Defaults() *AppConfig {
	return &AppConfig{
		ServerID:         "A",
		InviteTimeout:    5 * time.Second,
		WorldSize:        200,
		ChatHistoryPeers: 32,
		BattleMinEnergy:  70,
		ChatMinEnergy:    31,
	}
}

// Load reads LOBBY_CONFIG_FILE (optional YAML) and then environment overrides.
func Load() (*AppConfig, error) {
	cfg := Defaults()

	if path := strings.TrimSpace(os.Getenv("LOBBY_CONFIG_FILE")); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *AppConfig) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (cfg *AppConfig) applyEnv() error {
	setString(&cfg.WSURL, "LOBBY_WS_URL")
	setString(&cfg.APIURL, "LOBBY_API_URL")
	setString(&cfg.DisplayName, "LOBBY_DISPLAY_NAME")
	setString(&cfg.Token, "LOBBY_TOKEN")
	setString(&cfg.ServerID, "LOBBY_SERVER_ID")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.MetricsAddr, "METRICS_ADDR")
	setString(&cfg.MsgcatDir, "MSGCAT_DIR")

	if v := strings.TrimSpace(os.Getenv("LOBBY_USER_ID")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("LOBBY_USER_ID: %w", err)
		}
		cfg.UserID = n
	}
	if v := strings.TrimSpace(os.Getenv("INVITE_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.InviteTimeout = d
		} else if n, err := strconv.Atoi(v); err == nil && n > 0 { // bare seconds
			cfg.InviteTimeout = time.Duration(n) * time.Second
		}
	}
	if v := strings.TrimSpace(os.Getenv("WORLD_SIZE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.WorldSize = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("MOVE_RATE_HZ")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.MoveRateHz = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_HISTORY_PEERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ChatHistoryPeers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("BATTLE_MIN_ENERGY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.BattleMinEnergy = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_MIN_ENERGY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.ChatMinEnergy = n
		}
	}
	return nil
}

func (cfg *AppConfig) Validate() error {
	if cfg.WSURL == "" {
		return errors.New("LOBBY_WS_URL is required")
	}
	if cfg.UserID <= 0 {
		return errors.New("LOBBY_USER_ID is required")
	}
	if cfg.DisplayName == "" {
		cfg.DisplayName = fmt.Sprintf("Player%d", cfg.UserID)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
