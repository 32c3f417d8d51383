// Package config provides configuration management for the Yuyu client
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	User    UserConfig    `mapstructure:"user"`
	Audio   AudioConfig   `mapstructure:"audio"`
	TTS     TTSConfig     `mapstructure:"tts"`
	ASR     ASRConfig     `mapstructure:"asr"`
	LipSync LipSyncConfig `mapstructure:"lipsync"`
	Session SessionConfig `mapstructure:"session"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig configures the backend connection
type ServerConfig struct {
	WebSocketURL      string        `mapstructure:"websocket_url"`
	HTTPBaseURL       string        `mapstructure:"http_base_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// UserConfig identifies the user
type UserConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// AudioConfig configures microphone capture
type AudioConfig struct {
	SampleRate int    `mapstructure:"sample_rate"`
	BlockSize  int    `mapstructure:"block_size"`
	Channels   int    `mapstructure:"channels"`
	DumpDir    string `mapstructure:"dump_dir"` // when set, capture sessions are saved as WAV
}

// TTSConfig configures synthesized speech
type TTSConfig struct {
	Voice string  `mapstructure:"voice"`
	Speed float64 `mapstructure:"speed"`
}

// ASRConfig configures speech recognition
type ASRConfig struct {
	Provider string `mapstructure:"provider"` // xfyun, qiniu
}

// LipSyncConfig configures the mouth animation driver
type LipSyncConfig struct {
	Gain      float64 `mapstructure:"gain"`      // louder -> wider mouth
	Smoothing float64 `mapstructure:"smoothing"` // higher -> steadier
}

// SessionConfig configures local session persistence
type SessionConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			WebSocketURL:      "ws://localhost:8080/ws",
			HTTPBaseURL:       "http://localhost:8080",
			HeartbeatInterval: 30 * time.Second,
			ReconnectDelay:    5 * time.Second,
			MaxReconnects:     10,
			RequestTimeout:    30 * time.Second,
		},
		User: UserConfig{},
		Audio: AudioConfig{
			SampleRate: 16000,
			BlockSize:  1024,
			Channels:   1,
		},
		TTS: TTSConfig{
			Voice: "zh_female_meilinvyou_emo_v2_mars_bigtts",
			Speed: 1.2,
		},
		ASR: ASRConfig{
			Provider: "xfyun",
		},
		LipSync: LipSyncConfig{
			Gain:      1.8,
			Smoothing: 0.35,
		},
		Session: SessionConfig{
			DBPath: filepath.Join(home, ".yuyu", "session.db"),
		},
		Logging: LoggingConfig{
			Level:   "debug",
			Console: true,
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := Dir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("YUYU")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	configDir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("server", cfg.Server)
	viper.Set("user", cfg.User)
	viper.Set("audio", cfg.Audio)
	viper.Set("tts", cfg.TTS)
	viper.Set("asr", cfg.ASR)
	viper.Set("lipsync", cfg.LipSync)
	viper.Set("session", cfg.Session)
	viper.Set("logging", cfg.Logging)

	return viper.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".yuyu"), nil
}
