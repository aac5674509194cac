package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the relay configuration file.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		// BadgeHeader, when set, names a request header that carries the
		// badge address in place of the connection's remote IP.
		BadgeHeader   string        `yaml:"badge_header"`
		IdleWait      time.Duration `yaml:"idle_wait"`
		MaxChunkBytes int           `yaml:"max_chunk_bytes"`
	} `yaml:"server"`
	Audio struct {
		SampleRate int `yaml:"sample_rate"`
		Bits       int `yaml:"bits"`
		Channels   int `yaml:"channels"`
	} `yaml:"audio"`
	AudioSocket struct {
		Listen     string `yaml:"listen"`
		SampleRate int    `yaml:"sample_rate"`
		PlayPeers  bool   `yaml:"play_peers"`
	} `yaml:"audiosocket"`
	Vosk struct {
		ServerURL    string        `yaml:"server_url"`
		ReplyTimeout time.Duration `yaml:"reply_timeout"`
	} `yaml:"vosk"`
	Badges struct {
		Port    int           `yaml:"port"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"badges"`
	Presence struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"presence"`
	Dispatch struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"dispatch"`
	Pairing struct {
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		RedisPrefix   string `yaml:"redis_prefix"`
	} `yaml:"pairing"`
	MQTT struct {
		Broker             string `yaml:"broker"`
		ClientID           string `yaml:"client_id"`
		Username           string `yaml:"username"`
		Password           string `yaml:"password"`
		PresenceTopic      string `yaml:"presence_topic"`
		TranscriptionTopic string `yaml:"transcription_topic"`
	} `yaml:"mqtt"`
	Transcription struct {
		OutputDir       string `yaml:"output_dir"`
		SaveTranscripts bool   `yaml:"save_transcripts"`
	} `yaml:"transcription"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8000
	cfg.Server.IdleWait = time.Second
	cfg.Server.MaxChunkBytes = 1 << 20
	cfg.Audio.SampleRate = 16000
	cfg.Audio.Bits = 16
	cfg.Audio.Channels = 1
	cfg.AudioSocket.SampleRate = 8000
	cfg.AudioSocket.PlayPeers = true
	cfg.Vosk.ServerURL = "ws://localhost:2700"
	cfg.Vosk.ReplyTimeout = 10 * time.Second
	cfg.Badges.Port = 80
	cfg.Badges.Timeout = 5 * time.Second
	cfg.Presence.QueueSize = 256
	cfg.Dispatch.QueueSize = 256
	cfg.Pairing.RedisPrefix = "badge:pair:"
	cfg.MQTT.ClientID = "badge-relay"
	cfg.MQTT.PresenceTopic = "badges/{badge}/presence"
	cfg.MQTT.TranscriptionTopic = "badges/{badge}/transcription"
	cfg.Transcription.OutputDir = "transcripts"
	return cfg
}

// Load reads filename over the defaults, then applies .env and environment
// overrides. A missing file is only an error when required is set.
func Load(filename string, required bool) (*Config, error) {
	cfg := Default()

	if err := loadFile(filename, cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) || required {
			return nil, fmt.Errorf("failed to load config %s: %w", filename, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(filename string, cfg *Config) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Server.Host = getEnv("RELAY_HOST", cfg.Server.Host)
	cfg.Server.BadgeHeader = getEnv("RELAY_BADGE_HEADER", cfg.Server.BadgeHeader)
	cfg.Vosk.ServerURL = getEnv("VOSK_SERVER_URL", cfg.Vosk.ServerURL)
	cfg.Pairing.RedisAddr = getEnv("REDIS_ADDR", cfg.Pairing.RedisAddr)
	cfg.Pairing.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Pairing.RedisPassword)
	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.AudioSocket.Listen = getEnv("AUDIOSOCKET_LISTEN", cfg.AudioSocket.Listen)

	if v := os.Getenv("RELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}

// Validate rejects values the relay cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Badges.Port <= 0 || c.Badges.Port > 65535 {
		return fmt.Errorf("invalid badge port: %d", c.Badges.Port)
	}
	if c.Audio.SampleRate <= 0 || c.AudioSocket.SampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive")
	}
	if c.Audio.Bits <= 0 || c.Audio.Channels <= 0 {
		return fmt.Errorf("audio bits and channels must be positive")
	}
	if c.Server.IdleWait <= 0 {
		return fmt.Errorf("idle wait must be positive")
	}
	if c.Server.MaxChunkBytes < 0 {
		return fmt.Errorf("max chunk bytes cannot be negative")
	}
	if c.Presence.QueueSize <= 0 || c.Dispatch.QueueSize <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}
	if c.Badges.Timeout <= 0 || c.Vosk.ReplyTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// ListenAddr is the HTTP listen address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// BadgeURL returns the root URL of a badge's own HTTP server.
func (c *Config) BadgeURL(badge string) string {
	return "http://" + net.JoinHostPort(badge, strconv.Itoa(c.Badges.Port))
}
