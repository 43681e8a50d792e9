package server

import (
	"fmt"
	"time"

	"github.com/bt-bridge/streaming-avatar/transcript"
	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr            string          `env:"SERVER_ADDR"             envDefault:":3000"`
	APIKey          string          `env:"AVATAR_API_KEY"`
	VendorURL       string          `env:"AVATAR_BASE_URL"         envDefault:"https://api.heygen.com"`
	TranscriptDir   string          `env:"TRANSCRIPT_DIR"          envDefault:"public/conversations"`
	TranscriptMode  transcript.Mode `env:"TRANSCRIPT_MODE"         envDefault:"append"`
	ReadTimeout     time.Duration   `env:"SERVER_READ_TIMEOUT"     envDefault:"10s"`
	WriteTimeout    time.Duration   `env:"SERVER_WRITE_TIMEOUT"    envDefault:"10s"`
	MaxBodySize     int             `env:"SERVER_MAX_BODY_SIZE"    envDefault:"4194304"`
	ShutdownTimeout time.Duration   `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	switch cfg.TranscriptMode {
	case transcript.ModeAppend, transcript.ModeRotate:
	default:
		return Config{}, fmt.Errorf("unknown transcript mode %q", cfg.TranscriptMode)
	}
	return cfg, nil
}
