// Package config loads assetd settings from defaults, an optional config
// file and ASSETD_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/cbrewster/assetstore/internal/token"
)

const EnvPrefix = "ASSETD"

const (
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

type Config struct {
	Listen        string
	Backend       string
	DataDir       string
	PublicScheme  string
	PublicHost    string
	SweepInterval time.Duration
	// TokenKey is the hex MAC key for continuation tokens. Empty means a
	// random key per process.
	TokenKey     string
	MaxChunkSize int64
	LogLevel     string
	LogFormat    string

	// Server and Principal are used by the client subcommands.
	Server    string
	Principal string
}

// New returns a private viper instance with every default set.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("listen", ":8080")
	v.SetDefault("backend", BackendBolt)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("public.scheme", "http")
	v.SetDefault("public.host", "localhost:8080")
	v.SetDefault("sweep_interval", time.Minute)
	v.SetDefault("token_key", "")
	v.SetDefault("max_chunk_size", 8<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server", "http://localhost:8080")
	v.SetDefault("principal", "")

	// ASSETD_PUBLIC_HOST overrides public.host.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path, if any, and decodes v.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	c := &Config{
		Listen:        v.GetString("listen"),
		Backend:       v.GetString("backend"),
		DataDir:       v.GetString("data_dir"),
		PublicScheme:  v.GetString("public.scheme"),
		PublicHost:    v.GetString("public.host"),
		SweepInterval: v.GetDuration("sweep_interval"),
		TokenKey:      v.GetString("token_key"),
		MaxChunkSize:  v.GetInt64("max_chunk_size"),
		LogLevel:      v.GetString("log.level"),
		LogFormat:     v.GetString("log.format"),
		Server:        v.GetString("server"),
		Principal:     v.GetString("principal"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendBolt:
		if c.DataDir == "" {
			errs = append(errs, errors.New("data_dir is required for the bolt backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.PublicScheme == "" || c.PublicHost == "" {
		errs = append(errs, errors.New("public.scheme and public.host are required"))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("sweep_interval must not be negative, got %s", c.SweepInterval))
	}
	if c.MaxChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("max_chunk_size must be positive, got %d", c.MaxChunkSize))
	}
	if c.TokenKey != "" {
		if _, err := token.ParseKey(c.TokenKey); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// TokenCodec returns the continuation token codec for the configured key.
func (c *Config) TokenCodec() (*token.Codec, error) {
	var (
		key []byte
		err error
	)
	if c.TokenKey == "" {
		key, err = token.RandomKey()
	} else {
		key, err = token.ParseKey(c.TokenKey)
	}
	if err != nil {
		return nil, err
	}
	return token.NewCodec(key)
}

// Logger builds the process logger. A nil w writes to stderr.
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if c.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
