// Package config loads ambient client configuration from the environment
// (or a .env file), the same way every command in this module's cmd/ tree
// bootstraps its settings.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/nostr-dev-kit/ndk-go/ndk"
	"github.com/nostr-dev-kit/ndk-go/publish"
)

// ClientConfig is the environment-driven settings surface for ndk-demo and
// any other binary embedding this module. Fields map directly onto
// ndk.Config / publish.Config; LoadConfig returns a populated struct for
// ToNDKConfig to translate.
type ClientConfig struct {
	Relays            []string      `env:"NDK_RELAYS" envSeparator:";"`
	NostrPrivateKey   string        `env:"NDK_PRIVATE_KEY"`
	LogLevel          string        `env:"NDK_LOG_LEVEL" envDefault:"info"`
	MinSuccessRelays  int           `env:"NDK_MIN_SUCCESS_RELAYS" envDefault:"1"`
	MaxPoWDifficulty  int           `env:"NDK_MAX_POW_DIFFICULTY" envDefault:"0"`
	ConnectTimeout    time.Duration `env:"NDK_CONNECT_TIMEOUT" envDefault:"15s"`
	GroupingDelay     time.Duration `env:"NDK_GROUPING_DELAY" envDefault:"100ms"`
	DedupWindow       time.Duration `env:"NDK_DEDUP_WINDOW" envDefault:"5m"`
	EoseTimeoutRatio  float64       `env:"NDK_EOSE_TIMEOUT_RATIO" envDefault:"0.5"`
	Blacklist         []string      `env:"NDK_RELAY_BLACKLIST" envSeparator:";"`
}

// LoadConfig loads and marshals Configuration from a .env file in the user's
// home directory; if none is found there, it falls back to one in the
// current directory, and finally to the bare process environment.
func LoadConfig[T any]() (*T, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		slog.Error("error loading home directory", "err", err)
	}
	if _, err := os.Stat(homeDir + "/.env"); err == nil {
		return loadFromEnv[T](homeDir + "/.env")
	} else if _, err := os.Stat(".env"); err == nil {
		return loadFromEnv[T]("")
	}
	return loadFromEnv[T]("")
}

// loadFromEnv loads the configuration from the specified .env file path.
// If the path is empty, it loads .env from the current directory when one
// exists; either way the process environment is parsed afterwards.
func loadFromEnv[T any](path string) (*T, error) {
	var err error
	if path != "" {
		err = godotenv.Load(path)
	} else {
		err = godotenv.Load()
	}
	if err != nil {
		cfg, err := env.ParseAs[T]()
		if err != nil {
			fmt.Printf("%+v\n", err)
		}
		return &cfg, nil
	}

	cfg, err := env.ParseAs[T]()
	if err != nil {
		fmt.Printf("%+v\n", err)
	}
	return &cfg, nil
}

// ToNDKConfig translates the environment-sourced settings into an ndk.Config,
// starting from ndk.DefaultConfig so any field the environment left zero
// keeps its library default rather than silently becoming zero-value.
func (c ClientConfig) ToNDKConfig() ndk.Config {
	cfg := ndk.DefaultConfig()
	if c.ConnectTimeout > 0 {
		cfg.ConnectTimeout = c.ConnectTimeout
	}
	if c.GroupingDelay > 0 {
		cfg.GroupingDelay = c.GroupingDelay
	}
	if c.DedupWindow > 0 {
		cfg.DedupWindow = c.DedupWindow
	}
	if c.EoseTimeoutRatio > 0 {
		cfg.EoseTimeoutRatio = c.EoseTimeoutRatio
	}
	cfg.Blacklist = c.Blacklist

	pub := publish.DefaultConfig()
	if c.MinSuccessRelays > 0 {
		pub.MinSuccessfulRelays = c.MinSuccessRelays
	}
	pub.MaxPoWDifficulty = c.MaxPoWDifficulty
	cfg.Publish = pub

	return cfg
}
