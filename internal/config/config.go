// Package config is the viper-backed configuration surface. Precedence is
// explicit flags, then NEOTOMA_* environment variables, then config.yaml in
// the data directory, then defaults. The core never reads configuration
// itself; transports load Settings and inject values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix namespaces environment overrides, e.g. NEOTOMA_DATA_DIR.
	EnvPrefix = "NEOTOMA"
	// ConfigFileName is looked up inside the data directory.
	ConfigFileName = "config.yaml"

	DefaultListen    = "127.0.0.1:7654"
	DefaultOpTimeout = 30 * time.Second
)

var v *viper.Viper

// Initialize builds the viper instance: defaults, NEOTOMA_* env bindings and,
// when present, config.yaml from the data directory. Safe to call again; the
// instance is rebuilt.
func Initialize() error {
	nv := viper.New()

	nv.SetDefault("data-dir", "")
	nv.SetDefault("db", "")
	nv.SetDefault("blob-dir", "")
	nv.SetDefault("seeds-dir", "")
	nv.SetDefault("user", "default")
	nv.SetDefault("listen", DefaultListen)
	nv.SetDefault("op-timeout", DefaultOpTimeout)
	nv.SetDefault("request-timeout", 60*time.Second)
	nv.SetDefault("cache.redis-url", "")
	nv.SetDefault("cache.memory-size", 4096)
	nv.SetDefault("quotas.interpretations", 10000)
	nv.SetDefault("log.level", "info")
	nv.SetDefault("log.file", "")
	nv.SetDefault("log.max-size-mb", 100)
	nv.SetDefault("log.max-backups", 3)
	nv.SetDefault("log.max-age-days", 28)

	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	path := filepath.Join(dataDir(nv), ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		nv.SetConfigFile(path)
		if err := nv.ReadInConfig(); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}

	v = nv
	return nil
}

// dataDir resolves the data directory: configured value, else ~/.neotoma,
// else ./.neotoma when the home directory is unknown.
func dataDir(nv *viper.Viper) string {
	if dir := nv.GetString("data-dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".neotoma"
	}
	return filepath.Join(home, ".neotoma")
}

func ensure() *viper.Viper {
	if v == nil {
		_ = Initialize()
	}
	return v
}

// GetString returns a string config value.
func GetString(key string) string { return ensure().GetString(key) }

// GetBool returns a boolean config value.
func GetBool(key string) bool { return ensure().GetBool(key) }

// GetInt returns an integer config value.
func GetInt(key string) int { return ensure().GetInt(key) }

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration { return ensure().GetDuration(key) }

// Set overrides a config value for the process, typically from a flag.
func Set(key string, value any) { ensure().Set(key, value) }

// LogSettings configures logging output and rotation.
type LogSettings struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Settings is the typed snapshot transports consume. Paths are resolved
// against the data directory when not set explicitly.
type Settings struct {
	DataDir  string
	DBPath   string
	BlobDir  string
	SeedsDir string
	User     string
	Listen   string

	OpTimeout      time.Duration
	RequestTimeout time.Duration

	RedisURL        string
	MemoryCacheSize int
	InterpretQuota  int

	Log LogSettings
}

// Load initializes the configuration and returns the resolved snapshot.
func Load() (*Settings, error) {
	if err := Initialize(); err != nil {
		return nil, err
	}
	return Snapshot(), nil
}

// Snapshot resolves the current configuration into a Settings value.
func Snapshot() *Settings {
	nv := ensure()
	dir := dataDir(nv)
	s := &Settings{
		DataDir:         dir,
		DBPath:          nv.GetString("db"),
		BlobDir:         nv.GetString("blob-dir"),
		SeedsDir:        nv.GetString("seeds-dir"),
		User:            nv.GetString("user"),
		Listen:          nv.GetString("listen"),
		OpTimeout:       nv.GetDuration("op-timeout"),
		RequestTimeout:  nv.GetDuration("request-timeout"),
		RedisURL:        nv.GetString("cache.redis-url"),
		MemoryCacheSize: nv.GetInt("cache.memory-size"),
		InterpretQuota:  nv.GetInt("quotas.interpretations"),
		Log: LogSettings{
			Level:      nv.GetString("log.level"),
			File:       nv.GetString("log.file"),
			MaxSizeMB:  nv.GetInt("log.max-size-mb"),
			MaxBackups: nv.GetInt("log.max-backups"),
			MaxAgeDays: nv.GetInt("log.max-age-days"),
		},
	}
	if s.DBPath == "" {
		s.DBPath = filepath.Join(dir, "neotoma.db")
	}
	if s.BlobDir == "" {
		s.BlobDir = filepath.Join(dir, "blobs")
	}
	if s.SeedsDir == "" {
		s.SeedsDir = filepath.Join(dir, "seeds")
	}
	return s
}
