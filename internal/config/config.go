// Package config loads configuration from an embedded default file, an
// optional user file and APPFS_ environment variables, in that order.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fruitsalade/appfs/internal/logging"
	"github.com/fruitsalade/appfs/internal/storage"
)

//go:embed config.default.yaml
var defaultConfig []byte

const (
	// PathEnv names the variable holding the optional configuration file.
	PathEnv   = "APPFS_CONFIG"
	envPrefix = "APPFS_"
)

// File system types.
const (
	TypeMemory   = "memory"
	TypeKV       = "kv"
	TypePostgres = "postgres"
	TypeS3       = "s3"
	TypeRemote   = "remote"
	TypeRouter   = "router"
)

var knownTypes = map[string]bool{
	TypeMemory:   true,
	TypeKV:       true,
	TypePostgres: true,
	TypeS3:       true,
	TypeRemote:   true,
	TypeRouter:   true,
}

type Config struct {
	Server      ServerConfig                `koanf:"server"`
	Log         logging.Config              `koanf:"log"`
	Events      EventsConfig                `koanf:"events"`
	Check       CheckConfig                 `koanf:"check"`
	FileSystems map[string]FileSystemConfig `koanf:"file_systems"`

	k *koanf.Koanf
}

type ServerConfig struct {
	ListenAddr      string        `koanf:"listen_addr"`
	JWTSecret       string        `koanf:"jwt_secret"`
	MaxBlobSize     int64         `koanf:"max_blob_size"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// EventsConfig enables the Redis relay when RedisAddr is set.
type EventsConfig struct {
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`
}

type CheckConfig struct {
	Expiration time.Duration `koanf:"expiration"`
	Types      []string      `koanf:"types"`
	Repair     bool          `koanf:"repair"`
}

// FileSystemConfig selects the backend of one file system. Backend specific
// keys live next to type and are read with Config.Decode.
type FileSystemConfig struct {
	Type string `koanf:"type"`
}

// Load reads the configuration. Environment variables map onto keys by
// dropping the prefix, lowercasing and replacing "__" with ".", so
// APPFS_SERVER__LISTEN_ADDR sets server.listen_addr.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	if path := os.Getenv(PathEnv); path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{k: k}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// listKeys are read from the environment as comma separated lists.
var listKeys = map[string]bool{
	"check.types": true,
}

func envValue(key, value string) (string, any) {
	key = envKey(key)
	if key == "" || !listKeys[key] {
		return key, value
	}
	items := []string{}
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return key, items
}

func envKey(s string) string {
	if s == PathEnv {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	}
	return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
}

// Validate checks every file system entry.
func (c *Config) Validate() error {
	for _, name := range c.FileSystemNames() {
		fs := c.FileSystems[name]
		if fs.Type == "" {
			return storage.MissingConfiguration("file_systems."+name+".type", "select the backend of "+name)
		}
		if !knownTypes[fs.Type] {
			return fmt.Errorf("%w: file system %s has unknown type %q", storage.ErrInvalidArgument, name, fs.Type)
		}
		if fs.Type == TypeRemote && c.k.String("file_systems."+name+".url") == "" && c.k.String("remote.url") == "" {
			return storage.MissingConfiguration("file_systems."+name+".url", "reach the remote file system "+name)
		}
	}
	return nil
}

// FileSystemNames returns the configured file system names, sorted.
func (c *Config) FileSystemNames() []string {
	names := make([]string, 0, len(c.FileSystems))
	for name := range c.FileSystems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Decode unmarshals the backend keys of a file system into v. Keys under
// the top-level section of the same name as the type, such as remote, act
// as defaults.
func (c *Config) Decode(name string, v any) error {
	fs, ok := c.FileSystems[name]
	if !ok {
		return fmt.Errorf("%w: file system %q is not configured", storage.ErrNotFound, name)
	}
	if c.k.Exists(fs.Type) {
		if err := c.k.Unmarshal(fs.Type, v); err != nil {
			return fmt.Errorf("decode %s defaults: %w", fs.Type, err)
		}
	}
	if err := c.k.Unmarshal("file_systems."+name, v); err != nil {
		return fmt.Errorf("decode file system %s: %w", name, err)
	}
	return nil
}
