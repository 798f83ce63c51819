// Package config loads runtime configuration from a YAML file layered
// with DRIFTLINE_-prefixed environment variables. Environment values
// override the file; both override defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file consulted when no path is given.
const DefaultPath = "driftline.yaml"

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Storage     StorageConfig     `koanf:"storage"`
	Definitions DefinitionsConfig `koanf:"definitions"`
	Log         LogConfig         `koanf:"log"`
}

type ServerConfig struct {
	Listen string `koanf:"listen"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

type DefinitionsConfig struct {
	Dir string `koanf:"dir"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

// Load reads path (DefaultPath when empty). A missing file is not an
// error unless the caller named it explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// DRIFTLINE_SERVER__LISTEN=:9090 sets server.listen.
	if err := k.Load(env.Provider("DRIFTLINE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "DRIFTLINE_")), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	if !k.Exists("server.listen") {
		k.Set("server.listen", ":8080")
	}
	if !k.Exists("storage.path") {
		k.Set("storage.path", "driftline.db")
	}
	if !k.Exists("definitions.dir") {
		k.Set("definitions.dir", "definitions")
	}
	if !k.Exists("log.level") {
		k.Set("log.level", "info")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
