// Package config reads the scheduler and worker configuration. Settings come
// from built-in defaults, then an optional JSON or TOML file chosen by its
// extension, then HPCSCHED_* environment variables.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g.
// HPCSCHED_SCHEDULER_TICKRATE=100ms.
const EnvPrefix = "HPCSCHED"

// Duration is a time.Duration written as a string like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Size is a byte count written like "16MiB" or a plain number.
type Size int64

func (s *Size) UnmarshalText(text []byte) error {
	v, err := units.RAMInBytes(string(text))
	if err != nil {
		return err
	}
	*s = Size(v)
	return nil
}

func (s Size) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(s))), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// load fills v from path, if set, then from the environment.
func load(path string, v interface{}) error {
	if path != "" {
		if err := loadFile(path, v); err != nil {
			return err
		}
	}
	if err := envconfig.Process(EnvPrefix, v); err != nil {
		return errors.Wrap(err, "reading environment overrides")
	}
	return nil
}

func loadFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), v); err != nil {
			return errors.Wrapf(err, "parsing TOML config %s", path)
		}
	case ".json", "":
		if err := json.Unmarshal(data, v); err != nil {
			return errors.Wrapf(err, "parsing JSON config %s", path)
		}
	default:
		return errors.Errorf("config %s: unknown format %q, want .json or .toml", path, filepath.Ext(path))
	}
	return nil
}
