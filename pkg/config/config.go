// Package config loads YAML configuration files and watches them for changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validator is implemented by configuration types that can check themselves.
type Validator interface {
	Validate() error
}

// Load decodes filename into target, which should already hold the defaults.
// ${VAR} and ${VAR:-fallback} references are expanded from the environment
// before decoding, and keys that target does not declare are rejected.
func Load[T any](filename string, target *T) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read config %s: %w", filename, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expand(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}

	if v, ok := any(target).(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", filename, err)
		}
	}
	return nil
}

// Reload loads filename into a fresh value from defaults. The caller keeps
// its current configuration when an error is returned.
func Reload[T any](filename string, defaults func() *T) (*T, error) {
	next := defaults()
	if err := Load(filename, next); err != nil {
		return nil, err
	}
	return next, nil
}

func expand(s string) string {
	return os.Expand(s, func(key string) string {
		name, fallback, ok := strings.Cut(key, ":-")
		if !ok {
			return os.Getenv(key)
		}
		if v := os.Getenv(name); v != "" {
			return v
		}
		return fallback
	})
}
