package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ConfigBackend abstracts persistent config storage.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

// fileBackend stores flat dotted keys in a JSON object.
type fileBackend struct {
	path string
}

func newFileBackend() *fileBackend {
	return &fileBackend{path: filepath.Join(configDir(), "config.json")}
}

// Path returns the location of the user config file.
func Path() string {
	return newFileBackend().path
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "vsr")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "vsr")
	}
	return filepath.Join(home, ".config", "vsr")
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "vsr")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".local", "share", "vsr")
	}
	return filepath.Join(home, ".local", "share", "vsr")
}

func (f *fileBackend) load() (map[string]any, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.path, err)
	}
	return m, nil
}

func (f *fileBackend) save(m map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

func (f *fileBackend) GetString(key string) (string, bool, error) {
	m, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := m[key]
	if !ok {
		return "", false, nil
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true, nil
	case bool:
		return strconv.FormatBool(t), true, nil
	default:
		return "", false, fmt.Errorf("config key %s has unsupported type %T", key, v)
	}
}

func (f *fileBackend) GetInt(key string) (int, bool, error) {
	m, err := f.load()
	if err != nil {
		return 0, false, err
	}
	v, ok := m[key]
	if !ok {
		return 0, false, nil
	}
	switch t := v.(type) {
	case float64:
		return int(t), true, nil
	case string:
		i, err := strconv.Atoi(t)
		if err != nil {
			return 0, false, fmt.Errorf("config key %s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, false, fmt.Errorf("config key %s has unsupported type %T", key, v)
	}
}

func (f *fileBackend) SetString(key, val string) error {
	m, err := f.load()
	if err != nil {
		return err
	}
	m[key] = val
	return f.save(m)
}

func (f *fileBackend) SetInt(key string, val int) error {
	m, err := f.load()
	if err != nil {
		return err
	}
	m[key] = val
	return f.save(m)
}

func (f *fileBackend) Delete(key string) error {
	m, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := m[key]; !ok {
		return nil
	}
	delete(m, key)
	return f.save(m)
}
