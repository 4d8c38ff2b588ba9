package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix marks environment variables read by LoadWithFile.
	EnvPrefix = "AGENTFLOW_"

	maxFileSize = 1 << 20
	appDir      = "agentflow"
	systemDir   = "/etc/agentflow"
)

// LoadWithFile builds a Config from defaults, the YAML file at path and
// AGENTFLOW_* environment variables, later sources winning. An empty path
// means ~/.config/agentflow/config.yaml. A missing file is not an error.
//
// The file must sit under ~/.config/agentflow/ or /etc/agentflow/, have mode
// 0600 or 0400 and be at most 1MB.
//
// Environment variables drop the prefix and split on the first underscore:
//
//	AGENTFLOW_SERVER_HTTP_PORT          -> server.http_port
//	AGENTFLOW_SCHEDULER_MAX_QUEUE_DEPTH -> scheduler.max_queue_depth
//	AGENTFLOW_NATS_TOKEN                -> nats.token
func LoadWithFile(path string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	if path == "" {
		path = filepath.Join(userDir(home), "config.yaml")
	}
	if err := checkLocation(path, home); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	k := koanf.New(".")

	content, err := readFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	if rest, ok := strings.CutPrefix(cfg.History.Path, "~/"); ok {
		cfg.History.Path = filepath.Join(home, rest)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func userDir(home string) string {
	return filepath.Join(home, ".config", appDir)
}

// envKey maps AGENTFLOW_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if section, field, ok := strings.Cut(key, "_"); ok {
		return section + "." + field
	}
	return key
}

// checkLocation rejects paths, symlinks resolved, outside the user and
// system config directories. The file itself need not exist.
func checkLocation(path, home string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}

	for _, dir := range []string{userDir(home), systemDir} {
		if strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return errors.New("config file must be in ~/.config/agentflow/ or /etc/agentflow/")
}

// readFile checks mode and size on the open descriptor before reading.
func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if perm := info.Mode().Perm(); runtime.GOOS != "windows" && perm != 0o600 && perm != 0o400 {
		return nil, fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxFileSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}
