package xinterp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/crossheap/xinterp/internal/lockfile"
)

var (
	errConfigFileNotFound = errors.New("xinterp: config file not found")
	errConfigFileRead     = errors.New("xinterp: cannot read config file")
	errConfigInvalid      = errors.New("xinterp: invalid config file")
)

// ConfigFileName is the project-local config file name, checked in the
// current working directory ahead of the global one.
const ConfigFileName = ".xinterp.json"

// Config holds the module's tunables as loaded, saved and installed by
// LoadConfig, SaveConfig and SetActive. The other packages do not read it:
// shmbuf, board and worker use their own constants (shmbuf.DefaultTTL,
// board.DefaultCapacity, worker.DefaultBufferSize and worker's
// stabilization bound) whatever Config is active.
type Config struct {
	// BufferTTL mirrors shmbuf.DefaultTTL, the TTL a SharedBuffer gets when
	// shmbuf.New is given none.
	BufferTTL time.Duration `json:"buffer_ttl"` //nolint:tagliatelle

	// BoardCapacity is a slot count; board.New falls back to
	// board.DefaultCapacity, not to this field, when a caller passes zero.
	BoardCapacity int `json:"board_capacity"` //nolint:tagliatelle

	// WorkerBufferSize sizes a worker's send/return control budget; see
	// worker.DefaultBufferSize.
	WorkerBufferSize int `json:"worker_buffer_size"` //nolint:tagliatelle

	// WorkerStabilizeQuanta mirrors the number of scheduling quanta
	// Worker.Close waits for an in-flight Run before reporting
	// ErrInterpreterBusy; Close uses its own constant, not this field.
	WorkerStabilizeQuanta int `json:"worker_stabilize_quanta"` //nolint:tagliatelle
}

// DefaultConfig returns the configuration used when no config file is
// present anywhere in the precedence chain.
func DefaultConfig() Config {
	return Config{
		BufferTTL:             time.Hour,
		BoardCapacity:         64,
		WorkerBufferSize:      1 << 20,
		WorkerStabilizeQuanta: 10,
	}
}

// LoadConfig resolves a Config following, in increasing priority:
//
//  1. DefaultConfig
//  2. the global user config (~/.config/xinterp/config.json, or
//     $XDG_CONFIG_HOME/xinterp/config.json if set)
//  3. explicitPath if non-empty, otherwise the project config file
//     (.xinterp.json in workDir), if present
//  4. overrides, applied field-by-field for every non-zero field
//
// Config files are JSONC, parsed via hujson.Standardize before unmarshaling.
func LoadConfig(workDir, explicitPath string, overrides Config) (Config, error) {
	cfg := DefaultConfig()

	globalCfg, globalPath, err := loadGlobalConfig()
	if err != nil {
		return Config{}, err
	}

	if globalPath != "" {
		cfg = mergeConfig(cfg, globalCfg)
	}

	projectCfg, projectPath, err := loadProjectConfig(workDir, explicitPath)
	if err != nil {
		return Config{}, err
	}

	if projectPath != "" {
		cfg = mergeConfig(cfg, projectCfg)
	}

	cfg = mergeConfig(cfg, overrides)

	return cfg, nil
}

func globalConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "xinterp", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "xinterp", "config.json")
}

func loadGlobalConfig() (Config, string, error) {
	path := globalConfigPath()
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, explicitPath string) (Config, string, error) {
	mustExist := explicitPath != ""

	path := explicitPath
	if path == "" {
		path = filepath.Join(workDir, ConfigFileName)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	if mustExist {
		if _, err := os.Stat(path); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, explicitPath)
		}
	}

	cfg, loaded, err := loadConfigFile(path, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: invalid JSONC: %w", errConfigInvalid, path, err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.BufferTTL != 0 {
		base.BufferTTL = overlay.BufferTTL
	}

	if overlay.BoardCapacity != 0 {
		base.BoardCapacity = overlay.BoardCapacity
	}

	if overlay.WorkerBufferSize != 0 {
		base.WorkerBufferSize = overlay.WorkerBufferSize
	}

	if overlay.WorkerStabilizeQuanta != 0 {
		base.WorkerStabilizeQuanta = overlay.WorkerStabilizeQuanta
	}

	return base
}

// configLockTimeout bounds how long SaveConfig waits for another process's
// concurrent rewrite of the same config file to finish.
const configLockTimeout = 2 * time.Second

// SaveConfig writes cfg as indented JSON to path, atomically (temp file +
// rename) via natefinch/atomic so a crash mid-write never leaves a
// truncated config file behind. A sibling "path.lock" flock, held for the
// duration of the write, keeps two processes from racing a rewrite of the
// same config file (the atomic rename alone only protects readers from
// seeing a half-written file, not writers from clobbering each other).
func SaveConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("xinterp: marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("xinterp: create config dir: %w", err)
	}

	lk, err := lockfile.LockWithTimeout(path+".lock", configLockTimeout)
	if err != nil {
		return fmt.Errorf("xinterp: lock config: %w", err)
	}
	defer lk.Close()

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("xinterp: write config: %w", err)
	}

	return nil
}
