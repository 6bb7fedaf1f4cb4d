package config

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "msnslp"
	// DataDirEnv overrides the data directory when set.
	DataDirEnv = "MSNSLP_DATA_DIR"
	// DefaultDirectPort is the direct-connection port used in fixed mode when none is set.
	DefaultDirectPort = 6891
	// DefaultSwitchboardAddress is where the relay is expected by default.
	DefaultSwitchboardAddress = "127.0.0.1:1863"
	// DefaultMaxBufferedMessage caps non-streamed inbound messages.
	DefaultMaxBufferedMessage = 8 << 20
	// DefaultPartsPerTurn bounds outbound parts per link per event-loop turn.
	DefaultPartsPerTurn = 16
	// DefaultDirectConnectTimeoutSeconds bounds direct connection attempts.
	DefaultDirectConnectTimeoutSeconds = 15
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// AccountConfig contains persistent local settings.
type AccountConfig struct {
	InstanceID                  string `json:"instance_id"`
	Passport                    string `json:"passport"`
	DisplayName                 string `json:"display_name"`
	DirectPortMode              string `json:"direct_port_mode"`
	DirectListenPort            int    `json:"direct_listen_port"`
	DirectConnectTimeoutSeconds int    `json:"direct_connect_timeout_seconds"`
	SwitchboardAddress          string `json:"switchboard_address"`
	MaxBufferedMessage          uint64 `json:"max_buffered_message"`
	PartsPerTurn                int    `json:"parts_per_turn"`
	FilesDir                    string `json:"files_dir"`
	LogLevel                    string `json:"log_level"`
	AdvertiseMDNS               bool   `json:"advertise_mdns"`
	AutoAcceptFiles             bool   `json:"auto_accept_files"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MSNSLP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve user home")
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return errors.Wrapf(err, "create directory %q", dir)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*AccountConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	var cfg AccountConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *AccountConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errors.Wrap(err, "write config")
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*AccountConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}

		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *AccountConfig {
	cfg := &AccountConfig{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "MSNSLP Device"
}

func defaultPassport(cfg *AccountConfig) string {
	id := strings.ReplaceAll(cfg.InstanceID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	name := strings.ToLower(strings.Join(strings.Fields(cfg.DisplayName), ""))
	if name == "" {
		name = "user"
	}
	return name + "@" + id + ".local"
}

func normalizeDefaults(cfg *AccountConfig, dataDir string) bool {
	updated := false
	set := func(cond bool, apply func()) {
		if cond {
			apply()
			updated = true
		}
	}

	set(cfg.InstanceID == "", func() { cfg.InstanceID = uuid.NewString() })
	set(cfg.DisplayName == "", func() { cfg.DisplayName = defaultDisplayName() })
	set(cfg.Passport == "", func() { cfg.Passport = defaultPassport(cfg) })

	mode := normalizePortMode(cfg.DirectPortMode)
	if mode == "" {
		if cfg.DirectListenPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	set(cfg.DirectPortMode != mode, func() { cfg.DirectPortMode = mode })
	set(cfg.DirectPortMode == PortModeFixed && cfg.DirectListenPort == 0, func() { cfg.DirectListenPort = DefaultDirectPort })
	set(cfg.DirectPortMode == PortModeAutomatic && cfg.DirectListenPort < 0, func() { cfg.DirectListenPort = 0 })

	set(cfg.DirectConnectTimeoutSeconds <= 0, func() { cfg.DirectConnectTimeoutSeconds = DefaultDirectConnectTimeoutSeconds })
	set(cfg.SwitchboardAddress == "", func() { cfg.SwitchboardAddress = DefaultSwitchboardAddress })
	set(cfg.MaxBufferedMessage == 0, func() { cfg.MaxBufferedMessage = DefaultMaxBufferedMessage })
	set(cfg.PartsPerTurn <= 0, func() { cfg.PartsPerTurn = DefaultPartsPerTurn })
	set(cfg.FilesDir == "", func() { cfg.FilesDir = filepath.Join(dataDir, "files") })

	level := normalizeLogLevel(cfg.LogLevel)
	set(cfg.LogLevel != level, func() { cfg.LogLevel = level })

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return strings.ToLower(level)
	default:
		return "info"
	}
}
