package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"netmaster/agent/netconf"
	"netmaster/agent/upgrade"
)

// Settings is the on-disk agent configuration.
type Settings struct {
	Device    DeviceSettings   `toml:"device"`
	Server    ServerSettings   `toml:"server"`
	Fragments FragmentSettings `toml:"fragments"`
	History   HistorySettings  `toml:"history"`
	Log       LogSettings      `toml:"log"`
}

// DeviceSettings identifies the managed device and how to authenticate.
type DeviceSettings struct {
	Addr     string `toml:"addr"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// UseAgent enables SSH agent keys in addition to any password.
	UseAgent bool `toml:"use_agent"`
}

// ServerSettings configures the upgrade file server.
type ServerSettings struct {
	Iface   string `toml:"iface"`
	Port    int    `toml:"port"`
	Root    string `toml:"root"`
	Package string `toml:"package"`
	Enabled bool   `toml:"enabled"`
}

// FragmentSettings locates the RPC fragment directory.
type FragmentSettings struct {
	Dir string `toml:"dir"`
}

// HistorySettings configures the local history database. An empty path keeps
// history in memory only.
type HistorySettings struct {
	Path string `toml:"path"`
}

// LogSettings configures log output.
type LogSettings struct {
	File  string `toml:"file"`
	Debug bool   `toml:"debug"`
}

// DefaultSettings returns the agent configuration with sensible defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Device: DeviceSettings{
			Port:     netconf.DefaultPort,
			Username: "admin",
			UseAgent: true,
		},
		Server: ServerSettings{
			Port: upgrade.DefaultPort,
		},
	}
}

// configSearchPaths lists where LoadSettings looks when no explicit path is
// given, in order.
func configSearchPaths() []string {
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "netmaster", "netmaster.toml"))
	}
	paths = append(paths, "/etc/netmaster/netmaster.toml")
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "netmaster.toml"))
	}
	return paths
}

// LoadSettings loads configuration from a TOML file with environment variable
// overrides. An explicit path must exist; with an empty path the platform
// search locations are tried and defaults are used if none exists.
func LoadSettings(path string) (*Settings, error) {
	cfg := DefaultSettings()

	if path == "" {
		for _, p := range configSearchPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		Debug("config loaded", "path", path)
	}

	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Settings) {
	if val := os.Getenv("NETMASTER_DEVICE_ADDR"); val != "" {
		cfg.Device.Addr = val
	}
	if val := os.Getenv("NETMASTER_DEVICE_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.Device.Port = port
		}
	}
	if val := os.Getenv("NETMASTER_USERNAME"); val != "" {
		cfg.Device.Username = val
	}
	if val := os.Getenv("NETMASTER_PASSWORD"); val != "" {
		cfg.Device.Password = val
	}
	if val := os.Getenv("NETMASTER_FRAGMENT_DIR"); val != "" {
		cfg.Fragments.Dir = val
	}
	if val := os.Getenv("NETMASTER_HISTORY_PATH"); val != "" {
		cfg.History.Path = val
	}
	if val := os.Getenv("NETMASTER_DEBUG"); val != "" {
		lower := strings.ToLower(val)
		cfg.Log.Debug = lower == "1" || lower == "true" || lower == "yes"
	}
}

func (s *Settings) validate() error {
	if s.Device.Port < 0 || s.Device.Port > 65535 {
		return fmt.Errorf("device port %d out of range", s.Device.Port)
	}
	if s.Server.Port < 0 || s.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", s.Server.Port)
	}
	return nil
}

// WriteDefaultSettings writes a default configuration file at path. It
// refuses to overwrite an existing file.
func WriteDefaultSettings(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(DefaultSettings())
}

// Endpoint converts the device section into a connection target.
func (s *Settings) Endpoint() netconf.Endpoint {
	return netconf.Endpoint{
		Host:     s.Device.Addr,
		Port:     s.Device.Port,
		Username: s.Device.Username,
		Password: s.Device.Password,
		UseAgent: s.Device.UseAgent,
	}
}

// ServerSpec converts the server section into a file server spec.
func (s *Settings) ServerSpec() upgrade.Spec {
	return upgrade.Spec{
		BindAddr: s.Server.Iface,
		Port:     s.Server.Port,
		Root:     s.Server.Root,
		File:     s.Server.Package,
	}
}
