package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the profile configuration file inside a profile directory.
const FileName = "config.toml"

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration in Go notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// AppServerConfig locates and tunes the app-server subprocess.
type AppServerConfig struct {
	BinaryPath       string   `toml:"binaryPath"`
	BinaryName       string   `toml:"binaryName"`
	Args             []string `toml:"args"`
	SearchDirs       []string `toml:"searchDirs"`
	WorkDir          string   `toml:"workDir"`
	CallTimeout      Duration `toml:"callTimeout"`
	HandshakeTimeout Duration `toml:"handshakeTimeout"`
	GracePeriod      Duration `toml:"gracePeriod"`
	MaxLineBytes     int      `toml:"maxLineBytes"`
}

// ClientConfig is the identity sent with initialize.
type ClientConfig struct {
	Name    string `toml:"name"`
	Title   string `toml:"title"`
	Version string `toml:"version"`
}

// RestartConfig throttles app-server restarts.
type RestartConfig struct {
	Interval Duration `toml:"interval"`
	Burst    int      `toml:"burst"`
}

// IPCConfig defines the UI-facing socket.
type IPCConfig struct {
	SocketPath string `toml:"socketPath"`
}

// StorageConfig defines SQLite tuning options.
type StorageConfig struct {
	DBPath      string `toml:"dbPath"`
	JournalMode string `toml:"journalMode"`
	Synchronous string `toml:"synchronous"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
}

// ProfileConfig aggregates service configuration for a profile.
type ProfileConfig struct {
	ProfileName string          `toml:"profileName"`
	AppServer   AppServerConfig `toml:"appServer"`
	Client      ClientConfig    `toml:"client"`
	Restart     RestartConfig   `toml:"restart"`
	Storage     StorageConfig   `toml:"storage"`
	IPC         IPCConfig       `toml:"ipc"`
	Logging     LoggingConfig   `toml:"logging"`
}

// DefaultProfile returns a complete configuration for a new profile.
func DefaultProfile(name string) *ProfileConfig {
	cfg := &ProfileConfig{
		ProfileName: name,
		Storage:     StorageConfig{DBPath: "state.db", JournalMode: "WAL", Synchronous: "NORMAL"},
		IPC:         IPCConfig{SocketPath: "ipc.sock"},
		Logging:     LoggingConfig{Level: "info", FilePath: "logs/codexd.log", FileMaxSize: 10},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads config.toml from the provided path.
func Load(path string) (*ProfileConfig, error) {
	var cfg ProfileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProfile reads the configuration stored in a profile directory.
func LoadProfile(dir string) (*ProfileConfig, error) {
	return Load(filepath.Join(dir, FileName))
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg *ProfileConfig) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// ResolvePath anchors a relative path at the profile directory.
func ResolvePath(profileDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(profileDir, p)
}

func (cfg *ProfileConfig) validate() error {
	if cfg.ProfileName == "" {
		return fmt.Errorf("profileName required")
	}
	if cfg.Storage.DBPath == "" {
		return fmt.Errorf("storage.dbPath required")
	}
	if cfg.IPC.SocketPath == "" {
		return fmt.Errorf("ipc.socketPath required")
	}
	if cfg.AppServer.MaxLineBytes < 0 {
		return fmt.Errorf("appServer.maxLineBytes must not be negative")
	}
	if cfg.Restart.Burst < 0 {
		return fmt.Errorf("restart.burst must not be negative")
	}
	cfg.applyDefaults()
	return nil
}

func (cfg *ProfileConfig) applyDefaults() {
	as := &cfg.AppServer
	if as.BinaryName == "" {
		as.BinaryName = "codex"
	}
	if as.Args == nil {
		as.Args = []string{"app-server"}
	}
	if as.CallTimeout.Duration <= 0 {
		as.CallTimeout.Duration = 30 * time.Second
	}
	if as.HandshakeTimeout.Duration <= 0 {
		as.HandshakeTimeout.Duration = 30 * time.Second
	}
	if as.GracePeriod.Duration <= 0 {
		as.GracePeriod.Duration = 2 * time.Second
	}
	if cfg.Client.Name == "" {
		cfg.Client.Name = "codexbridge"
	}
	if cfg.Client.Title == "" {
		cfg.Client.Title = "Codex Bridge"
	}
	if cfg.Client.Version == "" {
		cfg.Client.Version = "0.1.0"
	}
	if cfg.Restart.Interval.Duration <= 0 {
		cfg.Restart.Interval.Duration = 5 * time.Second
	}
	if cfg.Restart.Burst == 0 {
		cfg.Restart.Burst = 3
	}
}
