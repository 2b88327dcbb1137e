// Package config loads the handful of settings the core needs to exist:
// the remote server endpoint, the on-disk data directory, and the device
// identity sent on every authenticated request. Per the spec's Non-goals,
// configuration parsing beyond naming the server endpoint is out of scope;
// this package deliberately does not grow into a general settings system.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Transcoding mirrors the profile the Remote Adapter negotiates for audio
// streaming (§4.2): when disabled the "universal" endpoint is used directly.
type Transcoding struct {
	Enabled   bool   `koanf:"enabled"`
	Bitrate   int    `koanf:"bitrate"`
	Container string `koanf:"container"`
}

// Thresholds overrides the deferred-delete consecutive-absence counts
// (§3 Lifecycles, §8 B2). Zero values fall back to the spec defaults.
type Thresholds struct {
	Artist   int `koanf:"artist"`
	Album    int `koanf:"album"`
	Playlist int `koanf:"playlist"`
}

// Config is the full set of values the core needs at startup.
type Config struct {
	ServerURL   string      `koanf:"server_url"`
	Username    string      `koanf:"username"`
	Password    string      `koanf:"password"`
	DeviceID    string      `koanf:"device_id"`
	DeviceName  string      `koanf:"device_name"`
	DataDir     string      `koanf:"data_dir"`
	LogLevel    string      `koanf:"log_level"`
	Transcode   Transcoding `koanf:"transcode"`
	Thresholds  Thresholds  `koanf:"thresholds"`
}

const (
	DefaultArtistThreshold   = 4
	DefaultAlbumThreshold    = 3
	DefaultPlaylistThreshold = 3
)

func defaults() *koanf.Koanf {
	k := koanf.New(".")
	_ = k.Load(staticDefaults(), nil)
	return k
}

// Load layers defaults < optional file at path < .env (if present) <
// environment variables prefixed JELLYTUI_, matching the
// defaults-then-file-then-env priority the pack's koanf users follow
// (cartographus, suasor), and applies the spec's own constants where a
// layer leaves a field unset.
func Load(path string) (*Config, error) {
	k := defaults()

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// .env discovery is best-effort; absence is not an error.
	_ = godotenv.Load()

	if err := k.Load(env.Provider("JELLYTUI_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "JELLYTUI_")), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Thresholds.Artist == 0 {
		cfg.Thresholds.Artist = DefaultArtistThreshold
	}
	if cfg.Thresholds.Album == 0 {
		cfg.Thresholds.Album = DefaultAlbumThreshold
	}
	if cfg.Thresholds.Playlist == 0 {
		cfg.Thresholds.Playlist = DefaultPlaylistThreshold
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.DataDir = filepath.Join(home, ".local", "share", "jellyfin-tui")
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "jellytui-core"
	}
	if cfg.DeviceID == "" {
		id, err := loadOrCreateDeviceID(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("device id: %w", err)
		}
		cfg.DeviceID = id
	}
	return cfg, nil
}

// loadOrCreateDeviceID persists a stable per-install device id, so the
// server recognizes this install across restarts instead of treating every
// launch as a brand-new client (§6.5).
func loadOrCreateDeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "device_id")
	if b, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0o644); err != nil {
		return "", err
	}
	return id, nil
}

// DatabasePath returns the per-server catalog database path (§6.4).
func (c *Config) DatabasePath(serverID string) string {
	return filepath.Join(c.DataDir, "databases", serverID+".sqlite")
}

// DownloadsRoot returns the per-server downloads root (§6.4).
func (c *Config) DownloadsRoot(serverID string) string {
	return filepath.Join(c.DataDir, "downloads", serverID)
}

// CoversRoot returns the shared cover-art cache directory (§6.4).
func (c *Config) CoversRoot() string {
	return filepath.Join(c.DataDir, "downloads", "covers")
}

// PartFilePath returns the single shared in-flight download path, under the
// same per-server downloads root the finished file is later renamed into
// (§6.4, §4.4).
func (c *Config) PartFilePath(serverID string) string {
	return filepath.Join(c.DownloadsRoot(serverID), "jellyfin-tui-track.part")
}

func staticDefaults() koanf.Provider {
	return confmapDefaults{
		"log_level":             "info",
		"transcode.enabled":     "false",
		"transcode.bitrate":     strconv.Itoa(128_000),
		"transcode.container":   "mp3",
		"thresholds.artist":     strconv.Itoa(DefaultArtistThreshold),
		"thresholds.album":      strconv.Itoa(DefaultAlbumThreshold),
		"thresholds.playlist":   strconv.Itoa(DefaultPlaylistThreshold),
	}
}

// confmapDefaults is a minimal koanf.Provider backed by a flat string map,
// avoiding a dependency on koanf's confmap provider for a handful of scalars.
type confmapDefaults map[string]string

func (c confmapDefaults) ReadBytes() ([]byte, error) { return nil, fmt.Errorf("not supported") }

func (c confmapDefaults) Read() (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out, nil
}
