// Package config provides the Camera Configuration Source and StorageGroup
// definitions the core reconciles against. It is a thin YAML-backed stand-in
// for the admin surface's persistent store: the admin surface (out of
// scope here) is expected to write this same document, and this package's
// job is to load it, watch it for changes, and notify subscribers.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the Camera Configuration Source: the set of StorageGroups and
// Cameras the Capture Supervisor reconciles against.
type Config struct {
	System     SystemConfig     `yaml:"system"`
	StorageGroups []StorageGroup `yaml:"storage_groups"`
	Cameras    []CameraConfig   `yaml:"cameras"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
}

// SystemConfig holds daemon-wide settings not tied to any one camera.
type SystemConfig struct {
	DataDir       string `yaml:"data_dir"`
	AdminNATSPort int    `yaml:"admin_nats_port"`
	WebRTCPort    int    `yaml:"webrtc_port"`
	WebRTCIPs     []string `yaml:"webrtc_ips"`
	CaptureWorker string `yaml:"capture_worker"`
	HWAccel       string `yaml:"hwaccel"`
}

// StorageGroup is a named disk pool with a byte quota.
type StorageGroup struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	RootPath string `yaml:"root_path"`
	QuotaBytes int64 `yaml:"quota_bytes"`
}

// CameraConfig is a configured RTSP source bound to exactly one StorageGroup.
type CameraConfig struct {
	ID             string    `yaml:"id"`
	Name           string    `yaml:"name"`
	StorageGroupID string    `yaml:"storage_group_id"`
	StreamURL      string    `yaml:"stream_url"`
	Username       string    `yaml:"username,omitempty"`
	Password       string    `yaml:"password,omitempty"`
	Enabled        bool      `yaml:"enabled"`
	PTZ            PTZConfig `yaml:"ptz,omitempty"` // opaque to the core, forwarded verbatim
}

// PTZConfig is opaque pan/tilt/zoom metadata; the core never interprets it,
// it only carries it alongside the camera record for the out-of-scope
// ONVIF/PTZ glue to consume.
type PTZConfig map[string]interface{}

// Load reads and parses the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.path = path
	cfg.applyEnvFallbacks()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvFallbacks fills empty fields from the environment variables
// recognized by the core (spec.md §6). An explicit YAML value always wins.
func (c *Config) applyEnvFallbacks() {
	if c.System.CaptureWorker == "" {
		c.System.CaptureWorker = os.Getenv("EXOPTICON_CAPTURE_WORKER")
	}
	if c.System.HWAccel == "" {
		c.System.HWAccel = os.Getenv("EXOPTICON_HWACCEL")
	}
	if ips := os.Getenv("EXOPTICON_WEBRTC_IPS"); ips != "" && len(c.System.WebRTCIPs) == 0 {
		c.System.WebRTCIPs = splitCommaList(ips)
	}
	if port := os.Getenv("EXOPTICON_WEBRTC_PORT"); port != "" && c.System.WebRTCPort == 0 {
		if p, err := parsePort(port); err == nil {
			c.System.WebRTCPort = p
		}
	}
	root := os.Getenv("EXOPTICON_STORAGE_ROOT")
	if root != "" {
		for i := range c.StorageGroups {
			if c.StorageGroups[i].RootPath == "" {
				c.StorageGroups[i].RootPath = root
			}
		}
	}
}

func (c *Config) setDefaults() {
	if c.System.WebRTCPort == 0 {
		c.System.WebRTCPort = 4000
	}
	if c.System.AdminNATSPort == 0 {
		c.System.AdminNATSPort = 4222
	}
	if c.System.DataDir == "" {
		c.System.DataDir = "/data"
	}
}

// Validate enforces the StorageGroup/Camera invariants from spec.md §3.
func (c *Config) Validate() error {
	groups := make(map[string]StorageGroup, len(c.StorageGroups))
	for _, g := range c.StorageGroups {
		if g.ID == "" {
			return fmt.Errorf("storage group with empty id")
		}
		if g.RootPath == "" {
			return fmt.Errorf("storage group %s: root_path is required", g.ID)
		}
		if g.QuotaBytes <= 0 {
			return fmt.Errorf("storage group %s: quota_bytes must be strictly positive", g.ID)
		}
		groups[g.ID] = g
	}
	for _, cam := range c.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("camera with empty id")
		}
		if _, ok := groups[cam.StorageGroupID]; !ok {
			return fmt.Errorf("camera %s: storage group %s not found", cam.ID, cam.StorageGroupID)
		}
	}
	return nil
}

// Watch begins watching the configuration file for writes and reloads on
// change, invoking every registered OnChange callback. Mirrors the
// debounced fsnotify loop used elsewhere in the corpus for hot-reloadable
// YAML configuration.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond) // debounce editor rewrites
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers fn to be called, with the updated Config, every time
// the backing file is reloaded. cmd/exopticond registers a callback here
// that calls the Capture Supervisor's RestartAll (spec.md §3: "toggling
// `enabled` or mutating URL/credentials triggers a RestartAll reconciliation").
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.System = newCfg.System
	c.StorageGroups = newCfg.StorageGroups
	c.Cameras = newCfg.Cameras
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("configuration reloaded", "cameras", len(newCfg.Cameras))
	for _, fn := range watchers {
		fn(c)
	}
}

// EnabledCameras returns a snapshot of every Camera whose Enabled flag is
// true — the set C3 Capture Supervisor materializes Capture Actors for.
func (c *Config) EnabledCameras() []CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]CameraConfig, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		if cam.Enabled {
			out = append(out, cam)
		}
	}
	return out
}

// CamerasInGroup returns the ids of every configured Camera bound to the
// named StorageGroup, enabled or not: the Retention Worker accounts for
// everything a camera has ever recorded, not just what is currently active.
func (c *Config) CamerasInGroup(groupID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for _, cam := range c.Cameras {
		if cam.StorageGroupID == groupID {
			ids = append(ids, cam.ID)
		}
	}
	return ids
}

// StorageGroupByID returns the named StorageGroup, or false if unknown.
func (c *Config) StorageGroupByID(id string) (StorageGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, g := range c.StorageGroups {
		if g.ID == id {
			return g, true
		}
	}
	return StorageGroup{}, false
}

// AllStorageGroups returns a snapshot of every configured StorageGroup.
func (c *Config) AllStorageGroups() []StorageGroup {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]StorageGroup, len(c.StorageGroups))
	copy(out, c.StorageGroups)
	return out
}

func splitCommaList(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}
