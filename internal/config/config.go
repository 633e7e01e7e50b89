// Package config loads the installation settings shared by the relay and
// the device binaries.
package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// DefaultFollowerID is the fixed identity of the viewer screen.
const DefaultFollowerID = "dolly-zoom-viewer"

// Upload backends.
const (
	UploadDisk       = "disk"
	UploadCloudinary = "cloudinary"
)

// Config is the runtime configuration.
type Config struct {
	// Relay service.
	ListenAddr string
	RelayPath  string

	// Device.
	Role               string
	Identity           string
	RemoteID           string
	RelayURL           string
	ICEServers         []string
	IncludeLoopback    bool
	NegotiationTimeout time.Duration
	ReconnectBackoff   time.Duration
	EndingTimeout      time.Duration
	MaxRecording       time.Duration

	// Upload.
	UploadBackend string
	CloudName     string
	UploadPreset  string
	UploadDir     string
	UploadBaseURL string
	UploadQuality string

	LogLevel string
	LogDev   bool
}

// Default returns the settings used for keys missing from the file.
func Default() Config {
	return Config{
		ListenAddr: ":9000",
		RelayPath:  "/myapp",

		Role:     "driver",
		RemoteID: DefaultFollowerID,
		RelayURL: "ws://localhost:9000/myapp",
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:global.stun.twilio.com:3478",
		},
		NegotiationTimeout: 30 * time.Second,
		ReconnectBackoff:   5 * time.Second,
		EndingTimeout:      60 * time.Second,
		MaxRecording:       60 * time.Second,

		UploadBackend: UploadDisk,
		UploadDir:     "clips",
		UploadBaseURL: "http://localhost:9000/clips",
		UploadQuality: "auto:low",

		LogLevel: "info",
	}
}

// config.toml key mapping.
type fileConfig struct {
	ListenAddr         string   `toml:"listen_addr"`
	RelayPath          string   `toml:"relay_path"`
	Role               string   `toml:"role"`
	Identity           string   `toml:"identity"`
	RemoteID           string   `toml:"remote_id"`
	RelayURL           string   `toml:"relay_url"`
	ICEServers         []string `toml:"ice_servers"`
	IncludeLoopback    bool     `toml:"include_loopback"`
	NegotiationTimeout string   `toml:"negotiation_timeout"`
	ReconnectBackoff   string   `toml:"reconnect_backoff"`
	EndingTimeout      string   `toml:"ending_timeout"`
	MaxRecording       string   `toml:"max_recording"`
	UploadBackend      string   `toml:"upload_backend"`
	CloudName          string   `toml:"cloudinary_cloud_name"`
	UploadPreset       string   `toml:"cloudinary_upload_preset"`
	UploadDir          string   `toml:"upload_dir"`
	UploadBaseURL      string   `toml:"upload_base_url"`
	UploadQuality      string   `toml:"upload_quality"`
	LogLevel           string   `toml:"log_level"`
	LogDev             bool     `toml:"log_dev"`
}

// Load reads path and overlays the keys it defines onto Default. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrapf(err, "loading config %q", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("loading config %q: unknown key %q", path, undecoded[0].String())
	}

	strs := []struct {
		key string
		src string
		dst *string
	}{
		{"listen_addr", raw.ListenAddr, &cfg.ListenAddr},
		{"relay_path", raw.RelayPath, &cfg.RelayPath},
		{"role", raw.Role, &cfg.Role},
		{"identity", raw.Identity, &cfg.Identity},
		{"remote_id", raw.RemoteID, &cfg.RemoteID},
		{"relay_url", raw.RelayURL, &cfg.RelayURL},
		{"upload_backend", raw.UploadBackend, &cfg.UploadBackend},
		{"cloudinary_cloud_name", raw.CloudName, &cfg.CloudName},
		{"cloudinary_upload_preset", raw.UploadPreset, &cfg.UploadPreset},
		{"upload_dir", raw.UploadDir, &cfg.UploadDir},
		{"upload_base_url", raw.UploadBaseURL, &cfg.UploadBaseURL},
		{"upload_quality", raw.UploadQuality, &cfg.UploadQuality},
		{"log_level", raw.LogLevel, &cfg.LogLevel},
	}
	for _, s := range strs {
		if meta.IsDefined(s.key) {
			*s.dst = strings.TrimSpace(s.src)
		}
	}

	durations := []struct {
		key string
		src string
		dst *time.Duration
	}{
		{"negotiation_timeout", raw.NegotiationTimeout, &cfg.NegotiationTimeout},
		{"reconnect_backoff", raw.ReconnectBackoff, &cfg.ReconnectBackoff},
		{"ending_timeout", raw.EndingTimeout, &cfg.EndingTimeout},
		{"max_recording", raw.MaxRecording, &cfg.MaxRecording},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.src))
		if err != nil {
			return Config{}, errors.Wrapf(err, "loading config %q: %s", path, d.key)
		}
		*d.dst = v
	}

	if meta.IsDefined("ice_servers") {
		cfg.ICEServers = raw.ICEServers
	}
	if meta.IsDefined("include_loopback") {
		cfg.IncludeLoopback = raw.IncludeLoopback
	}
	if meta.IsDefined("log_dev") {
		cfg.LogDev = raw.LogDev
	}

	return cfg, nil
}

// Validate checks the device settings.
func (c Config) Validate() error {
	switch c.Role {
	case "driver", "follower":
	default:
		return errors.Errorf("invalid role %q (expected driver or follower)", c.Role)
	}
	if c.Role == "driver" && c.RemoteID == "" {
		return errors.New("remote_id is required for the driver")
	}
	if c.RelayURL == "" {
		return errors.New("relay_url is required")
	}
	if !strings.HasPrefix(c.RelayPath, "/") {
		return errors.Errorf("relay_path %q must start with /", c.RelayPath)
	}
	for name, d := range map[string]time.Duration{
		"negotiation_timeout": c.NegotiationTimeout,
		"reconnect_backoff":   c.ReconnectBackoff,
		"ending_timeout":      c.EndingTimeout,
		"max_recording":       c.MaxRecording,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch c.UploadBackend {
	case UploadDisk:
		if c.UploadDir == "" {
			return errors.New("upload_dir is required for the disk backend")
		}
	case UploadCloudinary:
		if c.CloudName == "" || c.UploadPreset == "" {
			return errors.New("cloudinary_cloud_name and cloudinary_upload_preset are required for the cloudinary backend")
		}
	default:
		return errors.Errorf("invalid upload_backend %q", c.UploadBackend)
	}
	return nil
}

// DeviceIdentity returns the configured identity, defaulting the follower
// to DefaultFollowerID. An empty result means a random identity.
func (c Config) DeviceIdentity() string {
	if c.Identity == "" && c.Role == "follower" {
		return DefaultFollowerID
	}
	return c.Identity
}
