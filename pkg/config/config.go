// Package config loads the workspace configuration: a commented json file under .webstrates/ whose values can be
// overridden from the environment. A loaded Config is a plain value; changing configuration means building new
// components from a new value.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	Dir      = ".webstrates"
	FileName = "config.json"

	minDebounce = 500 * time.Millisecond
	maxDebounce = 2500 * time.Millisecond
)

type Config struct {
	ServerAddress             string   `json:"serverAddress" env:"STRATE_SERVER_ADDRESS"`
	Reconnect                 bool     `json:"reconnect" env:"STRATE_RECONNECT"`
	ReconnectTimeoutMs        int      `json:"reconnectTimeout" env:"STRATE_RECONNECT_TIMEOUT"`
	ReconnectBackoff          string   `json:"reconnectBackoff" env:"STRATE_RECONNECT_BACKOFF"`
	MaxReconnectAttempts      int      `json:"maxReconnectAttempts" env:"STRATE_MAX_RECONNECT_ATTEMPTS"`
	DeleteLocalFilesOnClose   bool     `json:"deleteLocalFilesOnClose" env:"STRATE_DELETE_LOCAL_FILES_ON_CLOSE"`
	KeepAliveIntervalMs       int      `json:"keepAliveInterval" env:"STRATE_KEEP_ALIVE_INTERVAL"`
	DebounceMs                int      `json:"debounce" env:"STRATE_DEBOUNCE"`
	Collection                string   `json:"collection" env:"STRATE_COLLECTION"`
	ContentSelector           string   `json:"contentSelector" env:"STRATE_CONTENT_SELECTOR"`
	ContentSelectorExtensions []string `json:"contentSelectorExtensions" env:"STRATE_CONTENT_SELECTOR_EXTENSIONS"`
	// PollIntervalMs is how often the set of watched directories is refreshed.
	PollIntervalMs            int      `json:"pollInterval" env:"STRATE_POLL_INTERVAL"`
}

// Default returns the configuration used when the workspace file leaves a value out.
func Default() Config {
	return Config{
		ServerAddress:             "ws://localhost:7007",
		Reconnect:                 true,
		ReconnectTimeoutMs:        10000,
		ReconnectBackoff:          "constant",
		DeleteLocalFilesOnClose:   false,
		KeepAliveIntervalMs:       10000,
		DebounceMs:                2500,
		Collection:                "webstrates",
		ContentSelector:           "webstrate",
		ContentSelectorExtensions: []string{".js", ".css"},
		PollIntervalMs:            500,
	}
}

const initialConfiguration = `{
    // DNS or IP address of the Webstrates server.
    "serverAddress": "ws://localhost:7007",

    "reconnect": true,

    // Milliseconds to wait before reconnecting after the connection dropped.
    "reconnectTimeout": 10000,

    "deleteLocalFilesOnClose": false,

    // Milliseconds remote changes are batched before the file is written. 500 to 2500 works well.
    "debounce": 2500

    // Further options: keepAliveInterval, reconnectBackoff ("constant" or "exponential"),
    // maxReconnectAttempts, collection, contentSelector, contentSelectorExtensions, pollInterval.
}
`

// Path returns the location of the configuration file in a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, Dir, FileName)
}

// InitWorkspace makes sure the workspace has a configuration file and returns its path. An existing file is left
// untouched.
func InitWorkspace(workspace string) (string, error) {
	p := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(p); err == nil {
		return p, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("failed to stat config: %w", err)
	}
	if err := os.WriteFile(p, []byte(initialConfiguration), 0o644); err != nil {
		return "", fmt.Errorf("failed to write initial config: %w", err)
	}
	slog.Info("initialized workspace configuration", "path", p)
	return p, nil
}

// Load reads the configuration file at path on top of Default, then applies environment overrides. A missing file
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		slog.Info("no workspace configuration, using defaults", "path", path)
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := Parse(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	envConfig("env", &cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes commented json into cfg. Keys missing from raw keep their current value.
func Parse(raw []byte, cfg *Config) error {
	std, err := StripComments(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(std, cfg)
}

// Validate checks ranges and fills in zero values. A debounce window outside the usual interval is kept but logged.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerAddress)
	if err != nil {
		return fmt.Errorf("serverAddress incorrect: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("serverAddress must use ws or wss, got %q", c.ServerAddress)
	}
	if c.ReconnectTimeoutMs <= 0 {
		return fmt.Errorf("reconnectTimeout must be positive, got %d", c.ReconnectTimeoutMs)
	}
	switch c.ReconnectBackoff {
	case "", "constant", "exponential":
	default:
		return fmt.Errorf("reconnectBackoff must be constant or exponential, got %q", c.ReconnectBackoff)
	}
	if c.KeepAliveIntervalMs <= 0 {
		c.KeepAliveIntervalMs = 10000
	}
	if c.DebounceMs <= 0 {
		c.DebounceMs = int(maxDebounce / time.Millisecond)
	} else if d := c.DebounceWindow(); d < minDebounce || d > maxDebounce {
		slog.Warn("debounce outside the usual range", "value", d, "min", minDebounce, "max", maxDebounce)
	}
	if c.PollIntervalMs <= 0 {
		c.PollIntervalMs = 500
	}
	if c.Collection == "" {
		c.Collection = "webstrates"
	}
	return nil
}

// WebsocketURL is the endpoint the client dials.
func (c Config) WebsocketURL() string {
	return strings.TrimSuffix(c.ServerAddress, "/") + "/ws/"
}

func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectTimeoutMs) * time.Millisecond
}

func (c Config) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveIntervalMs) * time.Millisecond
}

func (c Config) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ContentSelectorFor returns the id of the element holding the content of resource id, or "" when the whole page
// is the content.
func (c Config) ContentSelectorFor(id string) string {
	ext := strings.ToLower(filepath.Ext(id))
	for _, e := range c.ContentSelectorExtensions {
		if ext != "" && strings.EqualFold(e, ext) {
			return c.ContentSelector
		}
	}
	return ""
}
