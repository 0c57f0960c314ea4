package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/mentality/internal/util"
)

type Config struct {
	Identity      Identity      `json:"identity"`
	Backend       Backend       `json:"backend"`
	Transport     Transport     `json:"transport"`
	Notifications Notifications `json:"notifications"`
	Calls         Calls         `json:"calls"`
	Store         Store         `json:"store"`
	Viewer        Viewer        `json:"viewer"`
	Log           Log           `json:"log"`
}

// Identity is the signed-in user the client acts for.
type Identity struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"` // admin | user | psychologist
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`

	// Bearer token sent with REST calls and the socket handshake.
	Token string `json:"token"`
}

type Backend struct {
	// REST API base, e.g. https://app.example.org/api
	APIURL string `json:"api_url"`

	// Realtime socket endpoint, e.g. wss://app.example.org/socket
	SocketURL string `json:"socket_url"`

	RequestTimeoutSec int `json:"request_timeout_seconds"`
}

// Transport holds the socket lifecycle timings. Millisecond fields keep
// sub-second values expressible for tests and local setups.
type Transport struct {
	BackoffFloorMs       int     `json:"backoff_floor_ms"`
	BackoffCeilingMs     int     `json:"backoff_ceiling_ms"`
	BackoffFactor        float64 `json:"backoff_factor"`
	MaxReconnectAttempts int     `json:"max_reconnect_attempts"`
	FinalRetryDelayMs    int     `json:"final_retry_delay_ms"`
	PingIntervalMs       int     `json:"ping_interval_ms"`
	PongTimeoutMs        int     `json:"pong_timeout_ms"`
	ReadTimeoutMs        int     `json:"read_timeout_ms"` // silence before the socket is dropped; 0 derives it
	QualityIntervalMs    int     `json:"quality_interval_ms"`
	OutageNoticeAfterMs  int     `json:"outage_notice_after_ms"`
	RequestTimeoutMs     int     `json:"request_timeout_ms"`
	Viewport             string  `json:"viewport"`
}

type Notifications struct {
	PageLimit int `json:"page_limit"`

	// RoleRules maps a notification category (metadata category/kind, or the
	// notification type) to the roles allowed to see it. Categories not listed
	// are visible to every role.
	RoleRules map[string][]string `json:"role_rules"`
}

type Calls struct {
	STUNServers     []string `json:"stun_servers"`
	CloseDelayMs    int      `json:"close_delay_ms"`
	StatsIntervalMs int      `json:"stats_interval_ms"`
	EndedRegistry   int      `json:"ended_registry_size"`
}

type Store struct {
	Path string `json:"path"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

type Log struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems"`
}

var roles = map[string]bool{"admin": true, "user": true, "psychologist": true}

func Default() Config {
	return Config{
		Identity: Identity{
			Role: "user",
		},
		Backend: Backend{
			APIURL:            "http://127.0.0.1:3000/api",
			SocketURL:         "ws://127.0.0.1:3000/socket",
			RequestTimeoutSec: 10,
		},
		Transport: Transport{
			BackoffFloorMs:       1000,
			BackoffCeilingMs:     15000,
			BackoffFactor:        1.5,
			MaxReconnectAttempts: 5,
			FinalRetryDelayMs:    30000,
			PingIntervalMs:       20000,
			PongTimeoutMs:        5000,
			QualityIntervalMs:    30000,
			OutageNoticeAfterMs:  10000,
			RequestTimeoutMs:     5000,
			Viewport:             "1280x800",
		},
		Notifications: Notifications{
			PageLimit: 20,
			RoleRules: map[string][]string{
				"booking":              {"admin", "psychologist"},
				"new_booking":          {"admin", "psychologist"},
				"appointment_booked":   {"admin", "psychologist"},
				"reminder":             {"admin", "user", "psychologist"},
				"appointment_reminder": {"admin", "user", "psychologist"},
				"cancellation":         {"admin", "user", "psychologist"},
				"availability":         {"admin", "user"},
				"payment":              {"admin", "user"},
				"appointment":          {"admin", "user", "psychologist"},
			},
		},
		Calls: Calls{
			STUNServers:     []string{"stun:stun.l.google.com:19302"},
			CloseDelayMs:    500,
			StatsIntervalMs: 2000,
			EndedRegistry:   200,
		},
		Store: Store{
			Path: "data/client.db",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7780",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.UserID) == "" {
		return errors.New("identity.user_id is required")
	}
	if !roles[c.Identity.Role] {
		return errors.New("identity.role must be admin, user or psychologist")
	}

	// Backend
	if err := validateURL(c.Backend.APIURL, "http", "https"); err != nil {
		return fmt.Errorf("backend.api_url: %w", err)
	}
	if err := validateURL(c.Backend.SocketURL, "ws", "wss"); err != nil {
		return fmt.Errorf("backend.socket_url: %w", err)
	}
	if c.Backend.RequestTimeoutSec <= 0 {
		return errors.New("backend.request_timeout_seconds must be > 0")
	}

	// Transport
	t := c.Transport
	if t.BackoffFloorMs <= 0 {
		return errors.New("transport.backoff_floor_ms must be > 0")
	}
	if t.BackoffCeilingMs < t.BackoffFloorMs {
		return errors.New("transport.backoff_ceiling_ms must be >= backoff_floor_ms")
	}
	if t.BackoffFactor < 1 {
		return errors.New("transport.backoff_factor must be >= 1")
	}
	if t.MaxReconnectAttempts <= 0 {
		return errors.New("transport.max_reconnect_attempts must be > 0")
	}
	if t.FinalRetryDelayMs < 0 {
		return errors.New("transport.final_retry_delay_ms must be >= 0")
	}
	if t.PingIntervalMs <= 0 || t.PongTimeoutMs <= 0 {
		return errors.New("transport.ping_interval_ms and pong_timeout_ms must be > 0")
	}
	if t.PongTimeoutMs >= t.PingIntervalMs {
		return errors.New("transport.pong_timeout_ms must be < ping_interval_ms")
	}
	if t.ReadTimeoutMs < 0 || (t.ReadTimeoutMs > 0 && t.ReadTimeoutMs < 2*t.PingIntervalMs+t.PongTimeoutMs) {
		return errors.New("transport.read_timeout_ms must be 0 or >= 2*ping_interval_ms + pong_timeout_ms")
	}
	if t.QualityIntervalMs < 0 {
		return errors.New("transport.quality_interval_ms must be >= 0")
	}
	if t.RequestTimeoutMs <= 0 {
		return errors.New("transport.request_timeout_ms must be > 0")
	}

	// Notifications
	if c.Notifications.PageLimit < 1 || c.Notifications.PageLimit > 100 {
		return errors.New("notifications.page_limit must be 1..100")
	}
	for cat, rs := range c.Notifications.RoleRules {
		for _, r := range rs {
			if !roles[r] {
				return fmt.Errorf("notifications.role_rules[%s]: unknown role %q", cat, r)
			}
		}
	}

	// Calls
	if c.Calls.CloseDelayMs < 0 {
		return errors.New("calls.close_delay_ms must be >= 0")
	}
	if c.Calls.StatsIntervalMs <= 0 {
		return errors.New("calls.stats_interval_ms must be > 0")
	}
	if c.Calls.EndedRegistry <= 0 {
		return errors.New("calls.ended_registry_size must be > 0")
	}

	// Store
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}

	return nil
}

func validateURL(raw string, schemes ...string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("missing url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	ok := false
	for _, s := range schemes {
		if u.Scheme == s {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
	if u.Hostname() == "" {
		return errors.New("missing hostname")
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation. The watcher uses it to
// pick up log level changes while a half-edited file is on disk.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise writes a default config with
// the given user id so the file is valid on first run.
// Returns (cfg, createdNew, err).
func Ensure(path, userID string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	cfg.Identity.UserID = userID
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
