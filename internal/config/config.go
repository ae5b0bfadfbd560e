package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/tunepair/internal/util"
)

// FileName is the config file looked up in a device directory.
const FileName = "tunepair.json"

type Config struct {
	Device    Device    `json:"device"`
	Auth      Auth      `json:"auth"`
	Signaling Signaling `json:"signaling"`
	Services  Services  `json:"services"`
	ICE       ICE       `json:"ice"`
	Playback  Playback  `json:"playback"`
	Media     Media     `json:"media"`
	Relay     Relay     `json:"relay"`
	Log       Log       `json:"log"`
}

type Device struct {
	Name string `json:"name"`
	// "source" or "sink".
	Kind string `json:"kind"`
	// Directory of the local state database, relative to the config file.
	StateDir string `json:"state_dir"`
}

type Auth struct {
	// A fixed bearer token. Takes precedence over TokenFile.
	Token string `json:"token"`
	// File re-read on every connect, so an external login can rotate it.
	TokenFile string `json:"token_file"`
}

type Signaling struct {
	WSBaseURL            string `json:"ws_base_url"`
	ReconnectIntervalMs  int    `json:"reconnect_interval_ms"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
	PingIntervalSec      int    `json:"ping_interval_sec"`
}

type Services struct {
	PairingURL string `json:"pairing_url"`
}

type ICE struct {
	// Empty uses the public Google STUN servers.
	STUNURLs       []string `json:"stun_urls"`
	TURNURL        string   `json:"turn_url"`
	TURNUsername   string   `json:"turn_username"`
	TURNCredential string   `json:"turn_credential"`
	// Candidates gathered before the remote device is known are dropped
	// unless this is > 0.
	CandidateBuffer int `json:"candidate_buffer"`
}

type Playback struct {
	TickMs int     `json:"tick_ms"`
	Volume float64 `json:"volume"`
}

type Media struct {
	// Source: directory of .ogg/.opus files.
	LibraryDir string `json:"library_dir"`
	// Sink: where the received stream is written. Empty discards it.
	RecordPath string `json:"record_path"`
}

type Relay struct {
	Bind              string `json:"bind"`
	Port              int    `json:"port"`
	JWTSecret         string `json:"jwt_secret"`
	CodeTTLSec        int    `json:"code_ttl_sec"`
	MaxFailedAttempts int    `json:"max_failed_attempts"`
	ConnectRatePerMin int    `json:"connect_rate_per_min"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Device: Device{
			Name:     "tunepair",
			Kind:     "sink",
			StateDir: "data",
		},
		Signaling: Signaling{
			WSBaseURL:            "ws://localhost:8080/ws",
			ReconnectIntervalMs:  3000,
			MaxReconnectAttempts: 10,
			PingIntervalSec:      30,
		},
		Services: Services{
			PairingURL: "http://localhost:8080",
		},
		Playback: Playback{
			TickMs: 1000,
			Volume: 0.8,
		},
		Media: Media{
			LibraryDir: "music",
		},
		Relay: Relay{
			Bind:              "127.0.0.1",
			Port:              8080,
			CodeTTLSec:        300,
			MaxFailedAttempts: 5,
			ConnectRatePerMin: 30,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Device
	if _, err := util.ValidateDeviceName(c.Device.Name); err != nil {
		return fmt.Errorf("device.name: %w", err)
	}
	if c.Device.Kind != "source" && c.Device.Kind != "sink" {
		return errors.New("device.kind must be source or sink")
	}
	if strings.TrimSpace(c.Device.StateDir) == "" {
		return errors.New("device.state_dir is required")
	}

	// Signaling
	if err := validateURL(c.Signaling.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("signaling.ws_base_url: %w", err)
	}
	if c.Signaling.ReconnectIntervalMs < 100 {
		return errors.New("signaling.reconnect_interval_ms must be >= 100")
	}
	if c.Signaling.MaxReconnectAttempts < 0 {
		return errors.New("signaling.max_reconnect_attempts must be >= 0")
	}
	if c.Signaling.PingIntervalSec < 0 {
		return errors.New("signaling.ping_interval_sec must be >= 0")
	}

	// Services
	if err := validateURL(c.Services.PairingURL, "http", "https"); err != nil {
		return fmt.Errorf("services.pairing_url: %w", err)
	}

	// ICE
	for _, u := range c.ICE.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return fmt.Errorf("ice.stun_urls: %q is not a stun: url", u)
		}
	}
	if t := c.ICE.TURNURL; t != "" && !strings.HasPrefix(t, "turn:") && !strings.HasPrefix(t, "turns:") {
		return errors.New("ice.turn_url must start with turn: or turns:")
	}
	if c.ICE.CandidateBuffer < 0 || c.ICE.CandidateBuffer > 256 {
		return errors.New("ice.candidate_buffer must be 0..256")
	}

	// Playback
	if c.Playback.TickMs < 50 {
		return errors.New("playback.tick_ms must be >= 50")
	}
	if c.Playback.Volume < 0 || c.Playback.Volume > 1 {
		return errors.New("playback.volume must be 0..1")
	}

	// Relay
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 1..65535")
	}
	if b := c.Relay.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("relay.bind must be a valid IP address")
	}
	if c.Relay.CodeTTLSec <= 0 {
		return errors.New("relay.code_ttl_sec must be > 0")
	}
	if c.Relay.MaxFailedAttempts <= 0 {
		return errors.New("relay.max_failed_attempts must be > 0")
	}
	if c.Relay.ConnectRatePerMin <= 0 {
		return errors.New("relay.connect_rate_per_min must be > 0")
	}

	return c.Log.validate()
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
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
		return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}

func (s Signaling) ReconnectInterval() time.Duration {
	return time.Duration(s.ReconnectIntervalMs) * time.Millisecond
}

func (s Signaling) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalSec) * time.Second
}

func (p Playback) Tick() time.Duration {
	return time.Duration(p.TickMs) * time.Millisecond
}

func (r Relay) CodeTTL() time.Duration {
	return time.Duration(r.CodeTTLSec) * time.Second
}

// Addr is the relay's listen address.
func (r Relay) Addr() string {
	return net.JoinHostPort(r.Bind, fmt.Sprint(r.Port))
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
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

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
