package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

const (
	// DefaultHubHost is written to the settings on first start
	DefaultHubHost = "http://127.0.0.1"
	// DefaultHubPort is written to the settings on first start
	DefaultHubPort = 4000
	// DefaultPingSeconds is the tick interval when ping is not configured
	DefaultPingSeconds = 120
	// DefaultServerHost is the advertised host
	DefaultServerHost = "http://127.0.0.1"
	// DefaultServerPort is the advertised port when no override is set
	DefaultServerPort = 5000
	// DefaultAPIListen is where the local API listens
	DefaultAPIListen = "127.0.0.1:5050"
	// DefaultRequestTimeout bounds outbound hub calls
	DefaultRequestTimeout = 5 * time.Second
)

// ServerSettings describe the host this connector advertises
type ServerSettings struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// APISettings configure the local HTTP API
type APISettings struct {
	// Listen is nil when unset; an empty string disables the API
	Listen *string `yaml:"listen,omitempty"`
}

// Settings mirror settings.yaml. Zero values mean "unset".
type Settings struct {
	HubHost          string         `yaml:"hub_host,omitempty"`
	HubPort          int            `yaml:"hub_port,omitempty"`
	PortOverride     int            `yaml:"port_override,omitempty"`
	DeviceUUID       string         `yaml:"device_uuid,omitempty"`
	OIDCClientID     string         `yaml:"oidc_client_id,omitempty"`
	OIDCClientSecret string         `yaml:"oidc_client_secret,omitempty"`
	Ping             *int           `yaml:"ping,omitempty"`
	Server           ServerSettings `yaml:"server,omitempty"`
	DataDir          string         `yaml:"data_dir,omitempty"`
	API              APISettings    `yaml:"api,omitempty"`
	RequestTimeout   time.Duration  `yaml:"request_timeout,omitempty"`
}

// Clone returns a deep copy
func (s Settings) Clone() Settings {
	out := s
	if s.Ping != nil {
		v := *s.Ping
		out.Ping = &v
	}
	if s.API.Listen != nil {
		v := *s.API.Listen
		out.API.Listen = &v
	}
	return out
}

// BaseURL joins hub_host and hub_port. ok is false when either is unset.
func (s Settings) BaseURL() (string, bool) {
	if s.HubHost == "" || s.HubPort == 0 {
		return "", false
	}
	return fmt.Sprintf("%s:%d", strings.TrimRight(s.HubHost, "/"), s.HubPort), true
}

// FaviconURL is the hub's favicon, shown next to the hub link
func (s Settings) FaviconURL() (string, bool) {
	base, ok := s.BaseURL()
	if !ok {
		return "", false
	}
	return base + "/favicon.ico", true
}

// PingInterval returns the tick interval. Zero means the scheduler is off.
func (s Settings) PingInterval() time.Duration {
	if s.Ping == nil {
		return DefaultPingSeconds * time.Second
	}
	if *s.Ping <= 0 {
		return 0
	}
	return time.Duration(*s.Ping) * time.Second
}

// AdvertisedHost is the host reported in announcements
func (s Settings) AdvertisedHost() string {
	if s.Server.Host == "" {
		return DefaultServerHost
	}
	return s.Server.Host
}

// AdvertisedPort prefers port_override over server.port
func (s Settings) AdvertisedPort() int {
	if s.PortOverride != 0 {
		return s.PortOverride
	}
	if s.Server.Port != 0 {
		return s.Server.Port
	}
	return DefaultServerPort
}

// ResolvedDataDir returns data_dir with ~ expanded, or the default
func (s Settings) ResolvedDataDir() string {
	if s.DataDir == "" {
		return DefaultDataDir()
	}
	return expandHome(s.DataDir)
}

// APIListen returns the API address. An empty result disables the API.
func (s Settings) APIListen() string {
	if s.API.Listen == nil {
		return DefaultAPIListen
	}
	return *s.API.Listen
}

// Timeout returns the outbound request timeout
func (s Settings) Timeout() time.Duration {
	if s.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return s.RequestTimeout
}

// Validate reports every problem in s at once
func (s Settings) Validate() error {
	var errs error

	if s.HubHost == "" {
		errs = multierr.Append(errs, errors.New("hub_host is not set"))
	} else if u, err := url.Parse(s.HubHost); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = multierr.Append(errs, fmt.Errorf("hub_host %q must be an http(s) URL without port", s.HubHost))
	}
	if s.HubPort == 0 {
		errs = multierr.Append(errs, errors.New("hub_port is not set"))
	} else if !validPort(s.HubPort) {
		errs = multierr.Append(errs, fmt.Errorf("hub_port %d out of range", s.HubPort))
	}
	if s.PortOverride != 0 && !validPort(s.PortOverride) {
		errs = multierr.Append(errs, fmt.Errorf("port_override %d out of range", s.PortOverride))
	}
	if s.Server.Port != 0 && !validPort(s.Server.Port) {
		errs = multierr.Append(errs, fmt.Errorf("server.port %d out of range", s.Server.Port))
	}
	if s.OIDCClientID == "" || s.OIDCClientSecret == "" {
		errs = multierr.Append(errs, errors.New("oidc_client_id or oidc_client_secret not set"))
	}
	if s.Ping != nil && *s.Ping < 0 {
		errs = multierr.Append(errs, fmt.Errorf("ping %d must not be negative", *s.Ping))
	}
	if s.RequestTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("request_timeout %s must not be negative", s.RequestTimeout))
	}
	if listen := s.APIListen(); listen != "" {
		if _, _, err := net.SplitHostPort(listen); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("api.listen %q: %w", listen, err))
		}
	}

	return errs
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// DefaultPath is ~/.config/hubconnector/settings.yaml
func DefaultPath() string {
	return filepath.Join(homeDir(), ".config", "hubconnector", "settings.yaml")
}

// DefaultDataDir is ~/.local/share/hubconnector
func DefaultDataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "hubconnector")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func expandHome(p string) string {
	if p == "~" {
		return homeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(homeDir(), p[2:])
	}
	return p
}

func parsePort(name, raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a number", name, raw)
	}
	return port, nil
}
