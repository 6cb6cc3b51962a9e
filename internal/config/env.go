package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// LookupFunc reads an environment variable
type LookupFunc func(key string) (string, bool)

// Environment variables that override settings.yaml on read
const (
	EnvHubHost          = "HUB_HOST"
	EnvHubPort          = "HUB_PORT"
	EnvPortOverride     = "HUB_PORT_OVERRIDE"
	EnvOIDCClientID     = "OIDC_CLIENT_ID"
	EnvOIDCClientSecret = "OIDC_CLIENT_SECRET"
	EnvPingSeconds      = "HUB_PING_SECONDS"
	EnvServerHost       = "SERVER_HOST"
	EnvServerPort       = "SERVER_PORT"
	EnvDataDir          = "HUB_DATA_DIR"
	EnvAPIListen        = "HUB_API_LISTEN"
	EnvRequestTimeout   = "HUB_REQUEST_TIMEOUT"
)

// ApplyEnv returns a copy of s with environment overrides applied. Values
// that fail to parse are skipped and reported together.
func ApplyEnv(s Settings, lookup LookupFunc) (Settings, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := s.Clone()
	var errs error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	port := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		p, err := parsePort(key, v)
		if err != nil {
			errs = multierr.Append(errs, err)
			return
		}
		*dst = p
	}

	str(EnvHubHost, &out.HubHost)
	port(EnvHubPort, &out.HubPort)
	port(EnvPortOverride, &out.PortOverride)
	str(EnvOIDCClientID, &out.OIDCClientID)
	str(EnvOIDCClientSecret, &out.OIDCClientSecret)
	str(EnvServerHost, &out.Server.Host)
	port(EnvServerPort, &out.Server.Port)
	str(EnvDataDir, &out.DataDir)

	if v, ok := lookup(EnvPingSeconds); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s=%q is not a number", EnvPingSeconds, v))
		} else {
			out.Ping = &n
		}
	}
	// An empty HUB_API_LISTEN disables the API, so presence is what counts
	if v, ok := lookup(EnvAPIListen); ok {
		listen := v
		out.API.Listen = &listen
	}
	if v, ok := lookup(EnvRequestTimeout); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s=%q: %w", EnvRequestTimeout, v, err))
		} else {
			out.RequestTimeout = d
		}
	}

	return out, errs
}
