// Package connector wires settings, identity, hub clients, the coordinator
// and the local API into one unit with start and stop hooks.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fdm-monster/fdm-connector/internal/api"
	"github.com/fdm-monster/fdm-connector/internal/clock"
	"github.com/fdm-monster/fdm-connector/internal/config"
	"github.com/fdm-monster/fdm-connector/internal/coordinator"
	"github.com/fdm-monster/fdm-connector/internal/hostenv"
	"github.com/fdm-monster/fdm-connector/internal/hub"
	"github.com/fdm-monster/fdm-connector/internal/identity"

	"go.uber.org/zap"
)

// Options configure a Connector. Zero values pick production defaults.
type Options struct {
	SettingsPath string
	Lookup       config.LookupFunc
	Clock        clock.Clock
	Host         coordinator.ContainerDetector
}

// Connector is the running agent
type Connector struct {
	settings    *config.Store
	identity    *identity.FileStore
	coordinator *coordinator.Coordinator
	probe       *hub.Probe
	api         *api.Server
	logger      *zap.Logger

	mu      sync.Mutex
	started bool
}

// New loads settings and the identity record and builds every component.
// Nothing is started.
func New(opts Options, logger *zap.Logger) (*Connector, error) {
	if opts.SettingsPath == "" {
		opts.SettingsPath = config.DefaultPath()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Host == nil {
		opts.Host = hostenv.NewDetector()
	}

	store := config.NewStore(opts.SettingsPath, opts.Lookup, logger)
	if err := store.Load(); err != nil {
		return nil, err
	}
	current := store.Current()
	if err := current.Validate(); err != nil {
		logger.Warn("Settings incomplete, ticks will fail until fixed", zap.Error(err))
	}

	tokenClient, err := hub.NewHTTPClient(hub.ClientOptions{
		Timeout:            current.Timeout(),
		InsecureSkipVerify: true,
	})
	if err != nil {
		return nil, err
	}
	hubClient, err := hub.NewHTTPClient(hub.ClientOptions{
		Timeout:         current.Timeout(),
		FollowRedirects: true,
	})
	if err != nil {
		return nil, err
	}

	broker := hub.NewTokenBroker(tokenClient, opts.Clock, logger)
	ids := identity.NewFileStore(current.ResolvedDataDir(), logger)

	coord, err := coordinator.New(coordinator.Deps{
		Settings:  store,
		Identity:  ids,
		Tokens:    broker,
		Announcer: hub.NewAnnouncer(hubClient, logger),
		Host:      opts.Host,
		Clock:     opts.Clock,
	}, logger)
	if err != nil {
		return nil, err
	}

	c := &Connector{
		settings:    store,
		identity:    ids,
		coordinator: coord,
		probe:       hub.NewProbe(hubClient, broker, logger),
		logger:      logger.Named("connector"),
	}
	if listen := current.APIListen(); listen != "" {
		c.api = api.NewServer(listen, coord, c.probe, store, logger)
	}
	return c, nil
}

// Settings returns the settings store
func (c *Connector) Settings() *config.Store { return c.settings }

// Identity returns the identity file store
func (c *Connector) Identity() *identity.FileStore { return c.identity }

// Coordinator returns the tick coordinator
func (c *Connector) Coordinator() *coordinator.Coordinator { return c.coordinator }

// Probe returns the ad hoc hub checker
func (c *Connector) Probe() *hub.Probe { return c.probe }

// API returns the local API server, nil when disabled
func (c *Connector) API() *api.Server { return c.api }

// ExcludedBackupPaths lists data files the host must leave out of backups
func (c *Connector) ExcludedBackupPaths() []string {
	return []string{identity.DataFileName}
}

// OnStart applies startup defaults, starts the API and, when ping is set,
// the tick scheduler.
func (c *Connector) OnStart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("connector already started")
	}

	if err := c.settings.EnsureDefaults(); err != nil {
		return err
	}
	if _, err := c.settings.DeviceID(); err != nil {
		return err
	}

	if c.api != nil {
		if err := c.api.Start(); err != nil {
			return err
		}
	}
	c.started = true

	interval := c.settings.Current().PingInterval()
	if interval <= 0 {
		c.logger.Error("'ping' config value not set. Tick scheduler not started")
		return nil
	}
	if err := c.coordinator.Start(ctx, interval); err != nil {
		return fmt.Errorf("failed to start tick scheduler: %w", err)
	}

	c.logger.Info("Connector started",
		zap.String("settings", c.settings.Path()),
		zap.String("data_file", c.identity.Path()),
		zap.Duration("interval", interval))
	return nil
}

// OnStop stops the scheduler, waiting for an in-flight tick, then the API
func (c *Connector) OnStop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false

	c.coordinator.Stop()
	if c.api != nil {
		if err := c.api.Stop(); err != nil {
			return err
		}
	}
	c.logger.Info("Connector stopped")
	return nil
}

// TickOnce applies startup defaults and runs a single tick
func (c *Connector) TickOnce(ctx context.Context) (coordinator.TickReport, error) {
	if err := c.settings.EnsureDefaults(); err != nil {
		return coordinator.TickReport{}, err
	}
	return c.coordinator.Tick(ctx), nil
}

// Run starts the connector and blocks until ctx is done
func (c *Connector) Run(ctx context.Context) error {
	if err := c.OnStart(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.logger.Info("Shutting down gracefully...")
	return c.OnStop()
}
