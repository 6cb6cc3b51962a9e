// Package daemon runs the connector as an OS service (systemd, launchd,
// Windows SCM) through kardianos/service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fdm-monster/fdm-connector/internal/connector"

	"github.com/kardianos/service"
	"go.uber.org/zap"
)

const (
	// ServiceName is the unit name registered with the service manager
	ServiceName = "hubconnector"
	displayName = "Hub Connector"
	description = "Announces this printer host to its hub on a fixed interval"
)

// Factory builds the connector when the service starts
type Factory func() (*connector.Connector, error)

// Program adapts a Connector to service.Interface
type Program struct {
	factory Factory
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *connector.Connector
	cancel context.CancelFunc
}

// NewProgram creates a program that builds its connector with factory
func NewProgram(factory Factory, logger *zap.Logger) *Program {
	return &Program{factory: factory, logger: logger.Named("daemon")}
}

// Start is called by the service manager and must not block
func (p *Program) Start(service.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return errors.New("service already started")
	}

	conn, err := p.factory()
	if err != nil {
		return fmt.Errorf("failed to build connector: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := conn.OnStart(ctx); err != nil {
		cancel()
		return err
	}

	p.conn = conn
	p.cancel = cancel
	p.logger.Info("Service started")
	return nil
}

// Stop is called by the service manager on shutdown
func (p *Program) Stop(service.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}

	err := p.conn.OnStop()
	p.cancel()
	p.conn = nil
	p.cancel = nil
	p.logger.Info("Service stopped")
	return err
}

// Connector returns the running connector, nil when stopped
func (p *Program) Connector() *connector.Connector {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

// Config describes the service. The service manager runs
// "hubconnector service run --config <settingsPath>".
func Config(settingsPath string) *service.Config {
	args := []string{"service", "run"}
	if settingsPath != "" {
		args = append(args, "--config", settingsPath)
	}
	return &service.Config{
		Name:        ServiceName,
		DisplayName: displayName,
		Description: description,
		Arguments:   args,
		Option: service.KeyValue{
			"Restart": "on-failure",
		},
	}
}

// New binds prg to the platform service manager
func New(prg *Program, cfg *service.Config) (service.Service, error) {
	svc, err := service.New(prg, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return svc, nil
}

// Control runs one of install, uninstall, start, stop or restart
func Control(svc service.Service, action string) error {
	for _, valid := range service.ControlAction {
		if action == valid {
			if err := service.Control(svc, action); err != nil {
				return fmt.Errorf("service %s failed: %w", action, err)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown service action %q (valid: %v)", action, service.ControlAction)
}

// StatusText renders a service status for humans
func StatusText(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "not installed"
	}
}
