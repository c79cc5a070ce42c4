// Package mysqlctl stops and starts the local MySQL service and
// probes its state. It never touches the data directory; compression
// and placement are the concern of other packages.
package mysqlctl

import (
	"context"
	"fmt"
	"time"

	"github.com/siddontang/loggers"

	"github.com/block/mysql-coldbackup/internal/dbconn"
)

// State is the observed run state of the MySQL service.
type State string

const (
	StateRunning State = "Running"
	StateStopped State = "Stopped"
	StateUnknown State = "Unknown"
)

const pollInterval = 500 * time.Millisecond

// ServiceManager is the host collaborator that actually issues
// start/stop/status to the service supervisor (systemd, launchd, a
// mock in tests). Abstracted behind an interface the way the teacher
// abstracts the MySQL connection behind database/sql.
type ServiceManager interface {
	StopService(ctx context.Context, name string) error
	StartService(ctx context.Context, name string) error
	StatusService(ctx context.Context, name string) (State, error)
}

// Controller drives a ServiceManager with the timeouts and idempotence
// rules spec'd for C3.
type Controller struct {
	svc              ServiceManager
	dbConfig         *dbconn.Config
	logger           loggers.Advanced
	operationTimeout time.Duration
	host             string
	port             int
	user             string
	pass             string
}

// Config configures a Controller.
type Config struct {
	OperationTimeout time.Duration // default: MySQLOperationTimeout
	ProbeHost        string
	ProbePort        int
	ProbeUser        string
	ProbePass        string
}

// ServiceStopTimeout is returned when Stop does not observe Stopped
// within the configured operation timeout.
type ServiceStopTimeout struct {
	Service string
	Timeout time.Duration
}

func (e *ServiceStopTimeout) Error() string {
	return fmt.Sprintf("mysqlctl: stopping %s did not complete within %s", e.Service, e.Timeout)
}

// ServiceStartTimeout is returned when Start does not observe Running
// within the configured operation timeout.
type ServiceStartTimeout struct {
	Service string
	Timeout time.Duration
}

func (e *ServiceStartTimeout) Error() string {
	return fmt.Sprintf("mysqlctl: starting %s did not complete within %s", e.Service, e.Timeout)
}

// NewController builds a Controller. cfg.OperationTimeout defaults to
// two minutes when zero.
func NewController(svc ServiceManager, cfg Config, logger loggers.Advanced) *Controller {
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = 2 * time.Minute
	}
	return &Controller{
		svc:              svc,
		dbConfig:         dbconn.NewConfig(),
		logger:           logger,
		operationTimeout: cfg.OperationTimeout,
		host:             cfg.ProbeHost,
		port:             cfg.ProbePort,
		user:             cfg.ProbeUser,
		pass:             cfg.ProbePass,
	}
}

// IsRunning reports the current service state.
func (c *Controller) IsRunning(ctx context.Context, service string) (bool, error) {
	state, err := c.svc.StatusService(ctx, service)
	if err != nil {
		return false, fmt.Errorf("probing status of %s: %w", service, err)
	}
	return state == StateRunning, nil
}

// Stop issues a stop and polls until the service reports Stopped,
// failing with ServiceStopTimeout after operationTimeout.
func (c *Controller) Stop(ctx context.Context, service string) error {
	c.logger.Warnf("stopping mysql service %s", service)
	if err := c.svc.StopService(ctx, service); err != nil {
		return fmt.Errorf("issuing stop for %s: %w", service, err)
	}
	return c.WaitUntil(ctx, service, StateStopped, c.operationTimeout)
}

// Start is idempotent: if already running it returns success
// immediately. Otherwise it issues a start and polls until Running.
func (c *Controller) Start(ctx context.Context, service string) error {
	running, err := c.IsRunning(ctx, service)
	if err != nil {
		return err
	}
	if running {
		c.logger.Infof("mysql service %s already running", service)
		return nil
	}
	c.logger.Warnf("starting mysql service %s", service)
	if err := c.svc.StartService(ctx, service); err != nil {
		return fmt.Errorf("issuing start for %s: %w", service, err)
	}
	return c.WaitUntil(ctx, service, StateRunning, c.operationTimeout)
}

// WaitUntil polls the service state every 500ms until it matches
// want or timeout elapses.
func (c *Controller) WaitUntil(ctx context.Context, service string, want State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		state, err := c.svc.StatusService(ctx, service)
		if err == nil && state == want {
			if want == StateRunning && c.host != "" {
				// Best-effort liveness probe: the service manager can report
				// "running" before mysqld is actually accepting connections.
				if perr := dbconn.Ping(ctx, c.host, c.port, c.user, c.pass, c.dbConfig); perr != nil {
					c.logger.Debugf("service reports running but probe failed, still waiting: %v", perr)
				} else {
					return nil
				}
			} else {
				return nil
			}
		}
		if time.Now().After(deadline) {
			if want == StateStopped {
				return &ServiceStopTimeout{Service: service, Timeout: timeout}
			}
			return &ServiceStartTimeout{Service: service, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
