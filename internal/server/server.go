// Package server wires the orchestrator, its stores, the bus, the gateway and
// the maintenance jobs into one process.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kiosk/internal/agent"
	"kiosk/internal/bus"
	"kiosk/internal/config"
	"kiosk/internal/cron"
	"kiosk/internal/gateway"
	"kiosk/internal/gateway/handlers"
	"kiosk/internal/gateway/websocket"
	"kiosk/internal/orchestrator"
	"kiosk/internal/responders"
)

// ServerConfig holds configuration for the process.
type ServerConfig struct {
	Config *config.Config
	Logger zerolog.Logger
	// EmbedAgents serves the reference collaborators in-process. It is
	// forced on for the memory bus since nothing else can answer there.
	EmbedAgents bool
}

// Server is one running orchestrator process.
type Server struct {
	cfg   *config.Config
	log   zerolog.Logger
	embed bool

	mu        sync.RWMutex
	running   bool
	startedAt time.Time
	errChan   chan error

	bus        bus.Bus
	stores     *Stores
	agents     *agent.Agents
	orch       *orchestrator.Orchestrator
	gateway    *gateway.Server
	hub        *websocket.Hub
	cron       *cron.Scheduler
	services   *responders.Set
	serviceSub *responders.Group
}

// NewServer creates a server. Nothing is opened until Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil {
		return nil, errors.New("server: config is required")
	}
	return &Server{
		cfg:     cfg.Config,
		log:     cfg.Logger,
		embed:   cfg.EmbedAgents || cfg.Config.Bus.Driver == "memory",
		errChan: make(chan error, 1),
	}, nil
}

// ErrorChan returns the error channel for monitoring server errors.
func (s *Server) ErrorChan() <-chan error {
	return s.errChan
}

// Start opens every component. On failure the components opened so far are
// closed again.
func (s *Server) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	defer func() {
		if err != nil {
			s.closeLocked(context.Background())
		}
	}()

	if s.stores, err = OpenStores(ctx, s.cfg); err != nil {
		return err
	}
	if s.bus, err = OpenBus(s.cfg); err != nil {
		return err
	}

	if s.embed {
		if s.services, err = responders.FromConfig(s.cfg); err != nil {
			return fmt.Errorf("reference services: %w", err)
		}
		if s.cfg.Responders.CatalogPath != "" {
			if err := s.services.Catalog.Watch(); err != nil {
				s.log.Warn().Err(err).Msg("catalog hot reload disabled")
			}
		}
		if s.serviceSub, err = responders.Serve(s.bus, s.services); err != nil {
			return fmt.Errorf("serve reference services: %w", err)
		}
	}

	if s.agents, err = agent.New(s.bus, s.cfg, time.Now); err != nil {
		return err
	}

	deps := orchestrator.Deps{Bus: s.bus, Store: s.stores.Sessions, Agents: s.agents}
	if s.stores.DB != nil {
		deps.Auditor = s.stores.DB
	}
	if s.cfg.Gateway.Enabled {
		s.hub = websocket.NewHub()
		deps.UI = s.hub
	}
	if s.orch, err = orchestrator.New(s.cfg, deps); err != nil {
		return err
	}
	if err = s.orch.Start(context.Background()); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	if err = s.startMaintenance(); err != nil {
		return err
	}
	if s.cfg.Gateway.Enabled {
		if err = s.startGateway(); err != nil {
			return err
		}
	}

	s.running = true
	s.startedAt = time.Now()
	s.log.Info().
		Str("kiosk_id", s.cfg.Session.KioskID).
		Str("bus", s.cfg.Bus.Driver).
		Str("storage", s.cfg.Storage.Driver).
		Bool("reference_services", s.embed).
		Msg("kiosk orchestrator running")
	return nil
}

func (s *Server) startMaintenance() error {
	mc := s.cfg.Maintenance
	if !mc.Enabled || s.stores.DB == nil {
		return nil
	}
	s.cron = cron.NewScheduler(nil)
	for _, job := range cron.Maintenance(s.stores.DB, mc.SweepSchedule, mc.AuditRetention, time.Now) {
		if err := s.cron.Add(job); err != nil {
			return fmt.Errorf("maintenance: %w", err)
		}
	}
	return s.cron.Start()
}

func (s *Server) startGateway() error {
	checks := s.stores.Checks()
	if c, ok := busCheck(s.bus); ok {
		checks = append(checks, c)
	}
	checks = append(checks, handlers.Check{Name: "lanes", Run: s.orch.CheckLanes})
	deps := gateway.Deps{
		Hub:      s.hub,
		Bus:      s.bus,
		Sessions: s.stores.Sessions,
		Ender:    s.orch,
		Breakers: s.agents.Breakers,
		Checks:   checks,
	}
	if s.stores.DB != nil {
		deps.Audit = s.stores.DB
	}
	gw, err := gateway.NewServer(s.cfg, deps)
	if err != nil {
		return err
	}
	s.gateway = gw
	go func() {
		if err := gw.Start(); err != nil {
			select {
			case s.errChan <- err:
			default:
			}
		}
	}()
	return nil
}

// Stop shuts every component down in reverse start order.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	return s.closeLocked(ctx)
}

func (s *Server) closeLocked(ctx context.Context) error {
	var errs []error
	if s.gateway != nil {
		errs = append(errs, s.gateway.Shutdown(ctx))
		s.gateway = nil
	}
	if s.cron != nil {
		errs = append(errs, s.cron.Stop(ctx))
		s.cron = nil
	}
	if s.orch != nil {
		errs = append(errs, s.orch.Stop(ctx))
		s.orch = nil
	}
	if s.serviceSub != nil {
		errs = append(errs, s.serviceSub.Close())
		s.serviceSub = nil
	}
	if s.services != nil {
		errs = append(errs, s.services.Close())
		s.services = nil
	}
	if s.bus != nil {
		errs = append(errs, s.bus.Close())
		s.bus = nil
	}
	if s.stores != nil {
		errs = append(errs, s.stores.Close())
		s.stores = nil
	}
	return errors.Join(errs...)
}

// IsRunning reports whether Start completed.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// StartedAt returns when Start completed.
func (s *Server) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

// Orchestrator returns the running orchestrator, nil before Start.
func (s *Server) Orchestrator() *orchestrator.Orchestrator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orch
}

// Bus returns the connected bus, nil before Start.
func (s *Server) Bus() bus.Bus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bus
}

// Jobs lists the maintenance jobs.
func (s *Server) Jobs() []cron.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cron == nil {
		return nil
	}
	return s.cron.Jobs()
}
