package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"kiosk/internal/bus"
	"kiosk/internal/config"
	"kiosk/internal/gateway/handlers"
	"kiosk/internal/session"
	"kiosk/internal/storage"
)

// OpenBus connects the bus selected by cfg.Bus.Driver.
func OpenBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "memory":
		return bus.NewMemoryBus(), nil
	case "nats", "":
		b, err := bus.ConnectNATS(bus.NATSOptions{
			URL:           cfg.Bus.URL,
			Name:          cfg.Bus.Name,
			Prefix:        cfg.Bus.Prefix,
			ReconnectWait: cfg.Bus.ReconnectWait,
			MaxReconnects: cfg.Bus.MaxReconnects,
		})
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported bus driver %q", cfg.Bus.Driver)
	}
}

// Stores holds the session store and, when a storage path is configured,
// the sqlite database that keeps the audit log.
type Stores struct {
	Sessions session.Store
	DB       *storage.DB
	redis    *redis.Client
}

// OpenStores opens the session store selected by cfg.Storage.Driver.
func OpenStores(ctx context.Context, cfg *config.Config) (*Stores, error) {
	st := &Stores{}
	if cfg.Storage.Path != "" {
		db, err := storage.Open(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		st.DB = db
	}

	switch cfg.Storage.Driver {
	case "sqlite", "":
		if st.DB == nil {
			return nil, errors.New("storage.path is required for the sqlite driver")
		}
		st.Sessions = session.NewSQLiteStore(st.DB)
	case "redis":
		rc := cfg.Storage.Redis
		st.redis = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		rs := session.NewRedisStore(st.redis, rc.KeyPrefix)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
		}
		st.Sessions = rs
	case "memory":
		st.Sessions = session.NewMemoryStore(time.Now)
	default:
		_ = st.Close()
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	return st, nil
}

// Checks returns the health checks of the open stores.
func (s *Stores) Checks() []handlers.Check {
	var out []handlers.Check
	if s.DB != nil {
		out = append(out, handlers.Check{Name: "sqlite", Run: s.DB.Check})
	}
	if s.redis != nil {
		out = append(out, handlers.Check{Name: "redis", Run: func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}})
	}
	return out
}

// Close releases every open store.
func (s *Stores) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}

// busCheck reports a dropped NATS connection.
func busCheck(b bus.Bus) (handlers.Check, bool) {
	nb, ok := b.(*bus.NATSBus)
	if !ok {
		return handlers.Check{}, false
	}
	return handlers.Check{Name: "nats", Run: func(context.Context) error {
		if !nb.Connected() {
			return errors.New("not connected")
		}
		return nil
	}}, true
}
