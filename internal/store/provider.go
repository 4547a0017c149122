package store

import (
	"context"
	"fmt"
	"io"

	"github.com/northbridge-sports/auctioneer/internal/clock"
	"github.com/northbridge-sports/auctioneer/internal/config"
	"github.com/northbridge-sports/auctioneer/internal/event"
)

// Repositories groups every repository implementation a store driver opens.
type Repositories struct {
	Auctions AuctionRepository
	Events   event.Store
	// Closer releases underlying resources (e.g. the DB connection pool).
	Closer io.Closer
	// Ping checks the underlying connection health.
	Ping func(ctx context.Context) error
}

// Driver opens a connection and returns Repositories for one backend.
type Driver func(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error)

// registry maps driver names to their factory functions.
var registry = map[string]Driver{}

// Register adds a named driver to the global registry. It is intended to be
// called from init() in each driver package.
func Register(name string, d Driver) {
	registry[name] = d
}

// Open selects the driver specified in cfg.Driver and returns Repositories.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*Repositories, error) {
	d, ok := registry[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unknown store driver %q (registered: %v)", cfg.Driver, registeredNames())
	}
	return d(ctx, cfg, clk)
}

func registeredNames() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	return names
}
