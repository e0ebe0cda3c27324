package state

import (
	"context"
	"fmt"
)

// New returns the GraphStore implementation selected by config.Backend.
func New(ctx context.Context, config Config) (GraphStore, error) {
	switch config.Backend {
	case BackendSQLite, "":
		return NewSQLiteStore(config.Path)
	case BackendPostgres:
		if config.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres store requires a database URL")
		}
		return NewPostgresStore(ctx, config.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", config.Backend)
	}
}
