package jobstore

import (
	"context"
	"fmt"

	"github.com/blockify-ai/distillery/pkg/config"
)

// New builds the job store selected by the configuration.
func New(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Backend {
	case "postgres":
		return NewPostgresStore(ctx, cfg)
	case "filesystem":
		return NewFilesystemStore(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
}
