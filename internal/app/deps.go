package app

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keepsake/backend/internal/auth"
	"github.com/keepsake/backend/internal/config"
	"github.com/keepsake/backend/internal/db"
	"github.com/keepsake/backend/internal/directory"
	"github.com/keepsake/backend/internal/docstore"
	"github.com/keepsake/backend/internal/handlers"
	"github.com/keepsake/backend/internal/middleware"
	"github.com/keepsake/backend/internal/policy"
	"github.com/keepsake/backend/internal/ratelimit"
	"github.com/keepsake/backend/internal/repositories"
	"github.com/keepsake/backend/internal/retry"
	"github.com/keepsake/backend/internal/social"
	"github.com/keepsake/backend/internal/storage"
)

// components holds the concrete implementations shared by the commands.
type components struct {
	pool     *pgxpool.Pool
	store    docstore.Store
	sessions auth.SessionStore
	blobs    storage.Blobs
	executor *retry.Executor
	service  *social.Service
	manager  *auth.Manager
}

// Close releases the database pool, if any.
func (c *components) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

func newExecutor(cfg config.RetryConfig) *retry.Executor {
	return &retry.Executor{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxDelay:   cfg.MaxDelay,
		Jitter:     cfg.Jitter,
	}
}

// buildComponents picks the document store (Postgres when a database URL is
// configured, in-process otherwise) and the attachment store (S3 when a
// bucket is configured, in-process otherwise).
func buildComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (*components, error) {
	enforcer, err := policy.NewDefault(cfg.Delivery)
	if err != nil {
		return nil, err
	}

	c := &components{executor: newExecutor(cfg.Retry)}
	if cfg.DatabaseURL != "" {
		pool, err := db.Connect(ctx, cfg.DatabaseURL, int32(cfg.MaxDBConns))
		if err != nil {
			return nil, err
		}
		c.pool = pool
		c.store = repositories.NewPostgres(pool, enforcer)
		c.sessions = repositories.NewPostgresSessionStore(pool)
	} else {
		logger.Warn("no database configured, using in-process store")
		c.store = docstore.NewMemory(enforcer)
		c.sessions = auth.NewInMemorySessionStore()
	}

	if cfg.ObjectStore.Bucket != "" {
		s3, err := storage.NewS3Storage(ctx, cfg.ObjectStore)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.blobs = s3
	} else {
		c.blobs = storage.NewMemory()
	}

	search := directory.NewCachingSearcher(c.store, cfg.Directory.CacheSize, cfg.Directory.CacheTTL)
	c.service = social.New(c.store, ratelimit.New(), c.executor,
		social.Config{
			Policies:           cfg.Policies,
			Rules:              cfg.Delivery,
			MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		},
		social.WithSearcher(search),
		social.WithBlobs(c.blobs),
	)
	c.manager = auth.NewManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL, c.sessions)
	return c, nil
}

// buildDependencies wires together concrete implementations used by the HTTP handlers.
func buildDependencies(c *components, cfg config.Config, logger *slog.Logger) handlers.Dependencies {
	deps := handlers.Dependencies{
		Logger:             logger,
		Accounts:           c.service,
		Sessions:           c.manager,
		Tokens:             c.manager,
		Friends:            c.service,
		Folders:            c.service,
		Messages:           c.service,
		Directory:          c.service,
		IPLimiter:          middleware.NewIPRateLimiter(cfg.IPRequestsPerSecond, cfg.IPBurst, 0),
		AuthLimiter:        middleware.NewIPRateLimiter(cfg.IPRequestsPerSecond/5, cfg.IPBurst/2, 0),
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
	}
	if c.pool != nil {
		deps.Store = c.pool
	}
	return deps
}
