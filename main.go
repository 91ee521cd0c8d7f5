package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-members/pkg/cache"
	"github.com/ekaya-inc/ekaya-members/pkg/config"
	"github.com/ekaya-inc/ekaya-members/pkg/database"
	"github.com/ekaya-inc/ekaya-members/pkg/handlers"
	"github.com/ekaya-inc/ekaya-members/pkg/logging"
	"github.com/ekaya-inc/ekaya-members/pkg/middleware"
	"github.com/ekaya-inc/ekaya-members/pkg/models"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories"
	"github.com/ekaya-inc/ekaya-members/pkg/repositories/mongodb"
	"github.com/ekaya-inc/ekaya-members/pkg/services"
	"github.com/ekaya-inc/ekaya-members/pkg/telemetry"
)

// Version is set at build time via ldflags
var Version = "dev"

// storage bundles the repositories of one backend with its lifecycle hooks.
type storage struct {
	projects repositories.ProjectRepository
	members  repositories.MemberRepository
	roles    repositories.RoleRepository
	invites  repositories.InviteRepository
	tx       database.Transactor
	// scope prepares a context for repository calls; Postgres needs a
	// pooled connection in it, MongoDB does not.
	scope  func(ctx context.Context) (context.Context, func(), error)
	checks map[string]handlers.Pinger
	close  func()
}

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, os.Args[1:]); err != nil {
		logger.Fatal("ekaya-members stopped", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "local" || env == "test" {
		return zap.NewDevelopmentConfig().Build()
	}
	return zap.NewProductionConfig().Build()
}

func run(cfg *config.Config, logger *zap.Logger, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Env),
		zap.String("driver", cfg.Database.Driver))

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.close()

	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return err
	}
	memberCache := cache.NewNoopMemberCache()
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
		memberCache = cache.NewRedisMemberCache(redisClient, cfg.Redis.MemberCacheTTL)
		store.checks["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
		logger.Info("Member cache enabled",
			zap.String("redis", fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)),
			zap.Duration("ttl", cfg.Redis.MemberCacheTTL))
	}

	pages := models.PageSizeConfig{Default: cfg.Pagination.DefaultLimit, Max: cfg.Pagination.MaxLimit}
	app := newApp(store, memberCache, cfg.Invites.TTL, pages, logger)

	if len(args) > 0 {
		return app.runCommand(ctx, args[0], args[1:])
	}

	return serve(ctx, cfg, store.checks, logger)
}

// app holds the membership services of one storage backend.
type app struct {
	store    *storage
	projects services.ProjectService
	members  services.MemberService
	invites  services.InviteService
	roles    services.RoleService
	logger   *zap.Logger
}

func newApp(store *storage, memberCache cache.MemberCache, inviteTTL time.Duration, pages models.PageSizeConfig, logger *zap.Logger) *app {
	members := services.NewMemberService(store.projects, store.members, store.roles, store.tx, memberCache, pages, logger)
	return &app{
		store:    store,
		projects: services.NewProjectService(store.projects, store.members, store.roles, store.tx, pages, logger),
		members:  members,
		invites:  services.NewInviteService(store.invites, store.projects, store.members, store.roles, members, store.tx, inviteTTL, pages, logger),
		roles:    services.NewRoleService(store.projects, store.roles, store.members, store.invites, memberCache, logger),
		logger:   logger,
	}
}

const commandUsage = `usage:
  ekaya-members                                  serve health endpoints
  ekaya-members sync-members <project-id>...     rebuild members indexes
  ekaya-members find-member <project-id> <user-id>
  ekaya-members list-invites <user-id>
  ekaya-members list-roles <project-id>`

func (a *app) runCommand(ctx context.Context, name string, args []string) error {
	switch name {
	case "sync-members":
		ids, err := parseIDs(args, 1, -1)
		if err != nil {
			return err
		}
		return a.syncMembers(ctx, ids)
	case "find-member":
		ids, err := parseIDs(args, 2, 2)
		if err != nil {
			return err
		}
		return a.withScope(ctx, func(ctx context.Context) error {
			pm, err := a.members.FindProjectMember(ctx, ids[0], ids[1])
			if err != nil {
				return err
			}
			return printJSON(pm)
		})
	case "list-invites":
		ids, err := parseIDs(args, 1, 1)
		if err != nil {
			return err
		}
		return a.withScope(ctx, func(ctx context.Context) error {
			list, err := a.invites.ListUserInvites(ctx, ids[0], models.PageOptions{})
			if err != nil {
				return err
			}
			return printJSON(list)
		})
	case "list-roles":
		ids, err := parseIDs(args, 1, 1)
		if err != nil {
			return err
		}
		return a.withScope(ctx, func(ctx context.Context) error {
			roles, err := a.roles.ListRoles(ctx, ids[0])
			if err != nil {
				return err
			}
			return printJSON(roles)
		})
	default:
		return fmt.Errorf("unknown command %q\n%s", name, commandUsage)
	}
}

// syncMembers rebuilds the members index of each project from the
// membership records.
func (a *app) syncMembers(ctx context.Context, projectIDs []uuid.UUID) error {
	for _, projectID := range projectIDs {
		err := a.withScope(ctx, func(ctx context.Context) error {
			userIDs, err := a.projects.SyncMembers(ctx, projectID)
			if err != nil {
				return fmt.Errorf("failed to sync project %s: %w", projectID, err)
			}
			a.logger.Info("Project members synced",
				zap.String("project_id", projectID.String()),
				zap.Int("members", len(userIDs)))
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// withScope runs fn with a context prepared for repository calls.
func (a *app) withScope(ctx context.Context, fn func(ctx context.Context) error) error {
	scoped, release, err := a.store.scope(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer release()
	return fn(scoped)
}

// parseIDs parses args as UUIDs, requiring at least minArgs and at most
// maxArgs of them (no upper bound when negative).
func parseIDs(args []string, minArgs, maxArgs int) ([]uuid.UUID, error) {
	if len(args) < minArgs || (maxArgs >= 0 && len(args) > maxArgs) {
		return nil, errors.New(commandUsage)
	}
	ids := make([]uuid.UUID, len(args))
	for i, raw := range args {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", raw, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage, error) {
	switch cfg.Database.Driver {
	case config.DriverMongo:
		logger.Info("Connecting to MongoDB",
			zap.String("uri", logging.SanitizeConnectionString(cfg.Mongo.URI)),
			zap.String("database", cfg.Mongo.Database))

		m, err := database.NewMongoConnection(ctx, &database.MongoConfig{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, errors.New(logging.SanitizeError(err))
		}
		if err := mongodb.EnsureIndexes(ctx, m.DB); err != nil {
			_ = m.Close(context.Background())
			return nil, err
		}

		return &storage{
			projects: mongodb.NewProjectRepository(m.DB),
			members:  mongodb.NewMemberRepository(m.DB),
			roles:    mongodb.NewRoleRepository(m.DB),
			invites:  mongodb.NewInviteRepository(m.DB),
			tx:       database.NewMongoTransactor(m.Client, cfg.Mongo.Transactions),
			scope: func(ctx context.Context) (context.Context, func(), error) {
				return ctx, func() {}, nil
			},
			checks: map[string]handlers.Pinger{
				"mongodb": handlers.PingFunc(func(ctx context.Context) error { return m.Client.Ping(ctx, nil) }),
			},
			close: func() { _ = m.Close(context.Background()) },
		}, nil

	default:
		logger.Info("Connecting to PostgreSQL",
			zap.String("url", logging.SanitizeConnectionString(cfg.Database.ConnectionString())))

		db, err := database.NewConnection(ctx, database.NewConfig(&cfg.Database))
		if err != nil {
			return nil, errors.New(logging.SanitizeError(err))
		}
		if err := db.Migrate(logger); err != nil {
			db.Close()
			return nil, err
		}

		return &storage{
			projects: repositories.NewProjectRepository(),
			members:  repositories.NewMemberRepository(),
			roles:    repositories.NewRoleRepository(),
			invites:  repositories.NewInviteRepository(),
			tx:       database.NewTransactor(),
			scope:    database.NewScopeProvider(db).WithScope,
			checks:   map[string]handlers.Pinger{"postgres": db.Pool},
			close:    db.Close,
		}, nil
	}
}

func serve(ctx context.Context, cfg *config.Config, checks map[string]handlers.Pinger, logger *zap.Logger) error {
	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, checks, logger).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger.Named("http"))(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-members",
			zap.String("addr", srv.Addr),
			zap.String("version", cfg.Version))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
