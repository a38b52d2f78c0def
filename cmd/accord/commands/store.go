package commands

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dyluth/accord/internal/config"
	"github.com/dyluth/accord/internal/db"
	"github.com/dyluth/accord/internal/logger"
	"github.com/dyluth/accord/internal/printer"
	"github.com/dyluth/accord/internal/sqlstore"
	"github.com/dyluth/accord/pkg/negotiation"
)

// backend is the negotiation store selected by the runtime environment.
type backend interface {
	negotiation.Store
	Ping(ctx context.Context) error
	ScanNegotiations(ctx context.Context, prefix string) ([]string, error)
}

type storeHandle struct {
	store backend
	redis *negotiation.Client // nil on PostgreSQL; only Redis carries transition events
	close func() error
}

// openStore connects to PostgreSQL when DB_DSN is set and to Redis otherwise.
func openStore(ctx context.Context, rt *config.Runtime, log zerolog.Logger) (*storeHandle, error) {
	if rt.DBDSN != "" {
		database, err := db.New(rt.DBDSN, log)
		if err != nil {
			return nil, printer.ErrorWithContext(
				"PostgreSQL connection failed",
				fmt.Sprintf("Error: %v", err),
				map[string]string{"Instance": rt.Instance},
				[]string{"Check DB_DSN and that the database is reachable"},
			)
		}
		return &storeHandle{
			store: sqlstore.New(database),
			close: func() error { return db.Close(database) },
		}, nil
	}

	redisOpts, err := redis.ParseURL(rt.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client, err := negotiation.NewClient(redisOpts, rt.Instance)
	if err != nil {
		return nil, fmt.Errorf("failed to create negotiation client: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", rt.RedisURL),
			map[string]string{"Instance": rt.Instance},
			[]string{
				"Check REDIS_URL in app.env or the environment",
				"Set DB_DSN to use PostgreSQL instead",
			},
		)
	}

	return &storeHandle{store: client, redis: client, close: client.Close}, nil
}

// loadRuntime reads the environment, failing with a formatted error.
func loadRuntime() (*config.Runtime, error) {
	rt, err := config.LoadEnv()
	if err != nil {
		return nil, printer.Error(
			"invalid environment",
			fmt.Sprintf("Error: %v", err),
			[]string{"Create app.env with:\n  accord init"},
		)
	}
	if instanceFlag != "" {
		if err := config.ValidateInstanceName(instanceFlag); err != nil {
			return nil, printer.Error("invalid instance name", err.Error(), nil)
		}
		rt.Instance = instanceFlag
	}
	return rt, nil
}

// zerologFor is the quiet logger used by the inspection commands.
func zerologFor(rt *config.Runtime) zerolog.Logger {
	return logger.New(rt.Environment).Level(zerolog.WarnLevel)
}
