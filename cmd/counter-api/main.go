package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/tckz/counter-api/internal/config"
	"github.com/tckz/counter-api/internal/counter"
	"github.com/tckz/counter-api/internal/log"
	"github.com/tckz/counter-api/internal/retry"
	"github.com/tckz/counter-api/internal/server"
	"github.com/tckz/counter-api/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	myName  = filepath.Base(os.Args[0])
	logger  *zap.SugaredLogger
	version string
)

var (
	optConfig   = flag.String("config", "", "path/to/config.yaml, or CONFIG_FILE")
	optLogLevel = flag.String("log-level", "", "debug|info|warn|error, overrides LOG_LEVEL and DEBUG")
)

func init() {
	godotenv.Load()

	flag.Parse()

	// Until config is loaded, use info level.
	logger = log.Must(log.NewLogger()).Sugar().With(zap.String("app", myName))
}

func main() {
	logger.Infof("ver=%s, args=%s", version, os.Args)
	defer logger.Infof("done")

	path := *optConfig
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	cfg, err := config.Load(path, os.LookupEnv)
	if err != nil {
		logger.Fatalf("*** config.Load: %v", err)
	}

	level := cfg.Level()
	if *optLogLevel != "" {
		level = *optLogLevel
	}
	zl, err := log.NewLogger(
		log.WithLogLevel(level),
		log.WithFields(zap.String("app", myName), zap.String("version", version)),
	)
	if err != nil {
		logger.Fatalf("*** log.NewLogger: %v", err)
	}
	defer zl.Sync()
	logger = zl.Sugar()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, zl); err != nil {
		logger.Errorf("*** run: %v", err)
		zl.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, zl *zap.Logger) error {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store.Open: %w", err)
	}

	svc := counter.NewService(st, cfg.RequestTimeout, zl.With(zap.String("component", "counter")))
	defer svc.Close()

	srv := server.New(cfg, svc, zl.With(zap.String("component", "server")))

	logger.Infof("backend=%s, port=%d, workers=%d, health_require_auth=%t", cfg.Backend, cfg.Port, cfg.Workers, cfg.HealthRequireAuth)
	if cfg.Backend == config.BackendRedis {
		logger.Infof("redis=%s, db=%d", cfg.Redis.Addr(), cfg.Redis.DB)
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Connect.MaxAttempts,
		BaseDelay:   cfg.Connect.BaseDelay,
		MaxDelay:    cfg.Connect.MaxDelay,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Run(ctx)
	})
	eg.Go(func() error {
		if err := svc.Connect(ctx, policy); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("svc.Connect: %w", err)
		}
		logger.Infof("connected to %s store", cfg.Backend)
		srv.MarkServing()
		return nil
	})

	return eg.Wait()
}
