package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/nikhil/surveil/internal/aggregator"
	"github.com/nikhil/surveil/internal/config"
	"github.com/nikhil/surveil/internal/coordinator"
	"github.com/nikhil/surveil/internal/database"
	"github.com/nikhil/surveil/internal/hub"
	"github.com/nikhil/surveil/internal/logger"
	"github.com/nikhil/surveil/internal/routes"
	"github.com/nikhil/surveil/internal/store"
	"github.com/nikhil/surveil/internal/watcher"
)

const shutdownTimeout = 3 * time.Second

func main() {
	log := logger.NewLogger("surveil")
	defer log.Sync()

	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", "error", err, "config_file", cfg.File)
	}

	if err := run(cfg, log); err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			log.Fatal("Port already in use", "port", cfg.Port, "error", err)
		}
		log.Fatal("Surveil stopped with an error", "error", err)
	}
}

// listen opens the HTTP listener. A busy port is reported with a hint on how
// to pick another one.
func listen(addr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if errors.Is(err, syscall.EADDRINUSE) {
		return nil, fmt.Errorf("listen on %s: %w (stop the other process or set SURVEIL_PORT or --port to a free port)", addr, err)
	}
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return listener, nil
}

func run(cfg *config.Config, log *logger.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, database.Options{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	history, err := store.New(ctx, db, log.Named("store"))
	if err != nil {
		return multierr.Append(err, db.Close())
	}
	defer func() {
		err = multierr.Append(err, history.Close())
	}()

	agg := aggregator.New(log.Named("aggregator"))
	viewers := hub.New(agg, history, log.Named("hub"), hub.WithHeartbeat(cfg.Heartbeat))
	coord := coordinator.New(agg, history, viewers, log.Named("coordinator"))
	fsWatcher, err := watcher.New(watcher.Options{
		TeamsDir: cfg.TeamsDir,
		TasksDir: cfg.TasksDir,
		Debounce: cfg.Debounce,
	}, log.Named("watcher"))
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}

	listener, err := listen(cfg.Addr())
	if err != nil {
		return multierr.Append(err, fsWatcher.Close())
	}

	server := &http.Server{
		Handler: routes.RegisterAllRoutes(routes.Deps{
			Hub:       viewers,
			History:   history,
			TeamNames: agg.TeamNames,
			JWTSecret: cfg.JWTSecret,
			StaticDir: cfg.StaticDir,
			Log:       log.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("Surveil started",
		"addr", listener.Addr().String(),
		"teams_dir", cfg.TeamsDir,
		"tasks_dir", cfg.TasksDir,
		"db_driver", cfg.Database.Driver,
		"auth", cfg.JWTSecret != "")

	g, gctx := errgroup.WithContext(ctx)
	drained := make(chan struct{})

	g.Go(func() error {
		viewers.Run(context.Background())
		return nil
	})
	g.Go(func() error {
		return fsWatcher.Run(gctx)
	})
	g.Go(func() error {
		defer close(drained)
		return coord.Run(gctx, fsWatcher.Events())
	})
	g.Go(func() error {
		if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		// The watcher stops on gctx; wait for the coordinator to finish what
		// was already queued before telling viewers to go away.
		<-drained
		viewers.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("Forcing HTTP server closed", "error", err)
			return server.Close()
		}
		return nil
	})

	return g.Wait()
}
