package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/keepsake/backend/internal/config"
	"github.com/keepsake/backend/internal/handlers"
	"github.com/keepsake/backend/internal/httpserver"
	"github.com/keepsake/backend/internal/logging"
	"github.com/keepsake/backend/internal/scheduled"
)

// Run bootstraps the Keepsake backend application.
func Run(ctx context.Context, args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "keepsake",
		Short:         "Keepsake social sharing backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return config.LoadDotEnv(envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")

	root.AddCommand(newServeCommand(), newMigrateCommand(), newDeliverCommand(), newPolicyCommand())
	return root
}

// loadConfig reads and validates configuration and installs the logger.
func loadConfig(out io.Writer) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := logging.New(out, cfg.LogLevel)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

func newServeCommand() *cobra.Command {
	var withDelivery bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), withDelivery)
		},
	}
	cmd.Flags().BoolVar(&withDelivery, "deliver", true, "also run the scheduled message dispatcher")
	return cmd
}

func serve(ctx context.Context, withDelivery bool) error {
	cfg, logger, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	handler := handlers.NewRouter(buildDependencies(c, cfg, logger))
	srv := httpserver.New(cfg.AppPort, handler, cfg.HTTP)

	var dispatcher *scheduled.Dispatcher
	dispatchDone := make(chan struct{})
	if withDelivery {
		dispatcher = scheduled.NewDispatcher(c.store, nil, cfg.Delivery, c.executor, cfg.Dispatcher, logger)
		go func() {
			defer close(dispatchDone)
			_ = dispatcher.Run(ctx)
		}()
	} else {
		close(dispatchDone)
	}

	logger.Info("starting http server", "port", cfg.AppPort, "delivery", withDelivery)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "cause", context.Cause(ctx))
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		stop()
	}

	shutdownCtx, cancel := httpserver.ShutdownContext(cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown http server: %w", err))
	}
	<-dispatchDone
	if dispatcher != nil {
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("shutdown dispatcher: %w", err))
		}
	}
	return runErr
}

func newDeliverCommand() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Deliver due scheduled messages",
		Long:  "Polls the database for scheduled messages whose time has come and delivers them. With --once a single batch is delivered and the command exits.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return deliver(cmd.Context(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "deliver one batch and exit")
	return cmd
}

func deliver(ctx context.Context, once bool) error {
	cfg, logger, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("deliver requires KEEPSAKE_DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	dispatcher := scheduled.NewDispatcher(c.store, nil, cfg.Delivery, c.executor, cfg.Dispatcher, logger)

	var runErr error
	if once {
		queued, err := dispatcher.DeliverDue(ctx)
		if err != nil {
			runErr = err
		} else if err := dispatcher.Drain(ctx); err != nil {
			runErr = err
		}
		logger.Info("delivery pass finished", "queued", queued)
	} else {
		runErr = dispatcher.Run(ctx)
	}

	shutdownCtx, cancel := httpserver.ShutdownContext(cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, dispatcher.Shutdown(shutdownCtx))
}
