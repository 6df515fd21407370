// Command ipcd runs a dispatcher serving a few demo methods and pushing a
// "tick" notification to every connected caller.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mini-ipc/config"
	"mini-ipc/discovery"
	"mini-ipc/middleware"
	"mini-ipc/registry"
	"mini-ipc/server"
	"mini-ipc/transport"
)

var (
	configFile string
	channel    string
	tick       time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "ipcd",
	Short: "Serve demo methods over a local channel",
	Long: `Serve demo methods over a local channel.

Methods:
  add      {"a": 1, "b": 2} -> 3
  explode  always fails with "boom"
  echo     returns its arguments

Every --tick a "tick" push is broadcast to connected callers.

Examples:
  # Bind the first free name in the configured namespace
  ipcd

  # Bind a fixed name and push every 5 seconds
  ipcd --channel calc --tick 5s`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "Configuration file (TOML)")
	rootCmd.Flags().StringVar(&channel, "channel", "", "Channel name to bind (default: first free name in the namespace)")
	rootCmd.Flags().DurationVar(&tick, "tick", 0, "Interval between tick pushes, 0 disables (default from config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if channel != "" {
		cfg.Channel = channel
	}
	if cmd.Flags().Changed("tick") {
		cfg.TickInterval = tick
	}
	logger := slog.New(cfg.LogHandler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tr := transport.NewUnixTransport(cfg.Transport())
	if cfg.Channel == "" {
		cfg.Channel, err = discovery.FindOpenSocket(ctx, tr, cfg.Namespace, 1000)
		if err != nil {
			return err
		}
	}

	opts := []server.Option{server.WithLog(cfg.LogHandler())}
	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.Service, registry.ServiceInstance{
			Weight: 1,
			PID:    os.Getpid(),
		}, cfg.RegistryTTL))
	}

	srv, err := server.New(tr, opts...)
	if err != nil {
		return err
	}
	for _, mw := range middlewares(cfg, logger) {
		if err := srv.Use(mw); err != nil {
			return err
		}
	}

	if err := srv.Start(ctx, cfg.Channel, demoHandlers()); err != nil {
		return err
	}
	path, _ := tr.SocketPath(cfg.Channel)
	fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s\n", cfg.Channel, path)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.TickInterval > 0 {
		g.Go(func() error {
			return pushTicks(ctx, srv, cfg.TickInterval, logger)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return srv.Shutdown(cfg.ShutdownTimeout)
	})
	return g.Wait()
}

// middlewares builds the request chain from cfg, outermost first. Each retry
// gets its own call timeout.
func middlewares(cfg *config.Config, logger *slog.Logger) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.HandlerRetries > 0 {
		mws = append(mws, middleware.RetryMiddleware(cfg.HandlerRetries, cfg.HandlerRetryDelay, logger))
	}
	if cfg.CallTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.CallTimeout))
	}
	return mws
}

// pushTicks broadcasts {"t": n} every interval until ctx is done.
func pushTicks(ctx context.Context, srv *server.Server, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := srv.Push("tick", map[string]int{"t": n}); err != nil {
				logger.Warn("tick push failed", slog.Any("error", err))
			}
		}
	}
}
