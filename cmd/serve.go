package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tripjoin/internal/api"
	"github.com/sells-group/tripjoin/internal/matcher"
)

var (
	servePort         int
	serveNoDispatcher bool
	serveNoMonitor    bool
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingest API, matcher dispatcher and monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		ing, err := newIngestor(env.Store)
		if err != nil {
			return err
		}
		h := api.NewHandler(env.Store, ing, env.Matcher)

		g, gctx := errgroup.WithContext(ctx)

		if cfg.Server.RunDispatcher && !serveNoDispatcher {
			d := matcher.NewDispatcher(env.Store, env.Matcher, dispatcherConfig(false))
			h.Dispatcher = d
			g.Go(func() error {
				d.Supervise(gctx)
				return nil
			})
		}

		if !serveNoMonitor {
			checker := newChecker(env)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: api.NewRouter(h, api.RouterConfig{
				AllowedOrigins: cfg.Server.AllowedOrigins,
				MaxBodyBytes:   cfg.Server.MaxBodyBytes,
				RatePerSec:     cfg.Server.RatePerSec,
				Burst:          cfg.Server.Burst,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server", zap.String("component", "cli"))
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})

		g.Go(func() error {
			zap.L().Info("starting server", zap.String("component", "cli"), zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoDispatcher, "no-dispatcher", false, "do not run the change-feed dispatcher in this process")
	serveCmd.Flags().BoolVar(&serveNoMonitor, "no-monitor", false, "do not run the stale-trip monitor in this process")
	rootCmd.AddCommand(serveCmd)
}
