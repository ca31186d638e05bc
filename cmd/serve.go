package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bom-pipeline/internal/api"
	"github.com/sells-group/bom-pipeline/internal/monitoring"
	"github.com/sells-group/bom-pipeline/internal/pipeline"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Manager.Recover(ctx)
		if err != nil {
			return eris.Wrap(err, "recover pipelines")
		}
		zap.L().Info("recovered pipelines", zap.Int("count", n))

		go env.Manager.RunPoller(ctx)

		var checker *monitoring.Checker
		if cfg.Monitoring.Enabled {
			stale := time.Duration(cfg.Monitoring.StaleMinutes) * time.Minute
			checker = monitoring.NewChecker(
				monitoring.NewCollector(env.Store, stale),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
		}
		sched, err := newScheduler(ctx, env.Manager, checker, cfg.Sweep.Interval())
		if err != nil {
			return err
		}
		sched.StartAsync()
		defer sched.Stop()

		srv := api.NewServer(env.Manager, env.Store, api.Options{
			UploadsDir:    cfg.Uploads.Dir,
			CORSOrigins:   cfg.Server.CORSOrigins,
			Metrics:       cfg.Metrics.Enabled,
			Breaker:       env.Breaker,
			CacheStats:    env.Cache.Stats,
			Bus:           env.Bus,
			ChannelPrefix: cfg.Progress.ChannelPrefix,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(sctx); err != nil {
				zap.L().Warn("server shutdown incomplete", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		serveErr := httpSrv.ListenAndServe()

		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := env.Manager.Shutdown(sctx); err != nil {
			zap.L().Warn("pipeline shutdown incomplete", zap.Error(err))
		}

		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return eris.Wrap(serveErr, "server listen")
		}
		return nil
	},
}

// newScheduler registers the pending-pipeline sweep and, when checker is
// set, the monitoring check. A zero sweep interval disables the sweep.
func newScheduler(ctx context.Context, mgr *pipeline.Manager, checker *monitoring.Checker, sweepEvery time.Duration) (*gocron.Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()

	if sweepEvery > 0 {
		_, err := s.Every(sweepEvery).WaitForSchedule().Tag("sweep").Do(func() {
			n, err := mgr.Sweep(ctx)
			if err != nil {
				zap.L().Warn("sweep failed", zap.Error(err))
				return
			}
			if n > 0 {
				zap.L().Info("sweep adopted pipelines", zap.Int("count", n))
			}
		})
		if err != nil {
			return nil, eris.Wrap(err, "schedule sweep")
		}
	} else {
		zap.L().Info("sweep interval is 0, pending-pipeline sweep disabled")
	}

	if checker != nil {
		_, err := s.Every(checker.Interval()).WaitForSchedule().Tag("monitoring").Do(func() {
			checker.Check(ctx)
		})
		if err != nil {
			return nil, eris.Wrap(err, "schedule monitoring check")
		}
	}
	return s, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
