// Command loopd polls a fleet of network devices over SNMP, tracks
// per-interface broadcast packet rates with a moving-average model, and
// emails graph-annotated alerts when a broadcast storm is detected.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loopd/loopd/internal/alarmworker"
	"github.com/loopd/loopd/internal/alertmail"
	"github.com/loopd/loopd/internal/config"
	"github.com/loopd/loopd/internal/controller"
	"github.com/loopd/loopd/internal/devicemodel"
	"github.com/loopd/loopd/internal/healthserver"
	"github.com/loopd/loopd/internal/inventory"
	"github.com/loopd/loopd/internal/runtime"
	"github.com/loopd/loopd/internal/snmppoll"
	"github.com/loopd/loopd/internal/zabbixapi"
)

func main() {
	configPath := flag.String("config", "/etc/loopd/loopd.yaml", "path to loopd's YAML config file")
	dumpConfig := flag.Bool("dump-config", false, "load and print the resolved configuration, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loopd: %v\n", err)
		os.Exit(1)
	}

	if *dumpConfig {
		fmt.Printf("%+v\n", cfg)
		return
	}

	logger := initLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	rt := runtime.New(cfg, logger)
	ds := devicemodel.NewDataset()

	zbx := zabbixapi.New(cfg.Zabbix.URL, cfg.Zabbix.User, cfg.Zabbix.Password, cfg.Zabbix.GetTimeout())
	reconciler := inventory.New(rt, zbx)
	poller := snmppoll.New(rt)
	mailer := alertmail.New(cfg.Notifier.SMTPHost, cfg.Notifier.MailFrom, cfg.Notifier.MailTo, nil)
	worker := alarmworker.New(rt, ds, mailer)

	counters := &healthserver.Counters{}
	ctl := controller.New(rt, ds, poller, reconciler, worker, counters)

	go worker.Run(ctx)

	var healthSrv *http.Server
	if cfg.Health.Addr != "" {
		healthSrv = startHealthServer(ctx, logger, cfg, counters)
	}

	logger.Info("loopd starting", "tick_interval", cfg.Poller.GetTickInterval())
	if err := ctl.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("main controller exited with error", "error", err)
	}

	if healthSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown error", "error", err)
		}
	}

	logger.Info("loopd stopped")
}

func startHealthServer(ctx context.Context, logger *slog.Logger, cfg *config.Config, counters *healthserver.Counters) *http.Server {
	hs := healthserver.New(counters, 2*cfg.Poller.GetTickInterval())
	srv := &http.Server{Addr: cfg.Health.Addr, Handler: hs}

	go func() {
		logger.Info("health server listening", "addr", cfg.Health.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "error", err)
		}
	}()

	return srv
}

func initLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Logging.IsLogLevelValid() {
		_ = level.UnmarshalText([]byte(cfg.Logging.Level))
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
