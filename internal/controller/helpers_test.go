package controller

import (
	"io"
	"log/slog"

	"github.com/loopd/loopd/internal/config"
)

func minimalConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Poller.MaxHosts = 4
	cfg.Poller.TickIntervalMS = 60000
	cfg.Poller.BcMax = 1000
	cfg.Poller.MavMax = 500
	cfg.Poller.MavLow = 50
	cfg.Poller.MavWindow = 5
	cfg.Poller.RecoverRatio = 0.5
	cfg.Poller.CounterCutoff = 500000
	cfg.Zabbix.ReconcileEvery = "1h"
	cfg.SNMP.DefaultCommunity = "public"
	cfg.SNMP.Port = 161
	cfg.SNMP.TimeoutMS = 50
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
