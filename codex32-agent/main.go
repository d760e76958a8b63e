package main

import (
	"net/http"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()

	cfg := LoadSettings()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	metrics := newMetricsRegistry(prometheus.DefaultRegisterer)

	store := newJSONStore(log)
	reg := newRegistry(cfg.RegistryFile, store, log)
	engine := newContainerEngine(cfg.ContainerStorageDir, log, metrics)
	exec := newExecutor(reg, engine, cfg, log)
	incidents := newIncidentLog(cfg.IncidentLogFile, log)

	sup := newSupervisor(cfg.HealthCheckInterval, cfg.MaxFailures, reg, engine, exec, incidents, metrics, log)
	sup.Start()
	defer sup.Stop()

	server := newAPI(reg, exec, sup, incidents, cfg, log)

	log.WithField("addr", cfg.Addr).Info("codex32-agent listening")
	log.Fatal(http.ListenAndServe(cfg.Addr, server))
}
