package main

import (
	"os"
	"strconv"
)

// Settings is the env-sourced configuration object, mirroring the shape
// (if not the implementation) of app/config.py's Settings and the
// environment options named in spec.md §6.
type Settings struct {
	Addr                string
	BotsDirectory       string
	RegistryFile        string
	ContainerStorageDir string
	IncidentLogFile     string
	IsolationLevel      string
	MemoryThresholdMB   int
	CPUThresholdPercent float64
	MonitoringInterval  int
	HealthCheckInterval int
	MaxFailures         int
	LogLevel            string
}

// LoadSettings reads Settings from the process environment, applying the
// same defaults spec.md §6 documents.
func LoadSettings() *Settings {
	return &Settings{
		Addr:                getenv("ADDR", ":8080"),
		BotsDirectory:       getenv("BOTS_DIRECTORY", "bots"),
		RegistryFile:        getenv("REGISTRY_FILE", "data/registry.json"),
		ContainerStorageDir: getenv("CONTAINER_STORAGE_DIR", "data/containers"),
		IncidentLogFile:     getenv("INCIDENT_LOG_FILE", "data/incidents.ndjson"),
		IsolationLevel:      getenv("CONTAINER_ISOLATION_LEVEL", "standard"),
		MemoryThresholdMB:   getenvInt("MEMORY_THRESHOLD_MB", 900),
		CPUThresholdPercent: getenvFloat("CPU_THRESHOLD_PERCENT", 90.0),
		MonitoringInterval:  getenvInt("MONITORING_INTERVAL_SEC", 5),
		HealthCheckInterval: getenvInt("HEALTH_CHECK_INTERVAL_SEC", 5),
		MaxFailures:         getenvInt("MAX_FAILURES", 5),
		LogLevel:            getenv("LOG_LEVEL", "info"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
