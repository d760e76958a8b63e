package agent

import (
	"regexp"
	"strings"
	"time"
)

// BotStatus is the closed set of lifecycle states a BotRecord can occupy.
type BotStatus string

const (
	StatusCreated   BotStatus = "created"
	StatusDeploying BotStatus = "deploying"
	StatusRunning   BotStatus = "running"
	StatusStopped   BotStatus = "stopped"
	StatusFailed    BotStatus = "failed"
	StatusError     BotStatus = "error"
	StatusPaused    BotStatus = "paused"
)

// DeploymentType is the closed tagged variant for where a bot runs,
// replacing the source's dynamic string lookup on deployment_type.
type DeploymentType string

const (
	DeployLocalProcess    DeploymentType = "local_process"
	DeployCustomContainer DeploymentType = "custom_container"
)

// ParseDeploymentType normalizes a free-form, case-insensitive string into
// a DeploymentType. The source also accepts the bare word "container" as a
// synonym for custom_container; everything else falls back to local.
func ParseDeploymentType(s string) DeploymentType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "custom_container", "container":
		return DeployCustomContainer
	default:
		return DeployLocalProcess
	}
}

// DeploymentConfig is the deployment-time configuration embedded in a
// BotRecord.
type DeploymentConfig struct {
	DeploymentType  DeploymentType    `json:"deployment_type"`
	MemoryLimit     string            `json:"memory_limit,omitempty"`
	EnvironmentVars map[string]string `json:"environment_vars,omitempty"`
	ExtraConfig     map[string]any    `json:"extra_config,omitempty"`
}

// PerformanceSample is one entry in a bot's performance.logs trail. Only
// the fields relevant to the sample's kind are populated; the rest are
// left at their zero value and omitted from JSON.
type PerformanceSample struct {
	Timestamp      string  `json:"timestamp,omitempty"`
	CPULoad        float64 `json:"cpu_load,omitempty"`
	MemoryUsageMB  float64 `json:"memory_usage_mb,omitempty"`
	UptimeSeconds  float64 `json:"uptime_seconds,omitempty"`
	LastHeartbeat  string  `json:"last_heartbeat,omitempty"`
	Event          string  `json:"event,omitempty"`
	LifecycleState string  `json:"status,omitempty"`
}

// Performance wraps the ordered sample log for a bot.
type Performance struct {
	Logs []PerformanceSample `json:"logs"`
}

// BotRecord is the unit of registry state. It is a struct with an explicit
// schema plus an in-memory Extra map. Extra is not serialized: its entries
// are neither persisted with the record nor filled from JSON, and JSON
// fields outside the schema are dropped when a record is decoded.
type BotRecord struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Blueprint        string           `json:"blueprint"`
	Role             string           `json:"role,omitempty"`
	Status           BotStatus        `json:"status"`
	DeploymentConfig DeploymentConfig `json:"deployment_config"`
	ProcessID        *int             `json:"process_id,omitempty"`
	ContainerID      *string          `json:"container_id,omitempty"`
	StartedAt        string           `json:"started_at,omitempty"`
	StoppedAt        string           `json:"stopped_at,omitempty"`
	UpdatedAt        string           `json:"updated_at,omitempty"`
	CreatedAt        string           `json:"created_at,omitempty"`
	ErrorCount       int              `json:"error_count"`
	LastError        *string         `json:"last_error,omitempty"`
	Performance      Performance      `json:"performance"`
	Extra            map[string]any   `json:"-"`
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidID reports whether s is a legal BotRecord.ID: alphanumeric plus
// hyphen/underscore, 1-64 characters.
func ValidID(s string) bool {
	return idPattern.MatchString(s)
}

// NormalizeID lowercases an id the way the registry's name lookups and
// the Python Bot model's validator do.
func NormalizeID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Timestamp returns the current instant formatted as ISO-8601 UTC with a
// trailing "Z", matching utils.get_timestamp in the source.
func Timestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// IsFailedStatus reports whether a status counts toward get_registry_stats'
// failed_bots bucket on its own (the bucket also counts any bot with a
// non-empty LastError regardless of status).
func IsFailedStatus(s BotStatus) bool {
	return s == StatusError || s == StatusFailed
}
