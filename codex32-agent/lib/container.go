package agent

import "strings"

// ContainerState is the closed set of lifecycle states a container can
// occupy inside the engine.
type ContainerState string

const (
	ContainerCreated ContainerState = "created"
	ContainerRunning ContainerState = "running"
	ContainerPaused  ContainerState = "paused"
	ContainerStopped ContainerState = "stopped"
	ContainerExited  ContainerState = "exited"
	ContainerFailed  ContainerState = "failed"
)

// IsolationLevel is an advisory label only; see DESIGN.md for the decision
// on what it does and does not enforce.
type IsolationLevel string

const (
	IsolationMinimal  IsolationLevel = "minimal"
	IsolationStandard IsolationLevel = "standard"
	IsolationStrict   IsolationLevel = "strict"
)

// ParseIsolationLevel maps a free-form, case-insensitive string to an
// IsolationLevel, defaulting to standard for anything unrecognized.
func ParseIsolationLevel(s string) IsolationLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal":
		return IsolationMinimal
	case "strict":
		return IsolationStrict
	default:
		return IsolationStandard
	}
}

// Volume describes a bind-mount-point the engine materializes as an empty
// directory/file at container start; no real bind mount is performed.
type Volume struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	ReadOnly    bool   `json:"read_only"`
}

// ResourceLimits mirrors container_engine.py's ResourceLimits dataclass
// defaults.
type ResourceLimits struct {
	CPULimitPercent  float64 `json:"cpu_limit_percent"`
	MemoryLimitMB    int     `json:"memory_limit_mb"`
	DiskIOLimitMbps  float64 `json:"disk_io_limit_mbps"`
	MaxProcesses     int     `json:"max_processes"`
	MaxOpenFiles     int     `json:"max_open_files"`
}

// DefaultResourceLimits returns the source's defaults.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		CPULimitPercent: 100.0,
		MemoryLimitMB:   512,
		DiskIOLimitMbps: 100.0,
		MaxProcesses:    256,
		MaxOpenFiles:    1024,
	}
}

// ContainerConfig is the input to the Container Engine's create_container.
type ContainerConfig struct {
	Name            string            `json:"name"`
	Image           string            `json:"image,omitempty"`
	Entrypoint      string            `json:"entrypoint"`
	EntrypointArgs  []string          `json:"entrypoint_args,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	Volumes         []Volume          `json:"volumes,omitempty"`
	Ports           map[int]int       `json:"ports,omitempty"`
	ResourceLimits  ResourceLimits    `json:"resource_limits"`
	IsolationLevel  IsolationLevel    `json:"isolation_level"`
	Labels          map[string]string `json:"labels,omitempty"`
	AutoRestart     bool              `json:"auto_restart"`
	MaxRestartCount int               `json:"max_restart_count,omitempty"`
}

// ContainerMetadata is the engine's runtime view of a container.
type ContainerMetadata struct {
	Name         string         `json:"name"`
	ContainerID  string         `json:"container_id"`
	State        ContainerState `json:"state"`
	ProcessID    *int           `json:"process_id,omitempty"`
	CreatedAt    string         `json:"created_at,omitempty"`
	StartedAt    string         `json:"started_at,omitempty"`
	StoppedAt    string         `json:"stopped_at,omitempty"`
	ExitCode     *int           `json:"exit_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RootPath     string         `json:"root_path,omitempty"`
}

// ContainerMetricsSample is the single most-recent metrics sample kept per
// running container by its monitor task.
type ContainerMetricsSample struct {
	Timestamp   string  `json:"timestamp"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryMB    float64 `json:"memory_mb"`
	NumThreads  int     `json:"num_threads"`
}

// ParseMemoryLimitMB implements the source's _parse_mem_limit_mb exactly:
// strip/lowercase, keep only the leading run of digit characters, "gi"
// suffix multiplies by 1024, everything else (including "mi" and plain
// digits) is left as megabytes; empty or non-numeric input defaults to 512.
func ParseMemoryLimitMB(raw string) int {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 512
	}

	digits := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
			continue
		}
		break
	}
	if len(digits) == 0 {
		return 512
	}

	n := 0
	for _, d := range digits {
		n = n*10 + int(d-'0')
	}

	if strings.HasSuffix(s, "gi") {
		return n * 1024
	}
	return n
}
