package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// containerStartTimeout bounds how long the Executor waits for a
// container to reach RUNNING before falling back to local mode.
const containerStartTimeout = 10 * time.Second

// localStopGrace is how long stop_bot waits after TERM before escalating
// to KILL for a locally-run bot.
const localStopGrace = 5 * time.Second

// containerBackend is the subset of containerEngine's behavior RunBot
// depends on. Satisfied by *containerEngine in production; tests supply
// fakes that simulate a create/start failure or a start that does not
// return within the start timeout, to exercise the container-to-local fallback and the
// container-start-timeout paths without spawning a real process.
type containerBackend interface {
	CreateContainer(cfg agent.ContainerConfig) error
	StartContainer(name string) error
	StopContainer(name string, timeout time.Duration) error
	RemoveContainer(name string, timeout time.Duration) error
	GetContainerInfo(name string) (agent.ContainerMetadata, bool)
	GetContainerMetrics(name string) (*agent.ContainerMetricsSample, bool)
}

// executor is the Adaptive Executor from spec.md §4.4: decides execution
// mode per bot, drives start/stop, and tracks running handles.
type executor struct {
	mu sync.Mutex

	runningProcesses map[string]*exec.Cmd
	runningPsutil    map[string]*process.Process
	processCreatedAt map[string]time.Time
	runningContainers map[string]string // bot id -> container name

	registry *registry
	engine   containerBackend
	cfg      *Settings
	log      *logrus.Logger

	isolationLevel agent.IsolationLevel

	// startTimeout bounds how long RunBot waits for a container to start
	// before falling back to local mode. Defaults to containerStartTimeout;
	// tests shrink it to exercise the timeout path without a real 10s wait.
	startTimeout time.Duration
}

func newExecutor(reg *registry, engine containerBackend, cfg *Settings, log *logrus.Logger) *executor {
	isolation := agent.IsolationStandard
	if cfg != nil {
		isolation = agent.ParseIsolationLevel(cfg.IsolationLevel)
	}
	return &executor{
		runningProcesses:  make(map[string]*exec.Cmd),
		runningPsutil:     make(map[string]*process.Process),
		processCreatedAt:  make(map[string]time.Time),
		runningContainers: make(map[string]string),
		registry:          reg,
		engine:            engine,
		cfg:               cfg,
		log:               log,
		isolationLevel:    isolation,
		startTimeout:      containerStartTimeout,
	}
}

func (x *executor) resolveScriptPath(blueprint string) (string, error) {
	if filepath.IsAbs(blueprint) {
		return blueprint, nil
	}
	return agent.SafeJoin(x.cfg.BotsDirectory, blueprint)
}

// interpreterFor returns the child-process command to run a blueprint.
// Per DESIGN.md's decision on the open question, this always returns
// python3, matching the source's hardcoded interpreter.
func interpreterFor(scriptPath string) string {
	return "python3"
}

// RunBot implements run_bot: resolve the blueprint, pick local or
// container mode, and fall back to local on container failure.
func (x *executor) RunBot(b agent.BotRecord) error {
	scriptPath, err := x.resolveScriptPath(b.Blueprint)
	if err != nil {
		return x.failBlueprint(b, err)
	}
	if _, statErr := os.Stat(scriptPath); statErr != nil {
		return x.failBlueprint(b, statErr)
	}

	x.registry.UpdateBotStatus(b.ID, agent.StatusDeploying, nil)

	if b.DeploymentConfig.DeploymentType == agent.DeployCustomContainer {
		if err := x.runInContainer(b, scriptPath); err != nil {
			msg := fmt.Sprintf("Container failed; fallback to local: %v", err)
			x.registry.UpdateBotStatus(b.ID, agent.StatusDeploying, func(r *agent.BotRecord) {
				r.LastError = &msg
				r.ErrorCount++
			})
			x.log.WithError(err).WithField("bot_id", b.ID).Warn("container start failed, falling back to local process")

			if localErr := x.runLocally(b, scriptPath); localErr != nil {
				combined := fmt.Sprintf("%s; local fallback also failed: %v", msg, localErr)
				x.registry.UpdateBotStatus(b.ID, agent.StatusError, func(r *agent.BotRecord) {
					r.LastError = &combined
					r.ErrorCount++
				})
				return agent.ExecutionErr(localErr, "container and local fallback both failed for bot %s", b.ID)
			}
		}
		return nil
	}

	return x.runLocally(b, scriptPath)
}

func (x *executor) failBlueprint(b agent.BotRecord, cause error) error {
	x.registry.UpdateBotStatus(b.ID, agent.StatusFailed, nil)
	return agent.BlueprintMissing("bot script not found: %v", cause)
}

func (x *executor) runInContainer(b agent.BotRecord, scriptPath string) error {
	memMB := agent.ParseMemoryLimitMB(b.DeploymentConfig.MemoryLimit)
	autoRestart, _ := b.DeploymentConfig.ExtraConfig["auto_restart"].(bool)

	limits := agent.DefaultResourceLimits()
	limits.MemoryLimitMB = memMB

	cfg := agent.ContainerConfig{
		Name:           fmt.Sprintf("bot-%s", b.ID),
		Entrypoint:     interpreterFor(scriptPath),
		EntrypointArgs: []string{scriptPath},
		Environment:    b.DeploymentConfig.EnvironmentVars,
		ResourceLimits: limits,
		IsolationLevel: x.isolationLevel,
		Labels:         map[string]string{"bot_id": b.ID, "bot_name": b.Name},
		AutoRestart:    autoRestart,
	}

	if err := x.engine.CreateContainer(cfg); err != nil {
		return agent.ContainerErr(err, "create container for bot %s", b.ID)
	}

	done := make(chan error, 1)
	go func() { done <- x.engine.StartContainer(cfg.Name) }()

	select {
	case err := <-done:
		if err != nil {
			_ = x.engine.RemoveContainer(cfg.Name, 10*time.Second)
			return agent.ContainerErr(err, "start container for bot %s", b.ID)
		}
	case <-time.After(x.startTimeout):
		_ = x.engine.StopContainer(cfg.Name, 10*time.Second)
		_ = x.engine.RemoveContainer(cfg.Name, 10*time.Second)
		return agent.ContainerErr(context.DeadlineExceeded, "container start timed out for bot %s", b.ID)
	}

	meta, _ := x.engine.GetContainerInfo(cfg.Name)

	x.mu.Lock()
	x.runningContainers[b.ID] = cfg.Name
	x.mu.Unlock()

	x.registry.UpdateBotStatus(b.ID, agent.StatusRunning, func(r *agent.BotRecord) {
		r.ProcessID = meta.ProcessID
		cid := meta.ContainerID
		r.ContainerID = &cid
		r.StartedAt = agent.Timestamp()
	})
	return nil
}

func (x *executor) runLocally(b agent.BotRecord, scriptPath string) error {
	cmd := exec.Command(interpreterFor(scriptPath), scriptPath)
	cmd.Env = mergeEnv(os.Environ(), b.DeploymentConfig.EnvironmentVars)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		x.registry.UpdateBotStatus(b.ID, agent.StatusFailed, nil)
		return agent.ExecutionErr(err, "spawn local process for bot %s", b.ID)
	}

	pid := cmd.Process.Pid
	proc, _ := process.NewProcess(int32(pid))

	x.mu.Lock()
	x.runningProcesses[b.ID] = cmd
	x.runningPsutil[b.ID] = proc
	x.processCreatedAt[b.ID] = time.Now()
	x.mu.Unlock()

	go func() { _ = cmd.Wait() }()

	x.registry.UpdateBotStatus(b.ID, agent.StatusRunning, func(r *agent.BotRecord) {
		r.ProcessID = &pid
		r.StartedAt = agent.Timestamp()
	})
	return nil
}

// StopBot stops whichever mode the bot is tracked under. It always
// returns (false, nil) rather than an error when the bot was not tracked.
func (x *executor) StopBot(botID, reason string) (bool, error) {
	x.mu.Lock()
	containerName, trackedContainer := x.runningContainers[botID]
	cmd, trackedProcess := x.runningProcesses[botID]
	delete(x.runningContainers, botID)
	delete(x.runningProcesses, botID)
	delete(x.runningPsutil, botID)
	delete(x.processCreatedAt, botID)
	x.mu.Unlock()

	switch {
	case trackedContainer:
		if err := x.engine.StopContainer(containerName, 10*time.Second); err != nil {
			time.Sleep(200 * time.Millisecond)
			_ = x.engine.StopContainer(containerName, 10*time.Second)
		}
		_ = x.engine.RemoveContainer(containerName, 10*time.Second)
		x.appendLifecycle(botID, reason)
		x.registry.UpdateBotStatus(botID, agent.StatusStopped, func(r *agent.BotRecord) {
			r.StoppedAt = agent.Timestamp()
		})
		return true, nil

	case trackedProcess:
		if err := x.stopProcess(cmd); err != nil {
			msg := err.Error()
			x.registry.UpdateBotStatus(botID, agent.StatusError, func(r *agent.BotRecord) {
				r.LastError = &msg
			})
			return false, err
		}
		x.appendLifecycle(botID, reason)
		x.registry.UpdateBotStatus(botID, agent.StatusStopped, func(r *agent.BotRecord) {
			r.StoppedAt = agent.Timestamp()
		})
		return true, nil

	default:
		return false, nil
	}
}

func (x *executor) stopProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	_ = unix.Kill(-pid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() { cmd.Wait(); close(done) }()

	select {
	case <-done:
		return nil
	case <-time.After(localStopGrace):
		_ = unix.Kill(-pid, syscall.SIGKILL)
		<-done
		return nil
	}
}

func (x *executor) appendLifecycle(botID, reason string) {
	b, ok := x.registry.GetByID(botID)
	if !ok {
		return
	}
	b.Performance.Logs = append(b.Performance.Logs, agent.PerformanceSample{
		Timestamp:      agent.Timestamp(),
		Event:          reason,
		LifecycleState: "stopped",
	})
	x.registry.UpdateBotStatus(botID, b.Status, func(r *agent.BotRecord) {
		r.Performance = b.Performance
	})
}

// RestartBot is best-effort stop, a 1-second pause, then run.
func (x *executor) RestartBot(b agent.BotRecord, reason string) error {
	_, _ = x.StopBot(b.ID, reason)
	time.Sleep(1 * time.Second)
	return x.RunBot(b)
}

// MonitorAndHeal implements monitor_and_heal: samples the tracked
// container or process and appends a performance-log entry, stopping the
// bot if the process is gone or over the memory threshold.
func (x *executor) MonitorAndHeal(botID string) (string, error) {
	x.mu.Lock()
	containerName, trackedContainer := x.runningContainers[botID]
	proc, trackedProcess := x.runningPsutil[botID]
	createdAt := x.processCreatedAt[botID]
	x.mu.Unlock()

	if trackedContainer {
		sample, ok := x.engine.GetContainerMetrics(containerName)
		if ok && sample != nil {
			x.appendSample(botID, agent.PerformanceSample{
				CPULoad:       sample.CPUPercent,
				MemoryUsageMB: sample.MemoryMB,
				LastHeartbeat: agent.Timestamp(),
			})
		}
		return "", nil
	}

	if trackedProcess {
		running, err := proc.IsRunning()
		if err != nil || !running {
			_, _ = x.StopBot(botID, "Process died")
			return "process_terminated", nil
		}

		cpuPct, _ := proc.CPUPercent()
		memInfo, err := proc.MemoryInfo()
		if err != nil {
			return "", nil
		}
		memMB := float64(memInfo.RSS) / (1024 * 1024)
		uptime := time.Since(createdAt).Seconds()

		x.appendSample(botID, agent.PerformanceSample{
			CPULoad:       cpuPct,
			MemoryUsageMB: memMB,
			UptimeSeconds: uptime,
			LastHeartbeat: agent.Timestamp(),
		})

		if x.cfg.MemoryThresholdMB > 0 && memMB > float64(x.cfg.MemoryThresholdMB) {
			_, _ = x.StopBot(botID, "Memory limit exceeded")
			return "memory_limit_exceeded", nil
		}
		if x.cfg.CPUThresholdPercent > 0 && cpuPct > x.cfg.CPUThresholdPercent {
			warn := fmt.Sprintf("CPU usage %.1f%% exceeds threshold %.1f%%", cpuPct, x.cfg.CPUThresholdPercent)
			x.registry.UpdateBotStatus(botID, agent.StatusRunning, func(r *agent.BotRecord) {
				r.LastError = &warn
			})
		}
		return "", nil
	}

	if _, ok := x.registry.GetByID(botID); !ok {
		return "bot_not_in_registry", nil
	}
	return "", nil
}

func (x *executor) appendSample(botID string, sample agent.PerformanceSample) {
	b, ok := x.registry.GetByID(botID)
	if !ok {
		return
	}
	b.Performance.Logs = append(b.Performance.Logs, sample)
	x.registry.UpdateBotStatus(botID, b.Status, func(r *agent.BotRecord) {
		r.Performance = b.Performance
	})
}

// CleanupAllBots stops every tracked bot (both modes) and returns how
// many were stopped.
func (x *executor) CleanupAllBots() int {
	x.mu.Lock()
	ids := make(map[string]struct{}, len(x.runningProcesses)+len(x.runningContainers))
	for id := range x.runningProcesses {
		ids[id] = struct{}{}
	}
	for id := range x.runningContainers {
		ids[id] = struct{}{}
	}
	x.mu.Unlock()

	stopped := 0
	for id := range ids {
		if ok, _ := x.StopBot(id, "shutdown"); ok {
			stopped++
		}
	}
	return stopped
}

// TrackedContainers and TrackedProcesses back /self/runtime.
func (x *executor) TrackedContainers() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.runningContainers)
}

func (x *executor) TrackedProcesses() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.runningProcesses)
}

func (x *executor) IsTracked(botID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, c := x.runningContainers[botID]
	_, p := x.runningProcesses[botID]
	return c || p
}

func (x *executor) IsContainerTracked(botID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.runningContainers[botID]
	return ok
}

func (x *executor) trackedPID(botID string) (int, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	cmd, ok := x.runningProcesses[botID]
	if !ok || cmd.Process == nil {
		return 0, false
	}
	return cmd.Process.Pid, true
}

func (x *executor) trackedContainerName(botID string) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	name, ok := x.runningContainers[botID]
	return name, ok
}
