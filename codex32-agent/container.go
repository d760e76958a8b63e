package main

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// rootfsSkeleton is created under every container's private root, mirroring
// container_engine.py's _setup_rootfs.
var rootfsSkeleton = []string{"bin", "lib", "tmp", "var", "home", "app"}

// container owns at most one child process and one concurrent monitor
// goroutine, per spec.md §4.3's Container Engine topology.
type container struct {
	mu     sync.Mutex
	cfg    agent.ContainerConfig
	meta   agent.ContainerMetadata
	sample *agent.ContainerMetricsSample

	cmd *exec.Cmd

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	log *logrus.Entry
}

func newContainer(cfg agent.ContainerConfig, storageRoot string, log *logrus.Logger) *container {
	hash := md5.Sum([]byte(cfg.Name + agent.Timestamp()))
	id := fmt.Sprintf("%x", hash)[:12]
	root := filepath.Join(storageRoot, "running", cfg.Name, "rootfs")

	return &container{
		cfg: cfg,
		meta: agent.ContainerMetadata{
			Name:        cfg.Name,
			ContainerID: id,
			State:       agent.ContainerCreated,
			CreatedAt:   agent.Timestamp(),
			RootPath:    root,
		},
		log: log.WithField("container", cfg.Name),
	}
}

func (c *container) metadata() agent.ContainerMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

func (c *container) metricsSample() *agent.ContainerMetricsSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sample
}

// start materializes the rootfs and volume mount points, spawns the child
// process in its own process group, installs best-effort resource limits, and
// launches the per-container monitor. It returns an error and leaves the
// container in state FAILED on any failure, matching start_container's
// false-return contract.
func (c *container) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setupRootfs(); err != nil {
		return c.fail(err)
	}
	if err := c.mountVolumes(); err != nil {
		return c.fail(err)
	}

	args := append([]string{}, c.cfg.EntrypointArgs...)
	cmd := exec.Command(c.cfg.Entrypoint, args...)
	cmd.Dir = c.meta.RootPath
	cmd.Env = mergeEnv(os.Environ(), c.cfg.Environment)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return c.fail(err)
	}

	c.cmd = cmd
	pid := cmd.Process.Pid
	c.meta.ProcessID = &pid
	c.meta.State = agent.ContainerRunning
	c.meta.StartedAt = agent.Timestamp()

	c.applyResourceLimits(pid)

	ctx, cancel := context.WithCancel(context.Background())
	c.monitorCancel = cancel
	c.monitorDone = make(chan struct{})
	go c.monitorLoop(ctx, pid)

	return nil
}

func (c *container) fail(err error) error {
	c.meta.State = agent.ContainerFailed
	c.meta.ErrorMessage = err.Error()
	return agent.ContainerErr(err, "failed to start container %s", c.cfg.Name)
}

func (c *container) setupRootfs() error {
	for _, sub := range rootfsSkeleton {
		if err := os.MkdirAll(filepath.Join(c.meta.RootPath, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// mountVolumes creates an empty directory or file at each volume's
// destination; real bind mounts are out of scope per spec.md §4.3.
func (c *container) mountVolumes() error {
	for _, v := range c.cfg.Volumes {
		dest, err := agent.SafeJoin(c.meta.RootPath, v.Destination)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if st, err := os.Stat(v.Source); err == nil && st.IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
			continue
		}
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_RDONLY, 0o644)
		if err != nil {
			return err
		}
		f.Close()
	}
	return nil
}

// applyResourceLimits installs address-space, open-file, and process-count
// ceilings on the already-started child via prlimit. Go's exec package has
// no preexec hook equivalent to Python's preexec_fn, so the limits are
// applied immediately after Start rather than before exec. When isolation
// is MINIMAL this is skipped with a debug log; on non-Linux platforms it is
// skipped with a warning.
func (c *container) applyResourceLimits(pid int) {
	if c.cfg.IsolationLevel == agent.IsolationMinimal {
		c.log.Debug("isolation level minimal: skipping resource limits")
		return
	}
	if runtime.GOOS != "linux" {
		c.log.Warn("resource limits not supported on this platform")
		return
	}

	limits := []struct {
		resource int
		value    uint64
	}{
		{unix.RLIMIT_AS, uint64(c.cfg.ResourceLimits.MemoryLimitMB) * 1024 * 1024},
		{unix.RLIMIT_NOFILE, uint64(c.cfg.ResourceLimits.MaxOpenFiles)},
		{unix.RLIMIT_NPROC, uint64(c.cfg.ResourceLimits.MaxProcesses)},
	}
	for _, l := range limits {
		rl := unix.Rlimit{Cur: l.value, Max: l.value}
		if err := unix.Prlimit(pid, l.resource, &rl, nil); err != nil {
			c.log.WithError(err).Warn("failed to install resource limit")
		}
	}
}

// monitorLoop samples CPU/RSS/thread-count every 5 seconds until the child
// is gone or an OS access error occurs, per spec.md §4.3's monitor task.
func (c *container) monitorLoop(ctx context.Context, pid int) {
	defer close(c.monitorDone)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running, err := proc.IsRunning()
			if err != nil || !running {
				return
			}

			cpuPct, _ := proc.CPUPercent()
			memInfo, err := proc.MemoryInfo()
			if err != nil {
				return
			}
			threads, _ := proc.NumThreads()

			memMB := float64(memInfo.RSS) / (1024 * 1024)

			c.mu.Lock()
			c.sample = &agent.ContainerMetricsSample{
				Timestamp:  agent.Timestamp(),
				CPUPercent: cpuPct,
				MemoryMB:   memMB,
				NumThreads: int(threads),
			}
			limitMB := float64(c.cfg.ResourceLimits.MemoryLimitMB)
			c.mu.Unlock()

			if limitMB > 0 && memMB > limitMB*0.9 {
				c.log.WithFields(logrus.Fields{
					"memory_mb": memMB,
					"limit_mb":  limitMB,
				}).Warn("container approaching memory limit")
			}
		}
	}
}

// stop signals the process group with TERM, waits up to timeout, then
// KILLs; it always tears down the monitor and stamps StoppedAt, returning
// nil even if the container was never started.
func (c *container) stop(timeout time.Duration) error {
	c.mu.Lock()
	cmd := c.cmd
	cancel := c.monitorCancel
	done := c.monitorDone
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if cmd != nil && cmd.Process != nil {
		pid := cmd.Process.Pid
		_ = unix.Kill(-pid, syscall.SIGTERM)

		exited := make(chan error, 1)
		go func() { exited <- cmd.Wait() }()

		select {
		case err := <-exited:
			c.recordExit(err)
		case <-time.After(timeout):
			_ = unix.Kill(-pid, syscall.SIGKILL)
			err := <-exited
			c.recordExit(err)
		}
	}

	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.meta.State = agent.ContainerExited
	c.meta.StoppedAt = agent.Timestamp()
	c.mu.Unlock()

	return nil
}

func (c *container) recordExit(waitErr error) {
	code := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if waitErr != nil {
		code = -1
	}
	c.mu.Lock()
	c.meta.ExitCode = &code
	c.mu.Unlock()
}

func mergeEnv(base []string, extra map[string]string) []string {
	out := append([]string{}, base...)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}
