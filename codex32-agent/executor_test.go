package main

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T) (*executor, *registry) {
	t.Helper()
	dir := t.TempDir()
	log := testLogger()
	store := newJSONStore(log)
	reg := newRegistry(filepath.Join(dir, "registry.json"), store, log)
	engine := newContainerEngine(filepath.Join(dir, "containers"), log, nil)
	cfg := &Settings{BotsDirectory: dir}
	return newExecutor(reg, engine, cfg, log), reg
}

// fakeContainerBackend is a containerBackend double that lets tests force a
// create/start failure or an artificial start delay, to exercise RunBot's
// container-to-local fallback and container-start-timeout paths without
// spawning a real container process.
type fakeContainerBackend struct {
	mu sync.Mutex

	createErr    error
	createCalled bool

	startErr    error
	startDelay  time.Duration
	startCalled bool

	stopCalled   bool
	removeCalled bool
}

func (f *fakeContainerBackend) CreateContainer(agent.ContainerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalled = true
	return f.createErr
}

func (f *fakeContainerBackend) StartContainer(string) error {
	f.mu.Lock()
	delay, err := f.startDelay, f.startErr
	f.startCalled = true
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (f *fakeContainerBackend) StopContainer(string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalled = true
	return nil
}

func (f *fakeContainerBackend) RemoveContainer(string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalled = true
	return nil
}

func (f *fakeContainerBackend) GetContainerInfo(string) (agent.ContainerMetadata, bool) {
	return agent.ContainerMetadata{}, false
}

func (f *fakeContainerBackend) GetContainerMetrics(string) (*agent.ContainerMetricsSample, bool) {
	return nil, false
}

// writeNoopScript creates a comment-only, existing blueprint file so RunBot's
// up-front os.Stat check passes and execution proceeds into the
// container/local branch under test.
func writeNoopScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot.py")
	require.NoError(t, os.WriteFile(path, []byte("# noop\n"), 0o644))
	return path
}

func containerBot(id, scriptPath string) agent.BotRecord {
	return agent.BotRecord{
		ID:        id,
		Name:      id,
		Blueprint: scriptPath,
		Status:    agent.StatusCreated,
		DeploymentConfig: agent.DeploymentConfig{
			DeploymentType: agent.DeployCustomContainer,
		},
	}
}

// TestRunBotContainerCreateFailureFallsBackToLocal covers spec.md §8
// scenario 3: a container create failure causes RunBot to fall back to
// local-process mode rather than failing the bot outright.
func TestRunBotContainerCreateFailureFallsBackToLocal(t *testing.T) {
	exec, reg := newTestExecutor(t)
	fake := &fakeContainerBackend{createErr: agent.ContainerErr(errors.New("boom"), "simulated create failure")}
	exec.engine = fake

	b, err := reg.RegisterBot(containerBot("bot-container-fail", writeNoopScript(t)))
	require.NoError(t, err)

	_ = exec.RunBot(b)

	require.True(t, fake.createCalled)
	require.False(t, fake.startCalled, "start must not be attempted once create fails")

	updated, ok := reg.GetByID(b.ID)
	require.True(t, ok)
	require.NotNil(t, updated.LastError)
	require.Contains(t, *updated.LastError, "Container failed; fallback to local")
}

// TestRunBotContainerStartTimeoutFallsBackToLocal covers spec.md §8
// scenario 4: a container start that never completes within the executor's
// start timeout is abandoned (stop+remove) and RunBot falls back to local.
func TestRunBotContainerStartTimeoutFallsBackToLocal(t *testing.T) {
	exec, reg := newTestExecutor(t)
	fake := &fakeContainerBackend{startDelay: 150 * time.Millisecond}
	exec.engine = fake
	exec.startTimeout = 20 * time.Millisecond

	b, err := reg.RegisterBot(containerBot("bot-container-timeout", writeNoopScript(t)))
	require.NoError(t, err)

	_ = exec.RunBot(b)

	require.True(t, fake.createCalled)
	require.True(t, fake.startCalled)
	require.True(t, fake.stopCalled, "timed-out start must be stopped")
	require.True(t, fake.removeCalled, "timed-out start must be removed")

	updated, ok := reg.GetByID(b.ID)
	require.True(t, ok)
	require.NotNil(t, updated.LastError)
	require.Contains(t, *updated.LastError, "Container failed; fallback to local")

	// Let the fake's delayed StartContainer goroutine finish before the
	// temp dirs it might reference are cleaned up.
	time.Sleep(150 * time.Millisecond)
}

func TestRunBotMissingBlueprintFails(t *testing.T) {
	exec, reg := newTestExecutor(t)

	b, err := reg.RegisterBot(testBot("bot-1"))
	require.NoError(t, err)

	err = exec.RunBot(b)
	require.Error(t, err)
	kind, ok := agent.KindOf(err)
	require.True(t, ok)
	require.Equal(t, agent.KindBlueprintMissing, kind)

	updated, ok := reg.GetByID("bot-1")
	require.True(t, ok)
	require.Equal(t, agent.StatusFailed, updated.Status)
}

func TestStopBotNotTrackedReturnsFalse(t *testing.T) {
	exec, _ := newTestExecutor(t)
	ok, err := exec.StopBot("never-started", "test")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMonitorAndHealUnknownBot(t *testing.T) {
	exec, _ := newTestExecutor(t)
	result, err := exec.MonitorAndHeal("does-not-exist")
	require.NoError(t, err)
	require.Equal(t, "bot_not_in_registry", result)
}
