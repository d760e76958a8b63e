package main

import (
	"math"
	"strconv"
	"sync"
	"time"

	agent "github.com/hakunaTgl/codex32-agent/codex32-agent/lib"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// restartState is the Supervisor-internal bookkeeping from spec.md §3;
// it lives only in memory.
type restartState struct {
	failures      int
	lastAttemptAt time.Time
	nextAllowedAt time.Time
}

// supervisor is the Self-Healing Supervisor from spec.md §4.5: a single
// long-running control loop. Grounded on harpoon-scheduler/state_machine.go's
// channel-actor idiom for the stop/query handshake, generalized from
// querying scheduler state to driving a periodic heal tick.
type supervisor struct {
	intervalSec int
	maxFailures int

	registry *registry
	engine   *containerEngine
	executor *executor
	incident *incidentLog
	metrics  *metricsRegistry
	log      *logrus.Logger

	mu     sync.Mutex
	states map[string]*restartState

	stopc chan chan struct{}
	done  chan struct{}
}

func newSupervisor(intervalSec, maxFailures int, reg *registry, engine *containerEngine, exec *executor, incidents *incidentLog, m *metricsRegistry, log *logrus.Logger) *supervisor {
	if intervalSec < 1 {
		intervalSec = 1
	}
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &supervisor{
		intervalSec: intervalSec,
		maxFailures: maxFailures,
		registry:    reg,
		engine:      engine,
		executor:    exec,
		incident:    incidents,
		metrics:     m,
		log:         log,
		states:      make(map[string]*restartState),
	}
}

// Start spawns the control-loop goroutine. It is not safe to call twice
// without an intervening Stop.
func (s *supervisor) Start() {
	s.stopc = make(chan chan struct{})
	s.done = make(chan struct{})
	go s.loop()
}

func (s *supervisor) loop() {
	defer close(s.done)
	ticker := time.NewTicker(time.Duration(s.intervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case reply := <-s.stopc:
			close(reply)
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.WithField("panic", r).Error("supervisor tick panicked")
					}
				}()
				s.tick()
			}()
		}
	}
}

// Stop requests the loop to exit and waits up to 5 seconds before giving
// up, matching the 5 s join deadline in spec.md §4.5. The stop signal is
// sent from a helper goroutine with a blocking send (guarded only by the
// loop's done channel, in case the loop has already exited) so a tick in
// flight never causes the request to be silently dropped — a non-blocking
// send here would let Start() spawn a second, concurrent loop goroutine
// while the first one was still draining its tick. The 5 second deadline
// covers both the delivery of the request and the loop's exit.
func (s *supervisor) Stop() {
	if s.stopc == nil {
		return
	}
	stopc, done := s.stopc, s.done
	reply := make(chan struct{})
	go func() {
		select {
		case stopc <- reply:
		case <-done:
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("supervisor stop deadline exceeded, abandoning loop")
	}
}

func (s *supervisor) getState(botID string) *restartState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[botID]
	if !ok {
		st = &restartState{}
		s.states[botID] = st
	}
	return st
}

// tick re-checks every RUNNING/DEPLOYING bot and drives healing for the
// unhealthy ones. Per DESIGN.md's decision on the open question, tick is
// the only internal caller of healing logic; MonitorAndHeal is not invoked
// from here, matching the source exactly, and no HTTP route calls it
// either.
func (s *supervisor) tick() {
	now := time.Now()
	for _, b := range s.registry.GetAll() {
		if b.Status != agent.StatusRunning && b.Status != agent.StatusDeploying {
			continue
		}
		if !s.isHealthy(b) {
			s.handleUnhealthy(b, now)
		}
	}
}

func (s *supervisor) isHealthy(b agent.BotRecord) bool {
	if s.executor.IsContainerTracked(b.ID) {
		name, ok := s.executor.trackedContainerName(b.ID)
		if !ok {
			return false
		}
		meta, ok := s.engine.GetContainerInfo(name)
		return ok && meta.State == agent.ContainerRunning
	}

	pid, ok := s.executor.trackedPID(b.ID)
	if !ok {
		return false
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	status, err := proc.Status()
	if err == nil {
		for _, st := range status {
			if st == "Z" || st == "zombie" {
				return false
			}
		}
	}
	return true
}

func (s *supervisor) handleUnhealthy(b agent.BotRecord, now time.Time) {
	st := s.getState(b.ID)

	if !st.nextAllowedAt.IsZero() && now.Before(st.nextAllowedAt) {
		return
	}

	st.failures++
	st.lastAttemptAt = now

	if st.failures > s.maxFailures {
		msg := "Supervisor quarantined bot after " + strconv.Itoa(st.failures) + " failed heal attempts"
		s.registry.UpdateBotStatus(b.ID, agent.StatusError, func(r *agent.BotRecord) {
			r.LastError = &msg
		})
		s.emit(b, agent.IncidentQuarantined, msg, map[string]any{"failures": st.failures})
		if s.metrics != nil {
			s.metrics.quarantines.Inc()
		}
		return
	}

	s.emit(b, agent.IncidentUnhealthy, "bot failed health check", map[string]any{"failures": st.failures})

	_, _ = s.executor.StopBot(b.ID, "Supervisor self-heal")

	backoff := backoffDuration(st.failures)

	if err := s.executor.RunBot(b); err == nil {
		st.nextAllowedAt = now.Add(backoff)
		s.emit(b, agent.IncidentRestart, "bot restarted by supervisor", map[string]any{
			"failures": st.failures,
			"mode":     string(b.DeploymentConfig.DeploymentType),
		})
		return
	}

	s.emit(b, agent.IncidentRestartFailed, "supervisor restart attempt failed", map[string]any{"failures": st.failures})

	if b.DeploymentConfig.DeploymentType == agent.DeployCustomContainer {
		fallback := b
		fallback.DeploymentConfig.DeploymentType = agent.DeployLocalProcess
		s.registry.UpdateBot(fallback)

		if err := s.executor.RunBot(fallback); err == nil {
			st.nextAllowedAt = now.Add(backoff)
			s.emit(b, agent.IncidentFallback, "bot fell back to local process", map[string]any{"failures": st.failures})
			return
		}
		s.emit(b, agent.IncidentFallbackFailed, "supervisor fallback attempt failed", map[string]any{"failures": st.failures})
	}

	st.nextAllowedAt = now.Add(backoff)
}

// backoffDuration computes min(60, 2^failures) seconds, per spec.md's
// backoff-deadline definition.
func backoffDuration(failures int) time.Duration {
	seconds := math.Pow(2, float64(failures))
	if seconds > 60 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

func (s *supervisor) emit(b agent.BotRecord, kind agent.IncidentKind, message string, data map[string]any) {
	inc := agent.Incident{
		BotID:   b.ID,
		BotName: b.Name,
		Kind:    kind,
		Message: message,
		Data:    data,
	}
	if err := s.incident.Append(inc); err != nil {
		s.log.WithError(err).Error("failed to append incident")
	}
	if s.metrics != nil {
		s.metrics.incidentsByKind.WithLabelValues(string(kind)).Inc()
	}
}
