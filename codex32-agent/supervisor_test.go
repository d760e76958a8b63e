package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDurationCapsAt60Seconds(t *testing.T) {
	cases := []struct {
		failures int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},  // 2^6 = 64, capped
		{10, 60 * time.Second}, // 2^10 would be far above the cap
	}

	for _, tc := range cases {
		got := backoffDuration(tc.failures)
		require.Equal(t, tc.want, got, "failures=%d", tc.failures)
	}
}

func TestSupervisorQuarantinesAfterMaxFailures(t *testing.T) {
	dir := t.TempDir()
	log := testLogger()
	store := newJSONStore(log)
	reg := newRegistry(dir+"/registry.json", store, log)
	engine := newContainerEngine(dir+"/containers", log, nil)
	exec := newExecutor(reg, engine, &Settings{BotsDirectory: dir}, log)
	incidents := newIncidentLog(dir+"/incidents.ndjson", log)

	sup := newSupervisor(1, 1, reg, engine, exec, incidents, nil, log)

	b, err := reg.RegisterBot(testBot("bot-1"))
	require.NoError(t, err)
	_, ok := reg.UpdateBotStatus(b.ID, b.Status, nil)
	require.True(t, ok)

	now := time.Now()
	sup.handleUnhealthy(b, now)
	sup.handleUnhealthy(b, now.Add(2*time.Second))

	updated, ok := reg.GetByID(b.ID)
	require.True(t, ok)
	require.Equal(t, "error", string(updated.Status))

	incs, err := incidents.Tail(10)
	require.NoError(t, err)

	var sawQuarantine bool
	for _, inc := range incs {
		if inc.Kind == "quarantined" {
			sawQuarantine = true
		}
	}
	require.True(t, sawQuarantine)
}
