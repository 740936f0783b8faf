package mixer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollRefreshesAndReconciles(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	ctx := context.Background()

	poller, err := NewPoller(testLogger(t), core.registry, core.solo, time.Second)
	require.NoError(t, err)

	require.NoError(t, core.solo.ActivateSolo(ctx, ApplicationTarget(100)))
	core.adapter.AddApplication(MemoryApplication{ProcessID: 300, Name: "c.exe", Volume: 0.3})

	snap := poller.Poll(ctx)

	app, ok := snap.Application(300)
	require.True(t, ok)
	require.True(t, app.Muted)
}

func TestPollerRunsInBackground(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)

	poller, err := NewPoller(testLogger(t), core.registry, core.solo, 10*time.Millisecond)
	require.NoError(t, err)

	poller.Start()
	defer poller.Stop()

	core.adapter.AddApplication(MemoryApplication{ProcessID: 300, Name: "c.exe", Volume: 0.3})

	require.Eventually(t, func() bool {
		_, ok := core.registry.Snapshot().Application(300)
		return ok
	}, time.Second, 5*time.Millisecond)

	poller.SetInterval(20 * time.Millisecond)
	core.adapter.RemoveApplication(300)

	require.Eventually(t, func() bool {
		_, ok := core.registry.Snapshot().Application(300)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestPollerAdoptsNewInterval(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)

	poller, err := NewPoller(testLogger(t), core.registry, core.solo, time.Hour)
	require.NoError(t, err)
	require.Zero(t, poller.activeInterval())

	poller.Start()
	defer poller.Stop()
	require.Equal(t, time.Hour, poller.activeInterval())

	poller.SetInterval(20 * time.Millisecond)
	require.Eventually(t, func() bool {
		return poller.activeInterval() == 20*time.Millisecond
	}, time.Second, 5*time.Millisecond)

	// the loop now ticks at the new interval
	core.adapter.AddApplication(MemoryApplication{ProcessID: 300, Name: "c.exe", Volume: 0.3})
	require.Eventually(t, func() bool {
		_, ok := core.registry.Snapshot().Application(300)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestNewPollerRequiresCollaborators(t *testing.T) {
	_, err := NewPoller(testLogger(t), nil, nil, time.Second)
	require.ErrorIs(t, err, ErrPrecondition)
}
