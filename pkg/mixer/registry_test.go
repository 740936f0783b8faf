package mixer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRefreshReadsApplicationsAndDevices(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)

	snap := core.registry.Snapshot()
	require.Len(t, snap.Applications, 2)
	require.Equal(t, "a.exe", snap.Applications[0].ProcessName)
	require.InDelta(t, 0.5, snap.Applications[0].Volume, 1e-6)

	require.Len(t, snap.DevicesOf(DirectionRender), 2)
	require.Len(t, snap.DevicesOf(DirectionCapture), 1)
	require.Equal(t, []string{"speaker1"}, defaultIDs(snap, DirectionRender))
	require.Equal(t, []string{"mic1"}, defaultIDs(snap, DirectionCapture))
}

func TestRefreshExcludesNonPositiveProcessIDs(t *testing.T) {
	state := abState()
	state.Applications = append(state.Applications,
		MemoryApplication{ProcessID: 0, Name: "System Sounds", Volume: 1},
		MemoryApplication{ProcessID: -4, Name: "ghost", Volume: 1},
	)

	core := newTestCore(t, state, VolumePolicyStrict)

	for _, app := range core.registry.Applications() {
		require.Positive(t, app.ProcessID)
	}
	require.Len(t, core.registry.Applications(), 2)
}

func TestRefreshDropsVanishedApplications(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)

	core.adapter.RemoveApplication(200)
	apps := core.registry.RefreshApplications(context.Background())

	require.Len(t, apps, 1)
	require.Equal(t, 100, apps[0].ProcessID)
}

func TestRefreshKeepsPreviousSnapshotOnAdapterFailure(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	before := core.registry.Snapshot()

	core.adapter.InjectFailure(OpListApplications, errors.New("enumeration exploded"))
	core.adapter.InjectFailure(OpListDevices, errors.New("enumeration exploded"))

	apps := core.registry.RefreshApplications(context.Background())
	require.Equal(t, before.Applications, apps)

	devices := core.registry.RefreshDevices(context.Background(), DirectionRender)
	require.Equal(t, before.DevicesOf(DirectionRender), devices)

	// nothing was published
	require.Equal(t, before.Generation, core.registry.Snapshot().Generation)
}

func TestRefreshOnEmptyRegistryFailureReturnsEmpty(t *testing.T) {
	logger := testLogger(t)
	adapter := NewMemoryAdapter(logger, abState())
	adapter.InjectFailure(OpListApplications, errors.New("no audio service"))

	registry, err := NewRegistry(logger, adapter, adapter, time.Second)
	require.NoError(t, err)

	require.Empty(t, registry.RefreshApplications(context.Background()))
}

func TestRefreshGivesUpAfterCanceledContext(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	before := core.registry.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	apps := core.registry.RefreshApplications(ctx)
	require.Equal(t, before.Applications, apps)
}

// stallingAdapter stops answering session listings once stalled, until released
type stallingAdapter struct {
	*MemoryAdapter
	stalled atomic.Bool
	release chan struct{}
}

func (a *stallingAdapter) ListApplicationSessions(ctx context.Context) ([]RawSession, error) {
	if a.stalled.Load() {
		<-a.release
	}
	return a.MemoryAdapter.ListApplicationSessions(ctx)
}

func TestRefreshTimesOutOnStalledAdapter(t *testing.T) {
	logger := testLogger(t)
	memory := NewMemoryAdapter(logger, abState())
	adapter := &stallingAdapter{MemoryAdapter: memory, release: make(chan struct{})}
	t.Cleanup(func() { close(adapter.release) })

	registry, err := NewRegistry(logger, adapter, memory, 50*time.Millisecond)
	require.NoError(t, err)

	before := registry.Refresh(context.Background())
	require.Len(t, before.Applications, 2)

	adapter.stalled.Store(true)
	memory.AddApplication(MemoryApplication{ProcessID: 300, Name: "c.exe", Volume: 0.3})

	started := time.Now()
	apps := registry.RefreshApplications(context.Background())
	elapsed := time.Since(started)

	require.Equal(t, before.Applications, apps)
	require.Equal(t, before.Applications, registry.Snapshot().Applications)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, time.Second)
}

func TestRefreshKeepsResolvedProcessNames(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)

	// the adapter no longer knows the name, the registry remembers it
	core.adapter.AddApplication(MemoryApplication{ProcessID: 100, Volume: 0.5})
	core.registry.RefreshApplications(context.Background())

	require.Equal(t, "a.exe", core.app(t, 100).ProcessName)
}

func TestRefreshNamesUnknownProcesses(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)

	core.adapter.AddApplication(MemoryApplication{ProcessID: 300, Volume: 0.1})
	core.registry.RefreshApplications(context.Background())

	require.Equal(t, unknownProcessName, core.app(t, 300).ProcessName)
}

func TestSubscribersReceiveLatestSnapshot(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	updates := core.registry.SubscribeToChanges()

	core.registry.Refresh(context.Background())

	select {
	case snap := <-updates:
		require.Equal(t, core.registry.Snapshot().Generation, snap.Generation)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}

	core.registry.closeSubscribers()

	_, open := <-updates
	require.False(t, open)
}

func TestSnapshotLookups(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	snap := core.registry.Snapshot()

	apps := snap.FindApplicationsByName("A")
	require.Len(t, apps, 1)
	require.Equal(t, 100, apps[0].ProcessID)

	device, ok := snap.FindDeviceByName("headphones")
	require.True(t, ok)
	require.Equal(t, "speaker2", device.ID)

	_, ok = snap.Device("speaker1", DirectionCapture)
	require.False(t, ok)
}

func TestNewRegistryRequiresAdapter(t *testing.T) {
	_, err := NewRegistry(testLogger(t), nil, nil, 0)
	require.ErrorIs(t, err, ErrPrecondition)
}
