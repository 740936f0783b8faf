package mixer

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func soloCount(snap *Snapshot) int {
	count := 0
	for _, app := range snap.Applications {
		if app.Solo {
			count++
		}
	}

	return count
}

func TestSoloHandsOverBetweenApplications(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	ctx := context.Background()
	a, b := ApplicationTarget(100), ApplicationTarget(200)

	require.NoError(t, core.solo.ActivateSolo(ctx, a))
	require.True(t, core.app(t, 100).Solo)
	require.False(t, core.app(t, 100).Muted)
	require.True(t, core.app(t, 200).Muted)
	require.False(t, core.app(t, 200).Solo)

	require.NoError(t, core.solo.ActivateSolo(ctx, b))
	require.True(t, core.app(t, 200).Solo)
	require.False(t, core.app(t, 200).Muted)
	require.False(t, core.app(t, 100).Solo)
	require.True(t, core.app(t, 100).Muted)

	require.NoError(t, core.solo.DeactivateSolo(ctx, b))
	for _, app := range core.registry.Applications() {
		require.False(t, app.Solo)
		require.False(t, app.Muted)
	}

	_, active := core.solo.Active(ApplicationGroup)
	require.False(t, active)
}

func TestSoloExclusivity(t *testing.T) {
	state := abState()
	for pid := 300; pid < 306; pid++ {
		state.Applications = append(state.Applications, MemoryApplication{ProcessID: pid, Volume: 0.5})
	}

	core := newTestCore(t, state, VolumePolicyStrict)
	ctx := context.Background()

	for _, pid := range []int{300, 100, 305, 200, 300} {
		require.NoError(t, core.solo.ActivateSolo(ctx, ApplicationTarget(pid)))

		snap := core.registry.Snapshot()
		require.Equal(t, 1, soloCount(snap))

		for _, app := range snap.Applications {
			require.Equal(t, app.ProcessID != pid, app.Muted, "pid %d while %d is soloed", app.ProcessID, pid)
		}

		// the adapter agrees with the registry
		for _, app := range snap.Applications {
			raw, ok := core.adapter.Application(app.ProcessID)
			require.True(t, ok)
			require.Equal(t, app.Muted, raw.Muted)
		}
	}
}

func TestSoloIsScopedToItsGroup(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	ctx := context.Background()

	require.NoError(t, core.solo.ActivateSolo(ctx, DeviceTarget("speaker2", DirectionRender)))

	require.True(t, core.device(t, "speaker1", DirectionRender).Muted)
	require.True(t, core.device(t, "speaker2", DirectionRender).Solo)

	// other groups are untouched
	require.False(t, core.device(t, "mic1", DirectionCapture).Muted)
	require.False(t, core.app(t, 100).Muted)
	require.False(t, core.app(t, 200).Muted)

	require.NoError(t, core.solo.ActivateSolo(ctx, ApplicationTarget(100)))
	target, ok := core.solo.Active(DeviceGroup(DirectionRender))
	require.True(t, ok)
	require.Equal(t, DeviceTarget("speaker2", DirectionRender), target)
}

func TestDeactivateSoloForceUnmutes(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	ctx := context.Background()

	// B was muted by the user before the solo; it comes back unmuted anyway
	require.NoError(t, core.controller.SetMuted(ctx, ApplicationTarget(200), true))
	require.NoError(t, core.solo.ActivateSolo(ctx, ApplicationTarget(100)))
	require.NoError(t, core.solo.DeactivateSolo(ctx, ApplicationTarget(100)))

	require.False(t, core.app(t, 100).Muted)
	require.False(t, core.app(t, 200).Muted)
}

func TestDeactivateSoloOfUnsoloedTargetIsNoop(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	ctx := context.Background()

	require.NoError(t, core.solo.ActivateSolo(ctx, ApplicationTarget(100)))
	calls := core.adapter.CallCount(OpSetApplicationMuted)

	require.NoError(t, core.solo.DeactivateSolo(ctx, ApplicationTarget(200)))
	require.Equal(t, calls, core.adapter.CallCount(OpSetApplicationMuted))
	require.True(t, core.app(t, 100).Solo)
	require.True(t, core.app(t, 200).Muted)
}

func TestActivateSoloOnUnknownTarget(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)

	err := core.solo.ActivateSolo(context.Background(), ApplicationTarget(999))
	require.ErrorIs(t, err, ErrTargetNotFound)

	_, active := core.solo.Active(ApplicationGroup)
	require.False(t, active)
	require.False(t, core.app(t, 200).Muted)
}

func TestActivateSoloKeepsGoingWhenASiblingVanishes(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	core.adapter.AddApplication(MemoryApplication{ProcessID: 300, Name: "c.exe", Volume: 0.5})
	core.registry.RefreshApplications(context.Background())

	// B exits between the last refresh and the solo
	core.adapter.RemoveApplication(200)

	require.NoError(t, core.solo.ActivateSolo(context.Background(), ApplicationTarget(100)))
	require.True(t, core.app(t, 300).Muted)
	require.True(t, core.app(t, 100).Solo)
}

func TestActivateSoloPartialFailureLeavesMixedState(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	ctx := context.Background()

	// the target can be unmuted but its sibling can't be muted
	core.adapter.InjectApplicationFailure(200, errors.New("session locked"))

	err := core.solo.ActivateSolo(ctx, ApplicationTarget(100))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAdapterFailure)

	// target flags went first
	require.True(t, core.app(t, 100).Solo)
	require.False(t, core.app(t, 200).Muted)

	// the next reconcile repairs the group once the adapter recovers
	core.adapter.InjectApplicationFailure(200, nil)
	require.NoError(t, core.solo.Reconcile(ctx))
	require.True(t, core.app(t, 200).Muted)
}

func TestReconcileMutesNewcomersWhileSoloed(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	ctx := context.Background()

	require.NoError(t, core.solo.ActivateSolo(ctx, ApplicationTarget(100)))

	core.adapter.AddApplication(MemoryApplication{ProcessID: 300, Name: "c.exe", Volume: 0.5})
	core.registry.RefreshApplications(ctx)
	require.False(t, core.app(t, 300).Muted)

	require.NoError(t, core.solo.Reconcile(ctx))
	require.True(t, core.app(t, 300).Muted)

	raw, ok := core.adapter.Application(300)
	require.True(t, ok)
	require.True(t, raw.Muted)
}

func TestReconcileReleasesGroupOfVanishedTarget(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	ctx := context.Background()

	require.NoError(t, core.solo.ActivateSolo(ctx, ApplicationTarget(100)))

	core.adapter.RemoveApplication(100)
	core.registry.RefreshApplications(ctx)
	require.NoError(t, core.solo.Reconcile(ctx))

	_, active := core.solo.Active(ApplicationGroup)
	require.False(t, active)
	require.False(t, core.app(t, 200).Muted)
}

func TestToggleSolo(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	ctx := context.Background()

	soloed, err := core.solo.ToggleSolo(ctx, ApplicationTarget(200))
	require.NoError(t, err)
	require.True(t, soloed)
	require.True(t, core.app(t, 100).Muted)

	soloed, err = core.solo.ToggleSolo(ctx, ApplicationTarget(200))
	require.NoError(t, err)
	require.False(t, soloed)
	require.False(t, core.app(t, 100).Muted)
}

func TestClearSolo(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	ctx := context.Background()

	require.NoError(t, core.solo.ClearSolo(ctx, ApplicationGroup))

	require.NoError(t, core.solo.ActivateSolo(ctx, ApplicationTarget(200)))
	require.NoError(t, core.solo.ClearSolo(ctx, ApplicationGroup))

	require.Zero(t, soloCount(core.registry.Snapshot()))
	require.False(t, core.app(t, 100).Muted)
}

func TestNewSoloCoordinatorRequiresCollaborators(t *testing.T) {
	_, err := NewSoloCoordinator(testLogger(t), nil, nil)
	require.ErrorIs(t, err, ErrPrecondition)
}

func TestMuteCommandsCantBreakActiveSolo(t *testing.T) {
	core := newTestCore(t, abState(), VolumePolicyStrict)
	ctx := context.Background()
	a, b := ApplicationTarget(100), ApplicationTarget(200)

	require.NoError(t, core.solo.ActivateSolo(ctx, a))
	calls := core.adapter.CallCount(OpSetApplicationMuted)

	// unmuting a sibling or muting the soloed member would be undone by the next reconcile
	require.ErrorIs(t, core.controller.SetMuted(ctx, b, false), ErrSoloActive)
	require.ErrorIs(t, core.controller.SetMuted(ctx, a, true), ErrSoloActive)

	muted, err := core.controller.ToggleMuted(ctx, b)
	require.ErrorIs(t, err, ErrSoloActive)
	require.True(t, muted)

	require.Equal(t, calls, core.adapter.CallCount(OpSetApplicationMuted))
	require.False(t, core.app(t, 100).Muted)
	require.True(t, core.app(t, 200).Muted)
	require.True(t, core.app(t, 100).Solo)

	// commands that agree with the solo go through
	require.NoError(t, core.controller.SetMuted(ctx, b, true))
	require.NoError(t, core.controller.SetMuted(ctx, a, false))

	// other groups aren't held by the application solo
	require.NoError(t, core.controller.SetMuted(ctx, DeviceTarget("speaker2", DirectionRender), true))

	require.NoError(t, core.solo.DeactivateSolo(ctx, a))
	require.NoError(t, core.controller.SetMuted(ctx, b, true))
	require.True(t, core.app(t, 200).Muted)
}

func TestConcurrentSoloActivationsLeaveOneSoloedMember(t *testing.T) {
	state := abState()
	state.Applications = append(state.Applications, MemoryApplication{ProcessID: 300, Name: "c.exe", Volume: 0.3})

	core := newTestCore(t, state, VolumePolicyStrict)
	ctx := context.Background()
	pids := []int{100, 200, 300}

	var wg sync.WaitGroup
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			require.NoError(t, core.solo.ActivateSolo(ctx, ApplicationTarget(pid)))
		}(pids[i%len(pids)])
	}
	wg.Wait()

	snap := core.registry.Snapshot()
	require.Equal(t, 1, soloCount(snap))

	target, ok := snap.SoloTarget(ApplicationGroup)
	require.True(t, ok)

	for _, app := range snap.Applications {
		require.Equal(t, app.ProcessID == target.ProcessID, app.Solo)
		require.Equal(t, app.ProcessID != target.ProcessID, app.Muted, "pid %d while %d is soloed", app.ProcessID, target.ProcessID)

		raw, ok := core.adapter.Application(app.ProcessID)
		require.True(t, ok)
		require.Equal(t, app.Muted, raw.Muted)
	}
}
