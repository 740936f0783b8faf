package mixer

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMixer(t *testing.T) (*Mixer, *MemoryAdapter) {
	t.Helper()

	logger := testLogger(t)

	m, err := NewMixer(logger, false, "")
	require.NoError(t, err)

	// no toasts from tests
	m.notifier.SetEnabled(false)

	adapter := NewMemoryAdapter(logger, abState())
	require.NoError(t, m.attach(adapter))

	t.Cleanup(func() {
		require.NoError(t, m.Close())
	})

	return m, adapter
}

func TestMixerCommandsReturnStatusLines(t *testing.T) {
	m, _ := newTestMixer(t)
	ctx := context.Background()
	a := ApplicationTarget(100)

	status := m.SetVolume(ctx, a, 0.5)
	require.True(t, status.OK())
	require.Equal(t, "Volume set to 50%", status.Message)

	status = m.SetMuted(ctx, a, true)
	require.Equal(t, "Muted", status.Message)

	status = m.ToggleMuted(ctx, a)
	require.Equal(t, "Unmuted", status.Message)

	status = m.ActivateSolo(ctx, a)
	require.Equal(t, "Solo on", status.Message)

	status = m.ToggleSolo(ctx, a)
	require.Equal(t, "Solo off", status.Message)

	status = m.SetDefault(ctx, "speaker2", DirectionRender)
	require.True(t, status.OK())
	device, ok := m.Snapshot().DefaultDevice(DirectionRender)
	require.True(t, ok)
	require.Equal(t, "speaker2", device.ID)
}

func TestMixerCommandFailures(t *testing.T) {
	m, adapter := newTestMixer(t)
	ctx := context.Background()

	status := m.SetVolume(ctx, ApplicationTarget(999), 0.5)
	require.Equal(t, ClassTargetNotFound, status.Class)
	require.Equal(t, "application not found", status.Message)

	status = m.SetVolume(ctx, ApplicationTarget(100), 2)
	require.Equal(t, ClassValidation, status.Class)
	require.Equal(t, "volume must be between 0 and 1", status.Message)

	status = m.SetMuted(ctx, DeviceTarget("speaker9", DirectionRender), true)
	require.Equal(t, "device not found", status.Message)

	adapter.InjectFailure(OpSetDeviceMuted, errors.New("driver crashed"))
	status = m.SetMuted(ctx, DeviceTarget("speaker1", DirectionRender), true)
	require.Equal(t, ClassAdapterFailure, status.Class)
	require.Equal(t, "audio system error", status.Message)
}

func TestMixerMuteDuringSolo(t *testing.T) {
	m, _ := newTestMixer(t)
	ctx := context.Background()

	require.True(t, m.ActivateSolo(ctx, ApplicationTarget(100)).OK())

	status := m.SetMuted(ctx, ApplicationTarget(200), false)
	require.Equal(t, ClassConflict, status.Class)
	require.Equal(t, "solo is active, turn it off first", status.Message)

	status = m.ToggleMuted(ctx, ApplicationTarget(100))
	require.Equal(t, ClassConflict, status.Class)

	require.True(t, m.DeactivateSolo(ctx, ApplicationTarget(100)).OK())
	require.True(t, m.SetMuted(ctx, ApplicationTarget(200), true).OK())
}

func TestMixerDefaultOnAudioSystemWithoutSwitching(t *testing.T) {
	m, adapter := newTestMixer(t)
	adapter.SetDefaultSupported(false)

	status := m.SetDefault(context.Background(), "speaker2", DirectionRender)
	require.Equal(t, ClassUnsupported, status.Class)
	require.Equal(t, "not supported by this audio system", status.Message)

	// the choice still shows up in the state
	device, ok := m.Snapshot().DefaultDevice(DirectionRender)
	require.True(t, ok)
	require.Equal(t, "speaker2", device.ID)
}

func TestMixerClearSolo(t *testing.T) {
	m, _ := newTestMixer(t)
	ctx := context.Background()

	require.True(t, m.ActivateSolo(ctx, ApplicationTarget(200)).OK())
	require.True(t, m.ActivateSolo(ctx, DeviceTarget("speaker1", DirectionRender)).OK())

	status := m.ClearSolo(ctx)
	require.True(t, status.OK())

	snap := m.Snapshot()
	for _, group := range []Group{ApplicationGroup, DeviceGroup(DirectionRender)} {
		_, active := snap.SoloTarget(group)
		require.False(t, active)
	}
	for _, app := range snap.Applications {
		require.False(t, app.Muted)
	}
}

func TestMixerRefresh(t *testing.T) {
	m, adapter := newTestMixer(t)

	adapter.AddApplication(MemoryApplication{ProcessID: 300, Name: "c.exe", Volume: 0.2})

	snap := m.Refresh(context.Background())
	_, ok := snap.Application(300)
	require.True(t, ok)
}

func TestMixerBeforeLoad(t *testing.T) {
	m, err := NewMixer(testLogger(t), false, "")
	require.NoError(t, err)

	status := m.SetVolume(context.Background(), ApplicationTarget(100), 0.5)
	require.Equal(t, ClassPrecondition, status.Class)
	require.Empty(t, m.Snapshot().Applications)
	require.NoError(t, m.Close())
}

func TestMixerLoadsMemoryBackend(t *testing.T) {
	path := writeConfig(t, "backend: memory\nnotifications: false\n")

	m, err := NewMixer(testLogger(t), false, path)
	require.NoError(t, err)
	require.NoError(t, m.Load())
	defer m.Close()

	require.Len(t, m.Snapshot().Applications, len(DemoState().Applications))

	var out bytes.Buffer
	code := m.RunCommand(context.Background(), Invocation{Command: CommandApps}, &out, &out)
	require.Zero(t, code)
	require.Contains(t, out.String(), "Discord.exe")
}
