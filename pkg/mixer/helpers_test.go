package mixer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type testCore struct {
	adapter    *MemoryAdapter
	registry   *Registry
	controller *Controller
	solo       *SoloCoordinator
	devices    *DefaultDeviceSelector
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	return zaptest.NewLogger(t).Sugar()
}

// abState holds two applications, A (pid 100) and B (pid 200), plus two outputs
// and one input
func abState() MemoryState {
	return MemoryState{
		Applications: []MemoryApplication{
			{ProcessID: 100, Name: "a.exe", Volume: 0.5},
			{ProcessID: 200, Name: "b.exe", Volume: 0.8},
		},
		Devices: []RawDevice{
			{ID: "speaker1", Name: "Speakers", Direction: DirectionRender, Default: true, Volume: 0.9},
			{ID: "speaker2", Name: "Headphones", Direction: DirectionRender, Volume: 0.4},
			{ID: "mic1", Name: "Microphone", Direction: DirectionCapture, Default: true, Volume: 0.7},
		},
	}
}

func newTestCore(t *testing.T, state MemoryState, policy VolumePolicy) *testCore {
	t.Helper()

	logger := testLogger(t)
	adapter := NewMemoryAdapter(logger, state)

	registry, err := NewRegistry(logger, adapter, adapter, time.Second)
	require.NoError(t, err)

	controller, err := NewController(logger, adapter, registry, policy)
	require.NoError(t, err)

	solo, err := NewSoloCoordinator(logger, registry, controller)
	require.NoError(t, err)

	devices, err := NewDefaultDeviceSelector(logger, adapter, registry)
	require.NoError(t, err)

	registry.Refresh(context.Background())

	return &testCore{
		adapter:    adapter,
		registry:   registry,
		controller: controller,
		solo:       solo,
		devices:    devices,
	}
}

func (c *testCore) app(t *testing.T, pid int) AudioApplication {
	t.Helper()

	app, ok := c.registry.Snapshot().Application(pid)
	require.True(t, ok, "application %d not in snapshot", pid)

	return app
}

func (c *testCore) device(t *testing.T, id string, direction Direction) AudioDevice {
	t.Helper()

	device, ok := c.registry.Snapshot().Device(id, direction)
	require.True(t, ok, "device %s not in snapshot", id)

	return device
}

func defaultIDs(snap *Snapshot, direction Direction) []string {
	var ids []string
	for _, device := range snap.DevicesOf(direction) {
		if device.Default {
			ids = append(ids, device.ID)
		}
	}

	return ids
}
