package mixer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MemoryApplication seeds one application session of a MemoryAdapter
type MemoryApplication struct {
	ProcessID int
	Name      string
	Volume    float32
	Muted     bool
}

// MemoryState seeds a MemoryAdapter
type MemoryState struct {
	Applications []MemoryApplication
	Devices      []RawDevice
}

// DemoState is a small mixer with a handful of applications and devices, handy
// for running without a real audio system
func DemoState() MemoryState {
	return MemoryState{
		Applications: []MemoryApplication{
			{ProcessID: 4120, Name: "Discord.exe", Volume: 0.75},
			{ProcessID: 5532, Name: "Spotify.exe", Volume: 0.60},
			{ProcessID: 7304, Name: "chrome.exe", Volume: 0.85, Muted: true},
			{ProcessID: 8816, Name: "steam.exe", Volume: 0.45},
			{ProcessID: 9920, Name: "obs64.exe", Volume: 0.90},
		},
		Devices: []RawDevice{
			{ID: "speaker1", Name: "Speakers (Realtek High Definition Audio)", Direction: DirectionRender, Default: true, Volume: 0.85},
			{ID: "speaker2", Name: "Headphones (USB Audio Device)", Direction: DirectionRender, Volume: 0.70},
			{ID: "speaker3", Name: "Monitor Audio (HDMI)", Direction: DirectionRender, Volume: 0.50, Muted: true},
			{ID: "mic1", Name: "Microphone (Realtek High Definition Audio)", Direction: DirectionCapture, Default: true, Volume: 0.75},
			{ID: "mic2", Name: "Headset Microphone (USB Audio Device)", Direction: DirectionCapture, Volume: 0.60},
			{ID: "mic3", Name: "Webcam Microphone (C920 HD Pro)", Direction: DirectionCapture, Volume: 0.80, Muted: true},
		},
	}
}

// MemoryAdapter keeps audio state in memory. It backs the "memory" config backend
// and every test of the package; operations can be made to fail on demand
type MemoryAdapter struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	apps     map[int]*MemoryApplication
	devices  map[string]*RawDevice
	failures map[string]error
	calls    map[string]int

	// failures of single sessions, by pid
	appFailures map[int]error

	defaultSupported bool
}

// operation names accepted by InjectFailure and CallCount
const (
	OpListApplications    = "ListApplicationSessions"
	OpFindApplication     = "FindApplicationSession"
	OpSetApplicationVol   = "SetApplicationVolume"
	OpSetApplicationMuted = "SetApplicationMuted"
	OpListDevices         = "ListDevices"
	OpFindDevice          = "FindDevice"
	OpSetDeviceVolume     = "SetDeviceVolume"
	OpSetDeviceMuted      = "SetDeviceMuted"
	OpSetDefaultDevice    = "SetDefaultDevice"
)

// NewMemoryAdapter creates an in-memory adapter holding a copy of state
func NewMemoryAdapter(logger *zap.SugaredLogger, state MemoryState) *MemoryAdapter {
	a := &MemoryAdapter{
		logger:           logger.Named("memory_adapter"),
		apps:             make(map[int]*MemoryApplication),
		devices:          make(map[string]*RawDevice),
		failures:         make(map[string]error),
		appFailures:      make(map[int]error),
		calls:            make(map[string]int),
		defaultSupported: true,
	}

	for _, app := range state.Applications {
		a.AddApplication(app)
	}

	for _, device := range state.Devices {
		a.AddDevice(device)
	}

	a.logger.Debugw("Created memory adapter instance",
		"applications", len(a.apps),
		"devices", len(a.devices))

	return a
}

// AddApplication makes a session appear, replacing any with the same pid
func (a *MemoryAdapter) AddApplication(app MemoryApplication) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored := app
	a.apps[app.ProcessID] = &stored
}

// RemoveApplication makes a session disappear, as if its process exited
func (a *MemoryAdapter) RemoveApplication(pid int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.apps, pid)
}

// AddDevice plugs a device in. A device added as default takes over from the
// current default of its direction
func (a *MemoryAdapter) AddDevice(device RawDevice) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stored := device
	if stored.Default {
		a.clearDefaultLocked(stored.Direction)
	}
	a.devices[device.ID] = &stored
}

// RemoveDevice unplugs a device
func (a *MemoryAdapter) RemoveDevice(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.devices, id)
}

// SetDefaultSupported toggles whether SetDefaultDevice is honored or reports
// ErrUnsupported, mimicking platforms that need elevated privileges
func (a *MemoryAdapter) SetDefaultSupported(supported bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.defaultSupported = supported
}

// InjectFailure makes every later call of op return err, until cleared with a nil err
func (a *MemoryAdapter) InjectFailure(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err == nil {
		delete(a.failures, op)
		return
	}
	a.failures[op] = err
}

// InjectApplicationFailure makes volume and mute changes of one session fail with
// err, until cleared with a nil err
func (a *MemoryAdapter) InjectApplicationFailure(pid int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err == nil {
		delete(a.appFailures, pid)
		return
	}
	a.appFailures[pid] = err
}

// CallCount returns how many times op has been invoked
func (a *MemoryAdapter) CallCount(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.calls[op]
}

// Application returns the current state of a session
func (a *MemoryAdapter) Application(pid int) (MemoryApplication, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	app, ok := a.apps[pid]
	if !ok {
		return MemoryApplication{}, false
	}

	return *app, true
}

// Device returns the current state of a device
func (a *MemoryAdapter) Device(id string) (RawDevice, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	device, ok := a.devices[id]
	if !ok {
		return RawDevice{}, false
	}

	return *device, true
}

// ProcessName implements ProcessNamer from the seeded names
func (a *MemoryAdapter) ProcessName(pid int) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if app, ok := a.apps[pid]; ok && app.Name != "" {
		return app.Name
	}

	return unknownProcessName
}

// enter counts the call and returns the injected failure for op, if any.
// the caller must hold a.mu
func (a *MemoryAdapter) enter(op string) error {
	a.calls[op]++

	if err, ok := a.failures[op]; ok {
		return err
	}

	return nil
}

func (a *MemoryAdapter) ListApplicationSessions(_ context.Context) ([]RawSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpListApplications); err != nil {
		return nil, err
	}

	sessions := make([]RawSession, 0, len(a.apps))
	for _, app := range a.apps {
		sessions = append(sessions, RawSession{
			ProcessID: app.ProcessID,
			Volume:    app.Volume,
			Muted:     app.Muted,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ProcessID < sessions[j].ProcessID
	})

	return sessions, nil
}

func (a *MemoryAdapter) FindApplicationSession(_ context.Context, pid int) (RawSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpFindApplication); err != nil {
		return RawSession{}, err
	}

	app, ok := a.apps[pid]
	if !ok {
		return RawSession{}, fmt.Errorf("find session for pid %d: %w", pid, ErrTargetNotFound)
	}

	return RawSession{ProcessID: app.ProcessID, Volume: app.Volume, Muted: app.Muted}, nil
}

func (a *MemoryAdapter) SetApplicationVolume(_ context.Context, pid int, v float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpSetApplicationVol); err != nil {
		return err
	}

	if err, ok := a.appFailures[pid]; ok {
		return err
	}

	app, ok := a.apps[pid]
	if !ok {
		return fmt.Errorf("set volume for pid %d: %w", pid, ErrTargetNotFound)
	}

	app.Volume = clampVolume(v)
	return nil
}

func (a *MemoryAdapter) SetApplicationMuted(_ context.Context, pid int, muted bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpSetApplicationMuted); err != nil {
		return err
	}

	if err, ok := a.appFailures[pid]; ok {
		return err
	}

	app, ok := a.apps[pid]
	if !ok {
		return fmt.Errorf("set mute for pid %d: %w", pid, ErrTargetNotFound)
	}

	app.Muted = muted
	return nil
}

func (a *MemoryAdapter) ListDevices(_ context.Context, direction Direction) ([]RawDevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpListDevices); err != nil {
		return nil, err
	}

	devices := []RawDevice{}
	for _, device := range a.devices {
		if device.Direction == direction {
			devices = append(devices, *device)
		}
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ID < devices[j].ID
	})

	return devices, nil
}

func (a *MemoryAdapter) FindDevice(_ context.Context, id string) (RawDevice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpFindDevice); err != nil {
		return RawDevice{}, err
	}

	device, ok := a.devices[id]
	if !ok {
		return RawDevice{}, fmt.Errorf("find device %s: %w", id, ErrTargetNotFound)
	}

	return *device, nil
}

func (a *MemoryAdapter) SetDeviceVolume(_ context.Context, id string, v float32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpSetDeviceVolume); err != nil {
		return err
	}

	device, ok := a.devices[id]
	if !ok {
		return fmt.Errorf("set volume for device %s: %w", id, ErrTargetNotFound)
	}

	device.Volume = clampVolume(v)
	return nil
}

func (a *MemoryAdapter) SetDeviceMuted(_ context.Context, id string, muted bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpSetDeviceMuted); err != nil {
		return err
	}

	device, ok := a.devices[id]
	if !ok {
		return fmt.Errorf("set mute for device %s: %w", id, ErrTargetNotFound)
	}

	device.Muted = muted
	return nil
}

func (a *MemoryAdapter) SetDefaultDevice(_ context.Context, id string, direction Direction) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.enter(OpSetDefaultDevice); err != nil {
		return err
	}

	device, ok := a.devices[id]
	if !ok || device.Direction != direction {
		return fmt.Errorf("set default device %s: %w", id, ErrTargetNotFound)
	}

	if !a.defaultSupported {
		return fmt.Errorf("set default device: %w", ErrUnsupported)
	}

	a.clearDefaultLocked(direction)
	device.Default = true

	return nil
}

func (a *MemoryAdapter) clearDefaultLocked(direction Direction) {
	for _, device := range a.devices {
		if device.Direction == direction {
			device.Default = false
		}
	}
}

func (a *MemoryAdapter) Release() error {
	a.logger.Debug("Released memory adapter")
	return nil
}
