// Package mixer controls the volume and mute state of audio applications and
// devices, keeps at most one soloed member per group and selects the default
// device of each direction
package mixer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/soundmixer/soundmixer/pkg/mixer/util"
)

const (

	// when this is set to anything, the mixer won't use a tray icon
	envNoTray = "SOUNDMIXER_NO_TRAY_ICON"

	// Delay between stopping the surface and starting it again during config reload
	configReloadStopDelay = 50 * time.Millisecond
)

// Mixer is the main entity managing access to all sub-components
type Mixer struct {
	logger   *zap.SugaredLogger
	notifier *ToastNotifier
	config   *CanonicalConfig

	adapter    Adapter
	registry   *Registry
	controller *Controller
	solo       *SoloCoordinator
	devices    *DefaultDeviceSelector
	poller     *Poller
	server     *Server
	surface    *Surface

	stopChannel chan bool
	version     string
	verbose     bool
	noTray      bool
	stopping    sync.Once // Ensures signalStop is only called once

	// Protects surface restarts triggered by config reloads
	surfaceMutex sync.Mutex
}

// NewMixer creates a Mixer instance. configPath may be empty to use config.yaml
// from the working directory
func NewMixer(logger *zap.SugaredLogger, verbose bool, configPath string) (*Mixer, error) {
	logger = logger.Named("mixer")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	m := &Mixer{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	logger.Debug("Created mixer instance")

	return m, nil
}

// Config returns the mixer's configuration, so flags can be bound before Load
func (m *Mixer) Config() *CanonicalConfig {
	return m.config
}

// Load reads the configuration and connects to the configured audio backend.
// Commands can be issued once it returns
func (m *Mixer) Load() error {
	if err := m.config.Load(); err != nil {
		m.logger.Errorw("Failed to load config", "error", err)
		return fmt.Errorf("load config: %w", err)
	}

	m.notifier.SetEnabled(m.config.Notifications)

	adapter, err := NewAdapter(m.logger, m.config.Backend)
	if err != nil {
		m.logger.Errorw("Failed to create audio adapter", "backend", m.config.Backend, "error", err)
		return fmt.Errorf("create audio adapter: %w", err)
	}

	if err := m.attach(adapter); err != nil {
		if releaseErr := adapter.Release(); releaseErr != nil {
			m.logger.Warnw("Failed to release audio adapter", "error", releaseErr)
		}
		return err
	}

	return nil
}

// attach builds the core components on top of adapter and takes the first snapshot
func (m *Mixer) attach(adapter Adapter) error {
	var namer ProcessNamer
	if n, ok := adapter.(ProcessNamer); ok {
		namer = n
	}

	registry, err := NewRegistry(m.logger, adapter, namer, m.config.AdapterTimeout)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}

	controller, err := NewController(m.logger, adapter, registry, m.config.VolumePolicy)
	if err != nil {
		return fmt.Errorf("create controller: %w", err)
	}

	solo, err := NewSoloCoordinator(m.logger, registry, controller)
	if err != nil {
		return fmt.Errorf("create solo coordinator: %w", err)
	}

	devices, err := NewDefaultDeviceSelector(m.logger, adapter, registry)
	if err != nil {
		return fmt.Errorf("create default device selector: %w", err)
	}

	poller, err := NewPoller(m.logger, registry, solo, m.config.PollInterval)
	if err != nil {
		return fmt.Errorf("create poller: %w", err)
	}

	server, err := NewServer(m.logger, m)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	surface, err := NewSurface(m.logger, m, m.config, m.verbose)
	if err != nil {
		return fmt.Errorf("create surface: %w", err)
	}

	m.adapter = adapter
	m.registry = registry
	m.controller = controller
	m.solo = solo
	m.devices = devices
	m.poller = poller
	m.server = server
	m.surface = surface

	snap := registry.Refresh(context.Background())
	m.logger.Infow("Took initial snapshot", "snapshot", snap)

	return nil
}

// Initialize loads the mixer if that hasn't happened yet, then runs until stopped,
// in the tray unless it's disabled
func (m *Mixer) Initialize() error {
	m.logger.Debug("Initializing")

	if m.registry == nil {
		if err := m.Load(); err != nil {
			m.logger.Errorw("Failed to load during initialization", "error", err)
			return fmt.Errorf("load during init: %w", err)
		}
	}

	_, noTraySet := os.LookupEnv(envNoTray)

	// decide whether to run with/without tray
	if m.noTray || noTraySet {

		m.logger.Debugw("Running without tray icon", "flag", m.noTray, "envvar", noTraySet)

		// run in main thread while waiting on ctrl+C
		m.setupInterruptHandler()
		m.run()

	} else {
		m.setupInterruptHandler()
		m.initializeTray(m.run)
	}

	return nil
}

// SetVersion causes the mixer to add a version string to its tray menu if called before Initialize
func (m *Mixer) SetVersion(version string) {
	m.version = version
}

// DisableTray makes Initialize run in the foreground without a tray icon
func (m *Mixer) DisableTray() {
	m.noTray = true
}

// Verbose returns a boolean indicating whether the mixer is running in verbose mode
func (m *Mixer) Verbose() bool {
	return m.verbose
}

func (m *Mixer) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		m.logger.Debugw("Interrupted", "signal", signal)
		m.signalStop()
	}()
}

func (m *Mixer) run() {
	m.logger.Info("Run loop starting")

	// watch the config file for changes, if there is one
	if util.FileExists(m.config.Path()) {
		go m.config.WatchConfigFileChanges()
	}

	m.setupOnConfigReload()
	m.forwardSnapshots()

	m.poller.Start()

	if err := m.server.Start(m.config.ServerPort); err != nil {
		m.logger.Warnw("Failed to start server", "error", err)
	}

	go m.startSurface()

	// wait until stopped (gracefully)
	<-m.stopChannel
	m.logger.Debug("Stop channel signaled, terminating")

	if err := m.stop(); err != nil {
		m.logger.Warnw("Failed to stop mixer", "error", err)
		os.Exit(1)
	} else {
		// exit with 0
		os.Exit(0)
	}
}

func (m *Mixer) signalStop() {
	m.stopping.Do(func() {
		m.logger.Debug("Signalling stop channel")
		select {
		case m.stopChannel <- true:
		default:
			// Channel already has a signal, ignore
		}
	})
}

func (m *Mixer) stop() error {
	m.logger.Info("Stopping")

	m.config.StopWatchingConfigFile()

	m.surfaceMutex.Lock()
	m.surface.Stop()
	m.surfaceMutex.Unlock()

	m.poller.Stop()
	m.server.Stop()

	if err := m.Close(); err != nil {
		return err
	}

	m.stopTray()

	// attempt to sync on exit - this won't necessarily work but can't harm
	m.logger.Sync()

	return nil
}

// Close releases the audio adapter and ends every snapshot subscription
func (m *Mixer) Close() error {
	if m.registry == nil {
		return nil
	}

	m.registry.closeSubscribers()

	if err := m.adapter.Release(); err != nil {
		m.logger.Errorw("Failed to release audio adapter", "error", err)
		return fmt.Errorf("release audio adapter: %w", err)
	}

	return nil
}

// forwardSnapshots pushes every published snapshot to the server's observers
func (m *Mixer) forwardSnapshots() {
	snapshots := m.registry.SubscribeToChanges()

	go func() {
		for snap := range snapshots {
			if m.verbose {
				m.logger.Debugw("Publishing snapshot", "snapshot", snap)
			}

			m.server.Publish(snap)
		}
	}()
}

// startSurface connects the control surface if one is configured
func (m *Mixer) startSurface() {
	m.surfaceMutex.Lock()
	defer m.surfaceMutex.Unlock()

	surface := m.config.Surface()
	if !surface.Enabled() {
		m.logger.Debug("No control surface configured")
		return
	}

	if err := m.surface.Start(); err != nil {
		m.logger.Warnw("Failed to start control surface", "error", err)

		// If the port is busy, that's because something else is connected
		if errors.Is(err, os.ErrPermission) {
			m.notifier.Notify(fmt.Sprintf("Can't connect to %s!", surface.SerialPort),
				"This serial port is busy, make sure to close any serial monitor or other mixer instance.")
		} else if errors.Is(err, os.ErrNotExist) {
			m.notifier.Notify(fmt.Sprintf("Can't connect to %s!", surface.SerialPort),
				"This serial port doesn't exist, check your configuration and make sure it's set correctly.")
		}
	}
}

// setupOnConfigReload applies reloaded settings to the running components
func (m *Mixer) setupOnConfigReload() {
	configReloadedChannel := m.config.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			m.applyConfig()
		}
	}()
}

func (m *Mixer) applyConfig() {
	m.notifier.SetEnabled(m.config.Notifications)
	m.controller.SetPolicy(m.config.VolumePolicy)
	m.poller.SetInterval(m.config.PollInterval)

	if m.config.ServerPort <= 0 {
		m.server.Stop()
	} else if err := m.server.Start(m.config.ServerPort); err != nil {
		m.logger.Warnw("Failed to restart server after config reload", "error", err)
	}

	surface := m.config.Surface()
	port, baud := m.surface.Port()

	switch {
	case !m.surface.Running():
		m.startSurface()
	case !surface.Enabled():
		m.logger.Info("Control surface removed from config, disconnecting")
		m.surfaceMutex.Lock()
		m.surface.Stop()
		m.surfaceMutex.Unlock()
	case surface.SerialPort != port || uint(surface.BaudRate) != baud:
		m.logger.Info("Detected change in serial connection parameters, renewing connection")
		m.surfaceMutex.Lock()
		m.surface.Stop()
		m.surfaceMutex.Unlock()

		<-time.After(configReloadStopDelay)
		m.startSurface()
	}
}

// Snapshot returns the last published state
func (m *Mixer) Snapshot() *Snapshot {
	if m.registry == nil {
		return emptySnapshot()
	}

	return m.registry.Snapshot()
}

// Refresh re-reads every application and device and reconciles solo state
func (m *Mixer) Refresh(ctx context.Context) *Snapshot {
	if m.registry == nil {
		return emptySnapshot()
	}

	return m.poller.Poll(ctx)
}

func (m *Mixer) ready() error {
	if m.registry == nil {
		return fmt.Errorf("%w: mixer is not loaded", ErrPrecondition)
	}

	return nil
}

// report logs a command's outcome and surfaces real faults as notifications
func (m *Mixer) report(command string, t Target, status Status) Status {
	if status.OK() {
		m.logger.Debugw("Command applied", "command", command, "target", t, "status", status.Message)
		return status
	}

	if Expected(status.Err) {
		m.logger.Infow("Command had no effect", "command", command, "target", t, "status", status.Message)
		return status
	}

	m.logger.Warnw("Command failed", "command", command, "target", t, "error", status.Err)

	if status.Class == ClassAdapterFailure {
		m.notifier.Notify("Audio command failed", fmt.Sprintf("%s: %s", t, status.Message))
	}

	return status
}

// SetVolume sets the volume of an application or device
func (m *Mixer) SetVolume(ctx context.Context, t Target, v float32) Status {
	if err := m.ready(); err != nil {
		return newStatus("", t, err)
	}

	err := m.controller.SetVolume(ctx, t, v)

	success := ""
	if err == nil {
		success = volumeStatus(m.volumeOf(t, v))
	}

	return m.report("volume", t, newStatus(success, t, err))
}

// volumeOf is the volume the registry holds for t after a command
func (m *Mixer) volumeOf(t Target, fallback float32) float32 {
	snap := m.registry.Snapshot()

	if t.Kind == TargetApplication {
		if app, ok := snap.Application(t.ProcessID); ok {
			return app.Volume
		}
	} else if device, ok := snap.Device(t.DeviceID, t.Direction); ok {
		return device.Volume
	}

	return fallback
}

// SetMuted mutes or unmutes an application or device
func (m *Mixer) SetMuted(ctx context.Context, t Target, muted bool) Status {
	if err := m.ready(); err != nil {
		return newStatus("", t, err)
	}

	err := m.controller.SetMuted(ctx, t, muted)

	return m.report("mute", t, newStatus(muteStatus(muted), t, err))
}

// ToggleMuted flips the mute state of an application or device
func (m *Mixer) ToggleMuted(ctx context.Context, t Target) Status {
	if err := m.ready(); err != nil {
		return newStatus("", t, err)
	}

	muted, err := m.controller.ToggleMuted(ctx, t)

	return m.report("toggle mute", t, newStatus(muteStatus(muted), t, err))
}

// ActivateSolo solos an application or device within its group
func (m *Mixer) ActivateSolo(ctx context.Context, t Target) Status {
	if err := m.ready(); err != nil {
		return newStatus("", t, err)
	}

	err := m.solo.ActivateSolo(ctx, t)

	return m.report("solo", t, newStatus("Solo on", t, err))
}

// DeactivateSolo ends the solo of an application or device
func (m *Mixer) DeactivateSolo(ctx context.Context, t Target) Status {
	if err := m.ready(); err != nil {
		return newStatus("", t, err)
	}

	err := m.solo.DeactivateSolo(ctx, t)

	return m.report("unsolo", t, newStatus("Solo off", t, err))
}

// ToggleSolo flips the solo state of an application or device
func (m *Mixer) ToggleSolo(ctx context.Context, t Target) Status {
	if err := m.ready(); err != nil {
		return newStatus("", t, err)
	}

	soloed, err := m.solo.ToggleSolo(ctx, t)

	success := "Solo off"
	if soloed {
		success = "Solo on"
	}

	return m.report("toggle solo", t, newStatus(success, t, err))
}

// ClearSolo releases every group's solo
func (m *Mixer) ClearSolo(ctx context.Context) Status {
	if err := m.ready(); err != nil {
		return newStatus("", Target{}, err)
	}

	var err error
	for _, group := range []Group{ApplicationGroup, DeviceGroup(DirectionRender), DeviceGroup(DirectionCapture)} {
		err = multierr.Append(err, m.solo.ClearSolo(ctx, group))
	}

	return m.report("clear solo", Target{}, newStatus("Solo cleared", Target{}, err))
}

// SetDefault makes a device the default of its direction
func (m *Mixer) SetDefault(ctx context.Context, id string, direction Direction) Status {
	t := DeviceTarget(id, direction)

	if err := m.ready(); err != nil {
		return newStatus("", t, err)
	}

	err := m.devices.SetDefault(ctx, id, direction)

	return m.report("default", t, newStatus("Default device changed", t, err))
}
