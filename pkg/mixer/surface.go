package mixer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"

	"github.com/soundmixer/soundmixer/pkg/mixer/util"
)

// surfaceCommands is what the control surface needs from the mixer
type surfaceCommands interface {
	Snapshot() *Snapshot
	SetVolume(ctx context.Context, t Target, v float32) Status
	ActivateSolo(ctx context.Context, t Target) Status
	DeactivateSolo(ctx context.Context, t Target) Status
}

// SurfaceEventKind tells slider moves apart from switch flips
type SurfaceEventKind int

const (
	SurfaceSlider SurfaceEventKind = iota
	SurfaceSwitch
)

// SurfaceEvent is one state change reported by the control surface
type SurfaceEvent struct {
	Kind  SurfaceEventKind
	Index int

	// Value is the slider position in [0, 1]
	Value float32

	// State is the switch position
	State bool
}

const (
	// special targets resolved against the live snapshot
	surfaceTargetPrefix  = "mixer."
	surfaceTargetMaster  = "master"
	surfaceTargetMic     = "mic"
	surfaceTargetCurrent = "current"

	// Delay between serial reconnection attempts
	serialRetryDelay = 2 * time.Second

	// InterCharacterTimeout for serial connection (milliseconds)
	// This is the timeout between characters before a read operation returns
	serialInterCharacterTimeout = 50

	// potentiometers jitter by a percent or so while at rest
	sliderNoiseReduction = 0.02

	surfaceCommandTimeout = 5 * time.Second
)

var (
	potPattern    = regexp.MustCompile(`^sensor-pot(\d+)$`)
	swPattern     = regexp.MustCompile(`^binary_sensor-sw(\d+)$`)
	ansiRegexp    = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	jsonLogRegexp = regexp.MustCompile(`\[[A-Z]\]\[json:\d+\]:\s*(\{.*\})`)
)

func stripANSI(s string) string {
	return ansiRegexp.ReplaceAllString(s, "")
}

// ParseSurfaceLine extracts a state event from one line of surface output. Both
// bare JSON lines and ESPHome log lines carrying a JSON payload are understood
func ParseSurfaceLine(line string) (SurfaceEvent, bool) {
	clean := strings.TrimSpace(stripANSI(line))

	if len(clean) > 0 && clean[0] == '{' && clean[len(clean)-1] == '}' {
		return parseStateEvent([]byte(clean))
	}

	m := jsonLogRegexp.FindStringSubmatch(clean)
	if m == nil {
		return SurfaceEvent{}, false
	}

	return parseStateEvent([]byte(m[1]))
}

// parseStateEvent reads {"id":"sensor-pot2","value":81} or
// {"id":"binary_sensor-sw1","value":true} (or "state":"ON")
func parseStateEvent(data []byte) (SurfaceEvent, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return SurfaceEvent{}, false
	}

	id, _ := raw["id"].(string)
	if id == "" {
		return SurfaceEvent{}, false
	}

	if m := potPattern.FindStringSubmatch(id); len(m) == 2 {
		// JSON numbers are always parsed as float64 when using map[string]interface{}
		percent, ok := raw["value"].(float64)
		if !ok {
			return SurfaceEvent{}, false
		}

		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return SurfaceEvent{}, false
		}

		return SurfaceEvent{
			Kind:  SurfaceSlider,
			Index: idx,
			Value: clampVolume(float32(percent) / 100.0),
		}, true
	}

	if m := swPattern.FindStringSubmatch(id); len(m) == 2 {
		var state bool
		if v, ok := raw["value"].(bool); ok {
			state = v
		} else if s, ok := raw["state"].(string); ok {
			state = strings.EqualFold(s, "ON")
		} else {
			return SurfaceEvent{}, false
		}

		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return SurfaceEvent{}, false
		}

		return SurfaceEvent{Kind: SurfaceSwitch, Index: idx, State: state}, true
	}

	return SurfaceEvent{}, false
}

// resolveSurfaceTarget turns a configured target name into the entities it means
// right now. Unknown names resolve to nothing
func resolveSurfaceTarget(snap *Snapshot, name string, foreground func() (int, error)) []Target {
	name = strings.ToLower(strings.TrimSpace(name))

	if strings.HasPrefix(name, surfaceTargetPrefix) {
		switch strings.TrimPrefix(name, surfaceTargetPrefix) {
		case surfaceTargetMaster:
			if device, ok := snap.DefaultDevice(DirectionRender); ok {
				return []Target{DeviceTarget(device.ID, DirectionRender)}
			}
		case surfaceTargetMic:
			if device, ok := snap.DefaultDevice(DirectionCapture); ok {
				return []Target{DeviceTarget(device.ID, DirectionCapture)}
			}
		case surfaceTargetCurrent:
			pid, err := foreground()
			if err != nil {
				return nil
			}
			if _, ok := snap.Application(pid); ok {
				return []Target{ApplicationTarget(pid)}
			}
		}

		return nil
	}

	if apps := snap.FindApplicationsByName(name); len(apps) > 0 {
		targets := make([]Target, 0, len(apps))
		for _, app := range apps {
			targets = append(targets, ApplicationTarget(app.ProcessID))
		}
		return targets
	}

	if device, ok := snap.FindDeviceByName(name); ok {
		return []Target{DeviceTarget(device.ID, device.Direction)}
	}

	return nil
}

// Surface reads slider and switch events from a serial control surface and turns
// them into mixer commands
type Surface struct {
	logger   *zap.SugaredLogger
	commands surfaceCommands
	config   *CanonicalConfig
	verbose  bool

	foreground func() (int, error)

	stopChannel chan bool
	mu          sync.Mutex // Protects running, conn, and connOptions
	running     bool
	connOptions serial.OpenOptions
	conn        io.ReadWriteCloser

	sliderLock   sync.Mutex
	sliderValues map[int]float32
}

// NewSurface creates a control surface bound to the mixer's commands
func NewSurface(logger *zap.SugaredLogger, commands surfaceCommands, config *CanonicalConfig, verbose bool) (*Surface, error) {
	if commands == nil || config == nil {
		return nil, fmt.Errorf("%w: surface requires commands and a config", ErrPrecondition)
	}

	logger = logger.Named("surface")

	s := &Surface{
		logger:       logger,
		commands:     commands,
		config:       config,
		verbose:      verbose,
		foreground:   util.ForegroundProcessID,
		stopChannel:  make(chan bool),
		sliderValues: make(map[int]float32),
	}

	logger.Debug("Created control surface instance")

	return s, nil
}

// Running reports whether the surface's connection loop is active
func (s *Surface) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// Port returns the serial port and baud rate the surface is currently using
func (s *Surface) Port() (string, uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connOptions.PortName, s.connOptions.BaudRate
}

// Start connects to the configured serial port and keeps reading from it,
// reconnecting when the connection drops, until Stop is called
func (s *Surface) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("surface: already running")
	}
	s.mu.Unlock()

	surface := s.config.Surface()
	if !surface.Enabled() {
		return fmt.Errorf("%w: no serial port configured", ErrValidation)
	}

	conn, err := s.connect(surface)
	if err != nil {
		return fmt.Errorf("surface initial connect: %w", err)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()

		for {
			if conn != nil {
				stopped, err := s.run(conn)
				if err != nil {
					s.logger.Warnw("Serial connection lost", "error", err)
				}

				if stopped {
					s.close()
					return
				}
			}

			s.close()

			select {
			case <-s.stopChannel:
				return
			case <-time.After(serialRetryDelay):
			}

			conn, err = s.connect(s.config.Surface())
			if err != nil {
				s.logger.Debugw("Serial reconnect failed", "error", err)
				conn = nil
			}
		}
	}()

	return nil
}

// Stop signals us to shut down our serial connection, if one is active
func (s *Surface) Stop() {
	if !s.Running() {
		s.logger.Debug("Not currently connected, nothing to stop")
		return
	}

	s.logger.Debug("Shutting down serial connection")

	select {
	case s.stopChannel <- true:
	case <-time.After(surfaceCommandTimeout):
		s.logger.Warn("Serial connection did not stop in time")
	}
}

func (s *Surface) connect(surface SurfaceConfig) (io.ReadWriteCloser, error) {
	options := serial.OpenOptions{
		PortName:              surface.SerialPort,
		BaudRate:              uint(surface.BaudRate),
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: serialInterCharacterTimeout,
	}

	s.logger.Debugw("Attempting serial connection", "port", options.PortName, "baud", options.BaudRate)

	conn, err := serial.Open(options)
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "access is denied"), strings.Contains(msg, "permission denied"):
			return nil, fmt.Errorf("serial port %s is busy or access denied: %w", options.PortName, err)
		case strings.Contains(msg, "no such file"), strings.Contains(msg, "cannot find"):
			return nil, fmt.Errorf("serial port %s does not exist: %w", options.PortName, err)
		}
		return nil, fmt.Errorf("open serial port %s: %w", options.PortName, err)
	}

	s.mu.Lock()
	s.connOptions = options
	s.conn = conn
	s.mu.Unlock()

	s.logger.Infow("Connected to serial port", "port", options.PortName)

	return conn, nil
}

func (s *Surface) close() {
	s.mu.Lock()
	conn := s.conn
	portName := s.connOptions.PortName
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return
	}

	if err := conn.Close(); err != nil {
		s.logger.Warnw("Failed to close serial connection", "port", portName, "error", err)
	} else {
		s.logger.Infow("Serial connection closed", "port", portName)
	}
}

// run reads lines until the connection drops or Stop is called, and reports which
// of the two happened
func (s *Surface) run(reader io.Reader) (bool, error) {
	done := make(chan struct{})
	defer close(done)

	lineChannel := s.readLine(bufio.NewReader(reader), done)

	for {
		select {
		case <-s.stopChannel:
			return true, nil

		case line, ok := <-lineChannel:
			if !ok {
				return false, errors.New("serial connection lost")
			}
			s.handleLine(line)
		}
	}
}

func (s *Surface) readLine(reader *bufio.Reader, done <-chan struct{}) chan string {
	ch := make(chan string)

	go func() {
		defer close(ch)

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					s.logger.Infow("Serial read error, connection may be lost", "error", err)
				}
				return
			}

			if s.verbose {
				s.logger.Debugw("Read new line", "line", line)
			}

			select {
			case ch <- line:
			case <-done:
				return
			}
		}
	}()

	return ch
}

// handleLine parses one line of surface output and applies it
func (s *Surface) handleLine(line string) {
	event, ok := ParseSurfaceLine(line)
	if !ok {
		return
	}

	if s.verbose {
		s.logger.Debugw("Surface event", "event", event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), surfaceCommandTimeout)
	defer cancel()

	s.Apply(ctx, event)
}

// Apply turns a surface event into commands on every target its control is mapped to
func (s *Surface) Apply(ctx context.Context, event SurfaceEvent) {
	surface := s.config.Surface()

	switch event.Kind {
	case SurfaceSlider:
		value := event.Value
		if surface.InvertSliders {
			value = 1 - value
		}
		value = util.NormalizeScalar(value)

		if !s.sliderMoved(event.Index, value) {
			return
		}

		s.forEachTarget(surface.SliderMapping, event.Index, func(t Target) Status {
			return s.commands.SetVolume(ctx, t, value)
		})

	case SurfaceSwitch:
		on := event.State != surface.InvertSwitches

		s.forEachTarget(surface.SwitchMapping, event.Index, func(t Target) Status {
			if on {
				return s.commands.ActivateSolo(ctx, t)
			}
			return s.commands.DeactivateSolo(ctx, t)
		})
	}
}

// sliderMoved records value and reports whether it's far enough from the last one
// to act on
func (s *Surface) sliderMoved(index int, value float32) bool {
	s.sliderLock.Lock()
	defer s.sliderLock.Unlock()

	last, seen := s.sliderValues[index]
	if seen && !util.SignificantlyDifferent(last, value, sliderNoiseReduction) {
		return false
	}

	s.sliderValues[index] = value
	return true
}

func (s *Surface) forEachTarget(mapping *targetMap, index int, f func(t Target) Status) {
	if mapping == nil {
		return
	}

	names, ok := mapping.get(index)
	if !ok {
		return
	}

	snap := s.commands.Snapshot()

	for _, name := range names {
		for _, t := range resolveSurfaceTarget(snap, name, s.foreground) {
			if status := f(t); !status.OK() && s.verbose {
				s.logger.Debugw("Surface command did not apply", "target", t, "status", status.Message)
			}
		}
	}
}
