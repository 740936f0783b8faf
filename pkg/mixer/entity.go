package mixer

import (
	"fmt"
	"strings"
)

// Direction tells render (output) devices apart from capture (input) devices
type Direction int

const (
	DirectionRender Direction = iota
	DirectionCapture
)

// Directions lists every device direction the registry tracks
var Directions = []Direction{DirectionRender, DirectionCapture}

func (d Direction) String() string {
	switch d {
	case DirectionRender:
		return "output"
	case DirectionCapture:
		return "input"
	}

	return fmt.Sprintf("direction(%d)", int(d))
}

// ParseDirection accepts the names used in config files and API payloads
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "output", "render", "":
		return DirectionRender, nil
	case "input", "capture":
		return DirectionCapture, nil
	}

	return DirectionRender, fmt.Errorf("%w: unknown direction %q", ErrValidation, s)
}

// unknownProcessName is reported for sessions whose process can't be inspected
const unknownProcessName = "Unknown"

// AudioApplication is one process's audio session as last seen by the registry
type AudioApplication struct {
	ProcessID   int     `json:"pid"`
	ProcessName string  `json:"name"`
	Volume      float32 `json:"volume"`
	Muted       bool    `json:"muted"`
	Solo        bool    `json:"solo"`
}

func (a AudioApplication) String() string {
	return fmt.Sprintf("<app: %s (pid %d), vol: %.2f, muted: %t, solo: %t>",
		a.ProcessName, a.ProcessID, a.Volume, a.Muted, a.Solo)
}

// AudioDevice is one audio endpoint as last seen by the registry
type AudioDevice struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Direction Direction `json:"-"`
	Default   bool      `json:"default"`
	Volume    float32   `json:"volume"`
	Muted     bool      `json:"muted"`
	Solo      bool      `json:"solo"`
}

func (d AudioDevice) String() string {
	return fmt.Sprintf("<device: %s [%s], vol: %.2f, muted: %t, default: %t>",
		d.Name, d.Direction, d.Volume, d.Muted, d.Default)
}

// TargetKind says whether a Target addresses an application or a device
type TargetKind int

const (
	TargetApplication TargetKind = iota
	TargetDevice
)

// Target addresses one controllable entity by its stable id. Nothing about the
// underlying OS object is kept, it gets resolved again on every command
type Target struct {
	Kind      TargetKind
	ProcessID int
	DeviceID  string
	Direction Direction
}

// ApplicationTarget addresses the audio session of a process
func ApplicationTarget(pid int) Target {
	return Target{Kind: TargetApplication, ProcessID: pid}
}

// DeviceTarget addresses an audio device of the given direction
func DeviceTarget(id string, direction Direction) Target {
	return Target{Kind: TargetDevice, DeviceID: id, Direction: direction}
}

// Group returns the solo/default scope this target belongs to
func (t Target) Group() Group {
	if t.Kind == TargetApplication {
		return ApplicationGroup
	}

	return DeviceGroup(t.Direction)
}

// Noun is the human readable entity kind, used in status messages
func (t Target) Noun() string {
	if t.Kind == TargetApplication {
		return "application"
	}

	return "device"
}

func (t Target) validate() error {
	switch t.Kind {
	case TargetApplication:
		if t.ProcessID <= 0 {
			return fmt.Errorf("%w: invalid process id %d", ErrValidation, t.ProcessID)
		}
	case TargetDevice:
		if strings.TrimSpace(t.DeviceID) == "" {
			return fmt.Errorf("%w: device id must not be empty", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown target kind %d", ErrValidation, int(t.Kind))
	}

	return nil
}

func (t Target) String() string {
	if t.Kind == TargetApplication {
		return fmt.Sprintf("app:%d", t.ProcessID)
	}

	return fmt.Sprintf("device:%s:%s", t.Direction, t.DeviceID)
}

// Group is the scope of solo exclusivity and default uniqueness: all
// applications, or all devices of one direction
type Group struct {
	Kind      TargetKind
	Direction Direction
}

// ApplicationGroup holds every audio application
var ApplicationGroup = Group{Kind: TargetApplication}

// DeviceGroup holds the devices of one direction
func DeviceGroup(direction Direction) Group {
	return Group{Kind: TargetDevice, Direction: direction}
}

func (g Group) String() string {
	if g.Kind == TargetApplication {
		return "applications"
	}

	return g.Direction.String() + " devices"
}
