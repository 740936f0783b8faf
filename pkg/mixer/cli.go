package mixer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/soundmixer/soundmixer/pkg/mixer/util"
)

// Command is the first positional argument of the binary
type Command string

const (
	CommandRun     Command = "run"
	CommandApps    Command = "apps"
	CommandDevices Command = "devices"
	CommandVolume  Command = "volume"
	CommandMute    Command = "mute"
	CommandUnmute  Command = "unmute"
	CommandDefault Command = "default"
	CommandHelp    Command = "help"
	CommandVersion Command = "version"
)

// number of positional arguments each command takes
var commandArity = map[Command]int{
	CommandRun:     0,
	CommandApps:    0,
	CommandDevices: 0,
	CommandVolume:  2,
	CommandMute:    1,
	CommandUnmute:  1,
	CommandDefault: 2,
	CommandHelp:    0,
	CommandVersion: 0,
}

// Invocation is a parsed command line
type Invocation struct {
	Command    Command
	Args       []string
	ConfigPath string
	Verbose    bool
	NoTray     bool

	// Flags holds the flags that override config keys
	Flags *pflag.FlagSet
}

// ParseArgs parses the command line, without the binary name. No command means run
func ParseArgs(args []string) (Invocation, error) {
	inv := Invocation{Command: CommandRun}

	flags := pflag.NewFlagSet("soundmixer", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)

	var showHelp, showVersion bool

	flags.BoolVarP(&inv.Verbose, "verbose", "v", false, "show verbose logs (useful for debugging serial)")
	flags.StringVarP(&inv.ConfigPath, "config", "c", "", "config file path")
	flags.BoolVar(&inv.NoTray, "no-tray", false, "run in the foreground without a tray icon")
	flags.String("backend", backendAuto, "audio backend: auto or memory")
	flags.String("volume-policy", VolumePolicyStrict.String(), "out of range volumes: strict or clamp")
	flags.Int("port", 0, "HTTP API port, 0 to disable")
	flags.BoolVarP(&showHelp, "help", "h", false, "show help")
	flags.BoolVar(&showVersion, "version", false, "show version")

	if err := flags.Parse(args); err != nil {
		return Invocation{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	inv.Flags = flags

	positional := flags.Args()
	if len(positional) > 0 {
		inv.Command = Command(strings.ToLower(positional[0]))
		inv.Args = positional[1:]
	}

	arity, ok := commandArity[inv.Command]
	if !ok {
		return Invocation{}, fmt.Errorf("%w: unknown command: %s", ErrValidation, inv.Command)
	}

	if len(inv.Args) != arity {
		return Invocation{}, fmt.Errorf("%w: %s takes %d argument(s), got %d", ErrValidation, inv.Command, arity, len(inv.Args))
	}

	switch {
	case showHelp:
		inv.Command = CommandHelp
	case showVersion:
		inv.Command = CommandVersion
	}

	return inv, nil
}

// HelpText is the usage message
func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [flags] [command]

Commands:
  run                        Run the mixer (default)
  apps                       List audio applications
  devices                    List output and input devices
  volume <target> <level>    Set volume, level as 0.5 or 50%%
  mute <target>              Mute an application or device
  unmute <target>            Unmute an application or device
  default <direction> <dev>  Make a device the default output or input
  version                    Print version information
  help                       Show this help

Targets:
  1234, app:1234             Application by process id
  output:<id>, input:<id>    Device by id
  <name>                     Application process name or device name
  mixer.master, mixer.mic    Default output or input device

Flags:
  -c, --config PATH          Config file path (default: config.yaml)
  -v, --verbose              Show verbose logs
      --no-tray              Run without a tray icon
      --backend NAME         Audio backend: auto or memory
      --volume-policy NAME   Out of range volumes: strict or clamp
      --port N               HTTP API port, 0 to disable
  -h, --help                 Show help
      --version              Show version
`, binaryName)
}

// ParseVolumeArg reads a level given as a fraction ("0.5") or a percentage ("50%")
func ParseVolumeArg(s string) (float32, error) {
	s = strings.TrimSpace(s)

	percent := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")

	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: volume must be a number", ErrValidation)
	}

	if percent {
		v /= 100
	}

	return float32(v), nil
}

// ResolveTargetArg turns a command line target into the entities it means in snap
func ResolveTargetArg(snap *Snapshot, arg string) ([]Target, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, fmt.Errorf("%w: target must not be empty", ErrValidation)
	}

	if pid, err := strconv.Atoi(strings.TrimPrefix(arg, "app:")); err == nil {
		return []Target{ApplicationTarget(pid)}, nil
	}

	if prefix, id, ok := strings.Cut(arg, ":"); ok {
		if direction, err := ParseDirection(prefix); err == nil {
			return []Target{DeviceTarget(id, direction)}, nil
		}
	}

	targets := resolveSurfaceTarget(snap, arg, util.ForegroundProcessID)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%s: %w", arg, ErrTargetNotFound)
	}

	return targets, nil
}

// resolveDeviceArg finds a device of direction by id or display name
func resolveDeviceArg(snap *Snapshot, direction Direction, arg string) (string, error) {
	if _, ok := snap.Device(arg, direction); ok {
		return arg, nil
	}

	want := strings.ToLower(strings.TrimSpace(arg))
	for _, device := range snap.DevicesOf(direction) {
		if strings.ToLower(device.Name) == want {
			return device.ID, nil
		}
	}

	return "", fmt.Errorf("%s device %s: %w", direction, arg, ErrTargetNotFound)
}

// RunCommand executes a one-shot command against a loaded mixer and returns the
// process exit code
func (m *Mixer) RunCommand(ctx context.Context, inv Invocation, stdout io.Writer, stderr io.Writer) int {
	snap := m.Snapshot()

	switch inv.Command {
	case CommandApps:
		printApplications(stdout, snap)
		return 0

	case CommandDevices:
		printDevices(stdout, snap)
		return 0

	case CommandVolume:
		v, err := ParseVolumeArg(inv.Args[1])
		if err != nil {
			fmt.Fprintf(stderr, "error: %s\n", validationMessage(err))
			return 2
		}

		return m.eachTarget(snap, inv.Args[0], stdout, stderr, func(t Target) Status {
			return m.SetVolume(ctx, t, v)
		})

	case CommandMute, CommandUnmute:
		muted := inv.Command == CommandMute

		return m.eachTarget(snap, inv.Args[0], stdout, stderr, func(t Target) Status {
			return m.SetMuted(ctx, t, muted)
		})

	case CommandDefault:
		direction, err := ParseDirection(inv.Args[0])
		if err != nil {
			fmt.Fprintf(stderr, "error: %s\n", validationMessage(err))
			return 2
		}

		id, err := resolveDeviceArg(snap, direction, inv.Args[1])
		if err != nil {
			fmt.Fprintf(stderr, "error: %s\n", StatusMessage("", DeviceTarget(inv.Args[1], direction), err))
			return 1
		}

		return printStatus(stdout, stderr, DeviceTarget(id, direction), m.SetDefault(ctx, id, direction))
	}

	fmt.Fprintf(stderr, "error: unsupported command %q\n", inv.Command)
	return 2
}

func (m *Mixer) eachTarget(snap *Snapshot, arg string, stdout io.Writer, stderr io.Writer, f func(t Target) Status) int {
	targets, err := ResolveTargetArg(snap, arg)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			fmt.Fprintf(stderr, "error: %s\n", validationMessage(err))
			return 2
		}

		fmt.Fprintf(stderr, "error: no application or device matches %q\n", arg)
		return 1
	}

	code := 0
	for _, t := range targets {
		if rc := printStatus(stdout, stderr, t, f(t)); rc != 0 {
			code = rc
		}
	}

	return code
}

func printStatus(stdout io.Writer, stderr io.Writer, t Target, status Status) int {
	if status.OK() {
		fmt.Fprintf(stdout, "%s: %s\n", t, status.Message)
		return 0
	}

	fmt.Fprintf(stderr, "%s: %s\n", t, status.Message)

	if status.Class == ClassValidation {
		return 2
	}

	return 1
}

func printApplications(w io.Writer, snap *Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tVOLUME\tMUTED\tSOLO")

	for _, app := range snap.Applications {
		fmt.Fprintf(tw, "%d\t%s\t%.0f%%\t%t\t%t\n", app.ProcessID, app.ProcessName, app.Volume*100, app.Muted, app.Solo)
	}

	tw.Flush()
}

func printDevices(w io.Writer, snap *Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DIRECTION\tID\tNAME\tVOLUME\tMUTED\tDEFAULT")

	for _, direction := range Directions {
		for _, device := range snap.DevicesOf(direction) {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%t\t%t\n",
				direction, device.ID, device.Name, device.Volume*100, device.Muted, device.Default)
		}
	}

	tw.Flush()
}
