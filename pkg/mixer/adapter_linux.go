package mixer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// normal PulseAudio volume (100%)
const maxVolume = 0x10000

const (
	sinkIDPrefix   = "sink:"
	sourceIDPrefix = "source:"
)

// paAdapter talks to PulseAudio (or pipewire-pulse) over its native protocol.
// Devices are addressed by sink/source name, prefixed with their kind so an id
// alone tells which direction it belongs to
type paAdapter struct {
	logger *zap.SugaredLogger

	// the protocol client isn't safe for concurrent requests
	lock   sync.Mutex
	client *proto.Client
	conn   net.Conn
}

func newPlatformAdapter(logger *zap.SugaredLogger) (Adapter, error) {
	logger = logger.Named("adapter")

	client, conn, err := proto.Connect("")
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("%w: establish PulseAudio connection: %w", ErrAdapterFailure, err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("soundmixer"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: set client name: %w", ErrAdapterFailure, err)
	}

	a := &paAdapter{
		logger: logger,
		client: client,
		conn:   conn,
	}

	logger.Debug("Created PA adapter instance")

	return a, nil
}

func (a *paAdapter) request(req proto.RequestArgs, reply proto.Reply) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if err := a.client.Request(req, reply); err != nil {
		return fmt.Errorf("%w: %w", ErrAdapterFailure, err)
	}

	return nil
}

func (a *paAdapter) sinkInputs() (proto.GetSinkInputInfoListReply, error) {
	request := proto.GetSinkInputInfoList{}
	reply := proto.GetSinkInputInfoListReply{}

	if err := a.request(&request, &reply); err != nil {
		a.logger.Warnw("Failed to get sink input list", "error", err)
		return nil, fmt.Errorf("get sink input list: %w", err)
	}

	return reply, nil
}

func sinkInputPID(info *proto.GetSinkInputInfoReply) int {
	if info == nil || info.Properties == nil {
		return 0
	}

	prop, ok := info.Properties["application.process.id"]
	if !ok {
		return 0
	}

	pid, err := strconv.Atoi(prop.String())
	if err != nil {
		return 0
	}

	return pid
}

func (a *paAdapter) ListApplicationSessions(_ context.Context) ([]RawSession, error) {
	inputs, err := a.sinkInputs()
	if err != nil {
		return nil, err
	}

	sessions := []RawSession{}
	for _, info := range inputs {
		pid := sinkInputPID(info)
		if pid <= 0 {
			continue
		}

		sessions = append(sessions, RawSession{
			ProcessID: pid,
			Volume:    parseChannelVolumes(info.ChannelVolumes),
			Muted:     info.Muted,
		})
	}

	return sessions, nil
}

func (a *paAdapter) FindApplicationSession(_ context.Context, pid int) (RawSession, error) {
	inputs, err := a.sinkInputs()
	if err != nil {
		return RawSession{}, err
	}

	for _, info := range inputs {
		if sinkInputPID(info) == pid {
			return RawSession{
				ProcessID: pid,
				Volume:    parseChannelVolumes(info.ChannelVolumes),
				Muted:     info.Muted,
			}, nil
		}
	}

	return RawSession{}, fmt.Errorf("find session for pid %d: %w", pid, ErrTargetNotFound)
}

// eachSinkInput runs f on every stream owned by pid. A process can play more than
// one stream and they're all treated as one application
func (a *paAdapter) eachSinkInput(pid int, f func(info *proto.GetSinkInputInfoReply) error) error {
	inputs, err := a.sinkInputs()
	if err != nil {
		return err
	}

	found := false
	for _, info := range inputs {
		if sinkInputPID(info) != pid {
			continue
		}

		found = true
		if err := f(info); err != nil {
			return err
		}
	}

	if !found {
		return fmt.Errorf("no stream for pid %d: %w", pid, ErrTargetNotFound)
	}

	return nil
}

func (a *paAdapter) SetApplicationVolume(_ context.Context, pid int, v float32) error {
	return a.eachSinkInput(pid, func(info *proto.GetSinkInputInfoReply) error {
		request := proto.SetSinkInputVolume{
			SinkInputIndex: info.SinkInputIndex,
			ChannelVolumes: createChannelVolumes(len(info.ChannelVolumes), clampVolume(v)),
		}

		if err := a.request(&request, nil); err != nil {
			a.logger.Warnw("Failed to set stream volume", "pid", pid, "error", err)
			return fmt.Errorf("adjust stream volume: %w", err)
		}

		return nil
	})
}

func (a *paAdapter) SetApplicationMuted(_ context.Context, pid int, muted bool) error {
	return a.eachSinkInput(pid, func(info *proto.GetSinkInputInfoReply) error {
		request := proto.SetSinkInputMute{
			SinkInputIndex: info.SinkInputIndex,
			Mute:           muted,
		}

		if err := a.request(&request, nil); err != nil {
			a.logger.Warnw("Failed to set stream mute state", "pid", pid, "error", err)
			return fmt.Errorf("set stream mute: %w", err)
		}

		return nil
	})
}

func (a *paAdapter) serverInfo() (proto.GetServerInfoReply, error) {
	request := proto.GetServerInfo{}
	reply := proto.GetServerInfoReply{}

	if err := a.request(&request, &reply); err != nil {
		return reply, fmt.Errorf("get server info: %w", err)
	}

	return reply, nil
}

func description(props proto.PropList, fallback string) string {
	if props != nil {
		if prop, ok := props["device.description"]; ok && prop.String() != "" {
			return prop.String()
		}
	}

	return fallback
}

func (a *paAdapter) ListDevices(_ context.Context, direction Direction) ([]RawDevice, error) {
	server, err := a.serverInfo()
	if err != nil {
		a.logger.Debugw("Failed to get default device names", "error", err)
	}

	devices := []RawDevice{}

	if direction == DirectionRender {
		request := proto.GetSinkInfoList{}
		reply := proto.GetSinkInfoListReply{}
		if err := a.request(&request, &reply); err != nil {
			a.logger.Warnw("Failed to get sink list", "error", err)
			return nil, fmt.Errorf("get sink list: %w", err)
		}

		for _, sink := range reply {
			if sink == nil || sink.SinkName == "" {
				continue
			}

			devices = append(devices, sinkDevice(sink, server.DefaultSinkName))
		}

		return devices, nil
	}

	request := proto.GetSourceInfoList{}
	reply := proto.GetSourceInfoListReply{}
	if err := a.request(&request, &reply); err != nil {
		a.logger.Warnw("Failed to get source list", "error", err)
		return nil, fmt.Errorf("get source list: %w", err)
	}

	for _, source := range reply {
		if source == nil || source.SourceName == "" {
			continue
		}

		// monitors of output devices aren't microphones
		if source.MonitorSourceIndex != proto.Undefined {
			continue
		}

		devices = append(devices, sourceDevice(source, server.DefaultSourceName))
	}

	return devices, nil
}

func sinkDevice(sink *proto.GetSinkInfoReply, defaultName string) RawDevice {
	return RawDevice{
		ID:        sinkIDPrefix + sink.SinkName,
		Name:      description(sink.Properties, sink.SinkName),
		Direction: DirectionRender,
		Default:   sink.SinkName == defaultName,
		Volume:    parseChannelVolumes(sink.ChannelVolumes),
		Muted:     sink.Mute,
	}
}

func sourceDevice(source *proto.GetSourceInfoReply, defaultName string) RawDevice {
	return RawDevice{
		ID:        sourceIDPrefix + source.SourceName,
		Name:      description(source.Properties, source.SourceName),
		Direction: DirectionCapture,
		Default:   source.SourceName == defaultName,
		Volume:    parseChannelVolumes(source.ChannelVolumes),
		Muted:     source.Mute,
	}
}

// splitDeviceID returns the direction and sink/source name encoded in id
func splitDeviceID(id string) (Direction, string, bool) {
	switch {
	case strings.HasPrefix(id, sinkIDPrefix):
		return DirectionRender, strings.TrimPrefix(id, sinkIDPrefix), true
	case strings.HasPrefix(id, sourceIDPrefix):
		return DirectionCapture, strings.TrimPrefix(id, sourceIDPrefix), true
	}

	return DirectionRender, "", false
}

func (a *paAdapter) FindDevice(ctx context.Context, id string) (RawDevice, error) {
	direction, _, ok := splitDeviceID(id)
	if !ok {
		return RawDevice{}, fmt.Errorf("find device %s: %w", id, ErrTargetNotFound)
	}

	devices, err := a.ListDevices(ctx, direction)
	if err != nil {
		return RawDevice{}, err
	}

	for _, device := range devices {
		if device.ID == id {
			return device, nil
		}
	}

	return RawDevice{}, fmt.Errorf("find device %s: %w", id, ErrTargetNotFound)
}

func (a *paAdapter) SetDeviceVolume(ctx context.Context, id string, v float32) error {
	device, err := a.FindDevice(ctx, id)
	if err != nil {
		return err
	}

	channels, err := a.deviceChannels(device)
	if err != nil {
		return err
	}

	volumes := createChannelVolumes(channels, clampVolume(v))

	_, name, _ := splitDeviceID(id)

	var request proto.RequestArgs
	if device.Direction == DirectionRender {
		request = &proto.SetSinkVolume{
			SinkIndex:      proto.Undefined,
			SinkName:       name,
			ChannelVolumes: volumes,
		}
	} else {
		request = &proto.SetSourceVolume{
			SourceIndex:    proto.Undefined,
			SourceName:     name,
			ChannelVolumes: volumes,
		}
	}

	if err := a.request(request, nil); err != nil {
		a.logger.Warnw("Failed to set device volume", "id", id, "error", err, "volume", v)
		return fmt.Errorf("adjust device volume: %w", err)
	}

	return nil
}

func (a *paAdapter) deviceChannels(device RawDevice) (int, error) {
	_, name, _ := splitDeviceID(device.ID)

	if device.Direction == DirectionRender {
		request := proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: name}
		reply := proto.GetSinkInfoReply{}
		if err := a.request(&request, &reply); err != nil {
			return 0, fmt.Errorf("get sink info: %w", err)
		}
		return len(reply.ChannelVolumes), nil
	}

	request := proto.GetSourceInfo{SourceIndex: proto.Undefined, SourceName: name}
	reply := proto.GetSourceInfoReply{}
	if err := a.request(&request, &reply); err != nil {
		return 0, fmt.Errorf("get source info: %w", err)
	}
	return len(reply.ChannelVolumes), nil
}

func (a *paAdapter) SetDeviceMuted(ctx context.Context, id string, muted bool) error {
	device, err := a.FindDevice(ctx, id)
	if err != nil {
		return err
	}

	_, name, _ := splitDeviceID(id)

	var request proto.RequestArgs
	if device.Direction == DirectionRender {
		request = &proto.SetSinkMute{
			SinkIndex: proto.Undefined,
			SinkName:  name,
			Mute:      muted,
		}
	} else {
		request = &proto.SetSourceMute{
			SourceIndex: proto.Undefined,
			SourceName:  name,
			Mute:        muted,
		}
	}

	if err := a.request(request, nil); err != nil {
		a.logger.Warnw("Failed to set device mute state", "id", id, "error", err)
		return fmt.Errorf("set device mute: %w", err)
	}

	return nil
}

func (a *paAdapter) SetDefaultDevice(ctx context.Context, id string, direction Direction) error {
	device, err := a.FindDevice(ctx, id)
	if err != nil {
		return err
	}

	if device.Direction != direction {
		return fmt.Errorf("device %s is not an %s device: %w", id, direction, ErrTargetNotFound)
	}

	_, name, _ := splitDeviceID(id)

	var request proto.RequestArgs
	if direction == DirectionRender {
		request = &proto.SetDefaultSink{SinkName: name}
	} else {
		request = &proto.SetDefaultSource{SourceName: name}
	}

	if err := a.request(request, nil); err != nil {
		a.logger.Warnw("Failed to set default device", "id", id, "error", err)
		return fmt.Errorf("set default device: %w", err)
	}

	return nil
}

func (a *paAdapter) Release() error {
	if err := a.conn.Close(); err != nil {
		a.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	a.logger.Debug("Released PA adapter instance")

	return nil
}

func createChannelVolumes(channels int, volume float32) []uint32 {
	if channels <= 0 {
		channels = 2
	}

	volumes := make([]uint32, channels)
	for i := range volumes {
		volumes[i] = uint32(volume * maxVolume)
	}

	return volumes
}

func parseChannelVolumes(volumes []uint32) float32 {
	if len(volumes) == 0 {
		return 0
	}

	var level uint32
	for _, volume := range volumes {
		level += volume
	}

	// boosted streams report more than 100%
	return clampVolume(float32(level) / float32(len(volumes)) / float32(maxVolume))
}
