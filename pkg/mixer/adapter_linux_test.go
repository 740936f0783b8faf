package mixer

import (
	"testing"

	"github.com/jfreymuth/pulse/proto"
	"github.com/stretchr/testify/require"
)

func TestSinkDevice(t *testing.T) {
	sink := &proto.GetSinkInfoReply{
		SinkName:       "alsa_output.usb",
		Properties:     proto.PropList{"device.description": proto.PropListString("USB Headphones")},
		ChannelVolumes: proto.ChannelVolumes{maxVolume / 2, maxVolume / 2},
		Mute:           true,
	}

	device := sinkDevice(sink, "alsa_output.usb")
	require.Equal(t, RawDevice{
		ID:        "sink:alsa_output.usb",
		Name:      "USB Headphones",
		Direction: DirectionRender,
		Default:   true,
		Volume:    0.5,
		Muted:     true,
	}, device)

	sink.Mute = false
	require.False(t, sinkDevice(sink, "other").Muted)
	require.False(t, sinkDevice(sink, "other").Default)
}

func TestSourceDevice(t *testing.T) {
	source := &proto.GetSourceInfoReply{
		SourceName:     "alsa_input.mic",
		ChannelVolumes: proto.ChannelVolumes{maxVolume},
		Mute:           true,
	}

	device := sourceDevice(source, "")
	require.Equal(t, "source:alsa_input.mic", device.ID)
	require.Equal(t, "alsa_input.mic", device.Name)
	require.Equal(t, DirectionCapture, device.Direction)
	require.False(t, device.Default)
	require.InDelta(t, 1, device.Volume, 1e-6)
	require.True(t, device.Muted)
}

func TestParseChannelVolumes(t *testing.T) {
	require.Zero(t, parseChannelVolumes(nil))
	require.InDelta(t, 0.75, parseChannelVolumes([]uint32{maxVolume / 2, maxVolume}), 1e-6)

	// boosted streams stop at full volume
	require.InDelta(t, 1, parseChannelVolumes([]uint32{maxVolume * 3 / 2}), 1e-6)
}
