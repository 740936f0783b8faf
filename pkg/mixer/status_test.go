package mixer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err      error
		want     ErrorClass
		expected bool
	}{
		{err: nil, want: ClassNone, expected: true},
		{err: fmt.Errorf("%w: bad", ErrValidation), want: ClassValidation},
		{err: fmt.Errorf("wrap: %w", ErrPrecondition), want: ClassPrecondition},
		{err: fmt.Errorf("set mute: %w", ErrTargetNotFound), want: ClassTargetNotFound, expected: true},
		{err: ErrUnsupported, want: ClassUnsupported, expected: true},
		{err: fmt.Errorf("set mute: %w", ErrSoloActive), want: ClassConflict},
		{err: fmt.Errorf("%w: %w", ErrAdapterFailure, context.DeadlineExceeded), want: ClassAdapterFailure},
		{err: errors.New("something else"), want: ClassAdapterFailure},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
			require.Equal(t, tt.expected, Expected(tt.err))
		})
	}
}

func TestStatusMessage(t *testing.T) {
	app := ApplicationTarget(42)
	device := DeviceTarget("speaker1", DirectionRender)

	require.Equal(t, "Muted", StatusMessage(muteStatus(true), app, nil))
	require.Equal(t, "Volume set to 50%", StatusMessage(volumeStatus(0.5), app, nil))
	require.Equal(t, "application not found", StatusMessage("", app, ErrTargetNotFound))
	require.Equal(t, "device not found", StatusMessage("", device, fmt.Errorf("x: %w", ErrTargetNotFound)))
	require.Equal(t, "volume must be between 0 and 1",
		StatusMessage("", app, fmt.Errorf("%w: volume must be between 0 and 1", ErrValidation)))
	require.Equal(t, "not supported by this audio system", StatusMessage("", device, ErrUnsupported))
	require.Equal(t, "audio system error", StatusMessage("", device, errors.New("boom")))
	require.Equal(t, "mixer is not ready", StatusMessage("", device, ErrPrecondition))
	require.Equal(t, "solo is active, turn it off first", StatusMessage("", app, ErrSoloActive))
}

func TestNewStatus(t *testing.T) {
	ok := newStatus("Unmuted", ApplicationTarget(1), nil)
	require.True(t, ok.OK())
	require.Equal(t, "Unmuted", ok.Message)

	failed := newStatus("Unmuted", ApplicationTarget(1), ErrTargetNotFound)
	require.False(t, failed.OK())
	require.Equal(t, ClassTargetNotFound, failed.Class)
	require.ErrorIs(t, failed.Err, ErrTargetNotFound)
}
