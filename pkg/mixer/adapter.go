package mixer

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

// RawSession is an audio session as reported by the platform, before the registry
// resolves its process name and carries over solo state
type RawSession struct {
	ProcessID int
	Volume    float32
	Muted     bool
}

// RawDevice is an audio endpoint as reported by the platform
type RawDevice struct {
	ID        string
	Name      string
	Direction Direction
	Default   bool
	Volume    float32
	Muted     bool
}

// Adapter is the platform audio API. Implementations resolve sessions and devices
// by id on every call and never hold a handle between calls. Failures to resolve a
// single entry during a listing become omissions; an error from a List call means
// the whole enumeration failed. Mutators return ErrTargetNotFound when the target
// no longer exists
type Adapter interface {
	ListApplicationSessions(ctx context.Context) ([]RawSession, error)
	FindApplicationSession(ctx context.Context, pid int) (RawSession, error)
	SetApplicationVolume(ctx context.Context, pid int, v float32) error
	SetApplicationMuted(ctx context.Context, pid int, muted bool) error

	ListDevices(ctx context.Context, direction Direction) ([]RawDevice, error)
	FindDevice(ctx context.Context, id string) (RawDevice, error)
	SetDeviceVolume(ctx context.Context, id string, v float32) error
	SetDeviceMuted(ctx context.Context, id string, muted bool) error

	// SetDefaultDevice may return ErrUnsupported
	SetDefaultDevice(ctx context.Context, id string, direction Direction) error

	Release() error
}

const (
	backendAuto   = "auto"
	backendMemory = "memory"
)

// NewAdapter builds the adapter selected by the backend config key
func NewAdapter(logger *zap.SugaredLogger, backend string) (Adapter, error) {
	switch strings.ToLower(backend) {
	case backendMemory:
		return NewMemoryAdapter(logger, DemoState()), nil
	case backendAuto, "":
		return newPlatformAdapter(logger)
	}

	return nil, fmt.Errorf("%w: unknown audio backend %q", ErrValidation, backend)
}

// clampVolume pins v into [0, 1]; this is what every adapter does at its boundary
func clampVolume(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}

	return v
}

func validVolume(v float32) bool {
	return !math.IsNaN(float64(v)) && v >= 0 && v <= 1
}

// adapterCall runs f and gives up once ctx is done. Platform calls can block in the
// driver, so the call keeps running in the background, but the caller is released
// and nothing it returns afterwards is applied
func adapterCall[T any](ctx context.Context, f func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}

	if err := ctx.Err(); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrAdapterFailure, err)
	}

	done := make(chan result, 1)
	go func() {
		value, err := f()
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrAdapterFailure, ctx.Err())
	}
}

func adapterExec(ctx context.Context, f func() error) error {
	_, err := adapterCall(ctx, func() (struct{}, error) {
		return struct{}{}, f()
	})

	return err
}
