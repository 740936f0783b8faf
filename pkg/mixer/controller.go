package mixer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// VolumePolicy decides what happens to a volume outside [0, 1]
type VolumePolicy int

const (
	// VolumePolicyStrict rejects out of range volumes with ErrValidation
	VolumePolicyStrict VolumePolicy = iota

	// VolumePolicyClamp silently pins out of range volumes to the nearest bound
	VolumePolicyClamp
)

func (p VolumePolicy) String() string {
	if p == VolumePolicyClamp {
		return "clamp"
	}

	return "strict"
}

// ParseVolumePolicy reads the volume_policy config value
func ParseVolumePolicy(s string) (VolumePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict", "":
		return VolumePolicyStrict, nil
	case "clamp", "lenient":
		return VolumePolicyClamp, nil
	}

	return VolumePolicyStrict, fmt.Errorf("%w: unknown volume policy %q", ErrValidation, s)
}

// Controller applies volume and mute commands to single applications or devices
type Controller struct {
	logger   *zap.SugaredLogger
	adapter  Adapter
	registry *Registry

	policyLock sync.RWMutex
	policy     VolumePolicy
}

// NewController creates a controller. Missing collaborators are a programming
// error and are reported here, never at call time
func NewController(logger *zap.SugaredLogger, adapter Adapter, registry *Registry, policy VolumePolicy) (*Controller, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: controller requires an audio adapter", ErrPrecondition)
	}

	if registry == nil {
		return nil, fmt.Errorf("%w: controller requires a registry", ErrPrecondition)
	}

	logger = logger.Named("controller")

	c := &Controller{
		logger:   logger,
		adapter:  adapter,
		registry: registry,
		policy:   policy,
	}

	logger.Debugw("Created controller instance", "policy", policy)

	return c, nil
}

// Policy returns the controller's volume policy
func (c *Controller) Policy() VolumePolicy {
	c.policyLock.RLock()
	defer c.policyLock.RUnlock()

	return c.policy
}

// SetPolicy swaps the volume policy, e.g. after a config reload
func (c *Controller) SetPolicy(policy VolumePolicy) {
	c.policyLock.Lock()
	defer c.policyLock.Unlock()

	if c.policy != policy {
		c.logger.Infow("Changed volume policy", "from", c.policy, "to", policy)
	}
	c.policy = policy
}

// SetVolume sets the volume of one application or device. A target that no
// longer exists yields ErrTargetNotFound and leaves the registry untouched
func (c *Controller) SetVolume(ctx context.Context, t Target, v float32) error {
	if err := t.validate(); err != nil {
		return err
	}

	v, err := c.normalizeVolume(v)
	if err != nil {
		return err
	}

	return c.registry.write(func(tx *txn) error {
		return c.applyVolume(ctx, tx, t, v)
	})
}

// SetMuted sets the mute state of one application or device. Setting the same
// state twice is harmless
func (c *Controller) SetMuted(ctx context.Context, t Target, muted bool) error {
	if err := t.validate(); err != nil {
		return err
	}

	return c.registry.write(func(tx *txn) error {
		if err := c.checkSolo(tx, t, muted); err != nil {
			return err
		}

		return c.applyMuted(ctx, tx, t, muted)
	})
}

// ToggleMuted flips the mute state of one application or device and returns the
// new state
func (c *Controller) ToggleMuted(ctx context.Context, t Target) (bool, error) {
	if err := t.validate(); err != nil {
		return false, err
	}

	var muted bool

	err := c.registry.write(func(tx *txn) error {
		current, err := c.currentMuted(ctx, tx, t)
		if err != nil {
			return err
		}

		muted = !current
		if err := c.checkSolo(tx, t, muted); err != nil {
			muted = current
			return err
		}

		return c.applyMuted(ctx, tx, t, muted)
	})

	return muted, err
}

// checkSolo refuses a mute state the group's active solo would revert: while a
// member is soloed it stays unmuted and every other member stays muted
func (c *Controller) checkSolo(tx *txn, t Target, muted bool) error {
	active, ok := tx.soloTarget(t.Group())
	if !ok || muted == (active != t) {
		return nil
	}

	c.logger.Debugw("Refusing mute change in soloed group", "target", t, "muted", muted, "solo", active)

	return fmt.Errorf("set mute on %s while %s is soloed: %w", t, active, ErrSoloActive)
}

func (c *Controller) normalizeVolume(v float32) (float32, error) {
	if math.IsNaN(float64(v)) {
		return 0, fmt.Errorf("%w: volume must be a number", ErrValidation)
	}

	if v >= 0 && v <= 1 {
		return v, nil
	}

	if c.Policy() == VolumePolicyClamp {
		c.logger.Debugw("Clamping out of range volume", "volume", v)
		return clampVolume(v), nil
	}

	return 0, fmt.Errorf("%w: volume must be between 0 and 1", ErrValidation)
}

// currentMuted prefers the registry's view and asks the adapter for entities the
// registry hasn't seen yet
func (c *Controller) currentMuted(ctx context.Context, tx *txn, t Target) (bool, error) {
	if m, ok := tx.member(t); ok {
		return *m.muted, nil
	}

	switch t.Kind {
	case TargetApplication:
		session, err := adapterCall(ctx, func() (RawSession, error) {
			return c.adapter.FindApplicationSession(ctx, t.ProcessID)
		})
		if err != nil {
			return false, c.absorb(t, "read mute state", err)
		}
		return session.Muted, nil

	default:
		device, err := adapterCall(ctx, func() (RawDevice, error) {
			return c.adapter.FindDevice(ctx, t.DeviceID)
		})
		if err != nil {
			return false, c.absorb(t, "read mute state", err)
		}
		return device.Muted, nil
	}
}

// applyVolume pushes v to the adapter and, once it succeeded, records the volume
// the platform actually settled on
func (c *Controller) applyVolume(ctx context.Context, tx *txn, t Target, v float32) error {
	err := adapterExec(ctx, func() error {
		if t.Kind == TargetApplication {
			return c.adapter.SetApplicationVolume(ctx, t.ProcessID, v)
		}
		return c.adapter.SetDeviceVolume(ctx, t.DeviceID, v)
	})
	if err != nil {
		return c.absorb(t, "set volume", err)
	}

	tx.setVolume(t, c.readBackVolume(ctx, t, v))

	c.logger.Debugw("Adjusted volume", "target", t, "to", fmt.Sprintf("%.2f", v))

	return nil
}

func (c *Controller) readBackVolume(ctx context.Context, t Target, requested float32) float32 {
	var (
		actual float32
		err    error
	)

	if t.Kind == TargetApplication {
		var session RawSession
		session, err = adapterCall(ctx, func() (RawSession, error) {
			return c.adapter.FindApplicationSession(ctx, t.ProcessID)
		})
		actual = session.Volume
	} else {
		var device RawDevice
		device, err = adapterCall(ctx, func() (RawDevice, error) {
			return c.adapter.FindDevice(ctx, t.DeviceID)
		})
		actual = device.Volume
	}

	if err != nil || !validVolume(actual) {
		return clampVolume(requested)
	}

	return actual
}

func (c *Controller) applyMuted(ctx context.Context, tx *txn, t Target, muted bool) error {
	err := adapterExec(ctx, func() error {
		if t.Kind == TargetApplication {
			return c.adapter.SetApplicationMuted(ctx, t.ProcessID, muted)
		}
		return c.adapter.SetDeviceMuted(ctx, t.DeviceID, muted)
	})
	if err != nil {
		return c.absorb(t, "set mute", err)
	}

	tx.setMuted(t, muted)

	c.logger.Debugw("Set mute state", "target", t, "muted", muted)

	return nil
}

// absorb logs an adapter error at a level matching its class and makes sure it
// carries one of the package sentinels
func (c *Controller) absorb(t Target, action string, err error) error {
	switch {
	case errors.Is(err, ErrTargetNotFound):
		c.logger.Debugw("Target vanished, ignoring command", "target", t, "action", action)
	case errors.Is(err, ErrUnsupported):
		c.logger.Infow("Operation not supported by the audio system", "target", t, "action", action)
	case errors.Is(err, ErrAdapterFailure):
		c.logger.Warnw("Failed to apply command", "target", t, "action", action, "error", err)
	default:
		c.logger.Warnw("Failed to apply command", "target", t, "action", action, "error", err)
		err = fmt.Errorf("%w: %w", ErrAdapterFailure, err)
	}

	return fmt.Errorf("%s on %s: %w", action, t, err)
}
