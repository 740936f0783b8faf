package mixer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// DefaultDeviceSelector keeps exactly one default device per direction.
//
// When the platform can't switch its default (missing privileges, unsupported API)
// the choice is still recorded and survives refreshes, so the mixer's view of the
// default follows the user even though the system's doesn't
type DefaultDeviceSelector struct {
	logger   *zap.SugaredLogger
	adapter  Adapter
	registry *Registry
}

// NewDefaultDeviceSelector creates a selector
func NewDefaultDeviceSelector(logger *zap.SugaredLogger, adapter Adapter, registry *Registry) (*DefaultDeviceSelector, error) {
	if adapter == nil || registry == nil {
		return nil, fmt.Errorf("%w: default device selector requires an adapter and a registry", ErrPrecondition)
	}

	logger = logger.Named("devices")

	s := &DefaultDeviceSelector{
		logger:   logger,
		adapter:  adapter,
		registry: registry,
	}

	logger.Debug("Created default device selector instance")

	return s, nil
}

// Default returns the current default device of a direction
func (s *DefaultDeviceSelector) Default(direction Direction) (AudioDevice, bool) {
	return s.registry.Snapshot().DefaultDevice(direction)
}

// SetDefault makes id the default device of direction. A platform that can't
// switch defaults still gets the choice recorded locally, and the platform's error
// is returned after the bookkeeping
func (s *DefaultDeviceSelector) SetDefault(ctx context.Context, id string, direction Direction) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: device id must not be empty", ErrValidation)
	}

	return s.registry.write(func(tx *txn) error {
		if _, ok := tx.snap.Device(id, direction); !ok {
			return fmt.Errorf("set default %s device %s: %w", direction, id, ErrTargetNotFound)
		}

		err := adapterExec(ctx, func() error {
			return s.adapter.SetDefaultDevice(ctx, id, direction)
		})

		switch {
		case err == nil:
			tx.dropDefaultOverride(direction)
		case errors.Is(err, ErrTargetNotFound):
			s.logger.Debugw("Device vanished before it could become default", "id", id, "direction", direction)
			return fmt.Errorf("set default %s device %s: %w", direction, id, err)
		case errors.Is(err, ErrUnsupported):
			s.logger.Infow("Audio system can't switch default devices, keeping choice locally", "id", id, "direction", direction)
			tx.overrideDefault(direction, id)
		default:
			s.logger.Warnw("Failed to switch default device, keeping choice locally", "id", id, "direction", direction, "error", err)
			tx.overrideDefault(direction, id)
			if !errors.Is(err, ErrAdapterFailure) {
				err = fmt.Errorf("%w: %w", ErrAdapterFailure, err)
			}
		}

		tx.markDefault(direction, id)

		if err != nil {
			return fmt.Errorf("set default %s device %s: %w", direction, id, err)
		}

		s.logger.Infow("Changed default device", "direction", direction, "id", id)

		return nil
	})
}
