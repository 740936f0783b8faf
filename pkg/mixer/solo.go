package mixer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SoloCoordinator enforces solo exclusivity within each group: while a member is
// soloed it's the only unmuted member of its group.
//
// A solo transition is a batch of independent mute commands. It isn't transactional:
// if a sibling can't be muted the others still are, and the next toggle or
// reconcile repairs the group
type SoloCoordinator struct {
	logger     *zap.SugaredLogger
	registry   *Registry
	controller *Controller
}

// NewSoloCoordinator creates a coordinator that routes its mute changes through
// controller
func NewSoloCoordinator(logger *zap.SugaredLogger, registry *Registry, controller *Controller) (*SoloCoordinator, error) {
	if registry == nil || controller == nil {
		return nil, fmt.Errorf("%w: solo coordinator requires a registry and a controller", ErrPrecondition)
	}

	logger = logger.Named("solo")

	s := &SoloCoordinator{
		logger:     logger,
		registry:   registry,
		controller: controller,
	}

	logger.Debug("Created solo coordinator instance")

	return s, nil
}

// Active returns the soloed member of a group, if any
func (s *SoloCoordinator) Active(group Group) (Target, bool) {
	return s.registry.Snapshot().SoloTarget(group)
}

// ActivateSolo solos t: t is unmuted, every other member of its group is muted.
// A member soloed before silently loses its solo
func (s *SoloCoordinator) ActivateSolo(ctx context.Context, t Target) error {
	if err := t.validate(); err != nil {
		return err
	}

	return s.registry.write(func(tx *txn) error {
		return s.activate(ctx, tx, t)
	})
}

func (s *SoloCoordinator) activate(ctx context.Context, tx *txn, t Target) error {
	group := t.Group()

	if _, ok := tx.member(t); !ok {
		return fmt.Errorf("solo %s: %w", t, ErrTargetNotFound)
	}

	// the target goes first; if it can't be reached the group is left alone
	if err := s.controller.applyMuted(ctx, tx, t, false); err != nil {
		return fmt.Errorf("unmute solo target: %w", err)
	}

	if previous, ok := tx.soloTarget(group); ok && previous != t {
		s.logger.Debugw("Replacing previous solo", "group", group, "previous", previous, "target", t)
	}
	tx.setSolo(t)

	var errs error
	for _, m := range tx.members(group) {
		if m.target == t {
			continue
		}

		errs = s.collect(errs, s.controller.applyMuted(ctx, tx, m.target, true))
	}

	s.logger.Infow("Activated solo", "group", group, "target", t)

	if errs != nil {
		return fmt.Errorf("solo %s applied partially: %w", t, errs)
	}

	return nil
}

// DeactivateSolo ends t's solo and unmutes every member of the group, t included.
// Mute states set before the solo are not restored. Nothing happens when t isn't
// the group's soloed member
func (s *SoloCoordinator) DeactivateSolo(ctx context.Context, t Target) error {
	if err := t.validate(); err != nil {
		return err
	}

	return s.registry.write(func(tx *txn) error {
		active, ok := tx.soloTarget(t.Group())
		if !ok || active != t {
			s.logger.Debugw("Target is not soloed, nothing to deactivate", "target", t)
			return nil
		}

		return s.release(ctx, tx, t.Group())
	})
}

// ToggleSolo deactivates t's solo if it's active, activates it otherwise, and
// returns whether t is soloed afterwards
func (s *SoloCoordinator) ToggleSolo(ctx context.Context, t Target) (bool, error) {
	if err := t.validate(); err != nil {
		return false, err
	}

	soloed := false

	err := s.registry.write(func(tx *txn) error {
		if active, ok := tx.soloTarget(t.Group()); ok && active == t {
			return s.release(ctx, tx, t.Group())
		}

		if err := s.activate(ctx, tx, t); err != nil {
			_, soloed = tx.soloTarget(t.Group())
			return err
		}

		soloed = true
		return nil
	})

	return soloed, err
}

// ClearSolo releases whatever member of group is soloed
func (s *SoloCoordinator) ClearSolo(ctx context.Context, group Group) error {
	return s.registry.write(func(tx *txn) error {
		if _, ok := tx.soloTarget(group); !ok {
			return nil
		}

		return s.release(ctx, tx, group)
	})
}

// release clears the group's solo and unmutes all of its members
func (s *SoloCoordinator) release(ctx context.Context, tx *txn, group Group) error {
	target, _ := tx.soloTarget(group)
	tx.clearSolo(group)

	var errs error
	for _, m := range tx.members(group) {
		errs = s.collect(errs, s.controller.applyMuted(ctx, tx, m.target, false))
	}

	s.logger.Infow("Deactivated solo", "group", group, "target", target)

	if errs != nil {
		return fmt.Errorf("release solo of %s applied partially: %w", group, errs)
	}

	return nil
}

// Reconcile restores the solo invariant after a refresh: members that appeared or
// were unmuted behind our back while their group is soloed get muted, and a group
// whose soloed member vanished is released
func (s *SoloCoordinator) Reconcile(ctx context.Context) error {
	groups := []Group{ApplicationGroup}
	for _, direction := range Directions {
		groups = append(groups, DeviceGroup(direction))
	}

	return s.registry.write(func(tx *txn) error {
		var errs error

		for _, group := range groups {
			target, ok := tx.soloTarget(group)
			if !ok {
				continue
			}

			if _, present := tx.member(target); !present {
				s.logger.Infow("Soloed target is gone, releasing its group", "group", group, "target", target)
				errs = multierr.Append(errs, s.release(ctx, tx, group))
				continue
			}

			for _, m := range tx.members(group) {
				want := m.target != target
				if *m.muted == want {
					continue
				}

				s.logger.Debugw("Restoring solo mute state", "group", group, "member", m.target, "muted", want)
				errs = s.collect(errs, s.controller.applyMuted(ctx, tx, m.target, want))
			}
		}

		return errs
	})
}

// collect keeps err unless it only says a member vanished mid-batch
func (s *SoloCoordinator) collect(errs error, err error) error {
	if err == nil || errors.Is(err, ErrTargetNotFound) {
		return errs
	}

	return multierr.Append(errs, err)
}
