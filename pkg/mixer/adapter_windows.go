//go:build windows
// +build windows

package mixer

import (
	"context"
	"fmt"
	"runtime"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	wca "github.com/moutend/go-wca"
	"go.uber.org/zap"
)

// wcaAdapter talks to Windows Core Audio. Every call opens its own COM apartment
// and releases each interface before returning, so nothing outlives a call
type wcaAdapter struct {
	logger *zap.SugaredLogger

	// nil means "no event context" to WASAPI
	eventCtx *ole.GUID
}

func newPlatformAdapter(logger *zap.SugaredLogger) (Adapter, error) {
	logger = logger.Named("adapter")

	a := &wcaAdapter{
		logger:   logger,
		eventCtx: nil,
	}

	// make sure the audio system is there at all before declaring victory
	if err := a.withEnumerator(func(*wca.IMMDeviceEnumerator) error { return nil }); err != nil {
		logger.Warnw("Failed to reach Windows Core Audio", "error", err)
		return nil, err
	}

	logger.Debug("Created WCA adapter instance")

	return a, nil
}

// withEnumerator runs f on a locked OS thread inside a COM apartment, with a device
// enumerator ready to use
func (a *wcaAdapter) withEnumerator(f func(mmde *wca.IMMDeviceEnumerator) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {

		// S_FALSE means COM was already initialized on this thread, which is fine
		const sFalse = 0x00000001
		oleError, ok := err.(*ole.OleError)
		if !ok || oleError.Code() != sFalse {
			return fmt.Errorf("%w: call CoInitializeEx: %w", ErrAdapterFailure, err)
		}
	}
	defer ole.CoUninitialize()

	var mmde *wca.IMMDeviceEnumerator
	if err := wca.CoCreateInstance(
		wca.CLSID_MMDeviceEnumerator,
		0,
		wca.CLSCTX_ALL,
		wca.IID_IMMDeviceEnumerator,
		&mmde,
	); err != nil {
		return fmt.Errorf("%w: call CoCreateInstance: %w", ErrAdapterFailure, err)
	}
	defer mmde.Release()

	return f(mmde)
}

func dataFlow(direction Direction) uint32 {
	if direction == DirectionCapture {
		return wca.ECapture
	}

	return wca.ERender
}

// eachEndpoint runs f on every active endpoint of a direction. f returning false
// stops the walk
func (a *wcaAdapter) eachEndpoint(mmde *wca.IMMDeviceEnumerator, direction Direction, f func(mmd *wca.IMMDevice, id string) (bool, error)) error {
	var dc *wca.IMMDeviceCollection
	if err := mmde.EnumAudioEndpoints(dataFlow(direction), wca.DEVICE_STATE_ACTIVE, &dc); err != nil {
		return fmt.Errorf("%w: enumerate %s endpoints: %w", ErrAdapterFailure, direction, err)
	}
	defer dc.Release()

	var count uint32
	if err := dc.GetCount(&count); err != nil {
		return fmt.Errorf("%w: count %s endpoints: %w", ErrAdapterFailure, direction, err)
	}

	for i := uint32(0); i < count; i++ {
		var mmd *wca.IMMDevice
		if err := dc.Item(i, &mmd); err != nil {
			a.logger.Debugw("Failed to get endpoint, skipping", "index", i, "error", err)
			continue
		}

		var id string
		if err := mmd.GetId(&id); err != nil {
			a.logger.Debugw("Failed to get endpoint id, skipping", "index", i, "error", err)
			mmd.Release()
			continue
		}

		more, err := f(mmd, id)
		mmd.Release()

		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}

	return nil
}

func (a *wcaAdapter) defaultEndpointID(mmde *wca.IMMDeviceEnumerator, direction Direction) string {
	var mmd *wca.IMMDevice
	if err := mmde.GetDefaultAudioEndpoint(dataFlow(direction), wca.EConsole, &mmd); err != nil {
		a.logger.Debugw("No default endpoint", "direction", direction, "error", err)
		return ""
	}
	defer mmd.Release()

	var id string
	if err := mmd.GetId(&id); err != nil {
		return ""
	}

	return id
}

func friendlyName(mmd *wca.IMMDevice) string {
	var ps *wca.IPropertyStore
	if err := mmd.OpenPropertyStore(wca.STGM_READ, &ps); err != nil {
		return ""
	}
	defer ps.Release()

	var pv wca.PROPVARIANT
	if err := ps.GetValue(&wca.PKEY_Device_FriendlyName, &pv); err != nil {
		return ""
	}

	return pv.String()
}

func (a *wcaAdapter) withEndpointVolume(mmd *wca.IMMDevice, f func(aev *wca.IAudioEndpointVolume) error) error {
	var aev *wca.IAudioEndpointVolume
	if err := mmd.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &aev); err != nil {
		return fmt.Errorf("%w: activate endpoint volume: %w", ErrAdapterFailure, err)
	}
	defer aev.Release()

	return f(aev)
}

func (a *wcaAdapter) readDevice(mmd *wca.IMMDevice, id string, direction Direction, defaultID string) (RawDevice, error) {
	device := RawDevice{
		ID:        id,
		Name:      friendlyName(mmd),
		Direction: direction,
		Default:   id == defaultID,
	}

	err := a.withEndpointVolume(mmd, func(aev *wca.IAudioEndpointVolume) error {
		if err := aev.GetMasterVolumeLevelScalar(&device.Volume); err != nil {
			return fmt.Errorf("%w: get endpoint volume: %w", ErrAdapterFailure, err)
		}

		if err := aev.GetMute(&device.Muted); err != nil {
			return fmt.Errorf("%w: get endpoint mute: %w", ErrAdapterFailure, err)
		}

		return nil
	})

	return device, err
}

func (a *wcaAdapter) ListDevices(_ context.Context, direction Direction) ([]RawDevice, error) {
	devices := []RawDevice{}

	err := a.withEnumerator(func(mmde *wca.IMMDeviceEnumerator) error {
		defaultID := a.defaultEndpointID(mmde, direction)

		return a.eachEndpoint(mmde, direction, func(mmd *wca.IMMDevice, id string) (bool, error) {
			device, err := a.readDevice(mmd, id, direction, defaultID)
			if err != nil {
				a.logger.Debugw("Failed to read endpoint, skipping", "id", id, "error", err)
				return true, nil
			}

			devices = append(devices, device)
			return true, nil
		})
	})

	if err != nil {
		a.logger.Warnw("Failed to list devices", "direction", direction, "error", err)
		return nil, err
	}

	return devices, nil
}

// withDevice finds an active endpoint of either direction by id
func (a *wcaAdapter) withDevice(id string, f func(mmd *wca.IMMDevice, direction Direction, defaultID string) error) error {
	return a.withEnumerator(func(mmde *wca.IMMDeviceEnumerator) error {
		for _, direction := range Directions {
			found := false
			var inner error

			err := a.eachEndpoint(mmde, direction, func(mmd *wca.IMMDevice, endpointID string) (bool, error) {
				if endpointID != id {
					return true, nil
				}

				found = true
				inner = f(mmd, direction, a.defaultEndpointID(mmde, direction))
				return false, nil
			})
			if err != nil {
				return err
			}

			if found {
				return inner
			}
		}

		return fmt.Errorf("find device %s: %w", id, ErrTargetNotFound)
	})
}

func (a *wcaAdapter) FindDevice(_ context.Context, id string) (RawDevice, error) {
	var device RawDevice

	err := a.withDevice(id, func(mmd *wca.IMMDevice, direction Direction, defaultID string) error {
		var err error
		device, err = a.readDevice(mmd, id, direction, defaultID)
		return err
	})

	return device, err
}

func (a *wcaAdapter) SetDeviceVolume(_ context.Context, id string, v float32) error {
	return a.withDevice(id, func(mmd *wca.IMMDevice, _ Direction, _ string) error {
		return a.withEndpointVolume(mmd, func(aev *wca.IAudioEndpointVolume) error {
			if err := aev.SetMasterVolumeLevelScalar(clampVolume(v), a.eventCtx); err != nil {
				a.logger.Warnw("Failed to set endpoint volume", "id", id, "error", err, "volume", v)
				return fmt.Errorf("%w: adjust endpoint volume: %w", ErrAdapterFailure, err)
			}

			return nil
		})
	})
}

func (a *wcaAdapter) SetDeviceMuted(_ context.Context, id string, muted bool) error {
	return a.withDevice(id, func(mmd *wca.IMMDevice, _ Direction, _ string) error {
		return a.withEndpointVolume(mmd, func(aev *wca.IAudioEndpointVolume) error {
			if err := aev.SetMute(muted, a.eventCtx); err != nil {
				a.logger.Warnw("Failed to set endpoint mute state", "id", id, "error", err)
				return fmt.Errorf("%w: set endpoint mute: %w", ErrAdapterFailure, err)
			}

			return nil
		})
	})
}

// SetDefaultDevice has no documented Core Audio API behind it
func (a *wcaAdapter) SetDefaultDevice(_ context.Context, id string, _ Direction) error {
	return a.withDevice(id, func(*wca.IMMDevice, Direction, string) error {
		return fmt.Errorf("switch default endpoint: %w", ErrUnsupported)
	})
}

// wcaSession pairs a session's control with its volume for the duration of one call
type wcaSession struct {
	pid    int
	volume *wca.ISimpleAudioVolume
}

// eachSession runs f on every session of every active output endpoint. Sessions
// that can't be inspected are skipped
func (a *wcaAdapter) eachSession(f func(session wcaSession) error) error {
	return a.withEnumerator(func(mmde *wca.IMMDeviceEnumerator) error {
		return a.eachEndpoint(mmde, DirectionRender, func(mmd *wca.IMMDevice, id string) (bool, error) {
			var asm *wca.IAudioSessionManager2
			if err := mmd.Activate(wca.IID_IAudioSessionManager2, wca.CLSCTX_ALL, nil, &asm); err != nil {
				a.logger.Debugw("Failed to activate session manager, skipping endpoint", "id", id, "error", err)
				return true, nil
			}
			defer asm.Release()

			var ase *wca.IAudioSessionEnumerator
			if err := asm.GetSessionEnumerator(&ase); err != nil {
				a.logger.Debugw("Failed to get session enumerator, skipping endpoint", "id", id, "error", err)
				return true, nil
			}
			defer ase.Release()

			var count int
			if err := ase.GetCount(&count); err != nil {
				return true, nil
			}

			for i := 0; i < count; i++ {
				if err := a.visitSession(ase, i, f); err != nil {
					return false, err
				}
			}

			return true, nil
		})
	})
}

func (a *wcaAdapter) visitSession(ase *wca.IAudioSessionEnumerator, index int, f func(session wcaSession) error) error {
	var asc *wca.IAudioSessionControl
	if err := ase.GetSession(index, &asc); err != nil {
		a.logger.Debugw("Failed to get session, skipping", "index", index, "error", err)
		return nil
	}
	defer asc.Release()

	controlDispatch, err := asc.QueryInterface(wca.IID_IAudioSessionControl2)
	if err != nil {
		a.logger.Debugw("Failed to query session control, skipping", "index", index, "error", err)
		return nil
	}
	control := (*wca.IAudioSessionControl2)(unsafe.Pointer(controlDispatch))
	defer control.Release()

	// the system sounds session fails here, and is skipped like any pid 0
	var pid uint32
	if err := control.GetProcessId(&pid); err != nil || pid == 0 {
		return nil
	}

	volumeDispatch, err := asc.QueryInterface(wca.IID_ISimpleAudioVolume)
	if err != nil {
		a.logger.Debugw("Failed to query session volume, skipping", "pid", pid, "error", err)
		return nil
	}
	volume := (*wca.ISimpleAudioVolume)(unsafe.Pointer(volumeDispatch))
	defer volume.Release()

	return f(wcaSession{pid: int(pid), volume: volume})
}

func readSession(session wcaSession) (RawSession, bool) {
	raw := RawSession{ProcessID: session.pid}

	if err := session.volume.GetMasterVolume(&raw.Volume); err != nil {
		return raw, false
	}

	if err := session.volume.GetMute(&raw.Muted); err != nil {
		return raw, false
	}

	return raw, true
}

func (a *wcaAdapter) ListApplicationSessions(_ context.Context) ([]RawSession, error) {
	sessions := []RawSession{}

	err := a.eachSession(func(session wcaSession) error {
		if raw, ok := readSession(session); ok {
			sessions = append(sessions, raw)
		}
		return nil
	})

	if err != nil {
		a.logger.Warnw("Failed to list audio sessions", "error", err)
		return nil, err
	}

	return sessions, nil
}

func (a *wcaAdapter) FindApplicationSession(_ context.Context, pid int) (RawSession, error) {
	var (
		found RawSession
		ok    bool
	)

	err := a.eachSession(func(session wcaSession) error {
		if ok || session.pid != pid {
			return nil
		}

		found, ok = readSession(session)
		return nil
	})
	if err != nil {
		return RawSession{}, err
	}

	if !ok {
		return RawSession{}, fmt.Errorf("find session for pid %d: %w", pid, ErrTargetNotFound)
	}

	return found, nil
}

// eachSessionOf runs f on every session pid owns, across all output endpoints
func (a *wcaAdapter) eachSessionOf(pid int, f func(volume *wca.ISimpleAudioVolume) error) error {
	found := false

	err := a.eachSession(func(session wcaSession) error {
		if session.pid != pid {
			return nil
		}

		found = true
		return f(session.volume)
	})
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("no session for pid %d: %w", pid, ErrTargetNotFound)
	}

	return nil
}

func (a *wcaAdapter) SetApplicationVolume(_ context.Context, pid int, v float32) error {
	return a.eachSessionOf(pid, func(volume *wca.ISimpleAudioVolume) error {
		if err := volume.SetMasterVolume(clampVolume(v), a.eventCtx); err != nil {
			a.logger.Warnw("Failed to set session volume", "pid", pid, "error", err)
			return fmt.Errorf("%w: adjust session volume: %w", ErrAdapterFailure, err)
		}

		return nil
	})
}

func (a *wcaAdapter) SetApplicationMuted(_ context.Context, pid int, muted bool) error {
	return a.eachSessionOf(pid, func(volume *wca.ISimpleAudioVolume) error {
		if err := volume.SetMute(muted, a.eventCtx); err != nil {
			a.logger.Warnw("Failed to set session mute state", "pid", pid, "error", err)
			return fmt.Errorf("%w: set session mute: %w", ErrAdapterFailure, err)
		}

		return nil
	})
}

func (a *wcaAdapter) Release() error {
	a.logger.Debug("Released WCA adapter instance")
	return nil
}
