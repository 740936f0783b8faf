package mixer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Snapshot is an immutable view of every known application and device. Readers
// must not modify it; writers build a new one and publish it through the registry
type Snapshot struct {
	Applications []AudioApplication
	Devices      map[Direction][]AudioDevice
	Generation   uint64
	RefreshedAt  time.Time

	// the group's active solo target. It can outlive the entity it points at until
	// the next reconcile notices the target is gone
	solo map[Group]Target
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Applications: []AudioApplication{},
		Devices:      make(map[Direction][]AudioDevice),
		solo:         make(map[Group]Target),
	}
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Applications: append([]AudioApplication{}, s.Applications...),
		Devices:      make(map[Direction][]AudioDevice, len(s.Devices)),
		Generation:   s.Generation,
		RefreshedAt:  s.RefreshedAt,
		solo:         make(map[Group]Target, len(s.solo)),
	}

	for direction, devices := range s.Devices {
		c.Devices[direction] = append([]AudioDevice{}, devices...)
	}

	for group, target := range s.solo {
		c.solo[group] = target
	}

	return c
}

// Application looks up an application by process id
func (s *Snapshot) Application(pid int) (AudioApplication, bool) {
	for _, app := range s.Applications {
		if app.ProcessID == pid {
			return app, true
		}
	}

	return AudioApplication{}, false
}

// Device looks up a device by id in the given direction
func (s *Snapshot) Device(id string, direction Direction) (AudioDevice, bool) {
	for _, device := range s.Devices[direction] {
		if device.ID == id {
			return device, true
		}
	}

	return AudioDevice{}, false
}

// DevicesOf returns a copy of the devices of one direction
func (s *Snapshot) DevicesOf(direction Direction) []AudioDevice {
	return append([]AudioDevice{}, s.Devices[direction]...)
}

// DefaultDevice returns the default device of a direction, if one is known
func (s *Snapshot) DefaultDevice(direction Direction) (AudioDevice, bool) {
	for _, device := range s.Devices[direction] {
		if device.Default {
			return device, true
		}
	}

	return AudioDevice{}, false
}

// SoloTarget returns the group's soloed member, if any
func (s *Snapshot) SoloTarget(group Group) (Target, bool) {
	target, ok := s.solo[group]
	return target, ok
}

// FindApplicationsByName returns every application whose process name matches
// name, ignoring case and a trailing ".exe"
func (s *Snapshot) FindApplicationsByName(name string) []AudioApplication {
	want := normalizeProcessName(name)

	var found []AudioApplication
	for _, app := range s.Applications {
		if normalizeProcessName(app.ProcessName) == want {
			found = append(found, app)
		}
	}

	return found
}

// FindDeviceByName returns the first device of any direction whose display name
// or id matches name, ignoring case
func (s *Snapshot) FindDeviceByName(name string) (AudioDevice, bool) {
	want := strings.ToLower(strings.TrimSpace(name))

	for _, direction := range Directions {
		for _, device := range s.Devices[direction] {
			if strings.ToLower(device.Name) == want || strings.ToLower(device.ID) == want {
				return device, true
			}
		}
	}

	return AudioDevice{}, false
}

func normalizeProcessName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".exe")
}

func (s *Snapshot) String() string {
	deviceCount := 0
	for _, devices := range s.Devices {
		deviceCount += len(devices)
	}

	return fmt.Sprintf("<snapshot #%d: %d applications, %d devices>", s.Generation, len(s.Applications), deviceCount)
}

// Registry owns the current snapshot. Writes (refreshes and commands) are
// serialized on a single writer lock; reads take the last published snapshot
// without waiting for writers
type Registry struct {
	logger  *zap.SugaredLogger
	adapter Adapter
	namer   ProcessNamer
	timeout time.Duration

	writeLock sync.Mutex

	snapshotLock sync.RWMutex
	current      *Snapshot

	// devices picked as default while the platform refused to switch. guarded by writeLock
	defaultOverride map[Direction]string

	consumersLock sync.Mutex
	consumers     []chan *Snapshot
}

// NewRegistry creates a registry reading from adapter. namer may be nil, in which
// case process names are resolved from the OS process table. A positive timeout
// bounds every adapter enumeration
func NewRegistry(logger *zap.SugaredLogger, adapter Adapter, namer ProcessNamer, timeout time.Duration) (*Registry, error) {
	if adapter == nil {
		return nil, fmt.Errorf("%w: registry requires an audio adapter", ErrPrecondition)
	}

	logger = logger.Named("registry")

	if namer == nil {
		namer = newProcessNamer(logger)
	}

	r := &Registry{
		logger:          logger,
		adapter:         adapter,
		namer:           namer,
		timeout:         timeout,
		current:         emptySnapshot(),
		defaultOverride: make(map[Direction]string),
	}

	logger.Debug("Created registry instance")

	return r, nil
}

// Snapshot returns the last published snapshot
func (r *Registry) Snapshot() *Snapshot {
	r.snapshotLock.RLock()
	defer r.snapshotLock.RUnlock()

	return r.current
}

// Applications returns a copy of the last known applications
func (r *Registry) Applications() []AudioApplication {
	return append([]AudioApplication{}, r.Snapshot().Applications...)
}

// Devices returns a copy of the last known devices of a direction
func (r *Registry) Devices(direction Direction) []AudioDevice {
	return r.Snapshot().DevicesOf(direction)
}

// SubscribeToChanges returns a channel receiving every newly published snapshot.
// Slow consumers only ever see the latest one
func (r *Registry) SubscribeToChanges() chan *Snapshot {
	c := make(chan *Snapshot, 1)

	r.consumersLock.Lock()
	r.consumers = append(r.consumers, c)
	r.consumersLock.Unlock()

	return c
}

func (r *Registry) closeSubscribers() {
	r.consumersLock.Lock()
	defer r.consumersLock.Unlock()

	for _, c := range r.consumers {
		close(c)
	}
	r.consumers = nil
}

func (r *Registry) publish(next *Snapshot) {
	r.snapshotLock.Lock()
	next.Generation = r.current.Generation + 1
	r.current = next
	r.snapshotLock.Unlock()

	r.consumersLock.Lock()
	defer r.consumersLock.Unlock()

	for _, c := range r.consumers {
		// drop a stale, unread snapshot so the consumer always gets the newest
		select {
		case <-c:
		default:
		}

		select {
		case c <- next:
		default:
		}
	}
}

func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, r.timeout)
}

// Refresh re-reads applications and devices of every direction
func (r *Registry) Refresh(ctx context.Context) *Snapshot {
	r.RefreshApplications(ctx)

	for _, direction := range Directions {
		r.RefreshDevices(ctx, direction)
	}

	return r.Snapshot()
}

// RefreshApplications replaces the known applications with the adapter's live
// sessions. It never fails: when the adapter does, the previous applications are
// returned unchanged
func (r *Registry) RefreshApplications(ctx context.Context) []AudioApplication {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	prev := r.Snapshot()

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	sessions, err := adapterCall(ctx, func() ([]RawSession, error) {
		return r.adapter.ListApplicationSessions(ctx)
	})
	if err != nil {
		r.logger.Warnw("Failed to list application sessions, keeping previous snapshot", "error", err)
		return append([]AudioApplication{}, prev.Applications...)
	}

	known := make(map[int]AudioApplication, len(prev.Applications))
	for _, app := range prev.Applications {
		known[app.ProcessID] = app
	}

	apps := make([]AudioApplication, 0, len(sessions))
	seen := make(map[int]bool, len(sessions))

	for _, session := range sessions {
		app, ok := r.resolveApplication(session, known, seen)
		if !ok {
			continue
		}

		seen[app.ProcessID] = true
		apps = append(apps, app)
	}

	sort.Slice(apps, func(i, j int) bool {
		return apps[i].ProcessID < apps[j].ProcessID
	})

	next := prev.clone()
	next.Applications = apps
	next.RefreshedAt = time.Now()
	r.applySoloFlags(next)
	r.publish(next)

	r.logger.Debugw("Refreshed applications", "count", len(apps))

	return append([]AudioApplication{}, apps...)
}

func (r *Registry) resolveApplication(session RawSession, known map[int]AudioApplication, seen map[int]bool) (AudioApplication, bool) {

	// pid 0 is the system sounds session, which isn't addressable by process
	if session.ProcessID <= 0 {
		return AudioApplication{}, false
	}

	// a process can own more than one session; the first one stands for all of them
	if seen[session.ProcessID] {
		return AudioApplication{}, false
	}

	if !validVolume(session.Volume) {
		r.logger.Debugw("Skipping session with invalid volume", "pid", session.ProcessID, "volume", session.Volume)
		return AudioApplication{}, false
	}

	name := ""
	if prev, ok := known[session.ProcessID]; ok && prev.ProcessName != unknownProcessName {
		name = prev.ProcessName
	} else {
		name = r.namer.ProcessName(session.ProcessID)
	}

	return AudioApplication{
		ProcessID:   session.ProcessID,
		ProcessName: name,
		Volume:      session.Volume,
		Muted:       session.Muted,
	}, true
}

// RefreshDevices replaces the known devices of one direction. It never fails:
// when the adapter does, the previous devices are returned unchanged
func (r *Registry) RefreshDevices(ctx context.Context, direction Direction) []AudioDevice {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	prev := r.Snapshot()

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	raw, err := adapterCall(ctx, func() ([]RawDevice, error) {
		return r.adapter.ListDevices(ctx, direction)
	})
	if err != nil {
		r.logger.Warnw("Failed to list devices, keeping previous snapshot", "direction", direction, "error", err)
		return prev.DevicesOf(direction)
	}

	devices := make([]AudioDevice, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	platformDefault := ""

	for _, entry := range raw {
		if strings.TrimSpace(entry.ID) == "" || seen[entry.ID] || entry.Direction != direction {
			continue
		}

		if !validVolume(entry.Volume) {
			r.logger.Debugw("Skipping device with invalid volume", "id", entry.ID, "volume", entry.Volume)
			continue
		}

		if entry.Default && platformDefault == "" {
			platformDefault = entry.ID
		}

		name := entry.Name
		if name == "" {
			name = entry.ID
		}

		seen[entry.ID] = true
		devices = append(devices, AudioDevice{
			ID:        entry.ID,
			Name:      name,
			Direction: direction,
			Volume:    entry.Volume,
			Muted:     entry.Muted,
		})
	}

	defaultID := r.pickDefault(direction, platformDefault, seen, prev)
	for i := range devices {
		devices[i].Default = devices[i].ID == defaultID
	}

	next := prev.clone()
	next.Devices[direction] = devices
	next.RefreshedAt = time.Now()
	r.applySoloFlags(next)
	r.publish(next)

	r.logger.Debugw("Refreshed devices", "direction", direction, "count", len(devices), "default", defaultID)

	return append([]AudioDevice{}, devices...)
}

// pickDefault decides which device of a direction is marked default: a device the
// user picked while the platform couldn't switch wins, then the platform's own
// default, then whatever was default before if it's still plugged in
func (r *Registry) pickDefault(direction Direction, platformDefault string, present map[string]bool, prev *Snapshot) string {
	if override, ok := r.defaultOverride[direction]; ok {
		if present[override] {
			return override
		}

		r.logger.Debugw("Default device override is gone, dropping it", "direction", direction, "id", override)
		delete(r.defaultOverride, direction)
	}

	if platformDefault != "" {
		return platformDefault
	}

	if device, ok := prev.DefaultDevice(direction); ok && present[device.ID] {
		return device.ID
	}

	return ""
}

// applySoloFlags derives every entity's solo flag from the snapshot's solo targets
func (r *Registry) applySoloFlags(s *Snapshot) {
	for i := range s.Applications {
		target, ok := s.solo[ApplicationGroup]
		s.Applications[i].Solo = ok && target.ProcessID == s.Applications[i].ProcessID
	}

	for direction, devices := range s.Devices {
		target, ok := s.solo[DeviceGroup(direction)]
		for i := range devices {
			devices[i].Solo = ok && target.DeviceID == devices[i].ID
		}
	}
}

// write runs f against a private copy of the current snapshot while holding the
// writer lock, then publishes the copy if f changed anything. The copy is published
// even when f fails: batches are not transactional, every entity that was updated
// before the failure stays updated
func (r *Registry) write(f func(tx *txn) error) error {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	tx := &txn{registry: r, snap: r.Snapshot().clone()}
	err := f(tx)

	if tx.dirty {
		r.applySoloFlags(tx.snap)
		r.publish(tx.snap)
	}

	return err
}

// txn is the mutable working copy handed to registry writers
type txn struct {
	registry *Registry
	snap     *Snapshot
	dirty    bool
}

// member is a view of one entity's controllable fields inside a txn
type member struct {
	target Target
	volume *float32
	muted  *bool
}

func (tx *txn) member(t Target) (member, bool) {
	switch t.Kind {
	case TargetApplication:
		for i := range tx.snap.Applications {
			app := &tx.snap.Applications[i]
			if app.ProcessID == t.ProcessID {
				return member{target: t, volume: &app.Volume, muted: &app.Muted}, true
			}
		}
	case TargetDevice:
		devices := tx.snap.Devices[t.Direction]
		for i := range devices {
			if devices[i].ID == t.DeviceID {
				return member{target: t, volume: &devices[i].Volume, muted: &devices[i].Muted}, true
			}
		}
	}

	return member{}, false
}

func (tx *txn) members(g Group) []member {
	var members []member

	if g.Kind == TargetApplication {
		for i := range tx.snap.Applications {
			app := &tx.snap.Applications[i]
			members = append(members, member{
				target: ApplicationTarget(app.ProcessID),
				volume: &app.Volume,
				muted:  &app.Muted,
			})
		}

		return members
	}

	devices := tx.snap.Devices[g.Direction]
	for i := range devices {
		members = append(members, member{
			target: DeviceTarget(devices[i].ID, g.Direction),
			volume: &devices[i].Volume,
			muted:  &devices[i].Muted,
		})
	}

	return members
}

func (tx *txn) setVolume(t Target, v float32) {
	if m, ok := tx.member(t); ok {
		*m.volume = v
		tx.dirty = true
	}
}

func (tx *txn) setMuted(t Target, muted bool) {
	if m, ok := tx.member(t); ok {
		*m.muted = muted
		tx.dirty = true
	}
}

func (tx *txn) soloTarget(g Group) (Target, bool) {
	target, ok := tx.snap.solo[g]
	return target, ok
}

func (tx *txn) setSolo(t Target) {
	tx.snap.solo[t.Group()] = t
	tx.dirty = true
}

func (tx *txn) clearSolo(g Group) {
	if _, ok := tx.snap.solo[g]; ok {
		delete(tx.snap.solo, g)
		tx.dirty = true
	}
}

// markDefault makes id the only default device of its direction
func (tx *txn) markDefault(direction Direction, id string) {
	devices := tx.snap.Devices[direction]
	for i := range devices {
		devices[i].Default = devices[i].ID == id
	}
	tx.dirty = true
}

func (tx *txn) overrideDefault(direction Direction, id string) {
	tx.registry.defaultOverride[direction] = id
}

func (tx *txn) dropDefaultOverride(direction Direction) {
	delete(tx.registry.defaultOverride, direction)
}
