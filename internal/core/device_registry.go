package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/printq/internal/clock"
)

const persistTimeout = 5 * time.Second

// DeviceRegistry tracks devices and arbitrates them with a two-phase
// handoff: TryAcquire claims an idle device, Bind attaches the job once
// the job's own transition has succeeded. The mutex guards only the map
// and is never held across store I/O.
type DeviceRegistry struct {
	store   DeviceStore
	clock   clock.Clock
	events  EventSink
	logger  zerolog.Logger
	devices map[string]*Device
	heard   map[string]struct{}
	mu      sync.Mutex
}

func NewDeviceRegistry(store DeviceStore, clk clock.Clock, events EventSink, logger zerolog.Logger) *DeviceRegistry {
	if clk == nil {
		clk = clock.Real()
	}
	if events == nil {
		events = nopSink{}
	}
	return &DeviceRegistry{
		store:   store,
		clock:   clk,
		events:  events,
		logger:  logger,
		devices: make(map[string]*Device),
		heard:   make(map[string]struct{}),
	}
}

// Load restores last-known device snapshots. Every device comes back
// offline until it reports again; bindings are restored from the job
// store by the scheduler.
func (r *DeviceRegistry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	devices, err := r.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		d := d
		d.State = DeviceOffline
		d.CurrentJobID = ""
		r.devices[d.ID] = &d
	}
	return nil
}

// Register adds a device or renames an existing one. New devices start
// offline.
func (r *DeviceRegistry) Register(id, name string) Device {
	r.mu.Lock()
	d, exists := r.devices[id]
	if !exists {
		d = &Device{ID: id, State: DeviceOffline}
		r.devices[id] = d
	}
	if name != "" {
		d.Name = name
	}
	snapshot := copyDevice(d)
	r.mu.Unlock()

	r.persist(snapshot)
	return snapshot
}

func (r *DeviceRegistry) Get(id string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, exists := r.devices[id]
	if !exists {
		return Device{}, NotFound("device", id)
	}
	return copyDevice(d), nil
}

func (r *DeviceRegistry) List() []Device {
	r.mu.Lock()
	devices := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		devices = append(devices, copyDevice(d))
	}
	r.mu.Unlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Idle returns the ids of idle devices in stable order.
func (r *DeviceRegistry) Idle() []string {
	r.mu.Lock()
	var ids []string
	for id, d := range r.devices {
		if d.State == DeviceIdle {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// HeardFrom reports whether this process has received telemetry from the
// device or restored a binding for it. Snapshots loaded from the store do
// not count.
func (r *DeviceRegistry) HeardFrom(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.heard[id]
	return ok
}

// Bound returns devices that are printing with a job attached, ordered by
// id.
func (r *DeviceRegistry) Bound() []DeviceBinding {
	r.mu.Lock()
	var out []DeviceBinding
	for id, d := range r.devices {
		if d.State == DevicePrinting && d.CurrentJobID != "" {
			out = append(out, DeviceBinding{DeviceID: id, JobID: d.CurrentJobID})
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// TryAcquire claims an idle device: it flips to printing with no job bound.
func (r *DeviceRegistry) TryAcquire(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, exists := r.devices[id]
	if !exists {
		return NotFound("device", id)
	}
	if d.State != DeviceIdle {
		return fmt.Errorf("device %s is %s: %w", id, d.State, ErrDeviceUnavailable)
	}
	d.State = DevicePrinting
	d.CurrentJobID = ""
	return nil
}

// Bind attaches jobID to a device previously claimed with TryAcquire.
func (r *DeviceRegistry) Bind(id, jobID string) error {
	r.mu.Lock()
	d, exists := r.devices[id]
	if !exists {
		r.mu.Unlock()
		return NotFound("device", id)
	}
	if d.State != DevicePrinting || d.CurrentJobID != "" {
		state, current := d.State, d.CurrentJobID
		r.mu.Unlock()
		return fmt.Errorf("%w: device %s is %s (job %q), not claimed", ErrIllegalState, id, state, current)
	}
	d.CurrentJobID = jobID
	snapshot := copyDevice(d)
	r.mu.Unlock()

	r.persist(snapshot)
	return nil
}

// Release frees a device held for jobID. An empty jobID releases an
// unbound claim. It reports whether the device was freed; a device bound
// to a different job is left alone.
func (r *DeviceRegistry) Release(id, jobID string) bool {
	r.mu.Lock()
	d, exists := r.devices[id]
	if !exists || d.State != DevicePrinting || d.CurrentJobID != jobID {
		r.mu.Unlock()
		return false
	}
	d.State = DeviceIdle
	d.CurrentJobID = ""
	snapshot := copyDevice(d)
	r.mu.Unlock()

	r.persist(snapshot)
	return true
}

// Restore binds a device to a job the store already shows as printing on
// it. Used at startup, before the first scheduling pass.
func (r *DeviceRegistry) Restore(id, jobID string) error {
	r.mu.Lock()
	d, exists := r.devices[id]
	if !exists {
		r.mu.Unlock()
		return NotFound("device", id)
	}
	if d.State == DevicePrinting && d.CurrentJobID != "" && d.CurrentJobID != jobID {
		current := d.CurrentJobID
		r.mu.Unlock()
		return fmt.Errorf("%w: device %s already bound to job %s", ErrIllegalState, id, current)
	}
	now := r.clock.Now()
	d.State = DevicePrinting
	d.CurrentJobID = jobID
	d.LastSeenAt = &now
	r.heard[id] = struct{}{}
	snapshot := copyDevice(d)
	r.mu.Unlock()

	r.persist(snapshot)
	return nil
}

// ReportTelemetry records a heartbeat. An offline device that reports
// again becomes idle.
func (r *DeviceRegistry) ReportTelemetry(id string, temp *Temperature, seenAt time.Time) (Device, error) {
	r.mu.Lock()
	d, exists := r.devices[id]
	if !exists {
		r.mu.Unlock()
		return Device{}, NotFound("device", id)
	}
	r.heard[id] = struct{}{}
	seenAt = seenAt.UTC()
	if d.LastSeenAt == nil || seenAt.After(*d.LastSeenAt) {
		d.LastSeenAt = &seenAt
	}
	if temp != nil {
		t := *temp
		d.Temperature = &t
	}
	if d.State == DeviceOffline {
		d.State = DeviceIdle
		d.CurrentJobID = ""
	}
	snapshot := copyDevice(d)
	r.mu.Unlock()

	r.persist(snapshot)
	return snapshot, nil
}

// MarkOfflineIfStale moves every device whose last heartbeat is older than
// threshold to offline and returns them with the job each was holding.
func (r *DeviceRegistry) MarkOfflineIfStale(now time.Time, threshold time.Duration) []DeviceBinding {
	var (
		stale     []DeviceBinding
		snapshots []Device
	)

	r.mu.Lock()
	for _, d := range r.devices {
		if d.State == DeviceOffline {
			continue
		}
		if d.LastSeenAt != nil && now.Sub(*d.LastSeenAt) <= threshold {
			continue
		}
		stale = append(stale, DeviceBinding{DeviceID: d.ID, JobID: d.CurrentJobID})
		d.State = DeviceOffline
		d.CurrentJobID = ""
		snapshots = append(snapshots, copyDevice(d))
	}
	r.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].DeviceID < stale[j].DeviceID })

	for _, s := range snapshots {
		r.persist(s)
	}
	for _, s := range stale {
		r.logger.Warn().Str("device_id", s.DeviceID).Str("job_id", s.JobID).Msg("device heartbeat expired, marked offline")
		r.events.Publish(Event{Type: EventDeviceOffline, DeviceID: s.DeviceID, JobID: s.JobID, Timestamp: now})
	}
	return stale
}

func (r *DeviceRegistry) persist(d Device) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.SaveDevice(ctx, d); err != nil {
		r.logger.Warn().Err(err).Str("device_id", d.ID).Msg("failed to persist device snapshot")
	}
}

func copyDevice(d *Device) Device {
	out := *d
	if d.Temperature != nil {
		t := *d.Temperature
		out.Temperature = &t
	}
	if d.LastSeenAt != nil {
		ts := *d.LastSeenAt
		out.LastSeenAt = &ts
	}
	return out
}
