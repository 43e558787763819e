package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateUSN is returned when a second device is provisioned with a USN already in use
	ErrDuplicateUSN = errors.New("device with this usn already exists")
	// ErrDuplicateID is returned when a second device is provisioned with an id already in use
	ErrDuplicateID = errors.New("device with this id already exists")
	// ErrDeviceNotFound is returned when no device matches the given USN or id
	ErrDeviceNotFound = errors.New("device not found")
	// ErrNilDevice is returned when a nil device is provided
	ErrNilDevice = errors.New("device cannot be nil")
	// ErrClosed is returned by operations on a closed directory
	ErrClosed = errors.New("directory is closed")
)

// Persister stores device records outside the process.
type Persister interface {
	Save(ctx context.Context, d *device.VirtualDevice) error
	Delete(ctx context.Context, usn string) error
	LoadAll(ctx context.Context) ([]*device.VirtualDevice, error)
	Close() error
}

type entry struct {
	mu      sync.Mutex
	dev     *device.VirtualDevice
	removed bool
}

// MemoryDirectory implements device.Directory with an in-memory map keyed by USN.
// Each record has its own mutex so updates to different devices do not contend.
// An optional Persister receives every change (write-through).
type MemoryDirectory struct {
	mu      sync.RWMutex
	byUSN   map[string]*entry
	idToUSN map[string]string
	closed  bool

	persist Persister
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a MemoryDirectory.
type Option func(*MemoryDirectory)

// WithPersister enables write-through persistence.
func WithPersister(p Persister) Option {
	return func(d *MemoryDirectory) { d.persist = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *MemoryDirectory) { d.logger = l }
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(d *MemoryDirectory) { d.now = now }
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory(opts ...Option) *MemoryDirectory {
	d := &MemoryDirectory{
		byUSN:   make(map[string]*entry),
		idToUSN: make(map[string]string),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Load reads all records from the persister into memory.
// Records already present in memory are kept; duplicates from the store are skipped.
func (d *MemoryDirectory) Load(ctx context.Context) (int, error) {
	if d.persist == nil {
		return 0, nil
	}

	devices, err := d.persist.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("load devices: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	loaded := 0
	for _, dev := range devices {
		if _, exists := d.byUSN[dev.USN]; exists {
			continue
		}
		if _, exists := d.idToUSN[dev.ID]; exists {
			d.logger.Warn("Skipping stored device with duplicate id",
				zap.String("device_id", dev.ID), zap.String("usn", dev.USN))
			continue
		}
		d.byUSN[dev.USN] = &entry{dev: dev.Clone()}
		d.idToUSN[dev.ID] = dev.USN
		loaded++
	}
	return loaded, nil
}

// Add provisions a new device.
func (d *MemoryDirectory) Add(ctx context.Context, dev *device.VirtualDevice) error {
	if dev == nil {
		return ErrNilDevice
	}
	if err := dev.Validate(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	stored := dev.Clone()
	if stored.State == "" {
		stored.State = device.MotionInactive
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = d.now()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if _, exists := d.byUSN[stored.USN]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateUSN, stored.USN)
	}
	if _, exists := d.idToUSN[stored.ID]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, stored.ID)
	}
	d.byUSN[stored.USN] = &entry{dev: stored}
	d.idToUSN[stored.ID] = stored.USN
	d.mu.Unlock()

	d.save(ctx, stored)
	return nil
}

// Remove deprovisions a device.
func (d *MemoryDirectory) Remove(ctx context.Context, usn string) error {
	d.mu.Lock()
	e, ok := d.byUSN[usn]
	if !ok {
		d.mu.Unlock()
		return ErrDeviceNotFound
	}
	delete(d.byUSN, usn)
	delete(d.idToUSN, e.dev.ID)
	d.mu.Unlock()

	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()

	if d.persist != nil {
		if err := d.persist.Delete(ctx, usn); err != nil {
			d.logger.Error("Failed to delete persisted device", zap.String("usn", usn), zap.Error(err))
		}
	}
	return nil
}

// Lookup returns a copy of the device with the given USN.
func (d *MemoryDirectory) Lookup(ctx context.Context, usn string) (*device.VirtualDevice, bool) {
	d.mu.RLock()
	e, ok := d.byUSN[usn]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false
	}
	return e.dev.Clone(), true
}

// Get returns a copy of the device with the given id.
func (d *MemoryDirectory) Get(ctx context.Context, id string) (*device.VirtualDevice, bool) {
	d.mu.RLock()
	usn, ok := d.idToUSN[id]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return d.Lookup(ctx, usn)
}

// Update applies fn to the stored record while holding that record's lock.
// fn operates on a working copy; the copy replaces the record only if fn succeeds.
func (d *MemoryDirectory) Update(ctx context.Context, usn string, fn func(dev *device.VirtualDevice) error) (*device.VirtualDevice, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	d.mu.RLock()
	e, ok := d.byUSN[usn]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrDeviceNotFound
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, ErrDeviceNotFound
	}

	working := e.dev.Clone()
	if err := fn(working); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	// identity fields are fixed once provisioned
	working.USN = e.dev.USN
	working.ID = e.dev.ID
	working.UpdatedAt = d.now()
	e.dev = working
	result := working.Clone()
	d.save(ctx, result)
	e.mu.Unlock()

	return result, nil
}

// List returns copies of all devices ordered by id.
func (d *MemoryDirectory) List(ctx context.Context) ([]*device.VirtualDevice, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	d.mu.RLock()
	entries := make([]*entry, 0, len(d.byUSN))
	for _, e := range d.byUSN {
		entries = append(entries, e)
	}
	d.mu.RUnlock()

	devices := make([]*device.VirtualDevice, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			devices = append(devices, e.dev.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

// Count returns the number of provisioned devices.
func (d *MemoryDirectory) Count(ctx context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUSN), nil
}

// Close releases the persister. It is idempotent.
func (d *MemoryDirectory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.persist != nil {
		return d.persist.Close()
	}
	return nil
}

// save writes through to the persister. Failures are logged; the in-memory
// record stays authoritative.
func (d *MemoryDirectory) save(ctx context.Context, dev *device.VirtualDevice) {
	if d.persist == nil {
		return
	}
	if err := d.persist.Save(ctx, dev); err != nil {
		d.logger.Error("Failed to persist device",
			zap.String("device_id", dev.ID),
			zap.String("usn", dev.USN),
			zap.Error(err))
	}
}

var _ device.Directory = (*MemoryDirectory)(nil)
