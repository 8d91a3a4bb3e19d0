package sdmmc

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softmmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// DeviceID is a stable handle to a logical device. It encodes the registry
// slot, the partition (0 for the raw card) and a generation, so a handle
// minted before a teardown never resolves to a later device.
type DeviceID uint32

func makeDeviceID(slot, part int, gen uint16) DeviceID {
	return DeviceID(gen)<<16 | DeviceID(slot&0xFF)<<8 | DeviceID(part&0xFF)
}

// Slot returns the registry slot index.
func (id DeviceID) Slot() int {
	return int(id>>8) & 0xFF
}

// Part returns 0 for the raw card device, or 1-4 for a partition.
func (id DeviceID) Part() int {
	return int(id) & 0xFF
}

func (id DeviceID) gen() uint16 {
	return uint16(id >> 16)
}

// String returns a readable handle.
func (id DeviceID) String() string {
	return fmt.Sprintf("dev(%d.%d#%d)", id.Slot(), id.Part(), id.gen())
}

// nextGen advances a generation counter, skipping zero so that the zero
// DeviceID is never valid.
func nextGen(g uint16) uint16 {
	g++
	if g == 0 {
		g = 1
	}
	return g
}

// slot is one registry entry. mutex is held for every transfer, insertion
// and teardown, so a card is never torn down under a running transfer.
type slot struct {
	mutex   sync.Mutex
	used    bool
	gen     uint16 // raw device generation, advanced on detach
	partGen uint16 // partition generation, advanced on insert and remove
	card    *Card
	raw     *Device
	parts   [MaxPartitions]*Device
}

// lookup returns the live device for id. Caller holds s.mutex.
func (s *slot) lookup(id DeviceID) *Device {
	if !s.used {
		return nil
	}
	if id.Part() == 0 {
		if s.raw != nil && s.raw.id == id {
			return s.raw
		}
		return nil
	}
	p := id.Part() - 1
	if p < MaxPartitions && s.parts[p] != nil && s.parts[p].id == id {
		return s.parts[p]
	}
	return nil
}

// dropPartitions destroys partition devices. Caller holds s.mutex.
func (s *slot) dropPartitions() []*Device {
	var removed []*Device
	for i, d := range s.parts {
		if d != nil {
			d.alive = false
			removed = append(removed, d)
			s.parts[i] = nil
		}
	}
	s.partGen = nextGen(s.partGen)
	return removed
}

// Registry tracks attached card slots and their logical devices.
type Registry struct {
	slots []*slot

	// attachMutex serializes Attach so device names stay unique.
	attachMutex sync.Mutex

	hookMutex sync.RWMutex
	onCreate  func(*Device)
	onRemove  func(*Device)
}

// NewRegistry creates a registry with room for capacity cards. A
// non-positive capacity selects MaxDevices.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = MaxDevices
	}
	if capacity > 0xFF {
		capacity = 0xFF
	}
	r := &Registry{slots: make([]*slot, capacity)}
	for i := range r.slots {
		r.slots[i] = &slot{}
	}
	return r
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() int {
	return len(r.slots)
}

// SetOnDeviceCreate sets the callback invoked after a device is created.
func (r *Registry) SetOnDeviceCreate(cb func(*Device)) {
	r.hookMutex.Lock()
	defer r.hookMutex.Unlock()
	r.onCreate = cb
}

// SetOnDeviceRemove sets the callback invoked after a device is destroyed.
func (r *Registry) SetOnDeviceRemove(cb func(*Device)) {
	r.hookMutex.Lock()
	defer r.hookMutex.Unlock()
	r.onRemove = cb
}

func (r *Registry) notify(created, removed []*Device) {
	r.hookMutex.RLock()
	onCreate, onRemove := r.onCreate, r.onRemove
	r.hookMutex.RUnlock()

	for _, d := range removed {
		pkg.LogInfo(pkg.ComponentRegistry, "device removed", "name", d.name, "id", d.id)
		if onRemove != nil {
			onRemove(d)
		}
	}
	for _, d := range created {
		pkg.LogInfo(pkg.ComponentRegistry, "device created", "name", d.name, "id", d.id)
		if onCreate != nil {
			onCreate(d)
		}
	}
}

// acquire locks the slot owning id and returns its live device. The caller
// must unlock s.mutex.
func (r *Registry) acquire(id DeviceID) (*slot, *Device, error) {
	i := id.Slot()
	if i >= len(r.slots) {
		return nil, nil, fmt.Errorf("%v: %w", id, pkg.ErrDeviceNotFound)
	}
	s := r.slots[i]
	s.mutex.Lock()
	dev := s.lookup(id)
	if dev == nil {
		s.mutex.Unlock()
		return nil, nil, fmt.Errorf("%v: %w", id, pkg.ErrDeviceNotFound)
	}
	return s, dev, nil
}

// Attach binds a controller to a free slot and creates the raw card device.
// The card is not enumerated until Insert.
func (r *Registry) Attach(ctrl hal.Controller, cfg Config) (DeviceID, error) {
	card, err := NewCard(ctrl, cfg)
	if err != nil {
		return 0, err
	}

	r.attachMutex.Lock()
	defer r.attachMutex.Unlock()

	if _, err := r.Lookup(cfg.Name); err == nil {
		return 0, fmt.Errorf("%w: device name %q in use", pkg.ErrInvalidParameter, cfg.Name)
	}

	for i, s := range r.slots {
		s.mutex.Lock()
		if s.used {
			s.mutex.Unlock()
			continue
		}
		s.used = true
		s.card = card
		s.gen = nextGen(s.gen)
		s.raw = newDevice(makeDeviceID(i, 0, s.gen), cfg.Name, card, nil)
		dev := s.raw
		s.mutex.Unlock()

		pkg.LogDebug(pkg.ComponentRegistry, "controller attached", "name", cfg.Name, "slot", i)
		r.notify([]*Device{dev}, nil)
		return dev.id, nil
	}

	pkg.LogWarn(pkg.ComponentRegistry, "no free slot", "name", cfg.Name, "capacity", len(r.slots))
	return 0, fmt.Errorf("%s: %w", cfg.Name, pkg.ErrNoSlot)
}

// Insert enumerates the card owning id and creates its partition devices.
// A *pkg.Warning result means the card is usable.
func (r *Registry) Insert(ctx context.Context, id DeviceID) error {
	s, _, err := r.acquire(id)
	if err != nil {
		return err
	}

	err = s.card.Insert(ctx)
	if err != nil && !pkg.IsWarning(err) {
		s.mutex.Unlock()
		return err
	}

	slotIndex := id.Slot()
	s.partGen = nextGen(s.partGen)
	var created []*Device
	for _, p := range s.card.Partitions() {
		pid := makeDeviceID(slotIndex, p.Index+1, s.partGen)
		d := newDevice(pid, s.card.cfg.PartitionName(p.Index), s.card, &p)
		s.parts[p.Index] = d
		created = append(created, d)
	}
	s.mutex.Unlock()

	r.notify(created, nil)
	return err
}

// InsertAll enumerates every attached card that is not yet configured.
// Slots own disjoint controllers, so cards are enumerated concurrently.
// Warnings do not fail the group; the first hard error is returned after
// every card has been tried.
func (r *Registry) InsertAll(ctx context.Context) error {
	var pending []DeviceID
	for _, s := range r.slots {
		s.mutex.Lock()
		if s.used && !s.card.Configured() {
			pending = append(pending, s.raw.id)
		}
		s.mutex.Unlock()
	}

	// A failing card must not cancel enumeration of the others.
	var g errgroup.Group
	for _, id := range pending {
		g.Go(func() error {
			err := r.Insert(ctx, id)
			if pkg.IsWarning(err) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Remove destroys the partition devices of the card owning id and forgets
// the card. The raw device stays valid for a later Insert.
func (r *Registry) Remove(id DeviceID) error {
	s, _, err := r.acquire(id)
	if err != nil {
		return err
	}
	removed := s.dropPartitions()
	s.card.Remove()
	s.mutex.Unlock()

	r.notify(nil, removed)
	return nil
}

// Detach removes the card owning id and frees its slot for reuse. Every
// handle of the slot becomes invalid.
func (r *Registry) Detach(id DeviceID) error {
	s, _, err := r.acquire(id)
	if err != nil {
		return err
	}
	removed := s.dropPartitions()
	s.card.Remove()
	s.raw.alive = false
	removed = append(removed, s.raw)
	s.used = false
	s.card = nil
	s.raw = nil
	s.gen = nextGen(s.gen)
	s.mutex.Unlock()

	r.notify(nil, removed)
	return nil
}

// Device returns the live device for id.
func (r *Registry) Device(id DeviceID) (*Device, error) {
	s, dev, err := r.acquire(id)
	if err != nil {
		return nil, err
	}
	s.mutex.Unlock()
	return dev, nil
}

// Lookup returns the handle of the device with the given name.
func (r *Registry) Lookup(name string) (DeviceID, error) {
	for _, d := range r.Devices() {
		if d.name == name {
			return d.id, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", name, pkg.ErrDeviceNotFound)
}

// Devices returns every live device, raw devices before their partitions.
func (r *Registry) Devices() []*Device {
	var result []*Device
	for _, s := range r.slots {
		s.mutex.Lock()
		if s.used {
			result = append(result, s.raw)
			for _, d := range s.parts {
				if d != nil {
					result = append(result, d)
				}
			}
		}
		s.mutex.Unlock()
	}
	return result
}

// Read reads len(buf) bytes from device id starting at a device-relative
// sector, holding the card exclusively for the duration.
func (r *Registry) Read(ctx context.Context, id DeviceID, buf []byte, sector uint32) (int, error) {
	s, dev, err := r.acquire(id)
	if err != nil {
		return 0, err
	}
	defer s.mutex.Unlock()
	return dev.read(ctx, buf, sector)
}

// Write writes buf to device id starting at a device-relative sector,
// holding the card exclusively for the duration. A *pkg.Warning means the
// write completed despite a recoverable problem.
func (r *Registry) Write(ctx context.Context, id DeviceID, buf []byte, sector uint32) (int, error) {
	s, dev, err := r.acquire(id)
	if err != nil {
		return 0, err
	}
	defer s.mutex.Unlock()
	return dev.write(ctx, buf, sector)
}
