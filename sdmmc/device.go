package sdmmc

import (
	"context"
	"fmt"

	"github.com/ardnew/softmmc/pkg"
)

// Device is a logical block device: either the whole card or one of its
// partitions.
//
// Device methods perform no locking; [Registry.Read] and [Registry.Write]
// serialize access to the owning card.
type Device struct {
	id    DeviceID
	name  string
	card  *Card
	part  *Partition
	alive bool
}

func newDevice(id DeviceID, name string, card *Card, part *Partition) *Device {
	return &Device{id: id, name: name, card: card, part: part, alive: true}
}

// ID returns the registry handle of the device.
func (d *Device) ID() DeviceID {
	return d.id
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Card returns the owning card session.
func (d *Device) Card() *Card {
	return d.card
}

// Partition returns the partition record, or false for the raw card device.
func (d *Device) Partition() (Partition, bool) {
	if d.part == nil {
		return Partition{}, false
	}
	return *d.part, true
}

// IsPartition reports whether the device is a partition sub-device.
func (d *Device) IsPartition() bool {
	return d.part != nil
}

// StartSector returns the offset of the device on the card.
func (d *Device) StartSector() uint32 {
	if d.part == nil {
		return 0
	}
	return d.part.Start
}

// SectorCount returns the size of the device address space.
func (d *Device) SectorCount() uint32 {
	if d.part == nil {
		return d.card.totalSectors
	}
	return d.part.Count
}

// Size returns the device capacity in bytes.
func (d *Device) Size() uint64 {
	return uint64(d.SectorCount()) * SectorSize
}

// resolve maps a device-relative request to an absolute card sector.
func (d *Device) resolve(sector uint32, buf []byte) (uint32, error) {
	if !d.alive {
		return 0, fmt.Errorf("%s: %w", d.name, pkg.ErrDeviceNotFound)
	}
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes is not a whole number of sectors", pkg.ErrInvalidParameter, len(buf))
	}
	if !d.card.Configured() {
		return 0, fmt.Errorf("%s: %w", d.name, pkg.ErrNotConfigured)
	}
	count := uint64(len(buf) / SectorSize)
	if uint64(sector)+count > uint64(d.SectorCount()) {
		return 0, fmt.Errorf("%w: %s sectors %d+%d beyond %d",
			pkg.ErrOutOfRange, d.name, sector, count, d.SectorCount())
	}
	abs := uint64(d.StartSector()) + uint64(sector)
	if abs+count > uint64(d.card.totalSectors) {
		return 0, fmt.Errorf("%w: %s extends past card end %d",
			pkg.ErrOutOfRange, d.name, d.card.totalSectors)
	}
	return uint32(abs), nil
}

// read fills buf with sectors starting at a device-relative sector and
// returns the number of bytes read, which is len(buf) or 0. The caller
// holds the slot mutex.
func (d *Device) read(ctx context.Context, buf []byte, sector uint32) (int, error) {
	abs, err := d.resolve(sector, buf)
	if err != nil {
		return 0, err
	}
	return d.card.readSectors(ctx, abs, buf)
}

// write stores buf at a device-relative sector and returns the number of
// bytes written, which is len(buf) or 0. The caller holds the slot mutex.
func (d *Device) write(ctx context.Context, buf []byte, sector uint32) (int, error) {
	abs, err := d.resolve(sector, buf)
	if err != nil {
		return 0, err
	}
	return d.card.writeSectors(ctx, abs, buf)
}

// String returns a one-line description of the device.
func (d *Device) String() string {
	if d.part == nil {
		return fmt.Sprintf("%s: card, %d sectors", d.name, d.SectorCount())
	}
	return fmt.Sprintf("%s: partition %d type %#02x, start %d, %d sectors",
		d.name, d.part.Index+1, d.part.TypeCode(), d.part.Start, d.part.Count)
}
