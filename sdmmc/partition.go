package sdmmc

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softmmc/pkg"
)

// Boot sector layout.
const (
	partitionTableOffset = 446
	partitionRecordSize  = 16
	bootSignatureOffset  = 510
	bootSignature        = 0xAA55 // little endian 55 AA

	recordStatusCHS = 0
	recordType      = 4
	recordStart     = 8
	recordSize      = 12
)

// Partition is one primary partition record of the boot sector. Fields are
// copied verbatim; they are checked against the card capacity only when a
// transfer is attempted.
type Partition struct {
	Index     int    // Record slot, 0-3
	StatusCHS uint32 // Boot indicator and starting CHS
	Type      uint32 // Partition type byte and ending CHS
	Start     uint32 // First sector
	Count     uint32 // Size in sectors
}

// TypeCode returns the MBR partition type byte.
func (p Partition) TypeCode() uint8 {
	return uint8(p.Type)
}

// Bootable reports whether the boot indicator is set.
func (p Partition) Bootable() bool {
	return uint8(p.StatusCHS) == 0x80
}

// End returns one past the last sector.
func (p Partition) End() uint64 {
	return uint64(p.Start) + uint64(p.Count)
}

// ParsePartitionTable extracts the present records of a boot sector. A
// record is present iff its size is non-zero; no other validation is done.
func ParsePartitionTable(sector []byte) ([]Partition, error) {
	if len(sector) < SectorSize {
		return nil, fmt.Errorf("%w: boot sector of %d bytes", pkg.ErrInvalidParameter, len(sector))
	}
	if binary.LittleEndian.Uint16(sector[bootSignatureOffset:]) != bootSignature {
		pkg.LogDebug(pkg.ComponentPartition, "boot sector signature missing")
	}

	var parts []Partition
	for i := 0; i < MaxPartitions; i++ {
		rec := sector[partitionTableOffset+i*partitionRecordSize:]
		p := Partition{
			Index:     i,
			StatusCHS: binary.LittleEndian.Uint32(rec[recordStatusCHS:]),
			Type:      binary.LittleEndian.Uint32(rec[recordType:]),
			Start:     binary.LittleEndian.Uint32(rec[recordStart:]),
			Count:     binary.LittleEndian.Uint32(rec[recordSize:]),
		}
		if p.Count == 0 {
			continue
		}
		pkg.LogDebug(pkg.ComponentPartition, "partition found",
			"index", i+1, "type", p.TypeCode(), "start", p.Start, "sectors", p.Count)
		parts = append(parts, p)
	}
	return parts, nil
}

// readPartitionTable reads sector 0 of the card and parses it.
func (c *Card) readPartitionTable(ctx context.Context) ([]Partition, error) {
	var mbr [SectorSize]byte
	if _, err := c.readSectors(ctx, 0, mbr[:]); err != nil {
		return nil, fmt.Errorf("read boot sector: %w", err)
	}
	return ParsePartitionTable(mbr[:])
}
