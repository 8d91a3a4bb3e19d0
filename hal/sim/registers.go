package sim

import (
	"fmt"
	"strings"
)

// Kind selects which family of card the simulator impersonates.
type Kind uint8

const (
	KindMMC  Kind = iota // MultiMediaCard, byte addressed
	KindSDv1             // SD 1.x, byte addressed
	KindSDv2             // SD 2.0 standard capacity, byte addressed
	KindSDHC             // SD 2.0 high capacity, block addressed
)

// String returns the name used on the command line.
func (k Kind) String() string {
	switch k {
	case KindMMC:
		return "mmc"
	case KindSDv1:
		return "sdv1"
	case KindSDv2:
		return "sdv2"
	case KindSDHC:
		return "sdhc"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "mmc":
		return KindMMC, nil
	case "sdv1", "sd1":
		return KindSDv1, nil
	case "sdv2", "sd2", "sdsc":
		return KindSDv2, nil
	case "sdhc":
		return KindSDHC, nil
	}
	return 0, fmt.Errorf("unknown card kind %q (want mmc, sdv1, sdv2 or sdhc)", s)
}

// IsSD reports whether the kind speaks the SD command set.
func (k Kind) IsSD() bool {
	return k != KindMMC
}

// TRAN_SPEED encodings: time value index in bits 6:3, unit in bits 2:0.
const (
	TranSpeed20MHz uint8 = 0x2A // 2.0 x 10 MHz
	TranSpeed25MHz uint8 = 0x32 // 2.5 x 10 MHz
	TranSpeed50MHz uint8 = 0x5A // 5.0 x 10 MHz
)

// Minimum media sizes the CSD layouts can describe.
const (
	minLegacySectors = 4    // one C_SIZE unit at the smallest multiplier
	minHCSectors     = 1024 // one 512 KiB C_SIZE unit
	maxLegacyCSize   = 4096
	maxHCUnits       = 1<<22 - 1 // largest unit count with 32-bit sector numbers
)

// buildCSD encodes a CSD describing at most sectors 512-byte sectors and
// returns it with the capacity it actually advertises.
func buildCSD(kind Kind, sectors uint64, tranSpeed uint8) (csd [16]byte, advertised uint64, err error) {
	csd[3] = tranSpeed
	if kind == KindSDHC {
		if sectors < minHCSectors {
			return csd, 0, fmt.Errorf("high capacity card needs at least %d sectors, have %d", minHCSectors, sectors)
		}
		units := sectors >> 10
		if units > maxHCUnits {
			units = maxHCUnits
		}
		cSize := units - 1
		csd[0] = 0x40 // CSD_STRUCTURE 1
		csd[5] = 0x50 | 9
		csd[7] = byte(cSize>>16) & 0x3F
		csd[8] = byte(cSize >> 8)
		csd[9] = byte(cSize)
		return csd, units << 10, nil
	}

	if sectors < minLegacySectors {
		return csd, 0, fmt.Errorf("card needs at least %d sectors, have %d", minLegacySectors, sectors)
	}
	// Smallest granularity that fits C_SIZE in 12 bits. The shift is in
	// sectors: READ_BL_LEN + C_SIZE_MULT + 2 - 9.
	for blLen := uint64(9); blLen <= 11; blLen++ {
		for mult := uint64(0); mult <= 7; mult++ {
			shift := blLen + mult + 2 - 9
			units := sectors >> shift
			if units == 0 || units > maxLegacyCSize {
				continue
			}
			cSize := units - 1
			csd[5] = 0x50 | byte(blLen)
			csd[6] = byte(cSize>>10) & 0x03
			csd[7] = byte(cSize >> 2)
			csd[8] = byte(cSize&0x03) << 6
			csd[9] = byte(mult>>1) & 0x03
			csd[10] = byte(mult&0x01) << 7
			return csd, units << shift, nil
		}
	}
	return csd, 0, fmt.Errorf("%d sectors is too large for a standard capacity card", sectors)
}

// buildCID returns a fixed identification register in the SD or MMC layout.
func buildCID(kind Kind) (cid [16]byte) {
	if kind == KindMMC {
		cid[0] = 0x15 // MID
		cid[1] = 0x01 // CBX: BGA
		cid[2] = 0x53 // OID
		copy(cid[3:9], "SIMMMC")
		cid[9] = 0x10 // PRV 1.0
		putSerial(cid[10:14], 0x0BADCAFE)
		// MDT: June 2010, years counted from 1997.
		cid[14] = 6<<4 | byte(2010-1997)&0x0F
	} else {
		cid[0] = 0x03 // MID
		copy(cid[1:3], "SM")
		copy(cid[3:8], "SIM01")
		cid[8] = 0x10 // PRV 1.0
		putSerial(cid[9:13], 0x12345678)
		// MDT: June 2024, years counted from 2000.
		mdt := uint16(2024-2000)<<4 | 6
		cid[13] = byte(mdt>>8) & 0x0F
		cid[14] = byte(mdt)
	}
	cid[15] = 0x01 // CRC7 unused, end bit set
	return cid
}

func putSerial(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
