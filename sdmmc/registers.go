package sdmmc

import "math"

// Register sizes in bytes.
const (
	OCRSize = 4
	CIDSize = 16
	CSDSize = 16
)

// OCR is the raw operation conditions register, most significant byte first.
type OCR [OCRSize]byte

// CID is the raw card identification register, byte 0 holding bits 127:120.
type CID [CIDSize]byte

// CSD is the raw card-specific data register, byte 0 holding bits 127:120.
type CSD [CSDSize]byte

// OCR fields.
const (
	ocrBusyByte = 0
	ocrBusyMask = 0x80 // bit 31, power-up complete
	ocrCCSMask  = 0x40 // bit 30, card capacity status
)

func (o OCR) word() uint32 {
	return uint32(o[0])<<24 | uint32(o[1])<<16 | uint32(o[2])<<8 | uint32(o[3])
}

// PowerUpComplete reports whether the card finished its power-up sequence.
func (o OCR) PowerUpComplete() bool {
	return o[ocrBusyByte]&ocrBusyMask != 0
}

// HighCapacity reports the CCS bit: the card is block addressed.
func (o OCR) HighCapacity() bool {
	return o[ocrBusyByte]&ocrCCSMask != 0
}

// VoltageWindow returns OCR bits 23:15, one bit per 100mV step from 2.7V.
func (o OCR) VoltageWindow() uint32 {
	return (o.word() >> 15) & 0x1FF
}

// CSD fields. Byte i of the register holds bits 127-8i down to 120-8i.
const (
	csdStructureByte  = 0 // CSD_STRUCTURE, bits 127:126
	csdStructureShift = 6
	csdTranSpeedByte  = 3 // TRAN_SPEED, bits 103:96
	csdReadBlLenByte  = 5 // READ_BL_LEN, bits 83:80
	csdReadBlLenMask  = 0x0F

	// Legacy C_SIZE, bits 73:62.
	csdCSizeHiByte  = 6 // bits 73:72 in [1:0]
	csdCSizeHiMask  = 0x03
	csdCSizeMidByte = 7 // bits 71:64
	csdCSizeLoByte  = 8 // bits 63:62 in [7:6]
	csdCSizeLoShift = 6

	// C_SIZE_MULT, bits 49:47.
	csdCSizeMultHiByte  = 9 // bits 49:48 in [1:0]
	csdCSizeMultHiMask  = 0x03
	csdCSizeMultLoByte  = 10 // bit 47 in [7]
	csdCSizeMultLoShift = 7

	// High capacity C_SIZE, bits 69:48.
	csdHCCSizeHiByte  = 7 // bits 69:64 in [5:0]
	csdHCCSizeHiMask  = 0x3F
	csdHCCSizeMidByte = 8 // bits 63:56
	csdHCCSizeLoByte  = 9 // bits 55:48

	// TRAN_SPEED subfields.
	tranSpeedValueShift = 3
	tranSpeedValueMask  = 0x0F
	tranSpeedUnitMask   = 0x07
)

// CSD structure versions.
const (
	CSDVersion1 = 0 // Standard capacity
	CSDVersion2 = 1 // High and extended capacity
)

// Structure returns CSD_STRUCTURE.
func (c CSD) Structure() uint8 {
	return c[csdStructureByte] >> csdStructureShift
}

// TranSpeed returns the raw TRAN_SPEED byte.
func (c CSD) TranSpeed() uint8 {
	return c[csdTranSpeedByte]
}

// ReadBlLen returns READ_BL_LEN, the log2 of the maximum read block length.
func (c CSD) ReadBlLen() uint32 {
	return uint32(c[csdReadBlLenByte] & csdReadBlLenMask)
}

// CSize returns the 12-bit legacy C_SIZE field.
func (c CSD) CSize() uint32 {
	return uint32(c[csdCSizeLoByte]>>csdCSizeLoShift) |
		uint32(c[csdCSizeMidByte])<<2 |
		uint32(c[csdCSizeHiByte]&csdCSizeHiMask)<<10
}

// CSizeMult returns the 3-bit C_SIZE_MULT field.
func (c CSD) CSizeMult() uint32 {
	return uint32(c[csdCSizeMultLoByte]>>csdCSizeMultLoShift) |
		uint32(c[csdCSizeMultHiByte]&csdCSizeMultHiMask)<<1
}

// HCCSize returns the 22-bit C_SIZE field of a version 2 CSD.
func (c CSD) HCCSize() uint32 {
	return uint32(c[csdHCCSizeLoByte]) |
		uint32(c[csdHCCSizeMidByte])<<8 |
		uint32(c[csdHCCSizeHiByte]&csdHCCSizeHiMask)<<16
}

// HighCapacitySectors computes capacity in 512-byte sectors for a high
// capacity card. Each C_SIZE unit is 512 KiB. Capacities past the 32-bit
// sector range saturate at math.MaxUint32.
func (c CSD) HighCapacitySectors() uint32 {
	sectors := (uint64(c.HCCSize()) + 1) << 10
	if sectors > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(sectors)
}

// LegacyShift returns READ_BL_LEN + C_SIZE_MULT + 2, the log2 of the number
// of bytes per C_SIZE unit.
func (c CSD) LegacyShift() uint32 {
	return c.ReadBlLen() + c.CSizeMult() + 2
}

// LegacySectors computes capacity in 512-byte sectors for a byte addressed
// card as (C_SIZE + 1) << (shift - 9).
func (c CSD) LegacySectors() uint32 {
	shift := c.LegacyShift()
	units := c.CSize() + 1
	if shift < SectorShift {
		return units >> (SectorShift - shift)
	}
	return units << (shift - SectorShift)
}

// Transfer rate tables for TRAN_SPEED. Time values are scaled by 10 and the
// unit factors convert to kHz: unit 0 is 100 kbit/s, value 1.0 -> 10*10.
var (
	tranSpeedValues = [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}
	tranSpeedUnits  = [8]uint32{10, 100, 1000, 10000, 0, 0, 0, 0}
)

// MaxBusSpeed returns the maximum data transfer rate in kHz encoded in
// TRAN_SPEED. Reserved units decode to 0.
func (c CSD) MaxBusSpeed() uint32 {
	b := c.TranSpeed()
	value := tranSpeedValues[(b>>tranSpeedValueShift)&tranSpeedValueMask]
	return value * tranSpeedUnits[b&tranSpeedUnitMask]
}

// CID fields.
const (
	cidMIDByte     = 0 // MID, bits 127:120
	cidOIDByte     = 1 // OID, bits 119:104
	cidPNMByte     = 3 // PNM, bits 103:64 (SD, 5 chars)
	cidPNMLen      = 5
	cidMMCPNMByte  = 3 // PNM, bits 103:56 (MMC, 6 chars)
	cidMMCPNMLen   = 6
	cidPRVByte     = 8  // PRV, bits 63:56 (SD)
	cidMMCPRVByte  = 9  // PRV, bits 55:48 (MMC)
	cidPSNByte     = 9  // PSN, bits 55:24 (SD)
	cidMMCPSNByte  = 10 // PSN, bits 47:16 (MMC)
	cidMDTByte     = 13 // MDT, bits 19:8 (SD)
	cidMMCMDTByte  = 14 // MDT, bits 15:8 (MMC)
	cidMDTYearBase = 2000
	cidMMCYearBase = 1997
)

// ManufacturerID returns MID.
func (c CID) ManufacturerID() uint8 {
	return c[cidMIDByte]
}

// OEMID returns OID as two ASCII characters. MMC cards use only the low byte.
func (c CID) OEMID() string {
	return printable(c[cidOIDByte : cidOIDByte+2])
}

func (c CID) be32(i int) uint32 {
	return uint32(c[i])<<24 | uint32(c[i+1])<<16 | uint32(c[i+2])<<8 | uint32(c[i+3])
}

// ProductName returns PNM; MMC cards carry one more character than SD.
func (c CID) ProductName(mmc bool) string {
	if mmc {
		return printable(c[cidMMCPNMByte : cidMMCPNMByte+cidMMCPNMLen])
	}
	return printable(c[cidPNMByte : cidPNMByte+cidPNMLen])
}

// Revision returns PRV as major and minor BCD digits.
func (c CID) Revision(mmc bool) (major, minor uint8) {
	b := c[cidPRVByte]
	if mmc {
		b = c[cidMMCPRVByte]
	}
	return b >> 4, b & 0x0F
}

// Serial returns PSN.
func (c CID) Serial(mmc bool) uint32 {
	if mmc {
		return c.be32(cidMMCPSNByte)
	}
	return c.be32(cidPSNByte)
}

// ManufactureDate returns the year and month from MDT.
func (c CID) ManufactureDate(mmc bool) (year int, month int) {
	if mmc {
		b := c[cidMMCMDTByte]
		return cidMMCYearBase + int(b&0x0F), int(b >> 4)
	}
	v := uint16(c[cidMDTByte]&0x0F)<<8 | uint16(c[cidMDTByte+1])
	return cidMDTYearBase + int(v>>4), int(v & 0x0F)
}

func printable(b []byte) string {
	out := make([]byte, 0, len(b))
	for _, ch := range b {
		if ch >= 0x20 && ch < 0x7F {
			out = append(out, ch)
		}
	}
	return string(out)
}
