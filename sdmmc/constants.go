package sdmmc

import (
	"fmt"

	"github.com/ardnew/softmmc/hal"
)

// Sector geometry.
const (
	SectorSize  = 512
	SectorShift = 9

	// MaxByteAddressedSectors bounds the sectors a byte addressed card can
	// reach with a 32-bit command argument.
	MaxByteAddressedSectors = 1 << (32 - SectorShift)
)

// Maximum limits for fixed-size tables.
const (
	// MaxDevices is the default number of concurrently attached cards.
	MaxDevices = 4

	// MaxPartitions is the number of primary partition records in a boot
	// sector.
	MaxPartitions = 4
)

// CardType identifies the protocol family detected during insertion.
type CardType uint8

// Card types.
const (
	CardUnknown CardType = iota // Not yet enumerated
	CardMMC                     // MultiMediaCard
	CardSDv1                    // SD physical layer 1.x
	CardSDv2                    // SD physical layer 2.0 or later
)

// String returns a human-readable card type.
func (t CardType) String() string {
	switch t {
	case CardUnknown:
		return "unknown"
	case CardMMC:
		return "MMC"
	case CardSDv1:
		return "SDv1"
	case CardSDv2:
		return "SDv2"
	default:
		return fmt.Sprintf("CardType(%d)", uint8(t))
	}
}

// IsSD returns true for any SD card generation.
func (t CardType) IsSD() bool {
	return t == CardSDv1 || t == CardSDv2
}

// State is a step of the card insertion state machine. Each state is only
// reachable from its predecessor.
type State uint8

// Insertion states.
const (
	StateIdle State = iota
	StateVoltageCheck
	StateOperationCondition
	StateReady
	StateIdentification
	StateAddressAssigned
	StateStandby
	StateSelected
	StateConfigured
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateVoltageCheck:
		return "VoltageCheck"
	case StateOperationCondition:
		return "OperationCondition"
	case StateReady:
		return "Ready"
	case StateIdentification:
		return "Identification"
	case StateAddressAssigned:
		return "RelativeAddressAssigned"
	case StateStandby:
		return "Standby"
	case StateSelected:
		return "Selected"
	case StateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Operation condition arguments.
const (
	opCondArgSDv2 = hal.OCRHighCapacity | hal.OCRVoltageMask // HCS + 2.7-3.6V
	opCondArgSDv1 = hal.OCRVoltageMask
	opCondArgMMC  = hal.OCRVoltageMask
)

// mmcRCA is the relative address assigned to MMC cards, which do not
// publish their own.
const mmcRCA = 1

// Bus width argument of ACMD6.
const busWidth4Arg = 0x2

// Card status error masks.
const (
	// transferErrorMask covers errors that abort a data transfer.
	transferErrorMask = hal.StatusOutOfRange | hal.StatusAddressError |
		hal.StatusIllegalCommand | hal.StatusCCError | hal.StatusError

	// configErrorMask covers every error bit except CARD_IS_LOCKED and the
	// reserved bits; used for configuration commands after selection.
	configErrorMask = 0xFD000000 | hal.StatusComCRCError | hal.StatusIllegalCommand |
		hal.StatusCardECCFailed | hal.StatusCCError | hal.StatusError | hal.StatusCSDOverwrite
)
