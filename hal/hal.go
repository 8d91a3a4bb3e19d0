package hal

import (
	"context"
	"fmt"
)

// BlockSize is the size of one data block moved by TransmitBlock and
// ReceiveBlock.
const BlockSize = 512

// Command is an SD/MMC command code. Bits 0-5 hold the command index;
// AppCommand marks application-specific commands (ACMDn) which the
// controller must prefix with CMD55.
type Command uint8

// AppCommand flags an application-specific command.
const AppCommand Command = 0x80

// Index returns the 6-bit command index sent on the bus.
func (c Command) Index() uint8 {
	return uint8(c) & 0x3F
}

// IsApp returns true for application-specific commands.
func (c Command) IsApp() bool {
	return c&AppCommand != 0
}

// String returns the conventional name, e.g. "CMD17" or "ACMD41".
func (c Command) String() string {
	if c.IsApp() {
		return fmt.Sprintf("ACMD%d", c.Index())
	}
	return fmt.Sprintf("CMD%d", c.Index())
}

// ResponseType selects the response format expected for a command.
type ResponseType uint8

// Response formats (SD Physical Layer Specification, section 4.9).
const (
	ResponseNone ResponseType = iota // No response
	ResponseR1                       // Normal response, card status
	ResponseR1b                      // R1 with busy signalling
	ResponseR2                       // CID or CSD register, 136 bits
	ResponseR3                       // OCR register
	ResponseR6                       // Published RCA
	ResponseR7                       // Card interface condition
)

// String returns the response type name.
func (r ResponseType) String() string {
	switch r {
	case ResponseNone:
		return "none"
	case ResponseR1:
		return "R1"
	case ResponseR1b:
		return "R1b"
	case ResponseR2:
		return "R2"
	case ResponseR3:
		return "R3"
	case ResponseR6:
		return "R6"
	case ResponseR7:
		return "R7"
	default:
		return fmt.Sprintf("R?(%d)", uint8(r))
	}
}

// ResponseSize is the number of bytes in a Response buffer.
const ResponseSize = 16

// Response holds the payload of a command response, most significant byte
// first. 48-bit responses (R1, R3, R6, R7) use bytes 0-3; R2 uses all 16.
type Response [ResponseSize]byte

// Word returns the 32-bit payload of a 48-bit response.
func (r *Response) Word() uint32 {
	return uint32(r[0])<<24 | uint32(r[1])<<16 | uint32(r[2])<<8 | uint32(r[3])
}

// SetWord stores a 32-bit payload in bytes 0-3.
func (r *Response) SetWord(v uint32) {
	r[0] = byte(v >> 24)
	r[1] = byte(v >> 16)
	r[2] = byte(v >> 8)
	r[3] = byte(v)
}

// Controller is the Host Controller Capability consumed by the driver core.
//
// Board support packages implement Controller for their SD/MMC host
// hardware. The core never touches controller registers itself; it only
// sequences commands and block moves through these five operations.
//
// A Controller is used by one card session at a time. The driver serializes
// calls per controller, so implementations need no internal locking for the
// core's sake.
type Controller interface {
	// SendCommand issues cmd with arg and waits for a response of the given
	// kind. Application commands (cmd.IsApp) must be preceded by CMD55 using
	// the card's current relative address. A transport failure (no response,
	// CRC error, controller timeout) is returned as an error.
	SendCommand(ctx context.Context, cmd Command, arg uint32, kind ResponseType) (Response, error)

	// SetFrequency switches the bus clock to entry index of the
	// controller's ascending frequency table. Index 0 is the identification
	// frequency.
	SetFrequency(index int) error

	// SetBusWidth switches the host side of the data bus to 1, 4 or 8 bits.
	SetBusWidth(bits int) error

	// TransmitBlock sends one BlockSize block to the card.
	TransmitBlock(ctx context.Context, buf []byte) error

	// ReceiveBlock fills buf with one BlockSize block from the card.
	ReceiveBlock(ctx context.Context, buf []byte) error
}
