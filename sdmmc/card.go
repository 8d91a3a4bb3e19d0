package sdmmc

import (
	"context"
	"fmt"

	"github.com/ardnew/softmmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// Card is the protocol session for one card slot. It holds everything
// learned during insertion and drives the block transfers.
//
// A Card performs no locking. Callers serialize access; [Registry] does so
// with a per-slot mutex.
type Card struct {
	ctrl hal.Controller
	cfg  Config

	state          State
	typ            CardType
	blockAddressed bool
	rca            uint16

	ocr OCR
	cid CID
	csd CSD

	busSpeed     uint32 // kHz
	freqIndex    int
	busWidth     int
	totalSectors uint32

	partitions []Partition
}

// NewCard creates an un-inserted session bound to a controller.
func NewCard(ctrl hal.Controller, cfg Config) (*Card, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("%w: nil controller", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Card{ctrl: ctrl, cfg: cfg}
	c.reset()
	return c, nil
}

// reset forgets everything learned about the card.
func (c *Card) reset() {
	c.state = StateIdle
	c.typ = CardUnknown
	c.blockAddressed = false
	c.rca = 0
	c.ocr = OCR{}
	c.cid = CID{}
	c.csd = CSD{}
	c.busSpeed = 0
	c.freqIndex = 0
	c.busWidth = 1
	c.totalSectors = 0
	c.partitions = nil
}

// Name returns the raw device name.
func (c *Card) Name() string {
	return c.cfg.Name
}

// Config returns the slot configuration.
func (c *Card) Config() Config {
	return c.cfg
}

// State returns the insertion state reached so far.
func (c *Card) State() State {
	return c.state
}

// Configured reports whether insertion completed and transfers are allowed.
func (c *Card) Configured() bool {
	return c.state == StateConfigured
}

// Type returns the detected card type.
func (c *Card) Type() CardType {
	return c.typ
}

// BlockAddressed reports whether commands take sector numbers rather than
// byte addresses.
func (c *Card) BlockAddressed() bool {
	return c.blockAddressed
}

// RCA returns the relative card address.
func (c *Card) RCA() uint16 {
	return c.rca
}

// OCR returns the operation conditions register.
func (c *Card) OCR() OCR {
	return c.ocr
}

// CID returns the card identification register.
func (c *Card) CID() CID {
	return c.cid
}

// CSD returns the card-specific data register.
func (c *Card) CSD() CSD {
	return c.csd
}

// BusSpeed returns the maximum bus clock from the CSD in kHz.
func (c *Card) BusSpeed() uint32 {
	return c.busSpeed
}

// FrequencyIndex returns the selected entry of the frequency table.
func (c *Card) FrequencyIndex() int {
	return c.freqIndex
}

// Frequency returns the selected bus clock in kHz.
func (c *Card) Frequency() uint32 {
	return c.cfg.Frequencies[c.freqIndex]
}

// BusWidth returns the negotiated data bus width in bits.
func (c *Card) BusWidth() int {
	return c.busWidth
}

// TotalSectors returns the card capacity in 512-byte sectors.
func (c *Card) TotalSectors() uint32 {
	return c.totalSectors
}

// Partitions returns the partition records found at insertion.
// The returned slice references internal storage; do not modify.
func (c *Card) Partitions() []Partition {
	return c.partitions
}

// Remove forgets the inserted card. The controller stays bound so the slot
// can be inserted again.
func (c *Card) Remove() {
	pkg.LogDebug(pkg.ComponentCard, "card removed", "name", c.cfg.Name)
	c.reset()
}

// argRCA places the relative address in the upper half of a command
// argument.
func (c *Card) argRCA() uint32 {
	return uint32(c.rca) << 16
}

// send issues a command, wrapping transport failures in ErrCommandFailed.
func (c *Card) send(ctx context.Context, cmd hal.Command, arg uint32, kind hal.ResponseType) (hal.Response, error) {
	resp, err := c.ctrl.SendCommand(ctx, cmd, arg, kind)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "command failed",
			"name", c.cfg.Name, "cmd", cmd, "arg", arg, "error", err)
		return resp, fmt.Errorf("%w: %v: %w", pkg.ErrCommandFailed, cmd, err)
	}
	return resp, nil
}

// sendChecked issues a command and rejects a response with any status bit
// of mask set.
func (c *Card) sendChecked(ctx context.Context, cmd hal.Command, arg uint32, kind hal.ResponseType, mask uint32) (hal.Response, error) {
	resp, err := c.send(ctx, cmd, arg, kind)
	if err != nil {
		return resp, err
	}
	if bits := resp.Word() & mask; bits != 0 {
		return resp, fmt.Errorf("%w: %v status %#08x", pkg.ErrResponse, cmd, bits)
	}
	return resp, nil
}

// String returns a one-line description of the card.
func (c *Card) String() string {
	if !c.Configured() {
		return fmt.Sprintf("%s: %s", c.cfg.Name, c.state)
	}
	addressing := "byte"
	if c.blockAddressed {
		addressing = "block"
	}
	return fmt.Sprintf("%s: %s rca=%#04x sectors=%d %s-addressed %dkHz %d-bit",
		c.cfg.Name, c.typ, c.rca, c.totalSectors, addressing, c.Frequency(), c.busWidth)
}
