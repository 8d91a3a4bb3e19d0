package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softmmc/hal"
	"github.com/ardnew/softmmc/media"
	"github.com/ardnew/softmmc/pkg"
)

// Errors returned by the simulated controller.
var (
	// ErrNoResponse is the controller-side timeout for a command the card
	// ignored.
	ErrNoResponse = errors.New("sim: no response")

	// ErrNoTransfer is returned for a block move outside a data state.
	ErrNoTransfer = errors.New("sim: no data transfer in progress")

	// ErrBlockSize is returned for a block buffer that is not hal.BlockSize.
	ErrBlockSize = errors.New("sim: buffer is not one block")

	// ErrBusWidth is returned by SetBusWidth for an unsupported width.
	ErrBusWidth = errors.New("sim: unsupported bus width")
)

// DefaultRCA is the relative address an SD card publishes.
const DefaultRCA uint16 = 0xB368

// Options configures the simulated card. The zero value is a
// responsive SD 1.x card.
type Options struct {
	Kind Kind

	// TranSpeed is the CSD TRAN_SPEED byte. Zero selects 25 MHz for SD
	// standard capacity, 50 MHz for SDHC and 20 MHz for MMC.
	TranSpeed uint8

	// RCA is the address an SD card publishes. Zero selects DefaultRCA.
	RCA uint16

	// PowerUpPolls is the number of operation condition polls that report
	// busy before the card finishes powering up.
	PowerUpPolls int

	// NeverPowerUp keeps the busy bit clear forever.
	NeverPowerUp bool

	// ProgramPolls is the number of status polls that report the
	// programming state after a write.
	ProgramPolls int

	// NeverReady keeps the card out of the transfer state once selected.
	NeverReady bool

	// NarrowBus makes the card reject SET_BUS_WIDTH.
	NarrowBus bool

	// Fail lists commands the controller reports as transport failures.
	Fail map[hal.Command]error

	// StatusBits lists extra card status bits ORed into the R1 response
	// of a command.
	StatusBits map[hal.Command]uint32

	// FailFrequency is returned by SetFrequency for any index above the
	// identification frequency.
	FailFrequency error

	// FailReceive and FailTransmit make the n-th block move, counted from
	// one over the card's lifetime, and every later one fail. Zero
	// disables the fault.
	FailReceive  int
	FailTransmit int
}

// EventKind classifies a recorded controller operation.
type EventKind uint8

const (
	EventCommand EventKind = iota
	EventFrequency
	EventBusWidth
	EventReceive
	EventTransmit
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventFrequency:
		return "frequency"
	case EventBusWidth:
		return "bus-width"
	case EventReceive:
		return "receive"
	case EventTransmit:
		return "transmit"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event records one operation issued through the controller.
type Event struct {
	Kind  EventKind
	Cmd   hal.Command // EventCommand
	Arg   uint32      // EventCommand argument, sector for block moves
	Value int         // frequency index or bus width
	Err   error
}

// Card is a simulated SD/MMC card and host controller. It implements
// hal.Controller over a media.Media.
//
// Card is safe for concurrent use; every operation holds an internal lock.
type Card struct {
	mu sync.Mutex

	media media.Media
	opts  Options

	cid        [16]byte
	csd        [16]byte
	advertised uint64
	rca        uint16

	state     uint32
	powerUp   int
	hcs       bool
	freqIndex int
	busWidth  int
	cardWidth int

	// Data transfer state.
	next      uint64 // next sector
	remaining int    // blocks left, negative means open ended
	preset    int    // MMC SET_BLOCK_COUNT
	program   int    // status polls left in prg
	rxDone    int
	txDone    int

	events []Event
}

// New creates a card in the idle state backed by m.
func New(m media.Media, opts Options) (*Card, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil media", pkg.ErrInvalidParameter)
	}
	if opts.TranSpeed == 0 {
		switch opts.Kind {
		case KindSDHC:
			opts.TranSpeed = TranSpeed50MHz
		case KindMMC:
			opts.TranSpeed = TranSpeed20MHz
		default:
			opts.TranSpeed = TranSpeed25MHz
		}
	}
	if opts.RCA == 0 {
		opts.RCA = DefaultRCA
	}
	csd, advertised, err := buildCSD(opts.Kind, m.SectorCount(), opts.TranSpeed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrInvalidParameter, err)
	}
	c := &Card{
		media:      m,
		opts:       opts,
		cid:        buildCID(opts.Kind),
		csd:        csd,
		advertised: advertised,
		busWidth:   1,
		cardWidth:  1,
	}
	pkg.LogDebug(pkg.ComponentSim, "card created",
		"kind", opts.Kind, "sectors", advertised, "tranSpeed", opts.TranSpeed)
	return c, nil
}

// Kind returns the simulated card family.
func (c *Card) Kind() Kind {
	return c.opts.Kind
}

// Sectors returns the capacity advertised in the CSD. It may be smaller
// than the media when the media size is not a multiple of the CSD
// granularity.
func (c *Card) Sectors() uint64 {
	return c.advertised
}

// CID returns the identification register the card reports.
func (c *Card) CID() [16]byte {
	return c.cid
}

// CSD returns the card-specific data register the card reports.
func (c *Card) CSD() [16]byte {
	return c.csd
}

// State returns the card's CURRENT_STATE.
func (c *Card) State() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// FrequencyIndex returns the last index passed to SetFrequency.
func (c *Card) FrequencyIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freqIndex
}

// BusWidth returns the host bus width.
func (c *Card) BusWidth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busWidth
}

// CardBusWidth returns the bus width the card switched to with
// SET_BUS_WIDTH.
func (c *Card) CardBusWidth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cardWidth
}

// Events returns a copy of the operation log.
func (c *Card) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Commands returns the commands issued so far, in order. Application
// commands appear after the CMD55 that introduced them.
func (c *Card) Commands() []hal.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cmds []hal.Command
	for _, e := range c.events {
		if e.Kind == EventCommand {
			cmds = append(cmds, e.Cmd)
		}
	}
	return cmds
}

// Count returns how many times cmd was issued.
func (c *Card) Count(cmd hal.Command) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Kind == EventCommand && e.Cmd == cmd {
			n++
		}
	}
	return n
}

// Transfers returns the number of blocks received and transmitted.
func (c *Card) Transfers() (received, transmitted int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		switch e.Kind {
		case EventReceive:
			received++
		case EventTransmit:
			transmitted++
		}
	}
	return received, transmitted
}

// ResetEvents clears the operation log.
func (c *Card) ResetEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

// SetNeverReady toggles the never-ready fault at run time.
func (c *Card) SetNeverReady(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.NeverReady = v
}

// SetFail makes cmd fail with err, or clears the fault when err is nil.
func (c *Card) SetFail(cmd hal.Command, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.opts.Fail, cmd)
		return
	}
	if c.opts.Fail == nil {
		c.opts.Fail = make(map[hal.Command]error)
	}
	c.opts.Fail[cmd] = err
}

// SetStatusBits forces bits into the R1 response of cmd, or clears them
// when bits is zero.
func (c *Card) SetStatusBits(cmd hal.Command, bits uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bits == 0 {
		delete(c.opts.StatusBits, cmd)
		return
	}
	if c.opts.StatusBits == nil {
		c.opts.StatusBits = make(map[hal.Command]uint32)
	}
	c.opts.StatusBits[cmd] = bits
}

func (c *Card) record(e Event) {
	c.events = append(c.events, e)
}

// SendCommand implements hal.Controller.
func (c *Card) SendCommand(ctx context.Context, cmd hal.Command, arg uint32, kind hal.ResponseType) (hal.Response, error) {
	var resp hal.Response
	if err := ctx.Err(); err != nil {
		return resp, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cmd.IsApp() {
		c.record(Event{Kind: EventCommand, Cmd: hal.CmdAppCmd, Arg: uint32(c.rca) << 16})
		if err := c.opts.Fail[hal.CmdAppCmd]; err != nil {
			return resp, err
		}
	}

	if err := c.opts.Fail[cmd]; err != nil {
		c.record(Event{Kind: EventCommand, Cmd: cmd, Arg: arg, Err: err})
		pkg.LogDebug(pkg.ComponentSim, "injected failure", "cmd", cmd, "error", err)
		return resp, err
	}

	status, err := c.execute(cmd, arg, &resp)
	if err == nil && status != nil {
		state := c.state
		if cmd == hal.CmdSendStatus && c.opts.NeverReady && state == hal.CardStateTran {
			state = hal.CardStatePrg
		}
		word := *status | state<<9 | c.opts.StatusBits[cmd]
		if state == hal.CardStateTran {
			word |= hal.StatusReadyForData
		}
		if cmd.IsApp() {
			word |= hal.StatusAppCmd
		}
		resp.SetWord(word)
	}
	c.record(Event{Kind: EventCommand, Cmd: cmd, Arg: arg, Err: err})
	if err != nil {
		pkg.LogDebug(pkg.ComponentSim, "command ignored", "cmd", cmd, "arg", arg, "state", c.state)
	}
	return resp, err
}

// execute runs one command. It fills resp directly for R2, R3, R6 and R7
// and returns a status word for R1 style responses, nil otherwise.
func (c *Card) execute(cmd hal.Command, arg uint32, resp *hal.Response) (*uint32, error) {
	var status uint32
	r1 := &status

	switch cmd {
	case hal.CmdGoIdleState:
		c.goIdle()
		return nil, nil

	case hal.CmdSendIfCond:
		if c.opts.Kind != KindSDv2 && c.opts.Kind != KindSDHC {
			return nil, ErrNoResponse
		}
		if c.state != hal.CardStateIdle {
			return nil, ErrNoResponse
		}
		resp.SetWord(arg & 0xFFF)
		return nil, nil

	case hal.AppCmdSDSendOpCond:
		if !c.opts.Kind.IsSD() {
			return nil, ErrNoResponse
		}
		c.hcs = arg&hal.OCRHighCapacity != 0
		return nil, c.opCond(resp)

	case hal.CmdSendOpCond:
		if c.opts.Kind.IsSD() {
			return nil, ErrNoResponse
		}
		return nil, c.opCond(resp)

	case hal.CmdAllSendCID:
		if c.state != hal.CardStateReady {
			return nil, ErrNoResponse
		}
		copy(resp[:], c.cid[:])
		c.state = hal.CardStateIdent
		return nil, nil

	case hal.CmdSendRelativeAddr:
		if c.state != hal.CardStateIdent && c.state != hal.CardStateStby {
			return nil, ErrNoResponse
		}
		if c.opts.Kind.IsSD() {
			c.rca = c.opts.RCA
			c.state = hal.CardStateStby
			resp.SetWord(uint32(c.rca)<<16 | c.state<<9)
			return nil, nil
		}
		c.rca = uint16(arg >> 16)
		c.state = hal.CardStateStby
		return r1, nil

	case hal.CmdSendCSD, hal.CmdSendCID:
		if c.state != hal.CardStateStby || !c.addressed(arg) {
			return nil, ErrNoResponse
		}
		if cmd == hal.CmdSendCSD {
			copy(resp[:], c.csd[:])
		} else {
			copy(resp[:], c.cid[:])
		}
		return nil, nil

	case hal.CmdSelectCard:
		if !c.addressed(arg) {
			if c.state == hal.CardStateTran {
				c.state = hal.CardStateStby
			}
			return nil, ErrNoResponse
		}
		if c.state == hal.CardStateStby {
			c.state = hal.CardStateTran
		}
		return r1, nil

	case hal.CmdSendStatus:
		if !c.addressed(arg) || c.state < hal.CardStateStby {
			return nil, ErrNoResponse
		}
		if c.state == hal.CardStatePrg {
			if c.program > 0 {
				c.program--
			} else {
				c.state = hal.CardStateTran
			}
		}
		return r1, nil

	case hal.CmdSetBlockLen:
		if c.state != hal.CardStateTran {
			return illegal(), nil
		}
		if arg != hal.BlockSize {
			status |= hal.StatusBlockLenError
		}
		return r1, nil

	case hal.AppCmdSetBusWidth:
		if c.state != hal.CardStateTran || c.opts.NarrowBus {
			return illegal(), nil
		}
		switch arg & 0x3 {
		case 0:
			c.cardWidth = 1
		case 2:
			c.cardWidth = 4
		default:
			status |= hal.StatusError
		}
		return r1, nil

	case hal.CmdSetBlockCount:
		if c.opts.Kind.IsSD() || c.state != hal.CardStateTran {
			return illegal(), nil
		}
		c.preset = int(arg & 0xFFFF)
		return r1, nil

	case hal.AppCmdSetWrBlkErase:
		if !c.opts.Kind.IsSD() || c.state != hal.CardStateTran {
			return illegal(), nil
		}
		return r1, nil

	case hal.CmdReadSingleBlock, hal.CmdReadMultiBlock,
		hal.CmdWriteBlock, hal.CmdWriteMultiBlock:
		return c.startTransfer(cmd, arg), nil

	case hal.CmdStopTransmission:
		switch c.state {
		case hal.CardStateData:
			c.state = hal.CardStateTran
		case hal.CardStateRcv:
			c.startProgramming()
		default:
			return illegal(), nil
		}
		c.remaining = 0
		return r1, nil

	default:
		return illegal(), nil
	}
}

// startTransfer opens a read or write at the addressed sector.
func (c *Card) startTransfer(cmd hal.Command, arg uint32) *uint32 {
	if c.state != hal.CardStateTran {
		return illegal()
	}
	var status uint32
	sector := uint64(arg)
	if c.opts.Kind != KindSDHC || !c.hcs {
		if arg%hal.BlockSize != 0 {
			return ptr(hal.StatusAddressError)
		}
		sector = uint64(arg) / hal.BlockSize
	}
	if sector >= c.advertised {
		return ptr(hal.StatusOutOfRange)
	}

	c.next = sector
	c.remaining = -1
	if cmd == hal.CmdReadSingleBlock || cmd == hal.CmdWriteBlock {
		c.remaining = 1
	} else if c.preset > 0 {
		c.remaining = c.preset
	}
	c.preset = 0

	if cmd == hal.CmdWriteBlock || cmd == hal.CmdWriteMultiBlock {
		if c.media.ReadOnly() {
			return ptr(hal.StatusWPViolation)
		}
		c.state = hal.CardStateRcv
	} else {
		c.state = hal.CardStateData
	}
	return &status
}

func (c *Card) startProgramming() {
	c.state = hal.CardStatePrg
	c.program = c.opts.ProgramPolls
}

// opCond answers a SEND_OP_COND poll.
func (c *Card) opCond(resp *hal.Response) error {
	if c.state != hal.CardStateIdle && c.state != hal.CardStateReady {
		return ErrNoResponse
	}
	ocr := hal.OCRVoltageMask
	done := !c.opts.NeverPowerUp && c.powerUp >= c.opts.PowerUpPolls
	c.powerUp++
	if done {
		ocr |= hal.OCRPowerUpDone
		if c.opts.Kind == KindSDHC && c.hcs {
			ocr |= hal.OCRHighCapacity
		}
		c.state = hal.CardStateReady
	}
	resp.SetWord(ocr)
	return nil
}

// addressed reports whether a command argument carries the card's RCA.
func (c *Card) addressed(arg uint32) bool {
	return c.rca != 0 && uint16(arg>>16) == c.rca
}

func (c *Card) goIdle() {
	c.state = hal.CardStateIdle
	c.rca = 0
	c.powerUp = 0
	c.hcs = false
	c.cardWidth = 1
	c.remaining = 0
	c.preset = 0
	c.program = 0
}

func illegal() *uint32 {
	return ptr(hal.StatusIllegalCommand)
}

func ptr(v uint32) *uint32 {
	return &v
}

// SetFrequency implements hal.Controller.
func (c *Card) SetFrequency(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 {
		return fmt.Errorf("%w: frequency index %d", pkg.ErrInvalidParameter, index)
	}
	if err := c.opts.FailFrequency; err != nil && index > 0 {
		c.record(Event{Kind: EventFrequency, Value: index, Err: err})
		return err
	}
	c.freqIndex = index
	c.record(Event{Kind: EventFrequency, Value: index})
	return nil
}

// SetBusWidth implements hal.Controller.
func (c *Card) SetBusWidth(bits int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch bits {
	case 1, 4, 8:
	default:
		return fmt.Errorf("%w: %d", ErrBusWidth, bits)
	}
	c.busWidth = bits
	c.record(Event{Kind: EventBusWidth, Value: bits})
	return nil
}

// ReceiveBlock implements hal.Controller.
func (c *Card) ReceiveBlock(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(buf) != hal.BlockSize {
		return fmt.Errorf("%w: %d bytes", ErrBlockSize, len(buf))
	}
	if c.state != hal.CardStateData || c.remaining == 0 {
		return ErrNoTransfer
	}
	if c.opts.FailReceive > 0 && c.rxDone+1 >= c.opts.FailReceive {
		err := fmt.Errorf("sim: injected receive failure at sector %d", c.next)
		c.record(Event{Kind: EventReceive, Arg: uint32(c.next), Err: err})
		return err
	}
	if c.next >= c.advertised {
		c.state = hal.CardStateTran
		return fmt.Errorf("%w: sector %d past card end", ErrNoTransfer, c.next)
	}
	if err := c.media.ReadSectors(c.next, buf); err != nil {
		c.record(Event{Kind: EventReceive, Arg: uint32(c.next), Err: err})
		return err
	}
	c.record(Event{Kind: EventReceive, Arg: uint32(c.next)})
	c.rxDone++
	c.next++
	if c.remaining > 0 {
		c.remaining--
		if c.remaining == 0 {
			c.state = hal.CardStateTran
		}
	}
	return nil
}

// TransmitBlock implements hal.Controller.
func (c *Card) TransmitBlock(ctx context.Context, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(buf) != hal.BlockSize {
		return fmt.Errorf("%w: %d bytes", ErrBlockSize, len(buf))
	}
	if c.state != hal.CardStateRcv || c.remaining == 0 {
		return ErrNoTransfer
	}
	if c.opts.FailTransmit > 0 && c.txDone+1 >= c.opts.FailTransmit {
		err := fmt.Errorf("sim: injected transmit failure at sector %d", c.next)
		c.record(Event{Kind: EventTransmit, Arg: uint32(c.next), Err: err})
		return err
	}
	if c.next >= c.advertised {
		c.startProgramming()
		return fmt.Errorf("%w: sector %d past card end", ErrNoTransfer, c.next)
	}
	if err := c.media.WriteSectors(c.next, buf); err != nil {
		c.record(Event{Kind: EventTransmit, Arg: uint32(c.next), Err: err})
		return err
	}
	c.record(Event{Kind: EventTransmit, Arg: uint32(c.next)})
	c.txDone++
	c.next++
	if c.remaining > 0 {
		c.remaining--
		if c.remaining == 0 {
			c.startProgramming()
		}
	}
	return nil
}

// Sync flushes the backing media.
func (c *Card) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media.Sync()
}

var _ hal.Controller = (*Card)(nil)
