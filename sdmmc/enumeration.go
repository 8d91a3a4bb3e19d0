package sdmmc

import (
	"context"
	"fmt"

	"github.com/ardnew/softmmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// Insert runs the card insertion state machine, decodes capacity and
// speed, switches the bus to its operating frequency, and reads the
// partition table.
//
// On failure the card is left un-configured and the returned error wraps
// pkg.ErrProtocol together with its cause. A *pkg.Warning means the card
// is configured but a non-fatal step (select, block length, bus width,
// frequency switch, partition table read) went wrong.
func (c *Card) Insert(ctx context.Context) error {
	if c.Configured() {
		return fmt.Errorf("%s: %w", c.cfg.Name, pkg.ErrAlreadyInserted)
	}
	c.reset()

	warn := &pkg.Warning{Op: "insert " + c.cfg.Name}
	if err := c.enumerate(ctx, warn); err != nil {
		failed := c.state
		c.reset()
		pkg.LogWarn(pkg.ComponentCard, "enumeration failed",
			"name", c.cfg.Name, "state", failed, "error", err)
		return fmt.Errorf("%w: %s: %v: %w", pkg.ErrProtocol, c.cfg.Name, failed, err)
	}

	c.decodeGeometry(warn)
	c.state = StateConfigured

	pkg.LogInfo(pkg.ComponentCard, "card configured",
		"name", c.cfg.Name,
		"type", c.typ,
		"rca", c.rca,
		"blockAddressed", c.blockAddressed,
		"sectors", c.totalSectors,
		"busSpeed", c.busSpeed,
		"frequency", c.Frequency(),
		"busWidth", c.busWidth)

	parts, err := c.readPartitionTable(ctx)
	if err != nil {
		pkg.LogWarn(pkg.ComponentPartition, "partition table unreadable, using whole card",
			"name", c.cfg.Name, "error", err)
		warn.Add(err)
	}
	c.partitions = parts

	return warn.Err()
}

// enumerate walks Idle through Selected and applies the transfer-mode
// configuration. Fatal errors are returned; recoverable ones go to warn.
func (c *Card) enumerate(ctx context.Context, warn *pkg.Warning) error {
	c.state = StateIdle
	if err := c.ctrl.SetFrequency(0); err != nil {
		return fmt.Errorf("%w: identification frequency: %w", pkg.ErrCommandFailed, err)
	}
	// GO_IDLE_STATE drops the card to a 1-bit bus; the host must follow
	// in case a previous session widened it.
	if err := c.ctrl.SetBusWidth(1); err != nil {
		return fmt.Errorf("%w: identification bus width: %w", pkg.ErrCommandFailed, err)
	}

	// GO_IDLE_STATE has no response; there is nothing to check.
	if _, err := c.send(ctx, hal.CmdGoIdleState, 0, hal.ResponseNone); err != nil {
		pkg.LogDebug(pkg.ComponentCard, "reset not acknowledged", "name", c.cfg.Name)
	}

	c.state = StateVoltageCheck
	v2 := c.checkInterfaceCondition(ctx)

	c.state = StateOperationCondition
	ocr, err := c.negotiateOperationCondition(ctx, v2)
	if err != nil {
		return err
	}

	c.ocr = ocr
	c.state = StateReady

	resp, err := c.send(ctx, hal.CmdAllSendCID, 0, hal.ResponseR2)
	if err != nil {
		return err
	}
	copy(c.cid[:], resp[:])
	c.state = StateIdentification

	if err := c.assignAddress(ctx); err != nil {
		return err
	}
	c.state = StateAddressAssigned

	resp, err = c.send(ctx, hal.CmdSendCSD, c.argRCA(), hal.ResponseR2)
	if err != nil {
		return err
	}
	copy(c.csd[:], resp[:])
	c.state = StateStandby

	if _, err := c.send(ctx, hal.CmdSelectCard, c.argRCA(), hal.ResponseR1b); err != nil {
		pkg.LogWarn(pkg.ComponentCard, "select card failed", "name", c.cfg.Name, "error", err)
		warn.Add(err)
	}
	c.state = StateSelected

	c.configureTransferMode(ctx, warn)
	return nil
}

// checkInterfaceCondition sends SEND_IF_COND and reports whether the card
// echoed the voltage and check pattern, i.e. speaks SD 2.0 or later.
func (c *Card) checkInterfaceCondition(ctx context.Context) bool {
	resp, err := c.send(ctx, hal.CmdSendIfCond, hal.IfCondArg, hal.ResponseR7)
	if err != nil {
		pkg.LogDebug(pkg.ComponentCard, "no interface condition response, legacy card", "name", c.cfg.Name)
		return false
	}
	ok := uint32(resp[2]&0x0F) == hal.IfCondVoltage && uint32(resp[3]) == hal.IfCondPattern
	if !ok {
		pkg.LogDebug(pkg.ComponentCard, "interface condition mismatch",
			"name", c.cfg.Name, "voltage", resp[2]&0x0F, "pattern", resp[3])
	}
	return ok
}

// negotiateOperationCondition determines the card type and polls until the
// card reports power-up complete.
func (c *Card) negotiateOperationCondition(ctx context.Context, v2 bool) (OCR, error) {
	var (
		cmd hal.Command
		arg uint32
	)
	switch {
	case v2:
		c.typ, cmd, arg = CardSDv2, hal.AppCmdSDSendOpCond, opCondArgSDv2
	default:
		// An SD 1.x card accepts ACMD41; an MMC rejects it.
		if _, err := c.send(ctx, hal.AppCmdSDSendOpCond, opCondArgSDv1, hal.ResponseR3); err == nil {
			c.typ, cmd, arg = CardSDv1, hal.AppCmdSDSendOpCond, opCondArgSDv1
		} else {
			c.typ, cmd, arg = CardMMC, hal.CmdSendOpCond, opCondArgMMC
		}
	}
	pkg.LogDebug(pkg.ComponentCard, "card type detected", "name", c.cfg.Name, "type", c.typ)

	var ocr OCR
	err := poll(ctx, "operation condition", c.cfg.OpCondAttempts, c.cfg.PollInterval, func() (bool, error) {
		resp, err := c.send(ctx, cmd, arg, hal.ResponseR3)
		if err != nil {
			return false, err
		}
		copy(ocr[:], resp[:OCRSize])
		return ocr.PowerUpComplete(), nil
	})
	if err != nil {
		return OCR{}, err
	}

	if c.typ == CardSDv2 && ocr.HighCapacity() {
		c.blockAddressed = true
	}
	return ocr, nil
}

// assignAddress obtains the relative card address. SD cards publish one;
// MMC cards are told to use a fixed address.
func (c *Card) assignAddress(ctx context.Context) error {
	if c.typ.IsSD() {
		resp, err := c.send(ctx, hal.CmdSendRelativeAddr, 0, hal.ResponseR6)
		if err != nil {
			return err
		}
		c.rca = uint16(resp[0])<<8 | uint16(resp[1])
	} else {
		if _, err := c.send(ctx, hal.CmdSendRelativeAddr, mmcRCA<<16, hal.ResponseR1); err != nil {
			return err
		}
		c.rca = mmcRCA
	}
	pkg.LogDebug(pkg.ComponentCard, "relative address", "name", c.cfg.Name, "rca", c.rca)
	return nil
}

// configureTransferMode fixes the block length of byte addressed cards and
// widens the bus of SD cards when the slot allows it.
func (c *Card) configureTransferMode(ctx context.Context, warn *pkg.Warning) {
	if !c.blockAddressed {
		if _, err := c.sendChecked(ctx, hal.CmdSetBlockLen, SectorSize, hal.ResponseR1, configErrorMask); err != nil {
			pkg.LogWarn(pkg.ComponentCard, "set block length failed", "name", c.cfg.Name, "error", err)
			warn.Add(err)
		}
	}

	if !c.typ.IsSD() || c.cfg.DataBits < 4 {
		return
	}
	// The host follows only once the card has switched.
	if _, err := c.sendChecked(ctx, hal.AppCmdSetBusWidth, busWidth4Arg, hal.ResponseR1, configErrorMask); err != nil {
		pkg.LogWarn(pkg.ComponentCard, "card refused 4-bit bus", "name", c.cfg.Name, "error", err)
		warn.Add(err)
		return
	}
	if err := c.ctrl.SetBusWidth(4); err != nil {
		pkg.LogWarn(pkg.ComponentCard, "host bus width change failed", "name", c.cfg.Name, "error", err)
		warn.Add(fmt.Errorf("%w: bus width: %w", pkg.ErrCommandFailed, err))
		return
	}
	c.busWidth = 4
}

// decodeGeometry computes capacity and bus speed from the CSD and switches
// the bus to the fastest supported clock the card allows.
func (c *Card) decodeGeometry(warn *pkg.Warning) {
	if c.typ == CardSDv2 && c.blockAddressed {
		c.totalSectors = c.csd.HighCapacitySectors()
	} else {
		c.totalSectors = c.csd.LegacySectors()
	}

	c.busSpeed = c.csd.MaxBusSpeed()
	c.freqIndex = SelectFrequency(c.cfg.Frequencies, c.busSpeed)
	if err := c.ctrl.SetFrequency(c.freqIndex); err != nil {
		pkg.LogWarn(pkg.ComponentCard, "bus frequency change failed",
			"name", c.cfg.Name, "index", c.freqIndex, "error", err)
		warn.Add(fmt.Errorf("%w: frequency: %w", pkg.ErrCommandFailed, err))
		c.freqIndex = 0
	}
}

// SelectFrequency returns the index of the highest entry of the ascending
// table not exceeding busSpeed. When every entry is faster than the card,
// the lowest entry (index 0) is used.
func SelectFrequency(table []uint32, busSpeed uint32) int {
	index := 0
	for i, f := range table {
		if f > busSpeed {
			break
		}
		index = i
	}
	return index
}
