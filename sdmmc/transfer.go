package sdmmc

import (
	"context"
	"fmt"

	"github.com/ardnew/softmmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// waitReady polls SEND_STATUS until the card is in the transfer state.
func (c *Card) waitReady(ctx context.Context) error {
	return poll(ctx, "card ready", c.cfg.ReadyAttempts, c.cfg.PollInterval, func() (bool, error) {
		resp, err := c.send(ctx, hal.CmdSendStatus, c.argRCA(), hal.ResponseR1)
		if err != nil {
			return false, err
		}
		return hal.StatusState(resp.Word()) == hal.CardStateTran, nil
	})
}

// address converts an absolute sector into a command argument.
func (c *Card) address(sector uint32) uint32 {
	if c.blockAddressed {
		return sector
	}
	return sector << SectorShift
}

// stop ends a multi-block transfer.
func (c *Card) stop(ctx context.Context) error {
	_, err := c.sendChecked(ctx, hal.CmdStopTransmission, 0, hal.ResponseR1b, transferErrorMask)
	return err
}

// checkSpan validates a transfer of len(buf) bytes at an absolute sector.
func (c *Card) checkSpan(sector uint32, buf []byte) (int, error) {
	if len(buf) == 0 || len(buf)%SectorSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes is not a whole number of sectors", pkg.ErrInvalidParameter, len(buf))
	}
	if !c.Configured() {
		return 0, fmt.Errorf("%s: %w", c.cfg.Name, pkg.ErrNotConfigured)
	}
	count := len(buf) / SectorSize
	if uint64(sector)+uint64(count) > uint64(c.totalSectors) {
		return 0, fmt.Errorf("%w: sectors %d+%d beyond card end %d",
			pkg.ErrOutOfRange, sector, count, c.totalSectors)
	}
	if !c.blockAddressed && uint64(sector)+uint64(count) > MaxByteAddressedSectors {
		return 0, fmt.Errorf("%w: sectors %d+%d beyond byte addressing limit %d",
			pkg.ErrOutOfRange, sector, count, MaxByteAddressedSectors)
	}
	return count, nil
}

// readSectors reads len(buf)/SectorSize sectors starting at an absolute
// sector. On failure nothing is reported as transferred.
func (c *Card) readSectors(ctx context.Context, sector uint32, buf []byte) (int, error) {
	count, err := c.checkSpan(sector, buf)
	if err != nil {
		return 0, err
	}

	if err := c.waitReady(ctx); err != nil {
		return 0, err
	}

	cmd := hal.CmdReadSingleBlock
	if count > 1 {
		cmd = hal.CmdReadMultiBlock
	}
	if _, err := c.sendChecked(ctx, cmd, c.address(sector), hal.ResponseR1, transferErrorMask); err != nil {
		return 0, err
	}

	for i := 0; i < count; i++ {
		if err := c.ctrl.ReceiveBlock(ctx, buf[i*SectorSize:(i+1)*SectorSize]); err != nil {
			if count > 1 {
				_ = c.stop(ctx)
			}
			return 0, fmt.Errorf("%w: receive sector %d: %w", pkg.ErrCommandFailed, sector+uint32(i), err)
		}
	}

	// The stop response is advisory; the data has already arrived.
	if count > 1 {
		if err := c.stop(ctx); err != nil {
			pkg.LogWarn(pkg.ComponentTransfer, "stop after read failed",
				"name", c.cfg.Name, "sector", sector, "count", count, "error", err)
		}
	}

	pkg.LogDebug(pkg.ComponentTransfer, "read", "name", c.cfg.Name, "sector", sector, "count", count)
	return len(buf), nil
}

// writeSectors writes len(buf)/SectorSize sectors starting at an absolute
// sector and waits for the card to finish programming. A *pkg.Warning
// result means every sector was written.
func (c *Card) writeSectors(ctx context.Context, sector uint32, buf []byte) (int, error) {
	count, err := c.checkSpan(sector, buf)
	if err != nil {
		return 0, err
	}

	if err := c.waitReady(ctx); err != nil {
		return 0, err
	}

	warn := &pkg.Warning{Op: "write " + c.cfg.Name}
	cmd := hal.CmdWriteBlock
	needStop := false
	if count > 1 {
		cmd = hal.CmdWriteMultiBlock
		needStop = c.typ.IsSD()

		hint := hal.CmdSetBlockCount
		if c.typ.IsSD() {
			hint = hal.AppCmdSetWrBlkErase
		}
		if _, err := c.sendChecked(ctx, hint, uint32(count), hal.ResponseR1, transferErrorMask); err != nil {
			pkg.LogWarn(pkg.ComponentTransfer, "block count hint failed",
				"name", c.cfg.Name, "cmd", hint, "count", count, "error", err)
			warn.Add(err)
			// Without a count the card cannot end the transfer by itself.
			needStop = true
		}
	}

	if _, err := c.sendChecked(ctx, cmd, c.address(sector), hal.ResponseR1, transferErrorMask); err != nil {
		return 0, err
	}

	for i := 0; i < count; i++ {
		if err := c.ctrl.TransmitBlock(ctx, buf[i*SectorSize:(i+1)*SectorSize]); err != nil {
			if needStop {
				_ = c.stop(ctx)
			}
			return 0, fmt.Errorf("%w: transmit sector %d: %w", pkg.ErrCommandFailed, sector+uint32(i), err)
		}
	}

	if needStop {
		if err := c.stop(ctx); err != nil {
			pkg.LogWarn(pkg.ComponentTransfer, "stop after write failed",
				"name", c.cfg.Name, "sector", sector, "count", count, "error", err)
			warn.Add(err)
		}
	}

	// Programming continues after the last byte; wait it out.
	if err := c.waitReady(ctx); err != nil {
		return 0, err
	}

	pkg.LogDebug(pkg.ComponentTransfer, "write", "name", c.cfg.Name, "sector", sector, "count", count)
	return len(buf), warn.Err()
}
