// Package sdmmc implements the protocol core of an SD/MMC block-storage
// driver.
//
// It is platform-agnostic and reaches the hardware only through the
// [hal.Controller] interface defined in github.com/ardnew/softmmc/hal.
//
// # Architecture
//
// The core is organized into four parts:
//
//   - Card runs the insertion state machine and owns per-card protocol
//     state: type, relative address, OCR/CID/CSD, speed and capacity
//   - Partition parses the boot sector into at most four records
//   - Device is a logical block device (whole card or one partition) and
//     the entry point of the block transfer engine
//   - Registry tracks attached cards and their devices behind stable,
//     generation-checked handles
//
// # Insertion
//
// Insertion walks Idle, VoltageCheck, OperationCondition, Ready,
// Identification, RelativeAddressAssigned, Standby, Selected and
// Configured. SD 2.0 cards are recognized by their SEND_IF_COND echo; older
// cards are told apart by whether they accept ACMD41. The power-up poll and
// every card-ready poll are bounded by [Config] and end in pkg.ErrTimeout.
//
// Capacity comes from the CSD using one of two encodings: high capacity SD
// cards count 512 KiB units, everything else uses the legacy
// C_SIZE/C_SIZE_MULT/READ_BL_LEN product. High capacity cards are block
// addressed; the others take byte addresses.
//
// # Transfers
//
// Reads and writes are sector granular. A request is resolved against the
// device bounds, the card is polled until it reaches the transfer state,
// and single or multiple block commands are issued as appropriate.
// Multi-block writes send a block count hint first and wait for the card to
// finish programming before returning.
//
// # Example
//
//	reg := sdmmc.NewRegistry(0)
//	id, err := reg.Attach(ctrl, sdmmc.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if err := reg.Insert(ctx, id); err != nil && !pkg.IsWarning(err) {
//	    return err
//	}
//
//	buf := make([]byte, sdmmc.SectorSize)
//	part, _ := reg.Lookup("mmc0p1")
//	n, err := reg.Read(ctx, part, buf, 0)
//
// A simulated card for testing is available in
// [github.com/ardnew/softmmc/hal/sim].
package sdmmc
