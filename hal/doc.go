// Package hal defines the Host Controller Capability consumed by the
// softmmc driver core.
//
// The HAL is the boundary between the SD/MMC protocol logic in
// [github.com/ardnew/softmmc/sdmmc] and the controller hardware of a
// particular board. Board support packages implement [Controller]; the core
// never depends on a concrete controller.
//
// # Design Principles
//
// The HAL is designed to be:
//   - Minimal: five operations (command, frequency, bus width, block out,
//     block in)
//   - Generic: no register layouts or interrupt wiring leak through it
//   - Synchronous: every call completes before returning, so the core can
//     reason about command ordering without callbacks
//
// # Commands and Responses
//
// Commands are identified by [Command] values such as [CmdReadMultiBlock].
// Application-specific commands carry [AppCommand]; the controller is
// responsible for the CMD55 prefix. Responses come back as a [Response],
// most significant byte first, so an R1 card status is [Response.Word].
//
// # Implementing a Controller
//
//	type boardMMC struct {
//	    // controller registers
//	}
//
//	func (b *boardMMC) SendCommand(ctx context.Context, cmd hal.Command,
//	    arg uint32, kind hal.ResponseType) (hal.Response, error) {
//	    // write argument and command registers, wait for completion
//	}
//
//	// ... implement remaining Controller methods
//
// A simulated card for testing is available in
// [github.com/ardnew/softmmc/hal/sim].
package hal
