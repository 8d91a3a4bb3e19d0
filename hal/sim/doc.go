// Package sim provides a simulated SD/MMC card behind a [hal.Controller].
//
// A [Card] plays both sides of the bus: it accepts commands the way a host
// controller would and answers them the way a card in the matching state
// would. Block data lives in a [media.Media], so a memory buffer or a disk
// image can be "inserted".
//
// # Card Kinds
//
//   - [KindMMC]: answers CMD1, takes its relative address from CMD3, byte
//     addressed, stops multi-block writes after a CMD23 block count
//   - [KindSDv1]: ignores CMD8, answers ACMD41, byte addressed
//   - [KindSDv2]: echoes CMD8, standard capacity, byte addressed
//   - [KindSDHC]: echoes CMD8, sets CCS, block addressed with a version 2 CSD
//
// The CSD is generated from the media size. Standard capacity cards use the
// smallest C_SIZE_MULT and READ_BL_LEN that fit, so [Card.Sectors] may be
// slightly smaller than the media.
//
// # Fault Injection
//
// [Options] can delay power-up, keep the card from ever reaching the
// transfer state, hold it in programming after writes, fail commands at the
// transport level, force error bits into R1 responses, refuse the 4-bit bus,
// and break block moves part way through.
//
// # Recording
//
// Every command, clock change, bus width change and block move is recorded
// as an [Event]. Tests use [Card.Count] and [Card.Transfers] to check the
// exact command traffic of a transfer.
//
// # Usage
//
//	m := media.NewMemory(8192)
//	card, err := sim.New(m, sim.Options{Kind: sim.KindSDHC})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	reg := sdmmc.NewRegistry(0)
//	id, err := reg.Attach(card, sdmmc.DefaultConfig())
package sim
