// Package media provides sector-addressed backing stores for the simulated
// SD/MMC card in [github.com/ardnew/softmmc/hal/sim].
//
// Two implementations of [Media] are provided: [Memory], a byte slice, and
// [File], a raw disk image such as one produced by dd from a real card.
package media
