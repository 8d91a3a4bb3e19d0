// Command mmcutil drives the SD/MMC driver core against a disk image.
//
// The image is inserted into a simulated card of the selected kind, which is
// attached to a one-slot registry and enumerated exactly as a physical card
// would be. The partition table of the image becomes partition devices.
//
// Usage:
//
//	mmcutil probe disk.img
//	mmcutil read disk.img mmc0p1 0 4
//	mmcutil write disk.img mmc0 2048 payload.bin
//	mmcutil config --data-bits 1
//
// Persistent flags:
//
//	--config path        YAML slot configuration; explicit flags win
//	--card kind          simulated card: mmc, sdv1, sdv2 or sdhc (default sdhc)
//	--log-level level    debug, info, warn or error (default warn)
//	--log-json           JSON log lines on stderr
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information (injected at build time).
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	root.Version = fmt.Sprintf("%s (%s)", Version, GitCommit)
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
