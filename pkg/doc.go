// Package pkg provides shared utilities for the softmmc SD/MMC driver core.
//
// This package contains functionality used by every layer of the driver:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for command, response, range and enumeration failures
//   - The [Warning] type for recoverable, non-fatal problems
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component tag:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentCard, "card configured", "sectors", n)
//
// # Errors
//
// Failures are reported as sentinel values wrapped with context:
//
//	if errors.Is(err, pkg.ErrTimeout) {
//	    // card never became ready
//	}
//
// A [*Warning] means the operation completed but something recoverable went
// wrong along the way, such as an ignored block-count hint:
//
//	n, err := reg.Write(ctx, id, buf, sector)
//	if err != nil && !pkg.IsWarning(err) {
//	    return err
//	}
package pkg
