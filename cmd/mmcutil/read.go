package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ardnew/softmmc/pkg"
	"github.com/ardnew/softmmc/sdmmc"
)

// Output formats of the read command.
const (
	formatAuto = "auto"
	formatHex  = "hex"
	formatRaw  = "raw"
)

func newReadCommand(opts *options) *cobra.Command {
	format := formatAuto
	cmd := &cobra.Command{
		Use:   "read <image> <device> <sector> [count]",
		Short: "Read sectors from a device",
		Long: `Read count sectors (default 1) starting at a device-relative sector.
Sectors accept decimal, 0x hex or 0 octal notation. With --format auto the
data is hex dumped on a terminal and written raw otherwise.`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			sector, err := parseSector(args[2])
			if err != nil {
				return err
			}
			count := uint32(1)
			if len(args) == 4 {
				if count, err = parseSector(args[3]); err != nil {
					return err
				}
				if count == 0 {
					return fmt.Errorf("%w: zero sector count", pkg.ErrInvalidParameter)
				}
			}

			s, err := opts.open(cmd.Context(), args[0], true, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			id, dev, err := s.device(args[1])
			if err != nil {
				return err
			}
			if err := checkSpan(dev, sector, count); err != nil {
				return err
			}
			buf := make([]byte, uint64(count)*sdmmc.SectorSize)
			n, err := s.reg.Read(cmd.Context(), id, buf, sector)
			if err != nil {
				if !pkg.IsWarning(err) {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return dump(cmd.OutOrStdout(), buf[:n], format)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatAuto, "output format (auto, hex, raw)")
	return cmd
}

// dump writes data to w in the requested format.
func dump(w io.Writer, data []byte, format string) error {
	if format == formatAuto {
		format = formatRaw
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = formatHex
		}
	}
	switch format {
	case formatHex:
		d := hex.Dumper(w)
		if _, err := d.Write(data); err != nil {
			return err
		}
		return d.Close()
	case formatRaw:
		_, err := w.Write(data)
		return err
	default:
		return fmt.Errorf("%w: format %q", pkg.ErrInvalidParameter, format)
	}
}
