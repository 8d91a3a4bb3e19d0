package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ardnew/softmmc/pkg"
	"github.com/ardnew/softmmc/sdmmc"
)

func newWriteCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "write <image> <device> <sector> <file|->",
		Short: "Write a file to a device",
		Long: `Write the contents of file (or stdin for -) starting at a device-relative
sector. The data is zero padded to a whole number of sectors.`,
		Args: cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			sector, err := parseSector(args[2])
			if err != nil {
				return err
			}
			data, err := readInput(cmd.InOrStdin(), args[3])
			if err != nil {
				return err
			}
			if len(data) == 0 {
				return fmt.Errorf("%w: no data to write", pkg.ErrInvalidParameter)
			}
			if rem := len(data) % sdmmc.SectorSize; rem != 0 {
				data = append(data, make([]byte, sdmmc.SectorSize-rem)...)
			}

			s, err := opts.open(cmd.Context(), args[0], false, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			id, dev, err := s.device(args[1])
			if err != nil {
				s.Close()
				return err
			}
			n, err := s.reg.Write(cmd.Context(), id, data, sector)
			if err != nil && !pkg.IsWarning(err) {
				s.Close()
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			if err := s.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: wrote %d bytes (%d sectors) at sector %d\n",
				dev.Name(), n, n/sdmmc.SectorSize, sector)
			return nil
		},
	}
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}
