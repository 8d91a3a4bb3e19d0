package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ardnew/softmmc/sdmmc"
)

func newProbeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <image>",
		Short: "Enumerate the card and list its devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.open(cmd.Context(), args[0], true, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer s.Close()

			dev, err := s.reg.Device(s.id)
			if err != nil {
				return err
			}
			printCard(cmd.OutOrStdout(), dev.Card())
			fmt.Fprintln(cmd.OutOrStdout())
			for _, d := range s.reg.Devices() {
				fmt.Fprintln(cmd.OutOrStdout(), d)
			}
			return nil
		},
	}
}

func printCard(w io.Writer, c *sdmmc.Card) {
	mmc := c.Type() == sdmmc.CardMMC
	addressing := "byte"
	if c.BlockAddressed() {
		addressing = "block"
	}
	cid := c.CID()
	major, minor := cid.Revision(mmc)
	year, month := cid.ManufactureDate(mmc)

	fmt.Fprintf(w, "Card:        %s\n", c.Name())
	fmt.Fprintf(w, "Type:        %s\n", c.Type())
	fmt.Fprintf(w, "RCA:         %#04x\n", c.RCA())
	fmt.Fprintf(w, "Addressing:  %s\n", addressing)
	fmt.Fprintf(w, "Sectors:     %d (%d MiB)\n", c.TotalSectors(), uint64(c.TotalSectors())*sdmmc.SectorSize>>20)
	fmt.Fprintf(w, "Max speed:   %d kHz\n", c.BusSpeed())
	fmt.Fprintf(w, "Clock:       %d kHz (index %d)\n", c.Frequency(), c.FrequencyIndex())
	fmt.Fprintf(w, "Bus width:   %d-bit\n", c.BusWidth())
	fmt.Fprintf(w, "Product:     %s rev %d.%d\n", cid.ProductName(mmc), major, minor)
	fmt.Fprintf(w, "Serial:      %#08x\n", cid.Serial(mmc))
	fmt.Fprintf(w, "Date:        %04d-%02d\n", year, month)
}
