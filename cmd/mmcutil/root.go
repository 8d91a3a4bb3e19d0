package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ardnew/softmmc/hal/sim"
	"github.com/ardnew/softmmc/media"
	"github.com/ardnew/softmmc/pkg"
	"github.com/ardnew/softmmc/sdmmc"
)

// options holds the persistent flag values shared by every subcommand.
type options struct {
	configPath string
	card       string
	logLevel   string
	logJSON    bool

	cfg sdmmc.Config
}

// newRootCommand builds the command tree.
func newRootCommand() *cobra.Command {
	opts := &options{cfg: sdmmc.DefaultConfig()}

	root := &cobra.Command{
		Use:   "mmcutil",
		Short: "Probe, read and write disk images through the SD/MMC driver core",
		Long: `mmcutil inserts a disk image into a simulated SD or MMC card and runs
the driver core against it: card identification, capacity and speed
decoding, partition discovery and sector transfers.

Examples:
  mmcutil probe disk.img
  mmcutil probe --card mmc --data-bits 1 disk.img
  mmcutil read disk.img mmc0p1 0 2
  mmcutil write disk.img mmc0 2048 payload.bin
  mmcutil config --config slot.yaml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.setupLogging(cmd.ErrOrStderr()); err != nil {
				return err
			}
			return opts.loadConfig(cmd.Flags())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML slot configuration file")
	pf.StringVar(&opts.card, "card", sim.KindSDHC.String(), "simulated card kind (mmc, sdv1, sdv2, sdhc)")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	pf.BoolVar(&opts.logJSON, "log-json", false, "emit JSON log lines")
	pf.AddFlagSet(configFlags(&opts.cfg))

	root.AddCommand(
		newProbeCommand(opts),
		newReadCommand(opts),
		newWriteCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// configFlags binds the slot configuration fields to a flag set.
func configFlags(cfg *sdmmc.Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.StringVar(&cfg.Name, "name", cfg.Name, "raw card device name; partitions get p1..p4")
	fs.Var((*frequencyList)(&cfg.Frequencies), "frequencies", "ascending controller clock table in kHz")
	fs.IntVar(&cfg.DataBits, "data-bits", cfg.DataBits, "widest data bus wired to the slot (1, 4, 8)")
	fs.IntVar(&cfg.OpCondAttempts, "op-cond-attempts", cfg.OpCondAttempts, "power-up poll budget")
	fs.IntVar(&cfg.ReadyAttempts, "ready-attempts", cfg.ReadyAttempts, "card ready poll budget")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "pause between poll attempts")
	return fs
}

// frequencyList is a pflag.Value for a comma separated kHz table.
type frequencyList []uint32

func (f *frequencyList) String() string {
	parts := make([]string, len(*f))
	for i, v := range *f {
		parts[i] = strconv.FormatUint(uint64(v), 10)
	}
	return strings.Join(parts, ",")
}

func (f *frequencyList) Set(s string) error {
	var table []uint32
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
		if err != nil {
			return fmt.Errorf("frequency %q: %w", field, err)
		}
		table = append(table, uint32(v))
	}
	*f = table
	return nil
}

func (f *frequencyList) Type() string {
	return "kHz,..."
}

// setupLogging points the driver logger at w.
func (o *options) setupLogging(w io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("%w: log level %q", pkg.ErrInvalidParameter, o.logLevel)
	}
	pkg.SetLogLevel(level)
	format := pkg.LogFormatText
	if o.logJSON {
		format = pkg.LogFormatJSON
	}
	pkg.SetLogOutput(w, format)
	return nil
}

// loadConfig seeds the configuration from --config, then reapplies every
// configuration flag given on the command line.
func (o *options) loadConfig(flags *pflag.FlagSet) error {
	if o.configPath == "" {
		return o.cfg.Validate()
	}
	cfg, err := sdmmc.LoadConfig(o.configPath)
	if err != nil {
		return err
	}

	overlay := configFlags(&cfg)
	var setErr error
	overlay.VisitAll(func(f *pflag.Flag) {
		src := flags.Lookup(f.Name)
		if setErr != nil || src == nil || !src.Changed {
			return
		}
		setErr = overlay.Set(f.Name, src.Value.String())
	})
	if setErr != nil {
		return setErr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// session is one inserted disk image.
type session struct {
	file *media.File
	card *sim.Card
	reg  *sdmmc.Registry
	id   sdmmc.DeviceID
}

// open inserts the image at path into a simulated card and enumerates it.
// Insertion warnings are reported on warn and do not fail the session.
func (o *options) open(ctx context.Context, path string, readOnly bool, warn io.Writer) (*session, error) {
	kind, err := sim.ParseKind(o.card)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pkg.ErrInvalidParameter, err)
	}
	file, err := media.OpenFile(path, readOnly)
	if err != nil {
		return nil, err
	}
	card, err := sim.New(file, sim.Options{Kind: kind})
	if err != nil {
		file.Close()
		return nil, err
	}

	reg := sdmmc.NewRegistry(1)
	id, err := reg.Attach(card, o.cfg)
	if err != nil {
		file.Close()
		return nil, err
	}
	if err := reg.Insert(ctx, id); err != nil {
		if !pkg.IsWarning(err) {
			file.Close()
			return nil, err
		}
		fmt.Fprintf(warn, "warning: %v\n", err)
	}
	return &session{file: file, card: card, reg: reg, id: id}, nil
}

// device resolves a device name of the session to its handle and geometry.
func (s *session) device(name string) (sdmmc.DeviceID, *sdmmc.Device, error) {
	id, err := s.reg.Lookup(name)
	if err != nil {
		return 0, nil, err
	}
	dev, err := s.reg.Device(id)
	if err != nil {
		return 0, nil, err
	}
	return id, dev, nil
}

// checkSpan rejects a transfer of count sectors that does not fit dev.
func checkSpan(dev *sdmmc.Device, sector, count uint32) error {
	if uint64(sector)+uint64(count) > uint64(dev.SectorCount()) {
		return fmt.Errorf("%w: %s sectors %d+%d beyond %d",
			pkg.ErrOutOfRange, dev.Name(), sector, count, dev.SectorCount())
	}
	return nil
}

// Close detaches the card and flushes the image.
func (s *session) Close() error {
	detachErr := s.reg.Detach(s.id)
	syncErr := s.card.Sync()
	closeErr := s.file.Close()
	return errors.Join(detachErr, syncErr, closeErr)
}

// parseSector parses a sector number in decimal, hex (0x) or octal (0).
func parseSector(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: sector %q", pkg.ErrInvalidParameter, s)
	}
	return uint32(v), nil
}
