package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ardnew/softmmc/pkg"
	"github.com/ardnew/softmmc/sdmmc"
)

const imageSectors = 4096

// writeImage creates a disk image with one Linux partition at sector 2048.
func writeImage(t *testing.T) string {
	t.Helper()
	img := make([]byte, imageSectors*sdmmc.SectorSize)
	rec := img[446:]
	rec[4] = 0x83
	binary.LittleEndian.PutUint32(rec[8:], 2048)
	binary.LittleEndian.PutUint32(rec[12:], 1024)
	img[510], img[511] = 0x55, 0xAA

	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes the command tree and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { pkg.SetLogOutput(os.Stderr, pkg.LogFormatText) })

	var stdout, stderr bytes.Buffer
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.Execute()
	return stdout.String(), err
}

func TestProbe(t *testing.T) {
	path := writeImage(t)

	tests := []struct {
		card string
		want []string
	}{
		{"sdhc", []string{"Type:        SDv2", "Addressing:  block", "Sectors:     4096 (2 MiB)"}},
		{"sdv1", []string{"Type:        SDv1", "Addressing:  byte"}},
		{"mmc", []string{"Type:        MMC", "Product:     SIMMMC"}},
	}
	for _, tt := range tests {
		t.Run(tt.card, func(t *testing.T) {
			out, err := run(t, "probe", "--card", tt.card, path)
			if err != nil {
				t.Fatalf("probe error = %v", err)
			}
			want := append(tt.want,
				"mmc0: card, 4096 sectors",
				"mmc0p1: partition 1 type 0x83, start 2048, 1024 sectors")
			for _, w := range want {
				if !strings.Contains(out, w) {
					t.Errorf("probe output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestProbe_Errors(t *testing.T) {
	path := writeImage(t)

	if _, err := run(t, "probe", "--card", "xd", path); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("unknown card error = %v, want ErrInvalidParameter", err)
	}
	if _, err := run(t, "probe", filepath.Join(t.TempDir(), "missing.img")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing image error = %v, want os.ErrNotExist", err)
	}
	if _, err := run(t, "probe", "--log-level", "loud", path); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("bad log level error = %v, want ErrInvalidParameter", err)
	}
}

func TestWriteRead(t *testing.T) {
	path := writeImage(t)
	payload := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(payload, []byte("hello, card"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "write", path, "mmc0p1", "1", payload)
	if err != nil {
		t.Fatalf("write error = %v", err)
	}
	if !strings.Contains(out, "wrote 512 bytes (1 sectors) at sector 1") {
		t.Errorf("write output = %q", out)
	}

	// Partition sector 1 is card sector 2049.
	img, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	off := 2049 * sdmmc.SectorSize
	if got := string(img[off : off+11]); got != "hello, card" {
		t.Errorf("image at sector 2049 = %q", got)
	}

	out, err = run(t, "read", "--format", "raw", path, "mmc0", "0x801")
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	if len(out) != sdmmc.SectorSize {
		t.Fatalf("read %d bytes, want %d", len(out), sdmmc.SectorSize)
	}
	if !strings.HasPrefix(out, "hello, card\x00") {
		t.Errorf("read data = %q", out[:16])
	}

	out, err = run(t, "read", "--format", "hex", path, "mmc0p1", "1")
	if err != nil {
		t.Fatalf("read hex error = %v", err)
	}
	if !strings.HasPrefix(out, "00000000  68 65 6c 6c 6f") {
		t.Errorf("hex dump = %q", out)
	}
}

func TestRead_Errors(t *testing.T) {
	path := writeImage(t)

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"unknown device", []string{"read", path, "mmc0p2", "0"}, pkg.ErrDeviceNotFound},
		{"bad sector", []string{"read", path, "mmc0", "x"}, pkg.ErrInvalidParameter},
		{"zero count", []string{"read", path, "mmc0", "0", "0"}, pkg.ErrInvalidParameter},
		{"beyond partition", []string{"read", path, "mmc0p1", "1024"}, pkg.ErrOutOfRange},
		{"huge count", []string{"read", path, "mmc0", "0", "0xFFFFFFFF"}, pkg.ErrOutOfRange},
		{"count past end", []string{"read", path, "mmc0p1", "1000", "25"}, pkg.ErrOutOfRange},
		{"bad format", []string{"read", "--format", "octal", path, "mmc0", "0"}, pkg.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, tt.args...); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConfigPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "slot.yaml")
	if err := os.WriteFile(file, []byte("name: sd7\ndata_bits: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"defaults", []string{"config"}, []string{"name: mmc0", "data_bits: 4"}},
		{"flags", []string{"config", "--name", "sd3", "--frequencies", "400,25000"}, []string{"name: sd3", "- 25000"}},
		{"file", []string{"config", "--config", file}, []string{"name: sd7", "data_bits: 1"}},
		{"flag over file", []string{"config", "--config", file, "--data-bits", "8"}, []string{"name: sd7", "data_bits: 8"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			if err != nil {
				t.Fatalf("config error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("config output missing %q:\n%s", w, out)
				}
			}
		})
	}

	if _, err := run(t, "config", "--data-bits", "3"); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("invalid flag value error = %v, want ErrInvalidParameter", err)
	}
}

func TestFrequencyList(t *testing.T) {
	var f frequencyList
	if err := f.Set("400, 12500,25000"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := f.String(); got != "400,12500,25000" {
		t.Errorf("String() = %q", got)
	}
	if err := f.Set("400,fast"); err == nil {
		t.Error("Set(invalid) should fail")
	}
}
