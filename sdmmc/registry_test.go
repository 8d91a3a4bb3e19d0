package sdmmc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ardnew/softmmc/hal/sim"
	"github.com/ardnew/softmmc/media"
	"github.com/ardnew/softmmc/pkg"
)

// partitionedMedia returns 4096 sectors with partitions in slots 0 and 2.
func partitionedMedia(t *testing.T) *media.Memory {
	t.Helper()
	m := media.NewMemory(4096)
	mbr := make([]byte, SectorSize)
	putPartition(mbr, 0, 0x80, 0x0C, 64, 1024)
	putPartition(mbr, 2, 0x00, 0x83, 2048, 512)
	binary.LittleEndian.PutUint16(mbr[bootSignatureOffset:], bootSignature)
	if err := m.WriteSectors(0, mbr); err != nil {
		t.Fatal(err)
	}
	return m
}

// attach binds a simulated card over m to a registry slot named name.
func attach(t *testing.T, r *Registry, m media.Media, name string, opts sim.Options) (DeviceID, *sim.Card) {
	t.Helper()
	s, err := sim.New(m, opts)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Name = name
	id, err := r.Attach(s, cfg)
	if err != nil {
		t.Fatalf("Attach(%q) error = %v", name, err)
	}
	return id, s
}

func TestDeviceID(t *testing.T) {
	id := makeDeviceID(3, 2, 7)
	if id.Slot() != 3 || id.Part() != 2 || id.gen() != 7 {
		t.Errorf("makeDeviceID(3, 2, 7) = slot %d part %d gen %d", id.Slot(), id.Part(), id.gen())
	}
	if got := id.String(); got != "dev(3.2#7)" {
		t.Errorf("String() = %q", got)
	}
	if nextGen(0xFFFF) != 1 {
		t.Errorf("nextGen(0xFFFF) = %d, want 1", nextGen(0xFFFF))
	}
}

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		capacity int
		want     int
	}{
		{0, MaxDevices},
		{-1, MaxDevices},
		{2, 2},
		{1000, 0xFF},
	}
	for _, tt := range tests {
		if got := NewRegistry(tt.capacity).Capacity(); got != tt.want {
			t.Errorf("NewRegistry(%d).Capacity() = %d, want %d", tt.capacity, got, tt.want)
		}
	}
}

func TestRegistry_AttachCapacity(t *testing.T) {
	r := NewRegistry(2)
	attach(t, r, media.NewMemory(64), "a", sim.Options{})
	attach(t, r, media.NewMemory(64), "b", sim.Options{})

	s, err := sim.New(media.NewMemory(64), sim.Options{})
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Name = "c"
	if _, err := r.Attach(s, cfg); !errors.Is(err, pkg.ErrNoSlot) {
		t.Errorf("Attach() on full registry error = %v, want ErrNoSlot", err)
	}
	if n := len(r.Devices()); n != 2 {
		t.Errorf("Devices() = %d, want 2", n)
	}
}

func TestRegistry_AttachErrors(t *testing.T) {
	r := NewRegistry(0)
	attach(t, r, media.NewMemory(64), "mmc0", sim.Options{})

	s, err := sim.New(media.NewMemory(64), sim.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Attach(s, testConfig()); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Attach(duplicate name) error = %v, want ErrInvalidParameter", err)
	}
	if _, err := r.Attach(nil, DefaultConfig()); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Attach(nil) error = %v, want ErrInvalidParameter", err)
	}
}

func TestRegistry_InsertCreatesPartitions(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(0)
	id, _ := attach(t, r, partitionedMedia(t), "mmc0", sim.Options{Kind: sim.KindSDHC})

	if err := r.Insert(ctx, id); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	devs := r.Devices()
	var names []string
	for _, d := range devs {
		names = append(names, d.Name())
	}
	if got := strings.Join(names, ","); got != "mmc0,mmc0p1,mmc0p3" {
		t.Fatalf("Devices() = %s, want mmc0,mmc0p1,mmc0p3", got)
	}

	p3, err := r.Lookup("mmc0p3")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if p3.Slot() != id.Slot() || p3.Part() != 3 {
		t.Errorf("Lookup(mmc0p3) = %v", p3)
	}
	dev, err := r.Device(p3)
	if err != nil {
		t.Fatal(err)
	}
	part, ok := dev.Partition()
	if !ok || part.Start != 2048 || part.Count != 512 {
		t.Errorf("Partition() = %+v, %v", part, ok)
	}
	if !dev.IsPartition() || dev.StartSector() != 2048 || dev.SectorCount() != 512 || dev.Size() != 512*SectorSize {
		t.Errorf("partition geometry = %d+%d (%d bytes)", dev.StartSector(), dev.SectorCount(), dev.Size())
	}
	if dev.Card() == nil || dev.ID() != p3 {
		t.Error("partition device not bound to its card")
	}

	raw, err := r.Device(id)
	if err != nil {
		t.Fatal(err)
	}
	if raw.IsPartition() || raw.SectorCount() != 4096 {
		t.Errorf("raw device = %v", raw)
	}
	if _, ok := raw.Partition(); ok {
		t.Error("raw device reports a partition")
	}
}

func TestRegistry_PartitionTransfers(t *testing.T) {
	ctx := context.Background()
	m := partitionedMedia(t)
	r := NewRegistry(0)
	id, s := attach(t, r, m, "mmc0", sim.Options{Kind: sim.KindSDv2})
	if err := r.Insert(ctx, id); err != nil {
		t.Fatal(err)
	}
	p1, err := r.Lookup("mmc0p1")
	if err != nil {
		t.Fatal(err)
	}

	// Device sectors are relative to the partition start.
	out := pattern(2, 3)
	if n, err := r.Write(ctx, p1, out, 5); err != nil || n != len(out) {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if raw := m.Bytes()[(64+5)*SectorSize : (64+7)*SectorSize]; !bytes.Equal(raw, out) {
		t.Error("partition write landed at the wrong offset")
	}
	in := make([]byte, len(out))
	if n, err := r.Read(ctx, id, in, 64+5); err != nil || n != len(in) || !bytes.Equal(in, out) {
		t.Errorf("raw Read() = %d, %v, equal %v", n, err, bytes.Equal(in, out))
	}

	// The first sector past the partition is out of range and never reaches
	// the controller.
	s.ResetEvents()
	n, err := r.Read(ctx, p1, make([]byte, SectorSize), 1024)
	if !errors.Is(err, pkg.ErrOutOfRange) || n != 0 {
		t.Errorf("Read(count) = %d, %v, want 0, ErrOutOfRange", n, err)
	}
	if rx, tx := s.Transfers(); rx != 0 || tx != 0 || len(s.Commands()) != 0 {
		t.Errorf("controller used for an out of range request")
	}

	// The last sector is addressable.
	if _, err := r.Read(ctx, p1, make([]byte, SectorSize), 1023); err != nil {
		t.Errorf("Read(last) error = %v", err)
	}
}

func TestRegistry_PartitionBeyondCard(t *testing.T) {
	ctx := context.Background()
	m := media.NewMemory(4096)
	mbr := make([]byte, SectorSize)
	putPartition(mbr, 0, 0, 0x83, 4000, 1000)
	if err := m.WriteSectors(0, mbr); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(0)
	id, s := attach(t, r, m, "mmc0", sim.Options{Kind: sim.KindSDHC})
	if err := r.Insert(ctx, id); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	p1, err := r.Lookup("mmc0p1")
	if err != nil {
		t.Fatal(err)
	}

	s.ResetEvents()
	if _, err := r.Read(ctx, p1, make([]byte, SectorSize), 95); err != nil {
		t.Errorf("Read(inside card) error = %v", err)
	}
	if _, err := r.Read(ctx, p1, make([]byte, SectorSize), 96); !errors.Is(err, pkg.ErrOutOfRange) {
		t.Errorf("Read(past card) error = %v, want ErrOutOfRange", err)
	}
}

func TestRegistry_RemoveDestroysPartitions(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(0)
	id, _ := attach(t, r, partitionedMedia(t), "mmc0", sim.Options{Kind: sim.KindMMC})
	if err := r.Insert(ctx, id); err != nil {
		t.Fatal(err)
	}
	oldP1, err := r.Lookup("mmc0p1")
	if err != nil {
		t.Fatal(err)
	}
	oldDev, err := r.Device(oldP1)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Remove(id); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := r.Device(oldP1); !errors.Is(err, pkg.ErrDeviceNotFound) {
		t.Errorf("Device(old partition) error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := oldDev.read(ctx, make([]byte, SectorSize), 0); !errors.Is(err, pkg.ErrDeviceNotFound) {
		t.Errorf("stale device read error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := r.Lookup("mmc0p1"); !errors.Is(err, pkg.ErrDeviceNotFound) {
		t.Errorf("Lookup(mmc0p1) error = %v, want ErrDeviceNotFound", err)
	}

	// The raw device survives but refuses transfers until reinserted.
	if _, err := r.Read(ctx, id, make([]byte, SectorSize), 0); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("Read(raw) after Remove error = %v, want ErrNotConfigured", err)
	}

	if err := r.Insert(ctx, id); err != nil {
		t.Fatalf("re-Insert() error = %v", err)
	}
	newP1, err := r.Lookup("mmc0p1")
	if err != nil {
		t.Fatal(err)
	}
	if newP1 == oldP1 {
		t.Error("reinsertion reused a partition handle")
	}
	if _, err := r.Read(ctx, oldP1, make([]byte, SectorSize), 0); !errors.Is(err, pkg.ErrDeviceNotFound) {
		t.Errorf("Read(old handle) error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := r.Read(ctx, newP1, make([]byte, SectorSize), 0); err != nil {
		t.Errorf("Read(new handle) error = %v", err)
	}
}

func TestRegistry_DetachReusesSlot(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(1)
	id, _ := attach(t, r, partitionedMedia(t), "mmc0", sim.Options{Kind: sim.KindSDHC})
	if err := r.Insert(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := r.Detach(id); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if len(r.Devices()) != 0 {
		t.Errorf("Devices() = %v after Detach", r.Devices())
	}
	if err := r.Detach(id); !errors.Is(err, pkg.ErrDeviceNotFound) {
		t.Errorf("second Detach() error = %v, want ErrDeviceNotFound", err)
	}

	id2, _ := attach(t, r, media.NewMemory(64), "mmc0", sim.Options{})
	if id2.Slot() != id.Slot() {
		t.Errorf("slot = %d, want reuse of %d", id2.Slot(), id.Slot())
	}
	if id2 == id {
		t.Error("reattached device reused a stale handle")
	}
	if _, err := r.Device(id); !errors.Is(err, pkg.ErrDeviceNotFound) {
		t.Errorf("Device(stale) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_InvalidHandles(t *testing.T) {
	r := NewRegistry(2)
	for _, id := range []DeviceID{0, makeDeviceID(1, 0, 1), makeDeviceID(9, 0, 1), makeDeviceID(0, 7, 1)} {
		if _, err := r.Device(id); !errors.Is(err, pkg.ErrDeviceNotFound) {
			t.Errorf("Device(%v) error = %v, want ErrDeviceNotFound", id, err)
		}
		if err := r.Insert(context.Background(), id); !errors.Is(err, pkg.ErrDeviceNotFound) {
			t.Errorf("Insert(%v) error = %v, want ErrDeviceNotFound", id, err)
		}
		if err := r.Remove(id); !errors.Is(err, pkg.ErrDeviceNotFound) {
			t.Errorf("Remove(%v) error = %v, want ErrDeviceNotFound", id, err)
		}
	}
}

func TestRegistry_InsertFailureCreatesNothing(t *testing.T) {
	r := NewRegistry(0)
	id, _ := attach(t, r, partitionedMedia(t), "mmc0", sim.Options{Kind: sim.KindSDv2, NeverPowerUp: true})
	var created []string
	r.SetOnDeviceCreate(func(d *Device) { created = append(created, d.Name()) })

	if err := r.Insert(context.Background(), id); !errors.Is(err, pkg.ErrProtocol) {
		t.Fatalf("Insert() error = %v, want ErrProtocol", err)
	}
	if len(created) != 0 || len(r.Devices()) != 1 {
		t.Errorf("devices created after failed insertion: %v", created)
	}
}

func TestRegistry_Hooks(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(0)

	var mu sync.Mutex
	var events []string
	r.SetOnDeviceCreate(func(d *Device) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, "+"+d.Name())
	})
	r.SetOnDeviceRemove(func(d *Device) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, "-"+d.Name())
	})

	id, _ := attach(t, r, partitionedMedia(t), "mmc0", sim.Options{Kind: sim.KindSDHC})
	if err := r.Insert(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := r.Remove(id); err != nil {
		t.Fatal(err)
	}
	if err := r.Detach(id); err != nil {
		t.Fatal(err)
	}

	want := "+mmc0 +mmc0p1 +mmc0p3 -mmc0p1 -mmc0p3 -mmc0"
	if got := strings.Join(events, " "); got != want {
		t.Errorf("events = %q, want %q", got, want)
	}
}

func TestRegistry_InsertAll(t *testing.T) {
	r := NewRegistry(0)
	var sims []*sim.Card
	for i, kind := range []sim.Kind{sim.KindMMC, sim.KindSDv1, sim.KindSDHC} {
		_, s := attach(t, r, partitionedMedia(t), fmt.Sprintf("mmc%d", i), sim.Options{Kind: kind})
		sims = append(sims, s)
	}
	attach(t, r, media.NewMemory(4096), "bad", sim.Options{Kind: sim.KindSDv2, NeverPowerUp: true})

	err := r.InsertAll(context.Background())
	if !errors.Is(err, pkg.ErrProtocol) {
		t.Errorf("InsertAll() error = %v, want ErrProtocol", err)
	}

	// The failing card does not keep the others from enumerating.
	for i := range sims {
		for _, name := range []string{"mmc%d", "mmc%dp1", "mmc%dp3"} {
			if _, err := r.Lookup(fmt.Sprintf(name, i)); err != nil {
				t.Errorf("Lookup(%s) error = %v", fmt.Sprintf(name, i), err)
			}
		}
	}
	if n := len(r.Devices()); n != 10 {
		t.Errorf("Devices() = %d, want 10", n)
	}

	// Configured cards are skipped on a second pass.
	for _, s := range sims {
		s.ResetEvents()
	}
	_ = r.InsertAll(context.Background())
	for i, s := range sims {
		if n := len(s.Commands()); n != 0 {
			t.Errorf("card %d saw %d commands on second InsertAll", i, n)
		}
	}
}

func TestRegistry_InsertWarning(t *testing.T) {
	r := NewRegistry(0)
	id, _ := attach(t, r, partitionedMedia(t), "mmc0", sim.Options{Kind: sim.KindSDv2, NarrowBus: true})
	err := r.Insert(context.Background(), id)
	if !pkg.IsWarning(err) {
		t.Fatalf("Insert() error = %v, want warning", err)
	}
	if _, err := r.Lookup("mmc0p3"); err != nil {
		t.Errorf("partitions missing after warning: %v", err)
	}
}

func TestRegistry_ConcurrentTransfers(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(0)
	id, _ := attach(t, r, partitionedMedia(t), "mmc0", sim.Options{Kind: sim.KindSDHC, ProgramPolls: 1})
	if err := r.Insert(ctx, id); err != nil {
		t.Fatal(err)
	}
	p1, _ := r.Lookup("mmc0p1")
	p3, _ := r.Lookup("mmc0p3")

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dev := p1
			if i%2 == 1 {
				dev = p3
			}
			out := pattern(2, byte(i))
			sector := uint32(i * 2)
			if _, err := r.Write(ctx, dev, out, sector); err != nil {
				errs <- err
				return
			}
			in := make([]byte, len(out))
			if _, err := r.Read(ctx, dev, in, sector); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(in, out) {
				errs <- fmt.Errorf("worker %d: data mismatch", i)
			}
		}()
	}

	// Teardown waits for in-flight transfers.
	wg.Wait()
	if err := r.Remove(id); err != nil {
		t.Fatal(err)
	}
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRegistry_TransferDuringRemove(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(0)
	id, _ := attach(t, r, partitionedMedia(t), "mmc0", sim.Options{Kind: sim.KindSDHC})
	if err := r.Insert(ctx, id); err != nil {
		t.Fatal(err)
	}
	want := pattern(2, 0x5A)
	if _, err := r.Write(ctx, id, want, 100); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 80)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				in := make([]byte, len(want))
				n, err := r.Read(ctx, id, in, 100)
				switch {
				case errors.Is(err, pkg.ErrNotConfigured):
				case err != nil:
					errs <- fmt.Errorf("reader %d: %w", i, err)
				case n != len(want) || !bytes.Equal(in, want):
					errs <- fmt.Errorf("reader %d: torn read of %d bytes", i, n)
				}
			}
		}()
	}

	// The raw handle survives Remove, so readers see either a whole
	// transfer or an unconfigured card, never a teardown in progress.
	for i := 0; i < 10; i++ {
		if err := r.Remove(id); err != nil {
			t.Fatal(err)
		}
		if err := r.Insert(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestDevice_String(t *testing.T) {
	r := NewRegistry(0)
	id, _ := attach(t, r, partitionedMedia(t), "mmc0", sim.Options{Kind: sim.KindSDHC})
	if err := r.Insert(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	raw, _ := r.Device(id)
	if got := raw.String(); got != "mmc0: card, 4096 sectors" {
		t.Errorf("String() = %q", got)
	}
	p1, _ := r.Lookup("mmc0p1")
	dev, _ := r.Device(p1)
	if got := dev.String(); got != "mmc0p1: partition 1 type 0x0c, start 64, 1024 sectors" {
		t.Errorf("String() = %q", got)
	}
}

func TestDevice_InvalidBuffer(t *testing.T) {
	r := NewRegistry(0)
	id, s := attach(t, r, media.NewMemory(4096), "mmc0", sim.Options{Kind: sim.KindSDHC})
	if err := r.Insert(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	s.ResetEvents()
	if _, err := r.Write(context.Background(), id, make([]byte, 10), 0); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Write(10 bytes) error = %v, want ErrInvalidParameter", err)
	}
	if len(s.Events()) != 0 {
		t.Error("controller used for an invalid buffer")
	}
}
