package media

import (
	"errors"
	"io"
	"os"
	"sync"
)

// SectorSize is the size of one addressable sector in bytes.
const SectorSize = 512

// Media errors.
var (
	ErrReadOnly      = errors.New("media is read-only")
	ErrOutOfBounds   = errors.New("sector range beyond end of media")
	ErrUnalignedSize = errors.New("buffer is not a whole number of sectors")
)

// Media is a sector-addressed backing store for a simulated card.
type Media interface {
	// SectorCount returns the number of 512-byte sectors.
	SectorCount() uint64

	// ReadSectors fills buf, a whole number of sectors, starting at lba.
	ReadSectors(lba uint64, buf []byte) error

	// WriteSectors stores buf, a whole number of sectors, starting at lba.
	WriteSectors(lba uint64, buf []byte) error

	// Sync flushes pending writes.
	Sync() error

	// ReadOnly reports whether writes are rejected.
	ReadOnly() bool
}

func checkRange(lba uint64, buf []byte, sectors uint64) error {
	if len(buf)%SectorSize != 0 {
		return ErrUnalignedSize
	}
	n := uint64(len(buf) / SectorSize)
	if lba > sectors || n > sectors-lba {
		return ErrOutOfBounds
	}
	return nil
}

// Memory is Media backed by a byte slice.
type Memory struct {
	data     []byte
	readOnly bool
	mutex    sync.RWMutex
}

// NewMemory creates zero-filled memory media holding sectors sectors.
func NewMemory(sectors uint64) *Memory {
	return &Memory{data: make([]byte, sectors*SectorSize)}
}

// NewMemoryFrom wraps data, truncated to a whole number of sectors.
func NewMemoryFrom(data []byte) *Memory {
	return &Memory{data: data[:len(data)-len(data)%SectorSize]}
}

// SectorCount returns the number of sectors.
func (m *Memory) SectorCount() uint64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return uint64(len(m.data)) / SectorSize
}

// ReadSectors copies sectors out of memory.
func (m *Memory) ReadSectors(lba uint64, buf []byte) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if err := checkRange(lba, buf, uint64(len(m.data))/SectorSize); err != nil {
		return err
	}
	copy(buf, m.data[lba*SectorSize:])
	return nil
}

// WriteSectors copies sectors into memory.
func (m *Memory) WriteSectors(lba uint64, buf []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.readOnly {
		return ErrReadOnly
	}
	if err := checkRange(lba, buf, uint64(len(m.data))/SectorSize); err != nil {
		return err
	}
	copy(m.data[lba*SectorSize:], buf)
	return nil
}

// Sync is a no-op for memory media.
func (m *Memory) Sync() error {
	return nil
}

// ReadOnly returns whether the media rejects writes.
func (m *Memory) ReadOnly() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.readOnly
}

// SetReadOnly sets the read-only flag.
func (m *Memory) SetReadOnly(readOnly bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readOnly = readOnly
}

// Bytes returns the underlying storage. The slice aliases the media.
func (m *Memory) Bytes() []byte {
	return m.data
}

// File is Media backed by a disk image.
type File struct {
	file     *os.File
	sectors  uint64
	readOnly bool
	mutex    sync.RWMutex
}

// OpenFile opens a disk image. A trailing partial sector is ignored.
func OpenFile(path string, readOnly bool) (*File, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &File{
		file:     file,
		sectors:  uint64(stat.Size()) / SectorSize,
		readOnly: readOnly,
	}, nil
}

// SectorCount returns the number of whole sectors in the image.
func (f *File) SectorCount() uint64 {
	return f.sectors
}

// ReadSectors reads sectors from the image.
func (f *File) ReadSectors(lba uint64, buf []byte) error {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	if f.file == nil {
		return os.ErrClosed
	}
	if err := checkRange(lba, buf, f.sectors); err != nil {
		return err
	}
	_, err := f.file.ReadAt(buf, int64(lba*SectorSize))
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// WriteSectors writes sectors to the image.
func (f *File) WriteSectors(lba uint64, buf []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return os.ErrClosed
	}
	if f.readOnly {
		return ErrReadOnly
	}
	if err := checkRange(lba, buf, f.sectors); err != nil {
		return err
	}
	_, err := f.file.WriteAt(buf, int64(lba*SectorSize))
	return err
}

// Sync flushes image writes to disk.
func (f *File) Sync() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil || f.readOnly {
		return nil
	}
	return f.file.Sync()
}

// ReadOnly returns whether the image was opened read-only.
func (f *File) ReadOnly() bool {
	return f.readOnly
}

// Close closes the image.
func (f *File) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}
