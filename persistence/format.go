package persistence

import "errors"

const (
	// MagicNumber identifies snapshot files (ASCII "PXGO").
	MagicNumber = 0x5058474F

	// Version is the current snapshot format version.
	Version = 1

	// headerSize is the fixed byte size of FileHeader on disk.
	headerSize = 64

	// sectionAlign pads every section so the following one starts 8-aligned.
	sectionAlign = 8
)

// Compression selects the per-section payload compression.
type Compression uint32

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

var (
	// ErrCorruptFormat is returned when a snapshot fails structural
	// validation: bad magic, truncated sections or checksum mismatch.
	ErrCorruptFormat = errors.New("corrupt snapshot format")

	// ErrUnsupportedVersion is returned for snapshots written by an
	// incompatible format version.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")

	// ErrCompressedView is returned when a compressed snapshot is opened as
	// a memory-mapped view.
	ErrCompressedView = errors.New("compressed snapshot cannot be memory-mapped")
)

// FileHeader is the fixed 64-byte header at the start of every snapshot.
type FileHeader struct {
	Magic      uint32
	Version    uint32
	Flags      uint32 // Compression
	Metric     uint8
	Kind       uint8
	_          [2]byte
	Dimension  uint32
	M          uint32
	RangeMax   float32
	Slots      uint64
	EntryPoint uint32
	MaxLayer   int32
	_          [20]byte
}

// sectionHeader precedes every section body.
type sectionHeader struct {
	Raw    uint64 // uncompressed byte length
	Stored uint64 // bytes on disk, excluding alignment padding
}

func padLen(n uint64) int {
	return int((sectionAlign - n%sectionAlign) % sectionAlign)
}
