package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/edsrzf/mmap-go"

	"github.com/proxigo/proxigo/distance"
	"github.com/proxigo/proxigo/hnsw"
	"github.com/proxigo/proxigo/quantize"
	"github.com/proxigo/proxigo/vectorstore"
)

// View is a read-only snapshot backed by a memory mapping. The vector section
// is used in place, so opening large snapshots costs page-cache residency
// rather than heap. Mutating operations on the contained graph fail with
// ErrReadOnly. Close unmaps the file; the snapshot must not be used after.
type View struct {
	*Snapshot

	mapped mmap.MMap
	file   *os.File
}

// Close unmaps the snapshot and closes the underlying file.
func (v *View) Close() error {
	if v.mapped != nil {
		if err := v.mapped.Unmap(); err != nil {
			_ = v.file.Close()
			return err
		}
		v.mapped = nil
	}
	if v.file != nil {
		err := v.file.Close()
		v.file = nil
		return err
	}
	return nil
}

// OpenView memory-maps the snapshot at path. Compressed snapshots cannot be
// mapped and return ErrCompressedView.
func OpenView(path string, optFns ...func(o *hnsw.Options)) (*View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	snap, err := parseMapped(mapped, optFns)
	if err != nil {
		_ = mapped.Unmap()
		_ = f.Close()
		return nil, err
	}

	return &View{Snapshot: snap, mapped: mapped, file: f}, nil
}

// parseMapped decodes a snapshot from mapped bytes, keeping the vector
// section zero-copy.
func parseMapped(data []byte, optFns []func(o *hnsw.Options)) (*Snapshot, error) {
	if len(data) < headerSize+4 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a snapshot", ErrCorruptFormat, len(data))
	}

	body, trailer := data[:len(data)-4], data[len(data)-4:]
	expected := binary.LittleEndian.Uint32(trailer)
	if actual := crc32.Checksum(body, crc32Table); actual != expected {
		return nil, fmt.Errorf("%w: checksum mismatch, expected 0x%08x got 0x%08x", ErrCorruptFormat, expected, actual)
	}

	var header FileHeader
	if err := binary.Read(bytes.NewReader(body[:headerSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFormat, err)
	}
	if header.Magic != MagicNumber {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptFormat, header.Magic)
	}
	if header.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, header.Version)
	}
	if Compression(header.Flags) != CompressionNone {
		return nil, ErrCompressedView
	}

	metric := distance.Metric(header.Metric)
	kind := quantize.Kind(header.Kind)
	dim := int(header.Dimension)
	if !metric.Valid() || !kind.Valid() || dim <= 0 {
		return nil, fmt.Errorf("%w: invalid metric/encoding/dimension", ErrCorruptFormat)
	}

	off := headerSize
	graphRaw, off, err := mappedSection(body, off)
	if err != nil {
		return nil, err
	}
	keysRaw, off, err := mappedSection(body, off)
	if err != nil {
		return nil, err
	}
	tombRaw, off, err := mappedSection(body, off)
	if err != nil {
		return nil, err
	}
	vecRaw, _, err := mappedSection(body, off)
	if err != nil {
		return nil, err
	}

	slots := int(header.Slots)
	stride := kind.CodeSize(dim)
	if len(vecRaw) != slots*stride {
		return nil, fmt.Errorf("%w: vector section holds %d bytes, want %d", ErrCorruptFormat, len(vecRaw), slots*stride)
	}
	if len(keysRaw) != slots*8 {
		return nil, fmt.Errorf("%w: key table holds %d bytes, want %d", ErrCorruptFormat, len(keysRaw), slots*8)
	}

	codes, err := vectorstore.NewArenaFromBytes(stride, slots, vecRaw)
	if err != nil {
		return nil, err
	}

	keys := make([]uint64, slots)
	for i := range keys {
		keys[i] = binary.LittleEndian.Uint64(keysRaw[i*8:])
	}

	tombstones := roaring.New()
	if len(tombRaw) > 0 {
		if _, err := tombstones.ReadFrom(bytes.NewReader(tombRaw)); err != nil {
			return nil, fmt.Errorf("%w: tombstone section: %v", ErrCorruptFormat, err)
		}
	}

	g, err := restoreGraph(&header, metric, kind, dim, codes, graphRaw, tombstones, optFns)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		Metric:    metric,
		Kind:      kind,
		Dimension: dim,
		RangeMax:  header.RangeMax,
		Keys:      keys,
		Graph:     g,
	}, nil
}

// mappedSection slices one uncompressed section out of body.
func mappedSection(body []byte, off int) ([]byte, int, error) {
	if off+16 > len(body) {
		return nil, 0, fmt.Errorf("%w: short section header", ErrCorruptFormat)
	}
	raw := binary.LittleEndian.Uint64(body[off:])
	stored := binary.LittleEndian.Uint64(body[off+8:])
	if raw != stored {
		return nil, 0, fmt.Errorf("%w: section raw/stored mismatch in uncompressed snapshot", ErrCorruptFormat)
	}
	off += 16

	end := off + int(stored)
	if end > len(body) {
		return nil, 0, fmt.Errorf("%w: truncated section", ErrCorruptFormat)
	}
	return body[off:end], end + padLen(stored), nil
}
