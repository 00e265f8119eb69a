package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/proxigo/proxigo/distance"
	"github.com/proxigo/proxigo/hnsw"
	"github.com/proxigo/proxigo/quantize"
	"github.com/proxigo/proxigo/vectorstore"
)

// Snapshot bundles everything a serialized index consists of.
type Snapshot struct {
	Metric    distance.Metric
	Kind      quantize.Kind
	Dimension int
	RangeMax  float32

	// Keys maps slot numbers to external keys. len(Keys) equals the slot
	// count of the graph.
	Keys []uint64

	Graph *hnsw.Graph
}

// Write serializes the snapshot. The stream ends with a CRC32 trailer over
// everything written before it.
func Write(w io.Writer, snap *Snapshot, comp Compression) error {
	g := snap.Graph
	slots := g.Slots()
	if len(snap.Keys) != slots {
		return fmt.Errorf("persistence: key table holds %d entries, graph has %d slots", len(snap.Keys), slots)
	}

	cw := NewChecksumWriter(w)

	header := FileHeader{
		Magic:      MagicNumber,
		Version:    Version,
		Flags:      uint32(comp),
		Metric:     uint8(snap.Metric),
		Kind:       uint8(snap.Kind),
		Dimension:  uint32(snap.Dimension),
		M:          uint32(g.M()),
		RangeMax:   snap.RangeMax,
		Slots:      uint64(slots),
		EntryPoint: g.EntryPoint(),
		MaxLayer:   int32(g.MaxLayer()),
	}
	if err := binary.Write(cw, binary.LittleEndian, &header); err != nil {
		return err
	}

	graphRaw, err := encodeGraph(g)
	if err != nil {
		return err
	}

	keysRaw := make([]byte, 8*len(snap.Keys))
	for i, key := range snap.Keys {
		binary.LittleEndian.PutUint64(keysRaw[i*8:], key)
	}

	var tombBuf bytes.Buffer
	if _, err := g.Tombstones().WriteTo(&tombBuf); err != nil {
		return err
	}

	for _, raw := range [][]byte{graphRaw, keysRaw, tombBuf.Bytes(), g.Codes().Bytes()} {
		if err := writeSection(cw, raw, comp); err != nil {
			return err
		}
	}

	return binary.Write(w, binary.LittleEndian, cw.Sum())
}

// Read deserializes a snapshot written by Write and rebuilds the graph.
// optFns may tune runtime graph options (beam widths, capacity); storage,
// distance function and M always come from the snapshot itself.
func Read(r io.Reader, optFns ...func(o *hnsw.Options)) (*Snapshot, error) {
	cr := NewChecksumReader(r)

	var header FileHeader
	if err := binary.Read(cr, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrCorruptFormat, err)
	}
	if header.Magic != MagicNumber {
		return nil, fmt.Errorf("%w: bad magic 0x%08x", ErrCorruptFormat, header.Magic)
	}
	if header.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, header.Version)
	}

	comp := Compression(header.Flags)
	metric := distance.Metric(header.Metric)
	kind := quantize.Kind(header.Kind)
	dim := int(header.Dimension)
	if !metric.Valid() || !kind.Valid() || dim <= 0 {
		return nil, fmt.Errorf("%w: invalid metric/encoding/dimension", ErrCorruptFormat)
	}

	graphRaw, err := readSection(cr, comp)
	if err != nil {
		return nil, err
	}
	keysRaw, err := readSection(cr, comp)
	if err != nil {
		return nil, err
	}
	tombRaw, err := readSection(cr, comp)
	if err != nil {
		return nil, err
	}
	vecRaw, err := readSection(cr, comp)
	if err != nil {
		return nil, err
	}

	var expected uint32
	if err := binary.Read(r, binary.LittleEndian, &expected); err != nil {
		return nil, fmt.Errorf("%w: missing checksum trailer: %v", ErrCorruptFormat, err)
	}
	if err := cr.Verify(expected); err != nil {
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

	gopts := hnsw.DefaultOptions
	for _, fn := range optFns {
		fn(&gopts)
	}
	codes, err := vectorstore.NewArena(stride, slots, gopts.MaxSlots)
	if err != nil {
		return nil, err
	}
	for slot := 0; slot < slots; slot++ {
		if err := codes.Set(uint32(slot), vecRaw[slot*stride:(slot+1)*stride]); err != nil {
			return nil, err
		}
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

// restoreGraph rebuilds a Graph from a decoded adjacency section.
func restoreGraph(header *FileHeader, metric distance.Metric, kind quantize.Kind, dim int, codes *vectorstore.Arena, graphRaw []byte, tombstones *roaring.Bitmap, optFns []func(o *hnsw.Options)) (*hnsw.Graph, error) {
	// The CRC only proves the file matches what was stored, not that the
	// stored state is sane. Entry point and top layer steer every traversal,
	// so they are validated here rather than trusted.
	if header.Slots == 0 {
		if header.MaxLayer != -1 {
			return nil, fmt.Errorf("%w: empty graph claims top layer %d", ErrCorruptFormat, header.MaxLayer)
		}
	} else {
		if header.MaxLayer < 0 {
			return nil, fmt.Errorf("%w: %d slots with top layer %d", ErrCorruptFormat, header.Slots, header.MaxLayer)
		}
		if uint64(header.EntryPoint) >= header.Slots {
			return nil, fmt.Errorf("%w: entry point %d outside %d slots", ErrCorruptFormat, header.EntryPoint, header.Slots)
		}
	}

	dist, err := quantize.NewDistance(metric, kind, dim, header.RangeMax)
	if err != nil {
		return nil, err
	}

	g, err := hnsw.New(append(append([]func(o *hnsw.Options){}, optFns...), func(o *hnsw.Options) {
		o.M = int(header.M)
		o.Codes = codes
		o.Distance = hnsw.DistanceFunc(dist)
	})...)
	if err != nil {
		return nil, err
	}

	neighbors, err := decodeGraph(graphRaw, int(header.Slots), int(header.MaxLayer))
	if err != nil {
		return nil, err
	}
	if header.Slots > 0 {
		if level := len(neighbors[header.EntryPoint]) - 1; level != int(header.MaxLayer) {
			return nil, fmt.Errorf("%w: entry point %d sits at layer %d, top layer is %d", ErrCorruptFormat, header.EntryPoint, level, header.MaxLayer)
		}
	}
	for slot, adj := range neighbors {
		g.RestoreNode(uint32(slot), adj)
	}
	g.RestoreState(header.EntryPoint, int(header.MaxLayer), tombstones)
	return g, nil
}

// encodeGraph serializes adjacency layer-major: the level of every slot
// first, then for each layer the link lists of all slots reaching it.
func encodeGraph(g *hnsw.Graph) ([]byte, error) {
	slots := g.Slots()
	levels := make([]int, slots)

	var buf bytes.Buffer
	var scratch [4]byte
	for slot := 0; slot < slots; slot++ {
		level := g.Level(uint32(slot))
		if level < 0 {
			return nil, fmt.Errorf("persistence: slot %d is missing from the graph", slot)
		}
		levels[slot] = level
		binary.LittleEndian.PutUint32(scratch[:], uint32(level))
		buf.Write(scratch[:])
	}

	var conns []uint32
	for layer := 0; layer <= g.MaxLayer(); layer++ {
		for slot := 0; slot < slots; slot++ {
			if levels[slot] < layer {
				continue
			}
			conns = g.Neighbors(uint32(slot), layer, conns)
			binary.LittleEndian.PutUint32(scratch[:], uint32(len(conns)))
			buf.Write(scratch[:])
			for _, c := range conns {
				binary.LittleEndian.PutUint32(scratch[:], c)
				buf.Write(scratch[:])
			}
		}
	}

	return buf.Bytes(), nil
}

// decodeGraph reverses encodeGraph into per-slot adjacency lists.
func decodeGraph(raw []byte, slots, maxLayer int) ([][][]uint32, error) {
	if len(raw) < 4*slots {
		return nil, fmt.Errorf("%w: truncated graph section", ErrCorruptFormat)
	}

	levels := make([]int, slots)
	off := 0
	top := -1
	for slot := range levels {
		levels[slot] = int(binary.LittleEndian.Uint32(raw[off:]))
		if levels[slot] > maxLayer {
			return nil, fmt.Errorf("%w: slot %d claims layer %d above top layer %d", ErrCorruptFormat, slot, levels[slot], maxLayer)
		}
		top = max(top, levels[slot])
		off += 4
	}
	if slots > 0 && top != maxLayer {
		return nil, fmt.Errorf("%w: no slot reaches top layer %d", ErrCorruptFormat, maxLayer)
	}

	neighbors := make([][][]uint32, slots)
	for slot := range neighbors {
		neighbors[slot] = make([][]uint32, levels[slot]+1)
	}

	for layer := 0; layer <= maxLayer; layer++ {
		for slot := 0; slot < slots; slot++ {
			if levels[slot] < layer {
				continue
			}
			if off+4 > len(raw) {
				return nil, fmt.Errorf("%w: truncated graph section", ErrCorruptFormat)
			}
			count := int(binary.LittleEndian.Uint32(raw[off:]))
			off += 4
			if off+4*count > len(raw) {
				return nil, fmt.Errorf("%w: truncated graph section", ErrCorruptFormat)
			}
			conns := make([]uint32, count)
			for i := range conns {
				conns[i] = binary.LittleEndian.Uint32(raw[off:])
				if int(conns[i]) >= slots {
					return nil, fmt.Errorf("%w: link to unknown slot %d", ErrCorruptFormat, conns[i])
				}
				off += 4
			}
			neighbors[slot][layer] = conns
		}
	}

	if off != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing bytes in graph section", ErrCorruptFormat, len(raw)-off)
	}
	return neighbors, nil
}

// writeSection writes one length-prefixed, optionally compressed, 8-aligned
// section.
func writeSection(w io.Writer, raw []byte, comp Compression) error {
	stored, err := compress(raw, comp)
	if err != nil {
		return err
	}

	sh := sectionHeader{Raw: uint64(len(raw)), Stored: uint64(len(stored))}
	if err := binary.Write(w, binary.LittleEndian, &sh); err != nil {
		return err
	}
	if _, err := w.Write(stored); err != nil {
		return err
	}
	if pad := padLen(sh.Stored); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}

// readSection reads one section written by writeSection.
func readSection(r io.Reader, comp Compression) ([]byte, error) {
	var sh sectionHeader
	if err := binary.Read(r, binary.LittleEndian, &sh); err != nil {
		return nil, fmt.Errorf("%w: short section header: %v", ErrCorruptFormat, err)
	}

	stored := make([]byte, int(sh.Stored)+padLen(sh.Stored))
	if _, err := io.ReadFull(r, stored); err != nil {
		return nil, fmt.Errorf("%w: truncated section: %v", ErrCorruptFormat, err)
	}
	stored = stored[:sh.Stored]

	raw, err := decompress(stored, int(sh.Raw), comp)
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) != sh.Raw {
		return nil, fmt.Errorf("%w: section decompressed to %d bytes, want %d", ErrCorruptFormat, len(raw), sh.Raw)
	}
	return raw, nil
}

func compress(raw []byte, comp Compression) ([]byte, error) {
	switch comp {
	case CompressionNone:
		return raw, nil
	case CompressionZstd:
		var buf bytes.Buffer
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := zw.Write(raw); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		lw := lz4.NewWriter(&buf)
		if _, err := lw.Write(raw); err != nil {
			return nil, err
		}
		if err := lw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("persistence: unknown compression %d", comp)
	}
}

func decompress(stored []byte, rawLen int, comp Compression) ([]byte, error) {
	switch comp {
	case CompressionNone:
		return stored, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(stored))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFormat, err)
		}
		defer zr.Close()
		raw := make([]byte, rawLen)
		if _, err := io.ReadFull(zr, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFormat, err)
		}
		return raw, nil
	case CompressionLZ4:
		lr := lz4.NewReader(bytes.NewReader(stored))
		raw := make([]byte, rawLen)
		if _, err := io.ReadFull(lr, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFormat, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unknown compression %d", ErrCorruptFormat, comp)
	}
}
