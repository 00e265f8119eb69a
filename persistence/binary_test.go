package persistence

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxigo/proxigo/distance"
	"github.com/proxigo/proxigo/hnsw"
	"github.com/proxigo/proxigo/quantize"
	"github.com/proxigo/proxigo/testutil"
	"github.com/proxigo/proxigo/vectorstore"
)

func buildSnapshot(t *testing.T, n, dim int) (*Snapshot, [][]float32) {
	t.Helper()

	codec, err := quantize.NewCodec(quantize.KindF32, dim, 0)
	require.NoError(t, err)
	dist, err := quantize.NewDistance(distance.MetricL2, quantize.KindF32, dim, 0)
	require.NoError(t, err)
	codes, err := vectorstore.NewArena(codec.CodeSize(), n, 0)
	require.NoError(t, err)

	seed := int64(99)
	g, err := hnsw.New(func(o *hnsw.Options) {
		o.Codes = codes
		o.Distance = hnsw.DistanceFunc(dist)
		o.RandomSeed = &seed
	})
	require.NoError(t, err)

	rng := testutil.NewRNG(17)
	vectors := rng.UnitVectors(n, dim)
	code := make([]byte, codec.CodeSize())
	keys := make([]uint64, n)
	for i, v := range vectors {
		codec.Encode(v, code)
		require.NoError(t, g.Insert(context.Background(), uint32(i), code))
		keys[i] = uint64(1000 + i)
	}

	return &Snapshot{
		Metric:    distance.MetricL2,
		Kind:      quantize.KindF32,
		Dimension: dim,
		Keys:      keys,
		Graph:     g,
	}, vectors
}

func requireSameResults(t *testing.T, a, b *hnsw.Graph, query []byte, k int) {
	t.Helper()
	ra, err := a.Search(context.Background(), query, k, 50)
	require.NoError(t, err)
	rb, err := b.Search(context.Background(), query, k, 50)
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
}

func TestRoundTrip(t *testing.T) {
	for _, comp := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(comp.String(), func(t *testing.T) {
			snap, vectors := buildSnapshot(t, 200, 16)

			var buf bytes.Buffer
			require.NoError(t, Write(&buf, snap, comp))

			loaded, err := Read(bytes.NewReader(buf.Bytes()))
			require.NoError(t, err)

			assert.Equal(t, snap.Metric, loaded.Metric)
			assert.Equal(t, snap.Kind, loaded.Kind)
			assert.Equal(t, snap.Dimension, loaded.Dimension)
			assert.Equal(t, snap.Keys, loaded.Keys)
			assert.Equal(t, snap.Graph.Len(), loaded.Graph.Len())
			assert.Equal(t, snap.Graph.MaxLayer(), loaded.Graph.MaxLayer())
			assert.Equal(t, snap.Graph.EntryPoint(), loaded.Graph.EntryPoint())

			codec, err := quantize.NewCodec(quantize.KindF32, 16, 0)
			require.NoError(t, err)
			query := make([]byte, codec.CodeSize())
			for i := 0; i < 10; i++ {
				codec.Encode(vectors[i*7], query)
				requireSameResults(t, snap.Graph, loaded.Graph, query, 10)
			}
		})
	}
}

func TestRoundTripWithTombstones(t *testing.T) {
	snap, _ := buildSnapshot(t, 100, 8)
	for slot := uint32(0); slot < 100; slot += 5 {
		_, err := snap.Graph.Delete(slot)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CompressionNone))

	loaded, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, snap.Graph.Len(), loaded.Graph.Len())
	for slot := uint32(0); slot < 100; slot++ {
		assert.Equal(t, snap.Graph.Contains(slot), loaded.Graph.Contains(slot), "slot %d", slot)
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	snap, _ := buildSnapshot(t, 10, 4)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CompressionNone))

	data := buf.Bytes()
	data[0] ^= 0xFF
	_, err := Read(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrCorruptFormat)
}

func TestReadRejectsBadVersion(t *testing.T) {
	snap, _ := buildSnapshot(t, 10, 4)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CompressionNone))

	data := buf.Bytes()
	data[4] = 0xEE
	_, err := Read(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestReadDetectsCorruption(t *testing.T) {
	snap, _ := buildSnapshot(t, 50, 8)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CompressionNone))

	data := buf.Bytes()
	data[len(data)/2] ^= 0xFF
	_, err := Read(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrCorruptFormat)
}

func TestReadDetectsTruncation(t *testing.T) {
	snap, _ := buildSnapshot(t, 50, 8)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CompressionNone))

	data := buf.Bytes()
	_, err := Read(bytes.NewReader(data[:len(data)/2]))
	assert.ErrorIs(t, err, ErrCorruptFormat)
}

func TestSaveAndLoadFile(t *testing.T) {
	snap, vectors := buildSnapshot(t, 100, 8)
	path := filepath.Join(t.TempDir(), "index.pxgo")

	require.NoError(t, SaveToFile(path, snap, CompressionZstd))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, snap.Keys, loaded.Keys)

	codec, err := quantize.NewCodec(quantize.KindF32, 8, 0)
	require.NoError(t, err)
	query := make([]byte, codec.CodeSize())
	codec.Encode(vectors[0], query)
	requireSameResults(t, snap.Graph, loaded.Graph, query, 5)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	snap, _ := buildSnapshot(t, 20, 4)
	path := filepath.Join(t.TempDir(), "index.pxgo")

	require.NoError(t, SaveToFile(path, snap, CompressionNone))
	require.NoError(t, SaveToFile(path, snap, CompressionNone))

	_, err := LoadFromFile(path)
	require.NoError(t, err)
}

// rewriteTrailer recomputes the CRC trailer after a header patch, so the
// corruption reaches structural validation instead of the checksum.
func rewriteTrailer(data []byte) {
	body := data[:len(data)-4]
	binary.LittleEndian.PutUint32(data[len(data)-4:], crc32.Checksum(body, crc32Table))
}

func TestReadRejectsEntryPointOutOfRange(t *testing.T) {
	snap, _ := buildSnapshot(t, 20, 4)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CompressionNone))

	data := buf.Bytes()
	binary.LittleEndian.PutUint32(data[36:], 0xFFFF) // EntryPoint
	rewriteTrailer(data)

	_, err := Read(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrCorruptFormat)

	path := filepath.Join(t.TempDir(), "index.pxgo")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	_, err = OpenView(path)
	assert.ErrorIs(t, err, ErrCorruptFormat)
}

func TestReadRejectsInconsistentTopLayer(t *testing.T) {
	snap, _ := buildSnapshot(t, 20, 4)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CompressionNone))

	// Top layer above every stored level.
	data := append([]byte(nil), buf.Bytes()...)
	maxLayer := int32(binary.LittleEndian.Uint32(data[40:]))
	binary.LittleEndian.PutUint32(data[40:], uint32(maxLayer+3))
	rewriteTrailer(data)
	_, err := Read(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrCorruptFormat)

	// Negative top layer with a populated graph.
	data = append([]byte(nil), buf.Bytes()...)
	binary.LittleEndian.PutUint32(data[40:], ^uint32(0))
	rewriteTrailer(data)
	_, err = Read(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrCorruptFormat)
}

func TestRoundTripWithRetiredSlot(t *testing.T) {
	snap, _ := buildSnapshot(t, 30, 4)
	snap.Graph.Retire(30)
	snap.Keys = append(snap.Keys, 9999)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CompressionNone))

	loaded, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 31, loaded.Graph.Slots())
	assert.Equal(t, 30, loaded.Graph.Len())
	assert.False(t, loaded.Graph.Contains(30))
}

func TestReadHonorsMaxSlots(t *testing.T) {
	snap, _ := buildSnapshot(t, 50, 4)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CompressionNone))

	loaded, err := Read(bytes.NewReader(buf.Bytes()), func(o *hnsw.Options) {
		o.MaxSlots = 64
	})
	require.NoError(t, err)
	assert.Equal(t, 64, loaded.Graph.Codes().MaxSlots())

	_, err = Read(bytes.NewReader(buf.Bytes()), func(o *hnsw.Options) {
		o.MaxSlots = 10
	})
	assert.ErrorIs(t, err, vectorstore.ErrCapacityExceeded)
}

func TestWriteRejectsKeyTableMismatch(t *testing.T) {
	snap, _ := buildSnapshot(t, 10, 4)
	snap.Keys = snap.Keys[:5]

	var buf bytes.Buffer
	assert.Error(t, Write(&buf, snap, CompressionNone))
}
