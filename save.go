package proxigo

import (
	"context"
	"fmt"
	"io"

	"github.com/proxigo/proxigo/blobstore"
	"github.com/proxigo/proxigo/distance"
	"github.com/proxigo/proxigo/hnsw"
	"github.com/proxigo/proxigo/persistence"
	"github.com/proxigo/proxigo/quantize"
)

// snapshot assembles the serializable state. Callers must hold stateMu.
func (ix *Index) snapshot() *persistence.Snapshot {
	ix.mapMu.RLock()
	keys := make([]uint64, len(ix.slots))
	copy(keys, ix.slots)
	ix.mapMu.RUnlock()

	return &persistence.Snapshot{
		Metric:    ix.opts.metric,
		Kind:      ix.opts.kind,
		Dimension: ix.dim,
		RangeMax:  ix.opts.rangeMax,
		Keys:      keys,
		Graph:     ix.graph,
	}
}

// WriteTo serializes the index to w using the configured compression. It
// implements io.WriterTo. The index is quiesced for the duration of the
// write.
func (ix *Index) WriteTo(w io.Writer) (int64, error) {
	ix.stateMu.Lock()
	defer ix.stateMu.Unlock()

	cw := &countingWriter{w: w}
	err := persistence.Write(cw, ix.snapshot(), ix.opts.compression)
	return cw.n, err
}

// SaveToFile atomically writes the index snapshot to path.
func (ix *Index) SaveToFile(path string) error {
	ix.stateMu.Lock()
	defer ix.stateMu.Unlock()

	return persistence.SaveToFile(path, ix.snapshot(), ix.opts.compression)
}

// SaveToStore streams the index snapshot into a blob store under name. The
// index is quiesced until the upload finishes.
func (ix *Index) SaveToStore(ctx context.Context, store blobstore.Store, name string) error {
	ix.stateMu.Lock()
	defer ix.stateMu.Unlock()

	snap := ix.snapshot()
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(persistence.Write(pw, snap, ix.opts.compression))
	}()

	err := store.Put(ctx, name, pr)
	pr.CloseWithError(err)
	return err
}

// ReadFrom reconstructs an index from a snapshot stream produced by WriteTo.
// The snapshot's metric, encoding and dimension are authoritative; options
// affecting them are ignored, search-time options still apply.
func ReadFrom(r io.Reader, optFns ...Option) (*Index, error) {
	snap, err := persistence.Read(r, graphTuning(optFns)...)
	if err != nil {
		return nil, err
	}
	return fromSnapshot(snap, nil, optFns)
}

// LoadFromFile reads a snapshot file into memory.
func LoadFromFile(path string, optFns ...Option) (*Index, error) {
	snap, err := persistence.LoadFromFile(path, graphTuning(optFns)...)
	if err != nil {
		return nil, err
	}
	return fromSnapshot(snap, nil, optFns)
}

// LoadFromStore reads a snapshot from a blob store.
func LoadFromStore(ctx context.Context, store blobstore.Store, name string, optFns ...Option) (*Index, error) {
	rc, err := store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return ReadFrom(rc, optFns...)
}

// OpenView memory-maps a snapshot file as a read-only index. Vector data is
// served from the mapping without copying; mutating operations fail with
// ErrReadOnly. The file must have been saved without compression. Close
// releases the mapping.
func OpenView(path string, optFns ...Option) (*Index, error) {
	view, err := persistence.OpenView(path, graphTuning(optFns)...)
	if err != nil {
		return nil, err
	}
	ix, err := fromSnapshot(view.Snapshot, view, optFns)
	if err != nil {
		view.Close()
		return nil, err
	}
	ix.readonly = true
	return ix, nil
}

// graphTuning converts index options into graph options for snapshot decode.
// Structural parameters come from the snapshot itself.
func graphTuning(optFns []Option) []func(o *hnsw.Options) {
	opts := applyOptions(optFns)
	return []func(o *hnsw.Options){
		func(o *hnsw.Options) {
			o.EFConstruction = opts.efConstruction
			o.EFSearch = opts.efSearch
			o.MaxSlots = opts.maxCapacity
		},
	}
}

func fromSnapshot(snap *persistence.Snapshot, closer interface{ Close() error }, optFns []Option) (*Index, error) {
	opts := applyOptions(optFns)
	opts.metric = snap.Metric
	opts.kind = snap.Kind
	opts.rangeMax = snap.RangeMax

	codec, err := quantize.NewCodec(snap.Kind, snap.Dimension, snap.RangeMax)
	if err != nil {
		return nil, err
	}

	if len(snap.Keys) != snap.Graph.Slots() {
		return nil, fmt.Errorf("%d keys for %d slots: %w", len(snap.Keys), snap.Graph.Slots(), ErrCorruptFormat)
	}

	keys := make(map[uint64]uint32, len(snap.Keys))
	for slot, key := range snap.Keys {
		if snap.Graph.Deleted(uint32(slot)) {
			continue
		}
		if _, dup := keys[key]; dup {
			return nil, fmt.Errorf("key %d appears twice: %w", key, ErrCorruptFormat)
		}
		keys[key] = uint32(slot)
	}

	return &Index{
		dim:       snap.Dimension,
		normalize: snap.Metric == distance.MetricCosine,
		codec:     codec,
		graph:     snap.Graph,
		keys:      keys,
		slots:     snap.Keys,
		closer:    closer,
		opts:      opts,
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
