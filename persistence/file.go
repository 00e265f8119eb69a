package persistence

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/proxigo/proxigo/hnsw"
)

// SaveToFile writes a snapshot to path atomically: the data goes to a temp
// file in the same directory which is fsynced and renamed over the target, so
// a crash never leaves a half-written snapshot behind.
func SaveToFile(path string, snap *Snapshot, comp Compression) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	_ = tmp.Chmod(0644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := Write(buf, snap, comp); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// Best-effort directory sync so the rename survives a crash.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	tmpName = ""
	return nil
}

// LoadFromFile reads a snapshot from path.
func LoadFromFile(path string, optFns ...func(o *hnsw.Options)) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(bufio.NewReaderSize(f, 256*1024), optFns...)
}
