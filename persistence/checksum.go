package persistence

import (
	"fmt"
	"hash"
	"hash/crc32"
	"io"
)

// Snapshots carry a trailing CRC32 (IEEE) over everything before it. The
// checksum detects accidental corruption only; it is not tamper-proof.

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ChecksumWriter wraps an io.Writer and keeps a running CRC32.
type ChecksumWriter struct {
	w    io.Writer
	hash hash.Hash32
}

// NewChecksumWriter creates a checksumming writer.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{w: w, hash: crc32.New(crc32Table)}
}

// Write implements io.Writer.
func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	cw.hash.Write(p)
	return cw.w.Write(p)
}

// Sum returns the current checksum.
func (cw *ChecksumWriter) Sum() uint32 { return cw.hash.Sum32() }

// ChecksumReader wraps an io.Reader and keeps a running CRC32.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash32
}

// NewChecksumReader creates a checksumming reader.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{r: r, hash: crc32.New(crc32Table)}
}

// Read implements io.Reader.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Sum returns the current checksum.
func (cr *ChecksumReader) Sum() uint32 { return cr.hash.Sum32() }

// Verify compares the running checksum against the expected value.
func (cr *ChecksumReader) Verify(expected uint32) error {
	if actual := cr.Sum(); actual != expected {
		return fmt.Errorf("%w: checksum mismatch, expected 0x%08x got 0x%08x", ErrCorruptFormat, expected, actual)
	}
	return nil
}
