package quantize

import (
	"fmt"
	"unsafe"

	"github.com/chewxy/math32"
	"github.com/x448/float16"
)

// Kind identifies a scalar encoding for stored vectors.
type Kind uint8

const (
	// KindF32 stores full-precision IEEE-754 binary32 components.
	KindF32 Kind = iota
	// KindF16 stores IEEE-754 binary16 components (2 bytes per dimension).
	KindF16
	// KindI8 stores affine-quantized signed 8-bit components over a
	// configured symmetric range (1 byte per dimension).
	KindI8
	// KindB1 stores one sign bit per dimension, packed (1 bit per dimension).
	KindB1
)

func (k Kind) String() string {
	switch k {
	case KindF32:
		return "f32"
	case KindF16:
		return "f16"
	case KindI8:
		return "i8"
	case KindB1:
		return "b1"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Valid reports whether k is a known encoding.
func (k Kind) Valid() bool {
	return k <= KindB1
}

// CodeSize returns the encoded size in bytes for a vector of the given
// dimensionality.
func (k Kind) CodeSize(dim int) int {
	switch k {
	case KindF32:
		return dim * 4
	case KindF16:
		return dim * 2
	case KindI8:
		return dim
	case KindB1:
		return (dim + 7) / 8
	default:
		return 0
	}
}

// DefaultRange is the default symmetric quantization range for KindI8.
// Components outside [-DefaultRange, DefaultRange] are clamped on encode.
const DefaultRange float32 = 1.0

// Codec encodes float32 vectors into fixed-size code blocks and decodes them
// back (lossy for the reduced encodings).
type Codec struct {
	kind Kind
	dim  int

	// i8 affine parameters: value = code * step, code = round(value / step).
	step float32
}

// NewCodec creates a codec for the given encoding and dimensionality.
// rangeMax configures the KindI8 symmetric range; pass 0 for DefaultRange.
// It is ignored for the other encodings.
func NewCodec(kind Kind, dim int, rangeMax float32) (*Codec, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("quantize: unknown encoding %d", uint8(kind))
	}
	if dim <= 0 {
		return nil, fmt.Errorf("quantize: invalid dimension %d", dim)
	}
	if rangeMax < 0 {
		return nil, fmt.Errorf("quantize: negative quantization range %g", rangeMax)
	}
	if rangeMax == 0 {
		rangeMax = DefaultRange
	}
	return &Codec{
		kind: kind,
		dim:  dim,
		step: rangeMax / 127,
	}, nil
}

// Kind returns the codec's encoding.
func (c *Codec) Kind() Kind { return c.kind }

// Dimension returns the configured dimensionality.
func (c *Codec) Dimension() int { return c.dim }

// CodeSize returns the encoded size in bytes of one vector.
func (c *Codec) CodeSize() int { return c.kind.CodeSize(c.dim) }

// Step returns the KindI8 quantization step (half the worst-case per-component
// reconstruction error bound is Step/2).
func (c *Codec) Step() float32 { return c.step }

// Encode writes the code block for src into dst. len(src) must equal the
// configured dimensionality and len(dst) must be at least CodeSize; both are
// validated by the index before reaching the codec.
func (c *Codec) Encode(src []float32, dst []byte) {
	switch c.kind {
	case KindF32:
		copy(f32View(dst, c.dim), src)
	case KindF16:
		out := u16View(dst, c.dim)
		for i, v := range src {
			out[i] = float16.Fromfloat32(v).Bits()
		}
	case KindI8:
		out := i8View(dst, c.dim)
		r := c.step * 127
		for i, v := range src {
			if v > r {
				v = r
			} else if v < -r {
				v = -r
			}
			out[i] = int8(math32.Round(v / c.step))
		}
	case KindB1:
		for i := range dst[:c.CodeSize()] {
			dst[i] = 0
		}
		for i, v := range src {
			if v >= 0 {
				dst[i/8] |= 1 << (i % 8)
			}
		}
	}
}

// Decode reconstructs a float32 vector from a code block into dst.
// Reconstruction is lossy for all reduced encodings; KindB1 decodes to ±1.
func (c *Codec) Decode(code []byte, dst []float32) {
	switch c.kind {
	case KindF32:
		copy(dst, f32View(code, c.dim))
	case KindF16:
		in := u16View(code, c.dim)
		for i := range dst[:c.dim] {
			dst[i] = float16.Frombits(in[i]).Float32()
		}
	case KindI8:
		in := i8View(code, c.dim)
		for i := range dst[:c.dim] {
			dst[i] = float32(in[i]) * c.step
		}
	case KindB1:
		for i := range dst[:c.dim] {
			if code[i/8]&(1<<(i%8)) != 0 {
				dst[i] = 1
			} else {
				dst[i] = -1
			}
		}
	}
}

// Typed views over code blocks. Code blocks live in the storage arena or in a
// read-only mapping; both keep slots aligned to the component width, which the
// persisted format guarantees by padding sections to 8 bytes.

func f32View(code []byte, dim int) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&code[0])), dim)
}

func u16View(code []byte, dim int) []uint16 {
	return unsafe.Slice((*uint16)(unsafe.Pointer(&code[0])), dim)
}

func i8View(code []byte, dim int) []int8 {
	return unsafe.Slice((*int8)(unsafe.Pointer(&code[0])), dim)
}
