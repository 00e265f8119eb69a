package simd

import (
	"os"
	"strings"
)

// ISA identifies a kernel implementation family.
type ISA uint8

const (
	// Generic is the pure-Go scalar implementation.
	Generic ISA = iota
	// AVX2 is the x86-64 AVX2+FMA vectorized implementation.
	AVX2
)

// String returns the string representation of an ISA.
func (i ISA) String() string {
	switch i {
	case Generic:
		return "generic"
	case AVX2:
		return "avx2"
	default:
		return "unknown"
	}
}

// ParseISA parses a string into an ISA value.
func ParseISA(s string) (ISA, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "generic":
		return Generic, true
	case "avx2":
		return AVX2, true
	default:
		return Generic, false
	}
}

// Package-level state, initialized once from the platform init. No mutex
// needed: Go guarantees init() runs before any other code.
var (
	activeISA   ISA
	hasOverride bool
	hasAVX2     bool // x86-64 AVX2 + FMA, set by the platform probe
)

// initCapabilities is called from the platform-specific init after CPU
// features are detected.
func initCapabilities() {
	if override := os.Getenv("PROXIGO_SIMD"); override != "" {
		if isa, ok := ParseISA(override); ok {
			hasOverride = true
			if isISAAvailable(isa) {
				activeISA = isa
				return
			}
			// Unavailable override: fall through to auto-detection.
		}
	}

	if hasAVX2 {
		activeISA = AVX2
		return
	}
	activeISA = Generic
}

func isISAAvailable(isa ISA) bool {
	switch isa {
	case Generic:
		return true
	case AVX2:
		return hasAVX2
	default:
		return false
	}
}

// ActiveISA returns the currently active kernel implementation.
func ActiveISA() ISA {
	return activeISA
}

// IsOverridden returns true if PROXIGO_SIMD forced the selection.
func IsOverridden() bool {
	return hasOverride
}

// HasAVX2 returns true if x86-64 AVX2+FMA is available.
func HasAVX2() bool {
	return hasAVX2
}
