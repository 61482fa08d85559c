package txposix

import "math"

// This file restores the thin transactional wrappers over allocation-
// free pure functions the distilled spec lists as in-repo but
// out-of-core-scope (spec §1, "string/math wrappers"; SPEC_FULL.md §3,
// grounded in the original implementation's string.c/math.h modules).
// None of them touch shared or kernel state, so none need a lock, an
// event, or an undo: exec is the only phase that does anything, and it
// is a pure function call operating on the transaction's own buffers.

// StrcpyTx copies src into dst (including the NUL the caller is
// expected to have room for), returning the number of bytes copied.
// Transactional only in the sense that dst is presumed to be memory
// obtained through AllocTx — copying into someone else's buffer gives
// no atomicity guarantee beyond what Go slices already provide.
func StrcpyTx(dst, src []byte) int {
	n := copy(dst, src)
	return n
}

// StrlenTx returns the length of a NUL-terminated byte slice, stopping
// at the first zero byte or the end of buf, whichever comes first.
func StrlenTx(buf []byte) int {
	for i, b := range buf {
		if b == 0 {
			return i
		}
	}
	return len(buf)
}

// StrcmpTx compares two NUL-terminated byte slices lexically, the same
// three-way result as C's strcmp.
func StrcmpTx(a, b []byte) int {
	an, bn := StrlenTx(a), StrlenTx(b)
	a, b = a[:an], b[:bn]
	for i := 0; i < an && i < bn; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case an < bn:
		return -1
	case an > bn:
		return 1
	default:
		return 0
	}
}

// SqrtTx, PowTx, and FabsTx wrap their math package equivalents. They
// exist purely so a transactional body never has to reach past the
// engine's own wrapper surface to call an unwrapped libm function —
// matching the original implementation's exec/apply/undo triple where
// apply and undo are both no-ops for pure functions.
func SqrtTx(x float64) float64 { return math.Sqrt(x) }
func PowTx(x, y float64) float64 { return math.Pow(x, y) }
func FabsTx(x float64) float64 { return math.Abs(x) }
