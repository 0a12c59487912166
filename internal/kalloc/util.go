package kalloc

// IsPowerOfTwo reports whether n is a power of two. Zero is not.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// AlignDown aligns addr downwards to the nearest multiple of align.
// The result is always <= addr. Panics if align is not a power of two.
func AlignDown(addr, align uint64) uint64 {
	if !IsPowerOfTwo(align) {
		panic("kalloc: align is not a power of two")
	}
	return addr &^ (align - 1)
}

// AlignUp aligns addr upwards to the nearest multiple of align.
// The result is always >= addr. Panics if align is not a power of two or if
// aligning up overflows the address.
func AlignUp(addr, align uint64) uint64 {
	if !IsPowerOfTwo(align) {
		panic("kalloc: align is not a power of two")
	}
	if addr&(align-1) == 0 {
		return addr
	}
	aligned := (addr | (align - 1)) + 1
	if aligned < addr {
		panic("kalloc: align up overflows")
	}
	return aligned
}
