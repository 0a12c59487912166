package kalloc

import "testing"

func testArena(t *testing.T, size uint64) (*Allocator, []byte) {
	t.Helper()
	// Start past address 0: the zero address doubles as the null sentinel
	// and the kernel arena always begins after the kernel image anyway.
	mem := make([]byte, size)
	return New(mem, 64, size), mem
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		addr, align, want uint64
	}{
		{0, 8, 0},
		{8, 8, 8},
		{9, 8, 16},
		{15, 16, 16},
		{16, 16, 16},
		{0x3fff, 0x1000, 0x4000},
		{1, 1, 1},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.addr, tt.align); got != tt.want {
			t.Errorf("AlignUp(%#x, %#x) = %#x, want %#x", tt.addr, tt.align, got, tt.want)
		}
	}
}

func TestAlignDown(t *testing.T) {
	tests := []struct {
		addr, align, want uint64
	}{
		{0, 8, 0},
		{8, 8, 8},
		{9, 8, 8},
		{0x4fff, 0x1000, 0x4000},
	}
	for _, tt := range tests {
		if got := AlignDown(tt.addr, tt.align); got != tt.want {
			t.Errorf("AlignDown(%#x, %#x) = %#x, want %#x", tt.addr, tt.align, got, tt.want)
		}
	}
}

func TestAlignPanicsOnBadAlign(t *testing.T) {
	for _, align := range []uint64{0, 3, 6, 24} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("AlignUp(8, %d) did not panic", align)
				}
			}()
			AlignUp(8, align)
		}()
	}
}

func TestAllocAligned(t *testing.T) {
	a, _ := testArena(t, 4*MaxSizeClass)

	for _, align := range []uint64{8, 16, 64, 4096, MaxSizeClass} {
		addr := a.Alloc(24, align)
		if addr == Null {
			t.Fatalf("Alloc(24, %d) = Null", align)
		}
		if addr%align != 0 {
			t.Errorf("Alloc(24, %d) = %#x, not aligned", align, addr)
		}
	}
}

func TestAllocDisjoint(t *testing.T) {
	a, _ := testArena(t, 4*MaxSizeClass)

	type region struct{ start, end uint64 }
	var live []region
	for i := 0; i < 64; i++ {
		size := uint64(8 << (i % 6))
		addr := a.Alloc(size, 8)
		if addr == Null {
			t.Fatalf("allocation %d (size %d) = Null", i, size)
		}
		for _, r := range live {
			if addr < r.end && addr+size > r.start {
				t.Fatalf("allocation [%#x, %#x) overlaps live [%#x, %#x)", addr, addr+size, r.start, r.end)
			}
		}
		live = append(live, region{addr, addr + size})
	}
}

func TestAllocInvalid(t *testing.T) {
	a, _ := testArena(t, 4*MaxSizeClass)

	if got := a.Alloc(0, 8); got != Null {
		t.Errorf("Alloc(0, 8) = %#x, want Null", got)
	}
	if got := a.Alloc(8, 3); got != Null {
		t.Errorf("Alloc(8, 3) = %#x, want Null", got)
	}
	if got := a.Alloc(MaxSizeClass+1, 8); got != Null {
		t.Errorf("Alloc(MaxSizeClass+1, 8) = %#x, want Null", got)
	}
	if got := a.Alloc(8, 2*MaxSizeClass); got != Null {
		t.Errorf("Alloc(8, 2*MaxSizeClass) = %#x, want Null", got)
	}
}

func TestSplitLeavesHalves(t *testing.T) {
	// Build an arena holding exactly one 256-byte block.
	mem := make([]byte, 4096)
	a := &Allocator{mem: mem}
	a.push(binFor(256), 1024)

	addr := a.Alloc(24, 8)
	if addr != 1024 {
		t.Fatalf("Alloc(24, 8) = %#x, want %#x", addr, 1024)
	}

	for _, want := range []struct {
		size uint64
		n    int
	}{{32, 1}, {64, 1}, {128, 1}, {256, 0}} {
		if got := a.FreeBlocks(want.size); got != want.n {
			t.Errorf("FreeBlocks(%d) = %d, want %d", want.size, got, want.n)
		}
	}

	if got := a.FreeBlocks(32); got != 1 {
		t.Errorf("FreeBlocks(32) = %d after split, want 1", got)
	}
	half := a.bins[binFor(32)]
	if half != 1024+32 {
		t.Errorf("split block at %#x, want %#x", half, 1024+32)
	}
}

func TestFreeReusesSameAddress(t *testing.T) {
	a, _ := testArena(t, 16*MaxSizeClass)

	addr := a.Alloc(8192, 8192)
	if addr == Null {
		t.Fatal("Alloc(8192, 8192) = Null")
	}
	a.Dealloc(addr, 8192, 8192)
	again := a.Alloc(8192, 8192)
	if again != addr {
		t.Errorf("realloc after free = %#x, want same address %#x", again, addr)
	}
}

func TestExhaustionReturnsNull(t *testing.T) {
	a, _ := testArena(t, 4 * MaxSizeClass)

	for i := 0; ; i++ {
		if i > 1<<16 {
			t.Fatal("allocator never exhausted")
		}
		if a.Alloc(MaxSizeClass, 8) == Null {
			break
		}
	}
	if got := a.Alloc(MaxSizeClass, 8); got != Null {
		t.Errorf("Alloc after exhaustion = %#x, want Null", got)
	}
}

func TestArenaStartAligned(t *testing.T) {
	// A misaligned, small region still yields blocks aligned to their class.
	mem := make([]byte, 3*MaxSizeClass)
	a := New(mem, 100, uint64(len(mem)))

	addr := a.Alloc(64, 64)
	if addr == Null {
		t.Fatal("Alloc(64, 64) = Null")
	}
	if addr%64 != 0 {
		t.Errorf("block %#x not aligned to its class", addr)
	}
	if addr < 100 {
		t.Errorf("block %#x outside managed region", addr)
	}
}
