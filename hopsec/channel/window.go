package channel

// replayWindow tracks accepted receive nonces.
//
// With size 0 only nonces above the highest accepted one pass. Otherwise a
// bitmap remembers which of the size nonces at or below the highest were seen,
// so bounded reordering is tolerated while duplicates are rejected.
type replayWindow struct {
	size    uint64
	highest uint64
	any     bool
	// bit i of the bitmap marks nonce highest-i as seen.
	bitmap []uint64
}

func newReplayWindow(size int) *replayWindow {
	if size < 0 {
		size = 0
	}
	w := &replayWindow{size: uint64(size)}
	if size > 0 {
		w.bitmap = make([]uint64, (size+63)/64)
	}
	return w
}

// check reports whether n would be accepted. It never changes the window.
func (w *replayWindow) check(n uint64) bool {
	if !w.any || n > w.highest {
		return true
	}
	if w.size == 0 {
		return false
	}
	off := w.highest - n
	if off >= w.size {
		return false
	}
	return !w.bit(off)
}

// accept records n. Callers must check first and only accept authenticated nonces.
func (w *replayWindow) accept(n uint64) {
	if !w.any {
		w.any = true
		w.highest = n
		w.set(0)
		return
	}
	if n > w.highest {
		w.shift(n - w.highest)
		w.highest = n
		w.set(0)
		return
	}
	if off := w.highest - n; off < w.size {
		w.set(off)
	}
}

func (w *replayWindow) bit(off uint64) bool {
	if w.bitmap == nil {
		return off == 0
	}
	return w.bitmap[off/64]&(1<<(off%64)) != 0
}

func (w *replayWindow) set(off uint64) {
	if w.bitmap == nil {
		return
	}
	w.bitmap[off/64] |= 1 << (off % 64)
}

// shift moves every mark d positions further from the highest nonce.
func (w *replayWindow) shift(d uint64) {
	if w.bitmap == nil {
		return
	}
	if d >= w.size {
		for i := range w.bitmap {
			w.bitmap[i] = 0
		}
		return
	}
	words, bits := int(d/64), d%64
	for i := len(w.bitmap) - 1; i >= 0; i-- {
		var v uint64
		if src := i - words; src >= 0 {
			v = w.bitmap[src] << bits
			if bits > 0 && src-1 >= 0 {
				v |= w.bitmap[src-1] >> (64 - bits)
			}
		}
		w.bitmap[i] = v
	}
	// Drop marks beyond the window.
	if extra := uint64(len(w.bitmap))*64 - w.size; extra > 0 {
		w.bitmap[len(w.bitmap)-1] &= ^uint64(0) >> extra
	}
}
