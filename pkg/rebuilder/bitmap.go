// Package rebuilder implements the client-side chunk reassembly: a
// byte-level missing bitmap per wanted chunk, conflict detection on
// overlapping packets, and watchdog-driven retransmission.
package rebuilder

// missingBitmap tracks, one bit per byte, which offsets of a chunk are
// still missing. Bit set (1) means missing; all bits start set.
type missingBitmap struct {
	bits  []byte
	size  uint32
	total uint32 // count of still-missing bytes
}

func newMissingBitmap(size uint32) *missingBitmap {
	return &missingBitmap{
		bits:  allOnes(size),
		size:  size,
		total: size,
	}
}

func allOnes(size uint32) []byte {
	n := (size + 7) / 8
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 0xff
	}
	return buf
}

func (m *missingBitmap) isMissing(i uint32) bool {
	return m.bits[i/8]&(1<<(i%8)) != 0
}

// clear marks byte i as present, decrementing total if it was missing.
// Returns whether it was previously missing.
func (m *missingBitmap) clear(i uint32) bool {
	if !m.isMissing(i) {
		return false
	}
	m.bits[i/8] &^= 1 << (i % 8)
	m.total--
	return true
}

func (m *missingBitmap) reset() {
	copy(m.bits, allOnes(m.size))
	m.total = m.size
}

func (m *missingBitmap) done() bool { return m.total == 0 }

// ranges coalesces contiguous missing runs into (start, length) pairs,
// the input the watchdog turns into retransmission requests.
func (m *missingBitmap) ranges() []byteRange {
	var out []byteRange
	var runStart uint32
	inRun := false
	for i := uint32(0); i < m.size; i++ {
		if m.isMissing(i) {
			if !inRun {
				runStart = i
				inRun = true
			}
			continue
		}
		if inRun {
			out = append(out, byteRange{Start: runStart, Length: i - runStart})
			inRun = false
		}
	}
	if inRun {
		out = append(out, byteRange{Start: runStart, Length: m.size - runStart})
	}
	return out
}

// byteRange is a (start, length) retransmission request.
type byteRange struct {
	Start  uint32
	Length uint32
}
