package sensai

// lineRing is a fixed-size circular buffer of output lines. When full, a
// new line overwrites the oldest one, so the ring always holds the freshest
// tail of the stream. Not safe for concurrent use; callers hold the owning
// session's lock.
type lineRing struct {
	buf   []string
	size  int
	head  int   // index of the oldest line
	count int   // lines currently held
	total int64 // lines ever appended
}

func newLineRing(size int) *lineRing {
	if size <= 0 {
		size = analysisWindowSize
	}
	return &lineRing{
		buf:  make([]string, size),
		size: size,
	}
}

// Append adds a line, evicting the oldest when the ring is full.
func (r *lineRing) Append(line string) {
	if r.count < r.size {
		r.buf[(r.head+r.count)%r.size] = line
		r.count++
	} else {
		r.buf[r.head] = line
		r.head = (r.head + 1) % r.size
	}
	r.total++
}

// Len returns the number of lines currently held.
func (r *lineRing) Len() int {
	return r.count
}

// Total returns the number of lines ever appended, including evicted ones.
func (r *lineRing) Total() int64 {
	return r.total
}

// Lines returns the held lines in arrival order.
func (r *lineRing) Lines() []string {
	out := make([]string, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%r.size])
	}
	return out
}

// Since returns the lines appended after the given Total mark, in arrival
// order. Lines already evicted from the ring are gone; a stale mark yields
// at most the full window.
func (r *lineRing) Since(mark int64) []string {
	missed := r.total - mark
	if missed <= 0 {
		return nil
	}

	n := r.count
	if missed < int64(n) {
		n = int(missed)
	}

	out := make([]string, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%r.size])
	}
	return out
}
