package detector

// RollingBuffer is a fixed-capacity byte buffer: appending past capacity
// evicts the oldest bytes byte-for-byte, so memory stays O(1) in output
// volume regardless of how much the child writes (spec §4.4: "buffer
// memory is O(1) in output volume").
type RollingBuffer struct {
	data []byte
	cap  int
}

// NewRollingBuffer creates a buffer that never grows past capBytes.
func NewRollingBuffer(capBytes int) *RollingBuffer {
	return &RollingBuffer{data: make([]byte, 0, capBytes), cap: capBytes}
}

// Write appends b, evicting the oldest bytes if the result would exceed
// capacity.
func (r *RollingBuffer) Write(b []byte) {
	if len(b) >= r.cap {
		r.data = append(r.data[:0], b[len(b)-r.cap:]...)
		return
	}
	total := len(r.data) + len(b)
	if total <= r.cap {
		r.data = append(r.data, b...)
		return
	}
	overflow := total - r.cap
	r.data = append(r.data[:0], r.data[overflow:]...)
	r.data = append(r.data, b...)
}

// Bytes returns the buffer's current contents. The returned slice is
// owned by the buffer and must not be retained across the next Write.
func (r *RollingBuffer) Bytes() []byte { return r.data }

// Clear empties the buffer without shrinking its backing array.
func (r *RollingBuffer) Clear() { r.data = r.data[:0] }

// Len reports the number of bytes currently held.
func (r *RollingBuffer) Len() int { return len(r.data) }

const maxLines = 200

// LineDeque holds up to maxLines ANSI-stripped logical lines, the
// detector's secondary structure for line-oriented pattern matching.
type LineDeque struct {
	lines []string
}

// NewLineDeque creates an empty line deque.
func NewLineDeque() *LineDeque { return &LineDeque{} }

// Push appends one logical line, evicting the oldest if over capacity.
func (d *LineDeque) Push(line string) {
	d.lines = append(d.lines, line)
	if len(d.lines) > maxLines {
		d.lines = d.lines[len(d.lines)-maxLines:]
	}
}

// Lines returns the current backlog, oldest first.
func (d *LineDeque) Lines() []string { return d.lines }

// Clear empties the deque.
func (d *LineDeque) Clear() { d.lines = nil }

// Last returns the most recent n lines (or fewer, if the deque is shorter).
func (d *LineDeque) Last(n int) []string {
	if n >= len(d.lines) {
		return d.lines
	}
	return d.lines[len(d.lines)-n:]
}
