package slcan

// MaxLine bounds the accumulated line length. The longest valid line is
// 26 bytes (T + 8 id + 1 dlc + 16 data), anything near the bound is
// malformed already.
const MaxLine = 128

// LineSplitter assembles CR/LF terminated lines from an arbitrary byte
// stream, one instance per reader task.
type LineSplitter struct {
	buf []byte
}

// Feed consumes a chunk and returns the completed lines, terminators
// stripped. Returned slices are copies and safe to retain. Empty lines
// are swallowed so CRLF pairs do not produce ghosts.
func (s *LineSplitter) Feed(p []byte) [][]byte {
	var lines [][]byte
	for _, b := range p {
		if b == CR || b == '\n' {
			if len(s.buf) > 0 {
				line := make([]byte, len(s.buf))
				copy(line, s.buf)
				lines = append(lines, line)
				s.buf = s.buf[:0]
			}
			continue
		}
		if len(s.buf) < MaxLine {
			s.buf = append(s.buf, b)
		}
	}
	return lines
}
