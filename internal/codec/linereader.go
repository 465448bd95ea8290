package codec

import "bufio"

// LineReader reads CRLF- or LF-terminated command lines from a buffered
// reader, rejecting anything longer than MaxLen as ErrLineTooLong. It
// does no framing beyond that: body content (the DATA section) is the
// dotreader package's concern, not this one.
type LineReader struct {
	r      *bufio.Reader
	MaxLen int
}

// NewLineReader wraps r, enforcing maxLen as the longest line ReadLine
// will return.
func NewLineReader(r *bufio.Reader, maxLen int) *LineReader {
	return &LineReader{r: r, MaxLen: maxLen}
}

// ReadLine returns the next line with its terminator stripped. A line
// longer than MaxLen is drained to its end before ErrLineTooLong is
// returned, so the connection stays framed for whatever comes next.
func (lr *LineReader) ReadLine() (string, error) {
	l, more, err := lr.r.ReadLine()
	if err != nil {
		return "", err
	}
	if len(l) > lr.MaxLen || more {
		for more && err == nil {
			_, more, err = lr.r.ReadLine()
		}
		return "", ErrLineTooLong
	}
	return string(l), nil
}
