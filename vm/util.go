package vm

import (
	"bufio"
	"io"
	"strings"
)

// lineReader feeds newline-delimited input to the read instruction. A nil
// source always reports end of input.
type lineReader struct {
	r *bufio.Reader
}

func newLineReader(r io.Reader) *lineReader {
	if r == nil {
		return &lineReader{}
	}
	return &lineReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next line without its trailing newline. The second
// result is false at end of input; a final line missing its newline is
// still returned first.
func (lr *lineReader) ReadLine() (string, bool, error) {
	if lr.r == nil {
		return "", false, nil
	}
	line, err := lr.r.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", false, err
	}
	if line == "" {
		return "", false, nil
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, true, nil
}
