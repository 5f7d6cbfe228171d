// internal/harness/console.go
package harness

import (
	"bufio"
	"io"
	"sync"
)

// LineReader hands whole input lines to interactive pauses. A single
// goroutine owns the stream for its lifetime, so a pause that times out
// leaves no reader of its own behind and no partially consumed buffer.
type LineReader struct {
	r     io.Reader
	lines chan string
	once  sync.Once
}

// NewLineReader wraps r. Nothing is read until the first pause asks for a line.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: r, lines: make(chan string)}
}

func (l *LineReader) start() {
	l.once.Do(func() {
		go func() {
			defer close(l.lines)
			sc := bufio.NewScanner(l.r)
			for sc.Scan() {
				l.lines <- sc.Text()
			}
		}()
	})
}

// Lines returns the channel of lines after dropping any line typed while
// nobody was waiting. The channel is closed at end of input.
func (l *LineReader) Lines() <-chan string {
	l.start()
	for {
		select {
		case _, ok := <-l.lines:
			if !ok {
				return l.lines
			}
		default:
			return l.lines
		}
	}
}
