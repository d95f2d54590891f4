package driver

import (
	"bytes"
	"sync"
)

// tailWriter keeps the last n lines written to it.
// Stdout and stderr share one writer, so writes are serialized.
type tailWriter struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
}

func newTailWriter(n int) *tailWriter {
	if n <= 0 {
		n = DefaultTailLines
	}

	return &tailWriter{max: n}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.partial, p...)

	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}

		w.push(string(bytes.TrimRight(data[:i], "\r")))
		data = data[i+1:]
	}

	w.partial = append([]byte(nil), data...)

	return len(p), nil
}

func (w *tailWriter) push(line string) {
	w.lines = append(w.lines, line)
	if len(w.lines) > w.max {
		w.lines = w.lines[len(w.lines)-w.max:]
	}
}

// Lines returns the retained lines including any unterminated final line
func (w *tailWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := append([]string(nil), w.lines...)
	if len(w.partial) > 0 {
		out = append(out, string(w.partial))
		if len(out) > w.max {
			out = out[len(out)-w.max:]
		}
	}

	return out
}
