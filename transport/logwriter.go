package transport

import (
	"bytes"
	"sync"
)

// lineWriter logs everything written to it one line at a time.
// Partial lines are held until the next newline or Close.
type lineWriter struct {
	m   sync.Mutex
	buf bytes.Buffer

	// logLine is called with each complete line, without the trailing newline.
	logLine func(line string)
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.m.Lock()
	defer w.m.Unlock()
	w.buf.Write(b)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			return len(b), nil
		}
		line := string(bytes.TrimRight(w.buf.Next(i+1), "\r\n"))
		if line != "" {
			w.logLine(line)
		}
	}
}

// Close flushes a trailing partial line.
func (w *lineWriter) Close() error {
	w.m.Lock()
	defer w.m.Unlock()
	if w.buf.Len() > 0 {
		w.logLine(w.buf.String())
		w.buf.Reset()
	}
	return nil
}
