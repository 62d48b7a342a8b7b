package supervisor

import (
	"bytes"
	"sync"

	"github.com/containerd/log"
)

// lineLogger is an io.Writer that forwards complete lines to a structured
// log entry. Container stdout/stderr and instrument output go through it.
type lineLogger struct {
	logger *log.Entry

	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Incomplete line, keep it buffered.
			l.buf.WriteString(line)
			break
		}
		if line = trimNewline(line); line != "" {
			l.logger.Info(line)
		}
	}
	return len(p), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
