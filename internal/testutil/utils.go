package testutil

import (
	"io"
	"log"
	"strings"
	"sync"
	"testing"
)

// testWriter routes log output through t.Log so it is attributed to the
// test that produced it. Writes after the test finishes are dropped, since
// session goroutines may still be logging while they wind down.
type testWriter struct {
	mu   sync.Mutex
	t    testing.TB
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.done {
		w.t.Log(strings.TrimRight(string(p), "\n"))
	}
	return len(p), nil
}

func TestLogger(t testing.TB) *log.Logger {
	w := &testWriter{t: t}
	logger := log.New(w, "[test] ", log.Lmsgprefix|log.Lmicroseconds)
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
		logger.SetOutput(io.Discard)
	})
	return logger
}
