// Package keylog writes TLS secrets in the NSS key log format so captured
// traffic can be decrypted in Wireshark. It is off unless Open is called,
// usually with the value of SSLKEYLOGFILE at process init.
package keylog

import (
	"io"
	"os"
	"sync"
)

// EnvVar is the conventional variable naming the key log file.
const EnvVar = "SSLKEYLOGFILE"

var (
	mu     sync.Mutex
	file   io.WriteCloser
	writer io.Writer
)

// lockedWriter serializes lines from concurrent handshakes.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Writer returns the active key log writer, or nil when logging is off.
// TLS configs built after Open pick it up.
func Writer() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return writer
}

// Open appends key log lines to path, replacing any previous destination.
// An empty path turns logging off.
func Open(path string) error {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	file = f
	writer = &lockedWriter{w: f}
	return nil
}

// OpenFromEnv opens the file named by SSLKEYLOGFILE, if any.
func OpenFromEnv() error {
	return Open(os.Getenv(EnvVar))
}

// SetWriter logs to w instead of a file. Pass nil to disable.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()
	if w != nil {
		writer = &lockedWriter{w: w}
	}
}

// Close stops logging and closes the file opened by Open.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	return closeLocked()
}

func closeLocked() error {
	var err error
	if file != nil {
		err = file.Close()
	}
	file = nil
	writer = nil
	return err
}
