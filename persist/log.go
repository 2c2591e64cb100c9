package persist

import (
	"log"
	"os"
)

// Logger wraps a standard library *log.Logger, bracketing the life of the
// underlying file with STARTUP and SHUTDOWN lines so that a truncated log
// file is immediately recognizable as having crashed mid-session.
type Logger struct {
	*log.Logger
	file *os.File
}

// NewLogger opens (or creates) filename for appending and returns a Logger
// that writes timestamped lines to it.
func NewLogger(filename string) (*Logger, error) {
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, err
	}
	logger := log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile)
	logger.Println("STARTUP: chunkflow logging has started.")
	return &Logger{Logger: logger, file: f}, nil
}

// Close writes a SHUTDOWN line and closes the underlying file.
func (l *Logger) Close() error {
	l.Println("SHUTDOWN: chunkflow logging has terminated.")
	return l.file.Close()
}
