package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ExchangeLogger records full upstream exchanges to disk when enabled.
// Each exchange lands in its own file under the logs directory.
type ExchangeLogger interface {
	// LogExchange records a buffered request/response cycle.
	LogExchange(url, model, account string, requestBody []byte, statusCode int, responseBody []byte) error

	// BeginStream starts a log for a streaming exchange and returns a
	// writer that accepts chunks as they arrive.
	BeginStream(url, model, account string, requestBody []byte) (StreamLogWriter, error)

	// IsEnabled reports whether recording is active.
	IsEnabled() bool
}

// StreamLogWriter appends streamed response chunks to an exchange log.
type StreamLogWriter interface {
	WriteChunk(chunk []byte)
	WriteStatus(status int) error
	Close() error
}

// FileExchangeLogger writes one file per exchange.
type FileExchangeLogger struct {
	enabled bool
	logsDir string
}

// NewFileExchangeLogger creates a file-backed exchange logger rooted at logsDir.
func NewFileExchangeLogger(enabled bool, logsDir string) *FileExchangeLogger {
	return &FileExchangeLogger{enabled: enabled, logsDir: logsDir}
}

func (l *FileExchangeLogger) IsEnabled() bool {
	return l.enabled
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func (l *FileExchangeLogger) filename(url string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(url, "https://"), "http://")
	trimmed = unsafeFilenameChars.ReplaceAllString(trimmed, "_")
	if len(trimmed) > 80 {
		trimmed = trimmed[:80]
	}
	return fmt.Sprintf("%s_%s.log", time.Now().Format("20060102_150405.000"), trimmed)
}

func (l *FileExchangeLogger) openFile(url string) (*os.File, error) {
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	return os.Create(filepath.Join(l.logsDir, l.filename(url)))
}

func writeHeaderSection(f *os.File, url, model, account string, requestBody []byte) {
	fmt.Fprintf(f, "=== REQUEST ===\nTime: %s\nURL: %s\nModel: %s\nAccount: %s\n\n%s\n\n", time.Now().Format(time.RFC3339), url, model, account, requestBody)
}

// LogExchange records a buffered request/response cycle.
func (l *FileExchangeLogger) LogExchange(url, model, account string, requestBody []byte, statusCode int, responseBody []byte) error {
	if !l.enabled {
		return nil
	}
	f, err := l.openFile(url)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	writeHeaderSection(f, url, model, account, requestBody)
	fmt.Fprintf(f, "=== RESPONSE ===\nStatus: %d\n\n%s\n", statusCode, responseBody)
	return nil
}

// BeginStream starts a log for a streaming exchange.
func (l *FileExchangeLogger) BeginStream(url, model, account string, requestBody []byte) (StreamLogWriter, error) {
	if !l.enabled {
		return &nopStreamLogWriter{}, nil
	}
	f, err := l.openFile(url)
	if err != nil {
		return nil, err
	}
	writeHeaderSection(f, url, model, account, requestBody)
	return &fileStreamLogWriter{file: f}, nil
}

type fileStreamLogWriter struct {
	mu   sync.Mutex
	file *os.File
}

func (w *fileStreamLogWriter) WriteChunk(chunk []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_, _ = w.file.Write(chunk)
	}
}

func (w *fileStreamLogWriter) WriteStatus(status int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	_, err := fmt.Fprintf(w.file, "=== RESPONSE ===\nStatus: %d\n\n", status)
	return err
}

func (w *fileStreamLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

type nopStreamLogWriter struct{}

func (*nopStreamLogWriter) WriteChunk([]byte)     {}
func (*nopStreamLogWriter) WriteStatus(int) error { return nil }
func (*nopStreamLogWriter) Close() error          { return nil }
