// Package logging provides request logging functionality for the gateway.
// It captures detailed HTTP request and response data when enabled through
// configuration, supporting both regular and streaming responses.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// RequestLogger defines the interface for logging HTTP requests and responses.
type RequestLogger interface {
	// LogRequest logs a complete non-streaming request/response cycle.
	LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, responseHeaders map[string][]string, response []byte) error

	// LogStreamingRequest initiates logging for a streaming request and returns a writer for chunks.
	LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error)

	// IsEnabled returns whether request logging is currently enabled.
	IsEnabled() bool
}

// StreamingLogWriter handles real-time logging of streaming response chunks.
type StreamingLogWriter interface {
	// WriteChunkAsync writes a response chunk asynchronously (non-blocking).
	WriteChunkAsync(chunk []byte)

	// WriteStatus writes the response status and headers to the log.
	WriteStatus(status int, headers map[string][]string) error

	// Close finalizes the log file and cleans up resources.
	Close() error
}

// FileRequestLogger implements RequestLogger using file-based storage.
type FileRequestLogger struct {
	enabled bool
	logsDir string
}

// NewFileRequestLogger creates a new file-based request logger.
func NewFileRequestLogger(enabled bool, logsDir string) *FileRequestLogger {
	return &FileRequestLogger{enabled: enabled, logsDir: logsDir}
}

// SetEnabled toggles request logging at runtime.
func (l *FileRequestLogger) SetEnabled(enabled bool) { l.enabled = enabled }

// IsEnabled returns whether request logging is currently enabled.
func (l *FileRequestLogger) IsEnabled() bool { return l.enabled }

// LogRequest logs a complete non-streaming request/response cycle to a file.
func (l *FileRequestLogger) LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, responseHeaders map[string][]string, response []byte) error {
	if !l.enabled {
		return nil
	}
	if err := l.ensureLogsDir(); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	var content strings.Builder
	content.WriteString(formatRequestInfo(url, method, requestHeaders, body))
	content.WriteString("=== RESPONSE ===\n")
	content.WriteString(fmt.Sprintf("Status: %d\n", statusCode))
	writeHeaders(&content, responseHeaders)
	content.WriteString("\n")
	content.Write(response)
	content.WriteString("\n")

	filePath := filepath.Join(l.logsDir, generateFilename(url))
	if err := os.WriteFile(filePath, []byte(content.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write log file: %w", err)
	}
	return nil
}

// LogStreamingRequest initiates logging for a streaming request.
func (l *FileRequestLogger) LogStreamingRequest(url, method string, headers map[string][]string, body []byte) (StreamingLogWriter, error) {
	if !l.enabled {
		return &NoOpStreamingLogWriter{}, nil
	}
	if err := l.ensureLogsDir(); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	filePath := filepath.Join(l.logsDir, generateFilename(url))
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	if _, err = file.WriteString(formatRequestInfo(url, method, headers, body)); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to write request info: %w", err)
	}

	writer := &FileStreamingLogWriter{
		file:      file,
		chunkChan: make(chan []byte, 100),
		closeChan: make(chan struct{}),
	}
	go writer.asyncWriter()
	return writer, nil
}

func (l *FileRequestLogger) ensureLogsDir() error {
	if _, err := os.Stat(l.logsDir); os.IsNotExist(err) {
		return os.MkdirAll(l.logsDir, 0o755)
	}
	return nil
}

var (
	reUnsafeFilename = regexp.MustCompile(`[<>:"|?*\s]`)
	reHyphenRuns     = regexp.MustCompile(`-+`)
)

// generateFilename creates a sanitized filename from the URL path and current timestamp.
func generateFilename(url string) string {
	path := url
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "/")

	sanitized := strings.ReplaceAll(path, "/", "-")
	sanitized = strings.ReplaceAll(sanitized, ":", "-")
	sanitized = reUnsafeFilename.ReplaceAllString(sanitized, "-")
	sanitized = reHyphenRuns.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")
	if sanitized == "" {
		sanitized = "root"
	}
	return fmt.Sprintf("%s-%d.log", sanitized, time.Now().UnixNano())
}

func writeHeaders(content *strings.Builder, headers map[string][]string) {
	for key, values := range headers {
		for _, value := range values {
			content.WriteString(fmt.Sprintf("%s: %s\n", key, value))
		}
	}
}

// formatRequestInfo creates the request information section of the log.
func formatRequestInfo(url, method string, headers map[string][]string, body []byte) string {
	var content strings.Builder
	content.WriteString("=== REQUEST INFO ===\n")
	content.WriteString(fmt.Sprintf("URL: %s\n", url))
	content.WriteString(fmt.Sprintf("Method: %s\n", method))
	content.WriteString(fmt.Sprintf("Timestamp: %s\n", time.Now().Format(time.RFC3339Nano)))
	content.WriteString("\n=== HEADERS ===\n")
	writeHeaders(&content, headers)
	content.WriteString("\n=== REQUEST BODY ===\n")
	content.Write(body)
	content.WriteString("\n\n")
	return content.String()
}

// FileStreamingLogWriter implements StreamingLogWriter for file-based streaming logs.
type FileStreamingLogWriter struct {
	file          *os.File
	chunkChan     chan []byte
	closeChan     chan struct{}
	statusWritten bool
}

// WriteChunkAsync writes a response chunk asynchronously (non-blocking).
func (w *FileStreamingLogWriter) WriteChunkAsync(chunk []byte) {
	if w.chunkChan == nil {
		return
	}
	chunkCopy := make([]byte, len(chunk))
	copy(chunkCopy, chunk)
	select {
	case w.chunkChan <- chunkCopy:
	default:
		// Channel full; drop the chunk rather than block the response.
	}
}

// WriteStatus writes the response status and headers to the log.
func (w *FileStreamingLogWriter) WriteStatus(status int, headers map[string][]string) error {
	if w.file == nil || w.statusWritten {
		return nil
	}
	var content strings.Builder
	content.WriteString("========================================\n")
	content.WriteString("=== RESPONSE ===\n")
	content.WriteString(fmt.Sprintf("Status: %d\n", status))
	writeHeaders(&content, headers)
	content.WriteString("\n")

	_, err := w.file.WriteString(content.String())
	if err == nil {
		w.statusWritten = true
	}
	return err
}

// Close finalizes the log file and cleans up resources.
func (w *FileStreamingLogWriter) Close() error {
	if w.chunkChan != nil {
		close(w.chunkChan)
	}
	if w.closeChan != nil {
		<-w.closeChan
		w.chunkChan = nil
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *FileStreamingLogWriter) asyncWriter() {
	defer close(w.closeChan)
	for chunk := range w.chunkChan {
		if w.file != nil {
			_, _ = w.file.Write(chunk)
		}
	}
}

// NoOpStreamingLogWriter is a no-operation implementation for when logging is disabled.
type NoOpStreamingLogWriter struct{}

func (w *NoOpStreamingLogWriter) WriteChunkAsync([]byte) {}
func (w *NoOpStreamingLogWriter) WriteStatus(int, map[string][]string) error {
	return nil
}
func (w *NoOpStreamingLogWriter) Close() error { return nil }
