package middleware

import (
	"bytes"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/web-gemini/GeminiWebGateway/internal/logging"
)

// RequestInfo holds information about the current request for logging purposes.
type RequestInfo struct {
	URL     string
	Method  string
	Headers map[string][]string
	Body    []byte
}

// ResponseWriterWrapper wraps gin.ResponseWriter to capture response data
// for logging. The client write always happens first; logging never delays
// the response.
type ResponseWriterWrapper struct {
	gin.ResponseWriter
	body         *bytes.Buffer
	isStreaming  bool
	streamWriter logging.StreamingLogWriter
	chunkChannel chan []byte
	logger       logging.RequestLogger
	requestInfo  *RequestInfo
	statusCode   int
	headers      map[string][]string
}

// NewResponseWriterWrapper creates a new response writer wrapper.
func NewResponseWriterWrapper(w gin.ResponseWriter, logger logging.RequestLogger, requestInfo *RequestInfo) *ResponseWriterWrapper {
	return &ResponseWriterWrapper{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		logger:         logger,
		requestInfo:    requestInfo,
		headers:        make(map[string][]string),
	}
}

// Write forwards data to the client first, then records it for logging.
func (w *ResponseWriterWrapper) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)

	if w.isStreaming {
		if w.chunkChannel != nil {
			select {
			case w.chunkChannel <- append([]byte(nil), data...):
			default:
				// Channel full; skip logging rather than block the stream.
			}
		}
	} else {
		w.body.Write(data)
	}

	return n, err
}

// WriteHeader captures the status code and detects streaming responses.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode

	for key, values := range w.ResponseWriter.Header() {
		w.headers[key] = values
	}

	contentType := w.ResponseWriter.Header().Get("Content-Type")
	w.isStreaming = w.detectStreaming(contentType)

	if w.isStreaming && w.logger.IsEnabled() {
		streamWriter, err := w.logger.LogStreamingRequest(
			w.requestInfo.URL,
			w.requestInfo.Method,
			w.requestInfo.Headers,
			w.requestInfo.Body,
		)
		if err == nil {
			w.streamWriter = streamWriter
			w.chunkChannel = make(chan []byte, 100)
			go w.processStreamingChunks()
			_ = streamWriter.WriteStatus(statusCode, w.headers)
		}
	}

	w.ResponseWriter.WriteHeader(statusCode)
}

// detectStreaming determines if the response is streaming based on the
// Content-Type and the request body's stream flag.
func (w *ResponseWriterWrapper) detectStreaming(contentType string) bool {
	if strings.Contains(contentType, "text/event-stream") {
		return true
	}
	if w.requestInfo.Body != nil {
		bodyStr := string(w.requestInfo.Body)
		if strings.Contains(bodyStr, `"stream": true`) || strings.Contains(bodyStr, `"stream":true`) {
			return true
		}
	}
	return false
}

func (w *ResponseWriterWrapper) processStreamingChunks() {
	if w.streamWriter == nil || w.chunkChannel == nil {
		return
	}
	for chunk := range w.chunkChannel {
		w.streamWriter.WriteChunkAsync(chunk)
	}
}

// Finalize completes the logging process for the response.
func (w *ResponseWriterWrapper) Finalize() error {
	if !w.logger.IsEnabled() {
		return nil
	}

	if w.isStreaming {
		if w.chunkChannel != nil {
			close(w.chunkChannel)
			w.chunkChannel = nil
		}
		if w.streamWriter != nil {
			return w.streamWriter.Close()
		}
		return nil
	}

	finalStatusCode := w.statusCode
	if finalStatusCode == 0 {
		finalStatusCode = w.ResponseWriter.Status()
	}

	finalHeaders := make(map[string][]string)
	for key, values := range w.ResponseWriter.Header() {
		finalHeaders[key] = values
	}
	for key, values := range w.headers {
		finalHeaders[key] = values
	}

	return w.logger.LogRequest(
		w.requestInfo.URL,
		w.requestInfo.Method,
		w.requestInfo.Headers,
		w.requestInfo.Body,
		finalStatusCode,
		finalHeaders,
		w.body.Bytes(),
	)
}

// Status returns the HTTP status code of the response.
func (w *ResponseWriterWrapper) Status() int {
	if w.statusCode == 0 {
		return 200
	}
	return w.statusCode
}

// Size returns the size of the response body.
func (w *ResponseWriterWrapper) Size() int {
	if w.isStreaming {
		return -1
	}
	return w.body.Len()
}

// Written returns whether the response has been written.
func (w *ResponseWriterWrapper) Written() bool {
	return w.statusCode != 0
}
