package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// RemoteLogConfig configures the batched remote log forwarder.
type RemoteLogConfig struct {
	UploadURL            string
	AuthorizationSecret  string
	MaxPendingBytes      int
	MaxUploadBytes       int
	UploadDelay          time.Duration
}

// RemoteLogHandle buffers log lines in memory and periodically uploads
// them as newline-delimited JSON batches to a collector. It never blocks
// the caller and drops entries rather than grow unbounded when the
// collector is slow or unreachable.
type RemoteLogHandle struct {
	mu           sync.Mutex
	entries      [][]byte
	pendingBytes int

	uploadURL    string
	authSecret   string
	maxPending   int
	maxUpload    int
	uploadDelay  time.Duration
	hostname     string
	client       *http.Client
}

// NewRemoteLogHandle constructs a handle from config; does not start the
// upload loop until Start is called.
func NewRemoteLogHandle(cfg RemoteLogConfig) *RemoteLogHandle {
	hostname := strings.TrimSpace(os.Getenv("HOSTNAME"))
	if hostname == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			hostname = h
		} else {
			hostname = "unknown-host"
		}
	}

	delay := cfg.UploadDelay
	if delay < 100*time.Millisecond {
		delay = 100 * time.Millisecond
	}

	return &RemoteLogHandle{
		uploadURL:   cfg.UploadURL,
		authSecret:  cfg.AuthorizationSecret,
		maxPending:  cfg.MaxPendingBytes,
		maxUpload:   cfg.MaxUploadBytes,
		uploadDelay: delay,
		hostname:    hostname,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Start runs the periodic upload loop until ctx is cancelled.
func (h *RemoteLogHandle) Start(ctx context.Context) {
	ticker := time.NewTicker(h.uploadDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.doUpload(ctx)
		}
	}
}

func (h *RemoteLogHandle) doUpload(ctx context.Context) {
	batch := h.takeNextBatch()
	if len(batch) == 0 {
		return
	}

	var payload bytes.Buffer
	for i, line := range batch {
		if i > 0 {
			payload.WriteByte('\n')
		}
		payload.Write(line)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.uploadURL, bytes.NewReader(payload.Bytes()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "[remote-log] build request failed: %v\n", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Authorization", h.authSecret)

	resp, err := h.client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[remote-log] upload failed: %v\n", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "[remote-log] upload returned status %d\n", resp.StatusCode)
	}
}

func (h *RemoteLogHandle) takeNextBatch() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	var batch [][]byte
	size := 0
	for len(h.entries) > 0 {
		entry := h.entries[0]
		if len(batch) > 0 && size+len(entry) > h.maxUpload {
			break
		}
		size += len(entry)
		h.pendingBytes -= len(entry)
		batch = append(batch, entry)
		h.entries = h.entries[1:]
		if size >= h.maxUpload {
			break
		}
	}
	return batch
}

// Log enqueues a raw log line for upload, normalizing it with hostname
// and a millisecond timestamp. Never blocks; drops the entry and logs a
// warning to stderr if the pending buffer is full.
func (h *RemoteLogHandle) Log(data []byte) {
	normalized := normalizeLine(data, h.hostname, time.Now().UnixMilli())

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pendingBytes+len(normalized) > h.maxPending {
		fmt.Fprintf(os.Stderr, "[remote-log] dropped entry (%d bytes) because buffer is full\n", len(normalized))
		return
	}
	h.pendingBytes += len(normalized)
	h.entries = append(h.entries, normalized)
}

func normalizeLine(data []byte, hostname string, timestampMs int64) []byte {
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err == nil {
		if _, ok := generic["hostname"]; !ok {
			generic["hostname"] = hostname
		}
		if _, ok := generic["timestamp_ms"]; !ok {
			generic["timestamp_ms"] = timestampMs
		}
		if out, err := json.Marshal(generic); err == nil {
			return out
		}
	}

	out, err := json.Marshal(map[string]any{
		"hostname":     hostname,
		"timestamp_ms": timestampMs,
		"message":      string(data),
	})
	if err != nil {
		return []byte("{}")
	}
	return out
}

// RemoteLogWriter is an io.Writer adapter that splits writes on newlines
// and forwards each complete line to the handle.
type RemoteLogWriter struct {
	handle *RemoteLogHandle
	buffer []byte
}

// NewRemoteLogWriter wraps handle as an io.Writer.
func NewRemoteLogWriter(handle *RemoteLogHandle) *RemoteLogWriter {
	return &RemoteLogWriter{handle: handle}
}

func (w *RemoteLogWriter) Write(p []byte) (int, error) {
	w.buffer = append(w.buffer, p...)
	for {
		idx := bytes.IndexByte(w.buffer, '\n')
		if idx < 0 {
			break
		}
		line := w.buffer[:idx]
		if len(line) > 0 {
			w.handle.Log(append([]byte(nil), line...))
		}
		w.buffer = w.buffer[idx+1:]
	}
	return len(p), nil
}
