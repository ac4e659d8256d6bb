package securelog

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// remoteQueueSize bounds the number of records waiting to be shipped.
const remoteQueueSize = 1024

// RemoteWriter ships log lines to an ingestion endpoint. Each Write is one
// record (slog handlers emit a record per Write). Records are queued
// without blocking and sent by a single background goroutine; when the
// queue is full the record is dropped.
type RemoteWriter struct {
	url     string
	headers map[string]string
	client  *http.Client
	lines   chan []byte
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewRemoteWriter starts a writer posting to url.
func NewRemoteWriter(url string, headers map[string]string) *RemoteWriter {
	w := &RemoteWriter{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
		lines:   make(chan []byte, remoteQueueSize),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Write enqueues a copy of p. It never blocks and never fails, so a slow
// ingestion endpoint cannot stall the caller.
func (w *RemoteWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	line := make([]byte, len(p))
	copy(line, p)
	select {
	case w.lines <- line:
	default:
		w.dropped++
	}
	return len(p), nil
}

// Dropped returns how many records were discarded because the queue was full.
func (w *RemoteWriter) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close stops accepting records and drains the queue.
func (w *RemoteWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.lines)
	w.mu.Unlock()
	w.wg.Wait()
	return nil
}

func (w *RemoteWriter) loop() {
	defer w.wg.Done()
	for line := range w.lines {
		w.send(line)
	}
}

// send POSTs one record with a single retry on 5xx. Failures are reported
// on stderr only; the logger must not log about itself.
func (w *RemoteWriter) send(line []byte) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			time.Sleep(500 * time.Millisecond)
		}
		req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(line))
		if err != nil {
			fmt.Fprintf(os.Stderr, "securelog: building ingest request: %v\n", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.headers {
			req.Header.Set(k, v)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		if resp.StatusCode < 500 {
			fmt.Fprintf(os.Stderr, "securelog: ingest rejected record: status %d\n", resp.StatusCode)
			return
		}
	}
}
