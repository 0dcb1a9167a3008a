// Package telemetry exports orchestrator lifecycle events and traces.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/codeboltai/agentswarmprotocol-sub005/events"
	"github.com/codeboltai/agentswarmprotocol-sub005/logging"
)

// Exporter is the interface for telemetry exporters.
type Exporter interface {
	// LogEvent logs an event with the given name and data.
	LogEvent(name string, data map[string]interface{})
	// Flush sends any buffered data.
	Flush() error
	// Close closes the exporter.
	Close() error
}

// Event represents a telemetry event.
type Event struct {
	Name      string                 `json:"name"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewExporter creates a new exporter based on protocol. opts apply to the
// http exporter only.
func NewExporter(protocol, endpoint string, opts ...HTTPOption) (Exporter, error) {
	switch protocol {
	case "http":
		if endpoint == "" {
			return nil, fmt.Errorf("http telemetry requires an endpoint")
		}
		return NewHTTPExporter(endpoint, opts...), nil
	case "file":
		fe, err := NewFileExporter(endpoint)
		if err != nil {
			return nil, err
		}
		return fe, nil
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown telemetry protocol: %s", protocol)
	}
}

// Attach exports every task and participant lifecycle event through exp.
// Either bus may be nil. The returned function detaches.
func Attach(exp Exporter, taskEvents *events.Bus[events.TaskEvent], participantEvents *events.Bus[events.ParticipantEvent]) func() {
	var unsubs []func()
	if taskEvents != nil {
		unsubs = append(unsubs, taskEvents.Subscribe(func(ev events.TaskEvent) {
			data := map[string]interface{}{
				"task_id":      ev.TaskID,
				"task_type":    ev.TaskType,
				"status":       ev.Status,
				"assignee_id":  ev.AssigneeID,
				"requester_id": ev.RequesterID,
			}
			if ev.PreviousStatus != "" {
				data["previous_status"] = ev.PreviousStatus
			}
			if ev.ActorID != "" {
				data["actor_id"] = ev.ActorID
			}
			if ev.Note != "" {
				data["note"] = ev.Note
			}
			exp.LogEvent("task."+ev.Status, data)
		}))
	}
	if participantEvents != nil {
		unsubs = append(unsubs, participantEvents.Subscribe(func(ev events.ParticipantEvent) {
			exp.LogEvent("participant."+ev.Status, map[string]interface{}{
				"participant_id": ev.ParticipantID,
				"role":           ev.Role,
				"name":           ev.Name,
				"connection_id":  ev.ConnectionID,
				"revived":        ev.Revived,
			})
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// --- HTTP Exporter ---

const (
	httpBatchSize     = 100
	httpQueueSize     = 8
	httpFlushInterval = 5 * time.Second
)

// ErrExporterClosed is returned by Flush after Close.
var ErrExporterClosed = errors.New("telemetry exporter closed")

// HTTPExporter sends telemetry to an HTTP endpoint in JSON batches.
//
// LogEvent never blocks on the network: full batches are queued for a
// background sender, and when the queue is full the oldest batch is
// dropped. Failed batches are dropped too and reported by the next Flush.
type HTTPExporter struct {
	endpoint      string
	client        *http.Client
	batchSize     int
	flushInterval time.Duration
	logger        *logging.Logger

	mu      sync.Mutex
	buffer  []Event
	dropped int
	failure error // first background send error since the last Flush
	closed  bool

	queue   chan httpBatch
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

type httpBatch struct {
	events []Event
	done   chan error // set by Flush
}

// HTTPOption configures an HTTPExporter.
type HTTPOption func(*HTTPExporter)

// WithBatchSize sets how many events make a batch.
func WithBatchSize(n int) HTTPOption {
	return func(e *HTTPExporter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithFlushInterval sets how often a partial batch is sent.
func WithFlushInterval(d time.Duration) HTTPOption {
	return func(e *HTTPExporter) {
		if d > 0 {
			e.flushInterval = d
		}
	}
}

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(e *HTTPExporter) {
		if c != nil {
			e.client = c
		}
	}
}

// WithExporterLogger logs dropped and failed batches.
func WithExporterLogger(l *logging.Logger) HTTPOption {
	return func(e *HTTPExporter) {
		e.logger = l.WithComponent("telemetry")
	}
}

// NewHTTPExporter creates an HTTP exporter and starts its sender.
func NewHTTPExporter(endpoint string, opts ...HTTPOption) *HTTPExporter {
	e := &HTTPExporter{
		endpoint:      endpoint,
		client:        &http.Client{Timeout: 10 * time.Second},
		batchSize:     httpBatchSize,
		flushInterval: httpFlushInterval,
		logger:        logging.Discard(),
		queue:         make(chan httpBatch, httpQueueSize),
		quit:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.batchSize)
	go e.run()
	return e
}

func (e *HTTPExporter) LogEvent(name string, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.buffer = append(e.buffer, Event{
		Name:      name,
		Timestamp: time.Now(),
		Data:      data,
	})
	if len(e.buffer) >= e.batchSize {
		e.enqueueLocked(httpBatch{events: e.takeLocked()})
	}
}

// takeLocked hands over the buffered events. Must be called with mu held.
func (e *HTTPExporter) takeLocked() []Event {
	pending := e.buffer
	e.buffer = make([]Event, 0, e.batchSize)
	return pending
}

// enqueueLocked queues b without blocking, evicting the oldest queued batch
// when the queue is full. Must be called with mu held.
func (e *HTTPExporter) enqueueLocked(b httpBatch) {
	for {
		select {
		case e.queue <- b:
			return
		default:
		}
		select {
		case old := <-e.queue:
			e.dropped += len(old.events)
			e.logger.Warn("telemetry queue full, dropping oldest batch", map[string]interface{}{
				"events":  len(old.events),
				"dropped": e.dropped,
			})
			if old.done != nil {
				old.done <- fmt.Errorf("telemetry batch of %d events dropped", len(old.events))
			}
		default:
			// The sender just made room.
		}
	}
}

// Dropped returns how many events were discarded because the queue was full
// or their batch could not be sent.
func (e *HTTPExporter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Flush sends everything buffered and waits for it. It returns the first
// send error since the previous Flush.
func (e *HTTPExporter) Flush() error {
	done := make(chan error, 1)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExporterClosed
	}
	e.enqueueLocked(httpBatch{events: e.takeLocked(), done: done})
	e.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-e.stopped:
		return ErrExporterClosed
	}
}

// Close flushes and stops the sender.
func (e *HTTPExporter) Close() error {
	err := e.Flush()
	if errors.Is(err, ErrExporterClosed) {
		err = nil
	}
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.quit)
	})
	<-e.stopped
	return err
}

func (e *HTTPExporter) run() {
	defer close(e.stopped)
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case b := <-e.queue:
			e.send(b)
		case <-ticker.C:
			e.mu.Lock()
			var pending []Event
			if len(e.buffer) > 0 {
				pending = e.takeLocked()
			}
			e.mu.Unlock()
			if pending != nil {
				e.send(httpBatch{events: pending})
			}
		case <-e.quit:
			return
		}
	}
}

func (e *HTTPExporter) send(b httpBatch) {
	var err error
	if len(b.events) > 0 {
		err = e.post(b.events)
	}

	e.mu.Lock()
	if err != nil {
		e.dropped += len(b.events)
		e.logger.Warn("telemetry batch not delivered", map[string]interface{}{
			"events": len(b.events),
			"error":  err.Error(),
		})
		if e.failure == nil {
			e.failure = err
		}
	}
	var report error
	if b.done != nil {
		report, e.failure = e.failure, nil
	}
	e.mu.Unlock()

	if b.done != nil {
		b.done <- report
	}
}

func (e *HTTPExporter) post(batch []Event) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// --- File Exporter ---

// FileExporter writes telemetry to a file, one JSON event per line.
type FileExporter struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileExporter creates a new file exporter.
func NewFileExporter(path string) (*FileExporter, error) {
	if path == "" {
		return nil, fmt.Errorf("file telemetry requires a path")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry file: %w", err)
	}
	return &FileExporter{file: file}, nil
}

func (e *FileExporter) LogEvent(name string, data map[string]interface{}) {
	line, err := json.Marshal(Event{
		Name:      name,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.file.Write(append(line, '\n'))
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	e.Flush()
	return e.file.Close()
}

// --- Noop Exporter ---

// NoopExporter discards all telemetry.
type NoopExporter struct{}

// NewNoopExporter creates a new noop exporter.
func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) LogEvent(name string, data map[string]interface{}) {}
func (e *NoopExporter) Flush() error                                      { return nil }
func (e *NoopExporter) Close() error                                      { return nil }
