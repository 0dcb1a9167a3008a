package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	swarmerr "github.com/codeboltai/agentswarmprotocol-sub005/errors"
	"github.com/codeboltai/agentswarmprotocol-sub005/events"
	"github.com/codeboltai/agentswarmprotocol-sub005/tasks"
)

func TestNoopExporter(t *testing.T) {
	exp := NewNoopExporter()

	// Should not panic
	exp.LogEvent("test", map[string]interface{}{"key": "value"})

	if err := exp.Flush(); err != nil {
		t.Errorf("Flush() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestFileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")

	exp, err := NewFileExporter(path)
	if err != nil {
		t.Fatalf("NewFileExporter() error = %v", err)
	}

	exp.LogEvent("task.pending", map[string]interface{}{"task_id": "t1"})
	exp.LogEvent("task.in_progress", map[string]interface{}{"task_id": "t1"})
	exp.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		names = append(names, ev.Name)
	}
	if len(names) != 2 || names[0] != "task.pending" || names[1] != "task.in_progress" {
		t.Errorf("events = %v", names)
	}
}

func TestHTTPExporter(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []Event
		if err := json.Unmarshal(body, &batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	defer exp.Close()
	exp.LogEvent("participant.online", map[string]interface{}{"participant_id": "a1"})
	if err := exp.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	// Empty flush sends nothing.
	if err := exp.Flush(); err != nil {
		t.Fatalf("second Flush() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0].Name != "participant.online" {
		t.Errorf("batches = %+v", batches)
	}
}

func TestHTTPExporterReportsFailedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL)
	exp.LogEvent("x", nil)
	if err := exp.Flush(); err == nil {
		t.Fatal("expected error from 503")
	}
	if got := exp.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
	if err := exp.Flush(); err != nil {
		t.Errorf("failure reported twice: %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := exp.Flush(); !errors.Is(err, ErrExporterClosed) {
		t.Errorf("Flush after Close = %v", err)
	}
	exp.LogEvent("late", nil)
}

func TestHTTPExporterBatchesInBackground(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL, WithBatchSize(2), WithFlushInterval(20*time.Millisecond))
	defer exp.Close()
	exp.LogEvent("a", nil)
	exp.LogEvent("b", nil) // full batch
	exp.LogEvent("c", nil) // sent by the ticker

	deadline := time.Now().Add(2 * time.Second)
	for posts.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := posts.Load(); n != 2 {
		t.Errorf("posts = %d, want 2", n)
	}
}

func TestHTTPExporterDropsOldestWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	exp := NewHTTPExporter(srv.URL, WithBatchSize(1))
	start := time.Now()
	for i := 0; i < httpQueueSize+10; i++ {
		exp.LogEvent("x", nil)
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Errorf("LogEvent blocked for %v", d)
	}
	// At most one batch is in flight and httpQueueSize are queued.
	if got := exp.Dropped(); got < 9 {
		t.Errorf("Dropped() = %d, want at least 9", got)
	}
	close(release)
	exp.Close()
}

func TestSlowEndpointDoesNotDelayTaskChanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	taskBus := events.NewBus[events.TaskEvent](events.BusOptions{Name: "tasks"})
	mgr := tasks.NewManager(tasks.WithEvents(taskBus))
	exp := NewHTTPExporter(srv.URL)
	detach := Attach(exp, taskBus, nil)
	defer detach()

	var worst time.Duration
	for i := 0; i < httpBatchSize+10; i++ {
		start := time.Now()
		if _, err := mgr.Create(tasks.Spec{Type: "echo"}); err != nil {
			t.Fatal(err)
		}
		if d := time.Since(start); d > worst {
			worst = d
		}
	}
	if worst > 100*time.Millisecond {
		t.Errorf("Create blocked for %v behind the exporter", worst)
	}

	if err := exp.Close(); err == nil {
		t.Error("expected Close to report the failed batches")
	}
	if got := exp.Dropped(); got != httpBatchSize+10 {
		t.Errorf("Dropped() = %d, want %d", got, httpBatchSize+10)
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		protocol string
		endpoint string
		wantErr  bool
	}{
		{"noop", "", false},
		{"", "", false},
		{"http", "", true},
		{"file", "", true},
		{"unknown", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			exp, err := NewExporter(tt.protocol, tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewExporter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && exp != nil {
				t.Fatalf("NewExporter() returned %T alongside error", exp)
			}
			if exp != nil {
				exp.Close()
			}
		})
	}
}

type recordingExporter struct {
	NoopExporter
	mu    sync.Mutex
	names []string
	data  []map[string]interface{}
}

func (r *recordingExporter) LogEvent(name string, data map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	r.data = append(r.data, data)
}

func TestAttach(t *testing.T) {
	taskBus := events.NewBus[events.TaskEvent](events.BusOptions{Name: "tasks"})
	partBus := events.NewBus[events.ParticipantEvent](events.BusOptions{Name: "participants"})
	rec := &recordingExporter{}

	detach := Attach(rec, taskBus, partBus)
	partBus.Publish(events.ParticipantEvent{ParticipantID: "a1", Role: "agent", Status: "online"})
	taskBus.Publish(events.TaskEvent{TaskID: "t1", Status: "failed", PreviousStatus: "in_progress", Note: "participant disconnected"})
	detach()
	taskBus.Publish(events.TaskEvent{TaskID: "t2", Status: "pending"})

	if len(rec.names) != 2 || rec.names[0] != "participant.online" || rec.names[1] != "task.failed" {
		t.Fatalf("names = %v", rec.names)
	}
	if rec.data[1]["previous_status"] != "in_progress" || rec.data[1]["note"] != "participant disconnected" {
		t.Errorf("task data = %v", rec.data[1])
	}
}

func TestTracerSpans(t *testing.T) {
	tr := GetTracer()
	ctx, span := tr.StartMessageSpan(context.Background(), "agent", "task.result", "conn-1")
	if ctx == nil || span == nil {
		t.Fatal("nil span")
	}
	tr.EndMessageSpan(span, MessageSpanOptions{TaskID: "t1", Outbound: 1}, nil)

	_, span = tr.StartServiceSpan(context.Background(), "audit", "a1")
	tr.EndServiceSpan(span, ServiceSpanOptions{Params: map[string]any{"query": "x", "limit": 5}},
		swarmerr.Timeout("slow"))
}

func TestTruncateAny(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"abc", "abc"},
		{42, "42"},
		{int64(7), "7"},
		{map[string]any{"k": "v"}, `{"k":"v"}`},
		{nil, ""},
		{"abcdef", "abc..."},
	}
	for _, tt := range tests {
		max := 10
		if tt.want == "abc..." {
			max = 3
		}
		if got := truncateAny(tt.in, max); got != tt.want {
			t.Errorf("truncateAny(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
