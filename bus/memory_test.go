package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		subject string
		wantErr bool
	}{
		{"foo", false},
		{"swarm.tasks.completed", false},
		{"swarm.tasks.*", false},
		{"swarm.>", false},
		{"", true},
		{"swarm..tasks", true},
		{"swarm.>.tasks", true},
		{"has space", true},
	}

	for _, tt := range tests {
		err := ValidateSubject(tt.subject)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateSubject(%q) = %v, wantErr %v", tt.subject, err, tt.wantErr)
		}
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"swarm.tasks.completed", "swarm.tasks.completed", true},
		{"swarm.tasks.*", "swarm.tasks.failed", true},
		{"swarm.tasks.*", "swarm.tasks", false},
		{"swarm.tasks.*", "swarm.tasks.failed.extra", false},
		{"swarm.>", "swarm.participants.online", true},
		{"swarm.>", "swarm", false},
		{"*.tasks.*", "swarm.tasks.pending", true},
		{"swarm.tasks.pending", "swarm.tasks.failed", false},
	}
	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("swarm", TokenTasks, "completed"); got != "swarm.tasks.completed" {
		t.Errorf("Subject = %q", got)
	}
	if got := Subject("", TokenParticipants, "", "online"); got != "participants.online" {
		t.Errorf("Subject = %q", got)
	}
}

func TestMemoryBus_Publish(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	// Publish without subscribers should not error
	if err := bus.Publish("test", []byte("hello")); err != nil {
		t.Errorf("Publish error: %v", err)
	}
	if err := bus.Publish("", []byte("hello")); err != ErrInvalidSubject {
		t.Errorf("expected ErrInvalidSubject, got %v", err)
	}
}

// --- Integration Tests ---

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("test")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish("test", []byte("hello"))

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Subject != "test" {
			t.Errorf("subject = %q, want %q", msg.Subject, "test")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestMemoryBus_WildcardSubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	tasks, _ := bus.Subscribe("swarm.tasks.*")
	all, _ := bus.Subscribe("swarm.>")

	bus.Publish("swarm.tasks.completed", []byte("t"))
	bus.Publish("swarm.participants.offline", []byte("p"))

	if got := len(tasks.Messages()); got != 1 {
		t.Errorf("tasks subscriber got %d messages, want 1", got)
	}
	if got := len(all.Messages()); got != 2 {
		t.Errorf("catch-all subscriber got %d messages, want 2", got)
	}
}

func TestMemoryBus_QueueSubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	var subs []Subscription
	for i := 0; i < 3; i++ {
		sub, _ := bus.QueueSubscribe("test", "workers")
		subs = append(subs, sub)
	}

	for i := 0; i < 10; i++ {
		bus.Publish("test", []byte("msg"))
	}

	var received [3]int32
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, s Subscription) {
			defer wg.Done()
			timeout := time.After(100 * time.Millisecond)
			for {
				select {
				case <-s.Messages():
					atomic.AddInt32(&received[idx], 1)
				case <-timeout:
					return
				}
			}
		}(i, sub)
	}
	wg.Wait()

	// Each message goes to exactly one member
	total := received[0] + received[1] + received[2]
	if total != 10 {
		t.Errorf("total received = %d, want 10 (distribution: %v)", total, received)
	}
}

func TestMemoryBus_Request(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.QueueSubscribe("swarm.query.tasks", "orchestrator")
	go func() {
		for msg := range sub.Messages() {
			if msg.Reply != "" {
				bus.Publish(msg.Reply, []byte("pong"))
			}
		}
	}()
	defer sub.Unsubscribe()

	reply, err := bus.Request("swarm.query.tasks", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request error: %v", err)
	}
	if string(reply.Data) != "pong" {
		t.Errorf("reply = %q, want %q", reply.Data, "pong")
	}
}

func TestMemoryBus_RequestNoResponders(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	_, err := bus.Request("service", []byte("ping"), 50*time.Millisecond)
	if err != ErrNoResponders {
		t.Errorf("expected ErrNoResponders, got %v", err)
	}
}

func TestMemoryBus_RequestTimeout(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	// Subscribed but never answers
	sub, _ := bus.Subscribe("service")
	defer sub.Unsubscribe()

	start := time.Now()
	_, err := bus.Request("service", []byte("ping"), 50*time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Request returned before the timeout")
	}
}

// --- Failure Tests ---

func TestMemoryBus_AfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != ErrClosed {
		t.Errorf("Publish: expected ErrClosed, got %v", err)
	}
	if _, err := bus.Subscribe("test"); err != ErrClosed {
		t.Errorf("Subscribe: expected ErrClosed, got %v", err)
	}
	if _, err := bus.Request("test", nil, time.Millisecond); err != ErrClosed {
		t.Errorf("Request: expected ErrClosed, got %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")

	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}

	_, ok := <-sub.Messages()
	if ok {
		t.Error("expected channel to be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic
	bus.Publish("test", []byte("late"))
}

func TestMemoryBus_CloseClosesSubscriptions(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("test")

	bus.Close()

	_, ok := <-sub.Messages()
	if ok {
		t.Error("expected channel to be closed")
	}
	// Unsubscribe after Close is a no-op
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe after Close: %v", err)
	}
}

func TestMemoryBus_ConcurrentPublishUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub, _ := bus.Subscribe("swarm.>")
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish("swarm.tasks.pending", []byte("x"))
			}
		}()
		go func() {
			defer wg.Done()
			sub.Unsubscribe()
		}()
	}
	wg.Wait()
}

func TestMemoryBus_BufferFull(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 1})
	defer bus.Close()

	sub, _ := bus.Subscribe("test")

	bus.Publish("test", []byte("1"))
	bus.Publish("test", []byte("2")) // Should be dropped

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "1" {
			t.Errorf("expected first message, got %q", msg.Data)
		}
	default:
		t.Error("expected at least one message")
	}

	select {
	case <-sub.Messages():
		t.Error("unexpected second message")
	default:
	}
}

// --- Performance Tests ---

func BenchmarkMemoryBus_Publish(b *testing.B) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("bench.>")
	go func() {
		for range sub.Messages() {
		}
	}()

	data := []byte("benchmark message")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		bus.Publish("bench.tasks", data)
	}
}
