package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event
	done := make(chan struct{})

	bus.Subscribe(EventRunStarted, func(ev Event) {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		close(done)
	})

	bus.Publish(EventRunStarted, "run_1234567890_deadbeef", "test", map[string]interface{}{"timeout_sec": 300})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	if received[0].Target != "test" {
		t.Errorf("target: got %q, want %q", received[0].Target, "test")
	}
	if received[0].RunID != "run_1234567890_deadbeef" {
		t.Errorf("run id: got %q", received[0].RunID)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	delivered := make(chan Event, 10)
	unsub := bus.Subscribe(EventRunCompleted, func(ev Event) {
		delivered <- ev
	})
	unsub()

	bus.Publish(EventRunCompleted, "run_1234567890_deadbeef", "test", nil)

	select {
	case <-delivered:
		t.Error("event delivered after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusDropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	first := make(chan struct{})
	var once sync.Once
	bus.Subscribe(EventRunOutput, func(ev Event) {
		once.Do(func() { close(first) })
		<-block
	})

	// Fill the subscriber goroutine and its 1-slot buffer, then overflow.
	// Publish must never block.
	published := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(EventRunOutput, "run_1234567890_deadbeef", "test", nil)
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	<-first
	close(block)
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	got := map[EventType]int{}
	var wg sync.WaitGroup
	wg.Add(3)
	bus.SubscribeAll(func(ev Event) {
		mu.Lock()
		got[ev.Type]++
		mu.Unlock()
		wg.Done()
	})

	bus.Publish(EventRunStarted, "r", "t", nil)
	bus.Publish(EventRunOutput, "r", "t", nil)
	bus.Publish(EventRunTimedOut, "r", "t", nil)

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	for _, et := range []EventType{EventRunStarted, EventRunOutput, EventRunTimedOut} {
		if got[et] != 1 {
			t.Errorf("event %s: got %d deliveries, want 1", et, got[et])
		}
	}
}

func TestRunLoggerWriteAndSkipOutput(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "runs.jsonl")

	l, err := NewRunLogger(logPath, 0)
	if err != nil {
		t.Fatalf("NewRunLogger failed: %v", err)
	}
	defer l.Close()

	events := []Event{
		{Type: EventRunStarted, Timestamp: time.Now().UTC(), RunID: "run_1234567890_deadbeef", Target: "test"},
		{Type: EventRunOutput, Timestamp: time.Now().UTC(), RunID: "run_1234567890_deadbeef", Target: "test"},
		{Type: EventRunCompleted, Timestamp: time.Now().UTC(), RunID: "run_1234567890_deadbeef", Target: "test",
			Data: map[string]interface{}{"exit_code": 0}},
	}
	for _, ev := range events {
		if err := l.Record(ev); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var entries []RunLogEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e RunLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		entries = append(entries, e)
	}

	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (output chunks skipped)", len(entries))
	}
	if entries[0].EventType != string(EventRunStarted) {
		t.Errorf("first entry: got %s, want %s", entries[0].EventType, EventRunStarted)
	}
	if entries[1].EventType != string(EventRunCompleted) {
		t.Errorf("second entry: got %s, want %s", entries[1].EventType, EventRunCompleted)
	}
}

func TestRunLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "runs.jsonl")

	// Tiny max size forces rotation on the second entry.
	l, err := NewRunLogger(logPath, 150)
	if err != nil {
		t.Fatalf("NewRunLogger failed: %v", err)
	}
	defer l.Close()

	for i := 0; i < 2; i++ {
		err := l.WriteEntry(&RunLogEntry{
			Timestamp: time.Now().UTC(),
			EventType: string(EventRunCompleted),
			RunID:     "run_1234567890_deadbeef",
			Target:    "test",
		})
		if err != nil {
			t.Fatalf("WriteEntry %d failed: %v", i, err)
		}
	}

	archived, err := filepath.Glob(filepath.Join(dir, "archive", "*.jsonl"))
	if err != nil {
		t.Fatalf("glob archive: %v", err)
	}
	if len(archived) != 1 {
		t.Errorf("got %d archived logs, want 1", len(archived))
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("current log missing after rotation: %v", err)
	}
}
