package jsonlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/taskmesh/taskmesh/internal/events"
)

func TestSubscriber_HandleEvent_WritesOneJSONLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, nil)

	e1 := events.Event{Kind: events.TaskStarted, Timestamp: time.Unix(0, 0).UTC(), TaskID: "t1", TaskName: "build"}
	e2 := events.Event{Kind: events.CacheHit, Timestamp: time.Unix(1, 0).UTC(), TaskID: "t1", Reason: "exact match"}

	if err := s.HandleEvent(context.Background(), e1); err != nil {
		t.Fatalf("handle event 1: %v", err)
	}
	if err := s.HandleEvent(context.Background(), e2); err != nil {
		t.Fatalf("handle event 2: %v", err)
	}

	scanner := bufio.NewScanner(&buf)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("line 1 is not valid JSON: %v", err)
	}
	if decoded["kind"] != string(events.TaskStarted) {
		t.Fatalf("expected kind %q, got %v", events.TaskStarted, decoded["kind"])
	}
	if decoded["task_id"] != "t1" {
		t.Fatalf("expected task_id t1, got %v", decoded["task_id"])
	}
}

func TestSubscriber_IsInterested_DefaultsToEverything(t *testing.T) {
	s := New(&bytes.Buffer{}, nil)
	if !s.IsInterested(events.Event{Kind: events.CacheEvict}) {
		t.Fatalf("expected default subscriber to be interested in every kind")
	}
}

func TestSubscriber_IsInterested_HonorsFilter(t *testing.T) {
	s := New(&bytes.Buffer{}, func(e events.Event) bool { return e.Kind == events.TaskFailed })
	if s.IsInterested(events.Event{Kind: events.TaskStarted}) {
		t.Fatalf("expected filter to reject TaskStarted")
	}
	if !s.IsInterested(events.Event{Kind: events.TaskFailed}) {
		t.Fatalf("expected filter to accept TaskFailed")
	}
}

func TestSubscriber_Name(t *testing.T) {
	if got := (New(&bytes.Buffer{}, nil)).Name(); got != "jsonlog" {
		t.Fatalf("expected name %q, got %q", "jsonlog", got)
	}
}

func TestSubscriber_ViaBus_ReceivesPublishedEvents(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, nil)

	bus := events.NewBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Subscribe(ctx, s)

	bus.Publish(events.Event{Kind: events.TaskCompleted, TaskID: "t1"})
	bus.Close()

	if buf.Len() == 0 {
		t.Fatalf("expected subscriber to have received at least one event")
	}
}
