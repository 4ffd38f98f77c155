// Package jsonlog implements a Subscriber that serializes every bus event
// it receives as one JSON line, for offline inspection or piping to a log
// aggregator.
package jsonlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/taskmesh/taskmesh/internal/events"
)

// Subscriber writes one JSON object per line to w. It is interested in
// every event unless a filter is supplied.
type Subscriber struct {
	mu     sync.Mutex
	w      io.Writer
	filter func(events.Event) bool
}

// New constructs a Subscriber writing to w. If filter is nil, every event
// is written.
func New(w io.Writer, filter func(events.Event) bool) *Subscriber {
	return &Subscriber{w: w, filter: filter}
}

func (s *Subscriber) Name() string { return "jsonlog" }

func (s *Subscriber) IsInterested(e events.Event) bool {
	if s.filter == nil {
		return true
	}
	return s.filter(e)
}

type line struct {
	Kind        events.Kind       `json:"kind"`
	Timestamp   string            `json:"timestamp"`
	Correlation map[string]string `json:"correlation,omitempty"`
	TaskID      string            `json:"task_id,omitempty"`
	TaskName    string            `json:"task_name,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Error       string            `json:"error,omitempty"`
	DurationMS  int64             `json:"duration_ms,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Level       int               `json:"level,omitempty"`
}

func (s *Subscriber) HandleEvent(_ context.Context, e events.Event) error {
	rec := line{
		Kind:        e.Kind,
		Timestamp:   e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Correlation: e.Correlation,
		TaskID:      e.TaskID,
		TaskName:    e.TaskName,
		Reason:      e.Reason,
		Error:       e.Error,
		DurationMS:  e.Duration.Milliseconds(),
		Size:        e.Size,
		Level:       e.Level,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("jsonlog: marshal event: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.w.Write(b)
	return err
}
