package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
)

// LogSink appends deliveries as NDJSON to LOG_PATH, or stdout when
// LOG_PATH=stdout.
type LogSink struct {
	dst string
	f   *os.File
	w   *bufio.Writer
	mu  sync.Mutex
}

func NewLogSink() *LogSink {
	dst := os.Getenv("LOG_PATH")
	if dst == "" {
		dst = "deliveries.ndjson"
	}
	return &LogSink{dst: dst}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dst == "stdout" {
		s.w = bufio.NewWriter(os.Stdout)
		return nil
	}
	f, err := os.OpenFile(s.dst, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	return nil
}

func (s *LogSink) Enqueue(d Delivery) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return errNotStarted
	}
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return err
	}
	// one record per line, visible to tail -f right away
	return s.w.Flush()
}

func (s *LogSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		_ = s.w.Flush()
	}
	if s.f != nil {
		err := s.f.Close()
		s.f = nil
		return err
	}
	return nil
}
