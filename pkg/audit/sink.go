// Package audit writes structured security-relevant records to an
// append-only rotating log. The sink is single-writer: producers enqueue
// onto a bounded channel and never block request processing.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coderelay/coderelay/pkg/config"
)

// Record is one audit entry. Timestamp is stamped at enqueue time if zero.
type Record struct {
	Timestamp   time.Time      `json:"timestamp"`
	Event       string         `json:"event"`
	Outcome     string         `json:"outcome,omitempty"`
	Fingerprint string         `json:"credential_fingerprint,omitempty"`
	PeerAddress string         `json:"peer_address,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// Sink serializes audit records to a rotating file. Enqueue is non-blocking;
// records are dropped (and counted) when the queue is full or the sink is
// closed. A nil *Sink is valid and drops everything silently.
type Sink struct {
	queue    chan Record
	out      io.WriteCloser
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	dropped    atomic.Int64
	writeFailWarned atomic.Bool
}

// NewSink creates and starts an audit sink. With an empty path the sink is
// disabled: records are accepted and discarded.
func NewSink(cfg config.AuditConfig) *Sink {
	s := &Sink{
		queue:  make(chan Record, max(cfg.QueueSize, 1)),
		stopCh: make(chan struct{}),
	}
	if cfg.Path != "" {
		s.out = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    int(cfg.MaxBytes / (1024 * 1024)),
			MaxBackups: cfg.Backups,
		}
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue accepts a record for asynchronous writing. Never blocks.
func (s *Sink) Enqueue(rec Record) {
	if s == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case <-s.stopCh:
		s.dropped.Add(1)
		return
	default:
	}
	select {
	case s.queue <- rec:
	default:
		if s.dropped.Add(1) == 1 {
			slog.Warn("Audit queue full, dropping records")
		}
	}
}

// Dropped returns the number of records dropped since startup.
func (s *Sink) Dropped() int64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Close drains the queue, flushes the file, and stops the writer.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// run is the single writer loop. Write failures emit one warning and drop
// the record — audit must never back-pressure the request path.
func (s *Sink) run() {
	defer s.wg.Done()
	enc := json.NewEncoder(io.Discard)
	if s.out != nil {
		enc = json.NewEncoder(s.out)
	}

	write := func(rec Record) {
		if s.out == nil {
			return
		}
		if err := enc.Encode(rec); err != nil {
			if s.writeFailWarned.CompareAndSwap(false, true) {
				slog.Warn("Audit sink write failed, dropping records", "error", err)
			}
			s.dropped.Add(1)
			return
		}
		s.writeFailWarned.Store(false)
	}

	for {
		select {
		case rec := <-s.queue:
			write(rec)
		case <-s.stopCh:
			// Drain whatever is already queued, then flush and exit.
			for {
				select {
				case rec := <-s.queue:
					write(rec)
				default:
					if s.out != nil {
						_ = s.out.Close()
					}
					return
				}
			}
		}
	}
}
