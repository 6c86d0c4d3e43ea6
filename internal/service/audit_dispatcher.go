package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stockauth/stockauth/internal/metrics"
)

// ErrAuditQueueFull is returned when a login record is dropped.
var ErrAuditQueueFull = errors.New("audit queue full")

// AuditDispatcher hands login records to a single goroutine so the request
// path never waits on the audit store. Records are dropped when the buffer
// is full.
type AuditDispatcher struct {
	sink      AuditLog
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	timeout   time.Duration
	ch        chan string
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64

	// mu makes the closed check and the send one step, so nothing is
	// queued after the worker's final drain.
	mu     sync.Mutex
	closed bool
}

func NewAuditDispatcher(sink AuditLog, bufferSize int, logger *logrus.Logger, m *metrics.Metrics) *AuditDispatcher {
	if bufferSize <= 0 {
		bufferSize = 1
	}

	d := &AuditDispatcher{
		sink:    sink,
		logger:  logger,
		metrics: m,
		timeout: 5 * time.Second,
		ch:      make(chan string, bufferSize),
		done:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *AuditDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case userID := <-d.ch:
			d.write(userID)
		case <-d.done:
			for {
				select {
				case userID := <-d.ch:
					d.write(userID)
				default:
					return
				}
			}
		}
	}
}

func (d *AuditDispatcher) write(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sink.RecordLogin(ctx, userID); err != nil {
		d.logger.WithError(err).WithField("user_id", userID).Warn("Failed to record login audit")
	}
}

// RecordLogin queues the record and returns immediately.
func (d *AuditDispatcher) RecordLogin(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrAuditQueueFull
	}

	select {
	case d.ch <- userID:
		return nil
	default:
		d.dropped.Add(1)
		d.metrics.AuditDropped()
		return ErrAuditQueueFull
	}
}

// Close flushes queued records and stops the worker.
func (d *AuditDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.done)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *AuditDispatcher) Dropped() uint64 {
	return d.dropped.Load()
}
