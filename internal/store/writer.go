package store

import (
	"context"
	"sync"
	"time"

	"collabup/server/internal/logger"
	"collabup/server/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

type writeOp struct {
	groupID string
	message *models.Message
	member  *models.Member
}

// Writer applies store writes on a single goroutine, in the order they were
// enqueued, so earlier state never overwrites later state.
//
// Enqueueing never blocks. When the buffer is full, or the writer is closed,
// the write is dropped and counted.
type Writer struct {
	store   Store
	ops     chan writeOp
	dropped prometheus.Counter
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts the writer goroutine
func NewWriter(s Store, buffer int) *Writer {
	if buffer < 1 {
		buffer = 1024
	}
	w := &Writer{
		store: s,
		ops:   make(chan writeOp, buffer),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collabup",
			Subsystem: "store",
			Name:      "dropped_writes_total",
			Help:      "Store writes dropped because the write queue was full or closed.",
		}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Collectors exposes the writer's metrics for registration
func (w *Writer) Collectors() []prometheus.Collector {
	return []prometheus.Collector{w.dropped}
}

// SaveMessage enqueues a snapshot of msg
func (w *Writer) SaveMessage(msg *models.Message) {
	w.enqueue(writeOp{groupID: msg.GroupID, message: msg.Clone()})
}

// AddMember enqueues a membership upsert
func (w *Writer) AddMember(groupID string, member models.Member) {
	w.enqueue(writeOp{groupID: groupID, member: &member})
}

func (w *Writer) enqueue(op writeOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop(op, "closed")
		return
	}
	select {
	case w.ops <- op:
	default:
		w.drop(op, "queue_full")
	}
}

func (w *Writer) drop(op writeOp, reason string) {
	w.dropped.Inc()
	fields := []zap.Field{zap.String("group", op.groupID), zap.String("reason", reason)}
	if op.message != nil {
		fields = append(fields, zap.String("message", op.message.ID))
	}
	logger.Log.Warn("store_write_dropped", fields...)
}

// Close drains pending writes and stops the goroutine. Writes enqueued
// afterwards are dropped.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Writer) run() {
	defer w.wg.Done()
	for op := range w.ops {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		var err error
		switch {
		case op.message != nil:
			err = w.store.SaveMessage(ctx, op.message)
		case op.member != nil:
			err = w.store.AddMember(ctx, op.groupID, *op.member)
		}
		cancel()
		if err != nil {
			logger.Log.Error("store_write_failed", zap.String("group", op.groupID), zap.Error(err))
		}
	}
}
