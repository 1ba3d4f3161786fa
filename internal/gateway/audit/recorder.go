package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/jurisdiction/internal/gateway/metrics"
)

// DefaultQueueSize is the recorder's buffer when none is configured.
const DefaultQueueSize = 4096

const insertTimeout = 5 * time.Second

// Recorder is the fire-and-forget front of the audit pipeline. Record calls
// enqueue and return immediately; a single background goroutine writes to
// the store. When the queue is full the oldest event is dropped so the hot
// path stays non-blocking under a slow database.
type Recorder struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	queue   chan Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	now    func() time.Time
}

// NewRecorder starts the pipeline. queueSize <= 0 uses DefaultQueueSize;
// m may be nil.
func NewRecorder(store Store, queueSize int, logger *zap.Logger, m *metrics.Metrics) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		store:   store,
		logger:  logger.Named("audit"),
		metrics: m,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer close(r.done)
	for ev := range r.queue {
		if r.metrics != nil {
			r.metrics.AuditQueueDepth.Set(float64(len(r.queue)))
		}
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		if err := r.store.Insert(ctx, &ev); err != nil {
			r.logger.Warn("audit write failed",
				zap.String("eventType", ev.EventType),
				zap.Error(err))
		}
		cancel()
	}
}

// Record enqueues ev, stamping id and timestamp when absent. Never blocks.
func (r *Recorder) Record(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	select {
	case r.queue <- ev:
	default:
		// Queue full: shed the oldest event and retry once.
		select {
		case <-r.queue:
			if r.metrics != nil {
				r.metrics.AuditEventsDropped.Inc()
			}
		default:
		}
		select {
		case r.queue <- ev:
		default:
			if r.metrics != nil {
				r.metrics.AuditEventsDropped.Inc()
			}
			return
		}
	}
	if r.metrics != nil {
		r.metrics.AuditEventsRecorded.Inc()
		r.metrics.AuditQueueDepth.Set(float64(len(r.queue)))
	}
}

// RecordEvent records a registry lifecycle mutation. Satisfies the
// registry's Auditor interface.
func (r *Recorder) RecordEvent(eventType, actor, actorTeam, serverCanonicalID, reason string) {
	r.Record(Event{
		EventType:         eventType,
		Decision:          DecisionAllowed,
		Actor:             actor,
		ActorTeam:         actorTeam,
		ServerCanonicalID: serverCanonicalID,
		Reason:            reason,
	})
}

// Close stops accepting events and waits for the queue to drain.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-time.After(10 * time.Second):
		r.logger.Warn("audit queue drain timed out")
	}
	return nil
}
