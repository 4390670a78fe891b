package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/kutay-ship-it/capsulenote-sub006/app/models"
	"github.com/kutay-ship-it/capsulenote-sub006/internal/pkg/metrics"
)

// Sink receives audit events. Record must never block the caller for long
// and never fails it; write errors are the sink's own concern.
type Sink interface {
	Record(ctx context.Context, userID *string, eventType string, data map[string]any)
}

// Writer persists batches of audit events.
type Writer interface {
	InsertEvents(ctx context.Context, events []models.AuditEvent) error
}

const (
	defaultBuffer    = 1024
	defaultBatchSize = 100
	flushInterval    = time.Second
	writeTimeout     = 10 * time.Second
)

// AsyncRecorder queues events on a buffered channel and writes them in
// batches from a background goroutine. When the buffer is full, or the
// recorder has been stopped, the event is dropped and counted.
type AsyncRecorder struct {
	writer  Writer
	events  chan models.AuditEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	stopped bool
	now     func() time.Time
}

func NewAsyncRecorder(writer Writer, buffer int) *AsyncRecorder {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &AsyncRecorder{
		writer: writer,
		events: make(chan models.AuditEvent, buffer),
		stopCh: make(chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the background writer. It is safe to call more than once
// and does nothing after Stop.
func (r *AsyncRecorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.run()
}

// Stop drains the buffer and waits for the writer to finish. Without a
// running writer the buffered events are written here.
func (r *AsyncRecorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	close(r.stopCh)
	r.mu.Unlock()

	if started {
		r.wg.Wait()
		return
	}
	r.flush(r.drain(nil))
}

func (r *AsyncRecorder) Record(_ context.Context, userID *string, eventType string, data map[string]any) {
	ev, err := newEvent(userID, eventType, data, r.now())
	if err != nil {
		log.Errorf("[Audit] Failed to encode %s event: %v", eventType, err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		metrics.AuditDropped.Inc()
		log.Warnf("[Audit] Recorder stopped, dropping %s event", eventType)
		return
	}
	select {
	case r.events <- ev:
	default:
		metrics.AuditDropped.Inc()
		log.Warnf("[Audit] Buffer full, dropping %s event", eventType)
	}
}

func (r *AsyncRecorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]models.AuditEvent, 0, defaultBatchSize)
	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= defaultBatchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		case <-r.stopCh:
			r.flush(r.drain(batch))
			return
		}
	}
}

// drain appends whatever is still buffered to batch.
func (r *AsyncRecorder) drain(batch []models.AuditEvent) []models.AuditEvent {
	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

func (r *AsyncRecorder) flush(batch []models.AuditEvent) []models.AuditEvent {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.writer.InsertEvents(ctx, batch); err != nil {
		metrics.AuditWriteErrors.Inc()
		log.Errorf("[Audit] Failed to persist %d events: %v", len(batch), err)
	}
	return batch[:0]
}

func newEvent(userID *string, eventType string, data map[string]any, at time.Time) (models.AuditEvent, error) {
	raw := []byte("{}")
	if len(data) > 0 {
		var err error
		if raw, err = json.Marshal(data); err != nil {
			return models.AuditEvent{}, err
		}
	}
	return models.AuditEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      eventType,
		Data:      string(raw),
		CreatedAt: at,
	}, nil
}

// MemorySink keeps events in memory. It is used by tests and by the CLI
// when no database writer is wanted.
type MemorySink struct {
	mu     sync.Mutex
	events []models.AuditEvent
	data   []map[string]any
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Record(_ context.Context, userID *string, eventType string, data map[string]any) {
	ev, err := newEvent(userID, eventType, data, time.Now().UTC())
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	m.data = append(m.data, data)
}

// Events returns a copy of everything recorded so far.
func (m *MemorySink) Events() []models.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}

// Count returns how many events of eventType were recorded.
func (m *MemorySink) Count(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// Last returns the data of the most recent event of eventType.
func (m *MemorySink) Last(eventType string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].Type == eventType {
			return m.data[i], true
		}
	}
	return nil, false
}
